package domain

import "errors"

var ErrCallKindInvalid = errors.New("call type must be audio or video")

// CallKind selects the default media of a call.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool { return k == CallAudio || k == CallVideo }

// ParseCallKind validates a wire or API value.
func ParseCallKind(s string) (CallKind, error) {
	k := CallKind(s)
	if !k.Valid() {
		return "", ErrCallKindInvalid
	}
	return k, nil
}

// Role is a participant's side of a call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

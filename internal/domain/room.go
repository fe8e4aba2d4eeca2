package domain

import (
	"errors"
	"fmt"
	"strconv"
)

type (
	RoomName       string
	ConversationID int64
)

func (id ConversationID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseConversationID parses a path or query value.
func ParseConversationID(s string) (ConversationID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("conversation id %q: %w", s, ErrConversationInvalid)
	}
	return ConversationID(n), nil
}

var ErrConversationInvalid = errors.New("invalid conversation id")

// RoomFor derives the video-room name for a call. Both peers compute the
// same name, so it is never negotiated.
func RoomFor(conv ConversationID, kind CallKind) RoomName {
	return RoomName(fmt.Sprintf("conversation-%d-%s", conv, kind))
}

// Room is a provisioned video room; URL is where participants join.
type Room struct {
	Name RoomName
	URL  string
}

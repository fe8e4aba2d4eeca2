package core

// Frame is a raw text payload as read from or written to the socket.
type Frame []byte

// Status is the lifecycle of the signaling connection.
type Status int

const (
	StatusClosed Status = iota
	StatusConnecting
	StatusOpen
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	default:
		return "closed"
	}
}

// Sender is the outbound half of the signaling connection. Send is best
// effort: it never fails the caller and drops the envelope when the
// connection is not open.
type Sender interface {
	Send(Envelope)
}

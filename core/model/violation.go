package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ProtocolViolation signals a state the protocol never intends to reach.
// It is raised with panic and recovered only at the simulation boundary.
type ProtocolViolation struct {
	Node      NodeID
	MessageID uuid.UUID
	Time      int64
	Reason    string
}

func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation at t=%d node=%s message=%s: %s", v.Time, v.Node, v.MessageID, v.Reason)
}

// Violate panics with a ProtocolViolation.
func Violate(node NodeID, messageID uuid.UUID, now int64, format string, args ...any) {
	panic(&ProtocolViolation{
		Node:      node,
		MessageID: messageID,
		Time:      now,
		Reason:    fmt.Sprintf(format, args...),
	})
}

package model

import "github.com/google/uuid"

// NodeID identifies a peer in the overlay.
type NodeID = uuid.UUID

// SourceID is the sender id used by the source. It never joins the overlay.
var SourceID = uuid.Nil

type Chunk struct {
	ID        uuid.UUID `msgpack:"id" json:"id"`
	SessionID uuid.UUID `msgpack:"session_id" json:"session_id"`
	Seq       int       `msgpack:"seq" json:"seq"`
	Payload   []byte    `msgpack:"payload" json:"-"`
	Checksum  int       `msgpack:"checksum" json:"checksum"`
	CreatedAt int64     `msgpack:"created_at" json:"created_at"`
	ExpiresAt int64     `msgpack:"expires_at" json:"expires_at"` // 0 never expires
}

// IsExpired reports whether the chunk deadline is at or before now.
func (c *Chunk) IsExpired(now int64) bool {
	return c.ExpiresAt != 0 && c.ExpiresAt <= now
}

package model

// SentChunk is the source-side record of one send wave of a chunk.
// A retransmission replaces it wholesale so the ack timeout is always
// measured from the latest wave.
type SentChunk struct {
	Chunk     Chunk
	Nodes     int
	Timestamp int64
	Acks      int
	Nacks     int
}

func NewSentChunk(c Chunk, nodes int, now int64) SentChunk {
	return SentChunk{Chunk: c, Nodes: nodes, Timestamp: now}
}

func (s *SentChunk) IsPending() bool {
	return s.Acks < s.Nodes
}

func (s *SentChunk) IsExpired(now, ackTimeout int64) bool {
	return s.Timestamp+ackTimeout < now
}

// Remaining is the number of targets that have not acknowledged yet.
func (s *SentChunk) Remaining() int {
	if s.Acks >= s.Nodes {
		return 0
	}

	return s.Nodes - s.Acks
}

package message

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/model"
)

var replies = map[Kind][]Kind{
	KindChunk:    {KindChunkOk, KindChunkKo, KindChunkAdv},
	KindChunkAdv: {KindChunkReq},
	KindChunkReq: {KindChunk, KindChunkMissing},
}

// CanReply reports whether a message of kind from may be answered with to.
func CanReply(from, to Kind) bool {
	for _, k := range replies[from] {
		if k == to {
			return true
		}
	}

	return false
}

func NewChunk(src, dst model.NodeID, c model.Chunk) *ChunkMessage {
	return &ChunkMessage{Header: newHeader(src, dst), Chunk: c}
}

// NewAdvertisement announces a chunk held by src. It is used both after a
// CHUNK receipt and after an overlay delivery, where there is no message to
// reply to.
func NewAdvertisement(src, dst model.NodeID, sessionID, chunkID uuid.UUID) *ChunkAdvertisement {
	return &ChunkAdvertisement{Header: newHeader(src, dst), SessionID: sessionID, ChunkID: chunkID}
}

// NewRequest starts a proactive pull. It is an origination, not a reply.
func NewRequest(src, dst model.NodeID, sessionID, chunkID uuid.UUID) *ChunkRequest {
	return &ChunkRequest{Header: newHeader(src, dst), SessionID: sessionID, ChunkID: chunkID}
}

// replyHeader addresses a reply back to the last hop of m.
func replyHeader(m *Header) Header {
	return newHeader(m.Destination, m.Source)
}

func ReplyOk(m *ChunkMessage) *ChunkOk {
	return &ChunkOk{Header: replyHeader(&m.Header), SessionID: m.Chunk.SessionID, ChunkID: m.Chunk.ID}
}

func ReplyKo(m *ChunkMessage) *ChunkKo {
	return &ChunkKo{Header: replyHeader(&m.Header), SessionID: m.Chunk.SessionID, ChunkID: m.Chunk.ID}
}

func ReplyAdvertisement(m *ChunkMessage, dst model.NodeID) *ChunkAdvertisement {
	return NewAdvertisement(m.Destination, dst, m.Chunk.SessionID, m.Chunk.ID)
}

func ReplyRequest(m *ChunkAdvertisement) *ChunkRequest {
	return &ChunkRequest{Header: replyHeader(&m.Header), SessionID: m.SessionID, ChunkID: m.ChunkID}
}

func ReplyChunk(m *ChunkRequest, c model.Chunk) *ChunkMessage {
	return &ChunkMessage{Header: replyHeader(&m.Header), Chunk: c}
}

func ReplyMissing(m *ChunkRequest) *ChunkMissing {
	return &ChunkMissing{Header: replyHeader(&m.Header), SessionID: m.SessionID, ChunkID: m.ChunkID}
}

// Reply builds the reply of kind to for m, following the legal reply
// graph. chunk is required only when replying to a request with a chunk.
// Any other transition fails with ErrIllegalReply.
func Reply(m Message, to Kind, chunk *model.Chunk) (Message, error) {
	if !CanReply(m.Kind(), to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalReply, m.Kind(), to)
	}

	switch v := m.(type) {
	case *ChunkMessage:
		switch to {
		case KindChunkOk:
			return ReplyOk(v), nil
		case KindChunkKo:
			return ReplyKo(v), nil
		case KindChunkAdv:
			return ReplyAdvertisement(v, v.Source), nil
		}
	case *ChunkAdvertisement:
		return ReplyRequest(v), nil
	case *ChunkRequest:
		switch to {
		case KindChunk:
			if chunk == nil {
				return nil, fmt.Errorf("%w: %s -> %s without a chunk", ErrIllegalReply, m.Kind(), to)
			}
			return ReplyChunk(v, *chunk), nil
		case KindChunkMissing:
			return ReplyMissing(v), nil
		}
	}

	return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalReply, m.Kind(), to)
}

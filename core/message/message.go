// Package message defines the six StarStream message kinds and the only
// legal ways to produce one from another.
//
//	CHUNK -> CHUNK_OK | CHUNK_KO | CHUNK_ADV
//	CHUNK_ADV -> CHUNK_REQ
//	CHUNK_REQ -> CHUNK | CHUNK_MISSING
package message

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/model"
)

var (
	ErrIllegalReply = errors.New("illegal reply transition")
)

type Kind uint8

const (
	KindChunk Kind = iota + 1
	KindChunkOk
	KindChunkKo
	KindChunkAdv
	KindChunkReq
	KindChunkMissing
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{KindChunk, KindChunkOk, KindChunkKo, KindChunkAdv, KindChunkReq, KindChunkMissing}

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "CHUNK"
	case KindChunkOk:
		return "CHUNK_OK"
	case KindChunkKo:
		return "CHUNK_KO"
	case KindChunkAdv:
		return "CHUNK_ADV"
	case KindChunkReq:
		return "CHUNK_REQ"
	case KindChunkMissing:
		return "CHUNK_MISSING"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

type Channel uint8

const (
	Reliable Channel = iota
	Unreliable
)

func (c Channel) String() string {
	if c == Unreliable {
		return "unreliable"
	}

	return "reliable"
}

// ChannelOf returns the transport a kind travels on. Only chunk payloads
// use the lossy channel.
func ChannelOf(k Kind) Channel {
	if k == KindChunk {
		return Unreliable
	}

	return Reliable
}

type Header struct {
	ID          uuid.UUID
	Originator  model.NodeID
	Source      model.NodeID // last hop
	Destination model.NodeID
	Hops        int
}

func (h *Header) Head() *Header {
	return h
}

func newHeader(src, dst model.NodeID) Header {
	return Header{
		ID:          uuid.New(),
		Originator:  src,
		Source:      src,
		Destination: dst,
	}
}

// Message is implemented only by the six kinds in this package.
type Message interface {
	Head() *Header
	Kind() Kind
	sealed()
}

// ChunkMessage carries a chunk payload.
type ChunkMessage struct {
	Header
	Chunk model.Chunk
}

type ChunkOk struct {
	Header
	SessionID uuid.UUID
	ChunkID   uuid.UUID
}

type ChunkKo struct {
	Header
	SessionID uuid.UUID
	ChunkID   uuid.UUID
}

type ChunkAdvertisement struct {
	Header
	SessionID uuid.UUID
	ChunkID   uuid.UUID
}

type ChunkRequest struct {
	Header
	SessionID uuid.UUID
	ChunkID   uuid.UUID
}

type ChunkMissing struct {
	Header
	SessionID uuid.UUID
	ChunkID   uuid.UUID
}

func (*ChunkMessage) Kind() Kind       { return KindChunk }
func (*ChunkOk) Kind() Kind            { return KindChunkOk }
func (*ChunkKo) Kind() Kind            { return KindChunkKo }
func (*ChunkAdvertisement) Kind() Kind { return KindChunkAdv }
func (*ChunkRequest) Kind() Kind       { return KindChunkReq }
func (*ChunkMissing) Kind() Kind       { return KindChunkMissing }

func (*ChunkMessage) sealed()       {}
func (*ChunkOk) sealed()            {}
func (*ChunkKo) sealed()            {}
func (*ChunkAdvertisement) sealed() {}
func (*ChunkRequest) sealed()       {}
func (*ChunkMissing) sealed()       {}

// ChunkRef returns the session and chunk a message is about.
func ChunkRef(m Message) (sessionID, chunkID uuid.UUID) {
	switch v := m.(type) {
	case *ChunkMessage:
		return v.Chunk.SessionID, v.Chunk.ID
	case *ChunkOk:
		return v.SessionID, v.ChunkID
	case *ChunkKo:
		return v.SessionID, v.ChunkID
	case *ChunkAdvertisement:
		return v.SessionID, v.ChunkID
	case *ChunkRequest:
		return v.SessionID, v.ChunkID
	case *ChunkMissing:
		return v.SessionID, v.ChunkID
	}

	panic(fmt.Sprintf("message: unknown message type %T", m))
}

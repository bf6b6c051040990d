// Package registry maps (session, sequence number) pairs to chunk ids.
//
// It is the only place a logical stream position becomes an addressable
// chunk. Entries are write-once for the lifetime of the registry.
package registry

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/model"
	"github.com/pyropy/starstream/core/sim"
	"github.com/pyropy/starstream/lib/checksum"
)

var (
	ErrChunkAlreadyExists = errors.New("chunk already exists for sequence number")
	ErrNilSession         = errors.New("session id must not be nil")
	ErrNegativeSequence   = errors.New("sequence number must not be negative")
)

type key struct {
	session uuid.UUID
	seq     int
}

type Registry struct {
	mu     sync.Mutex
	clock  sim.Clock
	ttl    int64
	random io.Reader
	ids    map[key]uuid.UUID
}

type Option func(*Registry)

// WithRandom draws chunk ids from rd, so a seeded reader yields the same
// ids on every run.
func WithRandom(rd io.Reader) Option {
	return func(r *Registry) {
		r.random = rd
	}
}

// New returns an empty registry. Chunks it creates expire ttl time units
// after creation; ttl <= 0 disables expiry.
func New(clock sim.Clock, ttl int64, opts ...Option) *Registry {
	r := &Registry{
		clock: clock,
		ttl:   ttl,
		ids:   make(map[key]uuid.UUID),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Registry) newID() uuid.UUID {
	if r.random == nil {
		return uuid.New()
	}

	id, err := uuid.NewRandomFromReader(r.random)
	if err != nil {
		return uuid.New()
	}

	return id
}

func (r *Registry) CreateChunk(payload []byte, sessionID uuid.UUID, seq int) (model.Chunk, error) {
	if sessionID == uuid.Nil {
		return model.Chunk{}, ErrNilSession
	}
	if seq < 0 {
		return model.Chunk{}, ErrNegativeSequence
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{session: sessionID, seq: seq}
	if _, exists := r.ids[k]; exists {
		return model.Chunk{}, ErrChunkAlreadyExists
	}

	now := r.clock.Now()
	chunk := model.Chunk{
		ID:        r.newID(),
		SessionID: sessionID,
		Seq:       seq,
		Payload:   payload,
		Checksum:  checksum.Sum(payload),
		CreatedAt: now,
	}
	if r.ttl > 0 {
		chunk.ExpiresAt = now + r.ttl
	}

	r.ids[k] = chunk.ID

	return chunk, nil
}

// ResolveNext returns the id of the chunk following lastSeq.
func (r *Registry) ResolveNext(sessionID uuid.UUID, lastSeq int) (uuid.UUID, bool) {
	return r.ResolveAt(sessionID, lastSeq+1)
}

// ResolveAt returns the id of the chunk at seq. A miss means the chunk has
// not been produced yet.
func (r *Registry) ResolveAt(sessionID uuid.UUID, seq int) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ids[key{session: sessionID, seq: seq}]
	return id, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.ids)
}

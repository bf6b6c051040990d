// Package store is the per-node chunk cache.
//
// Chunks of a session live in a single slice ordered by sequence number,
// with a secondary index from chunk id to sequence number. Expired chunks
// are removed lazily on reads and eagerly before inserts and range queries.
package store

import (
	"bytes"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/model"
	"github.com/pyropy/starstream/core/sim"
)

var (
	ErrNilKey = errors.New("store lookup with nil key")
)

type Option func(*Store)

// WithEvictionHook registers fn to observe chunks evicted for capacity.
func WithEvictionHook(fn func(model.Chunk)) Option {
	return func(s *Store) { s.onEvict = fn }
}

type Store struct {
	maxSize   int
	clock     sim.Clock
	sessions  map[uuid.UUID]*session
	size      int
	evictions int
	onEvict   func(model.Chunk)
}

type session struct {
	chunks []model.Chunk
	seqOf  map[uuid.UUID]int
}

// New returns an empty store holding at most maxSize chunks across all
// sessions. maxSize <= 0 means unbounded.
func New(maxSize int, clock sim.Clock, opts ...Option) *Store {
	s := &Store{
		maxSize:  maxSize,
		clock:    clock,
		sessions: make(map[uuid.UUID]*session),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Add inserts c and reports whether the store changed. Chunks already
// present, or expired on arrival, are rejected. A full store evicts its
// oldest chunk to make room.
func (s *Store) Add(c model.Chunk) bool {
	mustKey(c.SessionID, c.ID)

	now := s.clock.Now()
	if c.IsExpired(now) {
		return false
	}

	s.purge(c.SessionID, now)

	sess := s.sessions[c.SessionID]
	if sess != nil {
		if _, ok := sess.seqOf[c.ID]; ok {
			return false
		}
		if _, found := sess.search(c.Seq); found {
			return false
		}
	}

	if s.maxSize > 0 && s.size >= s.maxSize {
		s.evictOldest()
	}

	sess = s.sessions[c.SessionID]
	if sess == nil {
		sess = &session{seqOf: make(map[uuid.UUID]int)}
		s.sessions[c.SessionID] = sess
	}

	i, _ := sess.search(c.Seq)
	sess.chunks = append(sess.chunks, model.Chunk{})
	copy(sess.chunks[i+1:], sess.chunks[i:])
	sess.chunks[i] = c
	sess.seqOf[c.ID] = c.Seq
	s.size++

	return true
}

// Get returns the chunk if present and not expired. An expired hit is
// removed.
func (s *Store) Get(sessionID, chunkID uuid.UUID) (model.Chunk, bool) {
	mustKey(sessionID, chunkID)

	sess := s.sessions[sessionID]
	if sess == nil {
		return model.Chunk{}, false
	}

	seq, ok := sess.seqOf[chunkID]
	if !ok {
		return model.Chunk{}, false
	}

	i, _ := sess.search(seq)
	c := sess.chunks[i]
	if c.IsExpired(s.clock.Now()) {
		s.removeAt(sessionID, sess, i)
		return model.Chunk{}, false
	}

	return c, true
}

func (s *Store) IsPresent(sessionID, chunkID uuid.UUID) bool {
	_, ok := s.Get(sessionID, chunkID)
	return ok
}

// CountContiguousFromStart is the length of the run of consecutive
// sequence numbers starting at the lowest one stored.
func (s *Store) CountContiguousFromStart(sessionID uuid.UUID) int {
	s.purge(sessionID, s.clock.Now())

	sess := s.sessions[sessionID]
	if sess == nil || len(sess.chunks) == 0 {
		return 0
	}

	count := 1
	for i := 1; i < len(sess.chunks); i++ {
		if sess.chunks[i].Seq-sess.chunks[i-1].Seq != 1 {
			break
		}
		count++
	}

	return count
}

// MissingSequenceIds lists, in ascending order, every sequence number that
// falls strictly between two stored ones.
func (s *Store) MissingSequenceIds(sessionID uuid.UUID) []int {
	s.purge(sessionID, s.clock.Now())

	missing := []int{}
	sess := s.sessions[sessionID]
	if sess == nil {
		return missing
	}

	for i := 1; i < len(sess.chunks); i++ {
		for seq := sess.chunks[i-1].Seq + 1; seq < sess.chunks[i].Seq; seq++ {
			missing = append(missing, seq)
		}
	}

	return missing
}

// Sequences returns the stored sequence numbers of a session in order.
func (s *Store) Sequences(sessionID uuid.UUID) []int {
	s.purge(sessionID, s.clock.Now())

	sess := s.sessions[sessionID]
	if sess == nil {
		return []int{}
	}

	seqs := make([]int, len(sess.chunks))
	for i, c := range sess.chunks {
		seqs[i] = c.Seq
	}

	return seqs
}

// Size counts chunks across sessions, including expired ones not yet purged.
func (s *Store) Size() int {
	return s.size
}

func (s *Store) SessionSize(sessionID uuid.UUID) int {
	s.purge(sessionID, s.clock.Now())

	if sess := s.sessions[sessionID]; sess != nil {
		return len(sess.chunks)
	}

	return 0
}

func (s *Store) Evictions() int {
	return s.evictions
}

func (s *Store) purge(sessionID uuid.UUID, now int64) {
	sess := s.sessions[sessionID]
	if sess == nil {
		return
	}

	kept := sess.chunks[:0]
	for _, c := range sess.chunks {
		if c.IsExpired(now) {
			delete(sess.seqOf, c.ID)
			s.size--
			continue
		}
		kept = append(kept, c)
	}
	sess.chunks = kept

	if len(sess.chunks) == 0 {
		delete(s.sessions, sessionID)
	}
}

// evictOldest drops the lowest sequence number of the session whose first
// chunk was created earliest. Ties fall back to session id order.
func (s *Store) evictOldest() {
	var (
		victimID uuid.UUID
		victim   *session
	)

	for id, sess := range s.sessions {
		if len(sess.chunks) == 0 {
			continue
		}
		if victim == nil || older(sess.chunks[0], id, victim.chunks[0], victimID) {
			victimID, victim = id, sess
		}
	}

	if victim == nil {
		return
	}

	evicted := victim.chunks[0]
	s.removeAt(victimID, victim, 0)
	s.evictions++

	if s.onEvict != nil {
		s.onEvict(evicted)
	}
}

func older(a model.Chunk, aSession uuid.UUID, b model.Chunk, bSession uuid.UUID) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}

	return bytes.Compare(aSession[:], bSession[:]) < 0
}

func (s *Store) removeAt(sessionID uuid.UUID, sess *session, i int) {
	delete(sess.seqOf, sess.chunks[i].ID)
	sess.chunks = append(sess.chunks[:i], sess.chunks[i+1:]...)
	s.size--

	if len(sess.chunks) == 0 {
		delete(s.sessions, sessionID)
	}
}

func (sess *session) search(seq int) (int, bool) {
	i := sort.Search(len(sess.chunks), func(i int) bool {
		return sess.chunks[i].Seq >= seq
	})

	return i, i < len(sess.chunks) && sess.chunks[i].Seq == seq
}

func mustKey(sessionID, chunkID uuid.UUID) {
	if sessionID == uuid.Nil || chunkID == uuid.Nil {
		panic(ErrNilKey)
	}
}

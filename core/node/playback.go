package node

import (
	"math"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/model"
	"github.com/pyropy/starstream/core/sim"
	"go.uber.org/zap"
)

type PlaybackConfig struct {
	MinContiguousChunksInBuffer int
	StreamingStart              int64
	StreamingStartTimeout       int64
	Advance                     int64
	ChunkPlaybackLength         int64
	TotalChunks                 int
}

type Resolver interface {
	ResolveAt(sessionID uuid.UUID, seq int) (uuid.UUID, bool)
}

// Buffer is the read side of the node's store.
type Buffer interface {
	CountContiguousFromStart(sessionID uuid.UUID) int
	MissingSequenceIds(sessionID uuid.UUID) []int
}

type Searcher interface {
	SearchForChunk(sessionID, chunkID uuid.UUID)
}

// Playback paces proactive pulls against the sequence id the application
// will need next and decides when enough is buffered to start playing.
// Pulls are never retried here; the engine retries timed out requests.
type Playback struct {
	cfg      PlaybackConfig
	session  uuid.UUID
	resolver Resolver
	buffer   Buffer
	searcher Searcher
	clock    sim.Clock
	log      *zap.SugaredLogger

	started     bool
	whenStarted int64

	deliveries   int
	avgPerceived float64
	minPerceived int64
	maxPerceived int64

	issued      map[int]struct{}
	delivered   map[int]int64
	deferred    []int
	deferredSet map[int]struct{}
}

func NewPlayback(cfg PlaybackConfig, session uuid.UUID, resolver Resolver, buffer Buffer, searcher Searcher, clock sim.Clock, log *zap.SugaredLogger) *Playback {
	return &Playback{
		cfg:         cfg,
		session:     session,
		resolver:    resolver,
		buffer:      buffer,
		searcher:    searcher,
		clock:       clock,
		log:         log,
		issued:      make(map[int]struct{}),
		delivered:   make(map[int]int64),
		deferredSet: make(map[int]struct{}),
	}
}

func (p *Playback) HasStartedPlayback() bool {
	return p.started
}

func (p *Playback) WhenPlaybackStarted() int64 {
	return p.whenStarted
}

func (p *Playback) AvgPerceivedDeliveryTime() float64 {
	return p.avgPerceived
}

// PerceivedRange returns the fastest and slowest deliveries seen.
func (p *Playback) PerceivedRange() (int64, int64) {
	return p.minPerceived, p.maxPerceived
}

func (p *Playback) Deliveries() int {
	return p.deliveries
}

func (p *Playback) Issued() int {
	return len(p.issued)
}

func (p *Playback) Deferred() []int {
	return append([]int(nil), p.deferred...)
}

func (p *Playback) IsDelivered(seq int) bool {
	_, ok := p.delivered[seq]
	return ok
}

// TargetSeq is the sequence id the application will need Advance time
// units from now, shifted by the typical delivery latency. Before playback
// starts the stream start time is the reference point.
func (p *Playback) TargetSeq(now int64) int {
	ref := p.cfg.StreamingStart
	if p.started {
		ref = p.whenStarted
	}

	elapsed := float64(now+p.cfg.Advance-ref) + p.avgPerceived
	return int(math.Floor(elapsed / float64(p.cfg.ChunkPlaybackLength)))
}

// CheckTimeouts runs the periodic pull logic once the start grace period
// is over.
func (p *Playback) CheckTimeouts(now int64) {
	if now <= p.cfg.StreamingStart+p.cfg.StreamingStartTimeout {
		return
	}

	p.flushDeferred()
	p.request(p.TargetSeq(now))

	if !p.started {
		p.ForceBufferFillIn()
	}
}

// ForceBufferFillIn asks for the gaps in the buffer, or for the first
// MinContiguousChunksInBuffer chunks when there are none.
func (p *Playback) ForceBufferFillIn() {
	if p.started {
		return
	}

	missing := p.buffer.MissingSequenceIds(p.session)
	if len(missing) == 0 {
		for seq := 0; seq < p.cfg.MinContiguousChunksInBuffer; seq++ {
			missing = append(missing, seq)
		}
	}

	for _, seq := range missing {
		p.request(seq)
	}
}

func (p *Playback) flushDeferred() {
	pending := p.deferred
	p.deferred = nil
	p.deferredSet = make(map[int]struct{})

	for _, seq := range pending {
		p.request(seq)
	}
}

func (p *Playback) request(seq int) {
	if seq < 0 || seq >= p.cfg.TotalChunks {
		return
	}
	if _, ok := p.delivered[seq]; ok {
		return
	}
	if _, ok := p.issued[seq]; ok {
		return
	}

	id, ok := p.resolver.ResolveAt(p.session, seq)
	if !ok {
		if _, queued := p.deferredSet[seq]; !queued {
			p.deferredSet[seq] = struct{}{}
			p.deferred = append(p.deferred, seq)
		}
		return
	}

	p.issued[seq] = struct{}{}
	p.log.Debugw("playback", "event", "pull", "seq", seq, "chunk", id)
	p.searcher.SearchForChunk(p.session, id)
}

// OnChunkStored records a first delivery and starts playback once the
// buffer holds enough contiguous chunks.
func (p *Playback) OnChunkStored(c model.Chunk) {
	if c.SessionID != p.session {
		return
	}
	if _, dup := p.delivered[c.Seq]; dup {
		return
	}

	now := p.clock.Now()
	perceived := now - c.CreatedAt

	p.deliveries++
	p.avgPerceived += (float64(perceived) - p.avgPerceived) / float64(p.deliveries)
	if p.deliveries == 1 || perceived < p.minPerceived {
		p.minPerceived = perceived
	}
	if perceived > p.maxPerceived {
		p.maxPerceived = perceived
	}

	delete(p.issued, c.Seq)
	p.delivered[c.Seq] = now

	if p.started {
		return
	}

	if p.buffer.CountContiguousFromStart(p.session) >= p.cfg.MinContiguousChunksInBuffer {
		p.started = true
		p.whenStarted = now
		p.log.Infow("playback", "event", "started", "time", now, "seq", c.Seq)
	}
}

// UnplayedChunks lists the sequence ids below total that were never
// delivered or arrived after their playback deadline.
func (p *Playback) UnplayedChunks(total int) []int {
	unplayed := []int{}

	for seq := 0; seq < total; seq++ {
		at, ok := p.delivered[seq]
		if !ok || !p.started {
			unplayed = append(unplayed, seq)
			continue
		}

		if deadline := p.whenStarted + int64(seq)*p.cfg.ChunkPlaybackLength; at > deadline {
			unplayed = append(unplayed, seq)
		}
	}

	return unplayed
}

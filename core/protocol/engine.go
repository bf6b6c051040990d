// Package protocol implements the per-node StarStream state machine: it
// stores chunks pushed by the source or pulled from peers, advertises them
// to overlay neighbors, and answers requests for them.
package protocol

import (
	"bytes"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/message"
	"github.com/pyropy/starstream/core/model"
	"github.com/pyropy/starstream/core/sim"
	"github.com/pyropy/starstream/core/store"
	"github.com/pyropy/starstream/lib/checksum"
	"go.uber.org/zap"
)

type Config struct {
	MsgTimeout                   int64
	StoreMaxSize                 int
	CorruptedMessages            bool
	CorruptedMessagesProbability float64
	OutDeg                       int
	InDeg                        int
}

// Overlay is the structured overlay as seen from one node.
type Overlay interface {
	Publish(c model.Chunk)
	Neighbors(max int) []model.NodeID
	Lookup(chunkID uuid.UUID)
}

type Transport interface {
	Send(m message.Message)
}

// SourceSink receives acknowledgements for chunks pushed by the source.
// They bypass the transport because the source is not an overlay node.
// msgID is the id of the CHUNK message being answered.
type SourceSink interface {
	ChunkOk(from model.NodeID, msgID, chunkID uuid.UUID)
	ChunkKo(from model.NodeID, msgID, chunkID uuid.UUID)
}

type Deps struct {
	Overlay    Overlay
	Reliable   Transport
	Unreliable Transport
	Source     SourceSink
	Clock      sim.Clock
	Rand       *rand.Rand
	Log        *zap.SugaredLogger
}

type Stats struct {
	Sent       map[message.Kind]int
	Received   map[message.Kind]int
	Corrupted  int
	Stored     int
	Duplicates int
	Expired    int // arrived past their expiry and were not stored
	Timeouts   int
	Lookups    int
}

// TotalSent sums sent messages over all kinds.
func (s Stats) TotalSent() int {
	n := 0
	for _, v := range s.Sent {
		n += v
	}

	return n
}

type pendingRequest struct {
	sessionID uuid.UUID
	sentAt    int64
	asked     map[model.NodeID]bool // true once the peer answered missing
}

type Engine struct {
	id        model.NodeID
	cfg       Config
	deps      Deps
	log       *zap.SugaredLogger
	store     *store.Store
	listeners []func(model.Chunk)
	pending   map[uuid.UUID]*pendingRequest
	stats     Stats
}

// New builds an engine with an empty store and no listeners. Only cfg and
// deps are shared with other engines.
func New(id model.NodeID, cfg Config, deps Deps) *Engine {
	e := &Engine{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.With("node", id),
		pending: make(map[uuid.UUID]*pendingRequest),
		stats: Stats{
			Sent:     make(map[message.Kind]int),
			Received: make(map[message.Kind]int),
		},
	}

	e.store = store.New(cfg.StoreMaxSize, deps.Clock, store.WithEvictionHook(func(c model.Chunk) {
		e.log.Debugw("engine", "event", "evicted", "seq", c.Seq, "chunk", c.ID)
	}))

	return e
}

func (e *Engine) ID() model.NodeID {
	return e.id
}

func (e *Engine) Store() *store.Store {
	return e.store
}

func (e *Engine) Stats() Stats {
	return e.stats
}

// PendingRequests is the number of chunks this node is waiting on.
func (e *Engine) PendingRequests() int {
	return len(e.pending)
}

// OnNewChunk registers fn to run once for every chunk stored for the first time.
func (e *Engine) OnNewChunk(fn func(model.Chunk)) {
	e.listeners = append(e.listeners, fn)
}

// HandleEvent dispatches one scheduler event. Anything that is not one of
// the six message kinds addressed to this node is a violation.
func (e *Engine) HandleEvent(ev any) {
	m, ok := ev.(message.Message)
	if !ok {
		model.Violate(e.id, uuid.Nil, e.now(), "unrecognized event %T", ev)
	}

	h := m.Head()
	if h.Destination != e.id {
		model.Violate(e.id, h.ID, e.now(), "%s addressed to %s", m.Kind(), h.Destination)
	}

	e.stats.Received[m.Kind()]++
	_, chunkID := message.ChunkRef(m)
	e.log.Debugw("engine", "event", "received", "kind", m.Kind(), "id", h.ID, "chunk", chunkID, "from", h.Source, "hops", h.Hops)

	switch v := m.(type) {
	case *message.ChunkMessage:
		e.onChunk(v)
	case *message.ChunkOk:
		e.onOk(v)
	case *message.ChunkKo:
		e.onKo(v)
	case *message.ChunkAdvertisement:
		e.onAdvertisement(v)
	case *message.ChunkRequest:
		e.onRequest(v)
	case *message.ChunkMissing:
		e.onMissing(v)
	default:
		model.Violate(e.id, h.ID, e.now(), "unhandled message kind %s", m.Kind())
	}
}

func (e *Engine) OnResourceDiscovered(c model.Chunk) {
	e.onResource(c, "discovered")
}

func (e *Engine) OnResourceReceived(c model.Chunk) {
	e.onResource(c, "received")
}

func (e *Engine) OnResourceRouted(c model.Chunk) {
	e.onResource(c, "routed")
}

func (e *Engine) onResource(c model.Chunk, how string) {
	e.log.Debugw("engine", "event", "overlay "+how, "seq", c.Seq, "chunk", c.ID)

	e.accept(c)
}

func (e *Engine) onChunk(m *message.ChunkMessage) {
	c := m.Chunk

	if e.isCorrupted(m) {
		e.stats.Corrupted++
		e.log.Debugw("engine", "event", "corrupted chunk", "seq", c.Seq, "chunk", c.ID, "from", m.Source)
		e.acknowledge(e.reply(m, message.KindChunkKo, nil), m)
		return
	}

	e.acknowledge(e.reply(m, message.KindChunkOk, nil), m)
	e.accept(c)

	if m.Originator == model.SourceID {
		e.deps.Overlay.Publish(c)
	}
}

// accept stores c if it is new and advertises it while it is held.
func (e *Engine) accept(c model.Chunk) {
	delete(e.pending, c.ID)

	switch {
	case e.store.Add(c):
		e.stats.Stored++
		for _, fn := range e.listeners {
			fn(c)
		}
	case c.IsExpired(e.now()):
		e.stats.Expired++
	default:
		e.stats.Duplicates++
	}

	if e.store.IsPresent(c.SessionID, c.ID) {
		e.advertise(c)
	}
}

func (e *Engine) advertise(c model.Chunk) {
	for _, n := range e.deps.Overlay.Neighbors(e.cfg.OutDeg) {
		e.send(e.deps.Reliable, message.NewAdvertisement(e.id, n, c.SessionID, c.ID))
	}
}

// acknowledge answers a chunk delivery. Deliveries from the source are
// acknowledged through the source bookkeeping directly.
func (e *Engine) acknowledge(reply message.Message, m *message.ChunkMessage) {
	if m.Source != model.SourceID {
		e.send(e.deps.Reliable, reply)
		return
	}

	e.stats.Sent[reply.Kind()]++
	switch reply.Kind() {
	case message.KindChunkOk:
		e.deps.Source.ChunkOk(e.id, m.ID, m.Chunk.ID)
	case message.KindChunkKo:
		e.deps.Source.ChunkKo(e.id, m.ID, m.Chunk.ID)
	}
}

func (e *Engine) isCorrupted(m *message.ChunkMessage) bool {
	if e.cfg.CorruptedMessages && e.deps.Rand.Float64() < e.cfg.CorruptedMessagesProbability {
		return true
	}

	return !checksum.Verify(m.Chunk.Payload, m.Chunk.Checksum)
}

func (e *Engine) onAdvertisement(m *message.ChunkAdvertisement) {
	if e.store.IsPresent(m.SessionID, m.ChunkID) {
		return
	}

	req := e.reply(m, message.KindChunkReq, nil)
	e.track(m.SessionID, m.ChunkID, m.Source)
	e.send(e.deps.Reliable, req)
}

func (e *Engine) onRequest(m *message.ChunkRequest) {
	c, ok := e.store.Get(m.SessionID, m.ChunkID)
	if !ok {
		e.send(e.deps.Reliable, e.reply(m, message.KindChunkMissing, nil))
		return
	}

	e.send(e.deps.Unreliable, e.reply(m, message.KindChunk, &c))
}

// reply answers m along the legal reply graph. Leaving the graph is a
// violation by this node.
func (e *Engine) reply(m message.Message, to message.Kind, c *model.Chunk) message.Message {
	r, err := message.Reply(m, to, c)
	if err != nil {
		model.Violate(e.id, m.Head().ID, e.now(), "%v", err)
	}

	return r
}

func (e *Engine) onOk(m *message.ChunkOk) {
	e.log.Debugw("engine", "event", "chunk acknowledged", "chunk", m.ChunkID, "by", m.Source)
}

func (e *Engine) onKo(m *message.ChunkKo) {
	e.log.Debugw("engine", "event", "chunk rejected", "chunk", m.ChunkID, "by", m.Source)
}

// onMissing falls back to an overlay lookup once every peer asked for the
// chunk has answered that it does not have it.
func (e *Engine) onMissing(m *message.ChunkMissing) {
	p, ok := e.pending[m.ChunkID]
	if !ok {
		return
	}

	if _, asked := p.asked[m.Source]; asked {
		p.asked[m.Source] = true
	}

	for _, missing := range p.asked {
		if !missing {
			return
		}
	}

	delete(e.pending, m.ChunkID)
	e.lookup(m.ChunkID)
}

// SearchForChunk pulls a chunk proactively from up to InDeg neighbors, or
// through the overlay when the node has no neighbors yet.
func (e *Engine) SearchForChunk(sessionID, chunkID uuid.UUID) {
	if e.store.IsPresent(sessionID, chunkID) {
		return
	}

	neighbors := e.deps.Overlay.Neighbors(e.cfg.InDeg)
	if len(neighbors) == 0 {
		e.lookup(chunkID)
		return
	}

	for _, n := range neighbors {
		e.track(sessionID, chunkID, n)
		e.send(e.deps.Reliable, message.NewRequest(e.id, n, sessionID, chunkID))
	}
}

// CheckTimeouts retries, through the overlay, every request older than
// MsgTimeout whose chunk has still not arrived.
func (e *Engine) CheckTimeouts() {
	if e.cfg.MsgTimeout <= 0 || len(e.pending) == 0 {
		return
	}

	now := e.now()
	expired := make([]uuid.UUID, 0)
	for id, p := range e.pending {
		if now-p.sentAt >= e.cfg.MsgTimeout {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return bytes.Compare(expired[i][:], expired[j][:]) < 0
	})

	for _, id := range expired {
		p := e.pending[id]
		delete(e.pending, id)
		e.stats.Timeouts++

		if !e.store.IsPresent(p.sessionID, id) {
			e.lookup(id)
		}
	}
}

func (e *Engine) track(sessionID, chunkID uuid.UUID, peer model.NodeID) {
	p, ok := e.pending[chunkID]
	if !ok {
		p = &pendingRequest{sessionID: sessionID, sentAt: e.now(), asked: make(map[model.NodeID]bool)}
		e.pending[chunkID] = p
	}

	p.asked[peer] = false
}

func (e *Engine) lookup(chunkID uuid.UUID) {
	e.stats.Lookups++
	e.deps.Overlay.Lookup(chunkID)
}

func (e *Engine) send(t Transport, m message.Message) {
	e.stats.Sent[m.Kind()]++
	e.log.Debugw("engine", "event", "sent", "kind", m.Kind(), "id", m.Head().ID, "to", m.Head().Destination)
	t.Send(m)
}

func (e *Engine) now() int64 {
	return e.deps.Clock.Now()
}

package protocol

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/message"
	"github.com/pyropy/starstream/core/model"
	"github.com/pyropy/starstream/core/sim"
	"github.com/pyropy/starstream/lib/checksum"
	"github.com/pyropy/starstream/lib/logger"
)

type fakeOverlay struct {
	neighbors []model.NodeID
	published []uuid.UUID
	lookups   []uuid.UUID
}

func (f *fakeOverlay) Publish(c model.Chunk) { f.published = append(f.published, c.ID) }
func (f *fakeOverlay) Lookup(id uuid.UUID)   { f.lookups = append(f.lookups, id) }

func (f *fakeOverlay) Neighbors(max int) []model.NodeID {
	if len(f.neighbors) > max {
		return f.neighbors[:max]
	}
	return f.neighbors
}

type fakeTransport struct {
	sent []message.Message
}

func (f *fakeTransport) Send(m message.Message) { f.sent = append(f.sent, m) }

func (f *fakeTransport) kinds() []message.Kind {
	out := make([]message.Kind, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Kind()
	}
	return out
}

type fakeSource struct {
	oks, kos []uuid.UUID
	msgs     []uuid.UUID
}

func (f *fakeSource) ChunkOk(_ model.NodeID, msgID, id uuid.UUID) {
	f.msgs = append(f.msgs, msgID)
	f.oks = append(f.oks, id)
}

func (f *fakeSource) ChunkKo(_ model.NodeID, msgID, id uuid.UUID) {
	f.msgs = append(f.msgs, msgID)
	f.kos = append(f.kos, id)
}

type harness struct {
	engine     *Engine
	overlay    *fakeOverlay
	reliable   *fakeTransport
	unreliable *fakeTransport
	source     *fakeSource
	clock      *sim.ManualClock
	session    uuid.UUID
}

func newHarness(t *testing.T, cfg Config, neighbors int) *harness {
	t.Helper()

	h := &harness{
		overlay:    &fakeOverlay{},
		reliable:   &fakeTransport{},
		unreliable: &fakeTransport{},
		source:     &fakeSource{},
		clock:      &sim.ManualClock{},
		session:    uuid.New(),
	}
	for i := 0; i < neighbors; i++ {
		h.overlay.neighbors = append(h.overlay.neighbors, uuid.New())
	}

	h.engine = New(uuid.New(), cfg, Deps{
		Overlay:    h.overlay,
		Reliable:   h.reliable,
		Unreliable: h.unreliable,
		Source:     h.source,
		Clock:      h.clock,
		Rand:       rand.New(rand.NewSource(1)),
		Log:        logger.Nop(),
	})

	return h
}

func (h *harness) chunk(seq int) model.Chunk {
	payload := []byte{byte(seq)}
	return model.Chunk{ID: uuid.New(), SessionID: h.session, Seq: seq, Payload: payload, Checksum: checksum.Sum(payload)}
}

func defaultConfig() Config {
	return Config{MsgTimeout: 5, StoreMaxSize: 10, OutDeg: 2, InDeg: 2}
}

func TestChunkFromSource_AcksStoresAdvertisesAndPublishes(t *testing.T) {
	h := newHarness(t, defaultConfig(), 3)
	c := h.chunk(0)

	var notified []int
	h.engine.OnNewChunk(func(c model.Chunk) { notified = append(notified, c.Seq) })

	delivery := message.NewChunk(model.SourceID, h.engine.ID(), c)
	h.engine.HandleEvent(delivery)

	if len(h.source.oks) != 1 || h.source.oks[0] != c.ID {
		t.Fatalf("source oks = %v, want [%s]", h.source.oks, c.ID)
	}
	if h.source.msgs[0] != delivery.ID {
		t.Errorf("ack answers message %s, want %s", h.source.msgs[0], delivery.ID)
	}
	if !h.engine.Store().IsPresent(h.session, c.ID) {
		t.Fatal("chunk not stored")
	}
	if len(notified) != 1 {
		t.Errorf("listener fired %d times, want 1", len(notified))
	}

	kinds := h.reliable.kinds()
	if len(kinds) != 2 || kinds[0] != message.KindChunkAdv || kinds[1] != message.KindChunkAdv {
		t.Errorf("reliable sends = %v, want two advertisements (outDeg=2)", kinds)
	}
	if len(h.overlay.published) != 1 {
		t.Errorf("published %d chunks, want 1", len(h.overlay.published))
	}
}

func TestChunkFromPeer_AcksOverTransportWithoutPublishing(t *testing.T) {
	h := newHarness(t, defaultConfig(), 1)
	peer := uuid.New()
	c := h.chunk(0)

	h.engine.HandleEvent(message.NewChunk(peer, h.engine.ID(), c))

	if len(h.source.oks) != 0 {
		t.Error("peer delivery acknowledged to the source")
	}
	ok, isOk := h.reliable.sent[0].(*message.ChunkOk)
	if !isOk || ok.Destination != peer || ok.ChunkID != c.ID {
		t.Fatalf("first reliable send = %#v, want CHUNK_OK to peer", h.reliable.sent[0])
	}
	if len(h.overlay.published) != 0 {
		t.Error("peer delivery was published to the overlay")
	}
}

func TestDuplicateChunk_DoesNotNotifyTwice(t *testing.T) {
	h := newHarness(t, defaultConfig(), 0)
	c := h.chunk(0)

	fired := 0
	h.engine.OnNewChunk(func(model.Chunk) { fired++ })

	h.engine.HandleEvent(message.NewChunk(model.SourceID, h.engine.ID(), c))
	h.engine.HandleEvent(message.NewChunk(model.SourceID, h.engine.ID(), c))

	if fired != 1 {
		t.Errorf("listener fired %d times, want 1", fired)
	}
	if len(h.source.oks) != 2 {
		t.Errorf("source oks = %d, want 2", len(h.source.oks))
	}
	if h.engine.Stats().Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", h.engine.Stats().Duplicates)
	}
}

func TestCorruptedChunk_RepliesKoOnly(t *testing.T) {
	cfg := defaultConfig()
	cfg.CorruptedMessages = true
	cfg.CorruptedMessagesProbability = 1
	h := newHarness(t, cfg, 2)
	c := h.chunk(0)

	h.engine.HandleEvent(message.NewChunk(model.SourceID, h.engine.ID(), c))

	if len(h.source.kos) != 1 || len(h.source.oks) != 0 {
		t.Fatalf("source oks, kos = %d, %d; want 0, 1", len(h.source.oks), len(h.source.kos))
	}
	if h.engine.Store().Size() != 0 {
		t.Error("corrupted chunk was stored")
	}
	if len(h.reliable.sent) != 0 || len(h.overlay.published) != 0 {
		t.Error("corrupted chunk was advertised or published")
	}
}

func TestChecksumMismatch_IsCorruption(t *testing.T) {
	h := newHarness(t, defaultConfig(), 0)
	peer := uuid.New()
	c := h.chunk(0)
	c.Payload = []byte("tampered")

	h.engine.HandleEvent(message.NewChunk(peer, h.engine.ID(), c))

	if kinds := h.reliable.kinds(); len(kinds) != 1 || kinds[0] != message.KindChunkKo {
		t.Fatalf("reliable sends = %v, want [CHUNK_KO]", kinds)
	}
	if h.engine.Stats().Corrupted != 1 {
		t.Errorf("Corrupted = %d, want 1", h.engine.Stats().Corrupted)
	}
}

func TestAdvertisement_RequestsOnlyWhenAbsent(t *testing.T) {
	h := newHarness(t, defaultConfig(), 0)
	peer := uuid.New()
	held := h.chunk(0)
	h.engine.OnResourceReceived(held)

	h.engine.HandleEvent(message.NewAdvertisement(peer, h.engine.ID(), h.session, held.ID))
	if len(h.reliable.sent) != 0 {
		t.Fatalf("requested a chunk already held: %v", h.reliable.kinds())
	}

	missing := h.chunk(1)
	h.engine.HandleEvent(message.NewAdvertisement(peer, h.engine.ID(), h.session, missing.ID))

	req, ok := h.reliable.sent[0].(*message.ChunkRequest)
	if !ok || req.Destination != peer || req.ChunkID != missing.ID {
		t.Fatalf("reply = %#v, want CHUNK_REQ to advertiser", h.reliable.sent[0])
	}
	if h.engine.PendingRequests() != 1 {
		t.Errorf("PendingRequests = %d, want 1", h.engine.PendingRequests())
	}
}

func TestRequest_ServesChunkOrMissing(t *testing.T) {
	h := newHarness(t, defaultConfig(), 0)
	peer := uuid.New()
	held := h.chunk(0)
	h.engine.OnResourceReceived(held)

	h.engine.HandleEvent(message.NewRequest(peer, h.engine.ID(), h.session, held.ID))
	delivery, ok := h.unreliable.sent[0].(*message.ChunkMessage)
	if !ok || delivery.Destination != peer || delivery.Chunk.ID != held.ID {
		t.Fatalf("unreliable send = %#v, want chunk to requester", h.unreliable.sent[0])
	}

	h.engine.HandleEvent(message.NewRequest(peer, h.engine.ID(), h.session, uuid.New()))
	if kinds := h.reliable.kinds(); len(kinds) != 1 || kinds[0] != message.KindChunkMissing {
		t.Fatalf("reliable sends = %v, want [CHUNK_MISSING]", kinds)
	}
}

func TestOverlayCallbacks_StoreAndAdvertise(t *testing.T) {
	h := newHarness(t, defaultConfig(), 2)
	callbacks := []func(model.Chunk){
		h.engine.OnResourceDiscovered,
		h.engine.OnResourceReceived,
		h.engine.OnResourceRouted,
	}

	for i, cb := range callbacks {
		cb(h.chunk(i))
	}

	if h.engine.Store().Size() != 3 {
		t.Errorf("Size() = %d, want 3", h.engine.Store().Size())
	}
	if len(h.reliable.sent) != 6 {
		t.Errorf("advertisements = %d, want 6", len(h.reliable.sent))
	}
	if len(h.source.oks)+len(h.source.kos) != 0 {
		t.Error("overlay delivery produced a reply")
	}
}

func TestMissing_FallsBackToLookupWhenAllPeersMiss(t *testing.T) {
	h := newHarness(t, defaultConfig(), 2)
	c := h.chunk(3)

	h.engine.SearchForChunk(h.session, c.ID)
	if len(h.reliable.sent) != 2 {
		t.Fatalf("requests = %d, want 2 (inDeg)", len(h.reliable.sent))
	}

	first := h.reliable.sent[0].(*message.ChunkRequest)
	h.engine.HandleEvent(message.ReplyMissing(first))
	if len(h.overlay.lookups) != 0 {
		t.Fatal("looked up before every peer answered")
	}

	second := h.reliable.sent[1].(*message.ChunkRequest)
	h.engine.HandleEvent(message.ReplyMissing(second))
	if len(h.overlay.lookups) != 1 || h.overlay.lookups[0] != c.ID {
		t.Fatalf("lookups = %v, want [%s]", h.overlay.lookups, c.ID)
	}
	if h.engine.PendingRequests() != 0 {
		t.Errorf("PendingRequests = %d, want 0", h.engine.PendingRequests())
	}
}

func TestSearchForChunk_WithoutNeighborsUsesOverlay(t *testing.T) {
	h := newHarness(t, defaultConfig(), 0)

	h.engine.SearchForChunk(h.session, uuid.New())

	if len(h.overlay.lookups) != 1 || len(h.reliable.sent) != 0 {
		t.Errorf("lookups, sends = %d, %d; want 1, 0", len(h.overlay.lookups), len(h.reliable.sent))
	}
}

func TestCheckTimeouts_RetriesThroughOverlay(t *testing.T) {
	h := newHarness(t, defaultConfig(), 1)
	lost := h.chunk(0)
	arrived := h.chunk(1)

	h.engine.SearchForChunk(h.session, lost.ID)
	h.engine.SearchForChunk(h.session, arrived.ID)

	h.clock.Set(4)
	h.engine.CheckTimeouts()
	if len(h.overlay.lookups) != 0 {
		t.Fatal("retried before MsgTimeout elapsed")
	}

	req := h.reliable.sent[1].(*message.ChunkRequest)
	h.engine.HandleEvent(message.ReplyChunk(req, arrived))

	h.clock.Set(5)
	h.engine.CheckTimeouts()

	if len(h.overlay.lookups) != 1 || h.overlay.lookups[0] != lost.ID {
		t.Fatalf("lookups = %v, want only the lost chunk", h.overlay.lookups)
	}
	if h.engine.Stats().Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", h.engine.Stats().Timeouts)
	}
}

func TestHandleEvent_UnknownEventIsViolation(t *testing.T) {
	h := newHarness(t, defaultConfig(), 0)
	h.clock.Set(42)

	defer func() {
		v, ok := recover().(*model.ProtocolViolation)
		if !ok {
			t.Fatal("expected a ProtocolViolation")
		}
		if v.Node != h.engine.ID() || v.Time != 42 {
			t.Errorf("violation = %+v, want node %s at t=42", v, h.engine.ID())
		}
	}()

	h.engine.HandleEvent("tick")
}

func TestHandleEvent_MisaddressedIsViolation(t *testing.T) {
	h := newHarness(t, defaultConfig(), 0)
	m := message.NewAdvertisement(uuid.New(), uuid.New(), h.session, uuid.New())

	defer func() {
		v, ok := recover().(*model.ProtocolViolation)
		if !ok || v.MessageID != m.ID {
			t.Fatalf("recover() = %v, want violation naming message %s", v, m.ID)
		}
	}()

	h.engine.HandleEvent(m)
}

func TestEnginesShareNoState(t *testing.T) {
	a := newHarness(t, defaultConfig(), 0)
	b := newHarness(t, defaultConfig(), 0)

	a.engine.OnResourceReceived(a.chunk(0))

	if b.engine.Store().Size() != 0 {
		t.Error("engines share a store")
	}
	if a.engine.Stats().Stored != 1 || b.engine.Stats().Stored != 0 {
		t.Error("engines share stats")
	}
}

func TestReply_OutsideGraphIsViolation(t *testing.T) {
	h := newHarness(t, defaultConfig(), 0)
	h.clock.Set(3)
	req := message.NewRequest(uuid.New(), h.engine.ID(), h.session, uuid.New())

	defer func() {
		v, ok := recover().(*model.ProtocolViolation)
		if !ok {
			t.Fatal("expected a ProtocolViolation")
		}
		if v.Node != h.engine.ID() || v.MessageID != req.ID || v.Time != 3 {
			t.Errorf("violation = %+v, want node %s message %s at t=3", v, h.engine.ID(), req.ID)
		}
	}()

	h.engine.reply(req, message.KindChunkOk, nil)
}

func TestExpiredChunk_IsNotCountedAsDuplicate(t *testing.T) {
	h := newHarness(t, defaultConfig(), 2)
	h.clock.Set(10)

	stale := h.chunk(0)
	stale.ExpiresAt = 5
	h.engine.OnResourceRouted(stale)

	stats := h.engine.Stats()
	if stats.Expired != 1 || stats.Duplicates != 0 || stats.Stored != 0 {
		t.Errorf("Expired, Duplicates, Stored = %d, %d, %d; want 1, 0, 0", stats.Expired, stats.Duplicates, stats.Stored)
	}
	if len(h.reliable.sent) != 0 {
		t.Errorf("expired chunk was advertised: %v", h.reliable.kinds())
	}

	fresh := h.chunk(1)
	h.engine.OnResourceRouted(fresh)
	h.engine.OnResourceRouted(fresh)

	if got := h.engine.Stats().Duplicates; got != 1 {
		t.Errorf("Duplicates = %d, want 1", got)
	}
}

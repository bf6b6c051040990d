// Package source is the single producer of a stream session. It creates
// chunks at a fixed rate, pushes each one to random overlay members, and
// re-pushes chunks that were not acknowledged in time.
package source

import (
	"math/rand"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/message"
	"github.com/pyropy/starstream/core/model"
	"github.com/pyropy/starstream/core/sim"
	cmap "github.com/pyropy/starstream/lib/concurrent_map"
	"github.com/pyropy/starstream/lib/utils"
	"go.uber.org/zap"
)

type Config struct {
	ChunksPerTimeUnit int
	NodesPerChunk     int
	Chunks            int
	Start             int64
	AckTimeout        int64
	PayloadSize       int
}

type State int

const (
	Idle State = iota
	Producing
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Producing:
		return "producing"
	case Exhausted:
		return "exhausted"
	}

	return "unknown"
}

// ChunkFactory allocates chunk identities.
type ChunkFactory interface {
	CreateChunk(payload []byte, sessionID uuid.UUID, seq int) (model.Chunk, error)
}

// Members is the overlay membership the source draws targets from.
type Members interface {
	Size() int
	At(i int) model.NodeID
	IsJoined(id model.NodeID) bool
}

type Transport interface {
	Send(m message.Message)
}

type Stats struct {
	Created         int `msgpack:"created" json:"created" yaml:"created"`
	Sent            int `msgpack:"sent" json:"sent" yaml:"sent"`
	Retransmissions int `msgpack:"retransmissions" json:"retransmissions" yaml:"retransmissions"`
	Acks            int `msgpack:"acks" json:"acks" yaml:"acks"`
	Nacks           int `msgpack:"nacks" json:"nacks" yaml:"nacks"`
}

type Controller struct {
	cfg       Config
	session   uuid.UUID
	factory   ChunkFactory
	members   Members
	transport Transport
	clock     sim.Clock
	rng       *rand.Rand
	log       *zap.SugaredLogger

	state   State
	enabled bool
	created int
	sent    *cmap.Map[uuid.UUID, model.SentChunk]
	order   []uuid.UUID
	stats   Stats
}

func New(cfg Config, session uuid.UUID, factory ChunkFactory, members Members, transport Transport, clock sim.Clock, rng *rand.Rand, log *zap.SugaredLogger) *Controller {
	return &Controller{
		cfg:       cfg,
		session:   session,
		factory:   factory,
		members:   members,
		transport: transport,
		clock:     clock,
		rng:       rng,
		log:       log,
		state:     Idle,
		enabled:   true,
		sent:      cmap.NewMap[uuid.UUID, model.SentChunk](),
	}
}

func (c *Controller) Session() uuid.UUID {
	return c.session
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) Created() int {
	return c.created
}

func (c *Controller) Stats() Stats {
	return c.stats
}

func (c *Controller) Enable() {
	c.enabled = true
}

// Disable pauses both production and retransmission.
func (c *Controller) Disable() {
	c.enabled = false
}

// Descriptor returns the latest send wave recorded for a chunk.
func (c *Controller) Descriptor(chunkID uuid.UUID) (model.SentChunk, bool) {
	d, ok := c.sent.Get(chunkID)
	if !ok {
		return model.SentChunk{}, false
	}

	return *d, true
}

// Pending counts chunks still waiting for acknowledgements.
func (c *Controller) Pending() int {
	n := 0
	c.sent.Range(func(_ uuid.UUID, d model.SentChunk) bool {
		if d.IsPending() {
			n++
		}
		return true
	})

	return n
}

// Tick runs one scheduling step: production while producing, then the
// retransmission scan.
func (c *Controller) Tick(now int64) {
	if !c.enabled {
		return
	}

	if c.state == Idle && now >= c.cfg.Start {
		c.state = Producing
		c.log.Infow("source", "event", "producing", "session", c.session, "time", now)
	}

	if c.state == Producing {
		c.produce(now)
	}

	c.retransmit(now)
}

func (c *Controller) produce(now int64) {
	for i := 0; i < c.cfg.ChunksPerTimeUnit && c.created < c.cfg.Chunks; i++ {
		chunk, err := c.factory.CreateChunk(c.payload(), c.session, c.created)
		if err != nil {
			model.Violate(model.SourceID, uuid.Nil, now, "create chunk %d: %v", c.created, err)
		}

		nodes := c.selectNodes(c.cfg.NodesPerChunk)
		if !c.sent.SetIfAbsent(chunk.ID, model.NewSentChunk(chunk, len(nodes), now)) {
			model.Violate(model.SourceID, uuid.Nil, now, "chunk id %s issued twice", chunk.ID)
		}
		c.order = append(c.order, chunk.ID)
		c.created++
		c.stats.Created++

		c.log.Debugw("source", "event", "chunk created", "seq", chunk.Seq, "chunk", chunk.ID, "targets", len(nodes))
		c.push(chunk, nodes)
	}

	if c.created >= c.cfg.Chunks {
		c.state = Exhausted
		c.log.Infow("source", "event", "exhausted", "chunks", c.created, "time", now)
	}
}

// retransmit re-pushes every pending chunk whose last wave timed out to as
// many fresh targets as acknowledgements are missing. The new wave replaces
// the descriptor so the timeout restarts.
func (c *Controller) retransmit(now int64) {
	for _, id := range c.order {
		d, _ := c.sent.Get(id)
		if !d.IsPending() || !d.IsExpired(now, c.cfg.AckTimeout) {
			continue
		}

		nodes := c.selectNodes(d.Remaining())
		c.sent.Set(id, model.NewSentChunk(d.Chunk, len(nodes), now))
		c.stats.Retransmissions++

		c.log.Infow("source", "event", "retransmitting", "seq", d.Chunk.Seq, "chunk", id, "acks", d.Acks, "nacks", d.Nacks, "targets", len(nodes))
		c.push(d.Chunk, nodes)
	}
}

func (c *Controller) push(chunk model.Chunk, nodes []model.NodeID) {
	for _, n := range nodes {
		c.transport.Send(message.NewChunk(model.SourceID, n, chunk))
		c.stats.Sent++
	}
}

// ChunkOk records an acknowledgement from a target. msgID is the CHUNK
// message it answers and only serves the diagnostic of an unknown chunk.
func (c *Controller) ChunkOk(from model.NodeID, msgID, chunkID uuid.UUID) {
	if !c.sent.Update(chunkID, func(d *model.SentChunk) { d.Acks++ }) {
		model.Violate(from, msgID, c.clock.Now(), "ack for chunk %s never sent by the source", chunkID)
	}

	c.stats.Acks++
}

func (c *Controller) ChunkKo(from model.NodeID, msgID, chunkID uuid.UUID) {
	if !c.sent.Update(chunkID, func(d *model.SentChunk) { d.Nacks++ }) {
		model.Violate(from, msgID, c.clock.Now(), "nack for chunk %s never sent by the source", chunkID)
	}

	c.stats.Nacks++
}

// selectNodes draws up to k distinct members at random. Each slot gets a
// bounded number of extra draws, a tenth of the network, to land on a
// joined member. A slot falls back to an unjoined member otherwise.
func (c *Controller) selectNodes(k int) []model.NodeID {
	size := c.members.Size()
	if k > size {
		k = size
	}

	retries := size / 10
	if retries < 1 {
		retries = 1
	}

	chosen := make([]model.NodeID, 0, k)
	for len(chosen) < k {
		pick := uuid.Nil
		for attempt := 0; attempt <= retries; attempt++ {
			id := c.members.At(c.rng.Intn(size))
			if utils.Contains(chosen, id) {
				continue
			}
			if c.members.IsJoined(id) {
				pick = id
				break
			}
			if pick == uuid.Nil {
				pick = id
			}
		}

		if pick == uuid.Nil {
			pick = c.drawUnchosen(chosen)
		}
		chosen = append(chosen, pick)
	}

	return chosen
}

// drawUnchosen picks uniformly among the members not chosen yet.
func (c *Controller) drawUnchosen(chosen []model.NodeID) model.NodeID {
	all := make([]model.NodeID, c.members.Size())
	for i := range all {
		all[i] = c.members.At(i)
	}

	rest := utils.Without(all, chosen)
	if len(rest) == 0 {
		return uuid.Nil
	}

	return rest[c.rng.Intn(len(rest))]
}

func (c *Controller) payload() []byte {
	b := make([]byte, c.cfg.PayloadSize)
	c.rng.Read(b)
	return b
}

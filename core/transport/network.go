// Package transport delivers messages between simulated nodes through the
// scheduler, over a lossless channel for control traffic and a lossy one
// for chunk payloads.
package transport

import (
	"math/rand"

	"github.com/pyropy/starstream/core/message"
	"github.com/pyropy/starstream/core/model"
	"github.com/pyropy/starstream/core/sim"
	"go.uber.org/zap"
)

// Handler receives every message addressed to a node.
type Handler func(ev any)

type ChannelConfig struct {
	MinDelay int64
	MaxDelay int64
	Loss     float64 // ignored on the reliable channel
}

type Stats struct {
	Sent      map[message.Channel]int
	Delivered map[message.Channel]int
	Dropped   int
}

type Network struct {
	timeline   sim.Timeline
	rng        *rand.Rand
	log        *zap.SugaredLogger
	handlers   map[model.NodeID]Handler
	reliable   *Channel
	unreliable *Channel
	stats      Stats
}

// Channel is one of the two send primitives of a Network.
type Channel struct {
	net  *Network
	kind message.Channel
	cfg  ChannelConfig
}

func NewNetwork(timeline sim.Timeline, rng *rand.Rand, reliable, unreliable ChannelConfig, log *zap.SugaredLogger) *Network {
	n := &Network{
		timeline: timeline,
		rng:      rng,
		log:      log,
		handlers: make(map[model.NodeID]Handler),
		stats: Stats{
			Sent:      make(map[message.Channel]int),
			Delivered: make(map[message.Channel]int),
		},
	}

	reliable.Loss = 0
	unreliable.Loss = clamp01(unreliable.Loss)
	n.reliable = &Channel{net: n, kind: message.Reliable, cfg: reliable}
	n.unreliable = &Channel{net: n, kind: message.Unreliable, cfg: unreliable}

	return n
}

func (n *Network) Register(id model.NodeID, h Handler) {
	n.handlers[id] = h
}

func (n *Network) Reliable() *Channel {
	return n.reliable
}

func (n *Network) Unreliable() *Channel {
	return n.unreliable
}

func (n *Network) Stats() Stats {
	return n.stats
}

// Send stamps the hop count and schedules delivery. Control messages on
// the lossy channel, payloads on the lossless one, and unknown
// destinations are protocol violations.
func (c *Channel) Send(m message.Message) {
	h := m.Head()
	now := c.net.timeline.Now()

	if message.ChannelOf(m.Kind()) != c.kind {
		model.Violate(h.Source, h.ID, now, "%s sent on %s channel", m.Kind(), c.kind)
	}

	handler, ok := c.net.handlers[h.Destination]
	if !ok {
		model.Violate(h.Source, h.ID, now, "%s addressed to unknown node %s", m.Kind(), h.Destination)
	}

	h.Hops++
	c.net.stats.Sent[c.kind]++

	if c.net.roll(c.cfg.Loss) {
		c.net.stats.Dropped++
		c.net.log.Debugw("transport", "event", "dropped", "kind", m.Kind(), "id", h.ID, "to", h.Destination)
		return
	}

	c.net.timeline.Schedule(c.delay(), func() {
		c.net.stats.Delivered[c.kind]++
		handler(m)
	})
}

func (c *Channel) delay() int64 {
	if c.cfg.MaxDelay <= c.cfg.MinDelay {
		return c.cfg.MinDelay
	}

	return c.cfg.MinDelay + c.net.rng.Int63n(c.cfg.MaxDelay-c.cfg.MinDelay+1)
}

func (n *Network) roll(p float64) bool {
	return p > 0 && n.rng.Float64() < p
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

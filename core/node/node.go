// Package node ties a protocol engine to the playback logic of one peer.
package node

import (
	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/model"
	"github.com/pyropy/starstream/core/protocol"
	"github.com/pyropy/starstream/core/sim"
	"go.uber.org/zap"
)

type Node struct {
	ID       model.NodeID
	Engine   *protocol.Engine
	Playback *Playback
	JoinedAt int64 // -1 until the node joins the overlay
}

// New wires a playback scheduler as the listener of engine's new chunks.
func New(engine *protocol.Engine, cfg PlaybackConfig, session uuid.UUID, resolver Resolver, clock sim.Clock, log *zap.SugaredLogger) *Node {
	pb := NewPlayback(cfg, session, resolver, engine.Store(), engine, clock, log.With("node", engine.ID()))
	engine.OnNewChunk(pb.OnChunkStored)

	return &Node{
		ID:       engine.ID(),
		Engine:   engine,
		Playback: pb,
		JoinedAt: -1,
	}
}

func (n *Node) Joined() bool {
	return n.JoinedAt >= 0
}

// CheckTimeouts runs the per-tick timeout checks of the engine and the
// playback scheduler.
func (n *Node) CheckTimeouts(now int64) {
	n.Engine.CheckTimeouts()
	n.Playback.CheckTimeouts(now)
}

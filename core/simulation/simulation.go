// Package simulation assembles a whole StarStream network on one scheduler
// and runs it to completion.
package simulation

import (
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/config"
	"github.com/pyropy/starstream/core/model"
	"github.com/pyropy/starstream/core/node"
	"github.com/pyropy/starstream/core/observer"
	"github.com/pyropy/starstream/core/overlay"
	"github.com/pyropy/starstream/core/protocol"
	"github.com/pyropy/starstream/core/registry"
	"github.com/pyropy/starstream/core/sim"
	"github.com/pyropy/starstream/core/source"
	"github.com/pyropy/starstream/core/transport"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRan = errors.New("simulation already ran")
)

type Simulation struct {
	cfg       config.Config
	log       *zap.SugaredLogger
	runID     uuid.UUID
	createdAt time.Time

	sched    *sim.Scheduler
	rng      *rand.Rand
	session  uuid.UUID
	registry *registry.Registry
	ring     *overlay.Ring
	network  *transport.Network
	source   *source.Controller
	nodes    []*node.Node
	ran      bool
}

// New builds every collaborator of a run. Ids, latencies, losses and join
// times are all drawn from one generator seeded with cfg.Seed.
func New(cfg *config.Config, log *zap.SugaredLogger) *Simulation {
	s := &Simulation{
		cfg:       *cfg,
		runID:     uuid.New(),
		createdAt: time.Now().UTC(),
		sched:     sim.NewScheduler(),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	s.log = log.With("run", s.runID)
	s.session = s.newID()

	s.registry = registry.New(s.sched, cfg.Protocol.ChunkExpiration, registry.WithRandom(s.rng))
	s.ring = overlay.NewRing(cfg.OverlayConfig(), s.sched, s.rng, s.log)

	reliable, unreliable := cfg.Channels()
	s.network = transport.NewNetwork(s.sched, s.rng, reliable, unreliable, s.log)

	s.source = source.New(cfg.SourceConfig(), s.session, s.registry, s.ring, s.network.Unreliable(), s.sched, s.rng, s.log)

	s.nodes = make([]*node.Node, 0, cfg.Nodes)
	for i := 0; i < cfg.Nodes; i++ {
		s.nodes = append(s.nodes, s.newNode())
	}

	for _, n := range s.nodes {
		s.scheduleJoin(n)
	}

	s.log.Infow("simulation", "event", "built", "session", s.session, "nodes", cfg.Nodes, "seed", cfg.Seed)

	return s
}

func (s *Simulation) newID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		return uuid.New()
	}

	return id
}

func (s *Simulation) newNode() *node.Node {
	id := s.newID()

	engine := protocol.New(id, s.cfg.ProtocolConfig(), protocol.Deps{
		Overlay:    s.ring.Member(id),
		Reliable:   s.network.Reliable(),
		Unreliable: s.network.Unreliable(),
		Source:     s.source,
		Clock:      s.sched,
		Rand:       s.rng,
		Log:        s.log,
	})

	s.network.Register(id, engine.HandleEvent)
	s.ring.Register(id, engine)

	return node.New(engine, s.cfg.PlaybackConfig(), s.session, s.registry, s.sched, s.log)
}

func (s *Simulation) scheduleJoin(n *node.Node) {
	join := func() {
		s.ring.Join(n.ID)
		n.JoinedAt = s.sched.Now()
	}

	if s.cfg.Overlay.JoinWindow <= 0 {
		join()
		return
	}

	s.sched.Schedule(s.rng.Int63n(s.cfg.Overlay.JoinWindow+1), join)
}

func (s *Simulation) RunID() uuid.UUID {
	return s.runID
}

func (s *Simulation) Session() uuid.UUID {
	return s.session
}

func (s *Simulation) Nodes() []*node.Node {
	return s.nodes
}

func (s *Simulation) Source() *source.Controller {
	return s.source
}

// Run drives the scheduler to the configured end time and reports on the
// final state. A protocol violation stops the run; the report then covers
// the state reached so far and the violation is returned as the error.
func (s *Simulation) Run() (observer.Report, error) {
	if s.ran {
		return observer.Report{}, ErrAlreadyRan
	}
	s.ran = true

	s.sched.AddControl("source", 1, s.source.Tick)
	s.sched.AddControl("timeouts", 1, func(now int64) {
		for _, n := range s.nodes {
			if n.Joined() {
				n.CheckTimeouts(now)
			}
		}
	})

	err := s.drive()

	report := observer.Collect(observer.Input{
		RunID:         s.runID.String(),
		CreatedAt:     s.createdAt.Format(time.RFC3339),
		Seed:          s.cfg.Seed,
		EndTime:       s.sched.Now(),
		Session:       s.session,
		TotalChunks:   s.cfg.Source.Chunks,
		NodesPerChunk: s.cfg.Source.NodesPerChunk,
		Nodes:         s.nodes,
		Source:        s.source.Stats(),
		Transport:     s.network.Stats(),
		Overlay:       s.ring.Stats(),
	})

	if err != nil {
		report.Aborted = err.Error()
		s.log.Errorw("simulation", "event", "aborted", "error", err)
		return report, err
	}

	s.log.Infow("simulation", "event", "finished", "time", s.sched.Now(), "events", s.sched.Fired(), "chunks", s.registry.Len(), "started_playbacks", report.StartedPlaybacks)

	return report, nil
}

func (s *Simulation) drive() (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		v, ok := r.(*model.ProtocolViolation)
		if !ok {
			panic(r)
		}
		err = v
	}()

	s.sched.Run(s.cfg.EndTime)

	return nil
}

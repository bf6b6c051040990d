// Package observer turns the state of a finished run into a report: how
// many nodes started playback and when, what they were missing, how fast
// chunks reached them, and how much traffic it took.
package observer

import (
	"sort"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/message"
	"github.com/pyropy/starstream/core/node"
	"github.com/pyropy/starstream/core/overlay"
	"github.com/pyropy/starstream/core/source"
	"github.com/pyropy/starstream/core/transport"
)

type Window struct {
	First int64 `msgpack:"first" json:"first" yaml:"first"`
	Last  int64 `msgpack:"last" json:"last" yaml:"last"`
}

type TransportStats struct {
	Sent      map[string]int `msgpack:"sent" json:"sent" yaml:"sent"`
	Delivered map[string]int `msgpack:"delivered" json:"delivered" yaml:"delivered"`
	Dropped   int            `msgpack:"dropped" json:"dropped" yaml:"dropped"`
}

// StoreDump is the buffer content of one node at the end of a run.
type StoreDump struct {
	Node       string `msgpack:"node" json:"node" yaml:"node"`
	Joined     bool   `msgpack:"joined" json:"joined" yaml:"joined"`
	Sequences  []int  `msgpack:"sequences" json:"sequences" yaml:"sequences"`
	Contiguous int    `msgpack:"contiguous" json:"contiguous" yaml:"contiguous"`
	Missing    []int  `msgpack:"missing" json:"missing" yaml:"missing"`
}

type Report struct {
	RunID     string `msgpack:"run_id" json:"run_id" yaml:"run_id"`
	CreatedAt string `msgpack:"created_at" json:"created_at" yaml:"created_at"`
	Seed      int64  `msgpack:"seed" json:"seed" yaml:"seed"`
	EndTime   int64  `msgpack:"end_time" json:"end_time" yaml:"end_time"`
	Session   string `msgpack:"session" json:"session" yaml:"session"`
	Aborted   string `msgpack:"aborted,omitempty" json:"aborted,omitempty" yaml:"aborted,omitempty"`

	TotalChunks   int `msgpack:"total_chunks" json:"total_chunks" yaml:"total_chunks"`
	NodesPerChunk int `msgpack:"nodes_per_chunk" json:"nodes_per_chunk" yaml:"nodes_per_chunk"`
	TotalNodes    int `msgpack:"total_nodes" json:"total_nodes" yaml:"total_nodes"`
	ActiveNodes   int `msgpack:"active_nodes" json:"active_nodes" yaml:"active_nodes"`

	StartedPlaybacks int      `msgpack:"started_playbacks" json:"started_playbacks" yaml:"started_playbacks"`
	NotStarted       []string `msgpack:"not_started" json:"not_started" yaml:"not_started"`
	PlaybackStart    Window   `msgpack:"playback_start" json:"playback_start" yaml:"playback_start"`

	// MissingChunks maps a number of chunks missing to how many nodes miss that many.
	MissingChunks     map[int]int `msgpack:"missing_chunks" json:"missing_chunks" yaml:"missing_chunks"`
	PerceivedDelivery Summary     `msgpack:"perceived_delivery" json:"perceived_delivery" yaml:"perceived_delivery"`

	MessagesSent   Summary        `msgpack:"messages_sent" json:"messages_sent" yaml:"messages_sent"`
	MessagesByKind map[string]int `msgpack:"messages_by_kind" json:"messages_by_kind" yaml:"messages_by_kind"`

	// Unplayed summarizes the per-node percentage of chunks missed at their
	// playback deadline. UnplayedBySeq counts the nodes that missed each seq.
	Unplayed      Summary     `msgpack:"unplayed" json:"unplayed" yaml:"unplayed"`
	UnplayedBySeq map[int]int `msgpack:"unplayed_by_seq" json:"unplayed_by_seq" yaml:"unplayed_by_seq"`

	Corrupted int `msgpack:"corrupted" json:"corrupted" yaml:"corrupted"`
	Expired   int `msgpack:"expired" json:"expired" yaml:"expired"`
	Timeouts  int `msgpack:"timeouts" json:"timeouts" yaml:"timeouts"`
	Evictions int `msgpack:"evictions" json:"evictions" yaml:"evictions"`

	Source    source.Stats   `msgpack:"source" json:"source" yaml:"source"`
	Transport TransportStats `msgpack:"transport" json:"transport" yaml:"transport"`
	Overlay   overlay.Stats  `msgpack:"overlay" json:"overlay" yaml:"overlay"`

	Stores []StoreDump `msgpack:"stores" json:"stores,omitempty" yaml:"stores,omitempty"`
}

type Input struct {
	RunID         string
	CreatedAt     string
	Seed          int64
	EndTime       int64
	Session       uuid.UUID
	TotalChunks   int
	NodesPerChunk int
	Nodes         []*node.Node
	Source        source.Stats
	Transport     transport.Stats
	Overlay       overlay.Stats
}

// Collect builds the report of a run from the final state of its nodes.
func Collect(in Input) Report {
	r := Report{
		RunID:          in.RunID,
		CreatedAt:      in.CreatedAt,
		Seed:           in.Seed,
		EndTime:        in.EndTime,
		Session:        in.Session.String(),
		TotalChunks:    in.TotalChunks,
		NodesPerChunk:  in.NodesPerChunk,
		TotalNodes:     len(in.Nodes),
		NotStarted:     []string{},
		MissingChunks:  make(map[int]int),
		MessagesByKind: make(map[string]int),
		UnplayedBySeq:  make(map[int]int),
		Source:         in.Source,
		Transport:      transportStats(in.Transport),
		Overlay:        in.Overlay,
		Stores:         make([]StoreDump, 0, len(in.Nodes)),
	}

	first := true
	for _, n := range in.Nodes {
		if n.Joined() {
			r.ActiveNodes++
		}

		pb := n.Playback
		if pb.HasStartedPlayback() {
			r.StartedPlaybacks++
			at := pb.WhenPlaybackStarted()
			if first || at < r.PlaybackStart.First {
				r.PlaybackStart.First = at
			}
			if first || at > r.PlaybackStart.Last {
				r.PlaybackStart.Last = at
			}
			first = false
		} else {
			r.NotStarted = append(r.NotStarted, n.ID.String())
		}

		if pb.Deliveries() > 0 {
			r.PerceivedDelivery.Add(pb.AvgPerceivedDeliveryTime())
		}

		buffer := n.Engine.Store()
		held := buffer.Sequences(in.Session)
		r.MissingChunks[in.TotalChunks-countBelow(held, in.TotalChunks)]++

		stats := n.Engine.Stats()
		r.MessagesSent.Add(float64(stats.TotalSent()))
		for kind, count := range stats.Sent {
			r.MessagesByKind[kind.String()] += count
		}
		r.Corrupted += stats.Corrupted
		r.Expired += stats.Expired
		r.Timeouts += stats.Timeouts
		r.Evictions += buffer.Evictions()

		if in.TotalChunks > 0 {
			unplayed := pb.UnplayedChunks(in.TotalChunks)
			r.Unplayed.Add(100 * float64(len(unplayed)) / float64(in.TotalChunks))
			for _, seq := range unplayed {
				r.UnplayedBySeq[seq]++
			}
		}

		r.Stores = append(r.Stores, StoreDump{
			Node:       n.ID.String(),
			Joined:     n.Joined(),
			Sequences:  held,
			Contiguous: buffer.CountContiguousFromStart(in.Session),
			Missing:    buffer.MissingSequenceIds(in.Session),
		})
	}

	sort.Strings(r.NotStarted)

	return r
}

func countBelow(seqs []int, limit int) int {
	n := 0
	for _, s := range seqs {
		if s >= 0 && s < limit {
			n++
		}
	}

	return n
}

func transportStats(s transport.Stats) TransportStats {
	out := TransportStats{
		Sent:      make(map[string]int),
		Delivered: make(map[string]int),
		Dropped:   s.Dropped,
	}
	for _, ch := range []message.Channel{message.Reliable, message.Unreliable} {
		out.Sent[ch.String()] = s.Sent[ch]
		out.Delivered[ch.String()] = s.Delivered[ch]
	}

	return out
}

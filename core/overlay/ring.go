// Package overlay is a small Pastry-like structured overlay: joined nodes
// sit on a ring ordered by id, keys are owned by the numerically closest
// node, and routing hops greedily through leaf sets and power-of-two
// fingers.
package overlay

import (
	"bytes"
	"math/bits"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"github.com/pyropy/starstream/core/model"
	"github.com/pyropy/starstream/core/sim"
	"github.com/pyropy/starstream/lib/utils"
	"go.uber.org/zap"
)

// Listener receives the resources the overlay hands to a node.
type Listener interface {
	OnResourceDiscovered(c model.Chunk)
	OnResourceReceived(c model.Chunk)
	OnResourceRouted(c model.Chunk)
}

type Config struct {
	LeafSetSize int
	HopDelay    int64
}

type Stats struct {
	Published  int `msgpack:"published" json:"published" yaml:"published"`
	Routed     int `msgpack:"routed" json:"routed" yaml:"routed"`
	Lookups    int `msgpack:"lookups" json:"lookups" yaml:"lookups"`
	Discovered int `msgpack:"discovered" json:"discovered" yaml:"discovered"`
}

type Ring struct {
	cfg       Config
	timeline  sim.Timeline
	rng       *rand.Rand
	log       *zap.SugaredLogger
	members   []model.NodeID
	listeners map[model.NodeID]Listener
	joined    []model.NodeID
	position  map[model.NodeID]int
	resources map[uuid.UUID]model.Chunk
	stats     Stats
}

func NewRing(cfg Config, timeline sim.Timeline, rng *rand.Rand, log *zap.SugaredLogger) *Ring {
	if cfg.LeafSetSize < 2 {
		cfg.LeafSetSize = 2
	}

	return &Ring{
		cfg:       cfg,
		timeline:  timeline,
		rng:       rng,
		log:       log,
		listeners: make(map[model.NodeID]Listener),
		position:  make(map[model.NodeID]int),
		resources: make(map[uuid.UUID]model.Chunk),
	}
}

// Register adds a network member that has not joined the ring yet.
func (r *Ring) Register(id model.NodeID, l Listener) {
	if _, ok := r.listeners[id]; !ok {
		r.members = append(r.members, id)
	}
	r.listeners[id] = l
}

// Join places a registered member on the ring.
func (r *Ring) Join(id model.NodeID) {
	if _, ok := r.listeners[id]; !ok || r.IsJoined(id) {
		return
	}

	i := sort.Search(len(r.joined), func(i int) bool {
		return bytes.Compare(r.joined[i][:], id[:]) >= 0
	})
	r.joined = append(r.joined, uuid.Nil)
	copy(r.joined[i+1:], r.joined[i:])
	r.joined[i] = id

	for j := i; j < len(r.joined); j++ {
		r.position[r.joined[j]] = j
	}

	r.log.Debugw("overlay", "event", "joined", "node", id, "ring", len(r.joined))
}

func (r *Ring) IsJoined(id model.NodeID) bool {
	_, ok := r.position[id]
	return ok
}

// Size is the number of registered members, joined or not.
func (r *Ring) Size() int {
	return len(r.members)
}

// At returns the i-th registered member.
func (r *Ring) At(i int) model.NodeID {
	return r.members[i]
}

func (r *Ring) JoinedCount() int {
	return len(r.joined)
}

func (r *Ring) Stats() Stats {
	return r.stats
}

// Member returns the overlay as seen from one node.
func (r *Ring) Member(id model.NodeID) *Member {
	return &Member{ring: r, id: id}
}

// Root returns the joined node closest to key.
func (r *Ring) Root(key uuid.UUID) (model.NodeID, bool) {
	if len(r.joined) == 0 {
		return uuid.Nil, false
	}

	return r.joined[r.rootIndex(key)], true
}

func (r *Ring) rootIndex(key uuid.UUID) int {
	n := len(r.joined)
	i := sort.Search(n, func(i int) bool {
		return bytes.Compare(r.joined[i][:], key[:]) >= 0
	})

	after, before := i%n, (i-1+n)%n
	if closer(distance(r.joined[before], key), distance(r.joined[after], key)) {
		return before
	}

	return after
}

// route returns the ring positions visited from the node at position from
// up to the root of key, both ends included.
func (r *Ring) route(from int, key uuid.UUID) []int {
	n := len(r.joined)
	root := r.rootIndex(key)
	path := []int{from}

	for cur := from; cur != root && len(path) <= n; {
		next := cur
		best := indexDistance(cur, root, n)
		for _, k := range r.known(cur) {
			if d := indexDistance(k, root, n); d < best {
				next, best = k, d
			}
		}
		if next == cur {
			break
		}

		cur = next
		path = append(path, cur)
	}

	return path
}

// known lists the positions in the leaf set and finger table of pos.
func (r *Ring) known(pos int) []int {
	n := len(r.joined)
	seen := map[int]bool{pos: true}
	out := []int{}

	add := func(p int) {
		p = ((p % n) + n) % n
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for d := 1; d <= r.cfg.LeafSetSize/2; d++ {
		add(pos + d)
		add(pos - d)
	}
	for d := 1; d < n; d <<= 1 {
		add(pos + d)
		add(pos - d)
	}

	return out
}

func (r *Ring) leafSet(pos int) []model.NodeID {
	n := len(r.joined)
	seen := map[int]bool{pos: true}
	out := []model.NodeID{}

	for d := 1; d <= r.cfg.LeafSetSize/2; d++ {
		for _, p := range []int{(pos + d) % n, ((pos-d)%n + n) % n} {
			if !seen[p] {
				seen[p] = true
				out = append(out, r.joined[p])
			}
		}
	}

	return out
}

func (r *Ring) deliver(hops int, fn func()) {
	r.timeline.Schedule(int64(hops)*r.cfg.HopDelay, fn)
}

type Member struct {
	ring *Ring
	id   model.NodeID
}

func (m *Member) ID() model.NodeID {
	return m.id
}

// Publish routes c toward the root of its id. Intermediate hops are told
// the resource was routed through them and the root receives and keeps it.
func (m *Member) Publish(c model.Chunk) {
	r := m.ring
	from, ok := r.position[m.id]
	if !ok {
		r.log.Debugw("overlay", "event", "publish skipped, not joined", "node", m.id, "chunk", c.ID)
		return
	}

	r.stats.Published++
	path := r.route(from, c.ID)

	for hop, pos := range path[1:] {
		id := r.joined[pos]
		l := r.listeners[id]

		if hop == len(path)-2 {
			r.deliver(hop+1, func() {
				r.resources[c.ID] = c
				l.OnResourceReceived(c)
			})
			continue
		}

		r.stats.Routed++
		r.deliver(hop+1, func() { l.OnResourceRouted(c) })
	}

	if len(path) == 1 {
		r.resources[c.ID] = c
	}
}

// Lookup routes a query for chunkID to its root. When the root holds the
// resource it is handed back to this member as discovered.
func (m *Member) Lookup(chunkID uuid.UUID) {
	r := m.ring
	from, ok := r.position[m.id]
	if !ok {
		return
	}

	r.stats.Lookups++
	hops := len(r.route(from, chunkID)) - 1
	l := r.listeners[m.id]

	r.deliver(hops, func() {
		c, found := r.resources[chunkID]
		if !found {
			return
		}

		r.deliver(hops, func() {
			r.stats.Discovered++
			l.OnResourceDiscovered(c)
		})
	})
}

// Neighbors returns up to max random members of this node's leaf set.
func (m *Member) Neighbors(max int) []model.NodeID {
	r := m.ring
	pos, ok := r.position[m.id]
	if !ok || max <= 0 {
		return []model.NodeID{}
	}

	leaves := utils.Shuffled(r.leafSet(pos), r.rng.Perm)
	if len(leaves) > max {
		leaves = leaves[:max]
	}

	return leaves
}

// distance is the shorter way around the 128-bit ring between a and b.
func distance(a, b uuid.UUID) [2]uint64 {
	ahi, alo := split(a)
	bhi, blo := split(b)

	lo, borrow := bits.Sub64(alo, blo, 0)
	hi, _ := bits.Sub64(ahi, bhi, borrow)
	fwd := [2]uint64{hi, lo}

	lo, borrow = bits.Sub64(blo, alo, 0)
	hi, _ = bits.Sub64(bhi, ahi, borrow)
	back := [2]uint64{hi, lo}

	if closer(fwd, back) {
		return fwd
	}

	return back
}

func closer(a, b [2]uint64) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}

	return a[1] < b[1]
}

func split(id uuid.UUID) (uint64, uint64) {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(id[i])
		lo = lo<<8 | uint64(id[i+8])
	}

	return hi, lo
}

func indexDistance(a, b, n int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if n-d < d {
		return n - d
	}

	return d
}

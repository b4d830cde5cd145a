// Package snapshot implements the price snapshot index: an in-memory
// map of normalized token pair -> per-chain price points, bounded and
// time-evicted, plus the per-(chain,pairKey) circular price history
// consumed by the ML companion.
package snapshot

import (
	"sync"
	"time"

	"github.com/chainarb/detector/internal/event"
	"github.com/chainarb/detector/internal/metrics"
	"github.com/chainarb/detector/internal/ringbuffer"
)

// PricePoint is one observation for a (chain, pairKey).
type PricePoint struct {
	Chain       string
	DEX         string
	PairKey     string
	Price       float64
	Reserve0    float64
	Reserve1    float64
	BlockNumber uint64
	Timestamp   time.Time
}

// IndexedSnapshot is an immutable, point-in-time view built from the
// index for a detection pass. Never mutated after construction.
type IndexedSnapshot struct {
	Pairs     []string
	ByToken   map[string][]PricePoint // pairKey -> per-chain points, in no defined order
	BuiltAt   time.Time
}

type keyEntry struct {
	point      PricePoint
	lastAccess time.Time
}

// Index is the mutable, mutex-guarded state this package owns.
type Index struct {
	mu sync.Mutex

	keyTTL  time.Duration
	maxKeys int

	// byPair[pairKey][chain] = keyEntry
	byPair map[string]map[string]keyEntry

	// history[chain|pairKey] is a circular buffer of the most recent
	// price points for that (chain, pairKey), default capacity 100.
	history         map[string]*ringbuffer.Buffer[PricePoint]
	historyCapacity int

	metrics *metrics.Metrics
}

// New constructs an empty Index.
func New(keyTTL time.Duration, maxKeys, historyCapacity int, m *metrics.Metrics) *Index {
	return &Index{
		keyTTL:          keyTTL,
		maxKeys:         maxKeys,
		byPair:          make(map[string]map[string]keyEntry),
		history:         make(map[string]*ringbuffer.Buffer[PricePoint]),
		historyCapacity: historyCapacity,
		metrics:         m,
	}
}

// HandleUpdate ingests one price update, overwriting any prior point
// for the same (chain, pairKey).
func (idx *Index) HandleUpdate(p PriceUpdate) {
	pt := PricePoint{
		Chain: p.Chain, DEX: p.DEX, PairKey: p.PairKey,
		Price: p.Price, Reserve0: p.Reserve0, Reserve1: p.Reserve1,
		BlockNumber: p.BlockNumber, Timestamp: time.UnixMilli(p.Timestamp),
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	perChain, ok := idx.byPair[p.PairKey]
	if !ok {
		perChain = make(map[string]keyEntry)
		idx.byPair[p.PairKey] = perChain
	}
	perChain[p.Chain] = keyEntry{point: pt, lastAccess: time.Now()}

	histKey := p.Chain + "|" + p.PairKey
	rb, ok := idx.history[histKey]
	if !ok {
		rb = ringbuffer.New[PricePoint](idx.historyCapacity)
		idx.history[histKey] = rb
	}
	rb.Push(pt)

	idx.evictIfOverCapLocked()
	if idx.metrics != nil {
		idx.metrics.SnapshotKeysTracked.Set(float64(idx.countKeysLocked()))
	}
}

// PriceUpdate mirrors event.PriceUpdate's decoded shape (kept separate
// from the wire struct so this package has no JSON-tag dependency).
type PriceUpdate struct {
	Chain       string
	DEX         string
	PairKey     string
	Price       float64
	Reserve0    float64
	Reserve1    float64
	BlockNumber uint64
	Timestamp   int64
}

// FromEvent converts a wire PriceUpdate into the package's PriceUpdate.
func FromEvent(e event.PriceUpdate) PriceUpdate {
	return PriceUpdate{
		Chain: e.Chain, DEX: e.DEX, PairKey: e.PairKey,
		Price: e.Price, Reserve0: e.Reserve0, Reserve1: e.Reserve1,
		BlockNumber: e.BlockNumber, Timestamp: e.Timestamp,
	}
}

func (idx *Index) countKeysLocked() int {
	n := 0
	for _, perChain := range idx.byPair {
		n += len(perChain)
	}
	return n
}

// evictIfOverCapLocked evicts the globally oldest-by-last-access
// (chain, pairKey) keys until the total key count is at most maxKeys.
// Called with idx.mu held.
func (idx *Index) evictIfOverCapLocked() {
	if idx.maxKeys <= 0 {
		return
	}
	for idx.countKeysLocked() > idx.maxKeys {
		var oldestPair, oldestChain string
		var oldestAt time.Time
		for pairKey, perChain := range idx.byPair {
			for chain, e := range perChain {
				if oldestAt.IsZero() || e.lastAccess.Before(oldestAt) {
					oldestAt = e.lastAccess
					oldestPair = pairKey
					oldestChain = chain
				}
			}
		}
		if oldestPair == "" {
			return
		}
		idx.evictLocked(oldestPair, oldestChain)
	}
}

func (idx *Index) evictLocked(pairKey, chain string) {
	delete(idx.byPair[pairKey], chain)
	if len(idx.byPair[pairKey]) == 0 {
		delete(idx.byPair, pairKey)
	}
	if idx.metrics != nil {
		idx.metrics.SnapshotEvictionsTotal.Inc()
	}
}

// Cleanup evicts any (chain, pairKey) key whose last access exceeds the
// configured TTL. Intended to run on a periodic ticker alongside
// HandleUpdate's inline capacity eviction.
func (idx *Index) Cleanup() {
	if idx.keyTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-idx.keyTTL)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for pairKey, perChain := range idx.byPair {
		for chain, e := range perChain {
			if e.lastAccess.Before(cutoff) {
				idx.evictLocked(pairKey, chain)
			}
		}
		_ = pairKey
	}
}

// Clear empties the index entirely.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byPair = make(map[string]map[string]keyEntry)
	idx.history = make(map[string]*ringbuffer.Buffer[PricePoint])
}

// BuildSnapshot produces an immutable IndexedSnapshot of every pair
// currently backed by at least two chains.
func (idx *Index) BuildSnapshot() IndexedSnapshot {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap := IndexedSnapshot{ByToken: make(map[string][]PricePoint), BuiltAt: time.Now()}
	for pairKey, perChain := range idx.byPair {
		if len(perChain) < 2 {
			continue
		}
		points := make([]PricePoint, 0, len(perChain))
		for _, e := range perChain {
			points = append(points, e.point)
		}
		snap.ByToken[pairKey] = points
		snap.Pairs = append(snap.Pairs, pairKey)
	}
	return snap
}

// History returns an ordered copy of the circular price history for
// (chain, pairKey), oldest first.
func (idx *Index) History(chain, pairKey string) []PricePoint {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rb, ok := idx.history[chain+"|"+pairKey]
	if !ok {
		return nil
	}
	return rb.Items()
}

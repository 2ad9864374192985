package prefetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"go.uber.org/zap"

	"github.com/lrfstore/lrf/internal/header"
	"github.com/lrfstore/lrf/internal/intent"
)

// noCtx is used for the background-prefetch semaphore's Acquire, which
// this engine never needs to cancel mid-flight: a prefetch that can't
// acquire a slot simply isn't worth blocking a caller for, and callers
// never wait on Engine.trigger's dispatched goroutines.
var noCtx = context.Background()

// teleportThreshold is the distance beyond which two consecutive accesses
// are treated as a teleport rather than continuous movement: the previous
// coordinate must be within 12 chunks, else velocity logic is skipped.
const teleportThreshold = 12

// throttleWindow is how recently a coordinate must have been prefetched
// to skip re-prefetching it.
const throttleWindow = 1 * time.Second

// sampleWindowSize is the number of accesses the adaptive lookahead
// controller samples before reconsidering lookahead.
const sampleWindowSize = 10

// ReadFunc performs the actual decompress-and-return read for a chunk,
// normally bound to a Region Reader's ReadChunk.
type ReadFunc func(cx, cz int) ([]byte, error)

// Engine is the Prefetch Engine: per-Shared-Region-Resource cache plus
// momentum- and intent-driven background prefetch.
type Engine struct {
	cache     *Cache
	predictor *intent.Predictor
	read      ReadFunc
	dispatch  func(func())
	logger    *zap.Logger

	prefetchDistance int
	batchSize        int
	baseLookahead    int32
	lookahead        int32 // atomic

	bgSem *semaphore.Weighted

	mu             sync.Mutex
	haveLast       bool
	last           intent.Point
	lastAt         time.Time
	recentPrefetch map[intent.Point]time.Time
	pending        int32 // atomic

	windowMu       sync.Mutex
	windowAccesses int
	windowHits     int
	windowPfHits   int

	lastUltraScan time.Time
}

// Config bundles Engine construction parameters pulled from the
// configuration surface's prefetch_distance, batch_size, and
// max_concurrent_loads options.
type Config struct {
	PrefetchDistance      int
	BatchSize             int
	BaseLookahead         int
	MaxConcurrentPrefetch int64
}

// NewEngine returns an Engine backed by cache and predictor. dispatch
// submits a background prefetch task for asynchronous execution (the
// Storage Manager's unified queue, or a plain goroutine if nil).
func NewEngine(cache *Cache, predictor *intent.Predictor, read ReadFunc, dispatch func(func()), cfg Config, logger *zap.Logger) *Engine {
	if dispatch == nil {
		dispatch = func(f func()) { go f() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentPrefetch <= 0 {
		cfg.MaxConcurrentPrefetch = 8
	}
	if cfg.BaseLookahead <= 0 {
		cfg.BaseLookahead = cfg.PrefetchDistance
	}

	return &Engine{
		cache:            cache,
		predictor:        predictor,
		read:             read,
		dispatch:         dispatch,
		logger:           logger,
		prefetchDistance: cfg.PrefetchDistance,
		batchSize:        cfg.BatchSize,
		baseLookahead:    int32(cfg.BaseLookahead),
		lookahead:        int32(cfg.BaseLookahead),
		bgSem:            semaphore.NewWeighted(cfg.MaxConcurrentPrefetch),
		recentPrefetch:   make(map[intent.Point]time.Time),
	}
}

// Read serves (cx, cz) from cache if resident, else reads through ReadFunc,
// in both cases opportunistically triggering predictive prefetch of the
// surrounding region.
func (e *Engine) Read(cx, cz int) ([]byte, error) {
	p := intent.Point{CX: cx, CZ: cz}

	if data, prefetched, ok := e.cache.Get(p); ok {
		e.recordAccess(true, prefetched)
		e.predictor.Observe(cx, cz)
		e.trigger(cx, cz)
		return data, nil
	}

	data, err := e.read(cx, cz)
	if err != nil {
		e.recordAccess(false, false)
		return nil, err
	}

	if data != nil {
		e.cache.Put(p, data, false)
	}

	e.recordAccess(false, false)
	e.predictor.Observe(cx, cz)
	e.trigger(cx, cz)

	return data, nil
}

func (e *Engine) recordAccess(hit, prefetchedHit bool) {
	e.windowMu.Lock()
	e.windowAccesses++
	if hit {
		e.windowHits++
	}
	if prefetchedHit {
		e.windowPfHits++
	}

	if e.windowAccesses >= sampleWindowSize {
		e.adaptLookahead(e.windowHits, e.windowPfHits, e.windowAccesses)
		e.windowAccesses, e.windowHits, e.windowPfHits = 0, 0, 0
	}
	e.windowMu.Unlock()
}

// adaptLookahead implements controller: widen lookahead when the hit rate is
// poor, narrow it when the hit rate is excellent but little of it came from
// prefetching (meaning prefetch depth isn't paying for itself). Called with
// windowMu held.
func (e *Engine) adaptLookahead(hits, pfHits, total int) {
	hitRate := float64(hits) / float64(total)
	base := e.baseLookahead
	cur := atomic.LoadInt32(&e.lookahead)

	if hitRate < 0.80 && cur < base*2 {
		atomic.AddInt32(&e.lookahead, 1)
		return
	}

	if hits == 0 {
		return
	}
	efficiency := float64(pfHits) / float64(hits)
	floor := base / 2
	if floor < 2 {
		floor = 2
	}
	if hitRate > 0.95 && efficiency < 0.40 && cur > floor {
		atomic.AddInt32(&e.lookahead, -1)
	}
}

// Lookahead returns the current adaptive lookahead depth.
func (e *Engine) Lookahead() int {
	return int(atomic.LoadInt32(&e.lookahead))
}

// Stats exposes the underlying cache's counters.
func (e *Engine) Stats() Stats { return e.cache.Stats() }

func (e *Engine) trigger(cx, cz int) {
	cur := intent.Point{CX: cx, CZ: cz}

	e.mu.Lock()
	var vx, vz int
	teleport := true
	if e.haveLast {
		dx, dz := cur.CX-e.last.CX, cur.CZ-e.last.CZ
		if abs(dx) <= teleportThreshold && abs(dz) <= teleportThreshold {
			vx, vz = dx, dz
			teleport = false
		}
	}
	e.last = cur
	e.lastAt = time.Now()
	e.haveLast = true

	pending := atomic.LoadInt32(&e.pending)
	lowMomentum := teleport || (vx == 0 && vz == 0)
	if pending > int32(4*e.batchSize) && lowMomentum {
		e.mu.Unlock()
		return
	}

	now := time.Now()
	if last, ok := e.recentPrefetch[cur]; ok && now.Sub(last) < throttleWindow {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	candidates := e.assembleCandidates(cur, vx, vz, teleport)
	if len(candidates) == 0 {
		return
	}

	e.mu.Lock()
	for _, c := range candidates {
		e.recentPrefetch[c] = now
	}
	if len(e.recentPrefetch) > 4096 {
		e.recentPrefetch = make(map[intent.Point]time.Time, len(candidates))
		for _, c := range candidates {
			e.recentPrefetch[c] = now
		}
	}
	e.mu.Unlock()

	for _, c := range candidates {
		c := c
		atomic.AddInt32(&e.pending, 1)
		e.dispatch(func() { e.prefetchOne(c) })
	}
}

func (e *Engine) prefetchOne(p intent.Point) {
	defer atomic.AddInt32(&e.pending, -1)

	if e.cache.Contains(p) {
		return
	}

	if err := e.bgSem.Acquire(noCtx, 1); err != nil {
		return
	}
	defer e.bgSem.Release(1)

	data, err := e.read(p.CX, p.CZ)
	if err != nil {
		// Prefetch errors are swallowed and counted; they must never
		// fail a foreground read.
		e.logger.Debug("prefetch read failed", zap.Int("cx", p.CX), zap.Int("cz", p.CZ), zap.Error(err))
		return
	}
	if data == nil {
		return
	}

	e.cache.Put(p, data, true)
}

// assembleCandidates builds the intent-predicted set plus the directionally
// pruned spatial spiral, up to batchSize entries, skipping any candidate
// that falls outside the current region's chunk grid.
func (e *Engine) assembleCandidates(cur intent.Point, vx, vz int, teleport bool) []intent.Point {
	limit := e.batchSize
	if limit <= 0 {
		limit = e.Lookahead()
	}

	seen := map[intent.Point]bool{cur: true}
	out := make([]intent.Point, 0, limit)

	for _, c := range e.predictor.Predict(cur.CX, cur.CZ, e.Lookahead()) {
		if len(out) >= limit {
			break
		}
		if !inRegion(c) || seen[c] || e.cache.Contains(c) {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}

	highSpeed := !teleport && (abs(vx) >= 2 || abs(vz) >= 2)
	for _, c := range spiral(cur, e.prefetchDistance) {
		if len(out) >= limit {
			break
		}
		if !inRegion(c) || seen[c] || e.cache.Contains(c) {
			continue
		}

		if highSpeed && !inImmediateNeighborhood(cur, c) {
			dx, dz := c.CX-cur.CX, c.CZ-cur.CZ
			if dx*vx+dz*vz < 0 {
				continue
			}
		}

		seen[c] = true
		out = append(out, c)
	}

	return out
}

func inImmediateNeighborhood(center, p intent.Point) bool {
	return abs(p.CX-center.CX) <= 1 && abs(p.CZ-center.CZ) <= 1
}

// inRegion reports whether p falls within the current region's 32x32
// chunk grid. A candidate outside this range crosses into a neighboring
// region's slot table; since a single Engine binds its ReadFunc to one
// fixed region path, such a candidate must be skipped here rather than
// looked up, which would otherwise alias onto the wrong region via
// header.ChunkIndex's mod-32 wraparound. The enclosing storage layer is
// responsible for dispatching prefetch to the neighboring region's own
// Engine instead.
func inRegion(p intent.Point) bool {
	return p.CX >= 0 && p.CX < header.RegionSize && p.CZ >= 0 && p.CZ < header.RegionSize
}

// spiral returns chunk coordinates around center in a square-spiral
// order out to the given radius, nearest first.
func spiral(center intent.Point, radius int) []intent.Point {
	if radius <= 0 {
		return nil
	}

	out := make([]intent.Point, 0, (2*radius+1)*(2*radius+1)-1)
	x, z := 0, 0
	dx, dz := 0, -1

	maxSteps := (2*radius + 1) * (2*radius + 1)
	for i := 0; i < maxSteps; i++ {
		if x >= -radius && x <= radius && z >= -radius && z <= radius {
			if x != 0 || z != 0 {
				out = append(out, intent.Point{CX: center.CX + x, CZ: center.CZ + z})
			}
		}

		if x == z || (x < 0 && x == -z) || (x > 0 && x == 1-z) {
			dx, dz = -dz, dx
		}
		x += dx
		z += dz
	}

	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

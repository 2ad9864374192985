// Package storage implements the Storage Manager: the
// process-wide owner of the four shared executor pools, the Shared
// Region Resource registry, and the unified priority work queue that
// every other component submits onto instead of spawning its own
// goroutines per region.
package storage

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lrfstore/lrf/internal/batch"
	"github.com/lrfstore/lrf/internal/bufpool"
	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/integrity"
	"github.com/lrfstore/lrf/internal/intent"
	"github.com/lrfstore/lrf/internal/lrfconfig"
	"github.com/lrfstore/lrf/internal/lrferr"
	"github.com/lrfstore/lrf/internal/prefetch"
	"github.com/lrfstore/lrf/internal/region"
)

// Pool ceilings bound thread counts regardless of CPU count, keeping
// context-switch pressure flat on very large machines.
const (
	loadCeiling       = 32
	writeCeiling      = 8
	compressCeiling   = 16
	decompressCeiling = 16

	loadRatio       = 1.0
	writeRatio      = 0.5
	compressRatio   = 1.0
	decompressRatio = 1.0

	// shutdownDeadline bounds how long Shutdown waits for executors to drain
	// before returning regardless.
	shutdownDeadline = 30 * time.Second
)

// Manager is the Storage Manager.
type Manager struct {
	cfg    lrfconfig.Config
	logger *zap.Logger

	registry *region.Registry
	pool     *bufpool.Pool
	cdc      *codec.Codec

	load       *executor
	write      *executor
	compress   *executor
	decompress *executor

	Writer    *batch.Writer
	Reader    *batch.Reader
	Validator *integrity.Validator
	worldIdx  PostFlushHook

	enginesMu sync.Mutex
	engines   map[string]*prefetch.Engine
}

// PostFlushHook lets a caller (typically internal/worldindex) observe
// every batch flush without the Storage Manager depending on it directly.
type PostFlushHook func(regionPath string, written []region.WrittenChunk)

// New builds a Storage Manager from cfg: sizes the four executor pools,
// constructs the region registry, and wires the Batch Writer/Reader and
// Integrity Validator on top of them.
func New(cfg lrfconfig.Config, worldIdx PostFlushHook, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cpu := runtime.NumCPU()
	loadN := lrfconfig.ThreadCount(cfg.LoadThreads, loadRatio, loadCeiling, cpu)
	writeN := lrfconfig.ThreadCount(cfg.WriteThreads, writeRatio, writeCeiling, cpu)
	compressN := lrfconfig.ThreadCount(cfg.CompressThreads, compressRatio, compressCeiling, cpu)
	decompressN := lrfconfig.ThreadCount(cfg.DecompressThreads, decompressRatio, decompressCeiling, cpu)

	algorithm, err := algorithmKind(cfg.CompressionAlgorithm)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		registry:   region.NewRegistry(cfg.MmapEnabled, algorithm, logger),
		pool:       &bufpool.Pool{},
		cdc:        codec.New(cfg.CompressionLevel),
		load:       newExecutor("load", loadN),
		write:      newExecutor("write", writeN),
		compress:   newExecutor("compress", compressN),
		decompress: newExecutor("decompress", decompressN),
		Validator:  integrity.New(cfg.IntegritySamplingProbability),
		worldIdx:   worldIdx,
		engines:    make(map[string]*prefetch.Engine),
	}

	m.Writer = batch.NewWriter(
		m.registry,
		m.cdc,
		algorithm,
		cfg.BatchSize,
		time.Duration(cfg.AutoFlushDelay)*time.Millisecond,
		m.compress.dispatch(PriorityNormal),
		m.write.dispatch(PriorityHigh),
		m.postFlush,
		logger,
	)

	m.Reader = batch.NewReader(m.registry, m.pool, m.cdc, cfg.MaxConcurrentLoads)
	m.Reader.SetValidator(func(regionPath string, cx, cz int, rawFrame []byte) error {
		if !m.Validator.ShouldValidate() {
			return nil
		}
		return m.Validator.Validate(regionPath, cx, cz, rawFrame)
	})

	return m, nil
}

// Arm checks for a crash marker from a previous session in cfg.DataDir,
// escalating the Integrity Validator to full validation when one is
// found, and (re)arms a fresh marker before the Manager accepts its first
// request. wasCrashed reports whether escalation occurred;
// sessionID is this run's marker id, for startup log correlation.
func (m *Manager) Arm() (wasCrashed bool, sessionID string, err error) {
	wasPresent, sessionID, err := integrity.CheckAndArm(m.cfg.DataDir)
	if err != nil {
		return false, "", err
	}
	if wasPresent {
		m.Validator.EnterCrashMode()
	}
	return wasPresent, sessionID, nil
}

// Disarm removes the crash marker on a clean shutdown and reverts the
// Integrity Validator to its configured sampling rate.
func (m *Manager) Disarm() error {
	m.Validator.ExitCrashMode()
	return integrity.Disarm(m.cfg.DataDir)
}

func algorithmKind(a lrfconfig.CompressionAlgorithm) (codec.Kind, error) {
	switch a {
	case lrfconfig.CompressionFast:
		return codec.Fast, nil
	case lrfconfig.CompressionHighRatio:
		return codec.HighRatio, nil
	default:
		return codec.None, lrferr.Unsupported{Reason: fmt.Sprintf("unknown compression algorithm %q", a)}
	}
}

func (m *Manager) postFlush(regionPath string, written []region.WrittenChunk) {
	for _, w := range written {
		m.Validator.RecordWrite(regionPath, w.CX, w.CZ, w.Frame)
	}
	if m.worldIdx != nil {
		m.worldIdx(regionPath, written)
	}
}

// Registry exposes the Shared Region Resource registry for callers (the
// Migrator, the Prefetch Engine's ReadFunc) that need direct access.
func (m *Manager) Registry() *region.Registry { return m.registry }

// Codec returns the shared Codec instance.
func (m *Manager) Codec() *codec.Codec { return m.cdc }

// BufferPool returns the shared Buffer Pool.
func (m *Manager) BufferPool() *bufpool.Pool { return m.pool }

// newPrefetchEngine builds a Prefetch Engine whose cache-miss reads run
// through the Batch Reader and whose background prefetch dispatches onto
// the load pool at BACKGROUND priority, so prefetch traffic never starves
// foreground loads competing for the same pool.
func (m *Manager) newPrefetchEngine(regionPath string) (*prefetch.Engine, error) {
	cache, err := prefetch.NewCache(m.cfg.MaxCacheEntries, m.cfg.MaxCacheSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("building prefetch cache: %w", err)
	}

	read := func(cx, cz int) ([]byte, error) {
		return m.Reader.Load(context.Background(), regionPath, cx, cz)
	}

	return prefetch.NewEngine(cache, intent.New(), read, m.load.dispatch(PriorityBackground), prefetch.Config{
		PrefetchDistance:      m.cfg.PrefetchDistance,
		BatchSize:             m.cfg.BatchSize,
		MaxConcurrentPrefetch: int64(m.cfg.MaxConcurrentLoads),
	}, m.logger), nil
}

// PrefetchEngine returns the Prefetch Engine for regionPath, building and
// caching one the first time the path is seen. Every subsequent call for
// the same path returns the same Engine, so its cache, momentum state, and
// adaptive lookahead accumulate across callers instead of resetting per
// read.
func (m *Manager) PrefetchEngine(regionPath string) (*prefetch.Engine, error) {
	m.enginesMu.Lock()
	defer m.enginesMu.Unlock()

	if eng, ok := m.engines[regionPath]; ok {
		return eng, nil
	}

	eng, err := m.newPrefetchEngine(regionPath)
	if err != nil {
		return nil, err
	}
	m.engines[regionPath] = eng
	return eng, nil
}

// ReadChunk is the canonical read entrypoint (region.read_chunk): it
// routes every read through the region's cached Prefetch Engine, which
// serves resident cache hits directly and falls back to the Batch
// Reader's mmap/decompress path on a miss, triggering predictive prefetch
// of the surrounding chunks either way.
func (m *Manager) ReadChunk(ctx context.Context, regionPath string, cx, cz int) ([]byte, error) {
	eng, err := m.PrefetchEngine(regionPath)
	if err != nil {
		return nil, err
	}
	return eng.Read(cx, cz)
}

// Submit enqueues fn on the decompress pool at priority p. The Region
// Reader decompresses inline and does not submit work here.
func (m *Manager) Submit(p Priority, fn func()) {
	m.decompress.submit(p, fn)
}

// Shutdown implements global shutdown barrier: force every mmap via the
// Flush Barrier's force_all, then drain and join all four executors, bounded
// by a deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	if dirty := m.registry.DirtyPageTotal(); dirty > 0 {
		m.logger.Info("forcing registered regions with unflushed pages", zap.Int("dirty_pages", dirty))
	}

	forceErr := m.registry.ForceAll()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { m.load.stop(); return nil })
	g.Go(func() error { m.write.stop(); return nil })
	g.Go(func() error { m.compress.stop(); return nil })
	g.Go(func() error { m.decompress.stop(); return nil })

	joined := make(chan error, 1)
	go func() { joined <- g.Wait() }()

	deadline, cancel := context.WithTimeout(ctx, shutdownDeadline)
	defer cancel()

	select {
	case <-joined:
	case <-deadline.Done():
		m.logger.Warn("storage manager shutdown deadline exceeded; returning without full drain")
		return lrferr.Cancelled{Reason: "shutdown deadline exceeded"}
	}

	return forceErr
}

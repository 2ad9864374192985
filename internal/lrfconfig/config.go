// Package lrfconfig models the engine's configuration surface as a Go
// struct parsed from the environment, in the style the teacher's sibling
// client-proxy/orchestrator packages use caarlos0/env for.
package lrfconfig

import "github.com/caarlos0/env/v11"

// Format selects which region format is authoritative for a world.
type Format string

const (
	FormatLegacy Format = "legacy"
	FormatLRF    Format = "lrf"
	FormatAuto   Format = "auto"
)

// ConversionMode controls when and how legacy regions are migrated.
type ConversionMode string

const (
	ConversionFull       ConversionMode = "full"
	ConversionOnDemand   ConversionMode = "on_demand"
	ConversionBackground ConversionMode = "background"
	ConversionManual     ConversionMode = "manual"
)

// CompressionAlgorithm names the codec used for new writes.
type CompressionAlgorithm string

const (
	CompressionFast      CompressionAlgorithm = "fast"
	CompressionHighRatio CompressionAlgorithm = "high_ratio"
)

// Config is the full set of recognized options
type Config struct {
	Format         Format         `env:"LRF_FORMAT"          envDefault:"auto"`
	ConversionMode ConversionMode `env:"LRF_CONVERSION_MODE" envDefault:"on_demand"`

	CompressionAlgorithm CompressionAlgorithm `env:"LRF_COMPRESSION_ALGORITHM" envDefault:"fast"`
	CompressionLevel     int                  `env:"LRF_COMPRESSION_LEVEL"     envDefault:"6"`

	BatchSize       int `env:"LRF_BATCH_SIZE"         envDefault:"64"`
	AutoFlushDelay  int `env:"LRF_AUTO_FLUSH_DELAY_MS" envDefault:"50"`

	LoadThreads       string `env:"LRF_LOAD_THREADS"       envDefault:"auto"`
	WriteThreads      string `env:"LRF_WRITE_THREADS"      envDefault:"auto"`
	CompressThreads   string `env:"LRF_COMPRESS_THREADS"   envDefault:"auto"`
	DecompressThreads string `env:"LRF_DECOMPRESS_THREADS" envDefault:"auto"`

	MmapEnabled bool `env:"LRF_MMAP_ENABLED" envDefault:"true"`

	PrefetchDistance int     `env:"LRF_PREFETCH_DISTANCE" envDefault:"3"`
	PredictionScale  float64 `env:"LRF_PREDICTION_SCALE"  envDefault:"1.0"`

	MaxCacheSizeBytes int64 `env:"LRF_MAX_CACHE_SIZE_BYTES" envDefault:"67108864"`
	MaxCacheEntries   int   `env:"LRF_MAX_CACHE_ENTRIES"    envDefault:"4096"`

	IntegritySamplingProbability float64 `env:"LRF_INTEGRITY_SAMPLING_PROBABILITY" envDefault:"0.01"`

	MaxConcurrentLoads int `env:"LRF_MAX_CONCURRENT_LOADS" envDefault:"256"`

	DataDir string `env:"LRF_DATA_DIR" envDefault:"."`
}

// Parse reads Config from the environment, applying the defaults above to
// any variable left unset.
func Parse() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{})
}

// ThreadCount resolves a pool size option ("auto" or a literal integer)
// against the host's CPU count, honoring the fixed ceiling the Storage
// Manager imposes
func ThreadCount(value string, cpuRatio float64, ceiling, cpuCount int) int {
	if value != "auto" {
		n := 0
		for _, r := range value {
			if r < '0' || r > '9' {
				n = 0
				break
			}
			n = n*10 + int(r-'0')
		}
		if n > 0 {
			if n > ceiling {
				return ceiling
			}
			return n
		}
	}

	n := int(float64(cpuCount) * cpuRatio)
	if n < 1 {
		n = 1
	}
	if n > ceiling {
		n = ceiling
	}
	return n
}

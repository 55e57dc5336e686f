package storage

import (
	"time"

	"github.com/litedocdb/litedocdb/pkg/cache"
	"github.com/litedocdb/litedocdb/pkg/query"
)

// EncryptionConfig holds the Encryption.* recognized keys. Algorithm/
// HMACAlgorithm/KeySize are advisory metadata describing the fixed
// AES-256-CTR + HMAC-SHA256 scheme pkg/codec implements; they are not
// alternate code paths.
type EncryptionConfig struct {
	Enabled                    bool
	Passphrase                 string
	Algorithm                  string
	KeySize                    int
	HMACAlgorithm              string
	KeyIterations              int
	EnableFieldLevelEncryption bool
	EncryptedFields            []string
	CacheTimeout               time.Duration
	MaxCacheSize               int
	UseBulkOperations          bool
}

// AutoSyncConfig mirrors Cache.AutoSync.*.
type AutoSyncConfig struct {
	Enabled   bool
	Interval  time.Duration
	MinItems  int
	BatchSize int
}

// CacheConfig mirrors Cache.*.
type CacheConfig struct {
	Mode                   cache.Mode
	MaxSize                int
	MaxMemoryUsage         int64
	DefaultExpiry          time.Duration
	EnableCompression      bool
	CleanupInterval        time.Duration
	MemoryWarningThreshold float64
	AutoSync               AutoSyncConfig
}

// PerformanceConfig mirrors Performance.*. The engine stores these values
// but does not read them: chunk fan-out uses fixed bounds and the sort
// algorithm selector does not consult them.
type PerformanceConfig struct {
	EnableQueryOptimization bool
	MaxConcurrentOperations int
	EnableBatchOptimization bool
}

// Config is the engine's full recognized configuration surface; mapping
// an external config file or environment into this struct is the caller's
// concern.
type Config struct {
	ChunkSize     int
	StorageFolder string
	SortMethod    query.Algorithm
	Timeout       time.Duration

	Encryption  EncryptionConfig
	Cache       CacheConfig
	Performance PerformanceConfig
}

// DefaultConfig returns the stock defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     5 * 1024 * 1024,
		StorageFolder: "litedocdb-data",
		SortMethod:    query.AlgoDefault,
		Timeout:       10 * time.Second,
		Cache: CacheConfig{
			Mode:                   cache.LRU,
			MaxSize:                1000,
			DefaultExpiry:          5 * time.Minute,
			CleanupInterval:        time.Minute,
			MemoryWarningThreshold: 0.7,
			AutoSync: AutoSyncConfig{
				Enabled:   true,
				Interval:  5 * time.Second,
				MinItems:  1,
				BatchSize: 100,
			},
		},
		Performance: PerformanceConfig{
			MaxConcurrentOperations: 4,
		},
	}
}

package framebus

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config tunes a Bus instance, transliterated from the original
// implementation's BusCfg/PerformancePresets.
type Config struct {
	RingPow               uint8         // ring capacity = 2^RingPow, 10..25
	PauseHi               float64       // occupancy fraction that triggers Pause
	ResumeLo              float64       // occupancy fraction that triggers Resume
	WALDir                string
	WALFlushInterval      time.Duration
	WALMaxBytes           int64
	HighPerformanceMode   bool          // true: Publish doesn't wait for fsync
	AsyncWriteQueueSize   int
	BackpressureThreshold float64
	MaxSegmentBytes       int64
}

// RingCapacity returns 2^RingPow.
func (c Config) RingCapacity() int {
	return 1 << c.RingPow
}

// PauseThreshold returns the absolute occupancy count that triggers Pause.
func (c Config) PauseThreshold() int {
	return int(float64(c.RingCapacity()) * c.PauseHi)
}

// ResumeThreshold returns the absolute occupancy count that triggers Resume.
func (c Config) ResumeThreshold() int {
	return int(float64(c.RingCapacity()) * c.ResumeLo)
}

// Validate matches the original BusCfg::validate checks.
func (c Config) Validate() error {
	if c.RingPow < 10 || c.RingPow > 25 {
		return fmt.Errorf("framebus: ring_pow %d out of range [10, 25]", c.RingPow)
	}
	if c.PauseHi <= c.ResumeLo {
		return fmt.Errorf("framebus: pause_hi must be greater than resume_lo")
	}
	if c.WALFlushInterval <= 0 {
		return fmt.Errorf("framebus: wal flush interval must be greater than 0")
	}
	if c.WALDir == "" {
		return fmt.Errorf("framebus: wal_dir must be set")
	}
	return nil
}

func defaultWALDir() string {
	if d := os.Getenv("WAL_DIR"); d != "" {
		return d
	}
	return filepath.Join(os.TempDir(), "gateway_wal")
}

// DefaultConfig matches the original's Default impl.
func DefaultConfig() Config {
	return Config{
		RingPow:               20,
		PauseHi:               0.85,
		ResumeLo:               0.70,
		WALDir:                defaultWALDir(),
		WALFlushInterval:      10 * time.Millisecond,
		WALMaxBytes:           8 << 30,
		HighPerformanceMode:   true,
		AsyncWriteQueueSize:   50000,
		BackpressureThreshold: 0.90,
		MaxSegmentBytes:       64 << 20,
	}
}

// HighThroughputConfig targets 5k+ fps workloads.
func HighThroughputConfig() Config {
	c := DefaultConfig()
	c.RingPow = 21
	c.PauseHi = 0.90
	c.ResumeLo = 0.75
	c.WALFlushInterval = 5 * time.Millisecond
	c.WALMaxBytes = 16 << 30
	c.AsyncWriteQueueSize = 100000
	c.BackpressureThreshold = 0.95
	return c
}

// LowLatencyConfig targets sub-millisecond delivery latency.
func LowLatencyConfig() Config {
	c := DefaultConfig()
	c.RingPow = 19
	c.PauseHi = 0.80
	c.ResumeLo = 0.60
	c.WALFlushInterval = time.Millisecond
	c.WALMaxBytes = 4 << 30
	c.AsyncWriteQueueSize = 20000
	c.BackpressureThreshold = 0.85
	return c
}

// MemoryOptimizedConfig trades latency for a smaller memory footprint.
func MemoryOptimizedConfig() Config {
	c := DefaultConfig()
	c.RingPow = 17
	c.PauseHi = 0.75
	c.ResumeLo = 0.50
	c.WALFlushInterval = 20 * time.Millisecond
	c.WALMaxBytes = 2 << 30
	c.HighPerformanceMode = false
	c.AsyncWriteQueueSize = 5000
	c.BackpressureThreshold = 0.80
	return c
}

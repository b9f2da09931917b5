package collector

import (
	"fmt"
	"time"

	"github.com/HatiCode/urlmetrics/pkg/grouping"
)

// DefaultStorageLockTTL is how long a client IP must wait between stores.
const DefaultStorageLockTTL = time.Minute

// Config holds the grouping settings shared by every request.
type Config struct {
	Breakpoints  []int
	SampleSize   int
	FreshnessTTL time.Duration
}

// DefaultConfig returns the default breakpoints, sample size and freshness TTL.
func DefaultConfig() Config {
	return Config{
		Breakpoints:  append([]int(nil), grouping.DefaultBreakpoints...),
		SampleSize:   grouping.DefaultSampleSize,
		FreshnessTTL: grouping.DefaultFreshnessTTL,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.SampleSize <= 0 {
		return fmt.Errorf("sample size must be > 0, got %d", c.SampleSize)
	}
	if c.FreshnessTTL < 0 {
		return fmt.Errorf("freshness TTL must be >= 0, got %v", c.FreshnessTTL)
	}
	return nil
}

// MaxPerKey is the number of records worth keeping per slug: one full sample
// for every group.
func (c Config) MaxPerKey() int {
	return c.SampleSize * (len(grouping.NormalizeBreakpoints(c.Breakpoints)) + 1)
}

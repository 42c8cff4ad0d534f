package batch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig is the only error that fails a whole batch
	ErrInvalidConfig = errors.New("invalid batch config")
	// ErrCostLimitExceeded marks items skipped because the batch spent its budget
	ErrCostLimitExceeded = errors.New("cost limit exceeded")
	// ErrCancelled marks items never dispatched because the batch was cancelled
	ErrCancelled = errors.New("batch cancelled")
)

// Config tunes one batch run
type Config struct {
	// MaxConcurrent bounds parallel medium-tier items (further capped at 3)
	MaxConcurrent int `json:"max_concurrent"`
	// Timeout is the per-item budget; complex items get twice this
	Timeout time.Duration `json:"timeout"`
	// RetryAttempts is accepted and validated but not acted on; callers
	// retry whole items above the scheduler
	RetryAttempts    int     `json:"retry_attempts"`
	EnableStreaming  bool    `json:"enable_streaming"`
	CostLimit        float64 `json:"cost_limit"`
	QualityThreshold float64 `json:"quality_threshold"`
}

// DefaultConfig returns the stock batch settings
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    5,
		Timeout:          30 * time.Second,
		RetryAttempts:    2,
		EnableStreaming:  true,
		CostLimit:        1.0,
		QualityThreshold: 0.7,
	}
}

// Validate reports the first problem with the config
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrent <= 0:
		return fmt.Errorf("%w: max concurrent must be positive, got %d", ErrInvalidConfig, c.MaxConcurrent)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidConfig, c.Timeout)
	case c.RetryAttempts < 0:
		return fmt.Errorf("%w: retry attempts cannot be negative, got %d", ErrInvalidConfig, c.RetryAttempts)
	case c.CostLimit <= 0:
		return fmt.Errorf("%w: cost limit must be positive, got %v", ErrInvalidConfig, c.CostLimit)
	case c.QualityThreshold < 0 || c.QualityThreshold > 1:
		return fmt.Errorf("%w: quality threshold must be within [0,1], got %v", ErrInvalidConfig, c.QualityThreshold)
	}
	return nil
}

// mediumLimit is the semaphore weight for the medium tier
func (c Config) mediumLimit() int64 {
	return int64(min(c.MaxConcurrent, 3))
}

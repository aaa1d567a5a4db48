package submission

import (
	"fmt"
	"time"
)

type Config struct {
	MaxRetries     int           `json:"max_retries"`
	RetryBackoff   time.Duration `json:"retry_backoff"`
	SubmitTimeout  time.Duration `json:"submit_timeout"`
	ConfirmTimeout time.Duration `json:"confirm_timeout"`
	PollInterval   time.Duration `json:"poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryBackoff:   time.Second,
		SubmitTimeout:  30 * time.Second,
		ConfirmTimeout: 60 * time.Second,
		PollInterval:   2 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("submission: max_retries must be >= 1")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("submission: retry_backoff must be >= 0")
	}
	if c.SubmitTimeout <= 0 || c.ConfirmTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("submission: timeouts and poll_interval must be > 0")
	}
	return nil
}

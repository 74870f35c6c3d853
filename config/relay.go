package config

import (
	"fmt"
	"time"

	"github.com/migadu/eaf/helpers"
)

// RelayConfig defines the next hop that filtered messages are reinjected into.
type RelayConfig struct {
	SMTPHost        string `toml:"smtp_host"`          // Next hop address (e.g., "127.0.0.1:10025")
	SMTPTLS         bool   `toml:"smtp_tls"`           // Use TLS for the SMTP connection
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`    // Verify TLS certificates
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`  // Use STARTTLS instead of direct TLS
	SMTPTLSCertFile string `toml:"smtp_tls_cert_file"` // Client certificate for mTLS (optional)
	SMTPTLSKeyFile  string `toml:"smtp_tls_key_file"`  // Client key for mTLS (optional)
	SMTPUsername    string `toml:"smtp_username"`      // SASL PLAIN credentials (optional)
	SMTPPassword    string `toml:"smtp_password"`
	LocalName       string `toml:"local_name"` // Name sent in EHLO
	Timeout         string `toml:"timeout"`    // Per-attempt deadline (default: "2m")

	// Queue configuration (nested under [relay.queue] in TOML)
	Queue RelayQueueConfig `toml:"queue"`
}

// RelayQueueConfig holds the disk spool used when reinjection fails temporarily.
type RelayQueueConfig struct {
	Enabled                   bool     `toml:"enabled"`
	Path                      string   `toml:"path"`                         // Base path for queue storage
	WorkerInterval            string   `toml:"worker_interval"`              // How often the worker scans the spool (e.g., "1m")
	BatchSize                 int      `toml:"batch_size"`                   // Messages processed per worker cycle
	Concurrency               int      `toml:"concurrency"`                  // Concurrent deliveries (default: 5)
	MaxAttempts               int      `toml:"max_attempts"`                 // Attempts before a message moves to failed
	RetryBackoff              []string `toml:"retry_backoff"`                // Delays between attempts (e.g., ["1m", "5m", "1h"])
	CircuitBreakerThreshold   int      `toml:"circuit_breaker_threshold"`    // Consecutive failures before opening circuit (default: 5)
	CircuitBreakerTimeout     string   `toml:"circuit_breaker_timeout"`      // Recovery test interval (default: "30s")
	CircuitBreakerMaxRequests int      `toml:"circuit_breaker_max_requests"` // Max requests in half-open state (default: 3)
}

// IsConfigured returns true if a next hop is set.
func (r *RelayConfig) IsConfigured() bool {
	return r.SMTPHost != ""
}

// IsQueueEnabled returns true if failed reinjections are spooled for retry.
func (r *RelayConfig) IsQueueEnabled() bool {
	return r.IsConfigured() && r.Queue.Enabled
}

// GetQueuePath returns the queue path with default if not set
func (r *RelayConfig) GetQueuePath() string {
	if r.Queue.Path != "" {
		return r.Queue.Path
	}
	return "/var/spool/eaf/relay"
}

// GetTimeout returns the per-attempt reinjection deadline.
func (r *RelayConfig) GetTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(r.Timeout)
}

// Validate checks relay settings.
func (r *RelayConfig) Validate() error {
	if !r.IsConfigured() {
		if r.Queue.Enabled {
			return fmt.Errorf("relay.queue requires relay.smtp_host")
		}
		return nil
	}
	if r.SMTPTLS && r.SMTPUseStartTLS {
		return fmt.Errorf("relay.smtp_tls and relay.smtp_use_starttls are mutually exclusive")
	}
	if (r.SMTPTLSCertFile == "") != (r.SMTPTLSKeyFile == "") {
		return fmt.Errorf("relay.smtp_tls_cert_file and relay.smtp_tls_key_file must be set together")
	}
	if _, err := r.GetTimeout(); err != nil {
		return fmt.Errorf("relay.timeout: %w", err)
	}
	if _, err := r.Queue.GetWorkerInterval(); err != nil {
		return fmt.Errorf("relay.queue.worker_interval: %w", err)
	}
	if _, err := r.Queue.GetRetryBackoff(); err != nil {
		return fmt.Errorf("relay.queue.retry_backoff: %w", err)
	}
	if _, err := r.Queue.GetCircuitBreakerTimeout(); err != nil {
		return fmt.Errorf("relay.queue.circuit_breaker_timeout: %w", err)
	}
	return nil
}

// GetWorkerInterval parses the worker interval duration
func (q *RelayQueueConfig) GetWorkerInterval() (time.Duration, error) {
	if q.WorkerInterval == "" {
		return 1 * time.Minute, nil
	}
	return helpers.ParseDuration(q.WorkerInterval)
}

// GetBatchSize returns the number of messages handled per worker cycle.
func (q *RelayQueueConfig) GetBatchSize() int {
	if q.BatchSize <= 0 {
		return 100
	}
	return q.BatchSize
}

// GetConcurrency returns the number of parallel deliveries.
func (q *RelayQueueConfig) GetConcurrency() int {
	if q.Concurrency <= 0 {
		return 5
	}
	return q.Concurrency
}

// GetMaxAttempts returns the attempt limit before a message is parked in failed.
func (q *RelayQueueConfig) GetMaxAttempts() int {
	if q.MaxAttempts <= 0 {
		return 10
	}
	return q.MaxAttempts
}

// GetRetryBackoff parses the retry backoff durations
func (q *RelayQueueConfig) GetRetryBackoff() ([]time.Duration, error) {
	if len(q.RetryBackoff) == 0 {
		return []time.Duration{
			1 * time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			1 * time.Hour,
			6 * time.Hour,
			24 * time.Hour,
		}, nil
	}

	backoff := make([]time.Duration, 0, len(q.RetryBackoff))
	for _, b := range q.RetryBackoff {
		d, err := helpers.ParseDuration(b)
		if err != nil {
			return nil, err
		}
		backoff = append(backoff, d)
	}
	return backoff, nil
}

// GetCircuitBreakerThreshold returns the circuit breaker failure threshold with default
func (q *RelayQueueConfig) GetCircuitBreakerThreshold() int {
	if q.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return q.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout returns the circuit breaker timeout with default
func (q *RelayQueueConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if q.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(q.CircuitBreakerTimeout)
}

// GetCircuitBreakerMaxRequests returns the max requests in half-open state with default
func (q *RelayQueueConfig) GetCircuitBreakerMaxRequests() int {
	if q.CircuitBreakerMaxRequests <= 0 {
		return 3
	}
	return q.CircuitBreakerMaxRequests
}

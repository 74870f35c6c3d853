// Package delivery reinjects filtered messages into the next hop over SMTP.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/eaf/config"
	"github.com/migadu/eaf/consts"
	"github.com/migadu/eaf/helpers"
	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/circuitbreaker"
	"github.com/migadu/eaf/pkg/metrics"
)

// Delivery sources, used as metric labels.
const (
	SourceDirect = "direct"
	SourceQueue  = "queue"
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
// Temporary errors (4xx SMTP codes, network errors) can be retried.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a 5xx reply or a configuration
// problem that retrying cannot fix. Network errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// Envelope describes one reinjection.
type Envelope struct {
	From string
	To   []string
	// Source labels metrics: SourceDirect or SourceQueue.
	Source string
}

// Relay sends a message to the next hop.
type Relay interface {
	Send(ctx context.Context, env Envelope, data []byte) error
}

// SMTPRelay implements Relay with a go-smtp client behind a circuit breaker.
type SMTPRelay struct {
	host        string
	useTLS      bool
	useStartTLS bool
	tlsConfig   *tls.Config
	username    string
	password    string
	localName   string
	timeout     time.Duration
	breaker     *circuitbreaker.CircuitBreaker
}

// NewSMTPRelay builds the relay client. Returns consts.ErrRelayNotConfigured
// when no next hop is set.
func NewSMTPRelay(cfg config.RelayConfig) (*SMTPRelay, error) {
	if !cfg.IsConfigured() {
		return nil, consts.ErrRelayNotConfigured
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid relay timeout: %w", err)
	}
	cbTimeout, err := cfg.Queue.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid circuit breaker timeout: %w", err)
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !cfg.SMTPTLSVerify,
	}
	if host, _, err := net.SplitHostPort(cfg.SMTPHost); err == nil {
		tlsConfig.ServerName = host
	}
	if cfg.SMTPTLSCertFile != "" && cfg.SMTPTLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SMTPTLSCertFile, cfg.SMTPTLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load relay client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:             "smtp_relay",
		MaxRequests:      uint32(cfg.Queue.GetCircuitBreakerMaxRequests()),
		Timeout:          cbTimeout,
		FailureThreshold: uint32(cfg.Queue.GetCircuitBreakerThreshold()),
		IsSuccessful: func(err error) bool {
			// A 5xx reply means the next hop is up and judged the message.
			return err == nil || IsPermanentError(err)
		},
	})

	return &SMTPRelay{
		host:        cfg.SMTPHost,
		useTLS:      cfg.SMTPTLS,
		useStartTLS: cfg.SMTPUseStartTLS,
		tlsConfig:   tlsConfig,
		username:    cfg.SMTPUsername,
		password:    cfg.SMTPPassword,
		localName:   cfg.LocalName,
		timeout:     timeout,
		breaker:     breaker,
	}, nil
}

// CircuitBreaker returns the breaker guarding the next hop.
func (r *SMTPRelay) CircuitBreaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

// Send delivers data to every recipient in env in a single transaction.
func (r *SMTPRelay) Send(ctx context.Context, env Envelope, data []byte) error {
	source := env.Source
	if source == "" {
		source = SourceDirect
	}
	start := time.Now()

	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.send(ctx, env, data)
	})

	result := "success"
	switch {
	case err == nil:
	case circuitbreaker.IsRejection(err):
		result = "circuit_open"
		logger.Warn("Relay: circuit breaker is open, skipping delivery", "host", r.host)
	case IsPermanentError(err):
		result = "permanent_failure"
	default:
		result = "temporary_failure"
	}
	metrics.RelayDelivery.WithLabelValues(source, result).Inc()
	metrics.RelayDeliveryDuration.WithLabelValues(source, result).Observe(time.Since(start).Seconds())
	return err
}

func (r *SMTPRelay) send(ctx context.Context, env Envelope, data []byte) error {
	if len(env.To) == 0 {
		return &RelayError{Err: errors.New("no recipients"), Permanent: true}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if r.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.username, r.password)); err != nil {
			return &RelayError{Err: fmt.Errorf("relay authentication failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	from := env.From
	if from == helpers.NullSender {
		from = ""
	}
	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range env.To {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		// The message is already accepted.
		logger.Debug("Relay: failed to send QUIT", "error", err)
	}
	return nil
}

func (r *SMTPRelay) dial(ctx context.Context) (*smtp.Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if r.useTLS {
		d := &tls.Dialer{Config: r.tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", r.host)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", r.host)
	}
	if err != nil {
		return nil, &RelayError{Err: fmt.Errorf("failed to connect to relay %s: %w", r.host, err)}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var c *smtp.Client
	if r.useStartTLS {
		// The pre-TLS greeting uses go-smtp's default name; local_name is
		// sent in the EHLO that follows the handshake.
		c, err = smtp.NewClientStartTLS(conn, r.tlsConfig)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("STARTTLS with %s failed: %w", r.host, err), Permanent: IsPermanentError(err)}
		}
	} else {
		c = smtp.NewClient(conn)
	}
	if r.localName != "" {
		if err := c.Hello(r.localName); err != nil {
			c.Close()
			return nil, &RelayError{Err: fmt.Errorf("EHLO failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}
	return c, nil
}

// Package lmtp is the content-filter frontend. The MTA hands messages over
// LMTP; each message is filtered and reinjected into the next hop.
package lmtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/eaf/config"
	"github.com/migadu/eaf/filter"
	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/metrics"
	"github.com/migadu/eaf/server/delivery"
)

// quarantineTimeout bounds the background upload of one message's content.
const quarantineTimeout = 2 * time.Minute

// Spooler keeps messages the next hop did not take for later delivery.
type Spooler interface {
	Enqueue(from string, to []string, data []byte) (string, error)
}

// RelayWorkerNotifier wakes the queue worker after a message was spooled.
type RelayWorkerNotifier interface {
	NotifyQueued()
}

// Quarantine keeps filtered content. Implementations must tolerate being
// asked while disabled.
type Quarantine interface {
	StoresAttachments() bool
	StoresMessages() bool
	StoreAttachment(ctx context.Context, content []byte) (string, error)
	StoreMessage(ctx context.Context, raw []byte) (string, error)
}

type LMTPServerOptions struct {
	Processor *filter.Processor
	Relay     delivery.Relay
	// RelayQueue is optional. Without it a failed reinjection is answered
	// with a temporary error.
	RelayQueue  Spooler
	RelayWorker RelayWorkerNotifier
	Quarantine  Quarantine
}

type LMTPServerBackend struct {
	addr           string
	hostname       string
	server         *smtp.Server
	appCtx         context.Context
	tlsConfig      *tls.Config
	maxMessageSize int64

	deliveryMethod  filter.DeliveryMethod
	trustedNetworks []*net.IPNet
	mailboxNetworks []*net.IPNet

	processor   *filter.Processor
	relay       delivery.Relay
	relayQueue  Spooler
	relayWorker RelayWorkerNotifier
	quarantine  Quarantine

	// Background quarantine uploads; Close waits for them.
	uploads sync.WaitGroup

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

// New builds the LMTP backend from the listener configuration.
func New(appCtx context.Context, cfg config.LMTPServerConfig, options LMTPServerOptions) (*LMTPServerBackend, error) {
	if options.Processor == nil {
		return nil, fmt.Errorf("LMTP server requires a processor")
	}
	if options.Relay == nil {
		return nil, fmt.Errorf("LMTP server requires a relay to reinject messages")
	}

	maxSize, err := cfg.GetMaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("invalid max_message_size: %w", err)
	}
	trusted, err := config.ParseNetworks(cfg.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted_networks: %w", err)
	}
	mailbox, err := config.ParseNetworks(cfg.MailboxNetworks)
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox_networks: %w", err)
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	if !cfg.TLS && cfg.TLSUseStartTLS {
		logger.Warn("LMTP: tls_use_starttls ignored because tls is disabled")
		cfg.TLSUseStartTLS = false
	}

	backend := &LMTPServerBackend{
		addr:            cfg.Addr,
		hostname:        hostname,
		appCtx:          appCtx,
		maxMessageSize:  maxSize,
		deliveryMethod:  filter.ParseDeliveryMethod(cfg.GetDeliveryMethod()),
		trustedNetworks: trusted,
		mailboxNetworks: mailbox,
		processor:       options.Processor,
		relay:           options.Relay,
		relayQueue:      options.RelayQueue,
		relayWorker:     options.RelayWorker,
		quarantine:      options.Quarantine,
	}

	if cfg.TLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		backend.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ClientAuth:    tls.NoClientCert,
			ServerName:    hostname,
			NextProtos:    []string{"lmtp"},
			Renegotiation: tls.RenegotiateNever,
		}
	}

	s := smtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = hostname
	s.LMTP = true
	s.Network = "tcp"
	s.MaxMessageBytes = maxSize
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = 5 * time.Minute

	if cfg.TLSUseStartTLS && backend.tlsConfig != nil {
		s.TLSConfig = backend.tlsConfig
		logger.Debug("LMTP: StartTLS is enabled", "addr", cfg.Addr)
	}
	if cfg.Debug {
		s.Debug = os.Stdout
	}

	backend.server = s
	return backend, nil
}

func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func containsIP(networks []*net.IPNet, ip net.IP) bool {
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// isFromTrustedNetwork reports whether ip may use the listener. An empty
// trusted_networks list admits everyone.
func (b *LMTPServerBackend) isFromTrustedNetwork(ip net.IP) bool {
	if len(b.trustedNetworks) == 0 {
		return true
	}
	return ip != nil && containsIP(b.trustedNetworks, ip)
}

// methodFor returns the delivery method of messages submitted from ip.
func (b *LMTPServerBackend) methodFor(ip net.IP) filter.DeliveryMethod {
	if ip != nil && containsIP(b.mailboxNetworks, ip) {
		return filter.DeliveryMailbox
	}
	return b.deliveryMethod
}

func (b *LMTPServerBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := c.Conn().RemoteAddr()
	ip := remoteIP(remote)
	if !b.isFromTrustedNetwork(ip) {
		logger.Warn("LMTP: Connection rejected - not from trusted network", "ip", ip, "remote", remote)
		return nil, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "LMTP connections only allowed from trusted networks",
		}
	}

	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)

	b.totalConnections.Add(1)
	active := b.activeConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("lmtp").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("lmtp").Inc()

	s := newSession(b, sessionCtx, sessionCancel, ip, b.methodFor(ip))
	s.log("new session", "active", active, "delivery_method", s.method.String())
	return s, nil
}

// Start listens on the configured address and serves until Close.
func (b *LMTPServerBackend) Start(errChan chan error) {
	listener, err := net.Listen("tcp", b.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create LMTP listener: %w", err)
		return
	}

	if b.tlsConfig != nil && b.server.TLSConfig == nil {
		listener = tls.NewListener(listener, b.tlsConfig)
		logger.Info("LMTP server listening with TLS", "addr", b.addr)
	} else {
		logger.Info("LMTP server listening", "addr", b.addr, "starttls", b.server.TLSConfig != nil)
	}

	if err := b.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on l until the server is closed.
func (b *LMTPServerBackend) Serve(l net.Listener) error {
	err := b.server.Serve(l)
	if err == nil || errors.Is(err, smtp.ErrServerClosed) || b.appCtx.Err() != nil {
		logger.Info("LMTP server stopped gracefully", "addr", b.addr)
		return nil
	}
	return fmt.Errorf("LMTP server error: %w", err)
}

// Close stops the listener and waits for pending quarantine uploads.
func (b *LMTPServerBackend) Close() error {
	var err error
	if b.server != nil {
		err = b.server.Close()
	}
	b.uploads.Wait()
	return err
}

func (b *LMTPServerBackend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

func (b *LMTPServerBackend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}

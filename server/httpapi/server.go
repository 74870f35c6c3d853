// Package httpapi serves health, metrics and an offline scan endpoint that
// reports what the filter would do with a message without changing or
// delivering it.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/migadu/eaf/config"
	"github.com/migadu/eaf/filter"
	"github.com/migadu/eaf/helpers"
	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/mailmsg"
	"github.com/migadu/eaf/pkg/circuitbreaker"
	"github.com/migadu/eaf/pkg/metrics"
	"github.com/migadu/eaf/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QuarantineReader fetches quarantined objects by key.
type QuarantineReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// QueueStats reports the reinjection spool depth.
type QueueStats interface {
	GetStats() (pending, processing, failed int, err error)
}

// Server represents the HTTP API server
type Server struct {
	addr          string
	apiKey        string
	allowedHosts  []string
	maxUploadSize int64
	tls           bool
	tlsCertFile   string
	tlsKeyFile    string

	processor  *filter.Processor
	policies   *filter.PolicyStore
	quarantine QuarantineReader
	breaker    *circuitbreaker.CircuitBreaker
	queue      QueueStats

	server *http.Server
}

// ServerOptions holds the collaborators of the HTTP API server. Everything
// but Processor and Policies is optional.
type ServerOptions struct {
	Processor  *filter.Processor
	Policies   *filter.PolicyStore
	Quarantine QuarantineReader
	Breaker    *circuitbreaker.CircuitBreaker
	Queue      QueueStats
}

// New creates a new HTTP API server
func New(cfg config.HTTPAPIConfig, options ServerOptions) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if cfg.TLS && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	if options.Processor == nil || options.Policies == nil {
		return nil, fmt.Errorf("HTTP API server requires a processor and a policy store")
	}
	maxUpload, err := cfg.GetMaxUploadSize()
	if err != nil {
		return nil, fmt.Errorf("invalid max_upload_size: %w", err)
	}

	return &Server{
		addr:          cfg.Addr,
		apiKey:        cfg.APIKey,
		allowedHosts:  cfg.AllowedHosts,
		maxUploadSize: maxUpload,
		tls:           cfg.TLS,
		tlsCertFile:   cfg.TLSCertFile,
		tlsKeyFile:    cfg.TLSKeyFile,
		processor:     options.Processor,
		policies:      options.Policies,
		quarantine:    options.Quarantine,
		breaker:       options.Breaker,
		queue:         options.Queue,
	}, nil
}

// Start serves until ctx is cancelled. Failures other than shutdown are
// sent to errChan.
func (s *Server) Start(ctx context.Context, errChan chan error) {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	protocol := "HTTP"
	if s.tls {
		protocol = "HTTPS"
	}
	logger.Info("Starting API server", "protocol", protocol, "addr", s.addr)

	var err error
	if s.tls {
		err = s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.allowedHostsMiddleware)
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/scan", s.handleScan).Methods("POST")
	v1.HandleFunc("/quarantine/{kind}/{hash}", s.handleQuarantineGet).Methods("GET")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := net.ParseIP(getClientIP(r))
		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && clientIP != nil && cidr.Contains(clientIP) {
					allowed = true
					break
				}
			} else if ip := net.ParseIP(allowedHost); ip != nil && ip.Equal(clientIP) {
				allowed = true
				break
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

// getClientIP returns the address of the peer; forwarding headers are ignored.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Response types

type HealthResponse struct {
	Status           string          `json:"status"`
	PolicyGeneration uint64          `json:"policy_generation"`
	Relay            string          `json:"relay,omitempty"`
	Queue            *QueueDepthInfo `json:"queue,omitempty"`
}

type QueueDepthInfo struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

type AttachmentVerdict struct {
	Index    int    `json:"index"`
	FileName string `json:"file_name"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

type ScanResponse struct {
	MessageID        string              `json:"message_id"`
	Action           string              `json:"action"`
	Bypass           string              `json:"bypass,omitempty"`
	Subject          string              `json:"subject,omitempty"`
	PolicyGeneration uint64              `json:"policy_generation"`
	Attachments      []AttachmentVerdict `json:"attachments"`
	ParseError       string              `json:"parse_error,omitempty"`
	Error            string              `json:"error,omitempty"`
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if pol := s.policies.Load(); pol != nil {
		resp.PolicyGeneration = pol.Generation
	}
	if s.breaker != nil {
		state := s.breaker.State()
		resp.Relay = state.String()
		if state == circuitbreaker.StateOpen {
			resp.Status = "degraded"
		}
	}
	if s.queue != nil {
		pending, processing, failed, err := s.queue.GetStats()
		if err != nil {
			resp.Status = "degraded"
		} else {
			resp.Queue = &QueueDepthInfo{Pending: pending, Processing: processing, Failed: failed}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleScan evaluates the posted raw message. The envelope comes from the
// query string: sender, recipient (repeatable) and delivery_method.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Message exceeds max_upload_size")
			return
		}
		s.writeError(w, http.StatusBadRequest, "Failed to read message body")
		return
	}
	if len(raw) == 0 {
		s.writeError(w, http.StatusBadRequest, "Message body is required")
		return
	}

	q := r.URL.Query()
	method := filter.DeliverySMTP
	if m := q.Get("delivery_method"); m != "" {
		method = filter.ParseDeliveryMethod(m)
		if method == filter.DeliveryUnknown {
			s.writeError(w, http.StatusBadRequest, "delivery_method must be smtp, mailbox or file")
			return
		}
	}

	env := mailmsg.Envelope{
		ID:             uuid.NewString(),
		Sender:         helpers.EnvelopeSender(q.Get("sender")),
		Recipients:     q["recipient"],
		DeliveryMethod: method,
	}
	msg := mailmsg.Parse(raw, env)
	res := s.processor.Process(r.Context(), msg.Descriptor())

	resp := ScanResponse{
		MessageID:        env.ID,
		Action:           res.Action.String(),
		Bypass:           string(res.Bypass),
		Subject:          msg.Subject(),
		PolicyGeneration: res.PolicyGeneration,
		Attachments:      make([]AttachmentVerdict, 0, len(res.Attachments)),
	}
	if perr := msg.ParseError(); perr != nil {
		resp.ParseError = perr.Error()
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	for _, a := range res.Attachments {
		resp.Attachments = append(resp.Attachments, AttachmentVerdict{
			Index:    a.Index,
			FileName: a.FileName,
			Status:   a.Verdict.Status.String(),
			Reason:   a.Verdict.Reason,
		})
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuarantineGet(w http.ResponseWriter, r *http.Request) {
	if s.quarantine == nil {
		s.writeError(w, http.StatusNotFound, "Quarantine is not enabled")
		return
	}

	vars := mux.Vars(r)
	kind, hash := vars["kind"], strings.ToLower(vars["hash"])
	if kind != storage.KindAttachment && kind != storage.KindMessage {
		s.writeError(w, http.StatusBadRequest, "kind must be attachments or messages")
		return
	}
	if _, err := hex.DecodeString(hash); err != nil || len(hash) != 64 {
		s.writeError(w, http.StatusBadRequest, "hash must be 64 hex characters")
		return
	}

	data, err := s.quarantine.Get(r.Context(), helpers.NewQuarantineKey(kind, hash))
	if err != nil {
		logger.Warn("HTTP API: quarantine fetch failed", "kind", kind, "hash", hash, "error", err)
		s.writeError(w, http.StatusNotFound, "Object not found")
		return
	}

	contentType := "application/octet-stream"
	if kind == storage.KindMessage {
		contentType = "message/rfc822"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

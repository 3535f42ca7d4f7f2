package api

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmax-ai/genbroker/pkg/credential"
	"github.com/rmax-ai/genbroker/pkg/limiter"
	"github.com/rmax-ai/genbroker/pkg/pool"
	"github.com/rmax-ai/genbroker/pkg/progress"
	"github.com/rmax-ai/genbroker/pkg/stats"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

// DefaultAddr is used when Options.Addr is empty.
const DefaultAddr = "127.0.0.1:8095"

// CredentialPool is the part of the pool the HTTP surface drives.
type CredentialPool interface {
	AddCredential(ctx context.Context, rec credential.Record) (credential.Credential, error)
	Import(ctx context.Context, recs []credential.Record) pool.ImportReport
	Acquire(ctx context.Context, tier credential.Tier) (pool.Lease, error)
	MarkUsed(ctx context.Context, l pool.Lease) error
	MarkFailed(ctx context.Context, l pool.Lease, reason credential.FailureReason) error
	Extend(ctx context.Context, l pool.Lease) (pool.Lease, error)
	Remove(ctx context.Context, id string) error
	SetHealth(ctx context.Context, id string, h credential.Health) error
	Get(id string) (credential.Credential, bool)
	List() []credential.Credential
}

// ProgressBroker is the part of the broker the HTTP surface drives.
type ProgressBroker interface {
	Publish(ctx context.Context, u progress.Update) error
	Subscribe(ctx context.Context, jobID string, sink progress.Sink) (*progress.Subscription, error)
	Snapshot(ctx context.Context, jobID string) (progress.Update, bool, error)
}

// Options configures a Server.
type Options struct {
	Addr    string
	Version string
	// AdminToken guards credential management and progress publication.
	// Empty leaves those endpoints open.
	AdminToken string
	// ClientToken guards acquire, extend and report, which the admin token
	// also opens. With neither token set those endpoints are open.
	ClientToken string
	// AcquireLimiter throttles POST /v1/credentials/acquire per client address.
	// Nil disables throttling.
	AcquireLimiter limiter.Limiter
	Logger         *slog.Logger
}

// Server encapsulates the HTTP API server
type Server struct {
	pool      CredentialPool
	stats     *stats.Reporter
	broker    ProgressBroker
	limiter   limiter.Limiter
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	version   string
	adminKey  []byte
	clientKey []byte

	// TLS Config
	tlsCertFile string
	tlsKeyFile  string
}

// NewServer creates a new API server instance
func NewServer(p CredentialPool, reporter *stats.Reporter, broker ProgressBroker, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		pool:    p,
		stats:   reporter,
		broker:  broker,
		limiter: opts.AcquireLimiter,
		logger:  logger,
		version: opts.Version,
	}
	if opts.AdminToken != "" {
		s.adminKey = hashToken(opts.AdminToken)
	}
	if opts.ClientToken != "" {
		s.clientKey = hashToken(opts.ClientToken)
	}

	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/credentials", s.withAdmin(s.handleListCredentials))
	mux.HandleFunc("POST /v1/credentials", s.withAdmin(s.handleAddCredential))
	mux.HandleFunc("POST /v1/credentials/import", s.withAdmin(s.handleImport))
	mux.HandleFunc("DELETE /v1/credentials/{id}", s.withAdmin(s.handleRemoveCredential))
	mux.HandleFunc("PUT /v1/credentials/{id}/health", s.withAdmin(s.handleSetHealth))
	mux.HandleFunc("POST /v1/credentials/acquire", s.withClient(s.withRateLimit(s.handleAcquire)))
	mux.HandleFunc("POST /v1/credentials/extend", s.withClient(s.handleExtend))
	mux.HandleFunc("POST /v1/credentials/report", s.withClient(s.handleReport))
	mux.HandleFunc("GET /v1/pool/stats", s.handleStats)

	mux.HandleFunc("POST /v1/jobs/{id}/progress", s.withAdmin(s.handlePublish))
	mux.HandleFunc("GET /v1/jobs/{id}/status", s.handleJobStatus)
	mux.HandleFunc("GET /v1/ws", s.handleWS)

	// Middleware: Logging, Panic Recovery, Security Headers
	s.handler = s.withLogging(s.withRecovery(withSecureHeaders(mux)))

	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	// No WriteTimeout: websocket connections are long lived and manage
	// their own write deadlines.
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	var err error
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		s.logger.Info("server starting", "addr", s.server.Addr, "tls", true)
		err = s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	} else {
		s.logger.Info("server starting", "addr", s.server.Addr)
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: s.version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError answers {"error":code} with an optional human readable message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// Middleware: Admin token
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.withToken(next, s.adminKey)
}

// Middleware: Client or admin token
func (s *Server) withClient(next http.HandlerFunc) http.HandlerFunc {
	return s.withToken(next, s.clientKey, s.adminKey)
}

// withToken admits requests bearing any of keys. With no keys configured
// the route is open.
func (s *Server) withToken(next http.HandlerFunc, keys ...[]byte) http.HandlerFunc {
	var accepted [][]byte
	for _, k := range keys {
		if k != nil {
			accepted = append(accepted, k)
		}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if len(accepted) == 0 {
			next(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing token")
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token format")
			return
		}

		sum := hashToken(token)
		for _, k := range accepted {
			if subtle.ConstantTimeCompare(sum, k) == 1 {
				next(w, r)
				return
			}
		}
		writeError(w, http.StatusForbidden, "forbidden", "invalid token")
	}
}

// Middleware: Rate limit per client address. Limiters that can report their
// budget also set X-RateLimit-Remaining and, once exhausted, Retry-After.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next(w, r)
			return
		}

		key := clientKey(r)
		allowed := s.limiter.TryConsume(r.Context(), key)
		if rep, ok := s.limiter.(limiter.Reporter); ok {
			if left, reset, err := rep.Remaining(r.Context(), key); err == nil {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(left))
				if !allowed && reset > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(reset.Seconds()))))
				}
			}
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate_limited", limiter.ErrRateLimited.Error())
			return
		}
		next(w, r)
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware: Panic Recovery
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "trace_id", getTraceID(r.Context()), "error", fmt.Sprint(err))
				writeError(w, http.StatusInternalServerError, "internal_server_error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}

		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		// Wrap writer to capture status code
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

func hashToken(token string) []byte {
	hash := sha256.Sum256([]byte(token))
	return hash[:]
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// internal/server/mux.go
// Package server implements the HTTP API of the marketplace daemon.
// Reads are public; mutating, access and download endpoints need a wallet session JWT whose
// subject is an address the daemon holds a signer for.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/datamarket/datamarket-go/internal/catalog"
	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/jwks"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/market"
	"github.com/datamarket/datamarket-go/internal/metrics"
	"github.com/datamarket/datamarket-go/internal/profile"
	"github.com/datamarket/datamarket-go/internal/publish"
	"github.com/datamarket/datamarket-go/internal/source"
	"github.com/datamarket/datamarket-go/internal/storage"
	"github.com/datamarket/datamarket-go/internal/wallet"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyAddress       ContextKey = "address"       // Wallet address from the session JWT
	ContextKeySigner        ContextKey = "signer"        // Signer held for that address
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Default limits for list operations
	DefaultListLimit = storage.DefaultPageSize
	MaxListLimit     = storage.MaxPageSize

	maxJSONBody    = 1 << 20
	idempotencyTTL = 24 * time.Hour
)

// access is the authentication a route requires.
type access int

const (
	public  access = iota // No credentials
	session               // Valid wallet session
	signing               // Valid session and a signer in the keystore
)

// Deps are the services the API exposes.
type Deps struct {
	Source   source.Source
	Catalog  *catalog.Catalog
	Profiles *profile.Service
	Jobs     *publish.Tracker
	Limits   publish.Limits
	Market   *market.Flow
	Store    storage.Store    // Idempotent responses
	Journal  *storage.Journal // Activity listing
	Keystore *wallet.Keystore
	JWKS     *jwks.Client

	JWTIssuer          string
	JWTAudience        string
	Network            string // Explorer network name
	CORSAllowedOrigins []string
}

// Mux handles HTTP requests for the marketplace daemon.
type Mux struct {
	mux     *http.ServeMux
	deps    Deps
	metrics *metrics.Metrics
}

// NewMux creates the HTTP handler with every endpoint registered.
// Parameters:
//   - d: Services and settings; Store and Journal must be set
// Returns:
//   - *Mux: Handler applying CORS before routing
func NewMux(d Deps) *Mux {
	m := &Mux{
		mux:     http.NewServeMux(),
		deps:    d,
		metrics: metrics.NewMetrics(),
	}

	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	m.handle("GET /v1/profiles/{address}", public, m.handleGetProfile)
	m.handle("POST /v1/profiles", signing, m.idempotent(m.handleCreateProfile))
	m.handle("PATCH /v1/profiles/me", signing, m.handleUpdateProfile)
	m.handle("PUT /v1/profiles/me/username", signing, m.handleUpdateUsername)

	m.handle("GET /v1/marketplace", public, m.handleMarketplace)
	m.handle("GET /v1/datasets/{id}", public, m.handleDatasetDetail)
	m.handle("GET /v1/accounts/{address}/datasets", public, m.handleAccountDatasets)

	m.handle("POST /v1/publish", signing, m.idempotent(m.handlePublish))
	m.handle("GET /v1/publish/{job}", signing, m.handleGetJob)
	m.handle("DELETE /v1/publish/{job}", signing, m.handleDiscardJob)

	m.handle("POST /v1/listings", signing, m.idempotent(m.handleCreateListing))
	m.handle("PATCH /v1/listings/{id}", signing, m.handleUpdateListing)
	m.handle("DELETE /v1/listings/{id}", signing, m.handleDelist)
	m.handle("GET /v1/listings/{id}/quote", public, m.handleQuote)
	m.handle("POST /v1/purchases", signing, m.idempotent(m.handlePurchase))

	m.handle("GET /v1/datasets/{id}/access", signing, m.handleAccess)
	m.handle("GET /v1/datasets/{id}/download", signing, m.handleDownload)
	m.handle("GET /v1/datasets/{id}/download-url", signing, m.handleDownloadURL)

	m.handle("GET /v1/activity", session, m.handleActivity)
	m.handle("GET /v1/blobs/{id}", public, m.handleBlob)

	return m
}

// ServeHTTP answers CORS preflight requests and routes everything else.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	allowed := m.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		if allowed {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-Correlation-Id")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	m.mux.ServeHTTP(w, r)
}

// setCORSHeaders echoes an allowed origin. An empty allow-list denies all origins.
func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, o := range m.deps.CORSAllowedOrigins {
		if o == "*" || o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			return true
		}
	}
	return false
}

// statusRecorder remembers the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// handle registers h behind the common middleware: correlation id, tracing, authentication,
// metrics and request logging.
func (m *Mux) handle(pattern string, level access, h http.HandlerFunc) {
	path := pattern[strings.Index(pattern, " ")+1:]
	m.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-Id", correlationID)

		ctx, span := otel.Tracer("marketd").Start(r.Context(), pattern)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", path),
			attribute.String("correlation_id", correlationID),
		)
		ctx = context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w}
		if level != public {
			var err error
			if r, err = m.authenticate(r, level); err != nil {
				m.fail(rec, r, err)
			}
		}
		if rec.status == 0 {
			h(rec, r)
		}
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		status := rec.status
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		labels := []string{r.Method, path, strconv.Itoa(status)}
		m.metrics.HTTPRequestTotal.WithLabelValues(labels...).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		m.logRequest(r, status, time.Since(start), correlationID, rec.err)
	})
}

// authenticate validates the bearer session and, for signing routes, resolves the signer.
func (m *Mux) authenticate(r *http.Request, level access) (*http.Request, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return r, errordefs.New(errordefs.MKT_AUTHN, "missing Authorization header", "")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return r, errordefs.New(errordefs.MKT_AUTHN, "invalid Authorization header format", "")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	sess, err := m.deps.JWKS.ValidateSession(r.Context(), tokenString, m.deps.JWTIssuer, m.deps.JWTAudience)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return r, errordefs.Wrap(errordefs.MKT_JWT_EXPIRED, err, "JWT token expired")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return r, errordefs.Wrap(errordefs.MKT_JWT_MALFORMED, err, "malformed JWT")
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return r, errordefs.Wrap(errordefs.MKT_JWT_INVALID, err, "invalid JWT issuer")
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return r, errordefs.Wrap(errordefs.MKT_JWT_INVALID, err, "invalid JWT audience")
		default:
			return r, errordefs.Wrap(errordefs.MKT_JWT_INVALID, err, "invalid JWT")
		}
	}

	ctx := context.WithValue(r.Context(), ContextKeyAddress, sess.Address)
	if level == signing {
		signer, ok := m.deps.Keystore.Signer(sess.Address)
		if !ok {
			return r, errordefs.Errorf(errordefs.MKT_WALLET_REQUIRED, "Wallet %s is not connected", sess.Address)
		}
		ctx = context.WithValue(ctx, ContextKeySigner, ledger.Signer(signer))
	}
	return r.WithContext(ctx), nil
}

func addressFrom(r *http.Request) string {
	a, _ := r.Context().Value(ContextKeyAddress).(string)
	return a
}

func signerFrom(r *http.Request) ledger.Signer {
	s, _ := r.Context().Value(ContextKeySigner).(ledger.Signer)
	return s
}

func correlationFrom(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return id
}

// bufferedResponse captures a response so it can be stored for replay.
type bufferedResponse struct {
	header http.Header
	status int
	body   []byte
	err    error
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	b.body = append(b.body, p...)
	return len(p), nil
}

// idempotent replays the stored response of a previous successful request carrying the
// same Idempotency-Key from the same wallet on the same route.
func (m *Mux) idempotent(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			h(w, r)
			return
		}
		sum := sha256.Sum256([]byte(addressFrom(r) + "\n" + r.Method + " " + r.URL.Path + "\n" + key))
		keyHash := hex.EncodeToString(sum[:])

		if body, status, err := m.deps.Store.GetIdempotentResponse(r.Context(), keyHash); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(status)
			_, _ = w.Write(body)
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("idempotency lookup failed", "error", err)
		}

		buf := &bufferedResponse{header: w.Header()}
		h(buf, r)
		if buf.status == 0 {
			buf.status = http.StatusOK
		}
		if rec, ok := w.(*statusRecorder); ok && buf.err != nil {
			rec.err = buf.err
		}
		if buf.status < http.StatusMultipleChoices {
			if err := m.deps.Store.StoreIdempotentResponse(r.Context(), keyHash, buf.body, buf.status, time.Now().UTC().Add(idempotencyTTL)); err != nil {
				slog.Warn("failed to store idempotent response", "error", err)
			}
		}
		w.WriteHeader(buf.status)
		_, _ = w.Write(buf.body)
	}
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errordefs.NewWithDetails(errordefs.MKT_BAD_REQUEST, "invalid JSON", "", err.Error())
	}
	return nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	body := map[string]interface{}{
		"code":    err.Code,
		"kind":    err.Kind(),
		"message": err.Message,
	}
	if err.CorrelationID != "" {
		body["correlationId"] = err.CorrelationID
	}
	if err.Details != nil {
		body["details"] = err.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// fail maps err onto the error taxonomy and writes it. Uncoded errors are reported as
// internal without their text.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch rec := w.(type) {
	case *statusRecorder:
		rec.err = err
	case *bufferedResponse:
		rec.err = err
	}
	var def *errordefs.Error
	if e, ok := errordefs.As(err); ok {
		def = e.WithCorrelationID(correlationFrom(r))
	} else {
		switch {
		case errors.Is(err, storage.ErrInvalidCursor):
			def = errordefs.New(errordefs.MKT_CURSOR_INVALID, err.Error(), correlationFrom(r))
		case errors.Is(err, storage.ErrNotFound):
			def = errordefs.New(errordefs.MKT_NOT_FOUND, "not found", correlationFrom(r))
		case errors.Is(err, context.DeadlineExceeded):
			def = errordefs.New(errordefs.MKT_NETWORK, "request timed out", correlationFrom(r))
		default:
			def = errordefs.New(errordefs.MKT_INTERNAL, "internal error", correlationFrom(r))
		}
	}
	m.writeErrorDef(w, def)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if address := addressFrom(r); address != "" {
		attrs = append(attrs, slog.String("address", address))
	}

	switch {
	case err != nil && status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	default:
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the ledger, content store and journal answer.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.deps.Source.Ready(ctx); err != nil {
		slog.Warn("readiness check failed", "source", m.deps.Source.Name(), "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if err := m.deps.Store.Ping(ctx); err != nil {
		slog.Warn("readiness check failed", "component", "journal", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

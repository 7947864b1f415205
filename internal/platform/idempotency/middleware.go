package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	// ReplayHeader marks responses served from a stored record.
	ReplayHeader = "X-Idempotent-Replay"
)

// Logger abstracts the logging dependency used inside the middleware.
type Logger interface {
	Printf(format string, args ...any)
}

// MiddlewareOption customises the submit guard.
type MiddlewareOption func(*guard)

// WithHeader overrides the header carrying the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL configures how long reservations and stored responses are kept.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithOptionalKey lets requests without the header through unguarded instead of rejecting them.
func WithOptionalKey() MiddlewareOption {
	return func(g *guard) { g.optional = true }
}

// WithLogger injects a logger for store failures.
func WithLogger(logger Logger) MiddlewareOption {
	return func(g *guard) { g.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.now = clock
		}
	}
}

type guard struct {
	store    Store
	next     http.Handler
	header   string
	ttl      time.Duration
	optional bool
	now      func() time.Time
	logger   Logger
}

// Middleware guards an order submit endpoint against repeated deliveries of one key. A completed
// submit is replayed, a submit still in flight is acknowledged with 202 {"status":"ignored"} like
// any other duplicate, and a key reused for a different body is a conflict. Keys are scoped to the
// caller's forwarded credential so two customers never collide.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	base := guard{store: store, header: defaultHeaderName, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&base)
		}
	}
	return func(next http.Handler) http.Handler {
		g := base
		g.next = next
		return &g
	}
}

func (g *guard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(g.header))
	if key == "" {
		if g.optional {
			g.next.ServeHTTP(w, r)
			return
		}
		writeProblem(w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
		return
	}

	body, err := bufferBody(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "idempotency_read_body_failed", "unable to read request body")
		return
	}
	identity := requesterIdentity(r.Context())
	scoped := scopedKey(key, identity)
	fingerprint := requestFingerprint(r, body, identity)

	reservation, err := g.store.Reserve(r.Context(), scoped, fingerprint, g.now().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		writeProblem(w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		g.logf("idempotency: reserve %s: %v", key, err)
		writeProblem(w, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
		return
	}

	switch reservation.State {
	case ReservationStateCompleted:
		replay(w, reservation.Record)
	case ReservationStatePending:
		writeIgnored(w)
	default:
		g.serve(w, r, key, scoped, fingerprint)
	}
}

// serve runs the submit and stores its answer. Server errors are not kept so the customer may
// retry with the same key.
func (g *guard) serve(w http.ResponseWriter, r *http.Request, key, scoped, fingerprint string) {
	rec := &recorder{header: make(http.Header)}
	g.next.ServeHTTP(rec, r)
	resp := rec.response()

	if resp.Status >= http.StatusInternalServerError {
		g.release(r.Context(), key, scoped, fingerprint)
		g.flush(rec, w, key)
		return
	}
	if err := g.store.SaveResponse(r.Context(), scoped, fingerprint, resp, g.now().UTC(), g.ttl); err != nil {
		g.logf("idempotency: save %s: %v", key, err)
		g.release(r.Context(), key, scoped, fingerprint)
		writeProblem(w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}
	g.flush(rec, w, key)
}

func (g *guard) release(ctx context.Context, key, scoped, fingerprint string) {
	if err := g.store.Release(ctx, scoped, fingerprint); err != nil {
		g.logf("idempotency: release %s: %v", key, err)
	}
}

func (g *guard) flush(rec *recorder, w http.ResponseWriter, key string) {
	if err := rec.copyTo(w); err != nil {
		g.logf("idempotency: write response for %s: %v", key, err)
	}
}

func (g *guard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestFingerprint(r *http.Request, body []byte, identity string) string {
	parts := []string{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), identity}
	if len(body) > 0 {
		parts = append(parts, sha256Hex(body))
	}
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

func requesterIdentity(ctx context.Context) string {
	if token := requestctx.AuthToken(ctx); token != "" {
		return sha256Hex([]byte(token))[:32]
	}
	return "anonymous"
}

func scopedKey(key, identity string) string {
	return strings.TrimSpace(key) + "|" + identity
}

func replay(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name, values := range headersFromRecord(record.ResponseHeaders) {
		header[name] = values
	}
	header.Set(ReplayHeader, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

func writeIgnored(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
}

type problem struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, problem{Error: code, Message: message, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// recorder buffers the submit response until it has been stored.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(data []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	return r.body.Write(data)
}

func (r *recorder) response() Response {
	status := r.status
	if status <= 0 {
		status = http.StatusOK
	}
	var body []byte
	if r.body.Len() > 0 {
		body = bytes.Clone(r.body.Bytes())
	}
	return Response{Status: status, Headers: r.header.Clone(), Body: body}
}

func (r *recorder) copyTo(w http.ResponseWriter) error {
	resp := r.response()
	for name, values := range resp.Headers {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err := w.Write(resp.Body)
	return err
}

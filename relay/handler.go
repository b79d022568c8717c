package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pipebridge/relay/bus"
	"github.com/pipebridge/relay/engine"
	"github.com/pipebridge/relay/internal/jsonrpc"
	"github.com/pipebridge/relay/internal/logctx"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	defaultRequestTimeout = 30 * time.Second
)

// EngineControl is the slice of the engine supervisor the handler needs:
// write a request line and observe liveness. *engine.Engine satisfies it.
type EngineControl interface {
	Send(ctx context.Context, line []byte) error
	Running() bool
}

// writeJSONError emits a minimal JSON error body for HTTP-layer rejections.
// This is transport-level, not JSON-RPC framing.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger used by the handler. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithRequestTimeout bounds how long POST /rpc waits for a matching engine
// response before failing with 504.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.requestTimeout = d
		}
	}
}

// WithAuthSecret enables bearer authentication. Requests must present an
// HS256 JWT signed with the secret. Empty leaves the handler open, matching
// a relay deployed behind a trusted edge.
func WithAuthSecret(secret []byte) Option {
	return func(h *Handler) {
		if len(secret) > 0 {
			h.authSecret = secret
		}
	}
}

// Handler exposes the engine over HTTP: a server-push event stream of every
// engine message, a request/response endpoint, and a health probe.
//
//	GET  /events   SSE broadcast of engine output
//	POST /rpc      one JSON-RPC request, correlated response or timeout
//	GET  /healthz  engine liveness + subscriber count
type Handler struct {
	mux            *http.ServeMux
	log            *slog.Logger
	bus            bus.Bus
	eng            EngineControl
	requestTimeout time.Duration
	authSecret     []byte
}

// New creates a relay Handler over the given bus and engine.
func New(b bus.Bus, eng EngineControl, opts ...Option) (*Handler, error) {
	if b == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}

	h := &Handler{
		log:            slog.Default(),
		bus:            b,
		eng:            eng,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", h.handleEvents)
	mux.HandleFunc("OPTIONS /events", h.handleOptions)
	mux.HandleFunc("POST /rpc", h.handleRPC)
	mux.HandleFunc("OPTIONS /rpc", h.handleOptions)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux = mux

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})))
}

// setCORS mirrors the permissive policy of the original deployment: the
// relay is expected to sit on a private network or behind bearer auth.
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Last-Event-ID")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// checkAuthentication validates the bearer token when auth is configured.
// Returns false after writing the 401 challenge.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	if len(h.authSecret) == 0 {
		return true
	}

	raw := r.Header.Get(authorizationHeader)
	const prefix = "Bearer "
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		w.Header().Set(wwwAuthenticateHeader, `Bearer error="invalid_request"`)
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		h.log.InfoContext(ctx, "auth.token.missing")
		return false
	}

	token, err := jwt.Parse(strings.TrimSpace(raw[len(prefix):]), func(t *jwt.Token) (any, error) {
		return h.authSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		w.Header().Set(wwwAuthenticateHeader, `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid bearer token")
		h.log.InfoContext(ctx, "auth.token.invalid")
		return false
	}

	return true
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and a
// context. It serializes writes/flushes and avoids writing after ctx ends.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// handleEvents serves the long-lived SSE broadcast. Every engine message is
// pushed as one event; the connection stays open until the client goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	setCORS(w)

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	subID := uuid.NewString()
	ctx = logctx.WithSubscriberData(ctx, &logctx.SubscriberData{SubscriberID: subID})

	stream, err := h.bus.Subscribe(ctx, r.Header.Get(lastEventIDHeader))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "subscribe.fail", slog.String("err", err.Error()))
		return
	}
	// The queue must leave the registry on every exit path.
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.Int("subscribers", h.bus.Subscribers()))

	hello, _ := json.Marshal(map[string]any{"type": "connected", "subscribers": h.bus.Subscribers()})
	if err := writeSSEEvent(wf, "", hello); err != nil {
		h.log.InfoContext(ctx, "sse.hello.fail", slog.String("err", err.Error()))
		return
	}

	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				h.log.InfoContext(ctx, "sse.stream.disconnect")
			} else if errors.Is(err, io.EOF) {
				h.log.InfoContext(ctx, "sse.stream.closed")
			} else {
				h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			}
			break
		}
		if err := writeSSEEvent(wf, env.ID, env.Data); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			break
		}
		h.log.DebugContext(ctx, "sse.message.deliver", slog.String("event_id", env.ID))
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleRPC accepts one JSON-RPC request, forwards it to the engine, and
// waits for the correlated response. Requests are matched by JSON-RPC id:
// broadcast traffic for other callers is observed and skipped, so concurrent
// callers do not cross-talk.
func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	setCORS(w)

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	if msg.Method == "" {
		writeJSONError(w, http.StatusBadRequest, "expected a JSON-RPC request or notification")
		h.log.WarnContext(ctx, "jsonrpc.message.not_request")
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	// The engine protocol is one message per line. Client formatting (e.g.
	// a pretty-printed body with embedded newlines) must not leak onto the
	// shared stdin, so the body is compacted before writing.
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.compact.fail", slog.String("err", err.Error()))
		return
	}
	line := compacted.Bytes()

	// Notifications carry no id and therefore have no response to wait for.
	if msg.ID.IsNil() {
		if err := h.eng.Send(ctx, line); err != nil {
			h.failSend(ctx, w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "rpc.notify.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	// Register the private queue before writing so a fast engine reply
	// cannot slip past the broadcast.
	stream, err := h.bus.Subscribe(ctx, "")
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to register response queue")
		h.log.ErrorContext(ctx, "subscribe.fail", slog.String("err", err.Error()))
		return
	}
	// The queue must leave the registry on every exit path.
	defer stream.Close()

	if err := h.eng.Send(ctx, line); err != nil {
		h.failSend(ctx, w, err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.requestTimeout)
	defer cancel()

	for {
		env, err := stream.Next(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				writeJSONError(w, http.StatusGatewayTimeout, "timed out waiting for engine response")
				h.log.WarnContext(ctx, "rpc.timeout", slog.Duration("dur", time.Since(start)))
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				writeJSONError(w, http.StatusServiceUnavailable, "engine stream closed")
				h.log.InfoContext(ctx, "rpc.stream.closed")
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "failed to read engine response")
			h.log.ErrorContext(ctx, "rpc.read.fail", slog.String("err", err.Error()))
			return
		}

		var reply jsonrpc.AnyMessage
		if err := json.Unmarshal(env.Data, &reply); err != nil {
			// Broadcast traffic is not guaranteed to be strict JSON-RPC;
			// ignore anything that is not.
			continue
		}
		if !reply.IsResponseTo(msg.ID) {
			continue
		}

		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(env.Data); err != nil {
			h.log.InfoContext(ctx, "rpc.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "rpc.ok", slog.Duration("dur", time.Since(start)))
		return
	}
}

func (h *Handler) failSend(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrUnavailable) {
		writeJSONError(w, http.StatusServiceUnavailable, "engine is not running")
		h.log.WarnContext(ctx, "rpc.engine.unavailable")
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "failed to write to engine")
	h.log.ErrorContext(ctx, "rpc.send.fail", slog.String("err", err.Error()))
}

// handleHealth reports engine liveness and the current subscriber count.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	running := h.eng.Running()
	status := "healthy"
	code := http.StatusOK
	if !running {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         status,
		"engine_running": running,
		"subscribers":    h.bus.Subscribers(),
	})
}

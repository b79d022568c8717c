package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	busmemory "github.com/pipebridge/relay/bus/memory"
	"github.com/pipebridge/relay/engine"
	"github.com/pipebridge/relay/internal/jsonrpc"
)

// fakeEngine satisfies EngineControl. onSend, when set, observes every
// written line and can publish fabricated engine output.
type fakeEngine struct {
	running bool
	sendErr error
	onSend  func(ctx context.Context, line []byte)
}

func (f *fakeEngine) Send(ctx context.Context, line []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.onSend != nil {
		f.onSend(ctx, line)
	}
	return nil
}

func (f *fakeEngine) Running() bool { return f.running }

func newTestHandler(t *testing.T, b *busmemory.Bus, eng EngineControl, opts ...Option) *Handler {
	t.Helper()
	h, err := New(b, eng, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func postRPC(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRPCCorrelatesResponseByID(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	want := `{"jsonrpc":"2.0","id":7,"result":{"answer":42}}`
	eng := &fakeEngine{
		running: true,
		onSend: func(ctx context.Context, line []byte) {
			go func() {
				// Broadcast noise for another caller first, then the
				// correlated response.
				_, _ = b.Publish(context.Background(), jsonrpc.Message(`{"jsonrpc":"2.0","method":"progress","params":{"pct":50}}`))
				_, _ = b.Publish(context.Background(), jsonrpc.Message(`{"jsonrpc":"2.0","id":99,"result":"someone else"}`))
				_, _ = b.Publish(context.Background(), jsonrpc.Message(want))
			}()
		},
	}
	h := newTestHandler(t, b, eng)

	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":7,"method":"compute","params":{}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
}

func TestRPCStringAndNumberIDsCorrelate(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	want := `{"jsonrpc":"2.0","id":"req-abc","result":null}`
	eng := &fakeEngine{
		running: true,
		onSend: func(ctx context.Context, line []byte) {
			go func() {
				_, _ = b.Publish(context.Background(), jsonrpc.Message(want))
			}()
		},
	}
	h := newTestHandler(t, b, eng)

	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":"req-abc","method":"ping"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
}

func TestRPCTimesOutAndUnregisters(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	eng := &fakeEngine{running: true}
	h := newTestHandler(t, b, eng, WithRequestTimeout(50*time.Millisecond))

	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":1,"method":"hang"}`)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if got := b.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() after timeout = %d, want 0", got)
	}
}

func TestRPCEngineUnavailable(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	eng := &fakeEngine{running: false, sendErr: engine.ErrUnavailable}
	h := newTestHandler(t, b, eng)

	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := b.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() after failure = %d, want 0", got)
	}

	var parsed struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if parsed.Error.Code != http.StatusServiceUnavailable {
		t.Fatalf("error code = %d, want 503", parsed.Error.Code)
	}
}

func TestRPCNotificationAccepted(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	var sent []byte
	eng := &fakeEngine{
		running: true,
		onSend:  func(ctx context.Context, line []byte) { sent = append([]byte(nil), line...) },
	}
	h := newTestHandler(t, b, eng)

	body := `{"jsonrpc":"2.0","method":"notify/progress","params":{"pct":10}}`
	rec := postRPC(t, h, body)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rec.Code, rec.Body.String())
	}
	if string(sent) != body {
		t.Fatalf("engine received %q, want %q", sent, body)
	}
	if got := b.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() after notification = %d, want 0", got)
	}
}

func TestRPCCompactsBodyBeforeWritingToEngine(t *testing.T) {
	// The engine reads one message per line; a pretty-printed client body
	// must reach it as a single compact line.
	b := busmemory.New()
	defer b.Close()

	sent := make(chan []byte, 1)
	eng := &fakeEngine{
		running: true,
		onSend: func(ctx context.Context, line []byte) {
			sent <- append([]byte(nil), line...)
			go func() {
				_, _ = b.Publish(context.Background(), jsonrpc.Message(`{"jsonrpc":"2.0","id":1,"result":"pong"}`))
			}()
		},
	}
	h := newTestHandler(t, b, eng)

	pretty := "{\n  \"jsonrpc\": \"2.0\",\n  \"id\": 1,\n  \"method\": \"ping\"\n}"
	rec := postRPC(t, h, pretty)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	line := <-sent
	if bytes.ContainsRune(line, '\n') {
		t.Fatalf("engine received embedded newlines: %q", line)
	}
	if want := `{"jsonrpc":"2.0","id":1,"method":"ping"}`; string(line) != want {
		t.Fatalf("engine received %q, want %q", line, want)
	}

	// Same guarantee for notifications.
	prettyNotify := "{\n  \"jsonrpc\": \"2.0\",\n  \"method\": \"notify/tick\"\n}"
	rec = postRPC(t, h, prettyNotify)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("notification status = %d, want 202; body: %s", rec.Code, rec.Body.String())
	}
	line = <-sent
	if bytes.ContainsRune(line, '\n') {
		t.Fatalf("engine received embedded newlines: %q", line)
	}
	if want := `{"jsonrpc":"2.0","method":"notify/tick"}`; string(line) != want {
		t.Fatalf("engine received %q, want %q", line, want)
	}
}

func TestRPCRejectsBatch(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	h := newTestHandler(t, b, &fakeEngine{running: true})

	rec := postRPC(t, h, `[{"jsonrpc":"2.0","id":1,"method":"a"}]`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRPCRejectsResponses(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	h := newTestHandler(t, b, &fakeEngine{running: true})

	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":1,"result":"already answered"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRPCRequiresJSONContentType(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	h := newTestHandler(t, b, &fakeEngine{running: true})

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	eng := &fakeEngine{running: true}
	h := newTestHandler(t, b, eng)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status        string `json:"status"`
		EngineRunning bool   `json:"engine_running"`
		Subscribers   int    `json:"subscribers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body is not JSON: %v", err)
	}
	if body.Status != "healthy" || !body.EngineRunning || body.Subscribers != 0 {
		t.Fatalf("unexpected health body: %+v", body)
	}

	eng.running = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status with dead engine = %d, want 503", rec.Code)
	}
}

func TestSSEStreamDeliversBroadcast(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	h := newTestHandler(t, b, &fakeEngine{running: true})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	readData := func() string {
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(line, "data: ")
			}
		}
		t.Fatalf("stream ended early: %v", sc.Err())
		return ""
	}

	// First frame is the connection acknowledgement.
	var hello struct {
		Type        string `json:"type"`
		Subscribers int    `json:"subscribers"`
	}
	if err := json.Unmarshal([]byte(readData()), &hello); err != nil {
		t.Fatalf("hello event is not JSON: %v", err)
	}
	if hello.Type != "connected" {
		t.Fatalf("hello type = %q, want connected", hello.Type)
	}
	if hello.Subscribers != 1 {
		t.Fatalf("hello subscribers = %d, want 1", hello.Subscribers)
	}

	want := `{"jsonrpc":"2.0","method":"tick"}`
	if _, err := b.Publish(context.Background(), jsonrpc.Message(want)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := readData(); got != want {
		t.Fatalf("streamed data = %q, want %q", got, want)
	}
}

func TestSSEResumesFromLastEventID(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	h := newTestHandler(t, b, &fakeEngine{running: true})
	srv := httptest.NewServer(h)
	defer srv.Close()

	// A first connection's worth of traffic, identified by event IDs.
	var pivot string
	for i := 0; i < 4; i++ {
		id, err := b.Publish(context.Background(), jsonrpc.Message(fmt.Sprintf(`{"jsonrpc":"2.0","method":"hist","params":{"i":%d}}`, i)))
		if err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
		if i == 1 {
			pivot = id
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", pivot)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events error = %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	readFrame := func() (id, data string) {
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, "id: ") {
				id = strings.TrimPrefix(line, "id: ")
			}
			if strings.HasPrefix(line, "data: ") {
				return id, strings.TrimPrefix(line, "data: ")
			}
		}
		t.Fatalf("stream ended early: %v", sc.Err())
		return "", ""
	}

	// The connection acknowledgement precedes the replayed frames.
	if _, data := readFrame(); !strings.Contains(data, `"connected"`) {
		t.Fatalf("first frame = %q, want connected event", data)
	}

	for _, want := range []int{2, 3} {
		id, data := readFrame()
		if id == "" {
			t.Fatalf("replayed frame for i=%d is missing an event ID", want)
		}
		wantData := fmt.Sprintf(`{"jsonrpc":"2.0","method":"hist","params":{"i":%d}}`, want)
		if data != wantData {
			t.Fatalf("replayed data = %q, want %q", data, wantData)
		}
	}

	// Live traffic follows the replayed tail.
	want := `{"jsonrpc":"2.0","method":"live"}`
	if _, err := b.Publish(context.Background(), jsonrpc.Message(want)); err != nil {
		t.Fatalf("Publish(live) error = %v", err)
	}
	if _, data := readFrame(); data != want {
		t.Fatalf("live data = %q, want %q", data, want)
	}
}

func TestSSERequiresEventStreamAccept(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	h := newTestHandler(t, b, &fakeEngine{running: true})

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestSSEDisconnectUnregisters(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	h := newTestHandler(t, b, &fakeEngine{running: true})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events error = %v", err)
	}

	// Wait for the subscription to land, then drop the connection.
	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	resp.Body.Close()

	deadline = time.Now().Add(2 * time.Second)
	for b.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber still registered after disconnect: %d", b.Subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBearerAuth(t *testing.T) {
	secret := []byte("test-secret")

	b := busmemory.New()
	defer b.Close()

	eng := &fakeEngine{
		running: true,
		onSend: func(ctx context.Context, line []byte) {
			go func() {
				_, _ = b.Publish(context.Background(), jsonrpc.Message(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
			}()
		},
	}
	h := newTestHandler(t, b, eng, WithAuthSecret(secret))

	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	// No token.
	rec := postRPC(t, h, body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("missing WWW-Authenticate challenge")
	}

	// Token signed with the wrong secret.
	badToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("wrong"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+badToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want 401", rec.Code)
	}

	// Valid token.
	goodToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+goodToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with valid token = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
}

func TestConcurrentCallersDoNotCrossTalk(t *testing.T) {
	b := busmemory.New()
	defer b.Close()

	eng := &fakeEngine{
		running: true,
		onSend: func(ctx context.Context, line []byte) {
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				return
			}
			id := msg.ID.String()
			go func() {
				_, _ = b.Publish(context.Background(), jsonrpc.Message(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"echo":%s}}`, id, id)))
			}()
		},
	}
	h := newTestHandler(t, b, eng)

	const callers = 8
	results := make(chan error, callers)
	for i := 1; i <= callers; i++ {
		go func(i int) {
			rec := postRPC(t, h, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"echo"}`, i))
			if rec.Code != http.StatusOK {
				results <- fmt.Errorf("caller %d: status %d", i, rec.Code)
				return
			}
			var resp struct {
				ID     int `json:"id"`
				Result struct {
					Echo int `json:"echo"`
				} `json:"result"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				results <- fmt.Errorf("caller %d: %v", i, err)
				return
			}
			if resp.ID != i || resp.Result.Echo != i {
				results <- fmt.Errorf("caller %d got response for id %d", i, resp.ID)
				return
			}
			results <- nil
		}(i)
	}

	for i := 0; i < callers; i++ {
		if err := <-results; err != nil {
			t.Fatal(err)
		}
	}
}

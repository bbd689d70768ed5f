package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/meetflow/internal/health"
	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/internal/router"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// fakeRouter answers every valid turn with a fixed chat stream.
type fakeRouter struct {
	mu     sync.Mutex
	inputs []router.TurnInput
}

func (f *fakeRouter) RouteTurn(_ context.Context, in router.TurnInput) (<-chan router.Event, error) {
	if in.ConversationID == "" {
		return nil, router.ErrMissingConversationID
	}
	if strings.TrimSpace(in.Message) == "" && in.AudioRef == "" {
		return nil, router.ErrEmptyConversation
	}
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()

	id := in.ConversationID
	evs := []router.Event{
		{Type: router.EventStart, ConversationID: id},
		{Type: router.EventChunk, ConversationID: id, Route: router.RouteChat, Text: "Hi"},
		{Type: router.EventComplete, ConversationID: id, Route: router.RouteChat, Result: &router.TurnResult{ConversationID: id, Route: router.RouteChat, Answer: "Hi"}},
		{Type: router.EventEnd, ConversationID: id},
	}
	ch := make(chan router.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*httptest.Server, *fakeRouter) {
	t.Helper()
	fr := &fakeRouter{}
	opts = append([]Option{WithMetrics(testMetrics(t)), WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "# metrics\n")
	}))}, opts...)
	srv := httptest.NewServer(New(cfg, fr, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, fr
}

// readSSE parses an event stream into (event name, data) pairs.
func readSSE(t *testing.T, r io.Reader) [][2]string {
	t.Helper()
	var (
		out  [][2]string
		name string
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			out = append(out, [2]string{name, strings.TrimPrefix(line, "data: ")})
		}
	}
	return out
}

func TestHandleTurn_StreamsEvents(t *testing.T) {
	srv, fr := newTestServer(t, Config{})

	resp, err := http.Post(srv.URL+"/v1/conversations/conv-7/turns", "application/json",
		strings.NewReader(`{"message":"What did we decide?","route":"chat"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := readSSE(t, resp.Body)
	var names []string
	for _, e := range events {
		names = append(names, e[0])
	}
	if got, want := strings.Join(names, ","), "start,chunk,complete,end"; got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}

	var complete router.Event
	if err := json.Unmarshal([]byte(events[2][1]), &complete); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if complete.Result == nil || complete.Result.Answer != "Hi" {
		t.Errorf("complete result = %+v", complete.Result)
	}

	if len(fr.inputs) != 1 || fr.inputs[0].ConversationID != "conv-7" || fr.inputs[0].Route != "chat" {
		t.Errorf("router inputs = %+v", fr.inputs)
	}
}

func TestHandleTurn_Rejections(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty message", `{"message":"  "}`, http.StatusBadRequest},
		{"malformed json", `{"message":`, http.StatusBadRequest},
		{"unknown field", `{"msg":"hi"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/v1/conversations/c1/turns", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var body errorBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
				t.Errorf("error body = %+v, %v", body, err)
			}
		})
	}
}

func TestTurnStatus(t *testing.T) {
	if got := turnStatus(errors.New("store down")); got != http.StatusInternalServerError {
		t.Errorf("turnStatus(other) = %d, want 500", got)
	}
	if got := turnStatus(router.ErrMissingConversationID); got != http.StatusBadRequest {
		t.Errorf("turnStatus(missing id) = %d, want 400", got)
	}
	if got := turnStatus(fmt.Errorf("%w: 10004 tokens", router.ErrMessageTooLarge)); got != http.StatusBadRequest {
		t.Errorf("turnStatus(too large) = %d, want 400", got)
	}
}

func TestWebsocket_Turns(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	ctx := context.Background()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/turns/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	readUntilEnd := func() []router.Event {
		t.Helper()
		var evs []router.Event
		for {
			var ev router.Event
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				t.Fatalf("read: %v", err)
			}
			evs = append(evs, ev)
			if ev.Type == router.EventEnd {
				return evs
			}
		}
	}

	if err := wsjson.Write(ctx, conn, router.TurnInput{ConversationID: "c1", Message: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if evs := readUntilEnd(); len(evs) != 4 || evs[1].Text != "Hi" {
		t.Errorf("first turn events = %+v", evs)
	}

	if err := wsjson.Write(ctx, conn, router.TurnInput{ConversationID: "c1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	evs := readUntilEnd()
	if len(evs) != 2 || evs[0].Type != router.EventError || evs[0].Error == "" {
		t.Errorf("rejected turn events = %+v", evs)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	srv, _ := newTestServer(t, Config{UploadDir: dir, MaxUploadBytes: 16})

	resp, err := http.Post(srv.URL+"/v1/recordings", "audio/wav", strings.NewReader("RIFF....WAVE"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var up uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, up.AudioRef))
	if err != nil {
		t.Fatalf("read stored recording: %v", err)
	}
	if string(data) != "RIFF....WAVE" || up.Bytes != 12 {
		t.Errorf("stored %q (%d bytes)", data, up.Bytes)
	}

	for _, tc := range []struct {
		body string
		want int
	}{
		{"", http.StatusBadRequest},
		{strings.Repeat("x", 17), http.StatusRequestEntityTooLarge},
	} {
		resp, err := http.Post(srv.URL+"/v1/recordings", "audio/wav", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("upload of %d bytes: status = %d, want %d", len(tc.body), resp.StatusCode, tc.want)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("upload dir holds %d files, want 1", len(entries))
	}
}

func TestUpload_DisabledWithoutDir(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	resp, err := http.Post(srv.URL+"/v1/recordings", "audio/wav", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404 or 405", resp.StatusCode)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, WithHealth(health.New(health.PreloadCheck(func() bool { return false }))))

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
		"/metrics": http.StatusOK,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

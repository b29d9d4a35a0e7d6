package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/pkg/wire"
)

const (
	testServiceKey = "worker-service-key"
	testCanisterID = "primary"
)

// fakeTransport records frames instead of writing to a socket.
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	controls  []int
	failPings bool
	closed    bool
}

func (f *fakeTransport) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeTransport) WriteControl(mt int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, mt)
	if f.failPings && mt == websocket.PingMessage {
		return errors.New("broken pipe")
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, mt := range f.controls {
		if mt == websocket.PingMessage {
			n++
		}
	}
	return n
}

func (f *fakeTransport) setFailPings(fail bool) {
	f.mu.Lock()
	f.failPings = fail
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testAIConfig() config.AIConfig {
	return config.AIConfig{
		ServiceKey:             testServiceKey,
		CanisterID:             testCanisterID,
		RequestTimeout:         config.Duration{Duration: 2 * time.Second},
		HeartbeatInterval:      config.Duration{Duration: time.Hour},
		MaxConsecutiveFailures: 5,
		ReconnectMinBackoff:    config.Duration{Duration: 10 * time.Millisecond},
		ReconnectMaxBackoff:    config.Duration{Duration: 40 * time.Millisecond},
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newBridge(t *testing.T, cfg config.AIConfig, st store.Store) (*Bridge, *registry.Registry) {
	t.Helper()
	reg := registry.New(slog.Default())
	return New(cfg, st, reg, nil, slog.Default()), reg
}

func attachWorker(t *testing.T, b *Bridge) (*registry.Conn, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	conn := registry.NewConn(ft, "198.51.100.7")
	if err := b.AttachUpstream(conn, wire.AIAuth{ServiceKey: testServiceKey, CanisterID: testCanisterID}); err != nil {
		t.Fatalf("AttachUpstream: %v", err)
	}
	return conn, ft
}

func registerOrigin(t *testing.T, reg *registry.Registry, userID string) (*registry.Conn, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	conn := registry.NewConn(ft, "203.0.113.4")
	if userID == "" {
		conn.SetAnonymous("anon-" + uuid.NewString())
	} else {
		conn.SetAuthenticated(userID)
	}
	reg.Register(conn)
	return conn, ft
}

func createThread(t *testing.T, s store.Store, ownerID string) *store.Thread {
	t.Helper()
	th := &store.Thread{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     "help request",
		Status:    "active",
		CreatedAt: time.Now(),
	}
	if err := s.CreateThread(context.Background(), th); err != nil {
		t.Fatal(err)
	}
	return th
}

func appendUserMessage(t *testing.T, s store.Store, threadID, content string) *store.Message {
	t.Helper()
	m := &store.Message{
		ID:          uuid.NewString(),
		ThreadID:    threadID,
		Role:        "user",
		Content:     content,
		ContentType: "text",
		CreatedAt:   time.Now(),
	}
	if _, err := s.AppendMessage(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func decodeFrames(t *testing.T, ft *fakeTransport) []map[string]any {
	t.Helper()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]map[string]any, 0, len(ft.frames))
	for _, raw := range ft.frames {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("frame is not JSON: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func frameTypes(t *testing.T, ft *fakeTransport) []string {
	t.Helper()
	var types []string
	for _, m := range decodeFrames(t, ft) {
		s, _ := m["type"].(string)
		types = append(types, s)
	}
	return types
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendRejectedWhenNotConnected(t *testing.T) {
	b, reg := newBridge(t, testAIConfig(), newTestStore(t))
	origin, originFT := registerOrigin(t, reg, "user-1")

	err := b.Send(context.Background(), ForwardRequest{ConnID: origin.ID, ThreadID: "t-1", Content: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
	if got := b.PendingCount(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	if originFT.frameCount() != 0 {
		t.Errorf("rejected send must not emit frames, got %v", frameTypes(t, originFT))
	}
}

func TestSendCanceledContext(t *testing.T) {
	b, reg := newBridge(t, testAIConfig(), newTestStore(t))
	attachWorker(t, b)
	origin, _ := registerOrigin(t, reg, "user-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Send(ctx, ForwardRequest{ConnID: origin.ID, ThreadID: "t-1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send = %v, want context.Canceled", err)
	}
	if got := b.PendingCount(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestAttachChecksCredentials(t *testing.T) {
	cases := []struct {
		name    string
		creds   wire.AIAuth
		wantErr string
	}{
		{"wrong key", wire.AIAuth{ServiceKey: "nope", CanisterID: testCanisterID}, "invalid service key"},
		{"empty key", wire.AIAuth{CanisterID: testCanisterID}, "invalid service key"},
		{"wrong canister", wire.AIAuth{ServiceKey: testServiceKey, CanisterID: "other"}, "unknown canister id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, _ := newBridge(t, testAIConfig(), newTestStore(t))
			conn := registry.NewConn(&fakeTransport{}, "198.51.100.7")
			err := b.AttachUpstream(conn, tc.creds)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("AttachUpstream = %v, want %q", err, tc.wantErr)
			}
			if got := b.State(); got != StateDisconnected {
				t.Errorf("state = %v, want disconnected", got)
			}
		})
	}
}

func TestAttachBcryptServiceKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testServiceKey), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testAIConfig()
	cfg.ServiceKey = ""
	cfg.ServiceKeyBcrypt = string(hash)
	b, _ := newBridge(t, cfg, newTestStore(t))

	bad := registry.NewConn(&fakeTransport{}, "198.51.100.7")
	if err := b.AttachUpstream(bad, wire.AIAuth{ServiceKey: "nope", CanisterID: testCanisterID}); err == nil {
		t.Fatal("wrong key must be rejected against the bcrypt hash")
	}

	good := registry.NewConn(&fakeTransport{}, "198.51.100.7")
	if err := b.AttachUpstream(good, wire.AIAuth{ServiceKey: testServiceKey, CanisterID: testCanisterID}); err != nil {
		t.Fatalf("AttachUpstream with correct key: %v", err)
	}
	if !b.IsUpstream(good.ID) {
		t.Error("worker not adopted after bcrypt check")
	}
}

func TestSecondWorkerRejected(t *testing.T) {
	b, _ := newBridge(t, testAIConfig(), newTestStore(t))
	first, _ := attachWorker(t, b)

	second := registry.NewConn(&fakeTransport{}, "198.51.100.8")
	err := b.AttachUpstream(second, wire.AIAuth{ServiceKey: testServiceKey, CanisterID: testCanisterID})
	if err == nil || !strings.Contains(err.Error(), "already connected") {
		t.Fatalf("second attach = %v, want already-connected error", err)
	}
	if !b.IsUpstream(first.ID) || b.IsUpstream(second.ID) {
		t.Error("first worker must stay the upstream")
	}
}

func TestAttachRejectedInDialMode(t *testing.T) {
	cfg := testAIConfig()
	cfg.WorkerURL = "ws://worker.internal:9000/ws"
	b, _ := newBridge(t, cfg, newTestStore(t))

	conn := registry.NewConn(&fakeTransport{}, "198.51.100.7")
	err := b.AttachUpstream(conn, wire.AIAuth{ServiceKey: testServiceKey, CanisterID: testCanisterID})
	if err == nil || !strings.Contains(err.Error(), "own worker connection") {
		t.Fatalf("attach in dial mode = %v", err)
	}
}

func TestForwardAndResolve(t *testing.T) {
	st := newTestStore(t)
	b, reg := newBridge(t, testAIConfig(), st)
	_, workerFT := attachWorker(t, b)
	origin, originFT := registerOrigin(t, reg, "user-1")
	th := createThread(t, st, "user-1")
	userMsg := appendUserMessage(t, st, th.ID, "what is Go?")

	err := b.Send(context.Background(), ForwardRequest{
		ConnID:        origin.ID,
		ThreadID:      th.ID,
		UserID:        "user-1",
		UserMessageID: userMsg.ID,
		Content:       "what is Go?",
		Context:       []wire.ContextMessage{{Role: "user", Content: "what is Go?"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := b.PendingCount(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	upFrames := decodeFrames(t, workerFT)
	if len(upFrames) != 1 || upFrames[0]["type"] != wire.TypeAIRequest {
		t.Fatalf("worker frames = %v", upFrames)
	}
	requestID, _ := upFrames[0]["request_id"].(string)
	if requestID == "" {
		t.Fatal("ai_request carries no request_id")
	}
	if upFrames[0]["thread_id"] != th.ID || upFrames[0]["user_id"] != "user-1" {
		t.Errorf("ai_request = %v", upFrames[0])
	}
	if got := frameTypes(t, originFT); !slices.Equal(got, []string{wire.TypeAITyping}) {
		t.Fatalf("origin frames before response = %v", got)
	}

	resp := wire.AIResponse{
		RequestID:        requestID,
		ThreadID:         th.ID,
		ResponseContent:  "A programming language.",
		Model:            "helper-1",
		Confidence:       0.93,
		ProcessingTimeMs: 12,
	}
	b.HandleResponse(resp)

	if got := b.PendingCount(); got != 0 {
		t.Errorf("pending after response = %d, want 0", got)
	}
	types := frameTypes(t, originFT)
	want := []string{wire.TypeAITyping, wire.TypeAITyping, wire.TypeAIResponse}
	if !slices.Equal(types, want) {
		t.Fatalf("origin frames = %v, want %v", types, want)
	}
	last := decodeFrames(t, originFT)[2]
	if last["content"] != "A programming language." || last["request_id"] != requestID {
		t.Errorf("ai_response frame = %v", last)
	}

	msgs, err := st.GetRecentMessages(context.Background(), th.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored messages = %d, want 2", len(msgs))
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "A programming language." {
		t.Errorf("assistant turn = %+v", msgs[1])
	}
	if !strings.Contains(msgs[0].AIMeta, "helper-1") {
		t.Errorf("user turn meta = %q, want model attached", msgs[0].AIMeta)
	}

	// A duplicate of an already-resolved response must change nothing.
	before := originFT.frameCount()
	b.HandleResponse(resp)
	if originFT.frameCount() != before {
		t.Error("late duplicate response reached the client")
	}
	msgs, _ = st.GetRecentMessages(context.Background(), th.ID, 10)
	if len(msgs) != 2 {
		t.Errorf("duplicate response persisted again, messages = %d", len(msgs))
	}
}

func TestWorkerErrorFrame(t *testing.T) {
	st := newTestStore(t)
	b, reg := newBridge(t, testAIConfig(), st)
	_, workerFT := attachWorker(t, b)
	origin, originFT := registerOrigin(t, reg, "user-1")
	th := createThread(t, st, "user-1")

	if err := b.Send(context.Background(), ForwardRequest{
		ConnID: origin.ID, ThreadID: th.ID, UserID: "user-1", Content: "hi",
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	requestID, _ := decodeFrames(t, workerFT)[0]["request_id"].(string)

	b.HandleResponse(wire.AIResponse{RequestID: requestID, ThreadID: th.ID, Error: "model overloaded"})

	types := frameTypes(t, originFT)
	want := []string{wire.TypeAITyping, wire.TypeAITyping, wire.TypeAIError}
	if !slices.Equal(types, want) {
		t.Fatalf("origin frames = %v, want %v", types, want)
	}
	errFrame := decodeFrames(t, originFT)[2]
	if errFrame["error"] != "model overloaded" {
		t.Errorf("ai_error = %v", errFrame)
	}
	if ra, _ := errFrame["retry_after"].(float64); ra <= 0 {
		t.Errorf("retry_after = %v, want > 0", errFrame["retry_after"])
	}

	msgs, _ := st.GetRecentMessages(context.Background(), th.ID, 10)
	if len(msgs) != 0 {
		t.Errorf("worker error must persist nothing, got %d messages", len(msgs))
	}
}

func TestRequestTimeout(t *testing.T) {
	cfg := testAIConfig()
	cfg.RequestTimeout = config.Duration{Duration: 40 * time.Millisecond}
	st := newTestStore(t)
	b, reg := newBridge(t, cfg, st)
	_, workerFT := attachWorker(t, b)
	origin, originFT := registerOrigin(t, reg, "user-1")
	th := createThread(t, st, "user-1")

	if err := b.Send(context.Background(), ForwardRequest{
		ConnID: origin.ID, ThreadID: th.ID, UserID: "user-1", Content: "hi",
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitUntil(t, time.Second, "timeout resolution", func() bool { return b.PendingCount() == 0 })

	types := frameTypes(t, originFT)
	want := []string{wire.TypeAITyping, wire.TypeAITyping, wire.TypeAIError}
	if !slices.Equal(types, want) {
		t.Fatalf("origin frames = %v, want %v", types, want)
	}
	errFrame := decodeFrames(t, originFT)[2]
	if ra, _ := errFrame["retry_after"].(float64); ra <= 0 {
		t.Errorf("timeout must be retryable, retry_after = %v", errFrame["retry_after"])
	}

	// The response losing the race against the timer is a no-op.
	requestID, _ := decodeFrames(t, workerFT)[0]["request_id"].(string)
	before := originFT.frameCount()
	b.HandleResponse(wire.AIResponse{RequestID: requestID, ThreadID: th.ID, ResponseContent: "too late"})
	if originFT.frameCount() != before {
		t.Error("late response reached the client after timeout")
	}
	msgs, _ := st.GetRecentMessages(context.Background(), th.ID, 10)
	if len(msgs) != 0 {
		t.Errorf("late response must persist nothing, got %d messages", len(msgs))
	}
}

func TestBusyConnection(t *testing.T) {
	st := newTestStore(t)
	b, reg := newBridge(t, testAIConfig(), st)
	attachWorker(t, b)
	origin, _ := registerOrigin(t, reg, "user-1")
	other, _ := registerOrigin(t, reg, "user-2")
	th := createThread(t, st, "user-1")

	if err := b.Send(context.Background(), ForwardRequest{ConnID: origin.ID, ThreadID: th.ID, UserID: "user-1", Content: "one"}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	err := b.Send(context.Background(), ForwardRequest{ConnID: origin.ID, ThreadID: th.ID, UserID: "user-1", Content: "two"})
	if !errors.Is(err, ErrUpstreamBusy) {
		t.Fatalf("second Send = %v, want ErrUpstreamBusy", err)
	}
	if got := b.PendingCount(); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}

	// Other connections are unaffected.
	if err := b.Send(context.Background(), ForwardRequest{ConnID: other.ID, ThreadID: th.ID, UserID: "user-2", Content: "three"}); err != nil {
		t.Fatalf("Send from other connection: %v", err)
	}
	if got := b.PendingCount(); got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}
}

func TestWorkerCloseDetachesAndFailsPending(t *testing.T) {
	st := newTestStore(t)
	b, reg := newBridge(t, testAIConfig(), st)
	worker, _ := attachWorker(t, b)
	origin, originFT := registerOrigin(t, reg, "user-1")
	th := createThread(t, st, "user-1")

	if err := b.Send(context.Background(), ForwardRequest{ConnID: origin.ID, ThreadID: th.ID, UserID: "user-1", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	worker.Close(websocket.CloseAbnormalClosure, "link lost")

	if b.IsUpstream(worker.ID) {
		t.Error("closed worker still reported as upstream")
	}
	if got := b.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
	if got := b.PendingCount(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	types := frameTypes(t, originFT)
	want := []string{wire.TypeAITyping, wire.TypeAITyping, wire.TypeAIError}
	if !slices.Equal(types, want) {
		t.Fatalf("origin frames = %v, want %v", types, want)
	}
	errFrame := decodeFrames(t, originFT)[2]
	if msg, _ := errFrame["error"].(string); !strings.Contains(msg, "connection lost") {
		t.Errorf("ai_error = %v, want connection-lost reason", errFrame)
	}
	if ra, _ := errFrame["retry_after"].(float64); ra <= 0 {
		t.Errorf("link loss must be retryable, retry_after = %v", errFrame["retry_after"])
	}

	// A replacement worker can attach after the loss.
	attachWorker(t, b)
	if got := b.State(); got != StateConnected {
		t.Errorf("state after reattach = %v, want connected", got)
	}
}

func TestShutdownFailsPendingTerminally(t *testing.T) {
	st := newTestStore(t)
	b, reg := newBridge(t, testAIConfig(), st)
	_, workerFT := attachWorker(t, b)
	origin, originFT := registerOrigin(t, reg, "user-1")
	th := createThread(t, st, "user-1")

	if err := b.Send(context.Background(), ForwardRequest{ConnID: origin.ID, ThreadID: th.ID, UserID: "user-1", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	b.Shutdown()

	if !workerFT.isClosed() {
		t.Error("worker socket not closed on shutdown")
	}
	errFrame := decodeFrames(t, originFT)[2]
	if ra, _ := errFrame["retry_after"].(float64); ra != 0 {
		t.Errorf("shutdown failure must be terminal, retry_after = %v", errFrame["retry_after"])
	}

	if err := b.Send(context.Background(), ForwardRequest{ConnID: origin.ID, ThreadID: th.ID}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Send after shutdown = %v, want ErrShuttingDown", err)
	}
	late := registry.NewConn(&fakeTransport{}, "198.51.100.9")
	if err := b.AttachUpstream(late, wire.AIAuth{ServiceKey: testServiceKey, CanisterID: testCanisterID}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("attach after shutdown = %v, want ErrShuttingDown", err)
	}

	// Idempotent.
	b.Shutdown()
}

func TestAnonymousTurnNotPersisted(t *testing.T) {
	st := newTestStore(t)
	b, reg := newBridge(t, testAIConfig(), st)
	_, workerFT := attachWorker(t, b)
	origin, originFT := registerOrigin(t, reg, "")

	if err := b.Send(context.Background(), ForwardRequest{
		ConnID:   origin.ID,
		ThreadID: "ephemeral-42",
		Content:  "hello",
		Context:  []wire.ContextMessage{{Role: "user", Content: "hello"}},
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	requestID, _ := decodeFrames(t, workerFT)[0]["request_id"].(string)

	b.HandleResponse(wire.AIResponse{RequestID: requestID, ThreadID: "ephemeral-42", ResponseContent: "hi there"})

	types := frameTypes(t, originFT)
	if types[len(types)-1] != wire.TypeAIResponse {
		t.Fatalf("origin frames = %v, want trailing ai_response", types)
	}
	msgs, err := st.GetRecentMessages(context.Background(), "ephemeral-42", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("anonymous turn persisted %d messages, want 0", len(msgs))
	}
}

func TestVanishedOriginDropsDelivery(t *testing.T) {
	st := newTestStore(t)
	b, reg := newBridge(t, testAIConfig(), st)
	_, workerFT := attachWorker(t, b)
	origin, originFT := registerOrigin(t, reg, "user-1")
	th := createThread(t, st, "user-1")

	if err := b.Send(context.Background(), ForwardRequest{ConnID: origin.ID, ThreadID: th.ID, UserID: "user-1", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	requestID, _ := decodeFrames(t, workerFT)[0]["request_id"].(string)

	reg.Unregister(origin.ID)
	b.HandleResponse(wire.AIResponse{RequestID: requestID, ThreadID: th.ID, ResponseContent: "answer"})

	// Only the pre-disconnect typing indicator ever reached the client.
	if got := frameTypes(t, originFT); !slices.Equal(got, []string{wire.TypeAITyping}) {
		t.Errorf("origin frames = %v", got)
	}
	// The answer is still part of the thread.
	msgs, _ := st.GetRecentMessages(context.Background(), th.ID, 10)
	if len(msgs) != 1 || msgs[0].Role != "assistant" {
		t.Errorf("stored = %+v, want the assistant turn", msgs)
	}
}

// flakyStore fails the first few appends to exercise the bounded retry.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) AppendMessage(ctx context.Context, m *store.Message) (int64, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= f.failures {
		return 0, errors.New("database is locked")
	}
	return f.Store.AppendMessage(ctx, m)
}

func (f *flakyStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPersistRetriesUntilSuccess(t *testing.T) {
	inner := newTestStore(t)
	fs := &flakyStore{Store: inner, failures: 2}
	b, reg := newBridge(t, testAIConfig(), fs)
	_, workerFT := attachWorker(t, b)
	origin, _ := registerOrigin(t, reg, "user-1")
	th := createThread(t, inner, "user-1")

	if err := b.Send(context.Background(), ForwardRequest{ConnID: origin.ID, ThreadID: th.ID, UserID: "user-1", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	requestID, _ := decodeFrames(t, workerFT)[0]["request_id"].(string)

	b.HandleResponse(wire.AIResponse{RequestID: requestID, ThreadID: th.ID, ResponseContent: "answer"})

	if got := fs.callCount(); got != 3 {
		t.Errorf("append attempts = %d, want 3", got)
	}
	msgs, _ := inner.GetRecentMessages(context.Background(), th.ID, 10)
	if len(msgs) != 1 || msgs[0].Content != "answer" {
		t.Errorf("stored = %+v, want the retried assistant turn", msgs)
	}
}

func TestPersistFailureStillDelivers(t *testing.T) {
	inner := newTestStore(t)
	fs := &flakyStore{Store: inner, failures: 100}
	b, reg := newBridge(t, testAIConfig(), fs)
	_, workerFT := attachWorker(t, b)
	origin, originFT := registerOrigin(t, reg, "user-1")
	th := createThread(t, inner, "user-1")

	if err := b.Send(context.Background(), ForwardRequest{ConnID: origin.ID, ThreadID: th.ID, UserID: "user-1", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	requestID, _ := decodeFrames(t, workerFT)[0]["request_id"].(string)

	b.HandleResponse(wire.AIResponse{RequestID: requestID, ThreadID: th.ID, ResponseContent: "answer"})

	if got := fs.callCount(); got != persistAttempts {
		t.Errorf("append attempts = %d, want %d", got, persistAttempts)
	}
	types := frameTypes(t, originFT)
	if types[len(types)-1] != wire.TypeAIResponse {
		t.Errorf("origin frames = %v, answer must still be delivered", types)
	}
}

func TestHeartbeatFailureDetaches(t *testing.T) {
	cfg := testAIConfig()
	cfg.HeartbeatInterval = config.Duration{Duration: 20 * time.Millisecond}
	b, _ := newBridge(t, cfg, newTestStore(t))
	worker, workerFT := attachWorker(t, b)

	waitUntil(t, time.Second, "first ping", func() bool { return workerFT.pingCount() >= 1 })

	workerFT.setFailPings(true)
	waitUntil(t, time.Second, "detach after ping failure", func() bool {
		return b.State() == StateDisconnected
	})
	if !workerFT.isClosed() {
		t.Error("worker socket not closed after ping failure")
	}
	if b.IsUpstream(worker.ID) {
		t.Error("dead worker still reported as upstream")
	}
}

func TestHandleStatusSnapshot(t *testing.T) {
	b, _ := newBridge(t, testAIConfig(), newTestStore(t))

	snap := b.Status()
	if snap.State != "disconnected" || snap.Mode != "attach" || snap.Pending != 0 {
		t.Fatalf("initial status = %+v", snap)
	}
	if snap.LastWorkerStatus != "" || snap.ConnectedAt != nil {
		t.Fatalf("initial status carries stale fields: %+v", snap)
	}

	b.HandleStatus(wire.AIStatus{Status: "degraded", Detail: "gpu saturated"})
	attachWorker(t, b)

	snap = b.Status()
	if snap.State != "connected" || snap.LastWorkerStatus != "degraded" {
		t.Errorf("status = %+v", snap)
	}
	if snap.ConnectedAt == nil || snap.LastWorkerStatusAt == nil {
		t.Errorf("status timestamps missing: %+v", snap)
	}
}

func TestDialDisablesAfterConsecutiveFailures(t *testing.T) {
	// A plain HTTP endpoint fails the WebSocket handshake immediately.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not a websocket endpoint", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testAIConfig()
	cfg.WorkerURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.MaxConsecutiveFailures = 2
	cfg.ReconnectMinBackoff = config.Duration{Duration: 5 * time.Millisecond}
	cfg.ReconnectMaxBackoff = config.Duration{Duration: 20 * time.Millisecond}
	b, reg := newBridge(t, cfg, newTestStore(t))
	origin, _ := registerOrigin(t, reg, "user-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	waitUntil(t, 5*time.Second, "bridge disabled", func() bool { return b.State() == StateDisabled })

	err := b.Send(context.Background(), ForwardRequest{ConnID: origin.ID, ThreadID: "t-1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send while disabled = %v, want ErrNotConnected", err)
	}
	if !strings.Contains(err.Error(), "disabled") {
		t.Errorf("Send error = %v, want the disabled state named", err)
	}
}

func TestDialModeEndToEnd(t *testing.T) {
	st := newTestStore(t)
	th := createThread(t, st, "user-9")

	upgrader := websocket.Upgrader{}
	gotReq := make(chan wire.AIRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		var auth wire.AIAuthOut
		if err := ws.ReadJSON(&auth); err != nil {
			t.Errorf("read ai_auth: %v", err)
			return
		}
		if auth.Type != wire.TypeAIAuth || auth.ServiceKey != testServiceKey || auth.CanisterID != testCanisterID {
			t.Errorf("handshake credentials = %+v", auth)
		}
		if err := ws.WriteJSON(wire.AIAuthAck{Type: wire.TypeAIAuthAck, Accepted: true}); err != nil {
			t.Errorf("write ack: %v", err)
			return
		}

		var req wire.AIRequest
		if err := ws.ReadJSON(&req); err != nil {
			t.Errorf("read ai_request: %v", err)
			return
		}
		gotReq <- req
		_ = ws.WriteJSON(map[string]any{
			"type":             wire.TypeAIResponse,
			"request_id":       req.RequestID,
			"thread_id":        req.ThreadID,
			"response_content": "dialed answer",
		})
		// Hold the link until the broker closes it.
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	cfg := testAIConfig()
	cfg.WorkerURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	b, reg := newBridge(t, cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Shutdown()

	waitUntil(t, 2*time.Second, "dial connect", func() bool { return b.State() == StateConnected })

	origin, originFT := registerOrigin(t, reg, "user-9")
	if err := b.Send(ctx, ForwardRequest{
		ConnID:   origin.ID,
		ThreadID: th.ID,
		UserID:   "user-9",
		Content:  "ping?",
		Context:  []wire.ContextMessage{{Role: "user", Content: "ping?"}},
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case req := <-gotReq:
		if req.ThreadID != th.ID || req.Content != "ping?" {
			t.Errorf("worker saw %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never received the forwarded request")
	}

	waitUntil(t, 2*time.Second, "response delivery", func() bool {
		types := frameTypes(t, originFT)
		return len(types) > 0 && types[len(types)-1] == wire.TypeAIResponse
	})

	msgs, err := st.GetRecentMessages(context.Background(), th.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != "assistant" || msgs[0].Content != "dialed answer" {
		t.Errorf("persisted = %+v", msgs)
	}

	snap := b.Status()
	if snap.Mode != "dial" || snap.State != "connected" {
		t.Errorf("status = %+v", snap)
	}
}

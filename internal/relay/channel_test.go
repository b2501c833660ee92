package relay

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/protocol"
	"github.com/hitoshi/chatrelay/internal/upstream"
)

// controlledUpstream はrequestIdごとにpipeBodyを払い出し、テストからチャンクを送れるようにする。
type controlledUpstream struct {
	mu     sync.Mutex
	bodies map[string]*pipeBody
	ctxs   map[string]context.Context
	ready  chan string
	calls  int
}

func newControlledUpstream() *controlledUpstream {
	return &controlledUpstream{
		bodies: make(map[string]*pipeBody),
		ctxs:   make(map[string]context.Context),
		ready:  make(chan string, 8),
	}
}

func (u *controlledUpstream) mock() *mockUpstream {
	return &mockUpstream{
		streamFn: func(ctx context.Context, req model.ChatRequest, creds upstream.Credentials) (io.ReadCloser, error) {
			body := newPipeBody(ctx)
			u.mu.Lock()
			u.bodies[req.RequestID] = body
			u.ctxs[req.RequestID] = ctx
			u.calls++
			u.mu.Unlock()
			u.ready <- req.RequestID
			return body, nil
		},
		bufferedFn: func(ctx context.Context, req upstream.CompletionRequest, creds upstream.Credentials) (string, error) {
			return "buffered answer", nil
		},
	}
}

func (u *controlledUpstream) body(id string) *pipeBody {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bodies[id]
}

func (u *controlledUpstream) ctx(id string) context.Context {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ctxs[id]
}

func (u *controlledUpstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func waitReady(t *testing.T, u *controlledUpstream, want string) {
	t.Helper()
	select {
	case id := <-u.ready:
		if id != want {
			t.Fatalf("started %q, want %q", id, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%q の上流呼び出しが開始されませんでした", want)
	}
}

func waitCancelled(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("上流のcontextがキャンセルされませんでした")
	}
}

func messagesFor(msgs []protocol.Response, requestID string) []protocol.Response {
	var out []protocol.Response
	for _, m := range msgs {
		if m.RequestID == requestID {
			out = append(out, m)
		}
	}
	return out
}

// TestChannel_StartSupersedesCurrent は新しい呼び出しで実行中の呼び出しがキャンセルされ、
// 古いrequestIdのメッセージが以降送られないことを検証する。
func TestChannel_StartSupersedesCurrent(t *testing.T) {
	up := newControlledUpstream()
	sink := &recordingSink{}
	ch := NewChannel(context.Background(), newTestRelay(up.mock(), Config{}), sink)
	defer ch.Close()

	ch.Start(model.ChatRequest{RequestID: "r-1"}, keyCreds())
	waitReady(t, up, "r-1")
	up.body("r-1").chunks <- deltaRecord("old")
	waitForMessages(t, sink, 1)

	ch.Start(model.ChatRequest{RequestID: "r-2"}, keyCreds())
	waitCancelled(t, up.ctx("r-1"))
	waitReady(t, up, "r-2")

	if got := ch.currentRequestID(); got != "r-2" {
		t.Errorf("Current = %q, want r-2", got)
	}

	up.body("r-2").chunks <- deltaRecord("new") + completedRecord
	msgs := waitForMessages(t, sink, 3)

	old := messagesFor(msgs, "r-1")
	if len(old) != 1 || old[0].Type != protocol.TypeDelta {
		t.Errorf("r-1 messages = %+v, want only the first delta", old)
	}
	next := messagesFor(msgs, "r-2")
	if len(next) != 2 || next[0].Delta != "new" || next[1].Type != protocol.TypeDone {
		t.Errorf("r-2 messages = %+v", next)
	}
}

func TestChannel_CancelByRequestID(t *testing.T) {
	up := newControlledUpstream()
	sink := &recordingSink{}
	ch := NewChannel(context.Background(), newTestRelay(up.mock(), Config{}), sink)
	defer ch.Close()

	ch.Start(model.ChatRequest{RequestID: "r-1"}, keyCreds())
	waitReady(t, up, "r-1")

	// 一致しないrequestIdは無視される
	ch.Cancel("other")
	if up.ctx("r-1").Err() != nil {
		t.Fatal("別のrequestIdでキャンセルされてはならない")
	}

	ch.Cancel("r-1")
	waitCancelled(t, up.ctx("r-1"))

	if got := ch.currentRequestID(); got != "" {
		t.Errorf("Current = %q, want empty", got)
	}
	time.Sleep(20 * time.Millisecond)
	if msgs := sink.messages(); len(msgs) != 0 {
		t.Errorf("キャンセル後にメッセージが送られた: %+v", msgs)
	}
}

// TestChannel_Close_CancelsAndIgnoresLaterCalls は切断で実行中の呼び出しが1回だけキャンセルされ、
// 以降の操作が何もしないことを検証する。
func TestChannel_Close_CancelsAndIgnoresLaterCalls(t *testing.T) {
	up := newControlledUpstream()
	sink := &recordingSink{}
	ch := NewChannel(context.Background(), newTestRelay(up.mock(), Config{}), sink)

	ch.Start(model.ChatRequest{RequestID: "r-1"}, keyCreds())
	waitReady(t, up, "r-1")

	ch.Close()

	if up.ctx("r-1").Err() == nil {
		t.Error("Close後も上流のcontextが有効です")
	}
	if got := up.body("r-1").closeCount(); got != 1 {
		t.Errorf("body closes = %d, want 1", got)
	}

	ch.Start(model.ChatRequest{RequestID: "r-2"}, keyCreds())
	ch.Complete("c-1", upstream.CompletionRequest{Model: "m"}, keyCreds())
	ch.Cancel("r-1")
	ch.Close()

	time.Sleep(20 * time.Millisecond)
	if up.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", up.callCount())
	}
	if msgs := sink.messages(); len(msgs) != 0 {
		t.Errorf("Close後にメッセージが送られた: %+v", msgs)
	}
}

func TestChannel_FinishedSessionIsReleased(t *testing.T) {
	up := newControlledUpstream()
	sink := &recordingSink{}
	ch := NewChannel(context.Background(), newTestRelay(up.mock(), Config{}), sink)
	defer ch.Close()

	ch.Start(model.ChatRequest{RequestID: "r-1"}, keyCreds())
	waitReady(t, up, "r-1")
	up.body("r-1").chunks <- "data: [DONE]\n\n"
	waitForMessages(t, sink, 1)

	deadline := time.Now().Add(2 * time.Second)
	for ch.currentRequestID() != "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ch.currentRequestID(); got != "" {
		t.Errorf("Current = %q, want empty after done", got)
	}
}

// TestChannel_TerminalMessageReleasesSession は終端メッセージの送信と同時に追跡が外れることを検証する。
func TestChannel_TerminalMessageReleasesSession(t *testing.T) {
	up := newControlledUpstream()
	sink := &recordingSink{}
	ch := NewChannel(context.Background(), newTestRelay(up.mock(), Config{}), sink)
	defer ch.Close()

	ch.Start(model.ChatRequest{RequestID: "r-1"}, keyCreds())
	waitReady(t, up, "r-1")
	if got := ch.currentRequestID(); got != "r-1" {
		t.Fatalf("currentRequestID = %q, want r-1", got)
	}

	up.body("r-1").chunks <- deltaRecord("a") + "data: [DONE]\n\n"
	msgs := waitForMessages(t, sink, 2)
	if msgs[1].Type != protocol.TypeDone {
		t.Fatalf("messages = %+v", msgs)
	}
	// doneの送信とロックを共有しているため待たずに観測できる
	if got := ch.currentRequestID(); got != "" {
		t.Errorf("currentRequestID = %q, want empty right after done", got)
	}
}

func TestChannel_Complete_PostsResult(t *testing.T) {
	up := newControlledUpstream()
	sink := &recordingSink{}
	ch := NewChannel(context.Background(), newTestRelay(up.mock(), Config{}), sink)
	defer ch.Close()

	ch.Complete("c-1", upstream.CompletionRequest{Model: "gpt-4o-mini"}, keyCreds())

	msgs := waitForMessages(t, sink, 1)
	if msgs[0].Type != protocol.TypeResult || msgs[0].Text != "buffered answer" || msgs[0].RequestID != "c-1" {
		t.Errorf("result = %+v", msgs[0])
	}
}

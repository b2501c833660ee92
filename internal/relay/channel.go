package relay

import (
	"context"
	"sync"

	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/protocol"
	"github.com/hitoshi/chatrelay/internal/upstream"
)

// activeSession はチャネルが追跡している実行中のストリーミング呼び出し。
type activeSession struct {
	requestID string
	cancel    context.CancelCauseFunc
	// cancelled は切断・置き換え・明示的なキャンセルで打ち切られたことを示す。
	// チャネルのmuで保護する。
	cancelled bool
}

// Channel は1本の双方向チャネル（WebSocket接続1本）に対応するリレー。
//
// ストリーミング呼び出しは同時に1つだけ追跡し、新しい呼び出しを開始すると
// 実行中の呼び出しはキャンセルされ、以降そのrequestIdのメッセージは送信されない。
// Close後の操作は全て何もしない。
type Channel struct {
	relay *Relay
	out   Sink

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	current *activeSession
	closed  bool

	wg sync.WaitGroup
}

// NewChannel はチャネルを生成する。outには接続の書き込みポンプへの送信を渡す。
// ctxの解除はCloseと同じく全ての呼び出しをキャンセルする。
func NewChannel(ctx context.Context, relay *Relay, out Sink) *Channel {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Channel{
		relay:  relay,
		out:    out,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start はストリーミング呼び出しを開始する。実行中の呼び出しがあればキャンセルする。
func (c *Channel) Start(req model.ChatRequest, creds upstream.Credentials) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.current != nil {
		c.cancelLocked(c.current)
	}
	ctx, cancel := context.WithCancelCause(c.ctx)
	active := &activeSession{requestID: req.RequestID, cancel: cancel}
	c.current = active
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel(nil)

		_ = c.relay.Stream(ctx, req, creds, c.sessionSink(active))

		c.mu.Lock()
		if c.current == active {
			c.current = nil
		}
		c.mu.Unlock()
	}()
}

// Complete はバッファ型補完を開始する。ストリーミング呼び出しの追跡には影響しない。
func (c *Channel) Complete(requestID string, req upstream.CompletionRequest, creds upstream.Credentials) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_ = c.relay.Complete(c.ctx, requestID, req, creds, c.guardedSink())
	}()
}

// Cancel は指定したrequestIdの実行中の呼び出しをキャンセルする。一致しなければ何もしない。
func (c *Channel) Cancel(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.requestID == requestID {
		c.cancelLocked(c.current)
		c.current = nil
	}
}

// currentRequestID は追跡中の呼び出しのrequestIdを返す。無ければ空文字列。
func (c *Channel) currentRequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.requestID
}

// Close はリモート側の切断時に呼び出す。実行中の呼び出しをキャンセルし、全ての終了を待つ。
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.current != nil {
		c.cancelLocked(c.current)
		c.current = nil
	}
	c.mu.Unlock()

	c.cancel(model.ErrCancelled)
	c.wg.Wait()
}

func (c *Channel) cancelLocked(active *activeSession) {
	active.cancelled = true
	active.cancel(model.ErrCancelled)
}

// sessionSink は指定した呼び出しが現在も有効な場合のみoutへ送信するSinkを返す。
// 送信と打ち切りを同じロックで直列化し、打ち切り後のメッセージが漏れないようにする。
// outのPostはブロックしないため、ロックを保持する時間はキューへの投入1回分に限られる。
// 終端メッセージを送った呼び出しはその時点で追跡を外す。
func (c *Channel) sessionSink(active *activeSession) Sink {
	return SinkFunc(func(msg protocol.Response) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || active.cancelled {
			return model.ErrCancelled
		}
		err := c.out.Post(msg)
		if msg.Terminal() && c.current == active {
			c.current = nil
		}
		return err
	})
}

// guardedSink はClose後の送信を拒否するSinkを返す。
func (c *Channel) guardedSink() Sink {
	return SinkFunc(func(msg protocol.Response) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return model.ErrCancelled
		}
		return c.out.Post(msg)
	})
}

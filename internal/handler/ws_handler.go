package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chatrelay/internal/middleware"
	"github.com/hitoshi/chatrelay/internal/protocol"
	"github.com/hitoshi/chatrelay/internal/relay"
	"github.com/hitoshi/chatrelay/internal/security"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second

	// sendBufferSize は書き込みポンプへの送信キューの長さ。
	sendBufferSize = 256
)

var (
	errConnectionClosed = errors.New("connection closed")
	// errSlowConsumer は送信キューが満杯で、クライアントが読み取りに追いついていないことを示す。
	errSlowConsumer = errors.New("send queue is full")
)

// WebSocketConfig はチャネルのWebSocket接続の設定。
type WebSocketConfig struct {
	// AllowedOrigin は接続を許可するOriginヘッダーの値。空または"*"で全て許可する。
	AllowedOrigin string
	// MessagesPerMinute は1接続あたりに受け付けるリクエストメッセージ数。pingは数えない。
	MessagesPerMinute int
}

// WebSocketHandler は埋め込みUIとのチャネルをWebSocketで提供する。
// 接続時にはゲートを通さず、認可コンテキストは各リクエストメッセージが運ぶ。
type WebSocketHandler struct {
	relay    *relay.Relay
	guard    security.SSRFGuardService
	logger   *slog.Logger
	config   WebSocketConfig
	upgrader websocket.Upgrader
}

// NewWebSocketHandler はWebSocketHandlerを生成する。
func NewWebSocketHandler(r *relay.Relay, guard security.SSRFGuardService, logger *slog.Logger, config WebSocketConfig) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WebSocketHandler{
		relay:  r,
		guard:  guard,
		logger: logger,
		config: config,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	allowed := h.config.AllowedOrigin
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	// ブラウザ以外のクライアントはOriginを送らない
	return origin == "" || origin == allowed
}

// wsConn は1本のWebSocket接続。書き込みは書き込みポンプのみが行う。
type wsConn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Post はメッセージを送信キューに積む。ブロックはしない。
// キューが満杯の場合はメッセージを落とさずに接続を閉じ、errSlowConsumerを返す。
func (c *wsConn) Post(msg protocol.Response) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("送信キューが満杯のため接続を閉じます",
			slog.String("conn_id", c.id),
			slog.Int("queued", len(c.send)),
		)
		c.shutdown()
		return errSlowConsumer
	}
}

// shutdown は接続を閉じる。複数回呼んでも安全。
func (c *wsConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// ServeHTTP はWebSocketへアップグレードし、切断まで読み取りポンプを実行する。
// GET /ws
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラー応答を書き込み済み
		h.logger.Warn("WebSocketへのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}

	limiterConfig := middleware.RateLimiterConfigPerMinute(h.config.MessagesPerMinute)
	conn := &wsConn{
		id:      uuid.NewString(),
		ws:      ws,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limiterConfig.Rate, limiterConfig.Burst),
		logger:  h.logger,
	}
	channel := relay.NewChannel(r.Context(), h.relay, conn)

	h.logger.Info("WebSocket接続を開始しました",
		slog.String("conn_id", conn.id),
		slog.String("remote_addr", r.RemoteAddr),
	)

	go h.writePump(conn)
	h.readPump(conn, channel)

	// 送信キューを先に閉じ、以降のPostを拒否させてから全セッションの終了を待つ
	conn.shutdown()
	channel.Close()

	h.logger.Info("WebSocket接続を終了しました", slog.String("conn_id", conn.id))
}

func (h *WebSocketHandler) readPump(conn *wsConn, channel *relay.Channel) {
	conn.ws.SetReadLimit(protocol.MaxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocketの読み取りに失敗しました",
					slog.String("conn_id", conn.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		req, parseErr := protocol.ParseRequest(raw)
		switch {
		case parseErr != nil:
			requestID := ""
			if req != nil {
				requestID = req.RequestID
			}
			err = conn.Post(protocol.NewError(requestID, parseErr.Error()))
		case req.Type == protocol.TypePing:
			err = conn.Post(protocol.NewPong())
		case !conn.limiter.Allow():
			err = conn.Post(protocol.NewError(req.RequestID, "rate limit exceeded"))
		default:
			err = h.dispatch(conn, channel, req)
		}
		if err != nil {
			// 接続は閉じているか、送信キューの溢れで閉じられた
			return
		}
	}
}

// dispatch はリクエストメッセージを種別ごとにチャネルへ渡す。
// 接続への応答に失敗した場合のみエラーを返す。
func (h *WebSocketHandler) dispatch(conn *wsConn, channel *relay.Channel, req *protocol.Request) error {
	switch req.Type {
	case protocol.TypeCancel:
		channel.Cancel(req.RequestID)

	case protocol.TypeStreamRequest:
		chat := req.ChatRequest()
		if err := validateImageURLs(h.guard, &chat); err != nil {
			return conn.Post(protocol.NewError(req.RequestID, "image URL is not allowed"))
		}
		channel.Start(chat, req.Credentials.Upstream())

	case protocol.TypeCompleteRequest:
		channel.Complete(req.RequestID, req.CompletionRequest(), req.Credentials.Upstream())
	}
	return nil
}

func (h *WebSocketHandler) writePump(conn *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.shutdown()
	}()

	for {
		select {
		case msg := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-conn.done:
			return
		}
	}
}

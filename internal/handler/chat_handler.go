package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/chatrelay/internal/metrics"
	"github.com/hitoshi/chatrelay/internal/middleware"
	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/security"
	"github.com/hitoshi/chatrelay/internal/upstream"
)

const (
	// maxRequestBodySize はリクエストボディの最大サイズ。画像のdata URLを含められる大きさにする。
	maxRequestBodySize = 8 * 1024 * 1024
	// streamBufferSize は上流ストリームを1回に中継する最大バイト数。
	streamBufferSize = 32 * 1024
)

// UpstreamService はチャットハンドラーが必要とする上流クライアントのインターフェース。
// upstream.Clientが実装する。
type UpstreamService interface {
	// Forward はサーバーのAPIキーでバッファ型補完を転送し、上流のレスポンスをそのまま返す。
	Forward(ctx context.Context, req upstream.CompletionRequest) (*upstream.RawResponse, error)
	// CompleteStreaming はストリーミングリクエストを開始し、開いたままのボディを返す。
	CompleteStreaming(ctx context.Context, req model.ChatRequest, creds upstream.Credentials) (io.ReadCloser, error)
	ServerCredentials() upstream.Credentials
	NormalizeModel(name string) string
}

var _ UpstreamService = (*upstream.Client)(nil)

// ChatHandler はアクセスゲート通過後のHTTPチャットエンドポイントを処理する。
type ChatHandler struct {
	upstream UpstreamService
	guard    security.SSRFGuardService
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewChatHandler はChatHandlerを生成する。collectorはnil可。
func NewChatHandler(up UpstreamService, guard security.SSRFGuardService, collector metrics.MetricsCollector, logger *slog.Logger) *ChatHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		upstream: up,
		guard:    guard,
		metrics:  collector,
		logger:   logger,
	}
}

// chatRequest はPOST /chatのリクエストボディ。
type chatRequest struct {
	Model    string              `json:"model"`
	Messages []model.ChatMessage `json:"messages"`
}

// streamRequest はPOST /chat/streamのリクエストボディ。
type streamRequest struct {
	Model              string               `json:"model"`
	Input              []model.InputMessage `json:"input"`
	Instructions       string               `json:"instructions"`
	PreviousResponseID string               `json:"previous_response_id"`
}

// Chat はバッファ型補完を処理する。
// POST /chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}
	if len(req.Messages) == 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("messagesが空です"))
		return
	}

	start := time.Now()
	resp, err := h.upstream.Forward(r.Context(), upstream.CompletionRequest{
		Model:    h.upstream.NormalizeModel(req.Model),
		Messages: req.Messages,
	})
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Error("上流への転送に失敗しました", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamFailedError())
		return
	}
	h.metrics.RecordUpstreamLatency(time.Since(start))

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// Stream は上流のSSEストリームをデコードせずにそのまま中継する。
// クライアントが切断するとリクエストのcontextが解除され、上流のリクエストもキャンセルされる。
// POST /chat/stream
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}
	if len(req.Input) == 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("inputが空です"))
		return
	}

	chat := model.ChatRequest{
		RequestID:          uuid.NewString(),
		Model:              h.upstream.NormalizeModel(req.Model),
		Input:              req.Input,
		Instructions:       req.Instructions,
		PreviousResponseID: req.PreviousResponseID,
	}
	if err := validateImageURLs(h.guard, &chat); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewImageURLNotAllowedError())
		return
	}

	h.metrics.StreamStarted(metrics.TransportHTTP)
	outcome := metrics.StreamOutcomeError
	defer func() { h.metrics.StreamFinished(metrics.TransportHTTP, outcome) }()

	start := time.Now()
	body, err := h.upstream.CompleteStreaming(r.Context(), chat, h.upstream.ServerCredentials())
	if err != nil {
		outcome = h.writeStreamError(w, r, chat.RequestID, err)
		return
	}
	defer body.Close()
	h.metrics.RecordUpstreamLatency(time.Since(start))

	// ストリームはサーバーのWriteTimeoutより長く続くため、この応答に限り書き込み期限を外す
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("書き込み期限の解除に失敗しました", slog.String("error", err.Error()))
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("X-Request-Id", chat.RequestID)
	w.WriteHeader(http.StatusOK)
	rc.Flush()

	outcome = h.pipe(r.Context(), w, rc, body)
	h.logger.Info("ストリームの中継を終了しました",
		slog.String("request_id", chat.RequestID),
		slog.String("outcome", outcome),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// pipe は上流のバイト列をチャンクごとに書き込み、都度フラッシュする。
func (h *ChatHandler) pipe(ctx context.Context, w http.ResponseWriter, rc *http.ResponseController, body io.Reader) string {
	buf := make([]byte, streamBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return metrics.StreamOutcomeCancelled
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return metrics.StreamOutcomeCancelled
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return metrics.StreamOutcomeDone
			}
			if ctx.Err() != nil {
				return metrics.StreamOutcomeCancelled
			}
			h.logger.Warn("上流ストリームの読み取りに失敗しました", slog.String("error", readErr.Error()))
			return metrics.StreamOutcomeError
		}
	}
}

// writeStreamError はストリーム開始前の失敗を応答する。
// 上流の非成功ステータスはステータスとボディをtext/plainでそのまま返す。
func (h *ChatHandler) writeStreamError(w http.ResponseWriter, r *http.Request, requestID string, err error) string {
	if r.Context().Err() != nil {
		return metrics.StreamOutcomeCancelled
	}

	var upstreamErr *model.UpstreamError
	switch {
	case errors.As(err, &upstreamErr):
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(upstreamErr.StatusCode)
		io.WriteString(w, upstreamErr.Body)
	case errors.Is(err, model.ErrMissingBody):
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamNoBodyError())
	default:
		h.logger.Error("上流ストリームの開始に失敗しました",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamFailedError())
	}
	return metrics.StreamOutcomeError
}

// decodeJSONBody はサイズ上限付きでリクエストボディをデコードする。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

// validateImageURLs は入力中の全ての画像参照URLを検証する。
func validateImageURLs(guard security.SSRFGuardService, req *model.ChatRequest) error {
	if guard == nil {
		return nil
	}
	for _, u := range req.ImageURLs() {
		if err := guard.ValidateImageURL(u); err != nil {
			return err
		}
	}
	return nil
}

// Package relay は上流のストリーミング応答をデコードし、型付きメッセージとしてチャネルへ転送する。
//
// 1回の呼び出しにつき1つのcontextをキャンセルトークンとして使い、
// 下流の切断・新しいリクエストによる置き換え・タイムアウトはいずれもそのcontextを解除する。
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/chatrelay/internal/metrics"
	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/protocol"
	"github.com/hitoshi/chatrelay/internal/security"
	"github.com/hitoshi/chatrelay/internal/upstream"
)

const (
	// DefaultStreamTimeout はストリーミング呼び出し1回あたりのデフォルトのタイムアウト。
	DefaultStreamTimeout = 120 * time.Second

	// readBufferSize は上流ボディを1回に読み取る最大バイト数。
	readBufferSize = 32 * 1024
)

// errSinkGone は送信先（チャネル）が既に閉じている場合の内部エラー。
var errSinkGone = errors.New("sink is gone")

// ErrStreamFailed は上流がストリーム内でエラーイベントを返した場合のエラー。
var ErrStreamFailed = errors.New("upstream stream reported an error")

// Sink はリレーが型付きメッセージを送る先。チャネルの接続ごとに実装される。
// 送信できなかった場合はエラーを返し、以降のメッセージは送られない。
// Postはブロックしてはならない。送り切れない場合はエラーを返す。
type Sink interface {
	Post(msg protocol.Response) error
}

// SinkFunc は関数をSinkとして扱うアダプター。
type SinkFunc func(msg protocol.Response) error

func (f SinkFunc) Post(msg protocol.Response) error {
	return f(msg)
}

// Upstream はリレーが使用する上流クライアントのインターフェース。
// upstream.Clientが実装する。
type Upstream interface {
	CompleteStreaming(ctx context.Context, req model.ChatRequest, creds upstream.Credentials) (io.ReadCloser, error)
	CompleteBuffered(ctx context.Context, req upstream.CompletionRequest, creds upstream.Credentials) (string, error)
	NormalizeModel(name string) string
	NormalizeKeyModel(name string) string
}

var _ Upstream = (*upstream.Client)(nil)

// Config はリレーの設定。
type Config struct {
	// StreamTimeout は呼び出し元とは独立したストリーミング1回あたりのタイムアウト。0以下でデフォルト値。
	StreamTimeout time.Duration
}

// Relay はチャネル経由のストリーミング・バッファ型補完を実行する。
type Relay struct {
	upstream  Upstream
	sanitizer security.TextSanitizerService
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	config    Config
}

// NewRelay はRelayの新しいインスタンスを生成する。collectorはnil可。
func NewRelay(up Upstream, sanitizer security.TextSanitizerService, collector metrics.MetricsCollector, logger *slog.Logger, config Config) *Relay {
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = DefaultStreamTimeout
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		upstream:  up,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		config:    config,
	}
}

// normalizeModel は認可モードに応じてモデル名を正規化する。
// 委任トークンモードはバックエンドの許可リスト、APIキーモードはより広い範囲を受け付ける。
func (r *Relay) normalizeModel(name string, mode upstream.AuthMode) string {
	if mode == upstream.AuthModeAPIKey {
		return r.upstream.NormalizeKeyModel(name)
	}
	return r.upstream.NormalizeModel(name)
}

// Stream は1回のストリーミング呼び出しを実行する。
//
// 差分はデコードされるたびに即座にsinkへ送信する。終端はdoneまたはerrorのいずれかを
// ちょうど1回送信する。タイムアウト時はerrorを送信し、ctxが切断や置き換えで解除された場合は
// 何も送信しない。戻り値は終了理由（正常終了はnil）。
func (r *Relay) Stream(ctx context.Context, req model.ChatRequest, creds upstream.Credentials, sink Sink) error {
	ctx, cancel := context.WithTimeoutCause(ctx, r.config.StreamTimeout, model.ErrTimeout)
	defer cancel()

	req.Model = r.normalizeModel(req.Model, creds.Mode)
	session := newSession(req.RequestID, sink)

	r.metrics.StreamStarted(metrics.TransportChannel)
	start := time.Now()

	err := r.stream(ctx, req, creds, session)

	outcome := streamOutcome(err)
	r.metrics.StreamFinished(metrics.TransportChannel, outcome)
	r.metrics.RecordDeltasForwarded(session.Deltas())
	r.logger.Info("ストリームを終了しました",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.String("outcome", outcome),
		slog.Int("deltas", session.Deltas()),
		slog.String("response_id", session.ResponseID()),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return err
}

func (r *Relay) stream(ctx context.Context, req model.ChatRequest, creds upstream.Credentials, session *Session) error {
	requested := time.Now()
	body, err := r.upstream.CompleteStreaming(ctx, req, creds)
	if err != nil {
		return r.terminate(ctx, session, err)
	}
	defer body.Close()

	r.metrics.RecordUpstreamLatency(time.Since(requested))

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range session.decoder.Feed(buf[:n]) {
				if err := session.apply(ev, r.sanitize); err != nil {
					return model.ErrCancelled
				}
			}
			if session.Finished() {
				return session.result()
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if pending := session.decoder.Buffered(); pending > 0 {
				r.logger.Debug("区切りのない末尾レコードを処理します",
					slog.String("request_id", req.RequestID),
					slog.Int("bytes", pending),
				)
			}
			for _, ev := range session.decoder.Flush() {
				if err := session.apply(ev, r.sanitize); err != nil {
					return model.ErrCancelled
				}
			}
			// 終端イベントなしでストリームが閉じた場合も正常終了として扱う
			if err := session.done(); err != nil {
				return model.ErrCancelled
			}
			return session.result()
		}
		return r.terminate(ctx, session, readErr)
	}
}

// terminate は上流呼び出しまたは読み取りの失敗でセッションを終了する。
// 解除の原因がタイムアウト以外（切断・置き換え）であれば何も送信しない。
func (r *Relay) terminate(ctx context.Context, session *Session, err error) error {
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), model.ErrTimeout) {
			if postErr := session.fail(model.ErrTimeout.Error()); postErr != nil {
				return model.ErrCancelled
			}
			return model.ErrTimeout
		}
		session.abandon()
		return model.ErrCancelled
	}

	if postErr := session.fail(r.errorMessage(err)); postErr != nil {
		return model.ErrCancelled
	}
	return err
}

// Complete はバッファ型補完を1回実行し、resultまたはerrorを1件だけsinkへ送信する。
// APIキーで呼び出す経路専用で、アクセスゲートは再度通さない。
func (r *Relay) Complete(ctx context.Context, requestID string, req upstream.CompletionRequest, creds upstream.Credentials, sink Sink) error {
	if creds.Mode != upstream.AuthModeAPIKey {
		err := upstream.ErrBufferedRequiresAPIKey
		_ = sink.Post(protocol.NewError(requestID, err.Error()))
		return err
	}

	req.Model = r.upstream.NormalizeKeyModel(req.Model)

	text, err := r.upstream.CompleteBuffered(ctx, req, creds)
	if err != nil {
		if ctx.Err() != nil {
			return model.ErrCancelled
		}
		r.logger.Warn("バッファ型補完に失敗しました",
			slog.String("request_id", requestID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		_ = sink.Post(protocol.NewError(requestID, r.errorMessage(err)))
		return err
	}

	if err := sink.Post(protocol.NewResult(requestID, text)); err != nil {
		return model.ErrCancelled
	}
	return nil
}

// errorMessage はUIへ表示するエラー文字列を生成する。上流由来の文字列はマークアップを除去する。
func (r *Relay) errorMessage(err error) string {
	var upstreamErr *model.UpstreamError
	switch {
	case errors.As(err, &upstreamErr):
		return r.sanitize(fmt.Sprintf("upstream returned status %d: %s", upstreamErr.StatusCode, upstreamErr.Body))
	case errors.Is(err, model.ErrMissingBody):
		return model.ErrMissingBody.Error()
	case errors.Is(err, model.ErrEmptyCompletion):
		return model.ErrEmptyCompletion.Error()
	default:
		return r.sanitize(err.Error())
	}
}

func (r *Relay) sanitize(s string) string {
	if r.sanitizer == nil {
		return s
	}
	return r.sanitizer.Sanitize(s)
}

// streamOutcome は終了理由をメトリクスのラベル値に変換する。
func streamOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.StreamOutcomeDone
	case errors.Is(err, model.ErrCancelled):
		return metrics.StreamOutcomeCancelled
	case errors.Is(err, model.ErrTimeout):
		return metrics.StreamOutcomeTimeout
	default:
		return metrics.StreamOutcomeError
	}
}

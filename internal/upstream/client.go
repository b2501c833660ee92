// Package upstream はLLMプロバイダーAPIへのバッファ型およびストリーミング型リクエストを提供する。
// 利用者の識別やクォータについては関知しない。
package upstream

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
	"time"

	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/security"
)

const (
	// DefaultBaseURL はプロバイダーAPIのデフォルトのベースURL。
	DefaultBaseURL = "https://api.openai.com"

	chatCompletionsPath = "/v1/chat/completions"
	responsesPath       = "/v1/responses"
	// backendStreamPath は委任トークンモードで転送先とするバックエンドのストリーミングエンドポイント。
	backendStreamPath = "/chat/stream"

	// maxErrorBodySize はエラーレスポンスとして読み取るボディの最大サイズ。
	maxErrorBodySize = 64 * 1024
	// maxBufferedBodySize はバッファ型レスポンスとして読み取るボディの最大サイズ。
	maxBufferedBodySize = 8 * 1024 * 1024

	userAgent = "ChatRelay/1.0"
)

// AuthMode はリレー呼び出し時の認可コンテキストの種別。
type AuthMode string

const (
	// AuthModeAPIKey は呼び出し元が保持するAPIキーでプロバイダーを直接呼び出すモード。
	AuthModeAPIKey AuthMode = "api_key"
	// AuthModeDelegated はIDトークンを添えてバックエンドのリレーを経由するモード。
	// クォータはバックエンド側のアクセスゲートで消費される。
	AuthModeDelegated AuthMode = "delegated"
)

// ErrBufferedRequiresAPIKey はバッファ型補完がAPIキー以外の認可で呼ばれた場合のエラー。
var ErrBufferedRequiresAPIKey = errors.New("buffered completion requires api key credentials")

// ErrCustomBaseURLNotAllowed は設定で許可されていないのにカスタムベースURLが指定された場合のエラー。
var ErrCustomBaseURLNotAllowed = errors.New("custom base URL is not allowed")

// Credentials は呼び出し元が決定済みの認可コンテキスト。ここでは再判定しない。
type Credentials struct {
	Mode   AuthMode
	APIKey string
	Token  string
	// BaseURL はAPIキーモードでOpenAI互換エンドポイントを使う場合のみ指定する。
	BaseURL string
}

// Validate は認可モードに必要な値が揃っているかを検証する。
func (c Credentials) Validate() error {
	switch c.Mode {
	case AuthModeAPIKey:
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("api key is required")
		}
	case AuthModeDelegated:
		if strings.TrimSpace(c.Token) == "" {
			return fmt.Errorf("identity token is required")
		}
	default:
		return fmt.Errorf("unknown credentials mode: %q", c.Mode)
	}
	return nil
}

// Config は上流クライアントの設定。
type Config struct {
	BaseURL            string        // プロバイダーのベースURL
	APIKey             string        // サーバーが保持する共有シークレット
	BackendURL         string        // 委任トークンモードの転送先
	DefaultModel       string        // 許可リスト外のモデルに代わって使用するモデル
	AllowCustomBaseURL bool          // APIキーモードでのカスタムベースURLを許可するか
	BufferedTimeout    time.Duration // バッファ型リクエストのタイムアウト
	StreamTimeout      time.Duration // カスタムベースURL用クライアントの全体タイムアウト
}

// CompletionRequest はバッファ型補完リクエスト。
type CompletionRequest struct {
	Model       string
	Messages    []model.ChatMessage
	Temperature *float64
}

// RawResponse は上流レスポンスをそのまま呼び出し元へ返すための値。
type RawResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// StatusRecorder は上流が返したHTTPステータスを受け取る。metrics.Collectorが実装する。
type StatusRecorder interface {
	RecordUpstreamStatus(statusCode int)
}

// Client はLLMプロバイダーAPIのクライアント。
type Client struct {
	httpClient *http.Client
	guard      security.SSRFGuardService
	safeClient *http.Client
	statuses   StatusRecorder
	logger     *slog.Logger
	config     Config
}

// NewClient はClientの新しいインスタンスを生成する。statusesはnil可。
// httpClientにはストリームを途中で切らないよう全体タイムアウトを設定しないこと。
// キャンセルとタイムアウトはリクエストごとのcontextで制御する。
func NewClient(httpClient *http.Client, guard security.SSRFGuardService, statuses StatusRecorder, logger *slog.Logger, config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultModel
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	config.BackendURL = strings.TrimRight(config.BackendURL, "/")

	c := &Client{
		httpClient: httpClient,
		guard:      guard,
		statuses:   statuses,
		logger:     logger,
		config:     config,
	}
	if guard != nil && config.AllowCustomBaseURL {
		c.safeClient = guard.NewSafeClient(config.StreamTimeout)
	}
	return c
}

// ServerCredentials はサーバーが保持するAPIキーを使う認可コンテキストを返す。
func (c *Client) ServerCredentials() Credentials {
	return Credentials{Mode: AuthModeAPIKey, APIKey: c.config.APIKey}
}

// completionResponse はチャット補完レスポンスのうち必要な部分。
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// CompleteBuffered は1回のリクエストで完成した回答テキストを取得する。
// 非成功ステータスは*model.UpstreamError、テキストが空の場合はmodel.ErrEmptyCompletionを返す。
func (c *Client) CompleteBuffered(ctx context.Context, req CompletionRequest, creds Credentials) (string, error) {
	if creds.Mode != AuthModeAPIKey {
		return "", ErrBufferedRequiresAPIKey
	}

	httpClient, baseURL, err := c.resolveTarget(creds)
	if err != nil {
		return "", err
	}

	if c.config.BufferedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.BufferedTimeout)
		defer cancel()
	}

	resp, err := c.post(ctx, httpClient, baseURL+chatCompletionsPath, creds.APIKey, buildCompletionBody(req), false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", c.upstreamError(resp)
	}

	var result completionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBufferedBodySize)).Decode(&result); err != nil {
		c.logger.Error("補完レスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}

	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", model.ErrEmptyCompletion
	}
	return result.Choices[0].Message.Content, nil
}

// CompleteStreaming はインクリメンタル出力を要求するリクエストを送り、開いたままのボディを返す。
// ctxのキャンセルが上流リクエストのキャンセルとなる。呼び出し側はボディを必ずCloseすること。
func (c *Client) CompleteStreaming(ctx context.Context, req model.ChatRequest, creds Credentials) (io.ReadCloser, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	var (
		httpClient *http.Client
		endpoint   string
		secret     string
		body       any
	)

	switch creds.Mode {
	case AuthModeDelegated:
		httpClient = c.httpClient
		endpoint = c.config.BackendURL + backendStreamPath
		secret = creds.Token
		body = buildBackendStreamBody(req)
	default:
		var baseURL string
		var err error
		httpClient, baseURL, err = c.resolveTarget(creds)
		if err != nil {
			return nil, err
		}
		endpoint = baseURL + responsesPath
		secret = creds.APIKey
		body = buildResponsesBody(req)
	}

	resp, err := c.post(ctx, httpClient, endpoint, secret, body, true)
	if err != nil {
		return nil, err
	}

	if !isSuccess(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, c.upstreamError(resp)
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		c.logger.Error("上流レスポンスにボディがありません",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.ErrMissingBody
	}

	return resp.Body, nil
}

// Forward はバッファ型のチャット補完リクエストをサーバーのAPIキーで転送し、
// 上流のステータス・Content-Type・ボディをそのまま返す。
func (c *Client) Forward(ctx context.Context, req CompletionRequest) (*RawResponse, error) {
	if c.config.BufferedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.BufferedTimeout)
		defer cancel()
	}

	resp, err := c.post(ctx, c.httpClient, c.config.BaseURL+chatCompletionsPath, c.config.APIKey, buildCompletionBody(req), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	return &RawResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// resolveTarget はAPIキーモードの接続先とHTTPクライアントを決定する。
// カスタムベースURLはSSRF防止付きクライアントでのみ接続する。
func (c *Client) resolveTarget(creds Credentials) (*http.Client, string, error) {
	if creds.BaseURL == "" {
		return c.httpClient, c.config.BaseURL, nil
	}
	if !c.config.AllowCustomBaseURL || c.safeClient == nil {
		return nil, "", ErrCustomBaseURLNotAllowed
	}
	if err := c.guard.ValidateBaseURL(creds.BaseURL); err != nil {
		return nil, "", fmt.Errorf("invalid base URL: %w", err)
	}
	return c.safeClient, strings.TrimRight(creds.BaseURL, "/"), nil
}

// post はJSONボディをPOSTする。レスポンスボディのクローズは呼び出し側の責務。
func (c *Client) post(ctx context.Context, httpClient *http.Client, endpoint, secret string, body any, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("LLM APIの呼び出しに失敗しました",
				slog.String("error", err.Error()),
				slog.Bool("stream", stream),
			)
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	if c.statuses != nil {
		c.statuses.RecordUpstreamStatus(resp.StatusCode)
	}
	c.logger.Debug("LLM APIが応答しました",
		slog.Int("http_status", resp.StatusCode),
		slog.Bool("stream", stream),
		slog.Duration("latency", time.Since(start)),
	)
	return resp, nil
}

// upstreamError は非成功レスポンスのボディを読み取り、*model.UpstreamErrorを生成する。
func (c *Client) upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	c.logger.Warn("LLM APIがエラーステータスを返しました",
		slog.Int("http_status", resp.StatusCode),
	)
	return &model.UpstreamError{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

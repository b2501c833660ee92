// Package protocol は埋め込みUIとのチャネル（WebSocket）でやり取りするメッセージを定義する。
//
// 全てのメッセージはtypeフィールドで種別を判別するJSONテキストフレームで、
// リクエストに対する応答は呼び出し元のrequestIdをそのまま含む。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/upstream"
)

// クライアントから受け取るメッセージの種別
const (
	TypeStreamRequest   = "stream-request"
	TypeCompleteRequest = "complete-request"
	TypeCancel          = "cancel"
	TypePing            = "ping"
)

// クライアントへ送るメッセージの種別
const (
	TypeDelta  = "delta"
	TypeDone   = "done"
	TypeError  = "error"
	TypeResult = "result"
	TypePong   = "pong"
)

// MaxMessageSize は1フレームの最大サイズ（バイト）。画像のdata URLを含められる大きさにする。
const MaxMessageSize = 4 * 1024 * 1024

// ErrInvalidMessage はフレームがJSONとして不正、または必須フィールドが欠けている場合のエラー。
var ErrInvalidMessage = errors.New("invalid message")

// Credentials は呼び出し元が決定済みの認可コンテキストのワイヤ表現。
type Credentials struct {
	Mode    string `json:"mode"`
	APIKey  string `json:"apiKey,omitempty"`
	Token   string `json:"token,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// Upstream は上流クライアント用の認可コンテキストに変換する。
func (c *Credentials) Upstream() upstream.Credentials {
	if c == nil {
		return upstream.Credentials{}
	}
	return upstream.Credentials{
		Mode:    upstream.AuthMode(c.Mode),
		APIKey:  c.APIKey,
		Token:   c.Token,
		BaseURL: strings.TrimSpace(c.BaseURL),
	}
}

// Request はクライアントから受け取る1メッセージ。使用されるフィールドはTypeにより異なる。
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// stream-request
	Model              string               `json:"model,omitempty"`
	Input              []model.InputMessage `json:"input,omitempty"`
	Instructions       string               `json:"instructions,omitempty"`
	PreviousResponseID string               `json:"previousResponseId,omitempty"`

	// complete-request
	Messages    []model.ChatMessage `json:"messages,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`

	Credentials *Credentials `json:"credentials,omitempty"`
}

// ParseRequest はフレームをRequestに変換し、種別ごとの必須フィールドを検証する。
func ParseRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch req.Type {
	case TypePing:
		return &req, nil
	case TypeCancel:
		if req.RequestID == "" {
			return &req, fmt.Errorf("%w: requestId is required", ErrInvalidMessage)
		}
	case TypeStreamRequest:
		if req.RequestID == "" {
			return &req, fmt.Errorf("%w: requestId is required", ErrInvalidMessage)
		}
		if len(req.Input) == 0 {
			return &req, fmt.Errorf("%w: input is required", ErrInvalidMessage)
		}
		if req.Credentials == nil {
			return &req, fmt.Errorf("%w: credentials are required", ErrInvalidMessage)
		}
	case TypeCompleteRequest:
		if req.RequestID == "" {
			return &req, fmt.Errorf("%w: requestId is required", ErrInvalidMessage)
		}
		if len(req.Messages) == 0 {
			return &req, fmt.Errorf("%w: messages are required", ErrInvalidMessage)
		}
		if req.Credentials == nil {
			return &req, fmt.Errorf("%w: credentials are required", ErrInvalidMessage)
		}
	default:
		return &req, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, req.Type)
	}
	return &req, nil
}

// ChatRequest はstream-requestをリレー用のChatRequestに変換する。
func (r *Request) ChatRequest() model.ChatRequest {
	return model.ChatRequest{
		RequestID:          r.RequestID,
		Model:              r.Model,
		Input:              r.Input,
		Instructions:       r.Instructions,
		PreviousResponseID: r.PreviousResponseID,
	}
}

// CompletionRequest はcomplete-requestをバッファ型補完リクエストに変換する。
func (r *Request) CompletionRequest() upstream.CompletionRequest {
	return upstream.CompletionRequest{
		Model:       r.Model,
		Messages:    r.Messages,
		Temperature: r.Temperature,
	}
}

// Response はクライアントへ送る1メッセージ。
type Response struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	ResponseID string          `json:"responseId,omitempty"`
	Usage      json.RawMessage `json:"usage,omitempty"`
	Error      string          `json:"error,omitempty"`
	Text       string          `json:"text,omitempty"`
}

// Marshal はレスポンスをJSONにシリアライズする。
func (r Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Terminal はセッションを終了させるメッセージかどうかを返す。
func (r Response) Terminal() bool {
	switch r.Type {
	case TypeDone, TypeError, TypeResult:
		return true
	}
	return false
}

func NewDelta(requestID, delta string) Response {
	return Response{Type: TypeDelta, RequestID: requestID, Delta: delta}
}

func NewDone(requestID, responseID string, usage json.RawMessage) Response {
	return Response{Type: TypeDone, RequestID: requestID, ResponseID: responseID, Usage: usage}
}

func NewError(requestID, message string) Response {
	return Response{Type: TypeError, RequestID: requestID, Error: message}
}

func NewResult(requestID, text string) Response {
	return Response{Type: TypeResult, RequestID: requestID, Text: text}
}

func NewPong() Response {
	return Response{Type: TypePong}
}

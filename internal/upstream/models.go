package upstream

import (
	"strings"

	"github.com/hitoshi/chatrelay/internal/model"
)

const (
	// DefaultModel は許可リスト外のモデルが指定された場合に透過的に代用するモデル。
	DefaultModel = "gpt-4.1-mini"

	// TemperatureModel はtemperatureパラメータを送信する唯一のモデル。
	// 他のモデルはtemperatureを受け付けない、または既定値以外を拒否するため送信しない。
	TemperatureModel = "gpt-4o-mini"
	// DefaultTemperature はTemperatureModelで呼び出し元が値を指定しなかった場合に使用する値。
	DefaultTemperature = 0.7
)

// allowedModels はバックエンド経由（共有シークレット使用時）に許可するモデル。
var allowedModels = map[string]struct{}{
	"gpt-4.1-mini": {},
	"gpt-4.1-nano": {},
	"gpt-4o-mini":  {},
	"gpt-5-mini":   {},
	"gpt-5-nano":   {},
}

// keyModelPrefixes は利用者自身のAPIキーで呼び出す場合に受け付けるモデル名の接頭辞。
var keyModelPrefixes = []string{"gpt-", "chatgpt-", "o1", "o3", "o4"}

// IsAllowedModel はモデルがバックエンドの許可リストに含まれるかを返す。
func IsAllowedModel(name string) bool {
	_, ok := allowedModels[name]
	return ok
}

// NormalizeModel は許可リストにあるモデルはそのまま、それ以外はデフォルトモデルを返す。
func (c *Client) NormalizeModel(name string) string {
	name = strings.TrimSpace(name)
	if IsAllowedModel(name) {
		return name
	}
	return c.config.DefaultModel
}

// NormalizeKeyModel は利用者のAPIキーで呼び出す経路向けに、より広い範囲のモデル名を受け付ける。
func (c *Client) NormalizeKeyModel(name string) string {
	name = strings.TrimSpace(name)
	for _, prefix := range keyModelPrefixes {
		if strings.HasPrefix(name, prefix) {
			return name
		}
	}
	return c.config.DefaultModel
}

// responsesBody はストリーミングのResponses APIリクエスト。
// 会話を継続できるようstoreを常に要求する。
type responsesBody struct {
	Model              string               `json:"model"`
	Input              []model.InputMessage `json:"input"`
	Instructions       string               `json:"instructions,omitempty"`
	PreviousResponseID string               `json:"previous_response_id,omitempty"`
	Stream             bool                 `json:"stream"`
	Store              bool                 `json:"store"`
}

// backendStreamBody はバックエンドの/chat/streamへ送るリクエスト。
// APIキーはバックエンドが保持する。modelは許可リストで正規化済みの値で、空ならバックエンドの既定モデルになる。
type backendStreamBody struct {
	Model              string               `json:"model,omitempty"`
	Input              []model.InputMessage `json:"input"`
	Instructions       string               `json:"instructions,omitempty"`
	PreviousResponseID string               `json:"previous_response_id,omitempty"`
}

// completionBody はチャット補完APIリクエスト。
type completionBody struct {
	Model       string              `json:"model"`
	Messages    []model.ChatMessage `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
}

func buildResponsesBody(req model.ChatRequest) responsesBody {
	return responsesBody{
		Model:              req.Model,
		Input:              req.Input,
		Instructions:       req.Instructions,
		PreviousResponseID: req.PreviousResponseID,
		Stream:             true,
		Store:              true,
	}
}

func buildBackendStreamBody(req model.ChatRequest) backendStreamBody {
	return backendStreamBody{
		Model:              req.Model,
		Input:              req.Input,
		Instructions:       req.Instructions,
		PreviousResponseID: req.PreviousResponseID,
	}
}

// buildCompletionBody はtemperatureをTemperatureModelの場合のみ含めたリクエストを組み立てる。
func buildCompletionBody(req CompletionRequest) completionBody {
	body := completionBody{
		Model:    req.Model,
		Messages: req.Messages,
	}
	if req.Model == TemperatureModel {
		t := DefaultTemperature
		if req.Temperature != nil {
			t = *req.Temperature
		}
		body.Temperature = &t
	}
	return body
}

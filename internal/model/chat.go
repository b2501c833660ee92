package model

import "encoding/json"

// 入力コンテンツブロックの種別
const (
	ContentTypeInputText  = "input_text"
	ContentTypeInputImage = "input_image"
)

// ContentBlock は入力メッセージ内の1ブロック（テキストまたは画像参照）を表す。
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// InputMessage はロール付きの入力メッセージを表す。
type InputMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ChatRequest はユーザー操作1回分のストリーミング会話リクエストを表す。
// このコアでは永続化せず、1回のリレー呼び出しの間だけ呼び出し元が所有する。
type ChatRequest struct {
	RequestID          string
	Model              string
	Input              []InputMessage
	Instructions       string
	PreviousResponseID string
}

// ImageURLs は入力に含まれる全ての画像参照URLを出現順に返す。
func (r *ChatRequest) ImageURLs() []string {
	var urls []string
	for _, msg := range r.Input {
		for _, block := range msg.Content {
			if block.Type == ContentTypeInputImage && block.ImageURL != "" {
				urls = append(urls, block.ImageURL)
			}
		}
	}
	return urls
}

// ChatMessage はバッファ型補完で使用する単純なロール付きメッセージ。
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage はプロバイダーが返すトークン使用量。
// プロバイダー固有のフィールドを失わないよう生のJSONのまま保持する。
type Usage = json.RawMessage

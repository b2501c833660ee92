package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestClient(t *testing.T, server *httptest.Server, cfg Config) *Client {
	t.Helper()
	var buf bytes.Buffer
	if cfg.BaseURL == "" {
		cfg.BaseURL = server.URL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "sk-server"
	}
	return NewClient(server.Client(), security.NewSSRFGuard(), nil, newTestLogger(&buf), cfg)
}

func decodeJSONBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("リクエストボディのデコードに失敗: %v", err)
	}
	return body
}

func TestClient_CompleteBuffered_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != chatCompletionsPath {
			t.Errorf("path = %s, want %s", r.URL.Path, chatCompletionsPath)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-user" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer sk-user")
		}
		body := decodeJSONBody(t, r)
		if body["model"] != "gpt-4.1-mini" {
			t.Errorf("model = %v, want gpt-4.1-mini", body["model"])
		}
		if _, ok := body["temperature"]; ok {
			t.Error("temperature は gpt-4o-mini 以外では送信してはならない")
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"こんにちは"}}]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	temp := 0.1
	text, err := c.CompleteBuffered(context.Background(), CompletionRequest{
		Model:       "gpt-4.1-mini",
		Messages:    []model.ChatMessage{{Role: "user", Content: "hi"}},
		Temperature: &temp,
	}, Credentials{Mode: AuthModeAPIKey, APIKey: "sk-user"})
	if err != nil {
		t.Fatalf("CompleteBuffered がエラーを返した: %v", err)
	}
	if text != "こんにちは" {
		t.Errorf("text = %q, want %q", text, "こんにちは")
	}
}

func TestClient_CompleteBuffered_TemperatureOnlyForSpecificModel(t *testing.T) {
	var gotTemperature any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTemperature = decodeJSONBody(t, r)["temperature"]
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	_, err := c.CompleteBuffered(context.Background(), CompletionRequest{
		Model:    TemperatureModel,
		Messages: []model.ChatMessage{{Role: "user", Content: "hi"}},
	}, Credentials{Mode: AuthModeAPIKey, APIKey: "sk-user"})
	if err != nil {
		t.Fatalf("CompleteBuffered がエラーを返した: %v", err)
	}
	if gotTemperature != DefaultTemperature {
		t.Errorf("temperature = %v, want %v", gotTemperature, DefaultTemperature)
	}
}

func TestClient_CompleteBuffered_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	_, err := c.CompleteBuffered(context.Background(), CompletionRequest{Model: "gpt-4.1-mini"},
		Credentials{Mode: AuthModeAPIKey, APIKey: "sk-user"})

	var upErr *model.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("err = %v, want *model.UpstreamError", err)
	}
	if upErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want %d", upErr.StatusCode, http.StatusTooManyRequests)
	}
	if upErr.Body != `{"error":{"message":"slow down"}}` {
		t.Errorf("Body = %q", upErr.Body)
	}
}

func TestClient_CompleteBuffered_EmptyText(t *testing.T) {
	for _, body := range []string{`{"choices":[]}`, `{"choices":[{"message":{"content":"  "}}]}`, `{}`} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, body)
		}))

		c := newTestClient(t, server, Config{})
		_, err := c.CompleteBuffered(context.Background(), CompletionRequest{Model: "gpt-4.1-mini"},
			Credentials{Mode: AuthModeAPIKey, APIKey: "sk-user"})
		if !errors.Is(err, model.ErrEmptyCompletion) {
			t.Errorf("body %s: err = %v, want ErrEmptyCompletion", body, err)
		}
		server.Close()
	}
}

func TestClient_CompleteBuffered_RequiresAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("上流を呼び出してはならない")
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	_, err := c.CompleteBuffered(context.Background(), CompletionRequest{Model: "gpt-4.1-mini"},
		Credentials{Mode: AuthModeDelegated, Token: "id-token"})
	if !errors.Is(err, ErrBufferedRequiresAPIKey) {
		t.Errorf("err = %v, want ErrBufferedRequiresAPIKey", err)
	}
}

func TestClient_CompleteStreaming_APIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != responsesPath {
			t.Errorf("path = %s, want %s", r.URL.Path, responsesPath)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		body := decodeJSONBody(t, r)
		if body["stream"] != true || body["store"] != true {
			t.Errorf("stream/store = %v/%v, want true/true", body["stream"], body["store"])
		}
		if body["previous_response_id"] != "resp_prev" {
			t.Errorf("previous_response_id = %v", body["previous_response_id"])
		}
		if body["instructions"] != "be brief" {
			t.Errorf("instructions = %v", body["instructions"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	stream, err := c.CompleteStreaming(context.Background(), model.ChatRequest{
		Model:              "gpt-4.1-mini",
		Input:              []model.InputMessage{{Role: "user", Content: []model.ContentBlock{{Type: model.ContentTypeInputText, Text: "hi"}}}},
		Instructions:       "be brief",
		PreviousResponseID: "resp_prev",
	}, c.ServerCredentials())
	if err != nil {
		t.Fatalf("CompleteStreaming がエラーを返した: %v", err)
	}
	defer stream.Close()

	data, _ := io.ReadAll(stream)
	if string(data) != "data: [DONE]\n\n" {
		t.Errorf("stream = %q", data)
	}
}

func TestClient_CompleteStreaming_Delegated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != backendStreamPath {
			t.Errorf("path = %s, want %s", r.URL.Path, backendStreamPath)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer id-token" {
			t.Errorf("Authorization = %q", got)
		}
		body := decodeJSONBody(t, r)
		if body["model"] != "gpt-5-mini" {
			t.Errorf("model = %v, want gpt-5-mini", body["model"])
		}
		if body["previous_response_id"] != "resp_1" {
			t.Errorf("previous_response_id = %v", body["previous_response_id"])
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{BackendURL: server.URL + "/"})
	req := model.ChatRequest{
		Model:              c.NormalizeModel("gpt-5-mini"),
		Input:              []model.InputMessage{{Role: "user"}},
		PreviousResponseID: "resp_1",
	}
	stream, err := c.CompleteStreaming(context.Background(), req,
		Credentials{Mode: AuthModeDelegated, Token: "id-token"})
	if err != nil {
		t.Fatalf("CompleteStreaming がエラーを返した: %v", err)
	}
	stream.Close()
}

// statusLog はStatusRecorderのテスト用実装。
type statusLog struct {
	codes []int
}

func (l *statusLog) RecordUpstreamStatus(statusCode int) {
	l.codes = append(l.codes, statusCode)
}

func TestClient_RecordsActualUpstreamStatus(t *testing.T) {
	statuses := []int{http.StatusAccepted, http.StatusTooManyRequests}
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statuses[calls])
		calls++
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	recorded := &statusLog{}
	var buf bytes.Buffer
	c := NewClient(server.Client(), security.NewSSRFGuard(), recorded, newTestLogger(&buf), Config{
		BaseURL: server.URL,
		APIKey:  "sk-server",
	})
	creds := c.ServerCredentials()

	stream, err := c.CompleteStreaming(context.Background(), model.ChatRequest{Model: "gpt-4o-mini"}, creds)
	if err != nil {
		t.Fatalf("1回目の CompleteStreaming がエラーを返した: %v", err)
	}
	stream.Close()

	if _, err := c.CompleteStreaming(context.Background(), model.ChatRequest{Model: "gpt-4o-mini"}, creds); err == nil {
		t.Fatal("429でエラーが返されなかった")
	}

	if len(recorded.codes) != 2 || recorded.codes[0] != http.StatusAccepted || recorded.codes[1] != http.StatusTooManyRequests {
		t.Errorf("記録されたステータス = %v, want [202 429]", recorded.codes)
	}
}

func TestClient_CompleteStreaming_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "bad gateway")
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	_, err := c.CompleteStreaming(context.Background(), model.ChatRequest{}, c.ServerCredentials())

	var upErr *model.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("err = %v, want *model.UpstreamError", err)
	}
	if upErr.StatusCode != http.StatusBadGateway || upErr.Body != "bad gateway" || upErr.ContentType != "text/plain" {
		t.Errorf("UpstreamError = %+v", upErr)
	}
}

func TestClient_CompleteStreaming_MissingBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	_, err := c.CompleteStreaming(context.Background(), model.ChatRequest{}, c.ServerCredentials())
	if !errors.Is(err, model.ErrMissingBody) {
		t.Errorf("err = %v, want ErrMissingBody", err)
	}
}

func TestClient_CompleteStreaming_InvalidCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("上流を呼び出してはならない")
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	for _, creds := range []Credentials{
		{Mode: AuthModeAPIKey},
		{Mode: AuthModeDelegated},
		{Mode: "oauth", Token: "x"},
	} {
		if _, err := c.CompleteStreaming(context.Background(), model.ChatRequest{}, creds); err == nil {
			t.Errorf("creds %+v: expected error", creds)
		}
	}
}

// ctxのキャンセルで開いているストリームが上流側でも切断されること
func TestClient_CompleteStreaming_CancelClosesUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.CompleteStreaming(ctx, model.ChatRequest{}, c.ServerCredentials())
	if err != nil {
		t.Fatalf("CompleteStreaming がエラーを返した: %v", err)
	}
	defer stream.Close()

	buf := make([]byte, 64)
	if _, err := stream.Read(buf); err != nil {
		t.Fatalf("最初のチャンクの読み取りに失敗: %v", err)
	}

	cancel()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("上流リクエストがキャンセルされなかった")
	}
}

func TestClient_CustomBaseURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("上流を呼び出してはならない")
	}))
	defer server.Close()

	creds := Credentials{Mode: AuthModeAPIKey, APIKey: "sk-user", BaseURL: "https://10.0.0.1"}

	c := newTestClient(t, server, Config{})
	if _, err := c.CompleteStreaming(context.Background(), model.ChatRequest{}, creds); !errors.Is(err, ErrCustomBaseURLNotAllowed) {
		t.Errorf("err = %v, want ErrCustomBaseURLNotAllowed", err)
	}

	allowing := newTestClient(t, server, Config{AllowCustomBaseURL: true, StreamTimeout: time.Minute})
	_, err := allowing.CompleteStreaming(context.Background(), model.ChatRequest{}, creds)
	if err == nil || !strings.Contains(err.Error(), "invalid base URL") {
		t.Errorf("err = %v, want invalid base URL", err)
	}
}

func TestClient_Forward_ReturnsUpstreamVerbatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-server" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad"}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	raw, err := c.Forward(context.Background(), CompletionRequest{Model: "gpt-4.1-mini"})
	if err != nil {
		t.Fatalf("Forward がエラーを返した: %v", err)
	}
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", raw.StatusCode)
	}
	if raw.ContentType != "application/json; charset=utf-8" {
		t.Errorf("ContentType = %q", raw.ContentType)
	}
	if string(raw.Body) != `{"error":{"message":"bad"}}` {
		t.Errorf("Body = %s", raw.Body)
	}
}

func TestClient_NormalizeModel(t *testing.T) {
	c := NewClient(http.DefaultClient, nil, nil, slog.Default(), Config{DefaultModel: "gpt-4.1-mini"})

	tests := []struct {
		in       string
		backend  string
		keyModel string
	}{
		{"gpt-4o-mini", "gpt-4o-mini", "gpt-4o-mini"},
		{"gpt-5-nano", "gpt-5-nano", "gpt-5-nano"},
		{"gpt-4o", "gpt-4.1-mini", "gpt-4o"},
		{"o3-mini", "gpt-4.1-mini", "o3-mini"},
		{"claude-3", "gpt-4.1-mini", "gpt-4.1-mini"},
		{"", "gpt-4.1-mini", "gpt-4.1-mini"},
	}

	for _, tt := range tests {
		if got := c.NormalizeModel(tt.in); got != tt.backend {
			t.Errorf("NormalizeModel(%q) = %q, want %q", tt.in, got, tt.backend)
		}
		if got := c.NormalizeKeyModel(tt.in); got != tt.keyModel {
			t.Errorf("NormalizeKeyModel(%q) = %q, want %q", tt.in, got, tt.keyModel)
		}
	}
}

// Package sse は上流LLMのServer-Sent Eventsストリームを型付きイベント列に変換するデコーダーを提供する。
//
// デコーダーは純粋な状態機械であり、I/Oを行わない。チャンクが任意のバイト境界で
// 分割されていても、一括で与えた場合と同じイベント列を生成する。
package sse

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Kind はデコード済みイベントの種別。
type Kind int

const (
	// KindDelta は生成途中のテキスト断片。
	KindDelta Kind = iota + 1
	// KindCreated は上流がレスポンスIDを割り当てたことを示す。
	KindCreated
	// KindCompleted はレスポンスの完了（レスポンスIDと使用量を含む）。
	KindCompleted
	// KindError は上流がストリーム内で返したエラー。以降のデコードは行わない。
	KindError
	// KindDone はストリーム終端センチネル。以降のデコードは行わない。
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindCreated:
		return "created"
	case KindCompleted:
		return "completed"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event はデコーダーが生成する1件のプロバイダーイベント。
// Kindに応じて使用されるフィールドが異なる。
type Event struct {
	Kind       Kind
	Delta      string          // KindDelta
	ResponseID string          // KindCreated, KindCompleted
	Usage      json.RawMessage // KindCompleted（存在しない場合はnil）
	Message    string          // KindError
}

// Terminal はイベントがデコードを終了させる種別かどうかを返す。
func (e Event) Terminal() bool {
	return e.Kind == KindError || e.Kind == KindDone
}

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	typeOutputTextDelta   = "response.output_text.delta"
	typeResponseCreated   = "response.created"
	typeResponseCompleted = "response.completed"
	typeResponseFailed    = "response.failed"
	typeError             = "error"
)

var (
	recordSeparator = []byte("\n\n")
	crlf            = []byte("\r\n")
	lf              = []byte("\n")
)

// Decoder はSSEレコードの再組み立てとイベントへの変換を行う。
// ゼロ値のまま使用できる。1つのリレーセッションが排他的に所有し、並行利用はしない。
type Decoder struct {
	buf        []byte
	terminated bool
}

// Feed はチャンクをバッファに追加し、完結したレコードから得られたイベントを到着順に返す。
// 末尾の未完結部分は次回のFeedまたはFlushまで保持する。
func (d *Decoder) Feed(chunk []byte) []Event {
	return d.decode(chunk, false)
}

// Flush はストリーム終端で呼び出す。区切りで終わっていない末尾のレコードも完結したものとして処理し、
// バッファをクリアする。
func (d *Decoder) Flush() []Event {
	return d.decode(nil, true)
}

// Buffered は未処理のまま保持しているバイト数を返す。
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) decode(chunk []byte, final bool) []Event {
	if d.terminated {
		d.buf = nil
		return nil
	}

	d.buf = append(d.buf, chunk...)
	// 末尾の単独の\rは次のチャンクと結合されるまで変換しない
	if bytes.Contains(d.buf, crlf) {
		d.buf = bytes.ReplaceAll(d.buf, crlf, lf)
	}

	var events []Event
	for {
		idx := bytes.Index(d.buf, recordSeparator)
		if idx < 0 {
			break
		}
		record := d.buf[:idx]
		d.buf = d.buf[idx+len(recordSeparator):]

		if events = d.appendRecord(events, record); d.terminated {
			return events
		}
	}

	if final {
		record := d.buf
		d.buf = nil
		events = d.appendRecord(events, record)
	}

	return events
}

// appendRecord は1レコードを解析し、得られたイベントをeventsに追加する。
// 終端イベントの場合はデコーダーを終了状態にしてバッファを破棄する。
func (d *Decoder) appendRecord(events []Event, record []byte) []Event {
	ev, ok := parseRecord(record)
	if !ok {
		return events
	}
	if ev.Terminal() {
		d.terminated = true
		d.buf = nil
	}
	return append(events, ev)
}

// wirePayload は上流イベントJSONのうち、判別に必要なフィールドのみを表す。
// deltaとtextは文字列以外が来ても全体のパースが失敗しないよう生のまま受け取る。
type wirePayload struct {
	Type     string          `json:"type"`
	Delta    json.RawMessage `json:"delta"`
	Text     json.RawMessage `json:"text"`
	ID       string          `json:"id"`
	Message  string          `json:"message"`
	Usage    json.RawMessage `json:"usage"`
	Error    json.RawMessage `json:"error"`
	Response *wireResponse   `json:"response"`
}

type wireResponse struct {
	ID    string          `json:"id"`
	Usage json.RawMessage `json:"usage"`
	Error json.RawMessage `json:"error"`
}

// parseRecord は1レコードをイベントに変換する。
// dataフィールドが無いレコード、JSONとして不正なレコード、未知の種別はok=falseでスキップする。
func parseRecord(record []byte) (Event, bool) {
	payload, ok := joinDataLines(record)
	if !ok {
		return Event{}, false
	}

	if payload == doneSentinel {
		return Event{Kind: KindDone}, true
	}

	var p wirePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		// 壊れたレコードは致命的ではない。読み飛ばして次へ進む。
		return Event{}, false
	}

	// 埋め込みerrorオブジェクトは種別に関係なく優先する
	if isPresent(p.Error) {
		return Event{Kind: KindError, Message: errorMessage(p.Error, p.Message)}, true
	}

	switch p.Type {
	case typeOutputTextDelta:
		delta := firstNonEmpty(rawString(p.Delta), rawString(p.Text))
		if delta == "" {
			return Event{}, false
		}
		return Event{Kind: KindDelta, Delta: delta}, true

	case typeResponseCreated:
		return Event{Kind: KindCreated, ResponseID: p.responseID()}, true

	case typeResponseCompleted:
		ev := Event{Kind: KindCompleted, ResponseID: p.responseID()}
		if p.Response != nil && isPresent(p.Response.Usage) {
			ev.Usage = p.Response.Usage
		} else if isPresent(p.Usage) {
			ev.Usage = p.Usage
		}
		return ev, true

	case typeResponseFailed:
		msg := "response failed"
		if p.Response != nil && isPresent(p.Response.Error) {
			msg = errorMessage(p.Response.Error, msg)
		}
		return Event{Kind: KindError, Message: msg}, true

	case typeError:
		return Event{Kind: KindError, Message: firstNonEmpty(p.Message, "upstream error")}, true

	default:
		return Event{}, false
	}
}

func (p *wirePayload) responseID() string {
	if p.Response != nil && p.Response.ID != "" {
		return p.Response.ID
	}
	return p.ID
}

// joinDataLines はレコードからdata行のみを取り出し、プレフィックスと前後空白を除去して改行で連結する。
func joinDataLines(record []byte) (string, bool) {
	if len(record) == 0 {
		return "", false
	}

	var parts []string
	for _, line := range strings.Split(string(record), "\n") {
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		v := strings.TrimSpace(line[len(dataPrefix):])
		if v == "" {
			continue
		}
		parts = append(parts, v)
	}

	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// rawString はJSON文字列であればその値を、それ以外は空文字列を返す。
func rawString(raw json.RawMessage) string {
	if !isPresent(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// errorMessage はerrorフィールドから人が読めるメッセージを取り出す。
func errorMessage(raw json.RawMessage, fallback string) string {
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return firstNonEmpty(obj.Message, obj.Code, fallback, "upstream error")
	}
	return firstNonEmpty(rawString(raw), fallback, "upstream error")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

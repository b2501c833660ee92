package relay

import (
	"encoding/json"

	"github.com/hitoshi/chatrelay/internal/protocol"
	"github.com/hitoshi/chatrelay/internal/sse"
)

// Session は1回のストリーミング呼び出しの実行時状態。
// 作成したリレー呼び出しのみが所有し、他の呼び出しやゴルーチンとは共有しない。
type Session struct {
	RequestID string

	decoder    sse.Decoder
	responseID string
	usage      json.RawMessage
	deltas     int
	finished   bool
	failed     bool
	sink       Sink
}

func newSession(requestID string, sink Sink) *Session {
	return &Session{RequestID: requestID, sink: sink}
}

// Finished は終端メッセージ（doneまたはerror）を送信済み、または送信を打ち切ったかを返す。
func (s *Session) Finished() bool {
	return s.finished
}

// ResponseID は最後に観測したレスポンスIDを返す。
func (s *Session) ResponseID() string {
	return s.responseID
}

// Deltas は転送した差分メッセージ数を返す。
func (s *Session) Deltas() int {
	return s.deltas
}

// apply はデコード済みイベントを1件処理する。
// 差分は即座に送信し、completed/doneでdone、errorでerrorを1回だけ送信する。
// 送信先が既に存在しない場合はerrSinkGoneを返す。
func (s *Session) apply(ev sse.Event, sanitize func(string) string) error {
	if s.finished {
		return nil
	}

	switch ev.Kind {
	case sse.KindDelta:
		if err := s.sink.Post(protocol.NewDelta(s.RequestID, ev.Delta)); err != nil {
			s.finished = true
			return errSinkGone
		}
		s.deltas++
	case sse.KindCreated:
		if ev.ResponseID != "" {
			s.responseID = ev.ResponseID
		}
	case sse.KindCompleted:
		if ev.ResponseID != "" {
			s.responseID = ev.ResponseID
		}
		if len(ev.Usage) > 0 {
			s.usage = ev.Usage
		}
		return s.done()
	case sse.KindDone:
		return s.done()
	case sse.KindError:
		return s.fail(sanitize(ev.Message))
	}
	return nil
}

// done はdoneメッセージを1回だけ送信してセッションを終了する。
func (s *Session) done() error {
	if s.finished {
		return nil
	}
	s.finished = true
	if err := s.sink.Post(protocol.NewDone(s.RequestID, s.responseID, s.usage)); err != nil {
		return errSinkGone
	}
	return nil
}

// fail はerrorメッセージを1回だけ送信してセッションを終了する。
func (s *Session) fail(message string) error {
	if s.finished {
		return nil
	}
	s.finished = true
	s.failed = true
	if err := s.sink.Post(protocol.NewError(s.RequestID, message)); err != nil {
		return errSinkGone
	}
	return nil
}

// result はセッション終了時の戻り値を返す。doneで終わった場合のみnil。
func (s *Session) result() error {
	if s.failed {
		return ErrStreamFailed
	}
	return nil
}

// abandon は何も送信せずにセッションを終了する。切断や置き換えで使用する。
func (s *Session) abandon() {
	s.finished = true
}

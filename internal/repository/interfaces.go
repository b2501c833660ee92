// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/chatrelay/internal/model"
)

// QuotaMutator はロックを保持した状態で現在のレコードから次の状態を決定する関数。
// existsはレコードが既に存在したかを示す。writeがfalseの場合、レコードは変更されない。
type QuotaMutator func(current model.QuotaRecord, exists bool) (next model.QuotaRecord, write bool)

// QuotaRepository は利用枠レコードの永続化インターフェース。
// 同一identityに対する同時リクエストが同じ残り枠を観測しないよう、
// 読み取りと書き込みは必ず1つのトランザクション内で行う。
type QuotaRepository interface {
	// Apply は識別子のレコードを行ロック付きで読み取り、fnの結果を同一トランザクションで書き込む。
	// fnはロック取得後に1回だけ呼ばれる。トランザクションが失敗した場合はエラーを返す。
	Apply(ctx context.Context, identityID string, fn QuotaMutator) error
}

// QuotaPruner は使われなくなった利用枠レコードを削除するインターフェース。
type QuotaPruner interface {
	// DeleteStale はwindow_startがbefore（ミリ秒単位のUNIX時刻）より前のレコードを削除し、削除件数を返す。
	DeleteStale(ctx context.Context, before int64) (int64, error)
}

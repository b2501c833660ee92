package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chatrelay/internal/model"
)

// PostgresQuotaRepo はPostgreSQLを使用した利用枠リポジトリ。
type PostgresQuotaRepo struct {
	db *sql.DB
}

// NewPostgresQuotaRepo はPostgresQuotaRepoを生成する。
func NewPostgresQuotaRepo(db *sql.DB) *PostgresQuotaRepo {
	return &PostgresQuotaRepo{db: db}
}

// Apply はレコードをSELECT ... FOR UPDATEでロックしたうえでfnを評価し、結果を書き込む。
//
// 初回アクセス時に同時に2つのトランザクションが行を作成しようとしても、
// 先にINSERT ... ON CONFLICT DO NOTHINGで空の行を確保するため、
// 後続のトランザクションは一意制約の待機を経て同じ行のロックを待つ。
// これによりREAD COMMITTEDのままでも読み取りと書き込みの間に他の更新が入らない。
func (r *PostgresQuotaRepo) Apply(ctx context.Context, identityID string, fn QuotaMutator) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 空の行を確保（既に存在する場合は何もしない）
	result, err := tx.ExecContext(ctx,
		`INSERT INTO quota_records (identity_id, window_start, count, updated_at)
		 VALUES ($1, 0, 0, now())
		 ON CONFLICT (identity_id) DO NOTHING`,
		identityID,
	)
	if err != nil {
		return fmt.Errorf("failed to seed quota record: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	current := model.QuotaRecord{IdentityID: identityID}
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, count, updated_at
		 FROM quota_records WHERE identity_id = $1
		 FOR UPDATE`,
		identityID,
	).Scan(&current.WindowStart, &current.Count, &current.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to lock quota record: %w", err)
	}

	next, write := fn(current, inserted == 0)
	if !write {
		// 確保した空の行も含めて破棄する
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE quota_records
		 SET window_start = $2, count = $3, updated_at = $4
		 WHERE identity_id = $1`,
		identityID, next.WindowStart, next.Count, next.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update quota record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DeleteStale はウィンドウ開始がbeforeより前のレコードを削除する。
func (r *PostgresQuotaRepo) DeleteStale(ctx context.Context, before int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM quota_records WHERE window_start < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale quota records: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var (
	_ QuotaRepository = (*PostgresQuotaRepo)(nil)
	_ QuotaPruner     = (*PostgresQuotaRepo)(nil)
)

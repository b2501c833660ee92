package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/chatrelay/internal/model"
)

// SQLiteQuotaRepo はSQLiteを使用した利用枠リポジトリ。単一ノード構成向け。
// dbはdatabase.OpenSQLiteで開いたもの（_txlock=immediate、接続数1）であること。
// BEGIN IMMEDIATEで書き込みロックを先に取得するため、読み取りから書き込みまでが直列化される。
type SQLiteQuotaRepo struct {
	db *sql.DB
}

// NewSQLiteQuotaRepo はSQLiteQuotaRepoを生成する。
func NewSQLiteQuotaRepo(db *sql.DB) *SQLiteQuotaRepo {
	return &SQLiteQuotaRepo{db: db}
}

// Apply はレコードを書き込みロック下で読み取り、fnの結果をUPSERTする。
func (r *SQLiteQuotaRepo) Apply(ctx context.Context, identityID string, fn QuotaMutator) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, exists, err := scanSQLiteQuota(tx.QueryRowContext(ctx,
		`SELECT window_start, count, updated_at FROM quota_records WHERE identity_id = ?`,
		identityID,
	), identityID)
	if err != nil {
		return err
	}

	next, write := fn(current, exists)
	if !write {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO quota_records (identity_id, window_start, count, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(identity_id) DO UPDATE SET
		   window_start = excluded.window_start,
		   count = excluded.count,
		   updated_at = excluded.updated_at`,
		identityID, next.WindowStart, next.Count, next.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert quota record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// scanSQLiteQuota は1行を読み取る。updated_atはUnixミリ秒で保存している。
func scanSQLiteQuota(row *sql.Row, identityID string) (model.QuotaRecord, bool, error) {
	record := model.QuotaRecord{IdentityID: identityID}
	var updatedAt int64
	err := row.Scan(&record.WindowStart, &record.Count, &updatedAt)
	if err == sql.ErrNoRows {
		return record, false, nil
	}
	if err != nil {
		return record, false, fmt.Errorf("failed to read quota record: %w", err)
	}
	record.UpdatedAt = time.UnixMilli(updatedAt)
	return record, true, nil
}

// DeleteStale はウィンドウ開始がbeforeより前のレコードを削除する。
func (r *SQLiteQuotaRepo) DeleteStale(ctx context.Context, before int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM quota_records WHERE window_start < ?`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale quota records: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var (
	_ QuotaRepository = (*SQLiteQuotaRepo)(nil)
	_ QuotaPruner     = (*SQLiteQuotaRepo)(nil)
)

// Package database はクォータストアの接続とスキーマ管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema は前回のマイグレーションが途中で失敗し、スキーマが不整合な状態であることを示す。
// 手動で修正してから migrate force で版数を確定させる必要がある。
var ErrDirtySchema = errors.New("quota store schema is dirty")

// MigrationStatus はマイグレーション適用後のスキーマ版数。
type MigrationStatus struct {
	Version uint
	// Changed は今回の実行で1件以上適用した場合にtrue。
	Changed bool
}

// NewMigrator はPostgreSQLクォータストア用のmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用し、適用後の版数を返す。
// スキーマがdirtyの場合は何も適用せずErrDirtySchemaを返す。
func RunMigrations(databaseURL string) (MigrationStatus, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer m.Close()

	before, dirty, err := schemaVersion(m)
	if err != nil {
		return MigrationStatus{}, err
	}
	if dirty {
		return MigrationStatus{Version: before}, fmt.Errorf("%w at version %d", ErrDirtySchema, before)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationStatus{Version: before}, fmt.Errorf("failed to run migrations: %w", err)
	}

	after, _, err := schemaVersion(m)
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{Version: after, Changed: after != before}, nil
}

// schemaVersion は現在の版数を返す。未適用の場合は0。
func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

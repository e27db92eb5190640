package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kon-rad/tswriter/internal/writer"
)

type TableInfo struct {
	Database              string
	Table                 string
	MemoryRetentionHours  int64
	MagneticRetentionDays int64
	CreatedAt             int64
}

func (m *Manager) CreateTable(ctx context.Context, database, table string, retention writer.RetentionPolicy) error {
	if database == "" || table == "" {
		return fmt.Errorf("%w: database and table names are required", writer.ErrValidation)
	}
	if retention.MemoryStoreHours < 1 || retention.MagneticStoreDays < 1 {
		return fmt.Errorf("%w: retention periods must be >= 1", writer.ErrValidation)
	}

	res, err := m.writer.ExecContext(ctx, `
INSERT INTO ts_tables (database_name, table_name, memory_retention_hours, magnetic_retention_days, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (database_name, table_name) DO NOTHING
`, database, table, retention.MemoryStoreHours, retention.MagneticStoreDays, m.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert table: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert table: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: table %s.%s", writer.ErrConflict, database, table)
	}
	return nil
}

func (m *Manager) Table(ctx context.Context, database, table string) (TableInfo, error) {
	info, err := scanTable(m.reader.QueryRowContext(ctx, `
SELECT database_name, table_name, memory_retention_hours, magnetic_retention_days, created_at
FROM ts_tables WHERE database_name = ? AND table_name = ?
`, database, table))
	if errors.Is(err, sql.ErrNoRows) {
		return TableInfo{}, fmt.Errorf("%w: table %s.%s", writer.ErrResourceNotFound, database, table)
	}
	return info, err
}

func (m *Manager) Tables(ctx context.Context) ([]TableInfo, error) {
	rows, err := m.reader.QueryContext(ctx, `
SELECT database_name, table_name, memory_retention_hours, magnetic_retention_days, created_at
FROM ts_tables ORDER BY database_name, table_name
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TableInfo
	for rows.Next() {
		info, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTable(row rowScanner) (TableInfo, error) {
	var info TableInfo
	err := row.Scan(&info.Database, &info.Table, &info.MemoryRetentionHours, &info.MagneticRetentionDays, &info.CreatedAt)
	return info, err
}

package db

import (
	"context"
	"fmt"
	"os"
	"time"
)

func (m *Manager) WALSizeBytes() int64 {
	fi, err := os.Stat(m.path + "-wal")
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (m *Manager) DBSizeBytes() int64 {
	fi, err := os.Stat(m.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (m *Manager) CheckpointIfWALExceeds(ctx context.Context, thresholdBytes int64) (bool, error) {
	if m.WALSizeBytes() <= thresholdBytes {
		return false, nil
	}
	if _, err := m.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		return false, fmt.Errorf("wal restart checkpoint: %w", err)
	}
	return true, nil
}

// CleanupExpired deletes records older than each table's magnetic retention
// and trims the write log to the longest retention.
func (m *Manager) CleanupExpired(ctx context.Context) (deleted int64, err error) {
	tables, err := m.Tables(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tables: %w", err)
	}

	now := m.clock.Now()
	var longest time.Duration
	for _, t := range tables {
		retention := time.Duration(t.MagneticRetentionDays) * 24 * time.Hour
		longest = max(longest, retention)
		res, err := m.writer.ExecContext(ctx,
			"DELETE FROM ts_records WHERE database_name = ? AND table_name = ? AND time_ns < ?",
			t.Database, t.Table, now.Add(-retention).UnixNano())
		if err != nil {
			return deleted, fmt.Errorf("cleanup %s.%s: %w", t.Database, t.Table, err)
		}
		affected, _ := res.RowsAffected()
		deleted += affected
	}
	if longest > 0 {
		if _, err := m.writer.ExecContext(ctx, "DELETE FROM write_log WHERE created_at < ?", now.Add(-longest).UnixMilli()); err != nil {
			return deleted, fmt.Errorf("cleanup write log: %w", err)
		}
	}

	if deleted > 0 {
		_, _ = m.writer.ExecContext(ctx, "PRAGMA incremental_vacuum(1000)")
	}
	return deleted, nil
}

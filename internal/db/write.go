package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/kon-rad/tswriter/internal/writer"
)

// Records may be written up to this far ahead of the store's clock.
const maxFutureSkew = 15 * time.Minute

type recordRow struct {
	dimensions   string
	measureName  string
	measureValue string
	measureType  writer.MeasureValueType
	time         time.Time
	version      int64
}

type StoredRecord struct {
	Dimensions   []writer.Dimension
	MeasureName  string
	MeasureValue string
	MeasureType  writer.MeasureValueType
	Time         time.Time
	Version      int64
	BatchID      string
}

// Write stores the batch in one transaction. Records that conflict with a
// newer stored version, or fall outside the table's memory retention window,
// are reported through *writer.RejectedRecordsError; the rest are committed.
func (m *Manager) Write(ctx context.Context, batch *writer.WriteBatch) error {
	started := m.clock.Now()
	rows, err := toRows(batch.Records())
	if err != nil {
		return err
	}

	tx, err := m.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	info, err := scanTable(tx.QueryRowContext(ctx, `
SELECT database_name, table_name, memory_retention_hours, magnetic_retention_days, created_at
FROM ts_tables WHERE database_name = ? AND table_name = ?
`, batch.Database(), batch.Table()))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: table %s.%s", writer.ErrResourceNotFound, batch.Database(), batch.Table())
	}
	if err != nil {
		return fmt.Errorf("lookup table: %w", err)
	}

	sel, err := tx.PrepareContext(ctx, `
SELECT measure_value, measure_type, version FROM ts_records
WHERE database_name = ? AND table_name = ? AND dimensions = ? AND measure_name = ? AND time_ns = ?
`)
	if err != nil {
		return fmt.Errorf("prepare record lookup: %w", err)
	}
	defer sel.Close()

	upsert, err := tx.PrepareContext(ctx, `
INSERT INTO ts_records (
  database_name, table_name, dimensions, measure_name, measure_value, measure_type,
  time_ns, version, batch_id, written_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (database_name, table_name, dimensions, measure_name, time_ns) DO UPDATE SET
  measure_value = excluded.measure_value,
  measure_type = excluded.measure_type,
  version = excluded.version,
  batch_id = excluded.batch_id,
  written_at = excluded.written_at
`)
	if err != nil {
		return fmt.Errorf("prepare record upsert: %w", err)
	}
	defer upsert.Close()

	now := m.clock.Now()
	earliest := now.Add(-time.Duration(info.MemoryRetentionHours) * time.Hour)
	latest := now.Add(maxFutureSkew)

	var rejected []writer.RejectedRecord
	for i, row := range rows {
		if row.time.Before(earliest) || row.time.After(latest) {
			rejected = append(rejected, writer.RejectedRecord{
				Index: i,
				Reason: fmt.Sprintf("The record timestamp is outside the time range [%s, %s) of the memory store.",
					earliest.UTC().Format(time.RFC3339), latest.UTC().Format(time.RFC3339)),
			})
			continue
		}

		var value, typ string
		var version int64
		err := sel.QueryRowContext(ctx, batch.Database(), batch.Table(), row.dimensions, row.measureName, row.time.UnixNano()).
			Scan(&value, &typ, &version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("lookup record %d: %w", i, err)
		case value == row.measureValue && typ == string(row.measureType):
			// Same value again is a no-op unless it raises the version.
			if row.version <= version {
				continue
			}
		case row.version <= version:
			rejected = append(rejected, writer.RejectedRecord{
				Index:  i,
				Reason: fmt.Sprintf("%s. Existing version: %d", writer.StaleVersionReason, version),
			})
			continue
		}

		if _, err := upsert.ExecContext(ctx,
			batch.Database(),
			batch.Table(),
			row.dimensions,
			row.measureName,
			row.measureValue,
			string(row.measureType),
			row.time.UnixNano(),
			row.version,
			batch.ID(),
			now.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert record %d: %w", i, err)
		}
	}

	status := "ok"
	if len(rejected) > 0 {
		status = "partial"
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO write_log (created_at, batch_id, database_name, table_name, status, records, rejected, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, now.UnixMilli(), batch.ID(), batch.Database(), batch.Table(), status, len(rows), len(rejected), m.clock.Since(started).Milliseconds()); err != nil {
		return fmt.Errorf("insert write log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	if len(rejected) > 0 {
		return &writer.RejectedRecordsError{Records: rejected}
	}
	return nil
}

// toRows validates and normalizes records. Any malformed record fails the
// whole batch with writer.ErrValidation.
func toRows(records []writer.Record) ([]recordRow, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: batch has no records", writer.ErrValidation)
	}
	rows := make([]recordRow, len(records))
	for i, rec := range records {
		row, err := toRow(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", writer.ErrValidation, i, err)
		}
		rows[i] = row
	}
	return rows, nil
}

func toRow(rec writer.Record) (recordRow, error) {
	if rec.MeasureName == "" {
		return recordRow{}, errors.New("measure name is empty")
	}
	typ := rec.MeasureValueType
	if typ == "" {
		typ = writer.MeasureDouble
	}
	if err := checkMeasureValue(typ, rec.MeasureValue); err != nil {
		return recordRow{}, err
	}
	ts, err := rec.Timestamp()
	if err != nil {
		return recordRow{}, err
	}
	if rec.Version < 0 {
		return recordRow{}, fmt.Errorf("version %d is negative", rec.Version)
	}

	dims := append([]writer.Dimension(nil), rec.Dimensions...)
	sort.Slice(dims, func(a, b int) bool { return dims[a].Name < dims[b].Name })
	for j, d := range dims {
		if d.Name == "" {
			return recordRow{}, errors.New("dimension name is empty")
		}
		if j > 0 && dims[j-1].Name == d.Name {
			return recordRow{}, fmt.Errorf("duplicate dimension %q", d.Name)
		}
	}
	encoded, err := json.Marshal(dims)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode dimensions: %w", err)
	}

	return recordRow{
		dimensions:   string(encoded),
		measureName:  rec.MeasureName,
		measureValue: rec.MeasureValue,
		measureType:  typ,
		time:         ts,
		version:      rec.Version,
	}, nil
}

func checkMeasureValue(typ writer.MeasureValueType, value string) error {
	var err error
	switch typ {
	case writer.MeasureDouble:
		_, err = strconv.ParseFloat(value, 64)
	case writer.MeasureBigint:
		_, err = strconv.ParseInt(value, 10, 64)
	case writer.MeasureBoolean:
		_, err = strconv.ParseBool(value)
	case writer.MeasureVarchar:
		if value == "" {
			err = errors.New("empty value")
		}
	default:
		return fmt.Errorf("unknown measure value type %q", typ)
	}
	if err != nil {
		return fmt.Errorf("measure value %q is not a valid %s", value, typ)
	}
	return nil
}

func (m *Manager) RecordCount(ctx context.Context, database, table string) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ts_records WHERE database_name = ? AND table_name = ?", database, table,
	).Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

// Records returns every stored record of the table in time order.
func (m *Manager) Records(ctx context.Context, database, table string) ([]StoredRecord, error) {
	rows, err := m.reader.QueryContext(ctx, `
SELECT dimensions, measure_name, measure_value, measure_type, time_ns, version, batch_id
FROM ts_records
WHERE database_name = ? AND table_name = ?
ORDER BY time_ns ASC, id ASC
`, database, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		var dims, typ string
		var timeNs int64
		if err := rows.Scan(&dims, &rec.MeasureName, &rec.MeasureValue, &typ, &timeNs, &rec.Version, &rec.BatchID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(dims), &rec.Dimensions); err != nil {
			return nil, fmt.Errorf("decode dimensions: %w", err)
		}
		rec.MeasureType = writer.MeasureValueType(typ)
		rec.Time = time.Unix(0, timeNs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (m *Manager) WriteLogCount(ctx context.Context, status string) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM write_log WHERE status = ?", status).Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

package db

const schemaDDL = `
CREATE TABLE IF NOT EXISTS ts_tables (
  database_name TEXT NOT NULL,
  table_name TEXT NOT NULL,
  memory_retention_hours INTEGER NOT NULL,
  magnetic_retention_days INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (database_name, table_name)
);

CREATE TABLE IF NOT EXISTS ts_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  database_name TEXT NOT NULL,
  table_name TEXT NOT NULL,
  dimensions TEXT NOT NULL,
  measure_name TEXT NOT NULL,
  measure_value TEXT NOT NULL,
  measure_type TEXT NOT NULL,
  time_ns INTEGER NOT NULL,
  version INTEGER NOT NULL DEFAULT 0,
  batch_id TEXT NOT NULL,
  written_at INTEGER NOT NULL,
  UNIQUE (database_name, table_name, dimensions, measure_name, time_ns)
);

CREATE TABLE IF NOT EXISTS write_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at INTEGER NOT NULL,
  batch_id TEXT NOT NULL,
  database_name TEXT NOT NULL,
  table_name TEXT NOT NULL,
  status TEXT NOT NULL,
  records INTEGER NOT NULL DEFAULT 0,
  rejected INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_records_time ON ts_records (database_name, table_name, time_ns);
CREATE INDEX IF NOT EXISTS idx_write_log_created ON write_log (created_at);
`

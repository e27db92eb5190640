package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ResourceInitializer creates a missing destination table on demand. It is
// shared by all workers and never fails the caller.
type ResourceInitializer struct {
	policy  *RetentionPolicy
	creator TableCreator
	logger  *slog.Logger
}

func NewResourceInitializer(policy *RetentionPolicy, creator TableCreator, logger *slog.Logger) *ResourceInitializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceInitializer{policy: policy, creator: creator, logger: logger}
}

func (r *ResourceInitializer) Initialize(ctx context.Context, database, table string) {
	log := r.logger.With("database", database, "table", table)
	if r.policy == nil || r.creator == nil {
		log.Error("table not found and table creation is not configured")
		return
	}

	err := r.create(ctx, database, table)
	switch {
	case err == nil:
		log.Info("table created",
			"memory_retention_hours", r.policy.MemoryStoreHours,
			"magnetic_retention_days", r.policy.MagneticStoreDays)
	case errors.Is(err, ErrConflict):
		log.Info("table already exists, probably created by another worker")
	default:
		log.Error("create table failed", "error", err)
	}
}

func (r *ResourceInitializer) create(ctx context.Context, database, table string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("create table panicked: %v", p)
		}
	}()
	return r.creator.CreateTable(ctx, database, table, *r.policy)
}

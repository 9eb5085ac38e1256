package partition

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stashd/stashd/internal/metrics"
)

// deletionPolicy decides once, at the start of a forced delete, what happens
// to the files still living in the partition.
type deletionPolicy int

const (
	// policyMigrate moves the files into the personal partition.
	policyMigrate deletionPolicy = iota
	// policySoftDeleteAll moves the files to the trash instead.
	policySoftDeleteAll
)

// Lifecycle manages partition deletion. Creation and resizing live on the
// Ledger; deletion gets its own component because of the blast radius.
type Lifecycle struct {
	db *sql.DB
}

// NewLifecycle creates a lifecycle manager backed by the given database.
func NewLifecycle(db *sql.DB) *Lifecycle {
	return &Lifecycle{db: db}
}

// DeleteResult reports what a partition deletion did.
type DeleteResult struct {
	Name          string `json:"name"`
	FilesMigrated int64  `json:"filesMigrated"`
	FilesTrashed  int64  `json:"filesTrashed"`
	MigratedTo    string `json:"migratedTo,omitempty"`
}

// Delete removes a partition.
//
// Without force it refuses to delete system defaults and any partition that
// still holds non-deleted files. With force, files are migrated to the
// personal partition when one exists and isn't the partition being deleted;
// otherwise every file in the partition is soft-deleted. Migration carries
// the deleted partition's used counter over to personal rather than
// recomputing it; the next reconciliation heals any drift the cascade left.
func (lc *Lifecycle) Delete(ctx context.Context, userID int, name string, force bool) (*DeleteResult, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_partition", time.Since(start)) }()

	name = NormalizeName(name)

	tx, err := lc.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var used int64
	var isDefault bool
	err = tx.QueryRowContext(ctx,
		`SELECT used, is_default FROM partitions
		 WHERE user_id = $1 AND name = $2 FOR UPDATE`,
		userID, name).Scan(&used, &isDefault)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("partition %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock partition: %w", err)
	}

	if isDefault && !force {
		return nil, fmt.Errorf("cannot delete default partition %q without force: %w", name, ErrForbidden)
	}

	var fileCount int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files
		 WHERE user_id = $1 AND partition = $2 AND NOT is_deleted`,
		userID, name).Scan(&fileCount); err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}

	if fileCount > 0 && !force {
		return nil, fmt.Errorf("partition %q still contains %d files: %w", name, fileCount, ErrConflict)
	}

	result := &DeleteResult{Name: name}

	if fileCount > 0 {
		policy := policySoftDeleteAll
		if name != DefaultPersonal {
			var hasPersonal bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM partitions
				 WHERE user_id = $1 AND name = $2 FOR UPDATE)`,
				userID, DefaultPersonal).Scan(&hasPersonal); err != nil {
				return nil, fmt.Errorf("check personal partition: %w", err)
			}
			if hasPersonal {
				policy = policyMigrate
			}
		}

		switch policy {
		case policyMigrate:
			// Move every row, trashed ones included, so restore paths stay
			// valid after the partition disappears.
			res, err := tx.ExecContext(ctx,
				`UPDATE files SET partition = $3
				 WHERE user_id = $1 AND partition = $2`,
				userID, name, DefaultPersonal)
			if err != nil {
				return nil, fmt.Errorf("migrate files: %w", err)
			}
			result.FilesMigrated, _ = res.RowsAffected()
			result.MigratedTo = DefaultPersonal

			if _, err := tx.ExecContext(ctx,
				`UPDATE partitions SET used = used + $3
				 WHERE user_id = $1 AND name = $2`,
				userID, DefaultPersonal, used); err != nil {
				return nil, fmt.Errorf("credit personal partition: %w", err)
			}

		case policySoftDeleteAll:
			res, err := tx.ExecContext(ctx,
				`UPDATE files SET is_deleted = TRUE, deleted_at = NOW()
				 WHERE user_id = $1 AND partition = $2 AND NOT is_deleted`,
				userID, name)
			if err != nil {
				return nil, fmt.Errorf("soft-delete files: %w", err)
			}
			result.FilesTrashed, _ = res.RowsAffected()
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM partitions WHERE user_id = $1 AND name = $2`,
		userID, name); err != nil {
		return nil, fmt.Errorf("delete partition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return result, nil
}

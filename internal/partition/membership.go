package partition

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/stashd/stashd/internal/metrics"
)

// Mover reassigns batches of files between partitions, keeping the ledger
// counters in step with the move.
type Mover struct {
	db *sql.DB
}

// NewMover creates a mover backed by the given database.
func NewMover(db *sql.DB) *Mover {
	return &Mover{db: db}
}

// MoveResult summarizes a completed bulk move.
type MoveResult struct {
	MovedCount      int              `json:"movedCount"`
	TotalSize       int64            `json:"totalSize"`
	TargetPartition string           `json:"targetPartition"`
	PerSourceDeltas map[string]int64 `json:"perSourceDeltas"`
}

// MoveFiles moves the given files to targetPartition in one transaction.
//
// Validation is all-or-nothing: if any id does not resolve to a live file
// owned by userID, nothing moves. The quota check is against the aggregate
// size of the batch, not per file. Reassignment and the paired counter
// updates commit together, so counters cannot diverge from membership on a
// partial failure.
func (m *Mover) MoveFiles(ctx context.Context, userID int, fileIDs []string, targetPartition string) (*MoveResult, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("move_files", time.Since(start)) }()

	targetPartition = NormalizeName(targetPartition)
	if len(fileIDs) == 0 {
		return nil, fmt.Errorf("no file ids given: %w", ErrInvalidArgument)
	}
	ids := dedupe(fileIDs)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the target partition row for the duration of the move.
	var quota, used int64
	err = tx.QueryRowContext(ctx,
		`SELECT quota, used FROM partitions
		 WHERE user_id = $1 AND name = $2 FOR UPDATE`,
		userID, targetPartition).Scan(&quota, &used)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("partition %q: %w", targetPartition, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock target partition: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, user_id, partition, size FROM files
		 WHERE id = ANY($1) AND NOT is_deleted FOR UPDATE`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}

	var totalSize int64
	perSource := make(map[string]int64)
	found := 0
	for rows.Next() {
		var id, part string
		var owner int
		var size int64
		if err := rows.Scan(&id, &owner, &part, &size); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan file: %w", err)
		}
		if owner != userID {
			rows.Close()
			return nil, fmt.Errorf("file %s not owned by user %d: %w", id, userID, ErrForbidden)
		}
		found++
		totalSize += size
		perSource[part] += size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if found != len(ids) {
		return nil, fmt.Errorf("%d of %d files not found: %w", len(ids)-found, len(ids), ErrForbidden)
	}

	// Aggregate quota check on the locked target row. The conditional update
	// doubles as the increment, so check and charge cannot be split by a
	// concurrent writer.
	res, err := tx.ExecContext(ctx,
		`UPDATE partitions SET used = used + $3
		 WHERE user_id = $1 AND name = $2 AND used + $3 <= quota`,
		userID, targetPartition, totalSize)
	if err != nil {
		return nil, fmt.Errorf("charge target partition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		metrics.RecordQuotaDecision(false)
		return nil, &QuotaError{Partition: targetPartition, Quota: quota, Used: used, Requested: totalSize}
	}
	metrics.RecordQuotaDecision(true)

	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET partition = $2 WHERE id = ANY($3) AND user_id = $1`,
		userID, targetPartition, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("reassign files: %w", err)
	}

	// Decrement each source by its share of the batch, clamped at zero.
	// Files already in the target fall out naturally: their source delta
	// cancels the increment above.
	for source, delta := range perSource {
		if _, err := tx.ExecContext(ctx,
			`UPDATE partitions SET used = GREATEST(0, used - $3)
			 WHERE user_id = $1 AND name = $2`,
			userID, source, delta); err != nil {
			return nil, fmt.Errorf("decrement source %q: %w", source, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit move: %w", err)
	}

	return &MoveResult{
		MovedCount:      found,
		TotalSize:       totalSize,
		TargetPartition: targetPartition,
		PerSourceDeltas: perSource,
	}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

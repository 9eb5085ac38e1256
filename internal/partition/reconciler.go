package partition

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stashd/stashd/internal/metrics"
)

// Reconciler recomputes used from the authoritative set of non-deleted file
// records and overwrites whatever the incremental counters drifted to.
type Reconciler struct {
	db *sql.DB
}

// NewReconciler creates a reconciler backed by the given database.
func NewReconciler(db *sql.DB) *Reconciler {
	return &Reconciler{db: db}
}

// ReconcileReport maps partition names to their recomputed usage. Partitions
// that failed to reconcile appear in Errors instead; one failure does not
// abort the rest.
type ReconcileReport struct {
	Computed map[string]int64  `json:"computed"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// ReconcilePartition overwrites a partition's used counter with the sum of
// sizes of its non-deleted files and returns the computed value. The write is
// last-writer-wins: increments racing the aggregation are lost, so callers
// that suspect a race should simply re-run it.
func (r *Reconciler) ReconcilePartition(ctx context.Context, userID int, name string) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("reconcile_partition", time.Since(start)) }()

	name = NormalizeName(name)
	var used int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE partitions SET used = COALESCE(
		    (SELECT SUM(f.size) FROM files f
		     WHERE f.user_id = partitions.user_id
		       AND f.partition = partitions.name
		       AND NOT f.is_deleted), 0)
		 WHERE user_id = $1 AND name = $2
		 RETURNING used`,
		userID, name).Scan(&used)
	if err == sql.ErrNoRows {
		metrics.RecordReconciliation(false)
		return 0, fmt.Errorf("partition %q: %w", name, ErrNotFound)
	}
	if err != nil {
		metrics.RecordReconciliation(false)
		return 0, fmt.Errorf("reconcile partition %q: %w", name, err)
	}
	metrics.RecordReconciliation(true)
	return used, nil
}

// ReconcileAll reconciles every partition of a user sequentially. Each
// partition's aggregation and persist is isolated; errors are collected in
// the report rather than returned.
func (r *Reconciler) ReconcileAll(ctx context.Context, userID int) (*ReconcileReport, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM partitions WHERE user_id = $1 ORDER BY created_at, name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan partition name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &ReconcileReport{Computed: make(map[string]int64)}
	for _, name := range names {
		used, err := r.ReconcilePartition(ctx, userID, name)
		if err != nil {
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[name] = err.Error()
			continue
		}
		report.Computed[name] = used
	}
	return report, nil
}

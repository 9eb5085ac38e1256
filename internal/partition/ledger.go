// Package partition implements storage partitions and their quota accounting:
// the per-user ledger of named partitions, the pre-write quota gate, usage
// reconciliation against file records, bulk file moves between partitions,
// and partition lifecycle (create/resize/delete).
//
// The used counter on a partition is advisory bookkeeping: it is maintained
// incrementally on upload/delete/move and periodically reconciled against the
// sum of non-deleted file sizes. Increment/decrement failures are returned to
// the caller, which is expected to log and swallow them rather than fail the
// file operation they are attached to. The one hard guarantee is Charge,
// which only increments used when the result stays within quota.
package partition

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/stashd/stashd/internal/metrics"
)

const (
	// MaxPerUser is the maximum number of partitions a user may have.
	MaxPerUser = 10

	// DefaultPersonal and DefaultWork are provisioned for every user.
	DefaultPersonal = "personal"
	DefaultWork     = "work"

	// DefaultQuota is the quota assigned to provisioned partitions (5 GiB).
	DefaultQuota = int64(5) << 30
)

// nameRegexp restricts user-created partition names. System defaults are
// inserted directly by EnsureDefaults and bypass this check.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,50}$`)

// Partition is a named, quota-bounded bucket of a user's files.
type Partition struct {
	Name      string    `json:"name"`
	Quota     int64     `json:"quota"`
	Used      int64     `json:"used"`
	IsDefault bool      `json:"isDefault"`
	CreatedAt time.Time `json:"createdAt"`
}

// Available returns the remaining capacity, never negative.
func (p *Partition) Available() int64 {
	if p.Used >= p.Quota {
		return 0
	}
	return p.Quota - p.Used
}

// Ledger is the only component that mutates partition rows.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger backed by the given database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// NormalizeName lowercases and trims a partition name. All lookups and
// mutations go through this so that stored names are uniformly lowercase.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateName reports whether a user-supplied partition name is acceptable.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("partition name must be 1-50 chars of [a-z0-9-_]: %w", ErrInvalidArgument)
	}
	return nil
}

// List returns all partitions of a user, oldest first.
// Fails with ErrNotFound if the user does not exist.
func (l *Ledger) List(ctx context.Context, userID int) ([]Partition, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_partitions", time.Since(start)) }()

	var exists bool
	if err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT name, quota, used, is_default, created_at
		 FROM partitions WHERE user_id = $1 ORDER BY created_at, name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var parts []Partition
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.Name, &p.Quota, &p.Used, &p.IsDefault, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// Get returns a single partition by name.
func (l *Ledger) Get(ctx context.Context, userID int, name string) (*Partition, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_partition", time.Since(start)) }()

	name = NormalizeName(name)
	var p Partition
	err := l.db.QueryRowContext(ctx,
		`SELECT name, quota, used, is_default, created_at
		 FROM partitions WHERE user_id = $1 AND name = $2`, userID, name).
		Scan(&p.Name, &p.Quota, &p.Used, &p.IsDefault, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("partition %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get partition: %w", err)
	}
	return &p, nil
}

// Create adds a new partition with used=0. The name is lowercased before
// validation and the uniqueness check, so "Projects" collides with "projects".
func (l *Ledger) Create(ctx context.Context, userID int, name string, quota int64) (*Partition, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_partition", time.Since(start)) }()

	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if quota < 0 {
		return nil, fmt.Errorf("quota must be non-negative: %w", ErrInvalidArgument)
	}

	var count int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM partitions WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return nil, fmt.Errorf("count partitions: %w", err)
	}
	if count >= MaxPerUser {
		return nil, fmt.Errorf("user has %d partitions (max %d): %w", count, MaxPerUser, ErrLimitExceeded)
	}

	var p Partition
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO partitions (user_id, name, quota, used, is_default)
		 VALUES ($1, $2, $3, 0, FALSE)
		 RETURNING name, quota, used, is_default, created_at`,
		userID, name, quota).
		Scan(&p.Name, &p.Quota, &p.Used, &p.IsDefault, &p.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, fmt.Errorf("partition %q already exists: %w", name, ErrConflict)
		}
		return nil, fmt.Errorf("create partition: %w", err)
	}
	return &p, nil
}

// UpdateQuota changes a partition's quota. The new quota may never be lower
// than committed usage; the check runs inside the UPDATE so a concurrent
// upload cannot slip the partition into an invisible over-quota state.
func (l *Ledger) UpdateQuota(ctx context.Context, userID int, name string, newQuota int64) (*Partition, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_quota", time.Since(start)) }()

	name = NormalizeName(name)
	if newQuota < 0 {
		return nil, fmt.Errorf("quota must be non-negative: %w", ErrInvalidArgument)
	}

	cur, err := l.Get(ctx, userID, name)
	if err != nil {
		return nil, err
	}

	var p Partition
	err = l.db.QueryRowContext(ctx,
		`UPDATE partitions SET quota = $3
		 WHERE user_id = $1 AND name = $2 AND used <= $3
		 RETURNING name, quota, used, is_default, created_at`,
		userID, name, newQuota).
		Scan(&p.Name, &p.Quota, &p.Used, &p.IsDefault, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("quota %d below current usage %d: %w", newQuota, cur.Used, ErrInvalidArgument)
	}
	if err != nil {
		return nil, fmt.Errorf("update quota: %w", err)
	}
	return &p, nil
}

// IncrementUsed adds delta bytes to a partition's used counter. This is
// advisory bookkeeping: callers attached to a file operation should log a
// returned error and carry on.
func (l *Ledger) IncrementUsed(ctx context.Context, userID int, name string, delta int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("increment_used", time.Since(start)) }()

	if delta < 0 {
		return fmt.Errorf("delta must be non-negative: %w", ErrInvalidArgument)
	}
	name = NormalizeName(name)
	res, err := l.db.ExecContext(ctx,
		`UPDATE partitions SET used = used + $3 WHERE user_id = $1 AND name = $2`,
		userID, name, delta)
	if err != nil {
		return fmt.Errorf("increment used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("partition %q: %w", name, ErrNotFound)
	}
	return nil
}

// DecrementUsed subtracts delta bytes, clamping at zero. The clamp tolerates
// double-decrement races; decrements always move toward reconciled truth.
func (l *Ledger) DecrementUsed(ctx context.Context, userID int, name string, delta int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("decrement_used", time.Since(start)) }()

	if delta < 0 {
		return fmt.Errorf("delta must be non-negative: %w", ErrInvalidArgument)
	}
	name = NormalizeName(name)
	res, err := l.db.ExecContext(ctx,
		`UPDATE partitions SET used = GREATEST(0, used - $3) WHERE user_id = $1 AND name = $2`,
		userID, name, delta)
	if err != nil {
		return fmt.Errorf("decrement used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("partition %q: %w", name, ErrNotFound)
	}
	return nil
}

// Charge atomically increments used by delta only if the result stays within
// quota. On a quota miss it returns a *QuotaError with current diagnostics.
// Unlike IncrementUsed this is a hard guarantee, not advisory: two concurrent
// charges cannot overshoot the quota.
func (l *Ledger) Charge(ctx context.Context, userID int, name string, delta int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("charge_used", time.Since(start)) }()

	if delta <= 0 {
		return fmt.Errorf("charge must be positive: %w", ErrInvalidArgument)
	}
	name = NormalizeName(name)
	res, err := l.db.ExecContext(ctx,
		`UPDATE partitions SET used = used + $3
		 WHERE user_id = $1 AND name = $2 AND used + $3 <= quota`,
		userID, name, delta)
	if err != nil {
		return fmt.Errorf("charge used: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Either the partition is missing or the charge would exceed quota.
	p, err := l.Get(ctx, userID, name)
	if err != nil {
		return err
	}
	return &QuotaError{Partition: p.Name, Quota: p.Quota, Used: p.Used, Requested: delta}
}

// EnsureDefaults provisions the personal and work partitions for a user if
// absent. Idempotent; called at registration and lazily for users that
// predate partitioned storage.
func (l *Ledger) EnsureDefaults(ctx context.Context, userID int, quota int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("ensure_default_partitions", time.Since(start)) }()

	if quota <= 0 {
		quota = DefaultQuota
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO partitions (user_id, name, quota, used, is_default)
		 VALUES ($1, $2, $3, 0, TRUE), ($1, $4, $3, 0, TRUE)
		 ON CONFLICT (user_id, name) DO NOTHING`,
		userID, DefaultPersonal, quota, DefaultWork)
	if err != nil {
		return fmt.Errorf("ensure default partitions: %w", err)
	}
	return nil
}

package partition

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newLedgerWithMock(t *testing.T) (*Ledger, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewLedger(db), mock, db
}

func partitionRows(name string, quota, used int64, isDefault bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"name", "quota", "used", "is_default", "created_at"}).
		AddRow(name, quota, used, isDefault, time.Now())
}

func TestValidateName(t *testing.T) {
	valid := []string{"personal", "work", "a", "my-stuff", "proj_2024", strings.Repeat("x", 50)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "Photos", "has space", "emoji💾", "dot.name", strings.Repeat("x", 51)}
	for _, name := range invalid {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidArgument", name, err)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	if got := NormalizeName("  Projects "); got != "projects" {
		t.Errorf("NormalizeName = %q, want %q", got, "projects")
	}
}

func TestAvailableNeverNegative(t *testing.T) {
	p := &Partition{Quota: 100, Used: 150}
	if got := p.Available(); got != 0 {
		t.Errorf("Available = %d, want 0", got)
	}
	p.Used = 40
	if got := p.Available(); got != 60 {
		t.Errorf("Available = %d, want 60", got)
	}
}

func TestCreate_Success(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM partitions WHERE user_id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`INSERT INTO partitions .* RETURNING name, quota, used, is_default, created_at`).
		WithArgs(1, "projects", int64(1000)).
		WillReturnRows(partitionRows("projects", 1000, 0, false))

	p, err := ledger.Create(context.Background(), 1, "Projects", 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Name != "projects" || p.Quota != 1000 || p.Used != 0 {
		t.Errorf("unexpected partition: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreate_LimitExceeded(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM partitions WHERE user_id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(MaxPerUser))

	_, err := ledger.Create(context.Background(), 1, "eleventh", 1000)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("want ErrLimitExceeded, got %v", err)
	}
}

func TestCreate_InvalidName(t *testing.T) {
	ledger, _, db := newLedgerWithMock(t)
	defer db.Close()

	_, err := ledger.Create(context.Background(), 1, "not valid!", 1000)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT name, quota, used, is_default, created_at`).
		WithArgs(1, "ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := ledger.Get(context.Background(), 1, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateQuota_BelowUsage(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT name, quota, used, is_default, created_at`).
		WithArgs(1, "work").
		WillReturnRows(partitionRows("work", 1000, 800, true))
	mock.ExpectQuery(`UPDATE partitions SET quota = \$3`).
		WithArgs(1, "work", int64(500)).
		WillReturnError(sql.ErrNoRows)

	_, err := ledger.UpdateQuota(context.Background(), 1, "work", 500)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
	if !strings.Contains(err.Error(), "800") {
		t.Errorf("error should mention current usage, got %q", err.Error())
	}
}

func TestUpdateQuota_Success(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT name, quota, used, is_default, created_at`).
		WithArgs(1, "work").
		WillReturnRows(partitionRows("work", 1000, 300, true))
	mock.ExpectQuery(`UPDATE partitions SET quota = \$3`).
		WithArgs(1, "work", int64(2000)).
		WillReturnRows(partitionRows("work", 2000, 300, true))

	p, err := ledger.UpdateQuota(context.Background(), 1, "work", 2000)
	if err != nil {
		t.Fatalf("UpdateQuota: %v", err)
	}
	if p.Quota != 2000 || p.Used != 300 {
		t.Errorf("unexpected partition: %+v", p)
	}
}

func TestCharge_Success(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE partitions SET used = used \+ \$3`).
		WithArgs(1, "personal", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := ledger.Charge(context.Background(), 1, "personal", 100); err != nil {
		t.Fatalf("Charge: %v", err)
	}
}

func TestCharge_QuotaExceeded(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE partitions SET used = used \+ \$3`).
		WithArgs(1, "personal", int64(600)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT name, quota, used, is_default, created_at`).
		WithArgs(1, "personal").
		WillReturnRows(partitionRows("personal", 1000, 500, true))

	err := ledger.Charge(context.Background(), 1, "personal", 600)
	var qerr *QuotaError
	if !errors.As(err, &qerr) {
		t.Fatalf("want *QuotaError, got %v", err)
	}
	if qerr.Quota != 1000 || qerr.Used != 500 || qerr.Requested != 600 {
		t.Errorf("unexpected QuotaError: %+v", qerr)
	}
	if qerr.Available() != 500 {
		t.Errorf("Available = %d, want 500", qerr.Available())
	}
}

func TestCharge_MissingPartition(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE partitions SET used = used \+ \$3`).
		WithArgs(1, "ghost", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT name, quota, used, is_default, created_at`).
		WithArgs(1, "ghost").
		WillReturnError(sql.ErrNoRows)

	err := ledger.Charge(context.Background(), 1, "ghost", 10)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestCharge_NonPositiveDelta(t *testing.T) {
	ledger, _, db := newLedgerWithMock(t)
	defer db.Close()

	if err := ledger.Charge(context.Background(), 1, "personal", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

func TestIncrementUsed_MissingPartition(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE partitions SET used = used \+ \$3`).
		WithArgs(1, "ghost", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := ledger.IncrementUsed(context.Background(), 1, "ghost", 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDecrementUsed_Clamps(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE partitions SET used = GREATEST\(0, used - \$3\)`).
		WithArgs(1, "personal", int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := ledger.DecrementUsed(context.Background(), 1, "personal", 500); err != nil {
		t.Fatalf("DecrementUsed: %v", err)
	}
}

func TestEnsureDefaults_Idempotent(t *testing.T) {
	ledger, mock, db := newLedgerWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO partitions .* ON CONFLICT \(user_id, name\) DO NOTHING`).
		WithArgs(7, DefaultPersonal, DefaultQuota, DefaultWork).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := ledger.EnsureDefaults(context.Background(), 7, 0); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQuotaErrorMessage(t *testing.T) {
	err := &QuotaError{Partition: "work", Quota: 5 << 30, Used: 4 << 30, Requested: 2 << 30}
	msg := err.Error()
	for _, want := range []string{"work", "quota exceeded", "GiB"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should contain %q", msg, want)
		}
	}
}

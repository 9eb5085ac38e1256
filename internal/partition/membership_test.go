package partition

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMoverWithMock(t *testing.T) (*Mover, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewMover(db), mock, db
}

func fileBatchRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "partition", "size"})
}

func TestMoveFiles_Success(t *testing.T) {
	mover, mock, db := newMoverWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT quota, used FROM partitions .* FOR UPDATE`).
		WithArgs(1, "archive").
		WillReturnRows(sqlmock.NewRows([]string{"quota", "used"}).AddRow(int64(1000), int64(100)))
	mock.ExpectQuery(`SELECT id, user_id, partition, size FROM files`).
		WillReturnRows(fileBatchRows().
			AddRow("f1", 1, "work", int64(200)).
			AddRow("f2", 1, "work", int64(300)))
	mock.ExpectExec(`UPDATE partitions SET used = used \+ \$3`).
		WithArgs(1, "archive", int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE files SET partition = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE partitions SET used = GREATEST\(0, used - \$3\)`).
		WithArgs(1, "work", int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := mover.MoveFiles(context.Background(), 1, []string{"f1", "f2"}, "archive")
	if err != nil {
		t.Fatalf("MoveFiles: %v", err)
	}
	if result.MovedCount != 2 || result.TotalSize != 500 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.PerSourceDeltas["work"] != 500 {
		t.Errorf("PerSourceDeltas = %v, want work:500", result.PerSourceDeltas)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMoveFiles_QuotaDenied(t *testing.T) {
	mover, mock, db := newMoverWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT quota, used FROM partitions .* FOR UPDATE`).
		WithArgs(1, "archive").
		WillReturnRows(sqlmock.NewRows([]string{"quota", "used"}).AddRow(int64(1000), int64(900)))
	mock.ExpectQuery(`SELECT id, user_id, partition, size FROM files`).
		WillReturnRows(fileBatchRows().AddRow("f1", 1, "work", int64(200)))
	mock.ExpectExec(`UPDATE partitions SET used = used \+ \$3`).
		WithArgs(1, "archive", int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := mover.MoveFiles(context.Background(), 1, []string{"f1"}, "archive")
	var qerr *QuotaError
	if !errors.As(err, &qerr) {
		t.Fatalf("want *QuotaError, got %v", err)
	}
	if qerr.Partition != "archive" || qerr.Used != 900 || qerr.Requested != 200 {
		t.Errorf("unexpected QuotaError: %+v", qerr)
	}
}

func TestMoveFiles_MissingFileAbortsAll(t *testing.T) {
	mover, mock, db := newMoverWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT quota, used FROM partitions .* FOR UPDATE`).
		WithArgs(1, "archive").
		WillReturnRows(sqlmock.NewRows([]string{"quota", "used"}).AddRow(int64(1000), int64(0)))
	// Only one of the two requested files resolves.
	mock.ExpectQuery(`SELECT id, user_id, partition, size FROM files`).
		WillReturnRows(fileBatchRows().AddRow("f1", 1, "work", int64(200)))
	mock.ExpectRollback()

	_, err := mover.MoveFiles(context.Background(), 1, []string{"f1", "ghost"}, "archive")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
}

func TestMoveFiles_WrongOwner(t *testing.T) {
	mover, mock, db := newMoverWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT quota, used FROM partitions .* FOR UPDATE`).
		WithArgs(1, "archive").
		WillReturnRows(sqlmock.NewRows([]string{"quota", "used"}).AddRow(int64(1000), int64(0)))
	mock.ExpectQuery(`SELECT id, user_id, partition, size FROM files`).
		WillReturnRows(fileBatchRows().AddRow("f1", 99, "work", int64(200)))
	mock.ExpectRollback()

	_, err := mover.MoveFiles(context.Background(), 1, []string{"f1"}, "archive")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
}

func TestMoveFiles_TargetNotFound(t *testing.T) {
	mover, mock, db := newMoverWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT quota, used FROM partitions .* FOR UPDATE`).
		WithArgs(1, "ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := mover.MoveFiles(context.Background(), 1, []string{"f1"}, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMoveFiles_EmptyBatch(t *testing.T) {
	mover, _, db := newMoverWithMock(t)
	defer db.Close()

	if _, err := mover.MoveFiles(context.Background(), 1, nil, "archive"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

// Duplicate ids collapse to a single move; the batch size reflects unique
// files only.
func TestMoveFiles_DeduplicatesIDs(t *testing.T) {
	mover, mock, db := newMoverWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT quota, used FROM partitions .* FOR UPDATE`).
		WithArgs(1, "archive").
		WillReturnRows(sqlmock.NewRows([]string{"quota", "used"}).AddRow(int64(1000), int64(0)))
	mock.ExpectQuery(`SELECT id, user_id, partition, size FROM files`).
		WillReturnRows(fileBatchRows().AddRow("f1", 1, "work", int64(200)))
	mock.ExpectExec(`UPDATE partitions SET used = used \+ \$3`).
		WithArgs(1, "archive", int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE files SET partition = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE partitions SET used = GREATEST\(0, used - \$3\)`).
		WithArgs(1, "work", int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := mover.MoveFiles(context.Background(), 1, []string{"f1", "f1", "f1"}, "archive")
	if err != nil {
		t.Fatalf("MoveFiles: %v", err)
	}
	if result.MovedCount != 1 || result.TotalSize != 200 {
		t.Errorf("unexpected result: %+v", result)
	}
}

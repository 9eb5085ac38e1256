package files

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewStore(db), mock, db
}

var fileCols = []string{
	"id", "user_id", "filename", "original_name", "mimetype", "size", "partition",
	"is_public", "tags", "storage_key", "storage_url", "is_deleted", "deleted_at", "created_at",
}

func fileRows(id string, userID int, partitionName string, size int64, deleted bool) *sqlmock.Rows {
	var deletedAt any
	if deleted {
		deletedAt = time.Now()
	}
	return sqlmock.NewRows(fileCols).AddRow(
		id, userID, "report.pdf", "report.pdf", "application/pdf", size, partitionName,
		false, "{}", "key-"+id, "", deleted, deletedAt, time.Now())
}

func TestSoftDelete_ReturnsRecordForDecrement(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE files SET is_deleted = TRUE, deleted_at = NOW\(\)`).
		WithArgs(1, "f1").
		WillReturnRows(fileRows("f1", 1, "work", 2048, true))

	f, err := store.SoftDelete(context.Background(), 1, "f1")
	if err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if f.Partition != "work" || f.Size != 2048 {
		t.Errorf("unexpected record: %+v", f)
	}
	if !f.IsDeleted || f.DeletedAt == nil {
		t.Error("record should be marked deleted")
	}
}

func TestSoftDelete_AlreadyTrashed(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE files SET is_deleted = TRUE`).
		WithArgs(1, "f1").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.SoftDelete(context.Background(), 1, "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRestore_NotInTrash(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE files SET is_deleted = FALSE`).
		WithArgs(1, "f1").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Restore(context.Background(), 1, "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGet_ScopedToOwner(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM files`).
		WithArgs(2, "f1").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), 2, "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPurgeExpired_ReturnsStorageKeys(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`DELETE FROM files WHERE is_deleted AND deleted_at < \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"storage_key"}).
			AddRow("users/1/2026/1/aaa").
			AddRow("users/2/2026/2/bbb"))

	keys, err := store.PurgeExpired(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if len(keys) != 2 || keys[0] != "users/1/2026/1/aaa" {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestList_FiltersByPartition(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM files`).
		WithArgs(1, "work").
		WillReturnRows(fileRows("f1", 1, "work", 100, false))

	list, err := store.List(context.Background(), 1, "work")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Partition != "work" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestExtensionCategory(t *testing.T) {
	cases := map[string]string{
		"jpg":  "Images",
		"MP4":  "Videos",
		"flac": "Audio",
		"pdf":  "Documents",
		"zst":  "Archives",
		"iso":  "Other",
		"none": "Other",
	}
	for ext, want := range cases {
		if got := extensionCategory(ext); got != want {
			t.Errorf("extensionCategory(%q) = %q, want %q", ext, got, want)
		}
	}
}

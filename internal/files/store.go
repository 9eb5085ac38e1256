// Package files provides the PostgreSQL-backed file record store: upload
// metadata, partition membership, soft-delete/trash lifecycle, and search.
package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/stashd/stashd/internal/metrics"
)

// ErrNotFound is returned when a file record does not exist (or is not
// visible in the requested state, e.g. restoring a file that isn't trashed).
var ErrNotFound = errors.New("file not found")

// File is a stored file record. Size is immutable after creation; partition
// is mutated only by the move operation and forced partition deletion.
type File struct {
	ID           string     `json:"id"`
	UserID       int        `json:"-"`
	Filename     string     `json:"filename"`
	OriginalName string     `json:"originalName"`
	Mimetype     string     `json:"mimetype"`
	Size         int64      `json:"size"`
	Partition    string     `json:"partition"`
	IsPublic     bool       `json:"isPublic"`
	Tags         []string   `json:"tags,omitempty"`
	StorageKey   string     `json:"-"`
	StorageURL   string     `json:"url,omitempty"`
	IsDeleted    bool       `json:"isDeleted"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Store is a PostgreSQL file record store.
type Store struct {
	db *sql.DB
}

// NewStore creates a file store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const fileColumns = `id, user_id, filename, original_name, mimetype, size, partition,
	is_public, tags, storage_key, storage_url, is_deleted, deleted_at, created_at`

func scanFile(row interface{ Scan(...any) error }) (*File, error) {
	var f File
	var deletedAt sql.NullTime
	if err := row.Scan(&f.ID, &f.UserID, &f.Filename, &f.OriginalName, &f.Mimetype,
		&f.Size, &f.Partition, &f.IsPublic, pq.Array(&f.Tags),
		&f.StorageKey, &f.StorageURL, &f.IsDeleted, &deletedAt, &f.CreatedAt); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		f.DeletedAt = &deletedAt.Time
	}
	return &f, nil
}

// Insert persists a new file record.
func (s *Store) Insert(ctx context.Context, f *File) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_file", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, user_id, filename, original_name, mimetype, size, partition,
		    is_public, tags, storage_key, storage_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.UserID, f.Filename, f.OriginalName, f.Mimetype, f.Size, f.Partition,
		f.IsPublic, pq.Array(f.Tags), f.StorageKey, f.StorageURL)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// Delete removes a file record outright. Used to undo an insert whose quota
// charge was rejected; user-initiated deletes go through SoftDelete.
func (s *Store) Delete(ctx context.Context, userID int, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_file", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM files WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Get returns a single non-deleted file owned by userID.
func (s *Store) Get(ctx context.Context, userID int, id string) (*File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file", time.Since(start)) }()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE user_id = $1 AND id = $2 AND NOT is_deleted`, userID, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// List returns a user's non-deleted files, newest first. An empty partition
// filter returns all partitions.
func (s *Store) List(ctx context.Context, userID int, partitionName string) ([]File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_files", time.Since(start)) }()

	query := `SELECT ` + fileColumns + ` FROM files
	          WHERE user_id = $1 AND NOT is_deleted`
	args := []any{userID}
	if partitionName != "" {
		query += ` AND partition = $2`
		args = append(args, partitionName)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// SoftDelete marks a file as deleted and returns the record so the caller
// can decrement the owning partition's usage.
func (s *Store) SoftDelete(ctx context.Context, userID int, id string) (*File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("soft_delete_file", time.Since(start)) }()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`UPDATE files SET is_deleted = TRUE, deleted_at = NOW()
		 WHERE user_id = $1 AND id = $2 AND NOT is_deleted
		 RETURNING `+fileColumns, userID, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("soft delete file: %w", err)
	}
	return f, nil
}

// Restore brings a trashed file back and returns the record so the caller
// can re-increment the owning partition's usage.
func (s *Store) Restore(ctx context.Context, userID int, id string) (*File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("restore_file", time.Since(start)) }()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`UPDATE files SET is_deleted = FALSE, deleted_at = NULL
		 WHERE user_id = $1 AND id = $2 AND is_deleted
		 RETURNING `+fileColumns, userID, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %s not in trash: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("restore file: %w", err)
	}
	return f, nil
}

// ListTrash returns a user's trashed files, most recently deleted first.
func (s *Store) ListTrash(ctx context.Context, userID int) ([]File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_trash", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE user_id = $1 AND is_deleted
		 ORDER BY deleted_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trash: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// Purge permanently deletes a trashed file and returns the record so the
// caller can clean up the storage object.
func (s *Store) Purge(ctx context.Context, userID int, id string) (*File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("purge_file", time.Since(start)) }()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`DELETE FROM files WHERE user_id = $1 AND id = $2 AND is_deleted
		 RETURNING `+fileColumns, userID, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %s not in trash: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("purge file: %w", err)
	}
	return f, nil
}

// PurgeExpired permanently deletes trash older than maxAge across all users.
// Returns storage keys for object cleanup.
func (s *Store) PurgeExpired(ctx context.Context, maxAge time.Duration) ([]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("purge_expired_trash", time.Since(start)) }()

	cutoff := time.Now().Add(-maxAge)
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM files WHERE is_deleted AND deleted_at < $1
		 RETURNING storage_key`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge expired trash: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan purge: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Search finds non-deleted files by filename, original name, or tag.
func (s *Store) Search(ctx context.Context, userID int, query string, limit int) ([]File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("search_files", time.Since(start)) }()

	if limit <= 0 || limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE user_id = $1 AND NOT is_deleted
		   AND (filename ILIKE '%' || $2 || '%'
		        OR original_name ILIKE '%' || $2 || '%'
		        OR EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE '%' || $2 || '%'))
		 ORDER BY created_at DESC LIMIT $3`, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// TypeBreakdown is storage usage within a partition for one file extension.
type TypeBreakdown struct {
	Extension string `json:"extension"`
	Category  string `json:"category"`
	Size      int64  `json:"size"`
	Count     int    `json:"count"`
}

// PartitionTypeBreakdown returns storage usage by file extension for one
// partition, largest first.
func (s *Store) PartitionTypeBreakdown(ctx context.Context, userID int, partitionName string) ([]TypeBreakdown, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("partition_type_breakdown", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT LOWER(COALESCE(NULLIF(
		        SUBSTRING(original_name FROM '\.([^.]+)$'), ''), 'none')),
		        COALESCE(SUM(size), 0), COUNT(*)
		 FROM files
		 WHERE user_id = $1 AND partition = $2 AND NOT is_deleted
		 GROUP BY 1
		 ORDER BY SUM(size) DESC`, userID, partitionName)
	if err != nil {
		return nil, fmt.Errorf("type breakdown: %w", err)
	}
	defer rows.Close()

	var out []TypeBreakdown
	for rows.Next() {
		var b TypeBreakdown
		if err := rows.Scan(&b.Extension, &b.Size, &b.Count); err != nil {
			return nil, fmt.Errorf("scan breakdown: %w", err)
		}
		b.Category = extensionCategory(b.Extension)
		out = append(out, b)
	}
	return out, rows.Err()
}

// PartitionFileStats holds live file counts and sizes for one partition.
type PartitionFileStats struct {
	Count int64 `json:"fileCount"`
	Size  int64 `json:"fileSize"`
}

// StatsByPartition returns non-deleted file counts and total sizes grouped
// by partition name. Used by the usage endpoint alongside the ledger's
// tracked counters.
func (s *Store) StatsByPartition(ctx context.Context, userID int) (map[string]PartitionFileStats, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("stats_by_partition", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT partition, COUNT(*), COALESCE(SUM(size), 0)
		 FROM files WHERE user_id = $1 AND NOT is_deleted
		 GROUP BY partition`, userID)
	if err != nil {
		return nil, fmt.Errorf("stats by partition: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]PartitionFileStats)
	for rows.Next() {
		var name string
		var st PartitionFileStats
		if err := rows.Scan(&name, &st.Count, &st.Size); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[name] = st
	}
	return stats, rows.Err()
}

// extensionCategory maps a file extension to a broad category.
func extensionCategory(ext string) string {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg", "png", "gif", "webp", "svg", "bmp", "tiff", "heic":
		return "Images"
	case "mp4", "mov", "avi", "mkv", "webm", "m4v":
		return "Videos"
	case "mp3", "wav", "flac", "aac", "ogg", "m4a":
		return "Audio"
	case "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "txt", "rtf", "csv", "md":
		return "Documents"
	case "zip", "tar", "gz", "bz2", "7z", "rar", "xz", "zst":
		return "Archives"
	default:
		return "Other"
	}
}

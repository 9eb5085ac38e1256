package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stashd/stashd/internal/auth"
	"github.com/stashd/stashd/internal/files"
	"github.com/stashd/stashd/internal/logging"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/partition"
)

const presignExpiry = 15 * time.Minute

// handleUpload handles POST /api/files/upload (multipart).
//
// The quota path is check, store, charge: the pure check rejects oversized
// uploads before any bytes move, the conditional charge after the object
// write is what actually commits the bytes. A charge rejection (a concurrent
// upload won the remaining capacity) rolls the object back.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	log := logging.WithContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		metrics.RecordUpload(0, false)
		s.sendError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		metrics.RecordUpload(0, false)
		s.sendError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	partName := r.FormValue("partition")
	if partName == "" {
		partName = partition.DefaultPersonal
	}

	decision, err := s.gate.Check(r.Context(), claims.UserID, partName, header.Size)
	if err != nil {
		metrics.RecordUpload(0, false)
		s.sendDomainError(w, err)
		return
	}
	if !decision.Allowed {
		metrics.RecordUpload(0, false)
		s.sendDomainError(w, &partition.QuotaError{
			Partition: decision.Partition,
			Quota:     decision.Quota,
			Used:      decision.Used,
			Requested: decision.Requested,
		})
		return
	}

	id := uuid.New().String()
	now := time.Now()
	storageKey := fmt.Sprintf("users/%d/%d/%d/%s", claims.UserID, now.Year(), now.Month(), id)

	if err := s.backend.PutObject(r.Context(), storageKey, file, header.Size); err != nil {
		metrics.RecordUpload(0, false)
		log.Error("object upload failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	if err := s.gate.Charge(r.Context(), claims.UserID, decision.Partition, header.Size); err != nil {
		if delErr := s.backend.DeleteObject(r.Context(), storageKey); delErr != nil {
			log.Error("orphan object cleanup failed",
				zap.String("key", storageKey), zap.Error(delErr))
		}
		metrics.RecordUpload(0, false)
		s.sendDomainError(w, err)
		return
	}

	var tags []string
	if raw := r.FormValue("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	f := &files.File{
		ID:           id,
		UserID:       claims.UserID,
		Filename:     header.Filename,
		OriginalName: header.Filename,
		Mimetype:     header.Header.Get("Content-Type"),
		Size:         header.Size,
		Partition:    decision.Partition,
		Tags:         tags,
		StorageKey:   storageKey,
		CreatedAt:    now,
	}
	if err := s.files.Insert(r.Context(), f); err != nil {
		// Roll back the charge and the object; neither failure can be
		// surfaced past the 500 already owed to the client.
		if refundErr := s.gate.Refund(r.Context(), claims.UserID, decision.Partition, header.Size); refundErr != nil {
			metrics.RecordCounterUpdateFailure()
			log.Error("refund after failed insert",
				zap.String("partition", decision.Partition), zap.Error(refundErr))
		}
		if delErr := s.backend.DeleteObject(r.Context(), storageKey); delErr != nil {
			log.Error("orphan object cleanup failed",
				zap.String("key", storageKey), zap.Error(delErr))
		}
		metrics.RecordUpload(0, false)
		log.Error("file record insert failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	metrics.RecordUpload(header.Size, true)
	log.Info("file uploaded",
		zap.Int("user_id", claims.UserID),
		zap.String("file_id", id),
		zap.String("partition", decision.Partition),
		zap.Int64("size", header.Size))
	s.sendJSON(w, http.StatusCreated, f)
}

// handleListFiles handles GET /api/files?partition=name.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	list, err := s.files.List(r.Context(), claims.UserID, r.URL.Query().Get("partition"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"files": list})
}

// handleSearchFiles handles GET /api/files/search?q=term.
func (s *Server) handleSearchFiles(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.sendError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := s.files.Search(r.Context(), claims.UserID, q, limit)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"files": list})
}

// handleGetFile handles GET /api/files/{id}.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	f, err := s.files.Get(r.Context(), claims.UserID, r.PathValue("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, f)
}

// handleDownload handles GET /api/files/{id}/download. By default the
// content is streamed through the server; presigned=true returns a
// time-limited direct URL instead.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	log := logging.WithContext(r.Context())

	f, err := s.files.Get(r.Context(), claims.UserID, r.PathValue("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	if presigned, _ := strconv.ParseBool(r.URL.Query().Get("presigned")); presigned {
		url, err := s.backend.PresignGet(r.Context(), f.StorageKey, presignExpiry)
		if err != nil {
			log.Error("presign failed", zap.String("file_id", f.ID), zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "presign failed")
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]any{
			"url":        url,
			"expires_in": int(presignExpiry.Seconds()),
		})
		return
	}

	body, size, err := s.backend.GetObject(r.Context(), f.StorageKey, 0, 0)
	if err != nil {
		log.Error("object fetch failed", zap.String("file_id", f.ID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "download failed")
		return
	}
	defer body.Close()

	mimetype := f.Mimetype
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", f.OriginalName))
	io.Copy(w, body)
}

// handleDeleteFile handles DELETE /api/files/{id}: soft delete plus an
// advisory usage decrement. A decrement failure never fails the delete.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	log := logging.WithContext(r.Context())

	f, err := s.files.SoftDelete(r.Context(), claims.UserID, r.PathValue("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	if err := s.gate.Refund(r.Context(), claims.UserID, f.Partition, f.Size); err != nil {
		metrics.RecordCounterUpdateFailure()
		log.Warn("usage decrement failed after delete",
			zap.String("partition", f.Partition),
			zap.String("file_id", f.ID),
			zap.Error(err))
	}

	log.Info("file moved to trash",
		zap.Int("user_id", claims.UserID),
		zap.String("file_id", f.ID),
		zap.String("partition", f.Partition))
	s.sendJSON(w, http.StatusOK, f)
}

// handleMoveFiles handles POST /api/partitions/move-files.
func (s *Server) handleMoveFiles(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	var req struct {
		FileIDs         []string `json:"fileIds"`
		TargetPartition string   `json:"targetPartition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetPartition == "" {
		s.sendError(w, http.StatusBadRequest, "missing targetPartition")
		return
	}

	result, err := s.mover.MoveFiles(r.Context(), claims.UserID, req.FileIDs, req.TargetPartition)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	logging.WithContext(r.Context()).Info("files moved",
		zap.Int("user_id", claims.UserID),
		zap.Int("count", result.MovedCount),
		zap.String("target", result.TargetPartition),
		zap.Int64("total_size", result.TotalSize))
	s.sendJSON(w, http.StatusOK, result)
}

// handleListTrash handles GET /api/trash.
func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	list, err := s.files.ListTrash(r.Context(), claims.UserID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"files": list})
}

// handleRestore handles POST /api/trash/{id}/restore. The usage increment
// mirrors the delete-side decrement: advisory, logged on failure. Restores
// may push a partition past its quota; reconciliation reports the truth.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	log := logging.WithContext(r.Context())

	f, err := s.files.Restore(r.Context(), claims.UserID, r.PathValue("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	if err := s.ledger.IncrementUsed(r.Context(), claims.UserID, f.Partition, f.Size); err != nil {
		metrics.RecordCounterUpdateFailure()
		log.Warn("usage increment failed after restore",
			zap.String("partition", f.Partition),
			zap.String("file_id", f.ID),
			zap.Error(err))
	}

	log.Info("file restored from trash",
		zap.Int("user_id", claims.UserID),
		zap.String("file_id", f.ID),
		zap.String("partition", f.Partition))
	s.sendJSON(w, http.StatusOK, f)
}

// handlePurge handles DELETE /api/trash/{id}: permanent removal of record
// and object. Trashed files don't count against usage, so no counter moves.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	log := logging.WithContext(r.Context())

	f, err := s.files.Purge(r.Context(), claims.UserID, r.PathValue("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	if err := s.backend.DeleteObject(r.Context(), f.StorageKey); err != nil {
		log.Error("object delete failed after purge",
			zap.String("key", f.StorageKey), zap.Error(err))
	}

	log.Info("file purged",
		zap.Int("user_id", claims.UserID),
		zap.String("file_id", f.ID))
	w.WriteHeader(http.StatusNoContent)
}

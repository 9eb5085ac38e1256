package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/stashd/stashd/internal/auth"
	"github.com/stashd/stashd/internal/logging"
)

// handleListPartitions handles GET /api/partitions. Defaults are provisioned
// lazily here for accounts that predate partitioned storage.
func (s *Server) handleListPartitions(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	if err := s.ledger.EnsureDefaults(r.Context(), claims.UserID, s.config.DefaultPartitionQuota); err != nil {
		s.sendDomainError(w, err)
		return
	}

	parts, err := s.ledger.List(r.Context(), claims.UserID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"partitions": parts})
}

// handleGetPartition handles GET /api/partitions/{name}: partition detail
// plus storage usage broken down by file type.
func (s *Server) handleGetPartition(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	p, err := s.ledger.Get(r.Context(), claims.UserID, r.PathValue("name"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	breakdown, err := s.files.PartitionTypeBreakdown(r.Context(), claims.UserID, p.Name)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"name":      p.Name,
		"quota":     p.Quota,
		"used":      p.Used,
		"available": p.Available(),
		"isDefault": p.IsDefault,
		"createdAt": p.CreatedAt,
		"breakdown": breakdown,
	})
}

// handleCreatePartition handles POST /api/partitions.
func (s *Server) handleCreatePartition(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	var req struct {
		Name  string `json:"name"`
		Quota int64  `json:"quota"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Quota == 0 {
		req.Quota = s.config.DefaultPartitionQuota
	}

	p, err := s.ledger.Create(r.Context(), claims.UserID, req.Name, req.Quota)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	logging.WithContext(r.Context()).Info("partition created",
		zap.Int("user_id", claims.UserID),
		zap.String("partition", p.Name),
		zap.Int64("quota", p.Quota))
	s.sendJSON(w, http.StatusCreated, p)
}

// handleUpdateQuota handles PATCH /api/partitions/{name}.
func (s *Server) handleUpdateQuota(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	var req struct {
		Quota int64 `json:"quota"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.ledger.UpdateQuota(r.Context(), claims.UserID, r.PathValue("name"), req.Quota)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	logging.WithContext(r.Context()).Info("partition quota updated",
		zap.Int("user_id", claims.UserID),
		zap.String("partition", p.Name),
		zap.Int64("quota", p.Quota))
	s.sendJSON(w, http.StatusOK, p)
}

// handleDeletePartition handles DELETE /api/partitions/{name}.
// The force query parameter enables deletion of non-empty and default
// partitions; files are migrated to personal or trashed.
func (s *Server) handleDeletePartition(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	result, err := s.lifecycle.Delete(r.Context(), claims.UserID, r.PathValue("name"), force)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	logging.WithContext(r.Context()).Info("partition deleted",
		zap.Int("user_id", claims.UserID),
		zap.String("partition", result.Name),
		zap.Bool("force", force),
		zap.Int64("migrated", result.FilesMigrated),
		zap.Int64("trashed", result.FilesTrashed))
	s.sendJSON(w, http.StatusOK, result)
}

// handleQuotaCheck handles POST /api/partitions/check. Dry-run: reports
// whether a write of the given size would fit, without reserving anything.
func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	var req struct {
		Partition string `json:"partition"`
		Size      int64  `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Partition == "" {
		req.Partition = "personal"
	}

	decision, err := s.gate.Check(r.Context(), claims.UserID, req.Partition, req.Size)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, decision)
}

// handleReconcilePartition handles POST /api/partitions/{name}/reconcile.
func (s *Server) handleReconcilePartition(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	name := r.PathValue("name")

	used, err := s.reconciler.ReconcilePartition(r.Context(), claims.UserID, name)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	logging.WithContext(r.Context()).Info("partition reconciled",
		zap.Int("user_id", claims.UserID),
		zap.String("partition", name),
		zap.Int64("used", used))
	s.sendJSON(w, http.StatusOK, map[string]any{"partition": name, "used": used})
}

// handleReconcileAll handles POST /api/partitions/reconcile.
func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	report, err := s.reconciler.ReconcileAll(r.Context(), claims.UserID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

// handleUsage handles GET /api/partitions/usage: per-partition counters plus
// live file stats, with account-wide totals.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	parts, err := s.ledger.List(r.Context(), claims.UserID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	stats, err := s.files.StatsByPartition(r.Context(), claims.UserID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	type usageEntry struct {
		Name      string `json:"name"`
		Quota     int64  `json:"quota"`
		Used      int64  `json:"used"`
		Available int64  `json:"available"`
		FileCount int64  `json:"fileCount"`
	}
	var totalQuota, totalUsed int64
	entries := make([]usageEntry, 0, len(parts))
	for _, p := range parts {
		entries = append(entries, usageEntry{
			Name:      p.Name,
			Quota:     p.Quota,
			Used:      p.Used,
			Available: p.Available(),
			FileCount: stats[p.Name].Count,
		})
		totalQuota += p.Quota
		totalUsed += p.Used
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"partitions": entries,
		"totalQuota": totalQuota,
		"totalUsed":  totalUsed,
	})
}

// Package api provides the HTTP server and handlers.
package api

import (
	"net/http"

	"github.com/stashd/stashd/internal/auth"
	"github.com/stashd/stashd/internal/config"
	"github.com/stashd/stashd/internal/files"
	"github.com/stashd/stashd/internal/logging"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/partition"
	"github.com/stashd/stashd/internal/ratelimit"
	"github.com/stashd/stashd/internal/storage"
)

// Server is the HTTP server.
type Server struct {
	ledger     *partition.Ledger
	gate       *partition.Gate
	reconciler *partition.Reconciler
	mover      *partition.Mover
	lifecycle  *partition.Lifecycle

	files   *files.Store
	backend storage.Backend
	auth    *auth.Auth
	limiter *ratelimit.Limiter
	config  *config.Config
}

// NewServer creates a new server.
func NewServer(
	ledger *partition.Ledger,
	gate *partition.Gate,
	reconciler *partition.Reconciler,
	mover *partition.Mover,
	lifecycle *partition.Lifecycle,
	fileStore *files.Store,
	backend storage.Backend,
	authHandler *auth.Auth,
	limiter *ratelimit.Limiter,
	cfg *config.Config,
) *Server {
	return &Server{
		ledger:     ledger,
		gate:       gate,
		reconciler: reconciler,
		mover:      mover,
		lifecycle:  lifecycle,
		files:      fileStore,
		backend:    backend,
		auth:       authHandler,
		limiter:    limiter,
		config:     cfg,
	}
}

// Handler returns the HTTP handler with auth, rate limiting, logging and
// metrics middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/register", s.auth.HandleRegister)
	mux.HandleFunc("POST /api/auth/login", s.auth.HandleLogin)

	// Protected endpoints
	protected := http.NewServeMux()

	// Partition ledger
	protected.HandleFunc("GET /api/partitions", s.handleListPartitions)
	protected.HandleFunc("POST /api/partitions", s.handleCreatePartition)
	protected.HandleFunc("GET /api/partitions/usage", s.handleUsage)
	protected.HandleFunc("POST /api/partitions/check", s.handleQuotaCheck)
	protected.HandleFunc("POST /api/partitions/reconcile", s.handleReconcileAll)
	protected.HandleFunc("POST /api/partitions/move-files", s.handleMoveFiles)
	protected.HandleFunc("GET /api/partitions/{name}", s.handleGetPartition)
	protected.HandleFunc("PATCH /api/partitions/{name}", s.handleUpdateQuota)
	protected.HandleFunc("DELETE /api/partitions/{name}", s.handleDeletePartition)
	protected.HandleFunc("POST /api/partitions/{name}/reconcile", s.handleReconcilePartition)

	// Files
	protected.HandleFunc("POST /api/files/upload", s.handleUpload)
	protected.HandleFunc("GET /api/files", s.handleListFiles)
	protected.HandleFunc("GET /api/files/search", s.handleSearchFiles)
	protected.HandleFunc("GET /api/files/{id}", s.handleGetFile)
	protected.HandleFunc("GET /api/files/{id}/download", s.handleDownload)
	protected.HandleFunc("DELETE /api/files/{id}", s.handleDeleteFile)

	// Trash
	protected.HandleFunc("GET /api/trash", s.handleListTrash)
	protected.HandleFunc("POST /api/trash/{id}/restore", s.handleRestore)
	protected.HandleFunc("DELETE /api/trash/{id}", s.handlePurge)

	authed := s.auth.Middleware(protected)
	mux.Handle("/api/", s.limiter.Middleware(authed))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": "1.0"})
}

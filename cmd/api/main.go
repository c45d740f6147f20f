// Package main provides the HTTP API for editing and publishing pricing sheets.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnst/tender-ledger/internal/audit"
	"github.com/jnst/tender-ledger/internal/config"
	"github.com/jnst/tender-ledger/internal/dirtystate"
	"github.com/jnst/tender-ledger/internal/eventbus"
	"github.com/jnst/tender-ledger/internal/logger"
	"github.com/jnst/tender-ledger/internal/metrics"
	"github.com/jnst/tender-ledger/internal/model"
	"github.com/jnst/tender-ledger/internal/repository"
	"github.com/jnst/tender-ledger/internal/retry"
	"github.com/jnst/tender-ledger/internal/service"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	failedToEncodeResponse = "failed to encode response"
	shutdownTimeout        = 10 * time.Second
	exitCode               = 1
)

// APIServer handles HTTP requests for pricing sheet sessions.
type APIServer struct {
	sheetService service.SheetService
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(sheetService service.SheetService) *APIServer {
	return &APIServer{
		sheetService: sheetService,
	}
}

// sheetResponse is the wire form of a sheet session.
type sheetResponse struct {
	ID          string              `json:"id"`
	Sheet       *model.PricingSheet `json:"sheet"`
	Total       float64             `json:"total"`
	DirtyFields []string            `json:"dirty_fields"`
	IsDirty     bool                `json:"is_dirty"`
	LastSaved   *time.Time          `json:"last_saved,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func newSheetResponse(state service.SheetState) sheetResponse {
	resp := sheetResponse{
		ID:          state.ID,
		Sheet:       state.Working,
		DirtyFields: state.DirtyFields,
		IsDirty:     state.IsDirty,
	}

	if state.Working != nil {
		resp.Total = state.Working.Total()
	}

	if !state.LastSaved.IsZero() {
		lastSaved := state.LastSaved
		resp.LastSaved = &lastSaved
	}

	if state.Err != nil {
		resp.Error = state.Err.Error()
	}

	return resp
}

// GetSheet handles GET /sheets/get, opening the sheet if needed.
func (s *APIServer) GetSheet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "ID parameter is required", http.StatusBadRequest)
		return
	}

	state, err := s.sheetService.Open(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSheetResponse(state))
}

// UpdateSheet handles POST /sheets/update with a JSON object of changed fields.
func (s *APIServer) UpdateSheet(w http.ResponseWriter, r *http.Request) {
	id, ok := postWithID(w, r)
	if !ok {
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	state, err := s.sheetService.Update(id, patch)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSheetResponse(state))
}

// SaveSheet handles POST /sheets/save.
func (s *APIServer) SaveSheet(w http.ResponseWriter, r *http.Request) {
	id, ok := postWithID(w, r)
	if !ok {
		return
	}

	state, err := s.sheetService.Save(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSheetResponse(state))
}

// CancelSheet handles POST /sheets/cancel.
func (s *APIServer) CancelSheet(w http.ResponseWriter, r *http.Request) {
	id, ok := postWithID(w, r)
	if !ok {
		return
	}

	state, err := s.sheetService.Cancel(id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSheetResponse(state))
}

// PublishSheet handles POST /sheets/publish?id=...&project_id=...
func (s *APIServer) PublishSheet(w http.ResponseWriter, r *http.Request) {
	id, ok := postWithID(w, r)
	if !ok {
		return
	}

	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		http.Error(w, "project_id parameter is required", http.StatusBadRequest)
		return
	}

	result, err := s.sheetService.Publish(r.Context(), id, projectID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id":      result.ID,
		"operations_executed": result.OperationsExecuted,
		"duration_ms":         result.Duration.Milliseconds(),
	})
}

// HealthCheck handles GET /health endpoint for service health check.
func (*APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func postWithID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "ID parameter is required", http.StatusBadRequest)
		return "", false
	}

	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, service.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidSheet), errors.Is(err, dirtystate.ErrInvalidPatch):
		status = http.StatusBadRequest
	}

	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error(failedToEncodeResponse, slog.String("error", err.Error()))
	}
}

func runAutoSave(ctx context.Context, sheetService service.SheetService, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sheetService.AutoSaveAll(ctx)
		}
	}
}

func main() {
	// Environment
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	loggerInstance := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(loggerInstance)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer dbPool.Close()

	if err := repository.EnsureSchema(ctx, dbPool); err != nil {
		slog.Error("failed to prepare schema", slog.String("error", err.Error()))
		return
	}

	registry := prometheus.NewRegistry()
	metricsSink, err := metrics.NewSink(registry)
	if err != nil {
		slog.Error("failed to register metrics", slog.String("error", err.Error()))
		return
	}
	auditSink := audit.MultiSink{audit.NewSlogSink(loggerInstance), metricsSink}

	executor, err := retry.New(cfg.RetryPolicy(repository.IsRetryable),
		retry.WithAuditSink(auditSink),
		retry.WithLogger(loggerInstance),
	)
	if err != nil {
		slog.Error("invalid retry policy", slog.String("error", err.Error()))
		return
	}

	// Dependency wiring
	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	transactionMgr := repository.NewTransactionManagerImpl(dbPool)
	sheetRepo := repository.NewSheetRepositoryImpl(dbPool, outboxRepo, transactionMgr)
	projectRepo := repository.NewProjectRepositoryImpl(dbPool, outboxRepo, transactionMgr)
	bus := eventbus.NewMemoryBus(loggerInstance)

	sheetService := service.NewSheetServiceImpl(sheetRepo, projectRepo, executor, bus, auditSink, loggerInstance)
	defer sheetService.Close()

	server := NewAPIServer(sheetService)

	mux := http.NewServeMux()
	mux.HandleFunc("/sheets/get", server.GetSheet)
	mux.HandleFunc("/sheets/update", server.UpdateSheet)
	mux.HandleFunc("/sheets/save", server.SaveSheet)
	mux.HandleFunc("/sheets/cancel", server.CancelSheet)
	mux.HandleFunc("/sheets/publish", server.PublishSheet)
	mux.HandleFunc("/health", server.HealthCheck)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go runAutoSave(ctx, sheetService, cfg.AutoSaveInterval)

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sheetService.AutoSaveAll(shutdownCtx)

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down server", slog.String("error", err.Error()))
		}
	}()

	slog.Info("starting API server", slog.String("service", "api"), slog.String("port", cfg.Port))

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("failed to start server", slog.String("error", err.Error()))
		return
	}
}

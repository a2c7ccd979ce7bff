package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/playforge/rulechain/internal/audit"
	"github.com/playforge/rulechain/internal/config"
	"github.com/playforge/rulechain/internal/logger"
	"github.com/playforge/rulechain/internal/metrics"
	"github.com/playforge/rulechain/rulechain"
)

type Server struct {
	db          *sql.DB
	catalog     rulechain.CatalogStore
	coordinator *rulechain.Coordinator
	auditFile   *audit.JSONLSink
	router      *chi.Mux
}

func NewServer(cfg *config.Config) (*Server, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	catalog := rulechain.NewPostgresRuleStore(db)
	resolver, err := rulechain.NewResolver(catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	registry := rulechain.NewRegistry()
	executor := rulechain.NewExecutor(registry, cfg.Engine.RuleTimeout, logger.Logger)
	runner := rulechain.NewChainRunner(executor, logger.Logger)

	auditors := rulechain.MultiAuditor{
		rulechain.NewLogAuditor(logger.Logger),
		metrics.NewRecorder(prometheus.DefaultRegisterer),
	}

	var auditFile *audit.JSONLSink
	if cfg.Audit.Path != "" {
		auditFile, err = audit.NewJSONLSink(cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		auditors = append(auditors, auditFile)
	}

	s := &Server{
		db:          db,
		catalog:     catalog,
		coordinator: rulechain.NewCoordinator(db, resolver, runner, auditors, logger.Logger),
		auditFile:   auditFile,
	}

	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)
		r.Get("/{ruleId}", s.handleGetRule)
		r.Put("/{ruleId}", s.handleUpdateRule)
		r.Delete("/{ruleId}", s.handleDeleteRule)
	})

	r.Route("/api/v1/data/{table}", func(r chi.Router) {
		r.Post("/", s.handleInsert)
		r.Put("/", s.handleUpdate)
		r.Delete("/", s.handleDelete)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
	})
}

// Rule catalog handlers.

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := &rulechain.Rule{
		TableName: req.TableName,
		RuleName:  req.RuleName,
		Condition: req.Condition,
		Script:    req.Script,
		Flags:     req.Flags,
		Priority:  req.Priority,
		RunAfter:  req.RunAfter,
		Active:    req.Active,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := rulechain.ValidateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "rule rejected", err)
		return
	}
	if err := s.validateAgainstCatalog(r.Context(), rule, ""); err != nil {
		respondError(w, http.StatusBadRequest, "rule conflicts with catalog", err)
		return
	}

	if err := s.catalog.Add(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		respondError(w, http.StatusBadRequest, "table query parameter is required", nil)
		return
	}
	if err := rulechain.ValidateIdentifier(table); err != nil {
		respondError(w, http.StatusBadRequest, "invalid table name", err)
		return
	}

	rules, err := s.catalog.List(r.Context(), table)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleResponse(rule))
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": out})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := s.catalog.Get(r.Context(), ruleID)
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	existing, err := s.catalog.Get(r.Context(), ruleID)
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := &rulechain.Rule{
		ID:        ruleID,
		TableName: req.TableName,
		RuleName:  req.RuleName,
		Condition: req.Condition,
		Script:    req.Script,
		Flags:     req.Flags,
		Priority:  req.Priority,
		RunAfter:  req.RunAfter,
		Active:    req.Active,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: time.Now(),
	}

	if err := rulechain.ValidateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "rule rejected", err)
		return
	}
	if err := s.validateAgainstCatalog(r.Context(), rule, ruleID); err != nil {
		respondError(w, http.StatusBadRequest, "rule conflicts with catalog", err)
		return
	}

	if err := s.catalog.Update(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.catalog.Delete(r.Context(), ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// validateAgainstCatalog checks the rule together with the rest of its
// table's rules, so dependency cycles and ordering conflicts are caught
// at registration rather than at run time. replaceID is the ID being
// updated, or empty for a new rule.
func (s *Server) validateAgainstCatalog(ctx context.Context, rule *rulechain.Rule, replaceID string) error {
	existing, err := s.catalog.List(ctx, rule.TableName)
	if err != nil {
		return fmt.Errorf("failed to load catalog for %s: %w", rule.TableName, err)
	}

	combined := make([]*rulechain.Rule, 0, len(existing)+1)
	for _, r := range existing {
		if replaceID != "" && r.ID == replaceID {
			continue
		}
		combined = append(combined, r)
	}
	combined = append(combined, rule)

	return rulechain.ValidateCatalog(combined)
}

// Data mutation handlers. Each one performs the primary write and the
// resulting rule chain in a single transaction via the coordinator.

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if err := rulechain.ValidateIdentifier(table); err != nil {
		respondError(w, http.StatusBadRequest, "invalid table name", err)
		return
	}

	var input rulechain.Record
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(input) == 0 {
		respondError(w, http.StatusBadRequest, "request body must contain at least one column", nil)
		return
	}

	final, err := s.coordinator.Run(r.Context(), table, rulechain.OpInsert, input,
		func(ctx context.Context, tx rulechain.Tx) (rulechain.Record, error) {
			return insertRow(ctx, tx, table, input)
		})
	if err != nil {
		respondChainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, final)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if err := rulechain.ValidateIdentifier(table); err != nil {
		respondError(w, http.StatusBadRequest, "invalid table name", err)
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Set) == 0 || len(req.Where) == 0 {
		respondError(w, http.StatusBadRequest, "set and where are both required", nil)
		return
	}

	final, err := s.coordinator.Run(r.Context(), table, rulechain.OpUpdate, req.Set,
		func(ctx context.Context, tx rulechain.Tx) (rulechain.Record, error) {
			return updateRow(ctx, tx, table, req.Set, req.Where)
		})
	if err != nil {
		respondChainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, final)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if err := rulechain.ValidateIdentifier(table); err != nil {
		respondError(w, http.StatusBadRequest, "invalid table name", err)
		return
	}

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Where) == 0 {
		respondError(w, http.StatusBadRequest, "where is required", nil)
		return
	}

	final, err := s.coordinator.Run(r.Context(), table, rulechain.OpDelete, nil,
		func(ctx context.Context, tx rulechain.Tx) (rulechain.Record, error) {
			return deleteRow(ctx, tx, table, req.Where)
		})
	if err != nil {
		respondChainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, final)
}

// insertRow writes one row and returns it as stored, defaults included.
func insertRow(ctx context.Context, tx rulechain.Tx, table string, input rulechain.Record) (rulechain.Record, error) {
	cols := make([]string, 0, len(input))
	for col := range input {
		if err := rulechain.ValidateIdentifier(col); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = input[col]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSingleRow(rows)
}

// updateRow applies set to the single row matching where and returns
// the updated row. Matching zero rows is an error; so is matching more
// than one, which rolls the whole transaction back.
func updateRow(ctx context.Context, tx rulechain.Tx, table string, set, where map[string]any) (rulechain.Record, error) {
	setCols, setArgs, err := sortedPairs(set)
	if err != nil {
		return nil, err
	}
	whereCols, whereArgs, err := sortedPairs(where)
	if err != nil {
		return nil, err
	}

	assignments := make([]string, len(setCols))
	for i, col := range setCols {
		assignments[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}
	conditions := make([]string, len(whereCols))
	for i, col := range whereCols {
		conditions[i] = fmt.Sprintf("%s = $%d", col, len(setCols)+i+1)
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING *",
		table, strings.Join(assignments, ", "), strings.Join(conditions, " AND "))
	rows, err := tx.QueryContext(ctx, query, append(setArgs, whereArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSingleRow(rows)
}

// deleteRow removes the single row matching where and returns the row
// as it was before deletion, so rules can react to its contents.
func deleteRow(ctx context.Context, tx rulechain.Tx, table string, where map[string]any) (rulechain.Record, error) {
	whereCols, whereArgs, err := sortedPairs(where)
	if err != nil {
		return nil, err
	}

	conditions := make([]string, len(whereCols))
	for i, col := range whereCols {
		conditions[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}
	clause := strings.Join(conditions, " AND ")

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s FOR UPDATE", table, clause), whereArgs...)
	if err != nil {
		return nil, err
	}
	record, err := scanSingleRow(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s", table, clause), whereArgs...); err != nil {
		return nil, err
	}
	return record, nil
}

func sortedPairs(m map[string]any) ([]string, []any, error) {
	cols := make([]string, 0, len(m))
	for col := range m {
		if err := rulechain.ValidateIdentifier(col); err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = m[col]
	}
	return cols, args, nil
}

// scanSingleRow reads exactly one row into a record. Zero rows maps to
// sql.ErrNoRows; more than one is refused outright.
func scanSingleRow(rows *sql.Rows) (rulechain.Record, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	if rows.Next() {
		return nil, fmt.Errorf("statement matched more than one row")
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	record := make(rulechain.Record, len(columns))
	for i, col := range columns {
		if b, ok := values[i].([]byte); ok {
			record[col] = string(b)
		} else {
			record[col] = values[i]
		}
	}
	return record, nil
}

// respondChainError maps engine errors onto HTTP statuses. A deliberate
// rejection carries the rule's own message; everything else stays
// generic so internal details never leak to callers.
func respondChainError(w http.ResponseWriter, err error) {
	if msg, ok := rulechain.Rejection(err); ok {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": msg})
		return
	}
	if rulechain.IsTimeout(err) {
		logger.WarnRuleTimeout()
		respondJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "operation timed out"})
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "no matching row"})
		return
	}
	logger.WarnChainAborted()
	logger.Error("mutation failed", "error", err)
	respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "operation failed"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	cfgPath := os.Getenv("RULECHAIN_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer server.db.Close()
	if server.auditFile != nil {
		defer server.auditFile.Close()
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Listen,
		Handler:      server,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("log pipeline shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"dimhist/internal/domain"
	"dimhist/internal/export"
	"dimhist/internal/ingestion"
)

type dimensionDescriptor struct {
	Name        string                 `json:"name"`
	BusinessKey string                 `json:"business_key"`
	Attributes  []domain.AttributeSpec `json:"attributes"`
}

type versionPage struct {
	Items  []domain.VersionRow `json:"items"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

type runPage struct {
	Items  []domain.EngineRun `json:"items"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

type batchResponse struct {
	Run    domain.EngineRun `json:"run"`
	Report ingestion.Report `json:"report"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDimension(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, dimensionDescriptor{
		Name:        s.dimension,
		BusinessKey: s.classifier.BusinessKey(),
		Attributes:  s.classifier.Specs(),
	})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	if key := strings.TrimSpace(query.Get("key")); key != "" {
		version, err := s.store.CurrentVersion(r.Context(), key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, version)
		return
	}

	limit, offset, err := parsePagination(query, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	versions, total, err := s.store.ListCurrent(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionPage{Items: versions, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleAt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	atRaw := strings.TrimSpace(query.Get("at"))
	if atRaw == "" {
		http.Error(w, "at is required (RFC3339)", http.StatusBadRequest)
		return
	}
	at, err := time.Parse(time.RFC3339, atRaw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid at: %v", err), http.StatusBadRequest)
		return
	}

	if key := strings.TrimSpace(query.Get("key")); key != "" {
		version, err := s.store.VersionAt(r.Context(), key, at)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, version)
		return
	}

	limit, offset, err := parsePagination(query, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	versions, total, err := s.store.ListAt(r.Context(), at, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionPage{Items: versions, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	versions, err := s.store.History(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(versions) == 0 {
		writeErrorStatus(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no versions for key %q", key))
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset, err := parsePagination(r.URL.Query(), 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runPage{Items: runs, Limit: limit, Offset: offset})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx == -1 || idx == len(path)-1 {
		http.Error(w, "missing run identifier", http.StatusBadRequest)
		return
	}
	runID, err := uuid.Parse(path[idx+1:])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid run identifier: %v", err), http.StatusBadRequest)
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	observedRaw := strings.TrimSpace(r.FormValue("observed_at"))
	if observedRaw == "" {
		http.Error(w, "observed_at is required (RFC3339)", http.StatusBadRequest)
		return
	}
	observedAt, err := time.Parse(time.RFC3339, observedRaw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid observed_at: %v", err), http.StatusBadRequest)
		return
	}

	records, report, err := s.ingest.ParseSnapshot(header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.engine.ApplySnapshot(r.Context(), records, observedAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Run: run, Report: report})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	events, report, err := s.ingest.ParseEvents(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.engine.ApplyEvents(r.Context(), events)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Run: run, Report: report})
}

func (s *Server) handleExport(scope export.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		filename := fmt.Sprintf("%s-%s.csv", s.dimension, scope)
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

		result, err := s.exporter.Export(r.Context(), w, scope)
		if err != nil {
			// Headers are already out; the truncated body is the only
			// signal the client gets.
			s.logger.Error().Err(err).Str("scope", string(scope)).Msg("export failed mid-stream")
			return
		}
		s.logger.Info().Str("scope", string(scope)).Int("rows", result.Rows).Int64("bytes", result.Bytes).Msg("export streamed")
	}
}

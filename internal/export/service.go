package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dimhist/internal/domain"
	"dimhist/internal/repository"
)

// Scope selects which slice of the dimension an export covers.
type Scope string

const (
	// ScopeCurrent exports the open version of every key.
	ScopeCurrent Scope = "current"
	// ScopeHistory exports every version row ever written.
	ScopeHistory Scope = "history"
)

// ParseScope maps a user-supplied scope name onto a Scope.
func ParseScope(value string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(value))) {
	case ScopeCurrent:
		return ScopeCurrent, nil
	case ScopeHistory:
		return ScopeHistory, nil
	default:
		return "", domain.NewConfigurationError("unknown export scope %q, expected %q or %q", value, ScopeCurrent, ScopeHistory)
	}
}

// Result reports what an export produced.
type Result struct {
	Rows  int   `json:"rows"`
	Bytes int64 `json:"bytes"`
}

// Service streams the dimension as CSV. Rows are read in pages so exports
// never hold more than one page in memory, and the column layout is fixed by
// the classifier so every export of the same dimension lines up.
type Service struct {
	store      repository.VersionStore
	classifier *domain.Classifier

	dimension string
	exportDir string
	pageSize  int
	now       func() time.Time
}

type Option func(*Service)

// WithExportDirectory sets where ExportToFile writes its output.
func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

// WithPageSize sets how many version rows are fetched per store read.
func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithDimensionName sets the dimension name used in export file names.
func WithDimensionName(name string) Option {
	return func(s *Service) {
		if strings.TrimSpace(name) != "" {
			s.dimension = name
		}
	}
}

func NewService(store repository.VersionStore, classifier *domain.Classifier, opts ...Option) *Service {
	service := &Service{
		store:      store,
		classifier: classifier,
		dimension:  "dimension",
		exportDir:  filepath.Join(os.TempDir(), "dimhist-exports"),
		pageSize:   1000,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Export streams the requested scope as CSV to w.
func (s *Service) Export(ctx context.Context, w io.Writer, scope Scope) (Result, error) {
	buffered := bufio.NewWriterSize(w, 1<<20) // 1 MiB buffer for streaming writes
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)

	rows, err := s.stream(ctx, csvWriter, scope)
	if err != nil {
		return Result{}, err
	}
	if err := buffered.Flush(); err != nil {
		return Result{}, fmt.Errorf("failed to flush export buffer: %w", err)
	}
	return Result{Rows: rows, Bytes: counter.count}, nil
}

// ExportToFile writes the export into the export directory and returns the
// final path. The file is written under a temporary name and promoted with a
// rename, so a partially written export is never visible under its final
// name.
func (s *Service) ExportToFile(ctx context.Context, scope Scope) (string, Result, error) {
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return "", Result{}, fmt.Errorf("failed to create export directory: %w", err)
	}
	tempFile, err := os.CreateTemp(s.exportDir, "export-*.csv")
	if err != nil {
		return "", Result{}, fmt.Errorf("failed to create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	result, err := s.Export(ctx, tempFile, scope)
	if err != nil {
		return "", Result{}, err
	}
	if err := tempFile.Sync(); err != nil {
		return "", Result{}, fmt.Errorf("failed to sync export file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return "", Result{}, fmt.Errorf("failed to close export file: %w", err)
	}

	finalPath := filepath.Join(s.exportDir, s.fileName(scope))
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", Result{}, fmt.Errorf("failed to promote export file: %w", err)
	}
	cleanup = false
	return finalPath, result, nil
}

// stream writes the header and all pages for the scope, returning the number
// of data rows written.
func (s *Service) stream(ctx context.Context, w *csv.Writer, scope Scope) (int, error) {
	specs := s.classifier.Specs()
	header := make([]string, 0, len(specs)+6)
	header = append(header, "surrogate_key", s.classifier.BusinessKey())
	for _, spec := range specs {
		header = append(header, spec.Name)
	}
	header = append(header, "valid_from", "valid_to", "is_current", "updated_at")

	if err := w.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("failed to flush header: %w", err)
	}

	row := make([]string, len(header))
	exported := 0
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return exported, err
		}
		versions, _, err := s.page(ctx, scope, offset)
		if err != nil {
			return exported, err
		}
		if len(versions) == 0 {
			break
		}
		for i := range versions {
			fillRow(row, specs, &versions[i])
			if err := w.Write(row); err != nil {
				return exported, fmt.Errorf("failed to write version row: %w", err)
			}
			exported++
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return exported, fmt.Errorf("failed to flush rows: %w", err)
		}
		if len(versions) < s.pageSize {
			break
		}
		offset += s.pageSize
	}
	return exported, nil
}

func (s *Service) page(ctx context.Context, scope Scope, offset int) ([]domain.VersionRow, int, error) {
	switch scope {
	case ScopeCurrent:
		return s.store.ListCurrent(ctx, s.pageSize, offset)
	case ScopeHistory:
		return s.store.ListVersions(ctx, s.pageSize, offset)
	default:
		return nil, 0, domain.NewConfigurationError("unknown export scope %q", scope)
	}
}

func fillRow(row []string, specs []domain.AttributeSpec, version *domain.VersionRow) {
	attrs := version.Attributes()
	row[0] = version.SurrogateKey.String()
	row[1] = version.BusinessKey
	for i, spec := range specs {
		row[2+i] = formatValue(attrs[spec.Name])
	}
	base := 2 + len(specs)
	row[base] = formatValue(version.ValidFrom)
	row[base+1] = formatValue(version.ValidTo)
	row[base+2] = formatValue(version.IsCurrent)
	row[base+3] = formatValue(version.UpdatedAt)
}

func (s *Service) fileName(scope Scope) string {
	stamp := s.now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s-%s-%s.csv", sanitizeFileComponent(s.dimension), scope, stamp)
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case float32, float64, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dimhist/internal/domain"
)

const testConfigYAML = `
server:
  port: 9090
storage:
  driver: sqlite
  path: /tmp/customers.db
dimension:
  name: customer
  business_key: customer_id
  delete_missing: true
  attributes:
    - name: card_type
      type: string
      class: tracked
    - name: credit_limit
      type: integer
      class: tracked
    - name: email
      type: string
      class: overwritten
engine:
  workers: 8
export:
  directory: /tmp/exports
  page_size: 250
logging:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfigYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Addr() != ":9090" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.Driver != DriverSQLite || cfg.Storage.Path != "/tmp/customers.db" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Dimension.Name != "customer" || cfg.Dimension.BusinessKey != "customer_id" {
		t.Fatalf("unexpected dimension config: %+v", cfg.Dimension)
	}
	if !cfg.Dimension.DeleteMissing {
		t.Fatalf("delete_missing not loaded")
	}
	if len(cfg.Dimension.Attributes) != 3 {
		t.Fatalf("unexpected attributes: %+v", cfg.Dimension.Attributes)
	}
	if spec := cfg.Dimension.Attributes[1]; spec.Name != "credit_limit" || spec.Type != domain.AttributeTypeInteger || spec.Class != domain.ClassTracked {
		t.Fatalf("unexpected attribute spec: %+v", spec)
	}
	if cfg.Engine.Workers != 8 || cfg.Export.PageSize != 250 || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	classifier, err := cfg.Classifier()
	if err != nil {
		t.Fatalf("failed to build classifier: %v", err)
	}
	if classifier.BusinessKey() != "customer_id" {
		t.Fatalf("unexpected classifier key: %s", classifier.BusinessKey())
	}
}

func TestLoadKeepsDefaultsForUnsetKeys(t *testing.T) {
	minimal := `
dimension:
  name: customer
  business_key: customer_id
  delete_missing: false
  attributes:
    - name: card_type
      type: string
      class: tracked
`
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	def := Default()
	if cfg.Server.Port != def.Server.Port || cfg.Storage.Driver != def.Storage.Driver || cfg.Engine.Workers != def.Engine.Workers {
		t.Fatalf("defaults not preserved: %+v", cfg)
	}
	if cfg.Dimension.DeleteMissing {
		t.Fatalf("delete_missing should be false")
	}
}

func TestLoadRequiresExplicitDeleteMissing(t *testing.T) {
	body := strings.Replace(testConfigYAML, "  delete_missing: true\n", "", 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "dimension.delete_missing must be set explicitly") {
		t.Fatalf("expected delete_missing rejection, got %v", err)
	}
	if !domain.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DIMHIST_SERVER_PORT", "9999")
	t.Setenv("DIMHIST_STORAGE_PATH", "/tmp/override.db")
	t.Setenv("DIMHIST_DIMENSION_DELETE_MISSING", "false")

	body := strings.Replace(testConfigYAML, "  delete_missing: true\n", "", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("env port override lost: %+v", cfg.Server)
	}
	if cfg.Storage.Path != "/tmp/override.db" {
		t.Fatalf("env path override lost: %+v", cfg.Storage)
	}
	if cfg.Dimension.DeleteMissing {
		t.Fatalf("env delete_missing override lost")
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config") {
		t.Fatalf("expected read failure, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Dimension = DimensionConfig{
		Name:        "customer",
		BusinessKey: "customer_id",
		Attributes: []domain.AttributeSpec{
			{Name: "card_type", Type: domain.AttributeTypeString, Class: domain.ClassTracked},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Storage.Driver = "mysql" },
			message: "unknown storage.driver",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Storage.Path = " " },
			message: "storage.path is required",
		},
		{
			name:    "missing dimension name",
			mutate:  func(c *Config) { c.Dimension.Name = "" },
			message: "dimension.name is required",
		},
		{
			name:    "no attributes",
			mutate:  func(c *Config) { c.Dimension.Attributes = nil },
			message: "at least one attribute",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("expected %q, got %v", tc.message, err)
			}
		})
	}
}

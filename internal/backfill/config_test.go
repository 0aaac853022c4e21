package backfill

import (
	"errors"
	"testing"
	"time"
)

func envFrom(vars map[string]string) func(string) string {
	return func(key string) string {
		return vars[key]
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(envFrom(map[string]string{
		"BACKFILL_TABLE_NAME": "items",
	}))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.TableName != "items" {
		t.Errorf("TableName = %q, want %q", cfg.TableName, "items")
	}
	if cfg.PartitionKey != "table_id" || cfg.SortKey != "created_at" {
		t.Errorf("keys = %q/%q, want table_id/created_at", cfg.PartitionKey, cfg.SortKey)
	}
	if cfg.SourcePath() != "parent_attribute.new_attribute" {
		t.Errorf("SourcePath() = %q, want %q", cfg.SourcePath(), "parent_attribute.new_attribute")
	}
	if cfg.TargetAttribute != "new_attribute" {
		t.Errorf("TargetAttribute = %q, want %q", cfg.TargetAttribute, "new_attribute")
	}
	if cfg.Concurrency != DefaultConcurrency {
		t.Errorf("Concurrency = %d, want %d", cfg.Concurrency, DefaultConcurrency)
	}
	if cfg.MissingSource != MissingSourceSkip {
		t.Errorf("MissingSource = %q, want %q", cfg.MissingSource, MissingSourceSkip)
	}
	if cfg.DryRun {
		t.Error("DryRun = true, want false")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg, err := LoadConfig(envFrom(map[string]string{
		"BACKFILL_TABLE_NAME":           "items",
		"BACKFILL_PARTITION_KEY":        "pk",
		"BACKFILL_SORT_KEY":             "sk",
		"BACKFILL_SOURCE_ATTRIBUTE":     "parent",
		"BACKFILL_SOURCE_FIELD":         "email",
		"BACKFILL_TARGET_ATTRIBUTE":     "email",
		"BACKFILL_PAGE_SIZE":            "25",
		"BACKFILL_CONCURRENCY":          "4",
		"BACKFILL_SCAN_MAX_ATTEMPTS":    "2",
		"BACKFILL_SCAN_INITIAL_BACKOFF": "1s",
		"BACKFILL_MISSING_SOURCE":       "NULL",
		"BACKFILL_DRY_RUN":              "true",
	}))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.PartitionKey != "pk" || cfg.SortKey != "sk" {
		t.Errorf("keys = %q/%q, want pk/sk", cfg.PartitionKey, cfg.SortKey)
	}
	if cfg.SourcePath() != "parent.email" {
		t.Errorf("SourcePath() = %q, want %q", cfg.SourcePath(), "parent.email")
	}
	if cfg.PageSize != 25 {
		t.Errorf("PageSize = %d, want 25", cfg.PageSize)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.ScanMaxAttempts != 2 {
		t.Errorf("ScanMaxAttempts = %d, want 2", cfg.ScanMaxAttempts)
	}
	if cfg.ScanInitialBackoff != time.Second {
		t.Errorf("ScanInitialBackoff = %v, want 1s", cfg.ScanInitialBackoff)
	}
	if cfg.MissingSource != MissingSourceNull {
		t.Errorf("MissingSource = %q, want %q", cfg.MissingSource, MissingSourceNull)
	}
	if !cfg.DryRun {
		t.Error("DryRun = false, want true")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing table", env: map[string]string{}},
		{name: "bad page size", env: map[string]string{"BACKFILL_TABLE_NAME": "t", "BACKFILL_PAGE_SIZE": "many"}},
		{name: "negative page size", env: map[string]string{"BACKFILL_TABLE_NAME": "t", "BACKFILL_PAGE_SIZE": "-1"}},
		{name: "zero concurrency", env: map[string]string{"BACKFILL_TABLE_NAME": "t", "BACKFILL_CONCURRENCY": "0"}},
		{name: "bad attempts", env: map[string]string{"BACKFILL_TABLE_NAME": "t", "BACKFILL_SCAN_MAX_ATTEMPTS": "x"}},
		{name: "bad backoff", env: map[string]string{"BACKFILL_TABLE_NAME": "t", "BACKFILL_SCAN_INITIAL_BACKOFF": "soon"}},
		{name: "bad policy", env: map[string]string{"BACKFILL_TABLE_NAME": "t", "BACKFILL_MISSING_SOURCE": "guess"}},
		{name: "bad dry run", env: map[string]string{"BACKFILL_TABLE_NAME": "t", "BACKFILL_DRY_RUN": "maybe"}},
		{name: "target is key", env: map[string]string{"BACKFILL_TABLE_NAME": "t", "BACKFILL_TARGET_ATTRIBUTE": "table_id"}},
		{name: "target is source", env: map[string]string{"BACKFILL_TABLE_NAME": "t", "BACKFILL_TARGET_ATTRIBUTE": "parent_attribute"}},
		{name: "same keys", env: map[string]string{"BACKFILL_TABLE_NAME": "t", "BACKFILL_SORT_KEY": "table_id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(envFrom(tt.env))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

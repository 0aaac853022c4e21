// Package backfill copies a field of a nested map attribute to a top-level
// attribute on every record of a DynamoDB table.
package backfill

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jarrod-lowe/dynamodb-attribute-backfill/internal/dynamo"
)

// Error types for configuration.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// MissingSourcePolicy decides what happens to records whose nested source field is absent.
type MissingSourcePolicy string

const (
	// MissingSourceSkip leaves the record untouched and reports it.
	MissingSourceSkip MissingSourcePolicy = "skip"
	// MissingSourceNull writes an explicit NULL to the target attribute.
	MissingSourceNull MissingSourcePolicy = "null"
)

// Defaults applied by DefaultConfig.
const (
	DefaultConcurrency        = 16
	DefaultScanMaxAttempts    = 5
	DefaultScanInitialBackoff = 200 * time.Millisecond
)

// Config describes one backfill pass.
type Config struct {
	TableName string

	// Key attribute names.
	PartitionKey string
	SortKey      string

	// The value at SourceAttribute.SourceField is copied to TargetAttribute.
	SourceAttribute string
	SourceField     string
	TargetAttribute string

	// PageSize is the Scan Limit. Zero lets the store fill each 1MB page.
	PageSize int32

	// Concurrency bounds the number of in-flight UpdateItem requests.
	Concurrency int

	ScanMaxAttempts    int
	ScanInitialBackoff time.Duration

	MissingSource MissingSourcePolicy
	DryRun        bool
}

// DefaultConfig returns a Config with the default attribute names and limits.
// TableName is left empty.
func DefaultConfig() Config {
	return Config{
		PartitionKey:       dynamo.AttrTableID,
		SortKey:            dynamo.AttrCreatedAt,
		SourceAttribute:    dynamo.AttrParent,
		SourceField:        dynamo.AttrNewAttribute,
		TargetAttribute:    dynamo.AttrNewAttribute,
		Concurrency:        DefaultConcurrency,
		ScanMaxAttempts:    DefaultScanMaxAttempts,
		ScanInitialBackoff: DefaultScanInitialBackoff,
		MissingSource:      MissingSourceSkip,
	}
}

// LoadConfig builds a Config from BACKFILL_* environment variables, starting
// from DefaultConfig. getenv is normally os.Getenv.
func LoadConfig(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	cfg.TableName = getenv("BACKFILL_TABLE_NAME")

	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&cfg.PartitionKey, "BACKFILL_PARTITION_KEY")
	setString(&cfg.SortKey, "BACKFILL_SORT_KEY")
	setString(&cfg.SourceAttribute, "BACKFILL_SOURCE_ATTRIBUTE")
	setString(&cfg.SourceField, "BACKFILL_SOURCE_FIELD")
	setString(&cfg.TargetAttribute, "BACKFILL_TARGET_ATTRIBUTE")

	if v := getenv("BACKFILL_PAGE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return cfg, fmt.Errorf("%w: BACKFILL_PAGE_SIZE: %v", ErrInvalidConfig, err)
		}
		cfg.PageSize = int32(n)
	}
	if v := getenv("BACKFILL_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: BACKFILL_CONCURRENCY: %v", ErrInvalidConfig, err)
		}
		cfg.Concurrency = n
	}
	if v := getenv("BACKFILL_SCAN_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: BACKFILL_SCAN_MAX_ATTEMPTS: %v", ErrInvalidConfig, err)
		}
		cfg.ScanMaxAttempts = n
	}
	if v := getenv("BACKFILL_SCAN_INITIAL_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: BACKFILL_SCAN_INITIAL_BACKOFF: %v", ErrInvalidConfig, err)
		}
		cfg.ScanInitialBackoff = d
	}
	if v := getenv("BACKFILL_MISSING_SOURCE"); v != "" {
		cfg.MissingSource = MissingSourcePolicy(strings.ToLower(strings.TrimSpace(v)))
	}
	if v := getenv("BACKFILL_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: BACKFILL_DRY_RUN: %v", ErrInvalidConfig, err)
		}
		cfg.DryRun = b
	}

	return cfg, cfg.Validate()
}

// Validate checks that the Config can drive a pass.
func (c Config) Validate() error {
	switch {
	case c.TableName == "":
		return fmt.Errorf("%w: table name is required", ErrInvalidConfig)
	case c.PartitionKey == "" || c.SortKey == "":
		return fmt.Errorf("%w: partition and sort key names are required", ErrInvalidConfig)
	case c.PartitionKey == c.SortKey:
		return fmt.Errorf("%w: partition and sort key must differ", ErrInvalidConfig)
	case c.SourceAttribute == "" || c.SourceField == "" || c.TargetAttribute == "":
		return fmt.Errorf("%w: source attribute, source field and target attribute are required", ErrInvalidConfig)
	case c.TargetAttribute == c.PartitionKey || c.TargetAttribute == c.SortKey:
		return fmt.Errorf("%w: target attribute %q is a key attribute", ErrInvalidConfig, c.TargetAttribute)
	case c.TargetAttribute == c.SourceAttribute:
		return fmt.Errorf("%w: target attribute %q would replace the source", ErrInvalidConfig, c.TargetAttribute)
	case c.PageSize < 0:
		return fmt.Errorf("%w: page size must not be negative", ErrInvalidConfig)
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidConfig)
	case c.ScanMaxAttempts < 1:
		return fmt.Errorf("%w: scan max attempts must be at least 1", ErrInvalidConfig)
	case c.ScanInitialBackoff < 0:
		return fmt.Errorf("%w: scan backoff must not be negative", ErrInvalidConfig)
	}

	switch c.MissingSource {
	case MissingSourceSkip, MissingSourceNull:
	default:
		return fmt.Errorf("%w: unknown missing source policy %q", ErrInvalidConfig, c.MissingSource)
	}
	return nil
}

// SourcePath returns the document path of the nested source field.
func (c Config) SourcePath() string {
	return c.SourceAttribute + "." + c.SourceField
}

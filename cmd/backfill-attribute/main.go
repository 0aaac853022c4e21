// Package main implements the backfill-attribute command, which copies a nested
// field to a top-level attribute on every record of a DynamoDB table.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/dynamodb-attribute-backfill/internal/backfill"
	"github.com/jarrod-lowe/dynamodb-attribute-backfill/internal/dynamo"
	"github.com/jarrod-lowe/dynamodb-attribute-backfill/internal/skipreport"
)

// reportTimeout bounds a skipped-record publish that outlives a cancelled pass.
const reportTimeout = 5 * time.Second

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: parseLevel(os.Getenv("LOG_LEVEL")),
}))

// parseLevel maps LOG_LEVEL to a slog level, defaulting to info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PageScanner walks the table page by page.
type PageScanner interface {
	ScanAll(ctx context.Context, fn func(backfill.Page) error) (int, error)
}

// RecordWriter applies the guarded update for one record.
type RecordWriter interface {
	Write(ctx context.Context, record backfill.FlatRecord) (backfill.Result, error)
}

// handler implements one backfill pass.
type handler struct {
	cfg      backfill.Config
	runID    string
	scanner  PageScanner
	writer   RecordWriter
	reporter skipreport.Publisher
	log      *slog.Logger
}

// newHandler creates a new handler.
func newHandler(cfg backfill.Config, runID string, scanner PageScanner, writer RecordWriter, reporter skipreport.Publisher) *handler {
	return &handler{
		cfg:      cfg,
		runID:    runID,
		scanner:  scanner,
		writer:   writer,
		reporter: reporter,
		log: logger.With(
			slog.String("run_id", runID),
			slog.String("table", cfg.TableName),
		),
	}
}

// run scans the whole table and dispatches one guarded write per record.
// Pages are requested in order; writes run concurrently up to cfg.Concurrency
// and the next page is fetched while earlier writes are still in flight.
// run returns once every dispatched write has finished. Only a scan failure or
// cancellation is returned as an error; write failures are logged, counted and
// reported. Once ctx is cancelled no further writes are dispatched.
func (h *handler) run(ctx context.Context) (backfill.StatsSnapshot, error) {
	tracer := otel.Tracer("backfill-attribute")
	ctx, span := tracer.Start(ctx, "BackfillRun",
		trace.WithAttributes(
			attribute.String("table", h.cfg.TableName),
			attribute.String("run_id", h.runID),
		))
	defer span.End()

	stats := &backfill.Stats{}

	var g errgroup.Group
	g.SetLimit(h.cfg.Concurrency)

	h.log.InfoContext(ctx, "Scanning the table",
		slog.String("source", h.cfg.SourcePath()),
		slog.String("target", h.cfg.TargetAttribute),
		slog.Bool("dry_run", h.cfg.DryRun),
	)

	pages, scanErr := h.scanner.ScanAll(ctx, func(page backfill.Page) error {
		stats.AddPage(len(page.Items))
		h.log.InfoContext(ctx, "Scan succeeded",
			slog.Int("page", page.Number),
			slog.Int("items", len(page.Items)),
		)

		for _, item := range page.Items {
			if err := ctx.Err(); err != nil {
				return err
			}
			record, err := backfill.Transform(h.cfg, item)
			if err != nil && !h.writeAnyway(record, err) {
				h.skip(ctx, stats, record, item, err)
				continue
			}
			g.Go(func() error {
				h.write(ctx, stats, record)
				return nil
			})
		}

		if page.HasMore() {
			h.log.DebugContext(ctx, "Scanning for more", slog.Int("next_page", page.Number+1))
		}
		return nil
	})

	// Writes never return errors, so Wait only joins them.
	_ = g.Wait()

	snapshot := stats.Snapshot()
	span.SetAttributes(
		attribute.Int("pages", pages),
		attribute.Int64("updated", snapshot.Updated),
		attribute.Int64("failed", snapshot.Failed),
	)

	if scanErr != nil && ctx.Err() != nil {
		h.log.WarnContext(ctx, "Backfill interrupted",
			slog.Int("pages_completed", pages),
			slog.Int64("interrupted", snapshot.Interrupted),
		)
		return snapshot, scanErr
	}
	if scanErr != nil {
		span.RecordError(scanErr)
		h.log.ErrorContext(ctx, "Unable to scan the table",
			slog.Int("pages_completed", pages),
			slog.String("error_code", dynamo.ErrorCode(scanErr)),
			slog.String("error", scanErr.Error()),
		)
		return snapshot, scanErr
	}
	return snapshot, nil
}

// writeAnyway reports whether a record that failed to transform should still
// be written. Only a missing source under the null policy qualifies.
func (h *handler) writeAnyway(record backfill.FlatRecord, err error) bool {
	return errors.Is(err, backfill.ErrMissingSourceField) &&
		record.Missing &&
		h.cfg.MissingSource == backfill.MissingSourceNull
}

// skip counts, logs and reports a record that will not be written.
func (h *handler) skip(ctx context.Context, stats *backfill.Stats, record backfill.FlatRecord, item map[string]types.AttributeValue, err error) {
	if errors.Is(err, backfill.ErrMissingKey) {
		stats.AddBadKey()
		h.log.ErrorContext(ctx, "Record has no usable key",
			slog.String("error", err.Error()),
		)
		h.report(ctx, partialKey(h.cfg, item), skipreport.ReasonBadKey, err)
		return
	}

	stats.AddMissingSource()
	h.log.WarnContext(ctx, "Source field missing, skipping record",
		slog.String("record", record.ID.String()),
		slog.String("source", h.cfg.SourcePath()),
	)
	h.report(ctx, record.ID.Key(), skipreport.ReasonMissingSource, err)
}

// write issues the guarded update for one record and logs its outcome. Writes
// cut short by cancellation are counted as interrupted, not failed, and are
// not reported.
func (h *handler) write(ctx context.Context, stats *backfill.Stats, record backfill.FlatRecord) {
	if ctx.Err() != nil {
		stats.AddInterrupted()
		return
	}

	result, err := h.writer.Write(ctx, record)
	if errors.Is(err, backfill.ErrDecodeUpdated) {
		h.log.WarnContext(ctx, "Unable to decode updated attributes",
			slog.String("record", record.ID.String()),
			slog.String("error", err.Error()),
		)
		err = nil
	}
	if err != nil && ctx.Err() != nil {
		stats.AddInterrupted()
		h.log.WarnContext(ctx, "Update interrupted",
			slog.String("record", record.ID.String()),
		)
		return
	}
	if err != nil {
		stats.AddFailed()
		h.log.ErrorContext(ctx, "Unable to update item",
			slog.String("record", record.ID.String()),
			slog.String("error_code", dynamo.ErrorCode(err)),
			slog.String("error", err.Error()),
		)
		h.report(ctx, record.ID.Key(), skipreport.ReasonUpdateFailed, err)
		return
	}

	stats.AddOutcome(result.Outcome)
	switch result.Outcome {
	case backfill.OutcomeUpdated:
		h.log.InfoContext(ctx, "UpdateItem succeeded",
			slog.String("record", record.ID.String()),
			slog.Any("attributes", result.Updated),
		)
	case backfill.OutcomeAlreadyPresent:
		h.log.InfoContext(ctx, "Attribute already present",
			slog.String("record", record.ID.String()),
		)
	case backfill.OutcomeNotFound:
		h.log.WarnContext(ctx, "Record no longer exists",
			slog.String("record", record.ID.String()),
		)
	case backfill.OutcomeDryRun:
		h.log.InfoContext(ctx, "Would update item",
			slog.String("record", record.ID.String()),
		)
	}
}

// report publishes a skipped record when a reporter is configured. The publish
// is detached from ctx cancellation so records skipped before a shutdown are
// still reported.
func (h *handler) report(ctx context.Context, key map[string]types.AttributeValue, reason skipreport.Reason, cause error) {
	if h.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	err := h.reporter.PublishSkipped(ctx, skipreport.Entry{
		RunID:  h.runID,
		Table:  h.cfg.TableName,
		Key:    key,
		Reason: reason,
		Detail: cause.Error(),
	})
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to publish skipped record",
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
	}
}

// partialKey returns whichever key attributes item does carry.
func partialKey(cfg backfill.Config, item map[string]types.AttributeValue) map[string]types.AttributeValue {
	key := make(map[string]types.AttributeValue, 2)
	for _, name := range []string{cfg.PartitionKey, cfg.SortKey} {
		if v, ok := item[name]; ok && v != nil {
			key[name] = v
		}
	}
	return key
}

// initTracerProvider returns a tracer provider that exports over OTLP gRPC
// when OTEL_EXPORTER_OTLP_ENDPOINT is set and records nothing otherwise.
func initTracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	var opts []sdktrace.TracerProviderOption
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		exporter, err := otlptracegrpc.New(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := initTracerProvider(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		return 1
	}
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	cfg, err := backfill.LoadConfig(os.Getenv)
	if err != nil {
		logger.Error("FATAL: Invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	var awsOpts []func(*config.LoadOptions) error
	if region := os.Getenv("BACKFILL_REGION"); region != "" {
		awsOpts = append(awsOpts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		return 1
	}

	// Instrument AWS SDK clients with OTel tracing
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	var reporter skipreport.Publisher
	if queueURL := os.Getenv("SKIPPED_QUEUE_URL"); queueURL != "" {
		reporter = skipreport.NewSQSPublisher(sqs.NewFromConfig(awsCfg), queueURL)
	}

	runID := uuid.NewString()
	scanner := backfill.NewScanner(dynamoClient, cfg)
	h := newHandler(cfg, runID, scanner, backfill.NewWriter(dynamoClient, cfg), reporter)
	scanner.OnRetry(func(err error, attempt int) {
		h.log.WarnContext(ctx, "Scan request failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error_code", dynamo.ErrorCode(err)),
			slog.String("error", err.Error()),
		)
	})

	started := time.Now()
	stats, err := h.run(ctx)
	h.log.InfoContext(ctx, "Backfill finished",
		slog.Duration("elapsed", time.Since(started)),
		slog.Int64("pages", stats.Pages),
		slog.Int64("scanned", stats.Scanned),
		slog.Int64("updated", stats.Updated),
		slog.Int64("already_present", stats.AlreadyPresent),
		slog.Int64("not_found", stats.NotFound),
		slog.Int64("missing_source", stats.MissingSource),
		slog.Int64("bad_key", stats.BadKey),
		slog.Int64("failed", stats.Failed),
		slog.Int64("dry_run", stats.DryRun),
		slog.Int64("interrupted", stats.Interrupted),
	)
	if err != nil {
		return 1
	}
	return 0
}

package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/dynamodb-attribute-backfill/internal/dynamo"
)

// Error types for scan operations.
var (
	ErrScanFailed = errors.New("scan failed")
)

// permanentScanErrors are service error codes that retrying cannot fix.
var permanentScanErrors = map[string]bool{
	"ValidationException":         true,
	"AccessDeniedException":       true,
	"ResourceNotFoundException":   true,
	"UnrecognizedClientException": true,
}

// RetryNotify is called before each scan retry.
type RetryNotify func(err error, attempt int)

// Scanner reads a table one page at a time.
type Scanner struct {
	client dynamo.Client
	cfg    Config
	notify RetryNotify
}

// NewScanner creates a new Scanner.
func NewScanner(client dynamo.Client, cfg Config) *Scanner {
	return &Scanner{
		client: client,
		cfg:    cfg,
	}
}

// OnRetry registers a callback invoked before each retried page request.
func (s *Scanner) OnRetry(fn RetryNotify) {
	s.notify = fn
}

// buildInput returns the Scan request for the page starting at startKey.
// Only the key attributes and the nested source field are projected.
func (s *Scanner) buildInput(startKey map[string]types.AttributeValue) (*dynamodb.ScanInput, error) {
	proj := expression.NamesList(
		expression.Name(s.cfg.PartitionKey),
		expression.Name(s.cfg.SortKey),
		expression.Name(s.cfg.SourcePath()),
	)
	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build projection: %w", err)
	}

	input := &dynamodb.ScanInput{
		TableName:                aws.String(s.cfg.TableName),
		ProjectionExpression:     expr.Projection(),
		ExpressionAttributeNames: expr.Names(),
	}
	if s.cfg.PageSize > 0 {
		input.Limit = aws.Int32(s.cfg.PageSize)
	}
	if len(startKey) > 0 {
		input.ExclusiveStartKey = startKey
	}
	return input, nil
}

// Scan requests the page that starts after startKey. A nil startKey requests
// the first page. Transient failures are retried with exponential backoff;
// once attempts are exhausted the error wraps ErrScanFailed.
func (s *Scanner) Scan(ctx context.Context, number int, startKey map[string]types.AttributeValue) (Page, error) {
	tracer := otel.Tracer("backfill-scanner")
	ctx, span := tracer.Start(ctx, "backfill.ScanPage",
		trace.WithAttributes(
			attribute.String("table", s.cfg.TableName),
			attribute.Int("page", number),
		))
	defer span.End()

	input, err := s.buildInput(startKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Page{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ScanInitialBackoff

	attempt := 0
	output, err := backoff.Retry(ctx, func() (*dynamodb.ScanOutput, error) {
		attempt++
		out, err := s.client.Scan(ctx, input)
		if err == nil {
			return out, nil
		}
		if permanentScanErrors[dynamo.ErrorCode(err)] || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.cfg.ScanMaxAttempts)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if s.notify != nil {
				s.notify(err, attempt)
			}
		}),
	)
	span.SetAttributes(attribute.Int("attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Page{}, fmt.Errorf("%w: page %d after %d attempt(s): %w", ErrScanFailed, number, attempt, err)
	}

	span.SetAttributes(attribute.Int("items", len(output.Items)))
	return Page{
		Number: number,
		Items:  output.Items,
		Next:   output.LastEvaluatedKey,
	}, nil
}

// ScanAll walks every page of the table in order, handing each to fn before
// requesting the next. It stops at the first scan error or fn error and
// returns the number of pages delivered.
func (s *Scanner) ScanAll(ctx context.Context, fn func(Page) error) (int, error) {
	var startKey map[string]types.AttributeValue
	pages := 0
	for {
		page, err := s.Scan(ctx, pages+1, startKey)
		if err != nil {
			return pages, err
		}
		pages++
		if err := fn(page); err != nil {
			return pages, err
		}
		if !page.HasMore() {
			return pages, nil
		}
		startKey = page.Next
	}
}

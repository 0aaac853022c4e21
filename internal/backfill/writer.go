package backfill

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/dynamodb-attribute-backfill/internal/dynamo"
)

// Error types for write operations.
var (
	ErrUpdateFailed = errors.New("update failed")
	// ErrDecodeUpdated accompanies an OutcomeUpdated result whose returned
	// attributes could not be decoded. The write itself succeeded.
	ErrDecodeUpdated = errors.New("failed to decode updated attributes")
)

// Outcome is the result of one conditional write.
type Outcome string

const (
	// OutcomeUpdated means the target attribute was set.
	OutcomeUpdated Outcome = "updated"
	// OutcomeAlreadyPresent means the record already had the target attribute.
	OutcomeAlreadyPresent Outcome = "already_present"
	// OutcomeNotFound means the record no longer exists; nothing was created.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeDryRun means no request was sent.
	OutcomeDryRun Outcome = "dry_run"
)

// Result describes a completed write.
type Result struct {
	Outcome Outcome
	// Updated holds the attributes returned by UPDATED_NEW, decoded to plain values.
	Updated map[string]any
}

// Writer sets the target attribute on existing records that lack it.
type Writer struct {
	client dynamo.Client
	cfg    Config
}

// NewWriter creates a new Writer.
func NewWriter(client dynamo.Client, cfg Config) *Writer {
	return &Writer{
		client: client,
		cfg:    cfg,
	}
}

// buildInput returns the guarded UpdateItem request for record.
// The guard requires the record to exist and the target to be absent.
func (w *Writer) buildInput(record FlatRecord) *dynamodb.UpdateItemInput {
	value := record.Value
	if record.Missing || value == nil {
		value = &types.AttributeValueMemberNULL{Value: true}
	}

	return &dynamodb.UpdateItemInput{
		TableName:           aws.String(w.cfg.TableName),
		Key:                 record.ID.Key(),
		UpdateExpression:    aws.String("SET #target = :value"),
		ConditionExpression: aws.String("attribute_exists(#pk) AND attribute_not_exists(#target)"),
		ExpressionAttributeNames: map[string]string{
			"#pk":     w.cfg.PartitionKey,
			"#target": w.cfg.TargetAttribute,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":value": value,
		},
		ReturnValues:                        types.ReturnValueUpdatedNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
}

// Write issues the conditional update for record. A failed condition is not
// an error: it yields OutcomeAlreadyPresent, or OutcomeNotFound when the
// record has disappeared. Any other failure wraps ErrUpdateFailed.
// Number attributes in Result.Updated are decoded as attributevalue.Number.
func (w *Writer) Write(ctx context.Context, record FlatRecord) (Result, error) {
	if record.Missing && w.cfg.MissingSource != MissingSourceNull {
		return Result{}, fmt.Errorf("%w: %s", ErrMissingSourceField, record.ID)
	}
	if w.cfg.DryRun {
		return Result{Outcome: OutcomeDryRun}, nil
	}

	tracer := otel.Tracer("backfill-writer")
	ctx, span := tracer.Start(ctx, "backfill.UpdateItem",
		trace.WithAttributes(
			attribute.String("table", w.cfg.TableName),
			attribute.String("record", record.ID.String()),
		))
	defer span.End()

	output, err := w.client.UpdateItem(ctx, w.buildInput(record))
	if err != nil {
		if ok, old := dynamo.IsConditionalCheckFailed(err); ok {
			outcome := OutcomeAlreadyPresent
			if len(old) == 0 {
				outcome = OutcomeNotFound
			}
			span.SetAttributes(attribute.String("outcome", string(outcome)))
			return Result{Outcome: outcome}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("%w: %s: %w", ErrUpdateFailed, record.ID, err)
	}

	result := Result{Outcome: OutcomeUpdated}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if len(output.Attributes) > 0 {
		var updated map[string]any
		err := attributevalue.UnmarshalMapWithOptions(output.Attributes, &updated, func(o *attributevalue.DecoderOptions) {
			o.UseNumber = true
		})
		if err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("%w: %s: %w", ErrDecodeUpdated, record.ID, err)
		}
		result.Updated = updated
	}
	return result, nil
}

// Package skipreport publishes records a backfill pass could not migrate to SQS.
package skipreport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Reason says why a record was skipped.
type Reason string

const (
	// ReasonMissingSource means the nested source field was absent.
	ReasonMissingSource Reason = "missing_source"
	// ReasonBadKey means the record lacked a key attribute.
	ReasonBadKey Reason = "bad_key"
	// ReasonUpdateFailed means the conditional write failed for a reason other than its guard.
	ReasonUpdateFailed Reason = "update_failed"
)

// Publisher reports skipped records.
type Publisher interface {
	PublishSkipped(ctx context.Context, entry Entry) error
}

// Entry describes one skipped record.
type Entry struct {
	RunID  string
	Table  string
	Key    map[string]types.AttributeValue
	Reason Reason
	Detail string
}

// SkippedMessage is the SQS message body for a skipped record.
type SkippedMessage struct {
	RunID  string         `json:"runId"`
	Table  string         `json:"table"`
	Key    map[string]any `json:"key"`
	Reason Reason         `json:"reason"`
	Detail string         `json:"detail,omitempty"`
}

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes skipped records to an SQS queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
	}
}

// PublishSkipped sends one skipped-record message to SQS. Number key
// attributes are rendered as JSON strings so they survive exactly.
func (p *SQSPublisher) PublishSkipped(ctx context.Context, entry Entry) error {
	key := map[string]any{}
	if len(entry.Key) > 0 {
		err := attributevalue.UnmarshalMapWithOptions(entry.Key, &key, func(o *attributevalue.DecoderOptions) {
			o.UseNumber = true
		})
		if err != nil {
			return fmt.Errorf("failed to decode key: %w", err)
		}
	}

	msg := SkippedMessage{
		RunID:  entry.RunID,
		Table:  entry.Table,
		Key:    key,
		Reason: entry.Reason,
		Detail: entry.Detail,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	bodyStr := string(body)
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.queueURL,
		MessageBody: &bodyStr,
	})
	return err
}

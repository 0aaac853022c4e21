package backfill

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Error types for record transformation.
var (
	ErrMissingKey         = errors.New("record key attribute missing")
	ErrMissingSourceField = errors.New("nested source field missing")
)

// Transform reduces a scanned item to its identifier and the value found at
// cfg.SourceAttribute.cfg.SourceField.
//
// A missing key attribute returns ErrMissingKey and the record cannot be
// written. A missing nested map or field returns a FlatRecord with Missing set
// together with ErrMissingSourceField, so the caller can apply its policy.
func Transform(cfg Config, item map[string]types.AttributeValue) (FlatRecord, error) {
	pk, ok := item[cfg.PartitionKey]
	if !ok || pk == nil {
		return FlatRecord{}, fmt.Errorf("%w: %s", ErrMissingKey, cfg.PartitionKey)
	}
	sk, ok := item[cfg.SortKey]
	if !ok || sk == nil {
		return FlatRecord{}, fmt.Errorf("%w: %s", ErrMissingKey, cfg.SortKey)
	}

	record := FlatRecord{
		ID: Identifier{
			PartitionKeyName: cfg.PartitionKey,
			SortKeyName:      cfg.SortKey,
			PartitionKey:     pk,
			SortKey:          sk,
		},
	}

	parent, ok := item[cfg.SourceAttribute].(*types.AttributeValueMemberM)
	if !ok {
		record.Missing = true
		return record, fmt.Errorf("%w: %s", ErrMissingSourceField, cfg.SourceAttribute)
	}
	value, ok := parent.Value[cfg.SourceField]
	if !ok || value == nil {
		record.Missing = true
		return record, fmt.Errorf("%w: %s", ErrMissingSourceField, cfg.SourcePath())
	}

	record.Value = value
	return record, nil
}

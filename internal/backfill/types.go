package backfill

import (
	"fmt"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Identifier is the (partition key, sort key) pair of one record.
type Identifier struct {
	PartitionKeyName string
	SortKeyName      string
	PartitionKey     types.AttributeValue
	SortKey          types.AttributeValue
}

// Key returns the DynamoDB key map for the record.
func (id Identifier) Key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		id.PartitionKeyName: id.PartitionKey,
		id.SortKeyName:      id.SortKey,
	}
}

// String renders the identifier for logs, e.g. "1/a".
func (id Identifier) String() string {
	return scalarString(id.PartitionKey) + "/" + scalarString(id.SortKey)
}

// scalarString renders the key attribute types DynamoDB allows.
func scalarString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	case *types.AttributeValueMemberB:
		return fmt.Sprintf("%x", v.Value)
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%T", av)
	}
}

// Page is the result of one Scan request.
type Page struct {
	Number int
	Items  []map[string]types.AttributeValue
	// Next is the continuation key; empty on the last page.
	Next map[string]types.AttributeValue
}

// HasMore reports whether another page follows this one.
func (p Page) HasMore() bool {
	return len(p.Next) > 0
}

// FlatRecord is a raw record reduced to its identifier and derived value.
type FlatRecord struct {
	ID    Identifier
	Value types.AttributeValue
	// Missing is set when the nested source field was absent.
	Missing bool
}

// Stats counts what a pass did. It is safe for concurrent use.
type Stats struct {
	pages          atomic.Int64
	scanned        atomic.Int64
	updated        atomic.Int64
	alreadyPresent atomic.Int64
	notFound       atomic.Int64
	missingSource  atomic.Int64
	badKey         atomic.Int64
	failed         atomic.Int64
	dryRun         atomic.Int64
	interrupted    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Pages          int64
	Scanned        int64
	Updated        int64
	AlreadyPresent int64
	NotFound       int64
	MissingSource  int64
	BadKey         int64
	Failed         int64
	DryRun         int64
	// Interrupted counts writes abandoned because the pass was cancelled.
	Interrupted int64
}

// AddPage counts one scanned page holding items records.
func (s *Stats) AddPage(items int) {
	s.pages.Add(1)
	s.scanned.Add(int64(items))
}

// AddOutcome counts one completed write by its outcome.
func (s *Stats) AddOutcome(o Outcome) {
	switch o {
	case OutcomeUpdated:
		s.updated.Add(1)
	case OutcomeAlreadyPresent:
		s.alreadyPresent.Add(1)
	case OutcomeNotFound:
		s.notFound.Add(1)
	case OutcomeDryRun:
		s.dryRun.Add(1)
	}
}

// AddMissingSource counts a record skipped for lacking the nested source field.
func (s *Stats) AddMissingSource() { s.missingSource.Add(1) }

// AddBadKey counts a record skipped for lacking a key attribute.
func (s *Stats) AddBadKey() { s.badKey.Add(1) }

// AddFailed counts a write that returned an error.
func (s *Stats) AddFailed() { s.failed.Add(1) }

// AddInterrupted counts a write abandoned because the pass was cancelled.
func (s *Stats) AddInterrupted() { s.interrupted.Add(1) }

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Pages:          s.pages.Load(),
		Scanned:        s.scanned.Load(),
		Updated:        s.updated.Load(),
		AlreadyPresent: s.alreadyPresent.Load(),
		NotFound:       s.notFound.Load(),
		MissingSource:  s.missingSource.Load(),
		BadKey:         s.badKey.Load(),
		Failed:         s.failed.Load(),
		DryRun:         s.dryRun.Load(),
		Interrupted:    s.interrupted.Load(),
	}
}

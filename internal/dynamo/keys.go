// Package dynamo provides shared DynamoDB constants and utilities.
package dynamo

const (
	// Default primary key attributes.
	AttrTableID   = "table_id"
	AttrCreatedAt = "created_at"

	// Default nested source attribute and the field read from it.
	AttrParent       = "parent_attribute"
	AttrNewAttribute = "new_attribute"
)

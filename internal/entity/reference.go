package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// ReferenceClaim binds a payment reference to the checkout group that first attached it.
// A reference pays for exactly one group.
type ReferenceClaim struct {
	bun.BaseModel `bun:"table:payment_references,alias:pr"`

	Reference string    `bun:"reference,pk" json:"reference"`
	GroupKey  string    `bun:"group_key,notnull" json:"group_key"`
	ClaimedAt time.Time `bun:"claimed_at,nullzero,notnull,default:CURRENT_TIMESTAMP" json:"claimed_at"`
}

package models

// Lease is the read-only slice of the lease registry this engine needs.
type Lease struct {
	ID                 string `json:"id"`
	OrgID              string `json:"org_id"`
	DepositAmountCents int64  `json:"deposit_amount_cents"`
}

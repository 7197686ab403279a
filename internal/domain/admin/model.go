package admin

// ResourceReset is the resource type recorded on reset provenance and audit
// rows.
const ResourceReset = "AdminReset"

// ResetRequest is the body of a reset call. Seed defaults to true.
type ResetRequest struct {
	Seed *bool `json:"seed,omitempty"`
}

func (r ResetRequest) seed() bool {
	return r.Seed == nil || *r.Seed
}

// ResetResult reports what a reset did.
type ResetResult struct {
	OK         bool        `json:"ok"`
	Truncated  []string    `json:"truncated"`
	Seeded     bool        `json:"seeded"`
	SeedResult interface{} `json:"seedResult"`
}

package terminology

import (
	"time"

	"github.com/google/uuid"
)

// CodeSystem maps to som_code_system.
type CodeSystem struct {
	ID             uuid.UUID `db:"id" json:"id"`
	SystemURI      string    `db:"system_uri" json:"systemUri"`
	Name           *string   `db:"name" json:"name,omitempty"`
	DefaultVersion *string   `db:"default_version" json:"defaultVersion,omitempty"`
	CreatedTime    time.Time `db:"created_time" json:"createdTime"`
}

// Concept maps to som_concept joined with its code system URI.
type Concept struct {
	ID            uuid.UUID `db:"id" json:"id"`
	CodeSystemID  uuid.UUID `db:"code_system_id" json:"codeSystemId"`
	System        string    `db:"system_uri" json:"system"`
	Code          string    `db:"code" json:"code"`
	Display       *string   `db:"display" json:"display,omitempty"`
	VersionString *string   `db:"version_string" json:"version,omitempty"`
}

// DisplayOr returns the concept display, or fallback when it has none.
func (c *Concept) DisplayOr(fallback string) string {
	if c.Display != nil && *c.Display != "" {
		return *c.Display
	}
	return fallback
}

// Coding is a normalization request.
type Coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
	Version string `json:"version,omitempty"`
}

func (c Coding) cacheKey() string {
	return c.System + "|" + c.Code + "|" + c.Version
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

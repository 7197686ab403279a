package fhir

import (
	"time"
)

// Bundle represents a FHIR searchset Bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        int           `json:"total"`
	Timestamp    time.Time     `json:"timestamp"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource"`
	Search   *BundleSearch          `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// NewSearchBundle creates a searchset Bundle and fills fullUrl from each
// resource's type and id.
func NewSearchBundle(resources []map[string]interface{}, selfURL string) *Bundle {
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{
			FullURL:  fullURL(r),
			Resource: r,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        len(resources),
		Timestamp:    time.Now().UTC(),
		Entry:        entries,
	}
	if selfURL != "" {
		b.Link = []BundleLink{{Relation: "self", URL: selfURL}}
	}
	return b
}

func fullURL(r map[string]interface{}) string {
	rt, _ := r["resourceType"].(string)
	id, _ := r["id"].(string)
	if rt == "" || id == "" {
		return ""
	}
	return FormatReference(rt, id)
}

// NewHistoryBundle wraps resource versions, oldest first.
func NewHistoryBundle(versions []map[string]interface{}) *Bundle {
	entries := make([]BundleEntry, len(versions))
	for i, v := range versions {
		entries[i] = BundleEntry{FullURL: fullURL(v), Resource: v}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        len(versions),
		Timestamp:    time.Now().UTC(),
		Entry:        entries,
	}
}

package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// NewSearchBundle creates a searchset Bundle from a list of resources.
// It populates fullUrl for each entry. links are the paging links, self
// first.
func NewSearchBundle(resources []interface{}, total int, links []BundleLink) (*Bundle, error) {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entry, err := NewEntry(r, "")
		if err != nil {
			return nil, err
		}
		entry.Search = &BundleSearch{Mode: "match"}
		entries[i] = entry
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}, nil
}

// NewEntry marshals a resource into a Bundle entry. When serverBase is set
// the fullUrl is absolute.
func NewEntry(resource interface{}, serverBase string) (BundleEntry, error) {
	raw, err := json.Marshal(resource)
	if err != nil {
		return BundleEntry{}, fmt.Errorf("marshal bundle entry: %w", err)
	}
	return BundleEntry{FullURL: extractFullURL(raw, serverBase), Resource: raw}, nil
}

// NextLink returns the url of the bundle's next page, if any.
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// extractFullURL builds a fullUrl from a resource's resourceType and id.
func extractFullURL(raw json.RawMessage, serverBase string) string {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return ""
	}
	if r.ResourceType == "" || r.ID == "" {
		return ""
	}
	if serverBase == "" {
		return fmt.Sprintf("%s/%s", r.ResourceType, r.ID)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(serverBase, "/"), r.ResourceType, r.ID)
}

package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RawResource is a resource fetched from another server. Only the identity is
// interpreted; the body is passed through untouched.
type RawResource struct {
	ResourceType string
	ID           string
	// LastUpdated is meta.lastUpdated when present and readable.
	LastUpdated  *time.Time
	Body         json.RawMessage
}

// rawHead keeps lastUpdated as text so a malformed instant does not reject
// the whole resource.
type rawHead struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *struct {
		LastUpdated string `json:"lastUpdated"`
	} `json:"meta"`
}

// ParseRawResource reads resourceType and id from a JSON resource.
func ParseRawResource(data []byte) (RawResource, error) {
	var r RawResource
	if err := r.UnmarshalJSON(data); err != nil {
		return RawResource{}, err
	}
	return r, nil
}

// Key identifies the resource as "Type/id".
func (r RawResource) Key() string {
	return r.ResourceType + "/" + r.ID
}

func (r RawResource) MarshalJSON() ([]byte, error) {
	if len(r.Body) == 0 {
		return json.Marshal(Resource{ResourceType: r.ResourceType, ID: r.ID})
	}
	return r.Body, nil
}

func (r *RawResource) UnmarshalJSON(data []byte) error {
	var head rawHead
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode resource: %w", err)
	}
	if head.ResourceType == "" {
		return errors.New("resource has no resourceType")
	}
	if head.ID == "" {
		return fmt.Errorf("%s resource has no id", head.ResourceType)
	}
	r.ResourceType = head.ResourceType
	r.ID = head.ID
	r.LastUpdated = nil
	if head.Meta != nil && head.Meta.LastUpdated != "" {
		if ts, err := time.Parse(time.RFC3339Nano, head.Meta.LastUpdated); err == nil {
			ts = ts.UTC()
			r.LastUpdated = &ts
		}
	}
	r.Body = append(json.RawMessage(nil), data...)
	return nil
}

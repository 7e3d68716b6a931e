package subscription

import (
	"strconv"
	"time"

	"github.com/ehr/backport/internal/platform/fhir"
)

// Channel is where and how notifications for a subscription are delivered.
type Channel struct {
	Type     string   `json:"type"`
	Endpoint string   `json:"endpoint,omitempty"`
	Payload  string   `json:"payload,omitempty"`
	Header   []string `json:"header,omitempty"`
}

// Subscription is an R4 Subscription carrying the backport topic extension.
// It decodes directly from the FHIR JSON a client sends.
type Subscription struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Extension    []fhir.Extension `json:"extension,omitempty"`
	Status       string           `json:"status,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Criteria     string           `json:"criteria,omitempty"`
	End          *time.Time       `json:"end,omitempty"`
	Error        string           `json:"error,omitempty"`
	Channel      Channel          `json:"channel"`

	NumEventsSinceStart int64     `json:"-"`
	VersionID           int       `json:"-"`
	CreatedAt           time.Time `json:"-"`
	UpdatedAt           time.Time `json:"-"`
}

// TopicURL returns the canonical of the topic the subscription listens to,
// or "" if the backport topic extension is absent.
func (s *Subscription) TopicURL() string {
	ext, ok := fhir.FindExtension(s.Extension, fhir.BackportTopicCanonicalURL)
	if !ok {
		return ""
	}
	return ext.URIValue()
}

// ContentType is the media type notifications are sent with.
func (s *Subscription) ContentType() string {
	if s.Channel.Payload == "" {
		return fhir.DefaultNotificationContentType
	}
	return s.Channel.Payload
}

// ToFHIR converts the Subscription to a FHIR R4 Subscription resource map.
func (s *Subscription) ToFHIR() map[string]interface{} {
	channel := map[string]interface{}{
		"type": s.Channel.Type,
	}
	if s.Channel.Endpoint != "" {
		channel["endpoint"] = s.Channel.Endpoint
	}
	if s.Channel.Payload != "" {
		channel["payload"] = s.Channel.Payload
	}
	if len(s.Channel.Header) > 0 {
		channel["header"] = s.Channel.Header
	}

	result := map[string]interface{}{
		"resourceType": "Subscription",
		"id":           s.ID,
		"status":       s.Status,
		"channel":      channel,
		"meta": map[string]interface{}{
			"versionId":   strconv.Itoa(s.VersionID),
			"lastUpdated": s.UpdatedAt,
		},
	}
	if s.Criteria != "" {
		result["criteria"] = s.Criteria
	}
	if s.Reason != "" {
		result["reason"] = s.Reason
	}
	if len(s.Extension) > 0 {
		result["extension"] = s.Extension
	}
	if s.End != nil {
		result["end"] = s.End.Format(time.RFC3339)
	}
	if s.Error != "" {
		result["error"] = s.Error
	}
	return result
}

package topic

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Interactions a resource trigger can react to.
const (
	MethodCreate = "create"
	MethodUpdate = "update"
	MethodDelete = "delete"
)

// Topic is a SubscriptionTopic as ingested from a client. Only the resource
// triggers take part in polling; the rest of the resource is kept for reads.
type Topic struct {
	ResourceType    string            `json:"resourceType"`
	ID              string            `json:"id,omitempty"`
	URL             string            `json:"url"`
	Version         string            `json:"version,omitempty"`
	Title           string            `json:"title,omitempty"`
	Status          string            `json:"status,omitempty"`
	Description     string            `json:"description,omitempty"`
	ResourceTrigger []ResourceTrigger `json:"resourceTrigger,omitempty"`

	VersionID int       `json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// ResourceTrigger describes which changes of one resource type a topic cares about.
type ResourceTrigger struct {
	Description      string         `json:"description,omitempty"`
	ResourceType     string         `json:"resourceType"`
	MethodCriteria   []string       `json:"methodCriteria,omitempty"`
	QueryCriteria    *QueryCriteria `json:"queryCriteria,omitempty"`
	FHIRPathCriteria string         `json:"fhirPathCriteria,omitempty"`
}

type QueryCriteria struct {
	Previous    string `json:"previous,omitempty"`
	Current     string `json:"current,omitempty"`
	RequireBoth *bool  `json:"requireBoth,omitempty"`
}

// HasMethod reports whether the trigger lists the given interaction.
func (t ResourceTrigger) HasMethod(method string) bool {
	for _, m := range t.MethodCriteria {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// CurrentCriteria returns the static search criteria applied on every poll.
func (t ResourceTrigger) CurrentCriteria() string {
	if t.QueryCriteria == nil {
		return ""
	}
	return t.QueryCriteria.Current
}

type fingerprintInput struct {
	ResourceType   string         `json:"resourceType"`
	QueryCriteria  *QueryCriteria `json:"queryCriteria,omitempty"`
	MethodCriteria []string       `json:"methodCriteria"`
}

// Fingerprint identifies the trigger's polling-relevant content. Triggers
// equal in resourceType, queryCriteria and methodCriteria (in any order)
// share a fingerprint no matter which topic declares them.
func (t ResourceTrigger) Fingerprint() string {
	methods := make([]string, 0, len(t.MethodCriteria))
	seen := make(map[string]bool, len(t.MethodCriteria))
	for _, m := range t.MethodCriteria {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		methods = append(methods, m)
	}
	sort.Strings(methods)

	var qc *QueryCriteria
	if t.QueryCriteria != nil && (*t.QueryCriteria != QueryCriteria{}) {
		qc = t.QueryCriteria
	}

	// Struct field order makes the encoding canonical.
	data, _ := json.Marshal(fingerprintInput{
		ResourceType:   t.ResourceType,
		QueryCriteria:  qc,
		MethodCriteria: methods,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ToFHIR returns the topic as a FHIR resource, with server-managed meta.
func (t *Topic) ToFHIR() map[string]interface{} {
	data, _ := json.Marshal(t)
	var result map[string]interface{}
	_ = json.Unmarshal(data, &result)
	result["resourceType"] = "SubscriptionTopic"
	if t.VersionID > 0 {
		result["meta"] = map[string]interface{}{
			"versionId":   strconv.Itoa(t.VersionID),
			"lastUpdated": t.UpdatedAt,
		}
	}
	return result
}

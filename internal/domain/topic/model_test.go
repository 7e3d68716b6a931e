package topic

import (
	"encoding/json"
	"testing"
)

func encounterTrigger(methods ...string) ResourceTrigger {
	return ResourceTrigger{
		ResourceType:   "Encounter",
		MethodCriteria: methods,
		QueryCriteria:  &QueryCriteria{Current: "status=finished"},
	}
}

func TestFingerprint_EqualForEqualContent(t *testing.T) {
	a := encounterTrigger("create", "update")
	b := encounterTrigger("create", "update")
	b.Description = "described differently"
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("expected equal triggers to share a fingerprint")
	}
}

func TestFingerprint_MethodOrderInsensitive(t *testing.T) {
	a := encounterTrigger("create", "update")
	b := encounterTrigger("update", "CREATE", "update")
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("expected method order and duplicates not to matter")
	}
}

func TestFingerprint_DiffersOnContent(t *testing.T) {
	base := encounterTrigger("create")

	otherType := base
	otherType.ResourceType = "Observation"

	otherMethods := encounterTrigger("update")

	otherQuery := base
	otherQuery.QueryCriteria = &QueryCriteria{Current: "status=in-progress"}

	for name, trig := range map[string]ResourceTrigger{
		"resourceType":   otherType,
		"methodCriteria": otherMethods,
		"queryCriteria":  otherQuery,
	} {
		if trig.Fingerprint() == base.Fingerprint() {
			t.Errorf("expected fingerprint to change with %s", name)
		}
	}
}

func TestFingerprint_EmptyQueryCriteriaMatchesNil(t *testing.T) {
	a := ResourceTrigger{ResourceType: "Encounter", MethodCriteria: []string{"create"}}
	b := a
	b.QueryCriteria = &QueryCriteria{}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("expected empty queryCriteria to fingerprint like none")
	}
	if len(a.Fingerprint()) != 64 {
		t.Errorf("expected hex sha256, got %q", a.Fingerprint())
	}
}

func TestResourceTrigger_HasMethod(t *testing.T) {
	trig := encounterTrigger("Create")
	if !trig.HasMethod(MethodCreate) {
		t.Error("expected create to match case-insensitively")
	}
	if trig.HasMethod(MethodUpdate) {
		t.Error("expected update not to match")
	}
}

func TestResourceTrigger_CurrentCriteria(t *testing.T) {
	if got := encounterTrigger().CurrentCriteria(); got != "status=finished" {
		t.Errorf("expected status=finished, got %q", got)
	}
	if got := (ResourceTrigger{ResourceType: "Encounter"}).CurrentCriteria(); got != "" {
		t.Errorf("expected empty criteria, got %q", got)
	}
}

func TestTopic_DecodeAndToFHIR(t *testing.T) {
	raw := `{
		"resourceType": "SubscriptionTopic",
		"id": "encounter-complete",
		"url": "http://example.org/topic/encounter-complete",
		"title": "Encounter complete",
		"status": "active",
		"resourceTrigger": [{
			"resourceType": "Encounter",
			"methodCriteria": ["create", "update"],
			"queryCriteria": {"current": "status=finished", "requireBoth": true}
		}]
	}`
	var tp Topic
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tp.ResourceTrigger) != 1 || !tp.ResourceTrigger[0].HasMethod(MethodUpdate) {
		t.Fatalf("unexpected triggers %+v", tp.ResourceTrigger)
	}
	if rb := tp.ResourceTrigger[0].QueryCriteria.RequireBoth; rb == nil || !*rb {
		t.Error("expected requireBoth to be decoded")
	}

	tp.VersionID = 2
	out := tp.ToFHIR()
	if out["resourceType"] != "SubscriptionTopic" {
		t.Errorf("expected SubscriptionTopic, got %v", out["resourceType"])
	}
	meta, ok := out["meta"].(map[string]interface{})
	if !ok || meta["versionId"] != "2" {
		t.Errorf("expected meta.versionId 2, got %v", out["meta"])
	}
}

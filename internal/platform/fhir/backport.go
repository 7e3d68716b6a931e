package fhir

// Canonical URLs from the Subscriptions R5 Backport implementation guide.
const (
	BackportTopicCanonicalURL      = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-topic-canonical"
	BackportSubscriptionStatusURL  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-subscriptionstatus"
	BackportNotificationProfileURL = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-subscription-notification"
	SmartOAuthURIsExtensionURL     = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"
	DefaultNotificationContentType = "application/fhir+json"
)

// Subscription status codes.
const (
	SubscriptionStatusRequested = "requested"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusError     = "error"
	SubscriptionStatusOff       = "off"
)

// Notification types carried by a SubscriptionStatus.
const (
	NotificationTypeEvent       = "event-notification"
	NotificationTypeQueryStatus = "query-status"
)

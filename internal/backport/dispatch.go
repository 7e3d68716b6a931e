package backport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/backport/internal/domain/subscription"
	"github.com/ehr/backport/internal/platform/fhir"
)

// ChannelRestHook is the only channel type notifications can be delivered to.
const ChannelRestHook = "rest-hook"

// UnsupportedChannelError is returned when a subscription's channel type
// cannot be delivered to. The subscription is moved to error.
type UnsupportedChannelError struct {
	SubscriptionID string
	ChannelType    string
}

func (e *UnsupportedChannelError) Error() string {
	return fmt.Sprintf("Subscription/%s: unsupported channel type %q", e.SubscriptionID, e.ChannelType)
}

// DeliveryError is returned when the webhook POST fails or is answered with
// a non-2xx status. The subscription is moved to error.
type DeliveryError struct {
	SubscriptionID string
	Endpoint       string
	StatusCode     int
	Err            error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Subscription/%s: deliver to %s: %v", e.SubscriptionID, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("Subscription/%s: deliver to %s: status %d", e.SubscriptionID, e.Endpoint, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Dispatcher builds notification bundles and posts them to rest-hook
// endpoints, keeping subscription status and event counters in step.
type Dispatcher struct {
	subs           SubscriptionStore
	http           *resty.Client
	resourceServer string
	locks          *keyedMutex
	logger         zerolog.Logger
}

// NewDispatcher creates a Dispatcher. timeout bounds every webhook POST.
func NewDispatcher(subs SubscriptionStore, resourceServer string, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		subs:           subs,
		http:           resty.New().SetTimeout(timeout),
		resourceServer: strings.TrimRight(resourceServer, "/"),
		locks:          newKeyedMutex(),
		logger:         logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch sends one event-notification carrying resources to sub.
func (d *Dispatcher) Dispatch(ctx context.Context, sub *subscription.Subscription, resources []fhir.RawResource) error {
	unlock := d.locks.Lock(sub.ID)
	defer unlock()

	log := d.logger.With().Str("subscription", sub.ID).Logger()

	if sub.Channel.Type != ChannelRestHook {
		uerr := &UnsupportedChannelError{SubscriptionID: sub.ID, ChannelType: sub.Channel.Type}
		d.markError(ctx, sub, uerr.Error(), log)
		return uerr
	}

	bundle, err := d.buildNotification(sub, resources)
	if err != nil {
		return fmt.Errorf("build notification for Subscription/%s: %w", sub.ID, err)
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode notification for Subscription/%s: %w", sub.ID, err)
	}

	req := d.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", sub.ContentType()).
		SetBody(body)
	for name, value := range parseHeaders(sub.Channel.Header, log) {
		req.SetHeader(name, value)
	}

	resp, err := req.Post(sub.Channel.Endpoint)
	if err != nil {
		derr := &DeliveryError{SubscriptionID: sub.ID, Endpoint: sub.Channel.Endpoint, Err: err}
		d.markError(ctx, sub, derr.Error(), log)
		return derr
	}
	if !resp.IsSuccess() {
		derr := &DeliveryError{SubscriptionID: sub.ID, Endpoint: sub.Channel.Endpoint, StatusCode: resp.StatusCode()}
		d.markError(ctx, sub, derr.Error(), log)
		return derr
	}

	total, err := d.subs.AddEvents(ctx, sub.ID, int64(len(resources)))
	if err != nil {
		return fmt.Errorf("record events for Subscription/%s: %w", sub.ID, err)
	}
	sub.NumEventsSinceStart = total
	log.Info().Int("count", len(resources)).Int64("events_since_start", total).Msg("notification delivered")
	return nil
}

func (d *Dispatcher) markError(ctx context.Context, sub *subscription.Subscription, msg string, log zerolog.Logger) {
	log.Error().Str("reason", msg).Msg("subscription moved to error")
	sub.Status = fhir.SubscriptionStatusError
	sub.Error = msg
	if err := d.subs.UpdateStatus(ctx, sub.ID, fhir.SubscriptionStatusError, &msg); err != nil {
		log.Error().Err(err).Msg("failed to persist subscription error status")
	}
}

// buildNotification assembles the history Bundle: the SubscriptionStatus
// entry first, then one entry per resource.
func (d *Dispatcher) buildNotification(sub *subscription.Subscription, resources []fhir.RawResource) (*fhir.Bundle, error) {
	n := int64(len(resources))
	projected := *sub
	projected.NumEventsSinceStart += n
	status := subscription.BuildStatus(&projected, d.resourceServer, fhir.NotificationTypeEvent, &n)

	now := time.Now().UTC()
	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Meta:         &fhir.Meta{Profile: []string{fhir.BackportNotificationProfileURL}},
		Type:         "history",
		Timestamp:    &now,
		Entry:        make([]fhir.BundleEntry, 0, len(resources)+1),
	}
	entry, err := fhir.NewEntry(status, d.resourceServer)
	if err != nil {
		return nil, err
	}
	bundle.Entry = append(bundle.Entry, entry)
	for _, r := range resources {
		entry, err := fhir.NewEntry(r, d.resourceServer)
		if err != nil {
			return nil, err
		}
		bundle.Entry = append(bundle.Entry, entry)
	}
	return bundle, nil
}

// parseHeaders splits "Name: value" channel headers. Malformed entries are skipped.
func parseHeaders(raw []string, log zerolog.Logger) map[string]string {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		parts := strings.SplitN(h, ":", 2)
		name := strings.TrimSpace(parts[0])
		if len(parts) != 2 || name == "" {
			log.Warn().Str("header", h).Msg("ignoring malformed channel header")
			continue
		}
		headers[name] = strings.TrimSpace(parts[1])
	}
	return headers
}

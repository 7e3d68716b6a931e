package topic

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/backport/internal/platform/fhir"
	"github.com/ehr/backport/pkg/pagination"
)

const errNotAList = "Error: request body must be JSON list of SubscriptionTopics"

// Handler provides HTTP endpoints for SubscriptionTopic ingestion and reads.
type Handler struct {
	svc *Service
}

// NewHandler creates a new topic handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the ingestion endpoint on root and FHIR reads on fhirGroup.
func (h *Handler) RegisterRoutes(root *echo.Group, fhirGroup *echo.Group) {
	root.POST("/SubscriptionTopics", h.IngestTopics)

	fhirGroup.GET("/SubscriptionTopic", h.SearchTopicsFHIR)
	fhirGroup.GET("/SubscriptionTopic/:id", h.GetTopicFHIR)
	fhirGroup.GET("/Subscription/$topic-list", h.TopicList)
}

func (h *Handler) IngestTopics(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	var topics []*Topic
	if err := json.Unmarshal(body, &topics); err != nil || len(topics) == 0 {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(errNotAList))
	}
	if err := h.svc.Ingest(c.Request().Context(), topics); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(verr.Error()))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	out := make([]interface{}, len(topics))
	for i, t := range topics {
		out[i] = t.ToFHIR()
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) GetTopicFHIR(c echo.Context) error {
	t, err := h.svc.GetTopic(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("SubscriptionTopic", c.Param("id")))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, t.ToFHIR())
}

func (h *Handler) SearchTopicsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTopics(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	bundle, err := fhir.NewSearchBundle(resources, total, pg.FHIRLinks("/fhir/SubscriptionTopic", total))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, bundle)
}

// TopicList implements Subscription/$topic-list.
func (h *Handler) TopicList(c echo.Context) error {
	items, _, err := h.svc.ListTopics(c.Request().Context(), pagination.MaxLimit, 0)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	params := fhir.NewParameters("")
	seen := make(map[string]bool, len(items))
	for _, t := range items {
		if seen[t.URL] {
			continue
		}
		seen[t.URL] = true
		params.Add(fhir.Parameter{Name: "subscription-topic-canonical", ValueCanonical: t.URL})
	}
	return c.JSON(http.StatusOK, params)
}

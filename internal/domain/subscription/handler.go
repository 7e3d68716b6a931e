package subscription

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/backport/internal/platform/fhir"
	"github.com/ehr/backport/pkg/pagination"
)

// Handler provides FHIR endpoints for Subscription management and $status.
type Handler struct {
	svc            *Service
	resourceServer string
}

// NewHandler creates a new subscription handler. resourceServer is the
// public base url used in status references.
func NewHandler(svc *Service, resourceServer string) *Handler {
	return &Handler{svc: svc, resourceServer: resourceServer}
}

// RegisterRoutes registers FHIR endpoints.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/Subscription", h.SearchSubscriptionsFHIR)
	fhirGroup.POST("/Subscription", h.CreateSubscriptionFHIR)
	fhirGroup.GET("/Subscription/$status", h.StatusFHIR)
	fhirGroup.GET("/Subscription/:id", h.GetSubscriptionFHIR)
	fhirGroup.PUT("/Subscription/:id", h.UpdateSubscriptionFHIR)
	fhirGroup.DELETE("/Subscription/:id", h.DeleteSubscriptionFHIR)
	fhirGroup.GET("/Subscription/:id/$status", h.StatusByIDFHIR)
}

// decodeBody reads a Subscription regardless of whether the client sent
// application/json or application/fhir+json.
func decodeBody(c echo.Context) (*Subscription, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var sub Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, &ValidationError{Msg: "invalid Subscription JSON: " + err.Error()}
	}
	return &sub, nil
}

func (h *Handler) writeError(c echo.Context, err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(verr.Error()))
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Subscription", c.Param("id")))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
}

func (h *Handler) SearchSubscriptionsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchSubscriptions(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return h.writeError(c, err)
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	bundle, err := fhir.NewSearchBundle(resources, total, pg.FHIRLinks("/fhir/Subscription", total))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetSubscriptionFHIR(c echo.Context) error {
	sub, err := h.svc.GetSubscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, sub.ToFHIR())
}

func (h *Handler) CreateSubscriptionFHIR(c echo.Context) error {
	sub, err := decodeBody(c)
	if err != nil {
		return h.writeError(c, err)
	}
	if err := h.svc.CreateSubscription(c.Request().Context(), sub); err != nil {
		return h.writeError(c, err)
	}
	c.Response().Header().Set("Location", "/fhir/Subscription/"+sub.ID)
	return c.JSON(http.StatusCreated, sub.ToFHIR())
}

func (h *Handler) UpdateSubscriptionFHIR(c echo.Context) error {
	sub, err := decodeBody(c)
	if err != nil {
		return h.writeError(c, err)
	}
	if err := h.svc.UpdateSubscription(c.Request().Context(), c.Param("id"), sub); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, sub.ToFHIR())
}

func (h *Handler) DeleteSubscriptionFHIR(c echo.Context) error {
	outcome, err := h.svc.DeleteSubscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, outcome)
}

// StatusFHIR implements Subscription/$status. Without an id parameter it
// reports on every subscription.
func (h *Handler) StatusFHIR(c echo.Context) error {
	ctx := c.Request().Context()
	var ids []string
	for _, v := range c.QueryParams()["id"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}

	var (
		subs []*Subscription
		err  error
	)
	if len(ids) > 0 {
		subs, err = h.svc.ListByIDs(ctx, ids)
	} else {
		subs, _, err = h.svc.SearchSubscriptions(ctx, "", pagination.MaxLimit, 0)
	}
	if err != nil {
		return h.writeError(c, err)
	}
	return h.writeStatus(c, subs)
}

// StatusByIDFHIR implements Subscription/:id/$status.
func (h *Handler) StatusByIDFHIR(c echo.Context) error {
	sub, err := h.svc.GetSubscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return h.writeStatus(c, []*Subscription{sub})
}

func (h *Handler) writeStatus(c echo.Context, subs []*Subscription) error {
	bundle, err := StatusBundle(subs, h.resourceServer)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}

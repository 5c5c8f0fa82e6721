package rest

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	appCtx "github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/context"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/logger"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/service"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type Handler struct {
	svc *service.AffiliateService
}

func NewHandler(svc *service.AffiliateService) *Handler {
	return &Handler{svc: svc}
}

// ----------------------
// Storefront surface
// ----------------------

type trackClickRequest struct {
	ReferrerFID fid    `json:"referrerFid" validate:"required,max=64"`
	ProductID   string `json:"productId" validate:"required,max=128"`
	VisitorFID  *fid   `json:"visitorFid,omitempty" validate:"omitempty,max=64"`
}

// TrackClick handles POST /affiliate/track-click.
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request) {
	var req trackClickRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		handleErr(w, r, domain.ErrInvalidJSON(err))
		return
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	if err := validateStruct(req); err != nil {
		handleErr(w, r, err)
		return
	}

	res, err := h.svc.TrackClick(r.Context(), appCtx.TraceID(r.Context()), domain.TrackClickInput{
		ReferrerFID: string(req.ReferrerFID),
		ProductID:   req.ProductID,
		VisitorFID:  req.VisitorFID.ptr(),
	})
	if err != nil {
		if domain.IsKind(err, domain.KindSelfReferral) {
			clicksTrackedTotal.WithLabelValues("self_referral").Inc()
		}
		handleErr(w, r, err)
		return
	}

	msg := "Click tracked successfully"
	outcome := "created"
	if !res.Created {
		msg = "Existing click extended"
		outcome = "extended"
	}
	clicksTrackedTotal.WithLabelValues(outcome).Inc()

	response.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"clickId": res.ClickID,
		"message": msg,
	})
}

// ActiveClick handles GET /affiliate/track-click?visitorFid=&productId=.
func (h *Handler) ActiveClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	click, ok, err := h.svc.FindActiveClick(r.Context(), q.Get("visitorFid"), q.Get("productId"))
	if err != nil {
		handleErr(w, r, err)
		return
	}

	var data *domain.AffiliateClick
	if ok {
		data = &click
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"hasAffiliateClick": ok,
		"affiliateData":     data,
	})
}

type linkFidRequest struct {
	VisitorFID fid `json:"visitorFid" validate:"required,max=64"`
}

// LinkFid handles POST /affiliate/link-fid, called right after sign-in.
func (h *Handler) LinkFid(w http.ResponseWriter, r *http.Request) {
	var req linkFidRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		handleErr(w, r, domain.ErrInvalidJSON(err))
		return
	}
	if err := validateStruct(req); err != nil {
		handleErr(w, r, err)
		return
	}

	n, err := h.svc.LinkAnonymousClicksToFid(r.Context(), appCtx.TraceID(r.Context()), string(req.VisitorFID))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	clicksLinkedTotal.Add(float64(n))

	response.JSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"linkedClicks": n,
		"message":      "Linked " + strconv.FormatInt(n, 10) + " affiliate clicks",
	})
}

// EarningsSummary handles GET /affiliate/link-fid?fid=.
func (h *Handler) EarningsSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.GetEarningsSummary(r.Context(), r.URL.Query().Get("fid"))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"affiliateStats": sum,
	})
}

// ----------------------
// Admin surface
// ----------------------

func (h *Handler) ReferrerClicks(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		handleErr(w, r, domain.ErrInvalidField("cursor", "malformed"))
		return
	}

	items, next, err := h.svc.ListReferrerClicks(r.Context(), chi.URLParam(r, "fid"), limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	if items == nil {
		items = []domain.ClickView{}
	}

	response.Data(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": encodeCursor(next),
		"has_more":    next != nil,
	})
}

func (h *Handler) ConfirmFulfillment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	n, err := h.svc.ConfirmFulfillment(r.Context(), appCtx.TraceID(r.Context()), orderID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	fulfillmentsConfirmedTotal.Inc()

	response.Data(w, http.StatusOK, map[string]any{
		"order_id": orderID,
		"clicks":   n,
	})
}

// ----------------------
// Ops
// ----------------------

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

func Health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		deps := map[string]string{}
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				logger.WithCtx(r.Context()).Warn().Err(err).Str("dependency", name).Msg("health check failed")
				deps[name] = "down"
				dependencyUp.WithLabelValues(name).Set(0)
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "up"
			dependencyUp.WithLabelValues(name).Set(1)
		}
		response.JSON(w, status, map[string]any{
			"success":      status == http.StatusOK,
			"dependencies": deps,
		})
	}
}

func parseLimit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return service.DefaultListLimit
	}
	return n
}

// ----------------------
// Errors
// ----------------------

func statusFor(kind domain.ErrKind) int {
	switch kind {
	case domain.KindValidation, domain.KindSelfReferral:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	de, ok := asDomain(err)
	if !ok {
		de = domain.ErrInternal(err)
	}
	status := statusFor(de.Kind)
	if status >= http.StatusInternalServerError {
		// cause stays in the log, never in the body
		logger.WithCtx(r.Context()).Error().Err(err).Str("code", de.Code).Msg("request failed")
	}
	fail(w, r, status, de.Code, de.Message, de.Meta)
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, appCtx.TraceID(r.Context()))
}

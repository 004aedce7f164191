package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storekit/coupons/internal/platform/httpx"
	"github.com/storekit/coupons/internal/platform/requestctx"
	"github.com/storekit/coupons/internal/services"
)

const defaultCouponBodySize = 256 * 1024

// CouponHandlers exposes the storefront coupon endpoints for a single store.
type CouponHandlers struct {
	coupons      services.CouponService
	redemptions  services.RedemptionService
	finalizeMW   []func(http.Handler) http.Handler
	maxBodyBytes int64
	publicLookup bool
}

// CouponHandlerOption customises CouponHandlers.
type CouponHandlerOption func(*CouponHandlers)

// WithFinalizeMiddlewares wraps only the finalize endpoint, typically with idempotency replay.
func WithFinalizeMiddlewares(mw ...func(http.Handler) http.Handler) CouponHandlerOption {
	return func(h *CouponHandlers) {
		h.finalizeMW = append(h.finalizeMW, mw...)
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) CouponHandlerOption {
	return func(h *CouponHandlers) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithPublicLookup toggles GET /coupons/{code}.
func WithPublicLookup(enabled bool) CouponHandlerOption {
	return func(h *CouponHandlers) {
		h.publicLookup = enabled
	}
}

// NewCouponHandlers constructs the coupon endpoints. The public lookup is on by default.
func NewCouponHandlers(coupons services.CouponService, redemptions services.RedemptionService, opts ...CouponHandlerOption) *CouponHandlers {
	h := &CouponHandlers{
		coupons:      coupons,
		redemptions:  redemptions,
		maxBodyBytes: defaultCouponBodySize,
		publicLookup: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the store-scoped endpoints onto the provided router.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/cart/validate-coupons", h.validateCoupons)

	finalize := chi.Chain(h.finalizeMW...).HandlerFunc(h.finalizeCoupons)
	r.Method(http.MethodPost, "/orders/{orderId}/finalize-coupons", finalize)

	if h.publicLookup {
		r.Get("/coupons/{code}", h.getCoupon)
	}
}

type couponCartItemRequest struct {
	ProductID     string   `json:"productId"`
	PriceCents    int64    `json:"priceCents"`
	Quantity      int64    `json:"quantity"`
	CategoryIDs   []string `json:"categoryIds"`
	CollectionIDs []string `json:"collectionIds"`
}

type couponCartRequest struct {
	Currency      string                  `json:"currency"`
	SubtotalCents int64                   `json:"subtotalCents"`
	ShippingCents int64                   `json:"shippingCents"`
	TaxCents      int64                   `json:"taxCents"`
	CustomerEmail string                  `json:"customerEmail"`
	Items         []couponCartItemRequest `json:"items"`
}

type couponRequest struct {
	DomainHost   string             `json:"domainHost"`
	Cart         *couponCartRequest `json:"cart"`
	AppliedCodes []string           `json:"appliedCodes"`
}

func (req couponRequest) snapshot() services.CartSnapshot {
	cart := services.CartSnapshot{
		Currency:      req.Cart.Currency,
		SubtotalCents: req.Cart.SubtotalCents,
		ShippingCents: req.Cart.ShippingCents,
		TaxCents:      req.Cart.TaxCents,
		CustomerEmail: req.Cart.CustomerEmail,
		Items:         make([]services.CartItem, 0, len(req.Cart.Items)),
	}
	for _, item := range req.Cart.Items {
		cart.Items = append(cart.Items, services.CartItem{
			ProductID:     item.ProductID,
			PriceCents:    item.PriceCents,
			Quantity:      item.Quantity,
			CategoryIDs:   item.CategoryIDs,
			CollectionIDs: item.CollectionIDs,
		})
	}
	return cart
}

type validCouponPayload struct {
	CouponID      string `json:"couponId"`
	Code          string `json:"code"`
	Type          string `json:"type"`
	DiscountCents int64  `json:"discountCents"`
	Message       string `json:"message"`
}

type invalidCouponPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type cartTotalsPayload struct {
	SubtotalCents int64  `json:"subtotalCents"`
	DiscountCents int64  `json:"discountCents"`
	ShippingCents int64  `json:"shippingCents"`
	TaxCents      int64  `json:"taxCents"`
	TotalCents    int64  `json:"totalCents"`
	Currency      string `json:"currency"`
}

type validationResponse struct {
	ValidCoupons   []validCouponPayload   `json:"validCoupons"`
	InvalidCoupons []invalidCouponPayload `json:"invalidCoupons"`
	CartTotals     cartTotalsPayload      `json:"cartTotals"`
}

type publicCouponResponse struct {
	Code      string     `json:"code"`
	Type      string     `json:"type"`
	Available bool       `json:"available"`
	StartsAt  *time.Time `json:"startsAt"`
	EndsAt    *time.Time `json:"endsAt"`
}

func (h *CouponHandlers) validateCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	result, err := h.coupons.ValidateCoupons(ctx, services.ValidateCouponsCommand{
		StoreID:      chi.URLParam(r, "store"),
		DomainHost:   req.DomainHost,
		Cart:         req.snapshot(),
		AppliedCodes: req.AppliedCodes,
	})
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildValidationResponse(result))
}

func (h *CouponHandlers) finalizeCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.redemptions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "redemption service is unavailable", http.StatusServiceUnavailable))
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	_, err := h.redemptions.FinalizeCoupons(ctx, services.FinalizeCouponsCommand{
		StoreID:      chi.URLParam(r, "store"),
		OrderID:      chi.URLParam(r, "orderId"),
		DomainHost:   req.DomainHost,
		Cart:         req.snapshot(),
		AppliedCodes: req.AppliedCodes,
	})
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func (h *CouponHandlers) getCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	code := chi.URLParam(r, "code")
	if r.URL.RawPath != "" {
		// chi matched on the escaped path
		unescaped, err := url.PathUnescape(code)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "coupon code is not valid path text", http.StatusBadRequest))
			return
		}
		code = unescaped
	}

	coupon, err := h.coupons.GetPublicCoupon(ctx, chi.URLParam(r, "store"), code)
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, publicCouponResponse{
		Code:      coupon.Code,
		Type:      string(coupon.Type),
		Available: coupon.Available,
		StartsAt:  coupon.StartsAt,
		EndsAt:    coupon.EndsAt,
	})
}

func (h *CouponHandlers) decode(w http.ResponseWriter, r *http.Request) (couponRequest, bool) {
	var req couponRequest
	if err := httpx.DecodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		var envelope httpx.Error
		if !errors.As(err, &envelope) {
			envelope = httpx.ErrInvalidRequest
		}
		httpx.WriteError(r.Context(), w, envelope)
		return couponRequest{}, false
	}
	if req.Cart == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "cart is required", http.StatusBadRequest))
		return couponRequest{}, false
	}
	return req, true
}

func buildValidationResponse(result services.ValidationResult) validationResponse {
	resp := validationResponse{
		ValidCoupons:   make([]validCouponPayload, 0, len(result.ValidCoupons)),
		InvalidCoupons: make([]invalidCouponPayload, 0, len(result.InvalidCoupons)),
		CartTotals: cartTotalsPayload{
			SubtotalCents: result.CartTotals.SubtotalCents,
			DiscountCents: result.CartTotals.DiscountCents,
			ShippingCents: result.CartTotals.ShippingCents,
			TaxCents:      result.CartTotals.TaxCents,
			TotalCents:    result.CartTotals.TotalCents,
			Currency:      result.CartTotals.Currency,
		},
	}
	for _, c := range result.ValidCoupons {
		resp.ValidCoupons = append(resp.ValidCoupons, validCouponPayload{
			CouponID:      c.CouponID,
			Code:          c.Code,
			Type:          string(c.Type),
			DiscountCents: c.DiscountCents,
			Message:       c.Message,
		})
	}
	for _, c := range result.InvalidCoupons {
		resp.InvalidCoupons = append(resp.InvalidCoupons, invalidCouponPayload{Code: c.Code, Reason: c.Reason})
	}
	return resp
}

func writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", serviceMessage(err), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponStoreNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("store_not_found", "store not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRedemptionConflict):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_usage_conflict", "a coupon reached its usage limit; revalidate the cart", http.StatusConflict))
	case errors.Is(err, services.ErrCouponRepositoryUnavailable), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.ErrUnavailable)
	default:
		requestctx.Logger(ctx).Error("coupon request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.ErrInternal)
	}
}

// serviceMessage drops the sentinel prefix so clients see only the validation detail.
func serviceMessage(err error) string {
	msg := err.Error()
	if _, detail, ok := strings.Cut(msg, services.ErrCouponInvalidInput.Error()+": "); ok && detail != "" {
		return detail
	}
	return msg
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"video-shop-bot/internal/model"
	"video-shop-bot/internal/repository"
	"video-shop-bot/internal/service"
)

// purchaseAPI serves the public status endpoint and the admin purchase
// operations.
type purchaseAPI struct {
	purchases *service.PurchaseService
	delivery  *service.DeliveryService
}

func newPurchaseAPI(purchases *service.PurchaseService, delivery *service.DeliveryService) *purchaseAPI {
	return &purchaseAPI{purchases: purchases, delivery: delivery}
}

// statusResponse is the public view of a purchase. It never exposes the
// buyer's Telegram ID or the internal numeric key.
type statusResponse struct {
	PurchaseID     string     `json:"purchase_id"`
	VideoID        int64      `json:"video_id"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	Verification   string     `json:"verification_status"`
	Delivery       string     `json:"delivery_status"`
	PurchaseStatus string     `json:"purchase_status"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// adminPurchaseResponse is the admin view, including fields the public
// endpoint withholds.
type adminPurchaseResponse struct {
	statusResponse
	ClaimedUsername  string            `json:"claimed_username"`
	TelegramUserID   *int64            `json:"telegram_user_id,omitempty"`
	DeliveryAttempts int               `json:"delivery_attempts"`
	DeliveryNotes    string            `json:"delivery_notes,omitempty"`
	DeliveryMetadata map[string]string `json:"delivery_metadata,omitempty"`
}

func toStatusResponse(p *model.Purchase) statusResponse {
	return statusResponse{
		PurchaseID:     p.PublicID.String(),
		VideoID:        p.VideoID,
		Amount:         p.Amount.StringFixed(2),
		Currency:       p.Currency,
		Verification:   p.VerifyStatus,
		Delivery:       p.DeliveryStatus,
		PurchaseStatus: p.PurchaseStatus,
		CreatedAt:      p.CreatedAt,
		DeliveredAt:    p.DeliveredAt,
	}
}

func toAdminResponse(p *model.Purchase) adminPurchaseResponse {
	return adminPurchaseResponse{
		statusResponse:   toStatusResponse(p),
		ClaimedUsername:  p.ClaimedUsername,
		TelegramUserID:   p.TelegramUserID,
		DeliveryAttempts: p.DeliveryAttempts,
		DeliveryNotes:    p.DeliveryNotes,
		DeliveryMetadata: p.DeliveryMetadata,
	}
}

// Status serves GET /api/purchases/{publicID}.
func (a *purchaseAPI) Status(w http.ResponseWriter, r *http.Request) {
	purchase, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(purchase))
}

// List serves GET /admin/purchases with optional status filters.
func (a *purchaseAPI) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ListFilter{
		VerifyStatus:   q.Get("verification_status"),
		DeliveryStatus: q.Get("delivery_status"),
		PurchaseStatus: q.Get("purchase_status"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "VALIDATION_ERROR", "limit must be a number")
			return
		}
		filter.Limit = limit
	}

	purchases, err := a.purchases.List(r.Context(), filter)
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to list purchases")
		return
	}

	out := make([]adminPurchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		out = append(out, toAdminResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": out})
}

type verifyRequest struct {
	TelegramUserID int64 `json:"telegram_user_id"`
}

// Verify serves POST /admin/purchases/{publicID}/verify.
// Manually binds a Telegram ID when the /start flow cannot, for example when
// a buyer mistyped their username at checkout.
func (a *purchaseAPI) Verify(w http.ResponseWriter, r *http.Request) {
	purchase, ok := a.lookup(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil || req.TelegramUserID == 0 {
		writeBadRequest(w, "VALIDATION_ERROR", "telegram_user_id is required")
		return
	}

	updated, err := a.purchases.VerifyIdentity(r.Context(), purchase.ID, req.TelegramUserID)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyVerified) {
			writeError(w, http.StatusConflict, "ALREADY_VERIFIED", "purchase is already bound to a different telegram id")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to verify purchase")
		return
	}

	log.Info().
		Str("purchase_uuid", updated.PublicID.String()).
		Int64("telegram_user_id", req.TelegramUserID).
		Str("operation", "admin_verify").
		Msg("Admin operation executed")

	writeJSON(w, http.StatusOK, toAdminResponse(updated))
}

type deliverRequest struct {
	Notes string `json:"notes"`
}

// ForceDeliver serves POST /admin/purchases/{publicID}/deliver.
// Marks the purchase delivered without sending anything, for out-of-band
// fulfillment.
func (a *purchaseAPI) ForceDeliver(w http.ResponseWriter, r *http.Request) {
	purchase, ok := a.lookup(w, r)
	if !ok {
		return
	}

	var req deliverRequest
	if err := decodeJSON(r, &req); err != nil {
		req = deliverRequest{}
	}

	updated, err := a.delivery.ForceDeliver(r.Context(), purchase.ID, req.Notes)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			writeError(w, http.StatusConflict, "ALREADY_DELIVERED", "purchase is already delivered")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to mark purchase delivered")
		return
	}

	log.Info().
		Str("purchase_uuid", updated.PublicID.String()).
		Str("operation", "admin_force_deliver").
		Msg("Admin operation executed")

	writeJSON(w, http.StatusOK, toAdminResponse(updated))
}

// Retry serves POST /admin/purchases/{publicID}/retry.
func (a *purchaseAPI) Retry(w http.ResponseWriter, r *http.Request) {
	purchase, ok := a.lookup(w, r)
	if !ok {
		return
	}

	updated, err := a.delivery.Retry(r.Context(), purchase.ID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRetryExhausted):
			writeError(w, http.StatusConflict, "RETRY_EXHAUSTED", "delivery attempt cap reached")
		case errors.Is(err, service.ErrPurchaseNotPayable):
			writeError(w, http.StatusConflict, "NOT_PAYABLE", "refunded or disputed purchases cannot be delivered")
		case errors.Is(err, service.ErrDeliveryFailed):
			writeError(w, http.StatusBadGateway, "DELIVERY_FAILED", "dispatch attempt failed")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to retry delivery")
		}
		return
	}

	log.Info().
		Str("purchase_uuid", updated.PublicID.String()).
		Str("operation", "admin_retry").
		Msg("Admin operation executed")

	writeJSON(w, http.StatusOK, toAdminResponse(updated))
}

// Invalidate serves POST /admin/purchases/{publicID}/invalidate.
// Rejects the claimed identity on a still-pending purchase.
func (a *purchaseAPI) Invalidate(w http.ResponseWriter, r *http.Request) {
	a.markStatus(w, r, "admin_invalidate", a.purchases.MarkInvalid)
}

// Refund serves POST /admin/purchases/{publicID}/refund.
func (a *purchaseAPI) Refund(w http.ResponseWriter, r *http.Request) {
	a.markStatus(w, r, "admin_refund", a.purchases.Refund)
}

// Dispute serves POST /admin/purchases/{publicID}/dispute.
func (a *purchaseAPI) Dispute(w http.ResponseWriter, r *http.Request) {
	a.markStatus(w, r, "admin_dispute", a.purchases.Dispute)
}

func (a *purchaseAPI) markStatus(w http.ResponseWriter, r *http.Request, operation string, fn func(ctx context.Context, id int64) (*model.Purchase, error)) {
	purchase, ok := a.lookup(w, r)
	if !ok {
		return
	}

	updated, err := fn(r.Context(), purchase.ID)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			writeError(w, http.StatusConflict, "STALE_STATUS", "purchase is not in a state that allows this change")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to update purchase status")
		return
	}

	log.Info().
		Str("purchase_uuid", updated.PublicID.String()).
		Str("operation", operation).
		Msg("Admin operation executed")

	writeJSON(w, http.StatusOK, toAdminResponse(updated))
}

// lookup resolves the {publicID} path parameter. Writes the error response
// itself and returns ok=false when resolution fails.
func (a *purchaseAPI) lookup(w http.ResponseWriter, r *http.Request) (*model.Purchase, bool) {
	publicID, err := uuid.Parse(chi.URLParam(r, "publicID"))
	if err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "purchase id must be a UUID")
		return nil, false
	}

	purchase, err := a.purchases.GetByPublicID(r.Context(), publicID)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			writeNotFound(w, "NOT_FOUND", "purchase not found")
			return nil, false
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to load purchase")
		return nil, false
	}
	return purchase, true
}

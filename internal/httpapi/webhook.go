package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"video-shop-bot/internal/payment"
	"video-shop-bot/internal/repository"
	"video-shop-bot/internal/service"
)

// maxWebhookBody caps the request body read for webhook payloads.
const maxWebhookBody = 1 << 20

// webhookHandler ingests payment provider events.
type webhookHandler struct {
	secret    string
	purchases *service.PurchaseService
}

func newWebhookHandler(secret string, purchases *service.PurchaseService) *webhookHandler {
	return &webhookHandler{secret: secret, purchases: purchases}
}

// Handle processes POST /webhooks/payment.
//
// Responses follow provider retry semantics: 401 tells the provider its
// signature is wrong (misconfiguration, no retry will fix a payload we
// refuse to trust), 200 acknowledges events we processed or deliberately
// ignored, and 5xx asks the provider to redeliver later. Redelivery is safe
// because purchase creation is idempotent on the provider session ID.
func (h *webhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeInternal(w, "READ_ERROR", "failed to read request body")
		return
	}
	defer r.Body.Close()

	sig := r.Header.Get(payment.SignatureHeader)
	if err := payment.VerifySignature(body, sig, h.secret); err != nil {
		log.Warn().
			Str("remote", r.RemoteAddr).
			Msg("Security: webhook with missing or invalid signature rejected")
		writeUnauthorized(w, "INVALID_SIGNATURE", "webhook signature verification failed")
		return
	}

	ev, err := payment.Parse(body)
	if err != nil {
		// Signed but unparseable. Redelivery would fail identically.
		log.Error().Err(err).Msg("Webhook payload could not be parsed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if ev.Type != payment.EventCompleted {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	purchase, created, err := h.purchases.CreateFromEvent(r.Context(), ev)
	if err != nil {
		// Permanent defects in the event are acknowledged so the
		// provider stops redelivering them.
		if errors.Is(err, payment.ErrSessionMissing) ||
			errors.Is(err, payment.ErrMetadataMissing) ||
			errors.Is(err, repository.ErrVideoNotFound) {
			log.Error().
				Err(err).
				Str("session_id", ev.SessionID).
				Msg("Dropping unfulfillable payment confirmation")
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		log.Error().
			Err(err).
			Str("session_id", ev.SessionID).
			Msg("Failed to record purchase from webhook")
		writeInternal(w, "INTERNAL_ERROR", "failed to record purchase")
		return
	}

	status := "duplicate"
	if created {
		status = "created"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      status,
		"purchase_id": purchase.PublicID.String(),
	})
}

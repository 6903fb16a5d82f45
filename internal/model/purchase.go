// Package model defines the data models for the video shop bot.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Verification statuses for binding a claimed username to a Telegram ID.
const (
	VerificationPending  = "pending"
	VerificationVerified = "verified"
	VerificationInvalid  = "invalid"
)

// Delivery statuses for pushing the purchased media to the buyer.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryRetrying  = "retrying"
)

// Purchase-level statuses reflecting the payment provider's view.
const (
	PurchaseCompleted = "completed"
	PurchaseRefunded  = "refunded"
	PurchaseDisputed  = "disputed"
)

// MaxDeliveryAttempts caps how many failed dispatches a purchase may accrue
// before retries are refused.
const MaxDeliveryAttempts = 3

// Purchase tracks one buyer/video transaction through payment, identity
// verification, and delivery. Lookups by untrusted parties use PublicID only;
// the numeric ID never leaves the backend.
type Purchase struct {
	ID                int64             `db:"id"`
	PublicID          uuid.UUID         `db:"public_id"`
	ProviderSessionID string            `db:"provider_session_id"`
	ProviderPaymentID string            `db:"provider_payment_id"`
	ProviderCustomer  string            `db:"provider_customer_id"`
	VideoID           int64             `db:"video_id"`
	Amount            decimal.Decimal   `db:"amount"`
	Currency          string            `db:"currency"`
	BuyerEmail        *string           `db:"buyer_email"`
	ClaimedUsername   string            `db:"claimed_username"`
	TelegramUserID    *int64            `db:"telegram_user_id"`
	VerifyStatus      string            `db:"verification_status"`
	DeliveryStatus    string            `db:"delivery_status"`
	DeliveredAt       *time.Time        `db:"delivered_at"`
	DeliveryNotes     string            `db:"delivery_notes"`
	DeliveryAttempts  int               `db:"delivery_attempts"`
	DeliveryMetadata  map[string]string `db:"delivery_metadata"`
	PurchaseStatus    string            `db:"purchase_status"`
	RefundedAt        *time.Time        `db:"refunded_at"`
	CreatedAt         time.Time         `db:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at"`
}

// IsVerified reports whether the purchase has a confirmed Telegram identity.
func (p *Purchase) IsVerified() bool {
	return p.VerifyStatus == VerificationVerified && p.TelegramUserID != nil
}

// IsDelivered reports whether the media has reached the buyer.
func (p *Purchase) IsDelivered() bool {
	return p.DeliveryStatus == DeliveryDelivered
}

// IsPayable reports whether the purchase is still in a state that warrants
// delivery. Refunded and disputed purchases are never auto-delivered.
func (p *Purchase) IsPayable() bool {
	return p.PurchaseStatus == PurchaseCompleted
}

// CanRetryDelivery reports whether another dispatch may be attempted.
// False once the attempt cap is reached or the purchase is already delivered.
func (p *Purchase) CanRetryDelivery() bool {
	return CanRetryDelivery(p.DeliveryStatus, p.DeliveryAttempts)
}

// CanRetryDelivery is the retry gate as a pure function: attempts below the
// cap and a delivery status that still allows dispatch.
func CanRetryDelivery(status string, attempts int) bool {
	if attempts >= MaxDeliveryAttempts {
		return false
	}
	switch status {
	case DeliveryPending, DeliveryFailed, DeliveryRetrying:
		return true
	default:
		return false
	}
}

// canTransitionDelivery reports whether moving from one delivery status to
// another is legal. Delivered is terminal; pending and failed may move to
// retrying or failed; any non-delivered state may complete. The repository's
// CAS clauses enforce the same rule in SQL; this is the in-process
// specification the tests hold them to.
func canTransitionDelivery(from, to string) bool {
	switch to {
	case DeliveryDelivered:
		return from == DeliveryPending || from == DeliveryFailed || from == DeliveryRetrying
	case DeliveryRetrying, DeliveryFailed:
		return from == DeliveryPending || from == DeliveryFailed || from == DeliveryRetrying
	default:
		return false
	}
}

// canTransitionVerification reports whether a verification status change is
// legal. Only pending may move, to verified or invalid; neither is reversible.
func canTransitionVerification(from, to string) bool {
	if from != VerificationPending {
		return false
	}
	return to == VerificationVerified || to == VerificationInvalid
}

// Delivery metadata keys recorded on successful dispatch.
const (
	MetaChannel    = "channel"
	MetaChatID     = "chat_id"
	MetaMessageID  = "message_id"
	MetaTimestamp  = "timestamp"
	MetaManual     = "manual"
	MetaNotes      = "notes"
	ChannelBot     = "bot"
	ChannelManual  = "manual"
)

// Package payment parses and authenticates payment provider webhook events.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Errors surfaced while consuming provider events.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrSessionMissing   = errors.New("payment event has no session id")
	ErrMetadataMissing  = errors.New("payment metadata missing video or username")
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Payment-Signature"

// Event is the provider-shaped payment confirmation. The provider guarantees
// SessionID is unique per checkout session; everything else is opaque.
type Event struct {
	Type      string   `json:"type"`
	SessionID string   `json:"id"`
	PaymentID string   `json:"payment_intent"`
	Customer  string   `json:"customer"`
	Amount    int64    `json:"amount_total"` // minor units (cents)
	Currency  string   `json:"currency"`
	Email     string   `json:"customer_email"`
	Metadata  Metadata `json:"metadata"`
}

// Metadata is the checkout metadata the storefront attaches: which video was
// bought and the Telegram username the buyer claims.
type Metadata struct {
	VideoID  int64  `json:"video_id,string"`
	Username string `json:"telegram_username"`
}

// EventCompleted is the only event type that creates purchases.
const EventCompleted = "checkout.session.completed"

// VerifySignature checks the hex HMAC-SHA256 of body against the shared
// webhook secret using a constant-time compare.
func VerifySignature(body []byte, signature, secret string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// Parse decodes a provider event from the raw body.
func Parse(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode payment event: %w", err)
	}
	return &ev, nil
}

// Validate checks the event carries everything a purchase needs.
// Both failures are permanent: redelivering the event cannot fix them.
func (e *Event) Validate() error {
	if e.SessionID == "" {
		return ErrSessionMissing
	}
	if e.Metadata.VideoID <= 0 || NormalizeUsername(e.Metadata.Username) == "" {
		return ErrMetadataMissing
	}
	return nil
}

// AmountDecimal converts the minor-unit amount to a 2-decimal value.
func (e *Event) AmountDecimal() decimal.Decimal {
	return decimal.New(e.Amount, -2)
}

// NormalizeUsername strips the optional @ prefix and lowercases, matching how
// Telegram treats usernames case-insensitively.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}

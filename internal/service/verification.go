package service

import (
	"context"
	"errors"
	"fmt"

	"video-shop-bot/internal/model"
	"video-shop-bot/internal/payment"
	"video-shop-bot/internal/repository"
)

// StartOutcome classifies what a /start trigger found for the sender.
type StartOutcome int

const (
	// OutcomeVerified means a pending purchase was claimed and verified.
	OutcomeVerified StartOutcome = iota
	// OutcomeReturningBuyer means no pending purchase, but the sender
	// already owns verified purchases.
	OutcomeReturningBuyer
	// OutcomeNoPurchase means nothing is known about the sender.
	OutcomeNoPurchase
)

// VerificationService resolves an inbound Telegram user to the most recent
// unverified purchase claimed under the matching username.
//
// The binding is username-based, not cryptographically authenticated: any
// Telegram account currently holding the username can claim purchases made
// under it. That is the accepted trust boundary of the product.
type VerificationService struct {
	purchaseRepo *repository.PurchaseRepository
	purchases    *PurchaseService
}

// NewVerificationService creates a new VerificationService instance.
func NewVerificationService(purchaseRepo *repository.PurchaseRepository, purchases *PurchaseService) *VerificationService {
	return &VerificationService{
		purchaseRepo: purchaseRepo,
		purchases:    purchases,
	}
}

// HandleStart runs the verification flow for a /start trigger from the given
// Telegram ID and username. Only the single latest pending purchase under the
// username is verified; older pending purchases stay untouched.
// A missing match is not an error, just a normal nothing-to-do branch.
func (s *VerificationService) HandleStart(ctx context.Context, telegramID int64, username string) (StartOutcome, *model.Purchase, error) {
	normalized := payment.NormalizeUsername(username)
	if normalized == "" {
		return s.classifyKnown(ctx, telegramID)
	}

	pending, err := s.purchaseRepo.FindLatestPendingByUsername(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return s.classifyKnown(ctx, telegramID)
		}
		return OutcomeNoPurchase, nil, fmt.Errorf("failed to look up pending purchase: %w", err)
	}

	verified, err := s.purchases.VerifyIdentity(ctx, pending.ID, telegramID)
	if err != nil {
		if errors.Is(err, ErrAlreadyVerified) {
			// Raced against another claim of the same username; treat the
			// sender like any other visitor.
			return s.classifyKnown(ctx, telegramID)
		}
		return OutcomeNoPurchase, nil, err
	}

	return OutcomeVerified, verified, nil
}

func (s *VerificationService) classifyKnown(ctx context.Context, telegramID int64) (StartOutcome, *model.Purchase, error) {
	count, err := s.purchaseRepo.CountVerifiedByUser(ctx, telegramID)
	if err != nil {
		return OutcomeNoPurchase, nil, fmt.Errorf("failed to count verified purchases: %w", err)
	}
	if count > 0 {
		return OutcomeReturningBuyer, nil, nil
	}
	return OutcomeNoPurchase, nil, nil
}

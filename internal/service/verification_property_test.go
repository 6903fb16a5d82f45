// Property-based tests for the identity verification rules, run against the
// in-memory decision logic without a database.
package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"video-shop-bot/internal/model"
)

// simulateVerify mirrors the decision VerifyIdentity makes for a purchase in
// a given verification state: proceed, no-op, or reject.
type verifyResult struct {
	BoundID *int64
	Status  string
	Err     error
}

func simulateVerify(status string, boundID *int64, telegramID int64) verifyResult {
	switch status {
	case model.VerificationPending:
		id := telegramID
		return verifyResult{BoundID: &id, Status: model.VerificationVerified}
	case model.VerificationVerified:
		if boundID != nil && *boundID == telegramID {
			return verifyResult{BoundID: boundID, Status: status}
		}
		return verifyResult{BoundID: boundID, Status: status, Err: ErrAlreadyVerified}
	default:
		return verifyResult{BoundID: boundID, Status: status, Err: ErrAlreadyVerified}
	}
}

func TestVerifyPendingBindsSender(t *testing.T) {
	res := simulateVerify(model.VerificationPending, nil, 42)
	assert.NoError(t, res.Err)
	assert.Equal(t, model.VerificationVerified, res.Status)
	assert.Equal(t, int64(42), *res.BoundID)
}

func TestVerifySameSenderIsNoop(t *testing.T) {
	bound := int64(42)
	res := simulateVerify(model.VerificationVerified, &bound, 42)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(42), *res.BoundID)
}

func TestVerifyDifferentSenderRejected(t *testing.T) {
	bound := int64(42)
	res := simulateVerify(model.VerificationVerified, &bound, 99)
	assert.ErrorIs(t, res.Err, ErrAlreadyVerified)
	// The original binding survives.
	assert.Equal(t, int64(42), *res.BoundID)
}

func TestVerifyInvalidRejected(t *testing.T) {
	res := simulateVerify(model.VerificationInvalid, nil, 42)
	assert.ErrorIs(t, res.Err, ErrAlreadyVerified)
}

// TestVerifyBindingStableProperty checks the core ownership invariant: once
// a purchase is bound to a Telegram ID, no sequence of verification attempts
// by any sender changes that binding.
func TestVerifyBindingStableProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		firstID := rapid.Int64Range(1, 1_000_000).Draw(t, "firstID")

		status := model.VerificationPending
		var bound *int64

		res := simulateVerify(status, bound, firstID)
		status, bound = res.Status, res.BoundID

		attempts := rapid.SliceOfN(rapid.Int64Range(1, 1_000_000), 1, 20).Draw(t, "attempts")
		for _, id := range attempts {
			res = simulateVerify(status, bound, id)
			status, bound = res.Status, res.BoundID

			if *bound != firstID {
				t.Fatalf("binding moved from %d to %d", firstID, *bound)
			}
			if id == firstID && res.Err != nil {
				t.Fatalf("re-verification by the owner must be a no-op, got %v", res.Err)
			}
			if id != firstID && res.Err == nil {
				t.Fatalf("verification by stranger %d was accepted", id)
			}
		}
	})
}

// simulateDispatch mirrors the retry accounting of DeliveryService.Dispatch:
// every unsuccessful send increments attempts once, a success terminates,
// and the gate refuses once the cap is reached.
type dispatchState struct {
	Status   string
	Attempts int
}

func simulateDispatch(s dispatchState, sendOK bool) (dispatchState, error) {
	if s.Status == model.DeliveryDelivered {
		return s, nil
	}
	if !model.CanRetryDelivery(s.Status, s.Attempts) {
		return s, ErrRetryExhausted
	}
	if !sendOK {
		s.Status = model.DeliveryFailed
		s.Attempts++
		return s, ErrDeliveryFailed
	}
	s.Status = model.DeliveryDelivered
	return s, nil
}

func TestDispatchAttemptAccounting(t *testing.T) {
	s := dispatchState{Status: model.DeliveryPending}

	s, err := simulateDispatch(s, false)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 1, s.Attempts)

	s, err = simulateDispatch(s, false)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	s, err = simulateDispatch(s, false)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, model.MaxDeliveryAttempts, s.Attempts)

	// Cap reached: no further sends, no further counting.
	s, err = simulateDispatch(s, true)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, model.MaxDeliveryAttempts, s.Attempts)
}

func TestDispatchSuccessIsTerminal(t *testing.T) {
	s := dispatchState{Status: model.DeliveryPending}

	s, err := simulateDispatch(s, true)
	assert.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, s.Status)

	// A repeated dispatch of a delivered purchase is a no-op.
	s, err = simulateDispatch(s, false)
	assert.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, s.Status)
	assert.Equal(t, 0, s.Attempts)
}

// TestDispatchAttemptCapProperty checks that under any interleaving of
// successful and failed sends, attempts never exceed the cap and each
// failure before the cap counts exactly once.
func TestDispatchAttemptCapProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		outcomes := rapid.SliceOfN(rapid.Bool(), 1, 30).Draw(t, "outcomes")

		s := dispatchState{Status: model.DeliveryPending}
		failures := 0

		for _, ok := range outcomes {
			prev := s
			next, err := simulateDispatch(s, ok)

			if next.Attempts > model.MaxDeliveryAttempts {
				t.Fatalf("attempts exceeded cap: %d", next.Attempts)
			}
			if err == ErrDeliveryFailed {
				failures++
				if next.Attempts != prev.Attempts+1 {
					t.Fatalf("failed dispatch must count exactly once")
				}
			} else if next.Attempts != prev.Attempts {
				t.Fatalf("non-failure changed the attempt count")
			}
			s = next
		}

		if failures > model.MaxDeliveryAttempts {
			t.Fatalf("more counted failures (%d) than the cap allows", failures)
		}
	})
}

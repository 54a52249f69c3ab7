package ledger

import (
	"strings"
)

// InvariantValidator checks inputs and custody invariants at the ledger boundary.
type InvariantValidator struct {
	maxAmount int64
}

// NewInvariantValidator returns a validator; maxAmount <= 0 disables the upper bound.
func NewInvariantValidator(maxAmount int64) *InvariantValidator {
	return &InvariantValidator{maxAmount: maxAmount}
}

// ValidateDeposit rejects malformed lock requests before any state is touched.
func (v *InvariantValidator) ValidateDeposit(playerID string, amount int64, depositRef, payoutAddress string) error {
	if strings.TrimSpace(playerID) == "" {
		return ErrInvalidInput.Detailf("player id is required")
	}
	if strings.TrimSpace(depositRef) == "" {
		return ErrInvalidInput.Detailf("deposit ref is required")
	}
	if strings.TrimSpace(payoutAddress) == "" {
		return ErrInvalidInput.Detailf("payout address is required")
	}
	if amount <= 0 {
		return ErrInvalidAmount.Detailf("amount must be positive, got %d", amount)
	}
	if v.maxAmount > 0 && amount > v.maxAmount {
		return ErrInvalidAmount.Detailf("amount %d exceeds limit %d", amount, v.maxAmount)
	}
	return nil
}

// ValidateMatchStakes requires at least two locks with equal amounts and
// distinct players.
func (v *InvariantValidator) ValidateMatchStakes(locks []*Lock) error {
	if err := v.ValidateMatchParticipants(locks); err != nil {
		return err
	}
	for _, l := range locks {
		if l.Amount != locks[0].Amount {
			return ErrAmountMismatch.Detailf("lock %s stakes %d, lock %s stakes %d",
				locks[0].ID, locks[0].Amount, l.ID, l.Amount)
		}
	}
	return nil
}

// ValidateMatchParticipants requires at least two locks held by distinct players.
func (v *InvariantValidator) ValidateMatchParticipants(locks []*Lock) error {
	if len(locks) < 2 {
		return ErrInvalidInput.Detailf("a match needs at least two locks, got %d", len(locks))
	}
	seen := make(map[string]struct{}, len(locks))
	for _, l := range locks {
		if _, dup := seen[l.PlayerID]; dup {
			return ErrInvalidInput.Detailf("player %s appears twice in match", l.PlayerID)
		}
		seen[l.PlayerID] = struct{}{}
	}
	return nil
}

// ValidateSplit verifies fee and payout conserve the pot exactly.
func (v *InvariantValidator) ValidateSplit(pot, fee, payout int64) error {
	if fee < 0 || payout < 0 || fee+payout != pot {
		return ErrConsistency.Detailf("split %d + %d does not conserve pot %d", fee, payout, pot)
	}
	return nil
}

// ValidateCustody verifies held funds never exceed the custodial wallet.
func (v *InvariantValidator) ValidateCustody(walletBalance, held int64) error {
	if held > walletBalance {
		return ErrConsistency.Detailf("held %d exceeds wallet balance %d", held, walletBalance)
	}
	return nil
}

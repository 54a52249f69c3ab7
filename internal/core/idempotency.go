package core

import (
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// Inbound message kinds checked for redelivery.
const (
	KindDepositConfirmed = "deposit_confirmed"
	KindMatchStarted     = "match_started"
	KindMatchCompleted   = "match_completed"
)

// CompletionKey is the dedup key of a match completion.
func CompletionKey(matchID, winnerID string) string {
	return matchID + "|" + winnerID
}

// ProcessedLookup answers whether a message's effect is already durable.
type ProcessedLookup interface {
	IsProcessed(ctx context.Context, kind, key string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication of inbound messages:
// an in-memory LRU of recently handled keys, then the ledger itself. The
// ledger operations are idempotent on their own, so this only saves work.
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	cache *lru.Cache

	// Tier 2: durable state
	lookup ProcessedLookup

	metrics *observability.Metrics
}

func NewIdempotencyChecker(capacity int, lookup ProcessedLookup, metrics *observability.Metrics) (*IdempotencyChecker, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	return &IdempotencyChecker{
		cache:   cache,
		lookup:  lookup,
		metrics: metrics,
	}, nil
}

// IsDuplicate checks if a message has been processed (two-tier lookup).
// Lookup errors report false: reprocessing is safe, dropping is not.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, kind, key string) bool {
	compositeKey := kind + ":" + key

	if ic.cache.Contains(compositeKey) {
		ic.metrics.Duplicate("lru")
		return true
	}

	if ic.lookup == nil {
		return false
	}
	done, err := ic.lookup.IsProcessed(ctx, kind, key)
	if err != nil || !done {
		return false
	}

	ic.metrics.Duplicate("store")
	ic.cache.Add(compositeKey, struct{}{})
	return true
}

// MarkProcessed adds key to the LRU after successful processing.
func (ic *IdempotencyChecker) MarkProcessed(kind, key string) {
	ic.cache.Add(kind+":"+key, struct{}{})
	ic.metrics.SetDedupSize(ic.cache.Len())
}

// Size returns current number of cached keys.
func (ic *IdempotencyChecker) Size() int {
	return ic.cache.Len()
}

// StoreLookup derives processed state from the ledger.
type StoreLookup struct {
	store ledger.Store
}

func NewStoreLookup(store ledger.Store) *StoreLookup {
	return &StoreLookup{store: store}
}

// IsProcessed: a deposit is processed once bound to a lock, a match start once
// every participant it names holds a lock bound to the match, a completion
// (key "match|winner") once its payout exists.
func (s *StoreLookup) IsProcessed(ctx context.Context, kind, key string) (bool, error) {
	switch kind {
	case KindDepositConfirmed:
		_, err := s.store.GetLockByDeposit(ctx, key)
		return found(err, ledger.ErrLockNotFound)
	case KindMatchStarted:
		return s.matchStarted(ctx, key)
	case KindMatchCompleted:
		matchID, winnerID, _ := strings.Cut(key, "|")
		p, err := s.store.GetPayoutByMatch(ctx, matchID)
		if ok, ferr := found(err, ledger.ErrPayoutNotFound); !ok || ferr != nil {
			return ok, ferr
		}
		// A different winner is not a duplicate; settle must see it and alarm.
		return p.WinnerID == winnerID, nil
	default:
		return false, fmt.Errorf("unknown message kind %q", kind)
	}
}

// matchStarted reports a start processed only when no named participant is
// missing from the match. A start that activated some locks and then failed
// must be redelivered to activate the rest.
func (s *StoreLookup) matchStarted(ctx context.Context, key string) (bool, error) {
	matchID, rest, _ := strings.Cut(key, "|")
	by, list, ok := strings.Cut(rest, ":")
	if !ok || list == "" {
		return false, nil
	}

	locks, err := s.store.ListLocksByMatch(ctx, matchID)
	if err != nil {
		return false, err
	}
	bound := make(map[string]struct{}, len(locks))
	for _, l := range locks {
		if l.Status == ledger.LockPending {
			continue
		}
		if by == "player" {
			bound[l.PlayerID] = struct{}{}
		} else {
			bound[l.ID] = struct{}{}
		}
	}
	for _, id := range strings.Split(list, ",") {
		if _, ok := bound[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func found(err error, notFound error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, notFound) {
		return false, nil
	}
	return false, err
}

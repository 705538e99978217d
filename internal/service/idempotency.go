package service

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
	"account-ledger/internal/lock"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

type AdmissionStatus int

const (
	// Admitted means the caller owns the key and must finalize or release it.
	Admitted AdmissionStatus = iota
	Replay
	InFlightConflict
	KeyReuse
)

func (s AdmissionStatus) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case Replay:
		return "replay"
	case InFlightConflict:
		return "in_flight_conflict"
	case KeyReuse:
		return "key_reuse"
	default:
		return "unknown"
	}
}

type Admission struct {
	Status AdmissionStatus
	// Owner fences the marker, set for Admitted only. A reclaimed marker
	// gets a new owner and the old one can no longer finalize or release.
	Owner string
	// Result is the recorded outcome, set for Replay only.
	Result *domain.TransactionResult
}

// maxAdmitAttempts bounds the insert/inspect loop when a record vanishes
// or is reclaimed by someone else between our two statements.
const maxAdmitAttempts = 3

// IdempotencyGuard deduplicates client requests by request key. Markers
// are durable, so a key stays claimed across processes; the in-process key
// lock only serializes the inspect-then-claim step.
type IdempotencyGuard struct {
	store     domain.Store
	locks     *lock.Keyed[string]
	retention time.Duration
	lease     time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewIdempotencyGuard(store domain.Store, retention, lease time.Duration, logger *slog.Logger) *IdempotencyGuard {
	return &IdempotencyGuard{
		store:     store,
		locks:     lock.NewKeyed[string](),
		retention: retention,
		lease:     lease,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Fingerprint identifies a request payload so a key reused with different
// content can be told apart from a genuine retry.
func Fingerprint(parts ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func (g *IdempotencyGuard) Admit(ctx context.Context, key, fingerprint string) (Admission, error) {
	release, err := g.locks.Acquire(ctx, key)
	if err != nil {
		return Admission{}, errors.ErrTimeout
	}
	defer release()

	repo := g.store.Idempotency()

	for attempt := 0; attempt < maxAdmitAttempts; attempt++ {
		now := g.now()
		marker := &domain.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			Owner:       uuid.NewString(),
			Status:      domain.IdempotencyStatusInFlight,
			LockedUntil: now.Add(g.lease),
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.retention),
		}

		inserted, err := repo.InsertInFlight(ctx, marker)
		if err != nil {
			return Admission{}, err
		}
		if inserted {
			g.logger.Debug("Request key admitted", "request_key", key)
			return Admission{Status: Admitted, Owner: marker.Owner}, nil
		}

		existing, err := repo.GetRecord(ctx, key)
		if err != nil {
			return Admission{}, err
		}
		if existing == nil {
			continue
		}

		if existing.Stale(now) || existing.Expired(now) {
			reclaimed, err := repo.Reclaim(ctx, marker, now)
			if err != nil {
				return Admission{}, err
			}
			if reclaimed {
				g.logger.Info("Reclaimed request key", "request_key", key, "previous_status", existing.Status)
				return Admission{Status: Admitted, Owner: marker.Owner}, nil
			}
			continue
		}

		return g.settled(existing, fingerprint), nil
	}

	g.logger.Warn("Request key kept changing during admission", "request_key", key)
	return Admission{Status: InFlightConflict}, nil
}

// Superseded tells a holder whose lease was reclaimed what became of its
// key: a replay once the new owner committed, otherwise a conflict.
func (g *IdempotencyGuard) Superseded(ctx context.Context, key, fingerprint string) (Admission, error) {
	existing, err := g.store.Idempotency().GetRecord(ctx, key)
	if err != nil {
		return Admission{}, err
	}
	if existing == nil {
		return Admission{Status: InFlightConflict}, nil
	}
	return g.settled(existing, fingerprint), nil
}

// settled classifies a record some other request holds or completed.
func (g *IdempotencyGuard) settled(existing *domain.IdempotencyRecord, fingerprint string) Admission {
	if existing.Fingerprint != fingerprint {
		g.logger.Warn("Request key reused with a different payload", "request_key", existing.Key)
		return Admission{Status: KeyReuse}
	}

	if existing.Status == domain.IdempotencyStatusInFlight {
		return Admission{Status: InFlightConflict}
	}

	result := existing.Result
	result.Replayed = true
	g.logger.Info("Replaying recorded result", "request_key", existing.Key, "outcome", result.Outcome)
	return Admission{Status: Replay, Result: &result}
}

// Finalize records result for key using tx, so the record commits or rolls
// back together with the ledger mutation. It fails with
// ErrIdempotencyLeaseLost once owner no longer holds the marker, which
// rolls the mutation back too.
func (g *IdempotencyGuard) Finalize(ctx context.Context, tx domain.Store, key, owner string, result domain.TransactionResult) error {
	return tx.Idempotency().Complete(ctx, key, owner, result, g.now().Add(g.retention))
}

// FinalizeRejection records a decided outcome outside any unit of work.
func (g *IdempotencyGuard) FinalizeRejection(ctx context.Context, key, owner string, result domain.TransactionResult) error {
	return g.Finalize(ctx, g.store, key, owner, result)
}

// Release drops the in-flight marker so the same key may be retried.
func (g *IdempotencyGuard) Release(ctx context.Context, key, owner string) {
	err := g.store.Idempotency().Release(ctx, key, owner)
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrIdempotencyLeaseLost):
		g.logger.Warn("Request key was reclaimed before release", "request_key", key)
	default:
		g.logger.Error("Failed to release request key", "request_key", key, "error", err)
	}
}

// Evict deletes records that left the retention window and markers whose
// lease ran out.
func (g *IdempotencyGuard) Evict(ctx context.Context) (int64, error) {
	return g.store.Idempotency().DeleteExpired(ctx, g.now())
}

// RunJanitor evicts on every tick until ctx is done.
func (g *IdempotencyGuard) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := g.Evict(ctx)
			if err != nil {
				g.logger.Error("Idempotency eviction failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Info("Evicted idempotency records", "count", n)
			}
		}
	}
}

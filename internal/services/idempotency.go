package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/store"
)

// IdemOutcome is the result of beginning an idempotent request.
type IdemOutcome int

const (
	// IdemAcquired means the caller owns the token and must Complete or Abort.
	IdemAcquired IdemOutcome = iota
	// IdemConflict means the token was used with a different request hash.
	IdemConflict
	// IdemProcessing means another request holds the token.
	IdemProcessing
	// IdemReplay means the token completed earlier; Response is set.
	IdemReplay
)

func (o IdemOutcome) String() string {
	switch o {
	case IdemAcquired:
		return "acquired"
	case IdemConflict:
		return "conflict"
	case IdemProcessing:
		return "processing"
	case IdemReplay:
		return "replay"
	}
	return "unknown"
}

// IdemResult is returned by Idempotency.Begin.
type IdemResult struct {
	Outcome  IdemOutcome
	Response *domain.IdempotencyResponse
}

// Idempotency coordinates prepaid idempotency tokens. An empty token turns
// every operation into a no-op so requests without a key run once.
type Idempotency struct {
	Store store.IdempotencyStore
}

// Begin acquires token for (accountID, requestHash) with set-if-absent
// semantics. A record that exists but cannot be read is reported as
// processing.
func (s *Idempotency) Begin(ctx context.Context, accountID, token, requestHash string) (IdemResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return IdemResult{Outcome: IdemAcquired}, nil
	}
	ok, err := s.Store.CreateIdempotency(ctx, accountID, token, domain.IdempotencyRecord{
		RequestHash: requestHash,
		Status:      domain.IdempotencyProcessing,
	})
	if err != nil {
		return IdemResult{}, fmt.Errorf("acquire idempotency: %w", err)
	}
	if ok {
		return IdemResult{Outcome: IdemAcquired}, nil
	}

	rec, err := s.Store.GetIdempotency(ctx, accountID, token)
	if err != nil {
		return IdemResult{}, fmt.Errorf("read idempotency: %w", err)
	}
	switch {
	case rec == nil:
		return IdemResult{Outcome: IdemProcessing}, nil
	case rec.RequestHash != requestHash:
		return IdemResult{Outcome: IdemConflict}, nil
	case rec.Status == domain.IdempotencyCompleted && rec.Response != nil:
		return IdemResult{Outcome: IdemReplay, Response: rec.Response}, nil
	default:
		return IdemResult{Outcome: IdemProcessing}, nil
	}
}

// Complete stores the replay payload for token.
func (s *Idempotency) Complete(ctx context.Context, accountID, token, requestHash string, resp domain.IdempotencyResponse) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	err := s.Store.PutIdempotency(ctx, accountID, token, domain.IdempotencyRecord{
		RequestHash: requestHash,
		Response:    &resp,
		Status:      domain.IdempotencyCompleted,
	})
	if err != nil {
		return fmt.Errorf("complete idempotency: %w", err)
	}
	return nil
}

// Abort releases token so the request can be retried.
func (s *Idempotency) Abort(ctx context.Context, accountID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if err := s.Store.DeleteIdempotency(ctx, accountID, token); err != nil {
		return fmt.Errorf("abort idempotency: %w", err)
	}
	return nil
}

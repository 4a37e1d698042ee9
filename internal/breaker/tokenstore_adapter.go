package breaker

import (
	"context"
	"fmt"

	"github.com/sdpbridge/mcp-broker/internal/tokenstore"
)

// TokenStorePersister adapts internal/tokenstore.Store to Persister, storing
// each breaker's state inside the tenant's credential Record. A tenant with
// no record yet (pre-onboarding) starts every breaker CLOSED.
type TokenStorePersister struct {
	Store tokenstore.Store
}

func toSnapshot(s tokenstore.BreakerState) Snapshot {
	return Snapshot{
		State:              State(s.State),
		ConsecutiveFails:   s.ConsecutiveFails,
		ConsecutiveSuccess: s.ConsecutiveSuccess,
		OpenedAt:           s.OpenedAt,
	}
}

func fromSnapshot(s Snapshot) tokenstore.BreakerState {
	return tokenstore.BreakerState{
		State:              string(s.State),
		ConsecutiveFails:   s.ConsecutiveFails,
		ConsecutiveSuccess: s.ConsecutiveSuccess,
		OpenedAt:           s.OpenedAt,
	}
}

func (p *TokenStorePersister) LoadBreaker(ctx context.Context, tenantID string, target Target) (Snapshot, error) {
	rec, err := p.Store.Get(ctx, tenantID)
	if err != nil {
		if err == tokenstore.ErrNotFound {
			return Snapshot{State: StateClosed}, nil
		}
		return Snapshot{}, err
	}
	switch target {
	case TargetIdentity:
		return toSnapshot(rec.IdentityBreaker), nil
	case TargetAPI:
		return toSnapshot(rec.APIBreaker), nil
	default:
		return Snapshot{}, fmt.Errorf("breaker: unknown target %q", target)
	}
}

func (p *TokenStorePersister) SaveBreaker(ctx context.Context, tenantID string, target Target, snap Snapshot) error {
	rec, err := p.Store.Get(ctx, tenantID)
	if err != nil {
		if err != tokenstore.ErrNotFound {
			return err
		}
		rec = &tokenstore.Record{TenantID: tenantID}
	}
	switch target {
	case TargetIdentity:
		rec.IdentityBreaker = fromSnapshot(snap)
	case TargetAPI:
		rec.APIBreaker = fromSnapshot(snap)
	default:
		return fmt.Errorf("breaker: unknown target %q", target)
	}
	return p.Store.Upsert(ctx, rec)
}

package tokenmanager

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/mcp-broker/internal/tokenstore"
)

// RunProactiveRefreshLoop implements the §4.6 "optional but recommended"
// background scan: it periodically lists active credential records and
// calls GetAccessToken for any whose cached token expires within
// safetyMargin+jitter, so a surge of concurrent tool calls rarely finds a
// cold token. The tick interval itself is jittered with
// backoff.NewExponentialBackOff's randomization so a fleet of broker
// processes does not all scan in lockstep.
func (m *Manager) RunProactiveRefreshLoop(ctx context.Context, interval time.Duration) {
	tick := newJitteredTicker(interval)
	defer tick.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.c:
			m.scanAndRefresh(ctx)
			tick.reset()
		}
	}
}

func (m *Manager) scanAndRefresh(ctx context.Context) {
	records, err := m.store.ListActive(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("tokenmanager: proactive scan failed to list records")
		return
	}

	jitter := time.Duration(rand.Int63n(int64(m.safetyMargin)))
	horizon := m.safetyMargin + jitter

	for _, rec := range records {
		if shouldProactivelyRefresh(rec, horizon) {
			if _, err := m.GetAccessToken(ctx, rec.TenantID); err != nil {
				log.Warn().Err(err).Str("tenant_id", rec.TenantID).Msg("tokenmanager: proactive refresh attempt failed")
			}
		}
	}
}

func shouldProactivelyRefresh(rec *tokenstore.Record, horizon time.Duration) bool {
	if rec.NeedsReauth || !rec.HasRefreshToken() {
		return false
	}
	return time.Now().Add(horizon).After(rec.AccessTokenExpiresAt)
}

// jitteredTicker fires at `interval` +/- the exponential backoff package's
// randomization factor, reusing backoff.NewExponentialBackOff purely as a
// jittered-interval generator rather than for its retry semantics.
type jitteredTicker struct {
	c      chan time.Time
	stopCh chan struct{}
	base   *backoff.ExponentialBackOff
}

func newJitteredTicker(interval time.Duration) *jitteredTicker {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.RandomizationFactor = 0.2
	b.Multiplier = 1 // fixed-interval, only jitter varies per tick
	b.MaxInterval = interval
	b.MaxElapsedTime = 0
	b.Reset() // NewExponentialBackOff already reset to its default interval

	jt := &jitteredTicker{c: make(chan time.Time, 1), stopCh: make(chan struct{}), base: b}
	go jt.run()
	return jt
}

func (jt *jitteredTicker) run() {
	for {
		d := jt.base.NextBackOff()
		select {
		case <-time.After(d):
			select {
			case jt.c <- time.Now():
			default:
			}
		case <-jt.stopCh:
			return
		}
	}
}

func (jt *jitteredTicker) reset() {}

func (jt *jitteredTicker) stop() {
	close(jt.stopCh)
}

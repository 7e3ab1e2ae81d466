package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPriceFeed caches the latest oracle round published on a NATS subject.
// The external oracle pushes rounds; LatestRound serves the cached value and
// rejects it once it ages past maxAge, so a dead publisher surfaces as
// ErrUnavailable instead of a frozen price.
type NATSPriceFeed struct {
	subject string
	maxAge  time.Duration
	sub     *nats.Subscription
	log     zerolog.Logger

	mu         sync.RWMutex
	round      Round
	receivedAt time.Time
	hasRound   bool
}

// NewNATSPriceFeed subscribes to subject and starts caching rounds.
// maxAge <= 0 disables the staleness check.
func NewNATSPriceFeed(nc *nats.Conn, subject string, maxAge time.Duration, log zerolog.Logger) (*NATSPriceFeed, error) {
	f := &NATSPriceFeed{
		subject: subject,
		maxAge:  maxAge,
		log:     log,
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		f.apply(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	f.sub = sub

	return f, nil
}

func (f *NATSPriceFeed) apply(data []byte) {
	var round Round
	if err := json.Unmarshal(data, &round); err != nil {
		f.log.Warn().Str("subject", f.subject).Err(err).Msg("unparseable oracle round")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Out-of-order rounds are dropped; gaps are tolerated.
	if f.hasRound && round.RoundID < f.round.RoundID {
		f.log.Warn().
			Str("subject", f.subject).
			Int64("round_id", round.RoundID).
			Int64("cached_round_id", f.round.RoundID).
			Msg("dropping out-of-order oracle round")
		return
	}

	f.round = round
	f.receivedAt = time.Now()
	f.hasRound = true
}

func (f *NATSPriceFeed) LatestRound(ctx context.Context) (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.hasRound {
		return Round{}, fmt.Errorf("no round received on %s", f.subject)
	}
	if f.maxAge > 0 {
		if age := time.Since(f.receivedAt); age > f.maxAge {
			return Round{}, fmt.Errorf("round on %s is stale: age %s exceeds %s", f.subject, age, f.maxAge)
		}
	}
	return f.round, nil
}

func (f *NATSPriceFeed) Description() string {
	return "nats:" + f.subject
}

// Close stops the subscription. The cached round remains readable until it
// goes stale.
func (f *NATSPriceFeed) Close() error {
	return f.sub.Unsubscribe()
}

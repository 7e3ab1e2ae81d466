package vault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VaultLedger/internal/event"
	"VaultLedger/internal/fixedpoint"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/oracle"
	"VaultLedger/internal/transfer"
)

// Config carries the immutable risk parameters, both in normalized units.
type Config struct {
	// LimitPerTx bounds the normalized value of a single withdrawal.
	LimitPerTx uint64

	// BankCap bounds the aggregate custodied value across all users.
	BankCap uint64
}

// Vault is the custodial ledger. All balances are held in the 6-decimal
// normalized unit; raw custody totals are tracked per asset so the aggregate
// value can be revalued at the current oracle price.
//
// Locking: opMu serializes every mutating operation over its full span,
// checks through interaction and rollback, so no other mutation can observe
// or spend an effect whose interaction has not completed yet. mu guards the
// state itself and is what the read-only queries take. interacting marks the
// window where an outbound call is executing; a mutating call entered inside
// that window is a reentrant callback and is rejected up front, since letting
// it wait on opMu would deadlock its own caller.
type Vault struct {
	opMu sync.Mutex
	mu   sync.Mutex

	interacting atomic.Bool

	balances  map[BalanceKey]uint64
	nativeRaw uint64 // raw 18-decimal native custody
	tokenRaw  uint64 // raw 6-decimal token custody

	totalDeposits    uint64
	totalWithdrawals uint64

	limitPerTx uint64
	bankCap    uint64

	feed   oracle.PriceFeed
	token  transfer.TokenService
	native transfer.NativeSender

	notify  chan<- event.Event
	metrics *observability.Metrics
	log     zerolog.Logger
}

// NewVault constructs the ledger. feed, token, and native must be non-nil;
// notify and metrics may be nil to disable notifications and instrumentation.
func NewVault(
	cfg Config,
	feed oracle.PriceFeed,
	token transfer.TokenService,
	native transfer.NativeSender,
	notify chan<- event.Event,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*Vault, error) {
	if feed == nil || token == nil || native == nil {
		return nil, ErrInvalidContract
	}
	if cfg.LimitPerTx == 0 {
		return nil, fmt.Errorf("per-tx limit must be positive")
	}
	if cfg.BankCap == 0 {
		return nil, fmt.Errorf("bank cap must be positive")
	}

	return &Vault{
		balances:   make(map[BalanceKey]uint64),
		limitPerTx: cfg.LimitPerTx,
		bankCap:    cfg.BankCap,
		feed:       feed,
		token:      token,
		native:     native,
		notify:     notify,
		metrics:    metrics,
		log:        log,
	}, nil
}

// LimitPerTx returns the per-withdrawal limit in normalized units.
func (v *Vault) LimitPerTx() uint64 { return v.limitPerTx }

// BankCap returns the aggregate value cap in normalized units.
func (v *Vault) BankCap() uint64 { return v.bankCap }

// beginOp rejects reentrant callbacks, then serializes with other mutating
// operations. The interacting check is advisory: a goroutine that reads it
// just before the flag flips simply parks on opMu and runs after the holder
// finishes, which is the serialization we want. A callback from inside an
// interaction always observes the flag set.
func (v *Vault) beginOp() error {
	if v.interacting.Load() {
		return ErrReentrancy
	}
	v.opMu.Lock()
	return nil
}

func (v *Vault) endOp() {
	v.opMu.Unlock()
}

// interact runs an outbound call with the reentrancy window marked. The flag
// is cleared on every exit path.
func (v *Vault) interact(call func() error) error {
	v.interacting.Store(true)
	defer v.interacting.Store(false)
	return call()
}

// currentFeed reads the feed reference under the lock.
func (v *Vault) currentFeed() oracle.PriceFeed {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.feed
}

// bankValueLocked computes the aggregate custodied value at the given price.
// Callers must hold mu.
func (v *Vault) bankValueLocked(price int64) (uint64, error) {
	nativeValue := uint64(0)
	if v.nativeRaw > 0 {
		var err error
		nativeValue, err = fixedpoint.Normalize(
			v.nativeRaw,
			fixedpoint.NativeConfig.Decimals,
			price,
			fixedpoint.OracleConfig.Decimals,
			fixedpoint.USDConfig.Decimals,
		)
		if err != nil {
			return 0, fmt.Errorf("revalue native custody: %w", err)
		}
	}
	if v.tokenRaw > math.MaxUint64-nativeValue {
		return 0, fixedpoint.ErrOutOfRange
	}
	return nativeValue + v.tokenRaw, nil
}

// DepositNative credits the caller with the normalized value of raw native
// units at the current oracle price. Returns the normalized amount credited.
func (v *Vault) DepositNative(ctx context.Context, user uuid.UUID, raw uint64) (uint64, error) {
	start := time.Now()
	normalized, err := v.depositNative(ctx, user, raw)
	v.observe("deposit_native", start, err)
	return normalized, err
}

func (v *Vault) depositNative(ctx context.Context, user uuid.UUID, raw uint64) (uint64, error) {
	if err := v.beginOp(); err != nil {
		return 0, err
	}
	defer v.endOp()

	if raw == 0 {
		return 0, ErrInvalidAmount
	}

	price, err := oracle.LatestPrice(ctx, v.currentFeed())
	if err != nil {
		return 0, err
	}

	normalized, err := fixedpoint.Normalize(
		raw,
		fixedpoint.NativeConfig.Decimals,
		price,
		fixedpoint.OracleConfig.Decimals,
		fixedpoint.USDConfig.Decimals,
	)
	if err != nil {
		return 0, err
	}
	if normalized == 0 {
		// Rounded down to nothing; crediting zero would strand the funds.
		return 0, ErrInvalidAmount
	}

	v.mu.Lock()
	if raw > math.MaxUint64-v.nativeRaw {
		v.mu.Unlock()
		return 0, fixedpoint.ErrOutOfRange
	}
	if err := v.checkCapLocked(price, normalized); err != nil {
		v.mu.Unlock()
		return 0, err
	}

	key := BalanceKey{User: user, Asset: AssetNative}
	v.balances[key] += normalized
	v.nativeRaw += raw
	v.totalDeposits++
	bank, bankErr := v.bankValueLocked(price)
	v.mu.Unlock()

	v.afterSuccess(AssetNative, bank, bankErr == nil, true)
	v.emit(&event.DepositPerformed{
		EventID:          uuid.New(),
		User:             user,
		Asset:            AssetNative.String(),
		RawAmount:        raw,
		NormalizedAmount: normalized,
		AmountUSD:        fixedpoint.FormatUSD(normalized),
		Timestamp:        time.Now().UTC(),
	})
	v.log.Info().
		Str("user", user.String()).
		Uint64("raw", raw).
		Str("amount_usd", fixedpoint.FormatUSD(normalized)).
		Msg("native deposit")

	return normalized, nil
}

// DepositToken credits the caller with amount token units (already in the
// normalized precision) and pulls them from the external token service. The
// credit is rolled back if the pull fails; no other mutation can run between
// credit and rollback.
func (v *Vault) DepositToken(ctx context.Context, user uuid.UUID, amount uint64) error {
	start := time.Now()
	err := v.depositToken(ctx, user, amount)
	v.observe("deposit_token", start, err)
	return err
}

func (v *Vault) depositToken(ctx context.Context, user uuid.UUID, amount uint64) error {
	if err := v.beginOp(); err != nil {
		return err
	}
	defer v.endOp()

	if amount == 0 {
		return ErrInvalidAmount
	}

	// The cap check revalues native custody, so token deposits need the
	// oracle too.
	price, err := oracle.LatestPrice(ctx, v.currentFeed())
	if err != nil {
		return err
	}

	key := BalanceKey{User: user, Asset: AssetToken}

	v.mu.Lock()
	if amount > math.MaxUint64-v.tokenRaw {
		v.mu.Unlock()
		return fixedpoint.ErrOutOfRange
	}
	if err := v.checkCapLocked(price, amount); err != nil {
		v.mu.Unlock()
		return err
	}

	v.balances[key] += amount
	v.tokenRaw += amount
	v.totalDeposits++
	bank, bankErr := v.bankValueLocked(price)
	v.mu.Unlock()

	pullErr := v.interact(func() error {
		return v.token.TransferFrom(ctx, user, amount)
	})
	if pullErr != nil {
		v.mu.Lock()
		v.balances[key] -= amount
		if v.balances[key] == 0 {
			delete(v.balances, key)
		}
		v.tokenRaw -= amount
		v.totalDeposits--
		v.mu.Unlock()

		var callErr *transfer.CallError
		var data []byte
		if errors.As(pullErr, &callErr) {
			data = callErr.Data
		}
		return &TransactionFailedError{Op: "token_deposit", Data: data, Err: pullErr}
	}

	v.afterSuccess(AssetToken, bank, bankErr == nil, true)
	v.emit(&event.DepositPerformed{
		EventID:          uuid.New(),
		User:             user,
		Asset:            AssetToken.String(),
		RawAmount:        amount,
		NormalizedAmount: amount,
		AmountUSD:        fixedpoint.FormatUSD(amount),
		Timestamp:        time.Now().UTC(),
	})
	v.log.Info().
		Str("user", user.String()).
		Str("amount_usd", fixedpoint.FormatUSD(amount)).
		Msg("token deposit")

	return nil
}

// checkCapLocked rejects a deposit whose normalized value would push the
// aggregate custodied value past the cap. Callers must hold mu.
func (v *Vault) checkCapLocked(price int64, normalized uint64) error {
	bank, err := v.bankValueLocked(price)
	if err != nil {
		return err
	}
	if normalized > math.MaxUint64-bank {
		return &BankCapError{Requested: normalized, Prospective: math.MaxUint64, Cap: v.bankCap}
	}
	prospective := bank + normalized
	if prospective > v.bankCap {
		return &BankCapError{Requested: normalized, Prospective: prospective, Cap: v.bankCap}
	}
	return nil
}

// WithdrawNative debits the normalized value of raw native units at the
// current price and sends the raw units to the caller. Returns the normalized
// amount debited.
func (v *Vault) WithdrawNative(ctx context.Context, user uuid.UUID, raw uint64) (uint64, error) {
	start := time.Now()
	normalized, err := v.withdrawNative(ctx, user, raw)
	v.observe("withdraw_native", start, err)
	return normalized, err
}

func (v *Vault) withdrawNative(ctx context.Context, user uuid.UUID, raw uint64) (uint64, error) {
	if err := v.beginOp(); err != nil {
		return 0, err
	}
	defer v.endOp()

	if raw == 0 {
		return 0, ErrInvalidAmount
	}

	price, err := oracle.LatestPrice(ctx, v.currentFeed())
	if err != nil {
		return 0, err
	}

	normalized, err := fixedpoint.Normalize(
		raw,
		fixedpoint.NativeConfig.Decimals,
		price,
		fixedpoint.OracleConfig.Decimals,
		fixedpoint.USDConfig.Decimals,
	)
	if err != nil {
		return 0, err
	}
	if normalized == 0 {
		return 0, ErrInvalidAmount
	}

	key := BalanceKey{User: user, Asset: AssetNative}

	v.mu.Lock()
	if normalized > v.limitPerTx {
		v.mu.Unlock()
		return 0, &PerTxLimitError{Requested: normalized, Limit: v.limitPerTx}
	}
	if bal := v.balances[key]; bal < normalized {
		v.mu.Unlock()
		return 0, &InsufficientBalanceError{Balance: bal, Requested: normalized}
	}
	if raw > v.nativeRaw {
		v.mu.Unlock()
		return 0, &TransactionFailedError{
			Op:  "send_native",
			Err: fmt.Errorf("requested %d raw units exceeds custody %d", raw, v.nativeRaw),
		}
	}

	v.balances[key] -= normalized
	if v.balances[key] == 0 {
		delete(v.balances, key)
	}
	v.nativeRaw -= raw
	v.totalWithdrawals++
	bank, bankErr := v.bankValueLocked(price)
	v.mu.Unlock()

	var data []byte
	sendErr := v.interact(func() error {
		var err error
		data, err = v.native.Send(ctx, user, raw)
		return err
	})
	if sendErr != nil {
		v.mu.Lock()
		v.balances[key] += normalized
		v.nativeRaw += raw
		v.totalWithdrawals--
		v.mu.Unlock()
		return 0, &TransactionFailedError{Op: "send_native", Data: data, Err: sendErr}
	}

	v.afterSuccess(AssetNative, bank, bankErr == nil, false)
	v.emit(&event.WithdrawalPerformed{
		EventID:   uuid.New(),
		User:      user,
		Asset:     AssetNative.String(),
		RawAmount: raw,
		Timestamp: time.Now().UTC(),
	})
	v.log.Info().
		Str("user", user.String()).
		Uint64("raw", raw).
		Str("amount_usd", fixedpoint.FormatUSD(normalized)).
		Msg("native withdrawal")

	return normalized, nil
}

// WithdrawToken debits amount token units and transfers them to the caller.
func (v *Vault) WithdrawToken(ctx context.Context, user uuid.UUID, amount uint64) error {
	start := time.Now()
	err := v.withdrawToken(ctx, user, amount)
	v.observe("withdraw_token", start, err)
	return err
}

func (v *Vault) withdrawToken(ctx context.Context, user uuid.UUID, amount uint64) error {
	if err := v.beginOp(); err != nil {
		return err
	}
	defer v.endOp()

	if amount == 0 {
		return ErrInvalidAmount
	}

	key := BalanceKey{User: user, Asset: AssetToken}

	v.mu.Lock()
	if amount > v.limitPerTx {
		v.mu.Unlock()
		return &PerTxLimitError{Requested: amount, Limit: v.limitPerTx}
	}
	if bal := v.balances[key]; bal < amount {
		v.mu.Unlock()
		return &InsufficientBalanceError{Balance: bal, Requested: amount}
	}

	v.balances[key] -= amount
	if v.balances[key] == 0 {
		delete(v.balances, key)
	}
	v.tokenRaw -= amount
	v.totalWithdrawals++
	v.mu.Unlock()

	pushErr := v.interact(func() error {
		return v.token.Transfer(ctx, user, amount)
	})
	if pushErr != nil {
		v.mu.Lock()
		v.balances[key] += amount
		v.tokenRaw += amount
		v.totalWithdrawals--
		v.mu.Unlock()

		var callErr *transfer.CallError
		var data []byte
		if errors.As(pushErr, &callErr) {
			data = callErr.Data
		}
		return &TransactionFailedError{Op: "token_withdrawal", Data: data, Err: pushErr}
	}

	v.afterSuccess(AssetToken, 0, false, false)
	v.emit(&event.WithdrawalPerformed{
		EventID:   uuid.New(),
		User:      user,
		Asset:     AssetToken.String(),
		RawAmount: amount,
		Timestamp: time.Now().UTC(),
	})
	v.log.Info().
		Str("user", user.String()).
		Str("amount_usd", fixedpoint.FormatUSD(amount)).
		Msg("token withdrawal")

	return nil
}

// Balance returns the caller's normalized balance in one asset.
func (v *Vault) Balance(user uuid.UUID, asset Asset) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[BalanceKey{User: user, Asset: asset}]
}

// TotalBalance returns the caller's combined normalized balance. Both assets
// are held in the same unit, so the sum is meaningful.
func (v *Vault) TotalBalance(user uuid.UUID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[BalanceKey{User: user, Asset: AssetNative}] +
		v.balances[BalanceKey{User: user, Asset: AssetToken}]
}

// BankValue revalues the aggregate custodied value at the current price.
func (v *Vault) BankValue(ctx context.Context) (uint64, error) {
	price, err := oracle.LatestPrice(ctx, v.currentFeed())
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bankValueLocked(price)
}

// Totals returns the monotonic deposit and withdrawal counters.
func (v *Vault) Totals() (deposits, withdrawals uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalDeposits, v.totalWithdrawals
}

// Custody returns the raw per-asset custody totals.
func (v *Vault) Custody() (nativeRaw, tokenRaw uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nativeRaw, v.tokenRaw
}

// PriceSource returns the active feed's description.
func (v *Vault) PriceSource() string {
	return v.currentFeed().Description()
}

// SetPriceSource swaps the oracle reference. In-flight operations keep the
// feed they already resolved; subsequent operations use the new one.
func (v *Vault) SetPriceSource(feed oracle.PriceFeed) error {
	if feed == nil {
		return ErrInvalidContract
	}

	v.mu.Lock()
	v.feed = feed
	v.mu.Unlock()

	if v.metrics != nil {
		v.metrics.PriceSourceSwaps.Inc()
	}
	v.emit(&event.PriceSourceChanged{
		EventID:   uuid.New(),
		Feed:      feed.Description(),
		Timestamp: time.Now().UTC(),
	})
	v.log.Info().Str("feed", feed.Description()).Msg("price source changed")

	return nil
}

// emit hands a notification to the publisher without blocking the ledger.
func (v *Vault) emit(ev event.Event) {
	if v.notify == nil {
		return
	}
	select {
	case v.notify <- ev:
	default:
		if v.metrics != nil {
			v.metrics.NotifyDropped.Inc()
		}
		v.log.Warn().Str("event", ev.EventType().String()).Msg("notification dropped, channel full")
	}
}

// afterSuccess records counters for a committed operation. bankKnown is false
// when the aggregate could not be revalued; the gauge then keeps its last
// good value instead of misreporting.
func (v *Vault) afterSuccess(asset Asset, bank uint64, bankKnown bool, deposit bool) {
	if v.metrics == nil {
		return
	}
	if deposit {
		v.metrics.DepositsTotal.WithLabelValues(asset.String()).Inc()
	} else {
		v.metrics.WithdrawalsTotal.WithLabelValues(asset.String()).Inc()
	}
	if bankKnown {
		v.metrics.BankValueUSD.Set(float64(bank))
	}
	deposits, withdrawals := v.Totals()
	v.metrics.TotalDeposits.Set(float64(deposits))
	v.metrics.TotalWithdraws.Set(float64(withdrawals))
}

func (v *Vault) observe(op string, start time.Time, err error) {
	if v.metrics == nil {
		return
	}
	v.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		v.metrics.OpErrors.WithLabelValues(op, Reason(err)).Inc()
	}
}

// Reason maps an operation error to a stable label for metrics and the API.
func Reason(err error) string {
	var perTx *PerTxLimitError
	var insufficient *InsufficientBalanceError
	var capErr *BankCapError
	var failed *TransactionFailedError

	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrReentrancy):
		return "reentrancy"
	case errors.Is(err, ErrInvalidContract):
		return "invalid_contract"
	case errors.Is(err, oracle.ErrUnavailable):
		return "oracle_unavailable"
	case errors.As(err, &perTx):
		return "per_tx_limit"
	case errors.As(err, &insufficient):
		return "insufficient_balance"
	case errors.As(err, &capErr):
		return "bank_cap"
	case errors.As(err, &failed):
		return "transaction_failed"
	case errors.Is(err, fixedpoint.ErrOutOfRange), errors.Is(err, fixedpoint.ErrPrecision):
		return "out_of_range"
	default:
		return "internal"
	}
}

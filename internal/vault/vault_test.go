package vault_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"VaultLedger/internal/event"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/oracle"
	"VaultLedger/internal/transfer"
	"VaultLedger/internal/vault"
)

// --- Test helpers ---

// testPrice is $4117.8817 in 8-decimal oracle precision. One whole native
// unit (1e18 raw) normalizes to 4_117_881_700 at this price.
const testPrice = int64(411788170000)

const oneNative = uint64(1_000_000_000_000_000_000)

var testConfig = vault.Config{
	LimitPerTx: 5_000_000_000,   // $5,000
	BankCap:    100_000_000_000, // $100,000
}

type stubToken struct {
	mu       sync.Mutex
	failPull bool
	failPush bool
	diag     []byte
	onPull   func(ctx context.Context, from uuid.UUID, amount uint64)
	pulls    []uint64
	pushes   []uint64
}

func (s *stubToken) TransferFrom(ctx context.Context, from uuid.UUID, amount uint64) error {
	if s.onPull != nil {
		s.onPull(ctx, from, amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPull {
		return &transfer.CallError{Op: "transfer_from", Detail: "insufficient allowance", Data: s.diag}
	}
	s.pulls = append(s.pulls, amount)
	return nil
}

func (s *stubToken) Transfer(ctx context.Context, to uuid.UUID, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPush {
		return &transfer.CallError{Op: "transfer", Detail: "paused", Data: s.diag}
	}
	s.pushes = append(s.pushes, amount)
	return nil
}

func (s *stubToken) BalanceOf(ctx context.Context, holder uuid.UUID) (uint64, error) {
	return 0, nil
}

type stubSender struct {
	fail   bool
	diag   []byte
	onSend func(ctx context.Context, to uuid.UUID, amount uint64)
	sent   []uint64
}

func (s *stubSender) Send(ctx context.Context, to uuid.UUID, amount uint64) ([]byte, error) {
	if s.onSend != nil {
		s.onSend(ctx, to, amount)
	}
	if s.fail {
		return s.diag, errors.New("call reverted")
	}
	s.sent = append(s.sent, amount)
	return s.diag, nil
}

type downFeed struct{}

func (downFeed) LatestRound(ctx context.Context) (oracle.Round, error) {
	return oracle.Round{}, errors.New("request timeout")
}

func (downFeed) Description() string { return "down" }

func newTestVault(t *testing.T, feed oracle.PriceFeed) (*vault.Vault, *stubToken, *stubSender, chan event.Event) {
	t.Helper()
	tok := &stubToken{}
	snd := &stubSender{}
	notify := make(chan event.Event, 16)
	v, err := vault.NewVault(testConfig, feed, tok, snd, notify, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	return v, tok, snd, notify
}

func recvEvent(t *testing.T, ch chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("expected a notification, channel empty")
		return nil
	}
}

// --- Construction ---

func TestNewVault_NilReferences(t *testing.T) {
	feed := &oracle.FixedFeed{Price: testPrice}
	tok := &stubToken{}
	snd := &stubSender{}
	log := zerolog.Nop()

	if _, err := vault.NewVault(testConfig, nil, tok, snd, nil, nil, log); !errors.Is(err, vault.ErrInvalidContract) {
		t.Errorf("nil feed: got %v", err)
	}
	if _, err := vault.NewVault(testConfig, feed, nil, snd, nil, nil, log); !errors.Is(err, vault.ErrInvalidContract) {
		t.Errorf("nil token: got %v", err)
	}
	if _, err := vault.NewVault(testConfig, feed, tok, nil, nil, nil, log); !errors.Is(err, vault.ErrInvalidContract) {
		t.Errorf("nil sender: got %v", err)
	}
	if _, err := vault.NewVault(vault.Config{BankCap: 1}, feed, tok, snd, nil, nil, log); err == nil {
		t.Error("zero per-tx limit accepted")
	}
	if _, err := vault.NewVault(vault.Config{LimitPerTx: 1}, feed, tok, snd, nil, nil, log); err == nil {
		t.Error("zero bank cap accepted")
	}
}

// --- Deposits ---

func TestDepositNative_CreditsNormalizedValue(t *testing.T) {
	v, _, _, notify := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	got, err := v.DepositNative(context.Background(), user, oneNative)
	if err != nil {
		t.Fatalf("DepositNative failed: %v", err)
	}
	if got != 4_117_881_700 {
		t.Errorf("normalized: got %d, want 4117881700", got)
	}
	if bal := v.Balance(user, vault.AssetNative); bal != 4_117_881_700 {
		t.Errorf("balance: got %d", bal)
	}

	nativeRaw, tokenRaw := v.Custody()
	if nativeRaw != oneNative || tokenRaw != 0 {
		t.Errorf("custody: got (%d, %d)", nativeRaw, tokenRaw)
	}

	ev := recvEvent(t, notify)
	dep, ok := ev.(*event.DepositPerformed)
	if !ok {
		t.Fatalf("event: got %T", ev)
	}
	if dep.User != user || dep.Asset != "NATIVE" || dep.RawAmount != oneNative {
		t.Errorf("event fields: %+v", dep)
	}
	if dep.NormalizedAmount != 4_117_881_700 {
		t.Errorf("event normalized: got %d", dep.NormalizedAmount)
	}
	if dep.AmountUSD != "4117.881700" {
		t.Errorf("event amount_usd: got %q", dep.AmountUSD)
	}
}

func TestDepositToken_IdentityPrecision(t *testing.T) {
	v, tok, _, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if err := v.DepositToken(context.Background(), user, 1_000_000); err != nil {
		t.Fatalf("DepositToken failed: %v", err)
	}
	if bal := v.Balance(user, vault.AssetToken); bal != 1_000_000 {
		t.Errorf("balance: got %d, want 1000000", bal)
	}
	if len(tok.pulls) != 1 || tok.pulls[0] != 1_000_000 {
		t.Errorf("pulls: got %v", tok.pulls)
	}
}

func TestDeposit_ZeroAmount(t *testing.T) {
	v, _, _, notify := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, 0); !errors.Is(err, vault.ErrInvalidAmount) {
		t.Errorf("native: got %v", err)
	}
	if err := v.DepositToken(context.Background(), user, 0); !errors.Is(err, vault.ErrInvalidAmount) {
		t.Errorf("token: got %v", err)
	}
	if len(notify) != 0 {
		t.Error("rejected deposits must not notify")
	}
}

func TestDeposit_OracleDown(t *testing.T) {
	v, _, _, _ := newTestVault(t, downFeed{})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, oneNative); !errors.Is(err, vault.ErrOracleUnavailable) {
		t.Errorf("native: got %v", err)
	}
	// The cap check revalues native custody, so token deposits need a
	// price too.
	if err := v.DepositToken(context.Background(), user, 1_000_000); !errors.Is(err, vault.ErrOracleUnavailable) {
		t.Errorf("token: got %v", err)
	}
}

func TestDeposit_BankCap(t *testing.T) {
	v, _, _, notify := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	// 13 whole native units is worth ~$53,532 — inside the $100k cap.
	if _, err := v.DepositNative(context.Background(), user, 13*oneNative); err != nil {
		t.Fatalf("seed deposit failed: %v", err)
	}
	for len(notify) > 0 {
		<-notify
	}

	// Another 13 would cross the cap.
	_, err := v.DepositNative(context.Background(), user, 13*oneNative)
	var capErr *vault.BankCapError
	if !errors.As(err, &capErr) {
		t.Fatalf("want BankCapError, got %v", err)
	}
	if capErr.Cap != testConfig.BankCap {
		t.Errorf("cap: got %d", capErr.Cap)
	}
	if capErr.Requested != 13*4_117_881_700 {
		t.Errorf("requested: got %d", capErr.Requested)
	}
	if capErr.Prospective <= capErr.Cap {
		t.Errorf("prospective %d should exceed cap %d", capErr.Prospective, capErr.Cap)
	}

	// Rejection must leave the ledger untouched.
	if bal := v.Balance(user, vault.AssetNative); bal != 13*4_117_881_700 {
		t.Errorf("balance changed: %d", bal)
	}
	if len(notify) != 0 {
		t.Error("rejected deposit must not notify")
	}

	// Token deposits share the same aggregate cap.
	err = v.DepositToken(context.Background(), user, 50_000_000_000)
	if !errors.As(err, &capErr) {
		t.Errorf("token deposit past cap: got %v", err)
	}
}

func TestDepositToken_RollsBackOnFailedPull(t *testing.T) {
	v, tok, _, notify := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()
	tok.failPull = true
	tok.diag = []byte{0xde, 0xad}

	err := v.DepositToken(context.Background(), user, 1_000_000)
	var txErr *vault.TransactionFailedError
	if !errors.As(err, &txErr) {
		t.Fatalf("want TransactionFailedError, got %v", err)
	}
	if len(txErr.Data) == 0 {
		t.Error("diagnostic bytes dropped")
	}

	if bal := v.Balance(user, vault.AssetToken); bal != 0 {
		t.Errorf("credit not rolled back: %d", bal)
	}
	if _, tokenRaw := v.Custody(); tokenRaw != 0 {
		t.Errorf("custody not rolled back: %d", tokenRaw)
	}
	if deposits, _ := v.Totals(); deposits != 0 {
		t.Errorf("deposit counter not rolled back: %d", deposits)
	}
	if len(notify) != 0 {
		t.Error("failed deposit must not notify")
	}
}

// --- Withdrawals ---

func TestWithdrawNative_SendsRawUnits(t *testing.T) {
	v, _, snd, notify := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, oneNative); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	<-notify

	got, err := v.WithdrawNative(context.Background(), user, oneNative)
	if err != nil {
		t.Fatalf("WithdrawNative failed: %v", err)
	}
	if got != 4_117_881_700 {
		t.Errorf("normalized: got %d", got)
	}
	if len(snd.sent) != 1 || snd.sent[0] != oneNative {
		t.Errorf("sent: got %v", snd.sent)
	}
	if bal := v.Balance(user, vault.AssetNative); bal != 0 {
		t.Errorf("balance: got %d", bal)
	}
	if nativeRaw, _ := v.Custody(); nativeRaw != 0 {
		t.Errorf("custody: got %d", nativeRaw)
	}

	ev := recvEvent(t, notify)
	wd, ok := ev.(*event.WithdrawalPerformed)
	if !ok {
		t.Fatalf("event: got %T", ev)
	}
	if wd.User != user || wd.Asset != "NATIVE" || wd.RawAmount != oneNative {
		t.Errorf("event fields: %+v", wd)
	}
}

func TestWithdrawToken(t *testing.T) {
	v, tok, _, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if err := v.DepositToken(context.Background(), user, 3_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := v.WithdrawToken(context.Background(), user, 2_000_000); err != nil {
		t.Fatalf("WithdrawToken failed: %v", err)
	}
	if bal := v.Balance(user, vault.AssetToken); bal != 1_000_000 {
		t.Errorf("balance: got %d", bal)
	}
	if len(tok.pushes) != 1 || tok.pushes[0] != 2_000_000 {
		t.Errorf("pushes: got %v", tok.pushes)
	}
}

func TestWithdraw_ZeroAmount(t *testing.T) {
	v, _, _, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.WithdrawNative(context.Background(), user, 0); !errors.Is(err, vault.ErrInvalidAmount) {
		t.Errorf("native: got %v", err)
	}
	if err := v.WithdrawToken(context.Background(), user, 0); !errors.Is(err, vault.ErrInvalidAmount) {
		t.Errorf("token: got %v", err)
	}
}

func TestWithdraw_PerTxLimit(t *testing.T) {
	v, _, _, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, 2*oneNative); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Two native units are worth ~$8,235 — over the $5,000 limit.
	_, err := v.WithdrawNative(context.Background(), user, 2*oneNative)
	var limErr *vault.PerTxLimitError
	if !errors.As(err, &limErr) {
		t.Fatalf("want PerTxLimitError, got %v", err)
	}
	if limErr.Limit != testConfig.LimitPerTx {
		t.Errorf("limit: got %d", limErr.Limit)
	}
	if limErr.Requested != 2*4_117_881_700 {
		t.Errorf("requested: got %d", limErr.Requested)
	}

	// The limit applies to token withdrawals on the same scale.
	if err := v.WithdrawToken(context.Background(), user, testConfig.LimitPerTx+1); !errors.As(err, &limErr) {
		t.Errorf("token: got %v", err)
	}
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	v, _, _, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, oneNative/2); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	_, err := v.WithdrawNative(context.Background(), user, oneNative)
	var balErr *vault.InsufficientBalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("want InsufficientBalanceError, got %v", err)
	}
	if balErr.Balance != 4_117_881_700/2 {
		t.Errorf("balance: got %d", balErr.Balance)
	}
	if balErr.Requested != 4_117_881_700 {
		t.Errorf("requested: got %d", balErr.Requested)
	}

	// A stranger has no balance at all.
	if err := v.WithdrawToken(context.Background(), uuid.New(), 1); !errors.As(err, &balErr) {
		t.Errorf("stranger: got %v", err)
	}
}

func TestWithdrawNative_RollsBackOnFailedSend(t *testing.T) {
	v, _, snd, notify := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, oneNative); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	<-notify

	snd.fail = true
	snd.diag = []byte{0x01, 0x02}

	_, err := v.WithdrawNative(context.Background(), user, oneNative)
	var txErr *vault.TransactionFailedError
	if !errors.As(err, &txErr) {
		t.Fatalf("want TransactionFailedError, got %v", err)
	}
	if len(txErr.Data) != 2 {
		t.Error("diagnostic bytes dropped")
	}

	// Debit fully reversed.
	if bal := v.Balance(user, vault.AssetNative); bal != 4_117_881_700 {
		t.Errorf("balance not restored: %d", bal)
	}
	if nativeRaw, _ := v.Custody(); nativeRaw != oneNative {
		t.Errorf("custody not restored: %d", nativeRaw)
	}
	if _, withdrawals := v.Totals(); withdrawals != 0 {
		t.Errorf("withdrawal counter not rolled back: %d", withdrawals)
	}
	if len(notify) != 0 {
		t.Error("failed withdrawal must not notify")
	}

	// A retry after the failure is not blocked by the guard.
	snd.fail = false
	if _, err := v.WithdrawNative(context.Background(), user, oneNative); err != nil {
		t.Errorf("retry failed: %v", err)
	}
}

func TestWithdrawToken_RollsBackOnFailedTransfer(t *testing.T) {
	v, tok, _, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if err := v.DepositToken(context.Background(), user, 1_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	tok.failPush = true
	err := v.WithdrawToken(context.Background(), user, 1_000_000)
	var txErr *vault.TransactionFailedError
	if !errors.As(err, &txErr) {
		t.Fatalf("want TransactionFailedError, got %v", err)
	}
	if bal := v.Balance(user, vault.AssetToken); bal != 1_000_000 {
		t.Errorf("balance not restored: %d", bal)
	}
	if _, tokenRaw := v.Custody(); tokenRaw != 1_000_000 {
		t.Errorf("custody not restored: %d", tokenRaw)
	}
}

// --- Reentrancy ---

func TestWithdraw_ReentrantSendRejected(t *testing.T) {
	v, _, snd, notify := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, 2*oneNative); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	<-notify

	var reentrantErr error
	calls := 0
	snd.onSend = func(ctx context.Context, to uuid.UUID, amount uint64) {
		calls++
		if calls > 1 {
			return
		}
		// A malicious recipient re-enters the vault from inside the
		// outbound call. It must be rejected, not served or deadlocked.
		_, reentrantErr = v.WithdrawNative(ctx, user, oneNative)
	}

	if _, err := v.WithdrawNative(context.Background(), user, oneNative); err != nil {
		t.Fatalf("outer withdrawal failed: %v", err)
	}
	if !errors.Is(reentrantErr, vault.ErrReentrancy) {
		t.Errorf("inner withdrawal: got %v, want ErrReentrancy", reentrantErr)
	}
	if calls != 1 {
		t.Errorf("sender invoked %d times, want 1", calls)
	}

	// Only the outer debit landed.
	if bal := v.Balance(user, vault.AssetNative); bal != 4_117_881_700 {
		t.Errorf("balance: got %d", bal)
	}
	if _, withdrawals := v.Totals(); withdrawals != 1 {
		t.Errorf("withdrawals: got %d", withdrawals)
	}

	// The guard is released once the outer call returns.
	if _, err := v.WithdrawNative(context.Background(), user, oneNative); err != nil {
		t.Errorf("follow-up withdrawal failed: %v", err)
	}
}

func TestDepositToken_WithdrawDuringPullRejected(t *testing.T) {
	v, tok, _, notify := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	// A hostile token service spends the freshly credited balance from
	// inside the pull, then reports the pull as failed. If the nested
	// withdrawal were served, the rollback would debit custody that
	// already left and wrap below zero.
	var innerErr error
	tok.onPull = func(ctx context.Context, from uuid.UUID, amount uint64) {
		innerErr = v.WithdrawToken(ctx, user, amount)
	}
	tok.failPull = true

	err := v.DepositToken(context.Background(), user, 1_000_000)
	var txErr *vault.TransactionFailedError
	if !errors.As(err, &txErr) {
		t.Fatalf("want TransactionFailedError, got %v", err)
	}
	if !errors.Is(innerErr, vault.ErrReentrancy) {
		t.Fatalf("nested withdrawal: got %v, want ErrReentrancy", innerErr)
	}

	// The rollback must restore the pre-deposit state exactly.
	if bal := v.Balance(user, vault.AssetToken); bal != 0 {
		t.Errorf("balance after rollback: got %d, want 0", bal)
	}
	if _, tokenRaw := v.Custody(); tokenRaw != 0 {
		t.Errorf("custody after rollback: got %d, want 0", tokenRaw)
	}
	deposits, withdrawals := v.Totals()
	if deposits != 0 || withdrawals != 0 {
		t.Errorf("counters after rollback: deposits=%d withdrawals=%d", deposits, withdrawals)
	}
	if len(notify) != 0 {
		t.Error("failed deposit must not notify")
	}
}

func TestWithdraw_DepositDuringSendRejected(t *testing.T) {
	v, _, snd, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, oneNative); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	var innerErr error
	snd.onSend = func(ctx context.Context, to uuid.UUID, amount uint64) {
		_, innerErr = v.DepositNative(ctx, user, oneNative)
	}

	if _, err := v.WithdrawNative(context.Background(), user, oneNative); err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	if !errors.Is(innerErr, vault.ErrReentrancy) {
		t.Errorf("deposit inside send: got %v, want ErrReentrancy", innerErr)
	}
	if deposits, _ := v.Totals(); deposits != 1 {
		t.Errorf("deposits: got %d, want 1", deposits)
	}
}

func TestWithdraw_GuardSharedAcrossAssets(t *testing.T) {
	v, _, snd, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, oneNative); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := v.DepositToken(context.Background(), user, 1_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	var reentrantErr error
	snd.onSend = func(ctx context.Context, to uuid.UUID, amount uint64) {
		reentrantErr = v.WithdrawToken(ctx, user, 1_000_000)
	}

	if _, err := v.WithdrawNative(context.Background(), user, oneNative); err != nil {
		t.Fatalf("native withdrawal failed: %v", err)
	}
	if !errors.Is(reentrantErr, vault.ErrReentrancy) {
		t.Errorf("token withdrawal inside send: got %v, want ErrReentrancy", reentrantErr)
	}
}

// --- Queries ---

func TestTotalBalance_SumsAssets(t *testing.T) {
	v, _, _, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, oneNative); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := v.DepositToken(context.Background(), user, 1_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	want := uint64(4_117_881_700 + 1_000_000)
	if got := v.TotalBalance(user); got != want {
		t.Errorf("total: got %d, want %d", got, want)
	}
}

func TestBankValue_RevaluesAtCurrentPrice(t *testing.T) {
	v, _, _, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	if _, err := v.DepositNative(context.Background(), user, oneNative); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := v.DepositToken(context.Background(), user, 1_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	got, err := v.BankValue(context.Background())
	if err != nil {
		t.Fatalf("BankValue failed: %v", err)
	}
	if want := uint64(4_117_881_700 + 1_000_000); got != want {
		t.Errorf("bank value: got %d, want %d", got, want)
	}

	// Price doubles: native custody revalues, token custody does not.
	if err := v.SetPriceSource(&oracle.FixedFeed{Price: 2 * testPrice}); err != nil {
		t.Fatalf("SetPriceSource failed: %v", err)
	}
	got, err = v.BankValue(context.Background())
	if err != nil {
		t.Fatalf("BankValue failed: %v", err)
	}
	if want := uint64(2*4_117_881_700 + 1_000_000); got != want {
		t.Errorf("revalued bank value: got %d, want %d", got, want)
	}
}

func TestTotals_CountSuccessfulOperations(t *testing.T) {
	v, _, _, _ := newTestVault(t, &oracle.FixedFeed{Price: testPrice})
	user := uuid.New()

	v.DepositNative(context.Background(), user, oneNative)
	v.DepositToken(context.Background(), user, 1_000_000)
	v.DepositNative(context.Background(), user, 0) // rejected
	v.WithdrawToken(context.Background(), user, 1_000_000)

	deposits, withdrawals := v.Totals()
	if deposits != 2 {
		t.Errorf("deposits: got %d, want 2", deposits)
	}
	if withdrawals != 1 {
		t.Errorf("withdrawals: got %d, want 1", withdrawals)
	}
}

func TestBankValueGauge_KeepsLastKnownValue(t *testing.T) {
	metrics := observability.NewMetrics()
	v, err := vault.NewVault(testConfig, &oracle.FixedFeed{Price: testPrice},
		&stubToken{}, &stubSender{}, nil, metrics, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	user := uuid.New()

	if err := v.DepositToken(context.Background(), user, 2_000_000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if got := testutil.ToFloat64(metrics.BankValueUSD); got != 2_000_000 {
		t.Errorf("gauge after deposit: got %v, want 2000000", got)
	}

	// Token withdrawals have no price at hand to revalue the aggregate;
	// the gauge must keep its last good value rather than drop to zero.
	if err := v.WithdrawToken(context.Background(), user, 1_000_000); err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	if got := testutil.ToFloat64(metrics.BankValueUSD); got != 2_000_000 {
		t.Errorf("gauge after token withdrawal: got %v, want 2000000", got)
	}
}

// --- Price source administration ---

func TestSetPriceSource(t *testing.T) {
	v, _, _, notify := newTestVault(t, &oracle.FixedFeed{Price: testPrice})

	if err := v.SetPriceSource(nil); !errors.Is(err, vault.ErrInvalidContract) {
		t.Errorf("nil feed: got %v", err)
	}
	if len(notify) != 0 {
		t.Error("rejected swap must not notify")
	}

	next := &oracle.FixedFeed{Price: 2 * testPrice}
	if err := v.SetPriceSource(next); err != nil {
		t.Fatalf("SetPriceSource failed: %v", err)
	}
	if got := v.PriceSource(); got != next.Description() {
		t.Errorf("description: got %q", got)
	}

	ev := recvEvent(t, notify)
	sw, ok := ev.(*event.PriceSourceChanged)
	if !ok {
		t.Fatalf("event: got %T", ev)
	}
	if sw.Feed != next.Description() {
		t.Errorf("event feed: got %q", sw.Feed)
	}

	// Subsequent deposits convert at the new price.
	user := uuid.New()
	got, err := v.DepositNative(context.Background(), user, oneNative)
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if got != 2*4_117_881_700 {
		t.Errorf("normalized at new price: got %d", got)
	}
}

package vault

import (
	"errors"
	"fmt"

	"VaultLedger/internal/fixedpoint"
	"VaultLedger/internal/oracle"
)

var (
	// ErrInvalidAmount is returned when a zero amount is supplied.
	ErrInvalidAmount = errors.New("amount must be non-zero")

	// ErrReentrancy is returned when a mutating operation is invoked from
	// inside another operation's outbound call.
	ErrReentrancy = errors.New("reentrant call: interaction in flight")

	// ErrInvalidContract is returned when a nil reference is supplied to the
	// constructor or a configuration call.
	ErrInvalidContract = errors.New("nil reference supplied")

	// ErrOracleUnavailable is the core's name for a failed or non-positive
	// price query. errors.Is matches the oracle package's sentinel.
	ErrOracleUnavailable = oracle.ErrUnavailable
)

// PerTxLimitError reports a withdrawal above the per-operation limit.
// Both values are in normalized units.
type PerTxLimitError struct {
	Requested uint64
	Limit     uint64
}

func (e *PerTxLimitError) Error() string {
	return fmt.Sprintf("withdrawal of %s USD exceeds per-tx limit %s USD",
		fixedpoint.FormatUSD(e.Requested), fixedpoint.FormatUSD(e.Limit))
}

// InsufficientBalanceError reports a withdrawal above the caller's balance.
// Both values are in normalized units.
type InsufficientBalanceError struct {
	Balance   uint64
	Requested uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s USD, need %s USD",
		fixedpoint.FormatUSD(e.Balance), fixedpoint.FormatUSD(e.Requested))
}

// BankCapError reports a deposit that would push the aggregate custodied
// value above the bank cap. All values are in normalized units.
type BankCapError struct {
	Requested   uint64
	Prospective uint64
	Cap         uint64
}

func (e *BankCapError) Error() string {
	return fmt.Sprintf("deposit of %s USD would raise bank value to %s USD, cap is %s USD",
		fixedpoint.FormatUSD(e.Requested), fixedpoint.FormatUSD(e.Prospective), fixedpoint.FormatUSD(e.Cap))
}

// TransactionFailedError reports a failed outbound asset transfer. Data holds
// the raw diagnostic bytes returned by the call, if any. The ledger effect has
// been rolled back by the time this error is returned.
type TransactionFailedError struct {
	Op   string
	Data []byte
	Err  error
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransactionFailedError) Unwrap() error {
	return e.Err
}

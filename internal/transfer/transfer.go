package transfer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TokenService is the external fungible-asset contract: standard
// transfer/transferFrom/balanceOf semantics. Failures must propagate — the
// adapter never swallows a rejected transfer.
type TokenService interface {
	// Transfer pushes amount token units from the vault's own holdings to the user.
	Transfer(ctx context.Context, to uuid.UUID, amount uint64) error

	// TransferFrom pulls amount token units from the user into the vault's holdings.
	TransferFrom(ctx context.Context, from uuid.UUID, amount uint64) error

	// BalanceOf reports the holder's token balance at the external service.
	BalanceOf(ctx context.Context, holder uuid.UUID) (uint64, error)
}

// NativeSender pushes raw native value to a user. Send returns the raw
// response bytes from the low-level transfer call; on failure the error
// carries whatever diagnostic the call returned.
type NativeSender interface {
	Send(ctx context.Context, to uuid.UUID, amount uint64) ([]byte, error)
}

// CallError carries the remote service's diagnostic for a rejected call.
type CallError struct {
	Op     string
	Detail string
	Data   []byte // raw response bytes, if any
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s rejected", e.Op)
	}
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Detail)
}

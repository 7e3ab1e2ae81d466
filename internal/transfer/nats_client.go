package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Wire types for the request-reply transfer protocol. The external services
// answer {ok:true} on success or {ok:false, error, data} with the raw
// diagnostic bytes of the underlying call.
type callRequest struct {
	Op     string `json:"op"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount uint64 `json:"amount"`
}

type callReply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Amount uint64 `json:"amount,omitempty"`
}

// decodeReply parses a reply and translates a rejection into a CallError.
func decodeReply(op string, data []byte) (callReply, error) {
	var rep callReply
	if err := json.Unmarshal(data, &rep); err != nil {
		return callReply{}, fmt.Errorf("%s: unparseable reply: %w", op, err)
	}
	if !rep.OK {
		return rep, &CallError{Op: op, Detail: rep.Error, Data: rep.Data}
	}
	return rep, nil
}

// NATSTokenClient implements TokenService over NATS request-reply.
type NATSTokenClient struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATSTokenClient creates a token client talking to the given subject.
// timeout bounds each call when the caller's context carries no deadline.
func NewNATSTokenClient(nc *nats.Conn, subject string, timeout time.Duration) *NATSTokenClient {
	return &NATSTokenClient{nc: nc, subject: subject, timeout: timeout}
}

func (c *NATSTokenClient) call(ctx context.Context, req callRequest) (callReply, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return callReply{}, fmt.Errorf("%s: marshal request: %w", req.Op, err)
	}

	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return callReply{}, fmt.Errorf("%s: request: %w", req.Op, err)
	}

	return decodeReply(req.Op, msg.Data)
}

func (c *NATSTokenClient) Transfer(ctx context.Context, to uuid.UUID, amount uint64) error {
	_, err := c.call(ctx, callRequest{Op: "transfer", To: to.String(), Amount: amount})
	return err
}

func (c *NATSTokenClient) TransferFrom(ctx context.Context, from uuid.UUID, amount uint64) error {
	_, err := c.call(ctx, callRequest{Op: "transfer_from", From: from.String(), Amount: amount})
	return err
}

func (c *NATSTokenClient) BalanceOf(ctx context.Context, holder uuid.UUID) (uint64, error) {
	rep, err := c.call(ctx, callRequest{Op: "balance_of", From: holder.String()})
	if err != nil {
		return 0, err
	}
	return rep.Amount, nil
}

// NATSNativeSender implements NativeSender over NATS request-reply.
type NATSNativeSender struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

func NewNATSNativeSender(nc *nats.Conn, subject string, timeout time.Duration) *NATSNativeSender {
	return &NATSNativeSender{nc: nc, subject: subject, timeout: timeout}
}

func (s *NATSNativeSender) Send(ctx context.Context, to uuid.UUID, amount uint64) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req := callRequest{Op: "send_native", To: to.String(), Amount: amount}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("send_native: marshal request: %w", err)
	}

	msg, err := s.nc.RequestWithContext(ctx, s.subject, data)
	if err != nil {
		return nil, fmt.Errorf("send_native: request: %w", err)
	}

	rep, err := decodeReply("send_native", msg.Data)
	if err != nil {
		return rep.Data, err
	}
	return rep.Data, nil
}

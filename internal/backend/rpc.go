package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"shieldgate/internal/errs"
	"shieldgate/internal/zaddr"
	"shieldgate/internal/zec"
)

// RPCOptions parameterise the zcashd JSON-RPC client.
type RPCOptions struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	MinConf  int
}

// RPCBackend talks to a zcashd-compatible node over JSON-RPC.
type RPCBackend struct {
	opts   RPCOptions
	logger zerolog.Logger
	client *http.Client
}

// NewRPC constructs a JSON-RPC backend client.
func NewRPC(opts RPCOptions, logger zerolog.Logger) *RPCBackend {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCBackend{
		opts:   opts,
		logger: logger.With().Str("component", "backend_rpc").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type sendRecipient struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Memo    string `json:"memo,omitempty"`
}

type operationStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result struct {
		TxID string `json:"txid"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

// Submit issues z_sendmany and returns the async operation handle. Memos
// are hex-encoded and attached only for shielded recipients.
func (b *RPCBackend) Submit(ctx context.Context, fromAddress, toAddress string, amountZat int64, memo string) (string, error) {
	recipient := sendRecipient{
		Address: toAddress,
		Amount:  zec.FormatZEC(amountZat),
	}
	if memo != "" && zaddr.Classify(toAddress).Shielded {
		recipient.Memo = hex.EncodeToString([]byte(memo))
	}

	var opID string
	params := []any{fromAddress, []sendRecipient{recipient}, b.minConf()}
	if err := b.call(ctx, "z_sendmany", params, &opID); err != nil {
		return "", err
	}
	if opID == "" {
		return "", errs.New(errs.CodeBackend, "backend returned empty operation id")
	}

	b.logger.Info().Str("operation_id", opID).Str("to", toAddress).Msg("withdrawal submitted to backend")
	return opID, nil
}

// Status queries z_getoperationstatus for the given handle and maps the
// node's operation states onto the boundary contract.
func (b *RPCBackend) Status(ctx context.Context, operationID string) (OperationStatus, error) {
	var statuses []operationStatus
	if err := b.call(ctx, "z_getoperationstatus", []any{[]string{operationID}}, &statuses); err != nil {
		return OperationStatus{}, err
	}
	if len(statuses) == 0 {
		return OperationStatus{}, errs.New(errs.CodeNotFound, "backend does not know operation %s", operationID)
	}

	op := statuses[0]
	status := OperationStatus{TransactionID: op.Result.TxID}
	switch op.Status {
	case "queued":
		status.State = StatePending
	case "executing":
		status.State = StateProcessing
	case "success":
		status.State = StateCompleted
	case "failed", "cancelled":
		status.State = StateFailed
		if op.Error != nil {
			status.ErrorCode = op.Error.Code
			status.ErrorMessage = op.Error.Message
		} else {
			status.ErrorMessage = "operation " + op.Status
		}
	default:
		status.State = StatePending
	}

	if status.State == StateCompleted && status.TransactionID != "" {
		status.Confirmations = b.confirmations(ctx, status.TransactionID)
	}
	return status, nil
}

// confirmations is best effort; a node without the wallet transaction
// simply reports zero.
func (b *RPCBackend) confirmations(ctx context.Context, txid string) int {
	var tx struct {
		Confirmations int `json:"confirmations"`
	}
	if err := b.call(ctx, "gettransaction", []any{txid}, &tx); err != nil {
		b.logger.Debug().Err(err).Str("txid", txid).Msg("confirmation lookup failed")
		return 0
	}
	return tx.Confirmations
}

func (b *RPCBackend) minConf() int {
	if b.opts.MinConf > 0 {
		return b.opts.MinConf
	}
	return 1
}

func (b *RPCBackend) call(ctx context.Context, method string, params []any, out any) error {
	if b.opts.URL == "" {
		return errs.New(errs.CodeConfig, "backend.url not configured")
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: "shieldgate", Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.opts.Username != "" {
		req.SetBasicAuth(b.opts.Username, b.opts.Password)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return errs.Wrap(err, errs.CodeTimeout, "backend call %s timed out", method)
		}
		return errs.Wrap(err, errs.CodeBackend, "backend call %s failed", method)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(err, errs.CodeBackend, "read backend response")
	}

	var rpcRes rpcResponse
	if err := json.Unmarshal(payload, &rpcRes); err != nil {
		if resp.StatusCode != http.StatusOK {
			return errs.New(errs.CodeBackend, "backend http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		}
		return errs.Wrap(err, errs.CodeBackend, "parse backend response")
	}
	if rpcRes.Error != nil {
		return errs.New(errs.CodeBackend, "backend error %d: %s", rpcRes.Error.Code, rpcRes.Error.Message)
	}

	if out != nil {
		if err := json.Unmarshal(rpcRes.Result, out); err != nil {
			return errs.Wrap(err, errs.CodeBackend, "decode %s result", method)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

var _ Backend = (*RPCBackend)(nil)

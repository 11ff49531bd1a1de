package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shieldgate/internal/errs"
)

func rpcServer(t *testing.T, handler func(method string, params []json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		result, rpcErr := handler(req.Method, req.Params)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "error": rpcErr})
	}))
}

func TestSubmitSuccess(t *testing.T) {
	var gotFrom string
	var gotRecipients []map[string]any
	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		if method != "z_sendmany" {
			t.Fatalf("unexpected method %s", method)
		}
		_ = json.Unmarshal(params[0], &gotFrom)
		_ = json.Unmarshal(params[1], &gotRecipients)
		return "opid-1234", nil
	})
	defer srv.Close()

	b := NewRPC(RPCOptions{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	dest := "zs" + strings.Repeat("q", 76)
	opID, err := b.Submit(context.Background(), "zs"+strings.Repeat("a", 76), dest, 1_050_000_000, "invoice 7")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if opID != "opid-1234" {
		t.Fatalf("unexpected operation id %q", opID)
	}
	if len(gotRecipients) != 1 {
		t.Fatalf("expected one recipient, got %d", len(gotRecipients))
	}
	if gotRecipients[0]["amount"] != "10.50000000" {
		t.Fatalf("amount should be a fixed-point decimal string, got %v", gotRecipients[0]["amount"])
	}
	if gotRecipients[0]["memo"] == "" {
		t.Fatal("memo should be attached for a shielded recipient")
	}
}

func TestSubmitOmitsMemoForTransparent(t *testing.T) {
	var gotRecipients []map[string]any
	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		_ = json.Unmarshal(params[1], &gotRecipients)
		return "opid-1", nil
	})
	defer srv.Close()

	b := NewRPC(RPCOptions{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	_, err := b.Submit(context.Background(), "zs"+strings.Repeat("a", 76), "t1"+strings.Repeat("a", 33), 100_000, "memo")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, present := gotRecipients[0]["memo"]; present {
		t.Fatal("transparent recipient must not carry a memo")
	}
}

func TestSubmitBackendError(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -6, Message: "insufficient funds"}
	})
	defer srv.Close()

	b := NewRPC(RPCOptions{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	_, err := b.Submit(context.Background(), "zs"+strings.Repeat("a", 76), "zs"+strings.Repeat("q", 76), 100, "")
	if !errs.Is(err, errs.CodeBackend) {
		t.Fatalf("expected BACKEND_ERROR, got %v", err)
	}
	if !strings.Contains(err.Error(), "insufficient funds") {
		t.Fatalf("backend message should surface verbatim: %v", err)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		node string
		want OperationState
	}{
		{"queued", StatePending},
		{"executing", StateProcessing},
		{"success", StateCompleted},
		{"failed", StateFailed},
	}

	for _, tc := range cases {
		srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
			switch method {
			case "z_getoperationstatus":
				entry := map[string]any{"id": "opid-1", "status": tc.node}
				if tc.node == "success" {
					entry["result"] = map[string]string{"txid": "abc123"}
				}
				if tc.node == "failed" {
					entry["error"] = map[string]any{"code": -6, "message": "insufficient funds"}
				}
				return []any{entry}, nil
			case "gettransaction":
				return map[string]any{"confirmations": 3}, nil
			}
			t.Fatalf("unexpected method %s", method)
			return nil, nil
		})

		b := NewRPC(RPCOptions{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
		status, err := b.Status(context.Background(), "opid-1")
		srv.Close()
		if err != nil {
			t.Fatalf("status %s failed: %v", tc.node, err)
		}
		if status.State != tc.want {
			t.Fatalf("node state %s should map to %s, got %s", tc.node, tc.want, status.State)
		}
		if tc.node == "success" {
			if status.TransactionID != "abc123" {
				t.Fatalf("txid not propagated: %+v", status)
			}
			if status.Confirmations != 3 {
				t.Fatalf("confirmations not fetched: %+v", status)
			}
		}
		if tc.node == "failed" && status.ErrorMessage != "insufficient funds" {
			t.Fatalf("backend error should surface verbatim: %+v", status)
		}
	}
}

func TestStatusUnknownOperation(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		return []any{}, nil
	})
	defer srv.Close()

	b := NewRPC(RPCOptions{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if _, err := b.Status(context.Background(), "opid-gone"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestCallWithoutURL(t *testing.T) {
	b := NewRPC(RPCOptions{}, zerolog.Nop())
	if _, err := b.Status(context.Background(), "opid-1"); !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("expected CONFIG_ERROR, got %v", err)
	}
}

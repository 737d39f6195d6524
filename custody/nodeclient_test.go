package custody

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type rpcCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers JSON-RPC with canned responses and records calls.
type fakeNode struct {
	calls   []rpcCall
	results map[string]any
	errs    map[string]*jsonRPCErrorObj
}

func (f *fakeNode) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", got)
		}
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		f.calls = append(f.calls, call)

		resp := map[string]any{"jsonrpc": "2.0", "id": 1}
		if e, ok := f.errs[call.Method]; ok {
			resp["error"] = e
		} else if res, ok := f.results[call.Method]; ok {
			resp["result"] = res
		} else {
			resp["result"] = map[string]any{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestNodeClient_RecordAndHasDeposit(t *testing.T) {
	node := &fakeNode{results: map[string]any{
		"escrow_get": escrowState{
			ID: "c1", Buyer: "0xb", Seller: "0xs", Admin: "0xa",
			FundedAmount: 2500, State: "AWAITING_DELIVERY",
		},
	}}
	srv := httptest.NewServer(node.handler(t))
	defer srv.Close()

	c := NewNodeClient(srv.URL, "test-token", "0xa")
	rec, err := c.Record(context.Background(), "c1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.State != StateAwaitingDelivery || rec.FundedAmount != 2500 {
		t.Errorf("unexpected record: %+v", rec)
	}

	ok, err := c.HasDeposit(context.Background(), "c1")
	if err != nil || !ok {
		t.Fatalf("has deposit: ok=%v err=%v", ok, err)
	}
}

func TestNodeClient_CreateEscrowIdempotent(t *testing.T) {
	node := &fakeNode{results: map[string]any{
		"escrow_get": escrowState{ID: "c1", State: "AWAITING_PAYMENT"},
	}}
	srv := httptest.NewServer(node.handler(t))
	defer srv.Close()

	c := NewNodeClient(srv.URL, "test-token", "0xa")
	err := c.CreateEscrow(context.Background(), CreateParams{ContractID: "c1", BuyerAddress: "0xb", SellerAddress: "0xs"})
	if err != nil {
		t.Fatalf("create on existing escrow: %v", err)
	}
	for _, call := range node.calls {
		if call.Method == "escrow_create" {
			t.Errorf("escrow_create sent although record exists")
		}
	}
}

func TestNodeClient_CreateEscrowNew(t *testing.T) {
	node := &fakeNode{errs: map[string]*jsonRPCErrorObj{
		"escrow_get": {Code: rpcCodeNotFound, Message: "no such escrow"},
	}}
	srv := httptest.NewServer(node.handler(t))
	defer srv.Close()

	c := NewNodeClient(srv.URL, "test-token", "0xadmin")
	err := c.CreateEscrow(context.Background(), CreateParams{ContractID: "c2", BuyerAddress: "0xb", SellerAddress: "0xs"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var created bool
	for _, call := range node.calls {
		if call.Method != "escrow_create" {
			continue
		}
		created = true
		var payload map[string]any
		if err := json.Unmarshal(call.Params[0], &payload); err != nil {
			t.Fatalf("decode create payload: %v", err)
		}
		if payload["admin"] != "0xadmin" {
			t.Errorf("create payload admin = %v", payload["admin"])
		}
		if payload["id"] != "c2" {
			t.Errorf("create payload id = %v", payload["id"])
		}
	}
	if !created {
		t.Fatalf("escrow_create never sent")
	}
}

func TestNodeClient_ErrorMapping(t *testing.T) {
	node := &fakeNode{errs: map[string]*jsonRPCErrorObj{
		"escrow_release": {Code: rpcCodeBadState, Message: "not AWAITING_DELIVERY"},
		"escrow_resolve": {Code: rpcCodeUnauthorized, Message: "caller is not admin"},
		"escrow_get":     {Code: rpcCodeNotFound, Message: "no such escrow"},
	}}
	srv := httptest.NewServer(node.handler(t))
	defer srv.Close()

	c := NewNodeClient(srv.URL, "test-token", "0xa")
	ctx := context.Background()

	if err := c.ReleaseFunds(ctx, "c1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("release: got %v", err)
	}
	if err := c.ResolveDispute(ctx, "c1", true); !errors.Is(err, ErrNotAdministrator) {
		t.Errorf("resolve: got %v", err)
	}
	if _, err := c.Record(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record: got %v", err)
	}
}

func TestNodeClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // immediately unreachable

	c := NewNodeClient(srv.URL, "test-token", "0xa")
	if err := c.ReleaseFunds(context.Background(), "c1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestNodeClient_ResolveOutcome(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(node.handler(t))
	defer srv.Close()

	c := NewNodeClient(srv.URL, "test-token", "0xa")
	if err := c.ResolveDispute(context.Background(), "c1", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var params map[string]string
	if err := json.Unmarshal(node.calls[0].Params[0], &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params["outcome"] != "refund_buyer" {
		t.Errorf("favorBuyer resolve outcome = %s", params["outcome"])
	}
}

package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// JSON-RPC error codes surfaced by the settlement node.
const (
	rpcCodeNotFound     = -32004
	rpcCodeUnauthorized = -32003
	rpcCodeBadState     = -32009
)

// NodeClient implements Adapter against the settlement node's JSON-RPC API.
// It holds the administrator identity used for release, refund, dispute and
// resolution calls; construct one per process and inject it, never share it
// through a package-level variable.
type NodeClient struct {
	baseURL      string
	authToken    string
	adminAddress string
	http         *http.Client
	nextID       atomic.Int64
}

func NewNodeClient(baseURL, authToken, adminAddress string) *NodeClient {
	return &NodeClient{
		baseURL:      baseURL,
		authToken:    authToken,
		adminAddress: adminAddress,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type escrowState struct {
	ID           string `json:"id"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	Admin        string `json:"admin"`
	FundedAmount int64  `json:"fundedAmount"`
	StartAt      int64  `json:"startAt"`
	EndAt        int64  `json:"endAt"`
	State        string `json:"state"`
	Expired      bool   `json:"expired"`
}

func (c *NodeClient) CreateEscrow(ctx context.Context, params CreateParams) error {
	// The node rejects duplicate ids, so probe first to keep retried
	// initialization calls from surfacing as errors.
	switch _, err := c.Record(ctx, params.ContractID); {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		// continue with create
	default:
		return err
	}

	payload := map[string]any{
		"id":          params.ContractID,
		"buyer":       params.BuyerAddress,
		"seller":      params.SellerAddress,
		"admin":       c.adminAddress,
		"endAt":       params.EndDate.Unix(),
		"description": params.Description,
	}
	return c.call(ctx, "escrow_create", []any{payload}, nil)
}

func (c *NodeClient) Record(ctx context.Context, contractID string) (Record, error) {
	var result escrowState
	if err := c.call(ctx, "escrow_get", []any{map[string]string{"id": contractID}}, &result); err != nil {
		return Record{}, err
	}
	return Record{
		ContractID:    result.ID,
		BuyerAddress:  result.Buyer,
		SellerAddress: result.Seller,
		AdminAddress:  result.Admin,
		FundedAmount:  result.FundedAmount,
		StartAt:       time.Unix(result.StartAt, 0).UTC(),
		EndAt:         time.Unix(result.EndAt, 0).UTC(),
		State:         State(result.State),
		Expired:       result.Expired,
	}, nil
}

func (c *NodeClient) HasDeposit(ctx context.Context, contractID string) (bool, error) {
	rec, err := c.Record(ctx, contractID)
	if err != nil {
		return false, err
	}
	return rec.State == StateAwaitingDelivery && rec.FundedAmount > 0, nil
}

func (c *NodeClient) ReleaseFunds(ctx context.Context, contractID string) error {
	params := map[string]string{"id": contractID, "caller": c.adminAddress}
	return c.call(ctx, "escrow_release", []any{params}, nil)
}

func (c *NodeClient) RefundToBuyer(ctx context.Context, contractID string) error {
	params := map[string]string{"id": contractID, "caller": c.adminAddress}
	return c.call(ctx, "escrow_refund", []any{params}, nil)
}

func (c *NodeClient) SetDisputed(ctx context.Context, contractID string) error {
	params := map[string]string{"id": contractID, "caller": c.adminAddress}
	return c.call(ctx, "escrow_dispute", []any{params}, nil)
}

func (c *NodeClient) ResolveDispute(ctx context.Context, contractID string, favorBuyer bool) error {
	outcome := "release_seller"
	if favorBuyer {
		outcome = "refund_buyer"
	}
	params := map[string]string{"id": contractID, "caller": c.adminAddress, "outcome": outcome}
	return c.call(ctx, "escrow_resolve", []any{params}, nil)
}

func (c *NodeClient) call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s: status=%d body=%s", ErrUnavailable, method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, method, err)
	}
	if rpcResp.Error != nil {
		return mapRPCError(method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("%w: %s: empty result", ErrUnavailable, method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func mapRPCError(method string, e *jsonRPCErrorObj) error {
	switch e.Code {
	case rpcCodeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, e.Message)
	case rpcCodeUnauthorized:
		return fmt.Errorf("%w: %s", ErrNotAdministrator, e.Message)
	case rpcCodeBadState:
		return fmt.Errorf("%w: %s", ErrInvalidState, e.Message)
	}
	return fmt.Errorf("custody: %s rpc error %d: %s", method, e.Code, e.Message)
}

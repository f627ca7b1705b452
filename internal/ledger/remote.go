package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/freshchain/freshchain/internal/txstore"
)

// HTTPChainClient submits transactions to an upstream FreshChain node over
// its HTTP API. It implements ChainClient.
type HTTPChainClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewHTTPChainClient creates a client for the node at baseURL. authToken,
// if non-empty, is sent as a bearer token on submissions. Call timeouts are
// enforced by the Service via context, so the http.Client carries none.
func NewHTTPChainClient(baseURL, authToken string) *HTTPChainClient {
	return &HTTPChainClient{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{},
	}
}

// Submit implements ChainClient. The upstream node stores the prepared
// transaction as-is; any non-2xx response is a submission failure.
func (c *HTTPChainClient) Submit(ctx context.Context, tx *txstore.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit transaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return fmt.Errorf("remote chain rejected transaction: %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// Connected implements ChainClient by probing the upstream health endpoint.
func (c *HTTPChainClient) Connected(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

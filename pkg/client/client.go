// Package client provides the FreshChain Go SDK for recording supply-chain
// events on a ledger node and querying transaction history, reports, and
// verification results.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RecordResult identifies a recorded transaction and the path it took.
// Status "submitted" means durable on the node; "queued_for_retry" and
// "batched" mean acceptance is asynchronous.
type RecordResult struct {
	Hash   string `json:"transaction_hash"`
	Status string `json:"status"`
}

// Transaction mirrors the node's transaction record.
type Transaction struct {
	Kind            string         `json:"type"`
	Payload         map[string]any `json:"payload"`
	Timestamp       string         `json:"timestamp"`
	Hash            string         `json:"hash"`
	Signature       []byte         `json:"signature"`
	SignedBy        string         `json:"signed_by"`
	MerkleRoot      string         `json:"merkle_root"`
	EncryptedFields []string       `json:"encrypted_fields,omitempty"`
}

// VerificationResult is the outcome of a verification call.
type VerificationResult struct {
	Verified        bool           `json:"verified"`
	SignatureValid  bool           `json:"signature_valid"`
	MerkleRootValid bool           `json:"merkle_root_valid"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// Report is a filtered ledger view.
type Report struct {
	Transactions []*Transaction `json:"transactions"`
	TotalCount   int            `json:"total_transactions"`
	GeneratedAt  string         `json:"generated_at"`
}

// ReportFilter holds the optional, conjunctive report filters. Dates are
// fixed-width ISO-8601 strings.
type ReportFilter struct {
	ShipmentID string
	CrateID    string
	StartDate  string
	EndDate    string
}

// StatusReport describes the node's state.
type StatusReport struct {
	Mode              string `json:"mode"`
	Connected         bool   `json:"connected"`
	TotalTransactions int    `json:"total_transactions"`
	TotalEvents       uint64 `json:"total_events"`
	PendingRetries    int    `json:"pending_retries"`
	ActivePublicKey   string `json:"active_public_key"`
	KeyGeneratedAt    string `json:"key_generated_at"`
}

// ArchiveStatus summarises the node's audit archive.
type ArchiveStatus struct {
	Entries int    `json:"entries"`
	Root    string `json:"root"`
	Intact  bool   `json:"intact"`
}

// Client is the FreshChain SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken attaches a bearer token to every request. Required for
// the record endpoints when the node has auth enabled.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearerToken = token }
}

// New creates a Client connected to the node at base.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RecordSensorData records a sensor reading.
func (c *Client) RecordSensorData(ctx context.Context, sensorID string, data map[string]any) (*RecordResult, error) {
	var out RecordResult
	err := c.post(ctx, "/api/v1/transactions/sensor", map[string]any{
		"sensor_id": sensorID,
		"data":      data,
	}, &out)
	return &out, err
}

// RecordRipenessAnalysis records a ripeness analysis result for a crate.
func (c *Client) RecordRipenessAnalysis(ctx context.Context, crateID string, result map[string]any) (*RecordResult, error) {
	var out RecordResult
	err := c.post(ctx, "/api/v1/transactions/ripeness", map[string]any{
		"crate_id": crateID,
		"result":   result,
	}, &out)
	return &out, err
}

// CreateShipmentRecord records a new shipment.
func (c *Client) CreateShipmentRecord(ctx context.Context, data map[string]any) (*RecordResult, error) {
	var out RecordResult
	err := c.post(ctx, "/api/v1/transactions/shipments", data, &out)
	return &out, err
}

// UpdateShipmentStatus records a shipment status change. location is
// optional and may be nil.
func (c *Client) UpdateShipmentStatus(ctx context.Context, shipmentID, status string, location map[string]any) (*RecordResult, error) {
	body := map[string]any{"status": status}
	if location != nil {
		body["location"] = location
	}
	var out RecordResult
	err := c.post(ctx, "/api/v1/transactions/shipments/"+url.PathEscape(shipmentID)+"/status", body, &out)
	return &out, err
}

// RecordQualityCheck records quality check results for a shipment.
func (c *Client) RecordQualityCheck(ctx context.Context, shipmentID string, data map[string]any) (*RecordResult, error) {
	var out RecordResult
	err := c.post(ctx, "/api/v1/transactions/quality", map[string]any{
		"shipment_id": shipmentID,
		"data":        data,
	}, &out)
	return &out, err
}

// VerifyTransaction re-checks a transaction's integrity on the node.
func (c *Client) VerifyTransaction(ctx context.Context, hash string) (*VerificationResult, error) {
	var out VerificationResult
	err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(hash)+"/verify", &out)
	return &out, err
}

// GetShipmentHistory returns a shipment's transactions, oldest first.
func (c *Client) GetShipmentHistory(ctx context.Context, shipmentID string) ([]*Transaction, error) {
	var out []*Transaction
	err := c.get(ctx, "/api/v1/shipments/"+url.PathEscape(shipmentID)+"/history", &out)
	return out, err
}

// GetCrateHistory returns a crate's transactions, oldest first.
func (c *Client) GetCrateHistory(ctx context.Context, crateID string) ([]*Transaction, error) {
	var out []*Transaction
	err := c.get(ctx, "/api/v1/crates/"+url.PathEscape(crateID)+"/history", &out)
	return out, err
}

// GenerateReport returns the transactions matching every supplied filter.
func (c *Client) GenerateReport(ctx context.Context, f ReportFilter) (*Report, error) {
	q := url.Values{}
	if f.ShipmentID != "" {
		q.Set("shipment_id", f.ShipmentID)
	}
	if f.CrateID != "" {
		q.Set("crate_id", f.CrateID)
	}
	if f.StartDate != "" {
		q.Set("start_date", f.StartDate)
	}
	if f.EndDate != "" {
		q.Set("end_date", f.EndDate)
	}

	path := "/api/v1/reports"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out Report
	err := c.get(ctx, path, &out)
	return &out, err
}

// GetStatus returns the node's connection state, counts, and active key.
func (c *Client) GetStatus(ctx context.Context) (*StatusReport, error) {
	var out StatusReport
	err := c.get(ctx, "/api/v1/status", &out)
	return &out, err
}

// GetArchiveStatus reports the node's audit archive state. Nodes without an
// archive configured answer 404, surfaced here as an error.
func (c *Client) GetArchiveStatus(ctx context.Context) (*ArchiveStatus, error) {
	var out ArchiveStatus
	err := c.get(ctx, "/api/v1/archive", &out)
	return &out, err
}

// GetTransactionStatus polls the eventual outcome of a record call.
func (c *Client) GetTransactionStatus(ctx context.Context, hash string) (string, error) {
	var out struct {
		Hash    string `json:"transaction_hash"`
		Outcome string `json:"outcome"`
	}
	err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(hash)+"/status", &out)
	return out.Outcome, err
}

// PublicKey fetches the node's active public key in PEM form.
func (c *Client) PublicKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/publickey", nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch public key: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("public key endpoint error %d: %s", resp.StatusCode, string(body))
	}
	return string(body), nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", req.URL.Path, apiErr.Error)
		}
		return fmt.Errorf("%s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

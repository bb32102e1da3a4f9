package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"AgentMarket/internal/event"
)

// DefaultHTTPTimeout is used for request/response calls made by clients created
// without a custom http.Client. Event streams are never subject to it.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the market engine.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	streamClient *http.Client
}

// RunOptions describes one buyer run started through Stream.
type RunOptions struct {
	Goal      string
	BuyerNote string
	Mode      string
	Checkout  string
	SessionID string
}

// ActionResult is the control surface response.
type ActionResult struct {
	OK        bool `json:"ok"`
	Cancelled bool `json:"cancelled,omitempty"`
}

// BudgetStatus mirrors the ledger snapshot served by the engine.
type BudgetStatus struct {
	MaxPerDeal    string   `json:"maxPerDeal"`
	TotalBudget   string   `json:"totalBudget"`
	Spent         string   `json:"spent"`
	Pending       string   `json:"pending"`
	Remaining     string   `json:"remaining"`
	PendingOrders []string `json:"pendingOrders"`
}

// Run summarises a finished run.
type Run struct {
	RunID          string `json:"runId"`
	Goal           string `json:"goal"`
	Mode           string `json:"mode"`
	Checkout       string `json:"checkout"`
	Outcome        string `json:"outcome"`
	StoreID        string `json:"storeId,omitempty"`
	ProductID      string `json:"productId,omitempty"`
	DealID         string `json:"dealId,omitempty"`
	Price          string `json:"price,omitempty"`
	Rounds         int    `json:"rounds"`
	PendingOrderID string `json:"pendingOrderId,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	StartedAt      int64  `json:"startedAt"`
	FinishedAt     int64  `json:"finishedAt"`
}

// Tool describes a tool the buyer agent calls during a run.
type Tool struct {
	Name        string `json:"name"`
	Stage       string `json:"stage"`
	Description string `json:"description"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("market api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the engine, e.g. a session that
// was already resolved.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		baseURL:      parsed,
		httpClient:   httpClient,
		streamClient: &http.Client{Transport: httpClient.Transport},
	}, nil
}

// Stream starts a run and calls handler for every event until the stream ends.
// A handler error stops reading and closes the connection, which cancels the
// run on the server.
func (c *Client) Stream(ctx context.Context, opts RunOptions, handler func(event.Event) error) error {
	query := url.Values{}
	query.Set("goal", opts.Goal)
	setIfNotEmpty(query, "buyerNote", opts.BuyerNote)
	setIfNotEmpty(query, "mode", opts.Mode)
	setIfNotEmpty(query, "checkout", opts.Checkout)
	setIfNotEmpty(query, "sessionId", opts.SessionID)
	return c.follow(ctx, "/api/v1/agent/stream", query, handler)
}

// Watch follows the events of a run started elsewhere.
func (c *Client) Watch(ctx context.Context, runID string, handler func(event.Event) error) error {
	return c.follow(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/events", nil, handler)
}

// Confirm approves settlement for a session awaiting confirmation.
func (c *Client) Confirm(ctx context.Context, sessionID string) (ActionResult, error) {
	return c.action(ctx, sessionID, "confirm_settlement")
}

// Cancel rejects settlement for a session awaiting confirmation.
func (c *Client) Cancel(ctx context.Context, sessionID string) (ActionResult, error) {
	return c.action(ctx, sessionID, "cancel_settlement")
}

// Budget fetches the ledger snapshot.
func (c *Client) Budget(ctx context.Context) (BudgetStatus, error) {
	var status BudgetStatus
	if err := c.get(ctx, "/api/v1/budget", nil, &status); err != nil {
		return BudgetStatus{}, err
	}
	return status, nil
}

// ResolveReservation confirms or releases a reservation left pending by an
// ambiguous settlement.
func (c *Client) ResolveReservation(ctx context.Context, orderID string, settled bool) (BudgetStatus, error) {
	action := "cancel"
	if settled {
		action = "confirm"
	}
	var status BudgetStatus
	payload := map[string]string{"orderId": orderID, "action": action}
	if err := c.post(ctx, "/api/v1/budget/reservations", payload, &status); err != nil {
		return BudgetStatus{}, err
	}
	return status, nil
}

// Runs lists the most recent runs.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var runs []Run
	if err := c.get(ctx, "/api/v1/runs", query, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Tools lists the tools the buyer agent uses.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	if err := c.get(ctx, "/api/v1/tools", nil, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

func (c *Client) action(ctx context.Context, sessionID, action string) (ActionResult, error) {
	var result ActionResult
	payload := map[string]string{"sessionId": sessionID, "action": action}
	if err := c.post(ctx, "/api/v1/agent/action", payload, &result); err != nil {
		return ActionResult{}, err
	}
	return result, nil
}

func (c *Client) follow(ctx context.Context, endpoint string, query url.Values, handler func(event.Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	reader := event.NewSSEReader(resp.Body)
	for {
		ev, err := reader.ReadEvent()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if err := handler(ev); err != nil {
			return err
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

func setIfNotEmpty(values url.Values, key, value string) {
	if value != "" {
		values.Set(key, value)
	}
}

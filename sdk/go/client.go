package repairlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal repairline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// Identity is sent as X-Identity when no credentials are set; servers only
	// honour it when started with --allow-identity-header.
	Identity   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Provisional struct {
	Status string    `json:"status"`
	Action string    `json:"action"`
	At     time.Time `json:"at"`
}

// RepairRequest is the projected repair request as the API returns it.
type RepairRequest struct {
	ID              uint64       `json:"id"`
	PropertyID      string       `json:"property_id"`
	Landlord        string       `json:"landlord"`
	Initiator       string       `json:"initiator"`
	Urgency         string       `json:"urgency"`
	Status          string       `json:"status"`
	DisplayStatus   string       `json:"display_status"`
	NextStatuses    []string     `json:"next_statuses"`
	DescriptionHash string       `json:"description_hash"`
	WorkDetailsHash string       `json:"work_details_hash"`
	Provisional     *Provisional `json:"provisional,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type WorkOrder struct {
	ID              uint64    `json:"id"`
	RepairRequestID uint64    `json:"repair_request_id"`
	Landlord        string    `json:"landlord"`
	Contractor      string    `json:"contractor"`
	AgreedPrice     uint64    `json:"agreed_price"`
	DescriptionHash string    `json:"description_hash"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type EntityRef struct {
	Kind string `json:"kind"`
	ID   uint64 `json:"id"`
}

// Receipt is the audit record of one content overwrite.
type Receipt struct {
	Ref       EntityRef `json:"ref"`
	Field     string    `json:"field"`
	OldHash   string    `json:"old_hash"`
	NewHash   string    `json:"new_hash"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

type ContentUpdate struct {
	RepairRequest *RepairRequest `json:"repair_request,omitempty"`
	WorkOrder     *WorkOrder     `json:"work_order,omitempty"`
	Receipt       Receipt        `json:"receipt"`
}

// LedgerEvent is one entry of an entity's ledger history.
type LedgerEvent struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Ref       EntityRef `json:"ref"`
	Actor     string    `json:"actor"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status,omitempty"`
	Field     string    `json:"field,omitempty"`
	OldHash   string    `json:"old_hash,omitempty"`
	NewHash   string    `json:"new_hash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event represents a projection event log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRepairRequest opens a request on a property as the caller. An empty urgency means MEDIUM.
func (c *Client) CreateRepairRequest(ctx context.Context, propertyID, urgency, description string) (RepairRequest, error) {
	body := map[string]any{
		"property_id": propertyID,
		"description": description,
	}
	if urgency != "" {
		body["urgency"] = urgency
	}
	var resp RepairRequest
	err := c.do(ctx, http.MethodPost, "repair-requests", body, &resp)
	return resp, err
}

// GetRepairRequest fetches one request.
func (c *Client) GetRepairRequest(ctx context.Context, id uint64) (RepairRequest, error) {
	var resp RepairRequest
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("repair-requests/%d", id), nil, &resp)
	return resp, err
}

// ListRepairRequests searches requests; filters are passed as query parameters
// (status, initiator, landlord, property_id, mine, limit).
func (c *Client) ListRepairRequests(ctx context.Context, filters url.Values) ([]RepairRequest, error) {
	var resp struct {
		Items []RepairRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("repair-requests", filters), nil, &resp)
	return resp.Items, err
}

func (c *Client) UpdateStatus(ctx context.Context, id uint64, status string) (RepairRequest, error) {
	var resp RepairRequest
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("repair-requests/%d/status", id), map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) ApproveWork(ctx context.Context, id uint64, isAccepted bool) (RepairRequest, error) {
	var resp RepairRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("repair-requests/%d/approve", id), map[string]any{"is_accepted": isAccepted}, &resp)
	return resp, err
}

// Withdraw asks for cancellation. The returned request carries the provisional
// CANCELLED value until the ledger confirms it.
func (c *Client) Withdraw(ctx context.Context, id uint64) (RepairRequest, error) {
	var resp RepairRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("repair-requests/%d/withdraw", id), nil, &resp)
	return resp, err
}

// UpdateWorkDetails replaces the work details. A non-nil base makes the update
// conditional on the field still holding that hash.
func (c *Client) UpdateWorkDetails(ctx context.Context, id uint64, text string, base *string) (ContentUpdate, error) {
	body := map[string]any{"work_details": text}
	if base != nil {
		body["base_hash"] = *base
	}
	var resp ContentUpdate
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("repair-requests/%d/work-details", id), body, &resp)
	return resp, err
}

func (c *Client) UpdateDescription(ctx context.Context, id uint64, text string, base *string) (ContentUpdate, error) {
	body := map[string]any{"description": text}
	if base != nil {
		body["base_hash"] = *base
	}
	var resp ContentUpdate
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("repair-requests/%d/description", id), body, &resp)
	return resp, err
}

func (c *Client) RequestHistory(ctx context.Context, id uint64) ([]LedgerEvent, error) {
	var resp []LedgerEvent
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("repair-requests/%d/history", id), nil, &resp)
	return resp, err
}

// ContentHistory returns the verified overwrite chain of one request field.
func (c *Client) ContentHistory(ctx context.Context, id uint64, field string) ([]Receipt, error) {
	var resp []Receipt
	q := url.Values{}
	if field != "" {
		q.Set("field", field)
	}
	err := c.do(ctx, http.MethodGet, withQuery(fmt.Sprintf("repair-requests/%d/content-history", id), q), nil, &resp)
	return resp, err
}

// CreateWorkOrder drafts a work order on a request as its landlord.
func (c *Client) CreateWorkOrder(ctx context.Context, requestID uint64, contractor string, price uint64, description string) (WorkOrder, error) {
	body := map[string]any{
		"contractor":   contractor,
		"agreed_price": price,
		"description":  description,
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("repair-requests/%d/work-orders", requestID), body, &resp)
	return resp, err
}

func (c *Client) GetWorkOrder(ctx context.Context, id uint64) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("work-orders/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) ListWorkOrders(ctx context.Context, filters url.Values) ([]WorkOrder, error) {
	var resp struct {
		Items []WorkOrder `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("work-orders", filters), nil, &resp)
	return resp.Items, err
}

func (c *Client) SignWorkOrder(ctx context.Context, id uint64) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("work-orders/%d/sign", id), nil, &resp)
	return resp, err
}

func (c *Client) UpdateWorkOrderDescription(ctx context.Context, id uint64, text string, base *string) (ContentUpdate, error) {
	body := map[string]any{"description": text}
	if base != nil {
		body["base_hash"] = *base
	}
	var resp ContentUpdate
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("work-orders/%d/description", id), body, &resp)
	return resp, err
}

// Content resolves a content hash to its body.
func (c *Client) Content(ctx context.Context, hash string) (string, error) {
	var resp struct {
		Body string `json:"body"`
	}
	err := c.do(ctx, http.MethodGet, "contents/"+url.PathEscape(hash), nil, &resp)
	return resp.Body, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.Identity != "":
		req.Header.Set("X-Identity", c.Identity)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package orderlinesdk

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

// Client is a minimal Orderline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User represents the API user model (partial).
type User struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Phone           string  `json:"phone,omitempty"`
	Rating          float64 `json:"rating"`
	CompletedOrders int     `json:"completed_orders"`
}

// Order represents the API order model (partial).
type Order struct {
	ID               string  `json:"id"`
	CreatorID        string  `json:"creator_id"`
	CourierID        *string `json:"courier_id,omitempty"`
	Status           string  `json:"status"`
	PickupPlatform   string  `json:"pickup_platform"`
	PickupLocation   string  `json:"pickup_location"`
	DeliveryLocation string  `json:"delivery_location"`
	BaseFee          int64   `json:"base_fee"`
	UrgentFee        int64   `json:"urgent_fee"`
	IsUrgent         bool    `json:"is_urgent"`
	CreatedAt        string  `json:"created_at"`
}

// Message represents one conversation entry.
type Message struct {
	ID        string  `json:"id"`
	OrderID   string  `json:"order_id"`
	SenderID  string  `json:"sender_id"`
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	ImageURL  string  `json:"image_url,omitempty"`
	CreatedAt string  `json:"created_at"`
	ReadAt    *string `json:"read_at,omitempty"`
}

// AuthResponse pairs a bearer token with the account it grants.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedOrders wraps order listings with cursors.
type PaginatedOrders struct {
	Items      []Order `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedMessages wraps message listings with cursors.
type PaginatedMessages struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// Register creates an account and stores the returned token on the client.
func (c *Client) Register(ctx context.Context, name, phone, password string) (AuthResponse, error) {
	body := map[string]any{
		"name":     name,
		"phone":    phone,
		"password": password,
	}
	var resp AuthResponse
	err := c.do(ctx, http.MethodPost, "v1/auth/register", body, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, phone, password string) (AuthResponse, error) {
	body := map[string]any{
		"phone":    phone,
		"password": password,
	}
	var resp AuthResponse
	err := c.do(ctx, http.MethodPost, "v1/auth/login", body, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// CreateOrder posts a new order.
func (c *Client) CreateOrder(ctx context.Context, pickupPlatform, pickupLocation, deliveryLocation string, baseFee int64) (Order, error) {
	body := map[string]any{
		"pickup_platform":   pickupPlatform,
		"pickup_location":   pickupLocation,
		"delivery_location": deliveryLocation,
		"base_fee":          baseFee,
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, "v1/orders", body, &resp)
	return resp, err
}

// Orders returns a page of orders, optionally filtered by status.
func (c *Client) Orders(ctx context.Context, status string, limit int, cursor string) (PaginatedOrders, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/orders"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedOrders
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodGet, "v1/orders/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ClaimOrder races for the order; at most one caller wins.
func (c *Client) ClaimOrder(ctx context.Context, id string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/orders/%s/claim", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// UpdateStatus advances the order to status.
func (c *Client) UpdateStatus(ctx context.Context, id, status string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/orders/%s/status", url.PathEscape(id)), map[string]any{"status": status}, &resp)
	return resp, err
}

// CancelOrder cancels the order.
func (c *Client) CancelOrder(ctx context.Context, id string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/orders/%s/cancel", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SendMessage sends a text message in the order's conversation.
func (c *Client) SendMessage(ctx context.Context, orderID, content string) (Message, error) {
	var resp Message
	endpoint := fmt.Sprintf("v1/orders/%s/messages", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"content": content}, &resp)
	return resp, err
}

// Messages returns a page of the order's conversation, oldest first.
func (c *Client) Messages(ctx context.Context, orderID string, limit int, cursor string) (PaginatedMessages, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("v1/orders/%s/messages", url.PathEscape(orderID))
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedMessages
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MarkRead marks the counterparty's messages read.
func (c *Client) MarkRead(ctx context.Context, orderID string) (int64, error) {
	var resp struct {
		Marked int64 `json:"marked"`
	}
	endpoint := fmt.Sprintf("v1/orders/%s/messages/read", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Marked, err
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

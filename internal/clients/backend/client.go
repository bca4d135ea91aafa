package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deliverly/navigator/internal/lib/delivery"
	"github.com/deliverly/navigator/internal/lib/geo"
)

// HTTPDoer is the subset of *http.Client the client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ReportingError is returned when a position or status report could not be
// delivered. Callers on the sample path log it and continue.
type ReportingError struct {
	Op      string
	OrderID string
	Err     error
}

func (e *ReportingError) Error() string {
	return fmt.Sprintf("%s for order %s: %v", e.Op, e.OrderID, e.Err)
}

func (e *ReportingError) Unwrap() error { return e.Err }

// Client talks to the delivery backend REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient HTTPDoer
}

// NewClient creates a backend client. token is sent as a bearer token when set.
func NewClient(baseURL, token string) *Client {
	return NewClientWithHTTPDoer(baseURL, token, &http.Client{Timeout: 20 * time.Second})
}

// NewClientWithHTTPDoer creates a backend client using doer for transport.
func NewClientWithHTTPDoer(baseURL, token string, doer HTTPDoer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: doer,
	}
}

// envelope wraps every backend response body.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

type coordinateBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	OrderID   string  `json:"orderId,omitempty"`
}

// FindByOrder returns the coordinate record for orderID, or nil when the
// order has none yet.
func (c *Client) FindByOrder(ctx context.Context, orderID string) (*delivery.Coordinate, error) {
	var coord *delivery.Coordinate
	err := c.call(ctx, http.MethodGet, "/coordinate/order/"+url.PathEscape(orderID), nil, &coord)
	var statusErr *statusError
	if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, &ReportingError{Op: "find coordinate", OrderID: orderID, Err: err}
	}
	return coord, nil
}

// Create stores the first coordinate for orderID.
func (c *Client) Create(ctx context.Context, orderID string, p geo.Point) (*delivery.Coordinate, error) {
	body := coordinateBody{Latitude: p.Latitude, Longitude: p.Longitude, OrderID: orderID}
	var coord *delivery.Coordinate
	if err := c.call(ctx, http.MethodPost, "/coordinate", body, &coord); err != nil {
		return nil, &ReportingError{Op: "create coordinate", OrderID: orderID, Err: err}
	}
	if coord == nil {
		return nil, &ReportingError{Op: "create coordinate", OrderID: orderID, Err: errors.New("empty response")}
	}
	return coord, nil
}

// Update moves an existing coordinate record.
func (c *Client) Update(ctx context.Context, id string, p geo.Point) error {
	body := coordinateBody{Latitude: p.Latitude, Longitude: p.Longitude}
	if err := c.call(ctx, http.MethodPut, "/coordinate/"+url.PathEscape(id), body, nil); err != nil {
		return &ReportingError{Op: "update coordinate " + id, Err: err}
	}
	return nil
}

// UpdateDeliveryInfo appends a delivery status change to the order.
func (c *Client) UpdateDeliveryInfo(ctx context.Context, orderID string, info delivery.DeliveryInfo) error {
	if err := c.call(ctx, http.MethodPut, "/order/deliveryInfo/"+url.PathEscape(orderID), info, nil); err != nil {
		return &ReportingError{Op: "update delivery info", OrderID: orderID, Err: err}
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.code, e.body)
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

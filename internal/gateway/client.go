package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/draw-sync/internal/errors"
	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/tidwall/gjson"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 * 1024 * 1024

// Client is the HTTP implementation of Gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client rooted at baseURL. If httpClient is nil,
// http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

var _ Gateway = (*Client)(nil)

// do sends a request and returns the response body of a 2xx reply.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, header http.Header) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshalling request body: %w", apperrors.ErrAPIRequest, err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", apperrors.ErrAPIRequest, err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(endpoint, resp.StatusCode, respBody)
	}

	return respBody, nil
}

// transportError classifies a failure to complete the exchange.
func transportError(endpoint string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w: %s: %w", apperrors.ErrNetwork, apperrors.ErrTimeout, endpoint, err)
	}

	return fmt.Errorf("%w: %s: %w", apperrors.ErrNetwork, endpoint, err)
}

// statusError converts a non-2xx reply. 5xx and 429 are treated as
// transient network failures; other statuses are API errors.
func statusError(endpoint string, status int, body []byte) error {
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: API %s returned status %d: %s", apperrors.ErrNetwork, endpoint, status, msg)
	}

	return fmt.Errorf("%w: API %s (%d): %s", apperrors.ErrAPIResponse, endpoint, status, msg)
}

func recordsEndpoint(collection string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/records"
}

// FetchSince returns records changed after since.
func (c *Client) FetchSince(ctx context.Context, collection string, since time.Time) ([]models.Record, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))

	body, err := c.do(ctx, http.MethodGet, recordsEndpoint(collection)+"?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching %s since %s: %w", collection, since.Format(time.RFC3339), err)
	}

	records, err := decodeRecords(collection, body)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", collection, err)
	}

	return records, nil
}

// FetchFull returns up to limit of the most recent records.
func (c *Client) FetchFull(ctx context.Context, collection string, limit int) ([]models.Record, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	endpoint := recordsEndpoint(collection)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching full %s: %w", collection, err)
	}

	records, err := decodeRecords(collection, body)
	if err != nil {
		return nil, fmt.Errorf("fetching full %s: %w", collection, err)
	}

	return records, nil
}

type pushRequest struct {
	Kind      models.OpKind `json:"kind"`
	Date      string        `json:"date"`
	Primary   []int         `json:"primary,omitempty"`
	Secondary []int         `json:"secondary,omitempty"`
}

// Push sends a manual change. The operation's idempotency key travels in
// the Idempotency-Key header.
func (c *Client) Push(ctx context.Context, collection string, op models.Operation) error {
	req := pushRequest{
		Kind:      op.Kind,
		Date:      op.Record.Key(),
		Primary:   op.Record.Primary,
		Secondary: op.Record.Secondary,
	}

	header := http.Header{}
	header.Set("Idempotency-Key", op.IdempotencyKey())

	if _, err := c.do(ctx, http.MethodPost, recordsEndpoint(collection), req, header); err != nil {
		return fmt.Errorf("pushing %s %s %s: %w", op.Kind, collection, op.Record.Key(), err)
	}

	return nil
}

// Ping checks the service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil); err != nil {
		return fmt.Errorf("pinging: %w", err)
	}

	return nil
}

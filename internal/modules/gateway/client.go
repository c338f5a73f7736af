// README: External order gateway client; verifies imported orders and reports status back, with bounded retries.
package gateway

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

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"courier/internal/apperr"
	"courier/internal/types"
)

var ErrUnavailable = apperr.New(apperr.KindUpstreamUnavailable, "external order system unavailable")

type Item struct {
	SKU      string      `json:"sku"`
	Name     string      `json:"name"`
	Quantity int         `json:"quantity"`
	Price    types.Money `json:"price"`
}

type Address struct {
	Street     string       `json:"street"`
	City       string       `json:"city"`
	PostalCode string       `json:"postal_code"`
	Note       string       `json:"note"`
	Location   *types.Point `json:"location"`
}

// ExternalOrder is the order as the originating e-commerce system describes it.
type ExternalOrder struct {
	ID               string       `json:"id"`
	Number           string       `json:"number"`
	CustomerID       string       `json:"customer_id"`
	BusinessID       string       `json:"business_id"`
	BusinessLocation *types.Point `json:"business_location"`
	Items            []Item       `json:"items"`
	Address          Address      `json:"address"`
	Subtotal         types.Money  `json:"subtotal"`
	PaymentMethod    string       `json:"payment_method"`
	ScheduledFor     *time.Time   `json:"scheduled_for"`
}

type Verification struct {
	OK     bool
	Reason string
	Order  *ExternalOrder
}

type TrackingSnapshot struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Location  *types.Point `json:"location,omitempty"`
	Note      string       `json:"note,omitempty"`
}

type Client struct {
	base       *url.URL
	apiKey     string
	http       *http.Client
	maxRetries uint
	log        *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, maxRetries int, log *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway base url %q", baseURL)
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		base:       u,
		apiKey:     apiKey,
		http:       &http.Client{Timeout: timeout},
		maxRetries: uint(maxRetries),
		log:        log,
	}, nil
}

// Verify asks the external system whether externalID is a real, deliverable order.
// A definitive "no" is a Verification with OK=false, not an error.
func (c *Client) Verify(ctx context.Context, externalID string) (*Verification, error) {
	var out ExternalOrder
	status, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(externalID), nil, &out)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusNotFound:
		return &Verification{OK: false, Reason: "order not found in external system"}, nil
	case http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity:
		return &Verification{OK: false, Reason: "order not deliverable"}, nil
	}
	if status >= 300 {
		return nil, ErrUnavailable.WithDetail("verify %s: status %d", externalID, status)
	}
	if out.ID == "" {
		out.ID = externalID
	}
	return &Verification{OK: true, Order: &out}, nil
}

func (c *Client) NotifyStatus(ctx context.Context, externalID, status string, tracking []TrackingSnapshot) error {
	body := map[string]any{"status": status, "tracking": tracking}
	code, err := c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(externalID)+"/status", body, nil)
	if err != nil {
		return err
	}
	if code >= 400 {
		return ErrUnavailable.WithDetail("notify %s rejected with %d", externalID, code)
	}
	return nil
}

// do retries transport errors and 5xx with exponential backoff. 4xx come back as a status code.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		payload = b
	}
	endpoint := c.base.String() + path

	op := func() (int, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return 0, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		if resp.StatusCode < 300 && out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return 0, backoff.Permanent(fmt.Errorf("decode %s response: %w", path, err))
			}
		}
		return resp.StatusCode, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	code, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Debug("gateway call failed, retrying", zap.String("path", path), zap.Duration("in", next), zap.Error(err))
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return 0, ErrUnavailable.WithDetail("%s %s: %v", method, path, err)
	}
	return code, nil
}

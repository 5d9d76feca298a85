// Package lending reads user positions from the external lending protocol.
package lending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// Client is the REST client for the lending-protocol position API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewClient creates a Client.
//
// baseURL is the API root, e.g. "https://positions.example.org/v1".
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryDelay: 200 * time.Millisecond,
		logger:     logger.With(slog.String("component", "lending")),
	}
}

// ListPositions returns the owner's collateral and debt positions. It retries
// once; a second failure is reported as domain.ErrAdapterUnavailable.
func (c *Client) ListPositions(ctx context.Context, owner string) ([]domain.Position, error) {
	path := fmt.Sprintf("/positions/%s", url.PathEscape(owner))

	var (
		body []byte
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, domain.WrapError(domain.KindAdapterUnavailable, "position read cancelled", ctx.Err())
			case <-time.After(c.retryDelay):
			}
		}
		body, err = c.doGet(ctx, path)
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			break
		}
		c.logger.WarnContext(ctx, "position read failed",
			slog.String("owner", owner),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindAdapterUnavailable, "lending protocol unavailable", err)
	}

	var apiPositions []APIPosition
	if err := json.Unmarshal(body, &apiPositions); err != nil {
		return nil, domain.WrapError(domain.KindAdapterUnavailable, "lending protocol returned malformed positions",
			fmt.Errorf("lending: decode positions: %w", err))
	}

	positions := make([]domain.Position, 0, len(apiPositions))
	for i := range apiPositions {
		p, err := apiPositions[i].ToDomain(owner)
		if err != nil {
			return nil, domain.WrapError(domain.KindAdapterUnavailable, "lending protocol returned malformed positions", err)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	if statusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	}
	return fmt.Errorf("HTTP %d: %s", statusCode, body)
}

var _ domain.LendingAdapter = (*Client)(nil)

package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/errutil"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("commerce",
	fx.Provide(NewHTTPClient),
)

// Client talks to the commerce platform's admin API for discount-code
// artifacts. Every call is bounded by the configured timeout; Delete exists
// so callers can roll back a remote artifact when local persistence fails.
type Client interface {
	CreateDiscountCode(ctx context.Context, req CreateDiscountCodeRequest) (*DiscountCodeArtifact, error)
	DeleteDiscountCode(ctx context.Context, remoteID string) error
}

type CreateDiscountCodeRequest struct {
	TenantID string          `json:"tenant_id"`
	Code     string          `json:"code"`
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
	ExpireAt *time.Time      `json:"expire_at,omitempty"`
}

type DiscountCodeArtifact struct {
	RemoteID string `json:"id"`
	Code     string `json:"code"`
}

type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

type ClientParams struct {
	fx.In

	Config *config.Config
}

func NewHTTPClient(p ClientParams) Client {
	timeout := p.Config.Commerce.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		baseURL: p.Config.Commerce.BaseURL,
		token:   p.Config.Commerce.AccessToken,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) CreateDiscountCode(ctx context.Context, req CreateDiscountCodeRequest) (*DiscountCodeArtifact, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errutil.BadRequest("invalid discount code payload", errutil.WithErr(err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/discount_codes", bytes.NewReader(body))
	if err != nil {
		return nil, errutil.Internal("failed to build request", errutil.WithErr(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errutil.BadGateway("commerce discount code creation failed", errutil.WithErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errutil.BadGateway(
			fmt.Sprintf("commerce platform returned %d", resp.StatusCode),
			errutil.WithDetails(errutil.Detail{Field: "response", Message: string(msg)}),
		)
	}

	var artifact DiscountCodeArtifact
	if err := json.NewDecoder(resp.Body).Decode(&artifact); err != nil {
		return nil, errutil.BadGateway("commerce platform returned malformed body", errutil.WithErr(err))
	}

	return &artifact, nil
}

func (c *HTTPClient) DeleteDiscountCode(ctx context.Context, remoteID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/discount_codes/"+remoteID, nil)
	if err != nil {
		return errutil.Internal("failed to build request", errutil.WithErr(err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errutil.BadGateway("commerce discount code deletion failed", errutil.WithErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		zap.L().Warn("commerce rollback left a dangling artifact",
			zap.String("remote_id", remoteID),
			zap.Int("status", resp.StatusCode),
		)
		return errutil.BadGateway(fmt.Sprintf("commerce platform returned %d", resp.StatusCode))
	}

	return nil
}

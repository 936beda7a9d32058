package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/payment"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns the cached bearer token, fetching a new one when it is
// missing or within TokenSkew of expiry. Concurrent misses share one fetch.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if token, ok := c.cachedToken(); ok {
		return token, nil
	}

	ch := c.tokenGroup.DoChan(opToken, func() (any, error) {
		if token, ok := c.cachedToken(); ok {
			return token, nil
		}
		// Shared by every waiter; detached from the caller that started it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.tokenFetchTimeout())
		defer cancel()

		var tr tokenResponse
		err := c.retry(fetchCtx, func() error {
			resp, err := c.send(fetchCtx, request{
				op:        opToken,
				method:    http.MethodPost,
				path:      "/v1/oauth2/token",
				form:      "grant_type=client_credentials",
				basicAuth: true,
			})
			if err != nil {
				return err
			}
			if err := json.Unmarshal(resp.body, &tr); err != nil || tr.AccessToken == "" {
				return fmt.Errorf("%w: token response", payment.ErrMalformedResponse)
			}
			return nil
		})
		if err != nil {
			return "", err
		}

		ttl := time.Duration(tr.ExpiresIn)*time.Second - c.cfg.TokenSkew
		c.tokenMu.Lock()
		c.token = tr.AccessToken
		c.tokenExpiry = c.now().Add(ttl)
		c.tokenMu.Unlock()
		return tr.AccessToken, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &payment.GatewayError{Op: opToken, Err: ctx.Err()}
	}
}

// tokenFetchTimeout covers every attempt of one token fetch plus its backoff.
func (c *Client) tokenFetchTimeout() time.Duration {
	total := c.cfg.Timeout * time.Duration(c.cfg.MaxRetries+1)
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		total += c.cfg.RetryBaseDelay << (attempt - 1)
	}
	return total
}

func (c *Client) cachedToken() (string, bool) {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	if c.token == "" || !c.now().Before(c.tokenExpiry) {
		return "", false
	}
	return c.token, true
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.tokenMu.Unlock()
}

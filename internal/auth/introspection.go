package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/technician-dispatch/internal/errs"
)

// IntrospectionClient asks the AuthService whether a token is active.
type IntrospectionClient struct {
	Endpoint string
	Client   *http.Client
}

func NewIntrospectionClient(endpoint string) *IntrospectionClient {
	return &IntrospectionClient{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

type introspectionResponse struct {
	Active bool   `json:"active"`
	Sub    string `json:"sub"`
	Role   string `json:"role"`
}

func (c *IntrospectionClient) Verify(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, errs.NewUnauthorizedError("missing token")
	}
	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Principal{}, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return Principal{}, fmt.Errorf("introspect token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Principal{}, fmt.Errorf("introspection failed with status %d: %s", resp.StatusCode, string(b))
	}
	var out introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Principal{}, fmt.Errorf("decode introspection response: %w", err)
	}
	if !out.Active || out.Sub == "" {
		return Principal{}, errs.NewUnauthorizedError("token is not active")
	}
	role := Role(out.Role)
	if !validRole(role) {
		return Principal{}, errs.NewForbiddenError("unsupported role " + out.Role)
	}
	return Principal{UserID: out.Sub, Role: role}, nil
}

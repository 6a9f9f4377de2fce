package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/covenant-labs/covenant/internal/auth"
	"github.com/covenant-labs/covenant/internal/domain"
)

// apiError is the daemon's error envelope.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// newClient builds a client from the persistent flags. When no token is
// given and the local config holds the signing secret, a short-lived token
// for the configured resolver is minted so operator commands work on the
// daemon host.
func newClient(cmd *cobra.Command) (*apiClient, error) {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")

	if addr == "" || token == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = cfg.API.Addr()
		}
		if token == "" && cfg.Auth.Secret != "" && cfg.Custody.Resolver != "" {
			resolver, err := domain.ParsePrincipal(cfg.Custody.Resolver)
			if err != nil {
				return nil, err
			}
			tm, err := auth.NewTokenManager(cfg.Auth.Secret, 5*time.Minute)
			if err != nil {
				return nil, err
			}
			if token, err = tm.Issue(resolver); err != nil {
				return nil, err
			}
		}
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env struct {
			Error apiError `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		env.Error.Status = resp.StatusCode
		if env.Error.Code == "" {
			env.Error.Code = "http_error"
			env.Error.Message = resp.Status
		}
		return &env.Error
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

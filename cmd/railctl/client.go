package main

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

	"github.com/warp/settlement-engine/api"
)

// client calls the settlement engine HTTP API on behalf of one tenant.
type client struct {
	baseURL string
	tenant  string
	token   string
	http    *http.Client
}

func newClient(server, tenant, secret, subject string) (*client, error) {
	c := &client{
		baseURL: strings.TrimRight(server, "/"),
		tenant:  tenant,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	if secret != "" {
		token, err := api.SignToken(secret, tenant, subject)
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}
		c.token = token
	}
	return c, nil
}

// do sends body as JSON and returns the raw response body. Non-2xx
// responses become errors carrying the server's error message.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.tenant != "" {
		req.Header.Set(api.TenantHeader, c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			if e.Details != "" {
				return nil, fmt.Errorf("%s (%d): %s", e.Error, resp.StatusCode, e.Details)
			}
			return nil, fmt.Errorf("%s (%d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return data, nil
}

// printJSON re-indents a response body.
func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

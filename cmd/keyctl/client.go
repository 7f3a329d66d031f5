package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/org/keygate/internal/gate"
	"github.com/org/keygate/internal/signature"
)

// Client is an HTTP client for a keygate-protected API.
type Client struct {
	addr   string
	apiKey string
	secret string
	http   *http.Client
	now    func() time.Time
}

// newClient builds a Client from c, which should already carry env overrides.
func newClient(c CLIConfig) (*Client, error) {
	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
	return &Client{addr: c.Address, apiKey: c.APIKey, secret: c.Secret, http: httpClient, now: time.Now}, nil
}

// do sends a request. When sign is set the body is signed with the
// configured secret.
func (c *Client) do(method, path string, body []byte, sign bool) ([]byte, error) {
	req, err := http.NewRequest(method, c.addr+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(gate.HeaderAPIKey, c.apiKey)
	}
	if sign {
		if c.secret == "" {
			return nil, fmt.Errorf("signing requires a secret (--secret or KEYGATE_SECRET)")
		}
		ts := strconv.FormatInt(c.now().Unix(), 10)
		req.Header.Set(gate.HeaderTimestamp, ts)
		req.Header.Set(gate.HeaderSignature, signature.Sign(c.secret, ts, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, nil, false)
}

func parseResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		if !gjson.ValidBytes(data) {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
		}
		code := gjson.GetBytes(data, "error").String()
		msg := gjson.GetBytes(data, "message").String()
		if code == "" {
			return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d %s: %s", resp.StatusCode, code, msg)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("HTTP %d: response is not JSON", resp.StatusCode)
	}
	return data, nil
}

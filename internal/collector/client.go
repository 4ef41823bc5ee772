// Package collector talks to the remote collector's agent API.
package collector

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

	"hostagent/internal/domain"
)

// StatusError is a non-2xx response. Code is the nested application code
// from the JSON body, zero when the body carried none.
type StatusError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *StatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("HTTP %d error #%d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d error", e.StatusCode)
}

type Paths struct {
	Auth   string
	Data   string
	Config string
}

type Client struct {
	base  string
	paths Paths
	hc    *http.Client
}

// New builds a client. proxy may be empty, in which case the environment's
// proxy settings apply.
func New(baseURL string, paths Paths, timeout time.Duration, proxy string) (*Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		tr.Proxy = http.ProxyURL(u)
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		paths: paths,
		hc:    &http.Client{Timeout: timeout, Transport: tr},
	}, nil
}

type activityJSON struct {
	ID       string `json:"_id"`
	Service  string `json:"service"`
	Name     string `json:"name"`
	Command  string `json:"command"`
	Interval int    `json:"interval"`
}

func toActivities(in []activityJSON) []domain.Activity {
	out := make([]domain.Activity, 0, len(in))
	for _, a := range in {
		out = append(out, domain.Activity{
			ID:           a.ID,
			ServiceName:  a.Service,
			ActivityName: a.Name,
			Command:      a.Command,
			Interval:     a.Interval,
		})
	}
	return out
}

// Session is what a successful login returns.
type Session struct {
	Token        string
	AgentID      string
	OrgID        string
	CategoryID   string
	AgentVersion string
	Activities   []domain.Activity
}

type authResponse struct {
	ID           string         `json:"_id"`
	Org          string         `json:"org"`
	Category     string         `json:"category"`
	AgentVersion string         `json:"agentVersion"`
	Token        string         `json:"token"`
	Activities   []activityJSON `json:"activities"`
}

func (c *Client) Authenticate(ctx context.Context, agentToken string) (Session, error) {
	body, _ := json.Marshal(map[string]string{"agentToken": agentToken})
	resp, err := c.do(ctx, http.MethodPost, c.paths.Auth, "", body)
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return Session{}, err
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return Session{}, fmt.Errorf("decode auth response: %w", err)
	}
	token := ar.Token
	if cookies := resp.Cookies(); len(cookies) > 0 {
		token = cookies[0].Name + "=" + cookies[0].Value
	}
	if token == "" {
		return Session{}, fmt.Errorf("auth response carried no session cookie")
	}
	return Session{
		Token:        token,
		AgentID:      ar.ID,
		OrgID:        ar.Org,
		CategoryID:   ar.Category,
		AgentVersion: ar.AgentVersion,
		Activities:   toActivities(ar.Activities),
	}, nil
}

// PostResult posts one serialized payload for activityID. A nil error means
// the collector accepted it.
func (c *Client) PostResult(ctx context.Context, token, activityID string, payload []byte) error {
	resp, err := c.do(ctx, http.MethodPost, c.paths.Data+url.PathEscape(activityID), token, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Config is the authoritative activity set.
type Config struct {
	Activities []domain.Activity
	Category   string
}

func (c *Client) FetchConfig(ctx context.Context, token string) (Config, error) {
	resp, err := c.do(ctx, http.MethodGet, c.paths.Config, token, nil)
	if err != nil {
		return Config{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return Config{}, err
	}
	var body struct {
		Activities []activityJSON `json:"activities"`
		Category   string         `json:"category"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Config{}, fmt.Errorf("decode config response: %w", err)
	}
	return Config{Activities: toActivities(body.Activities), Category: body.Category}, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Cookie", token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	se := &StatusError{StatusCode: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(b, se)
	se.StatusCode = resp.StatusCode
	return se
}

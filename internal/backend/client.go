package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"partyoverlay/internal/httputil"
	"partyoverlay/internal/models"
)

var (
	// ErrNotConnected means the backend has no Spotify authorization yet (409).
	ErrNotConnected = errors.New("spotify is not connected on the backend")
	// ErrBadCredential means the backend rejected our API token (401/403).
	ErrBadCredential = errors.New("backend rejected api token")
)

// Client talks to the party backend's HTTP API.
type Client struct {
	BaseURL  string
	APIToken string
	HTTP     *http.Client
}

func New(baseURL, apiToken string) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if err := httputil.ValidateBaseURL(baseURL); err != nil {
		return nil, err
	}
	return &Client{
		BaseURL:  baseURL,
		APIToken: apiToken,
		HTTP:     httputil.NewClient(httputil.BackendTimeout),
	}, nil
}

// AccessToken is a provider access token handed out by the backend.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresAt   float64 `json:"expires_at"`
}

// SpotifyToken fetches a fresh provider access token. The backend refreshes
// it against Spotify when needed.
func (c *Client) SpotifyToken(ctx context.Context) (AccessToken, error) {
	body, err := c.do(ctx, http.MethodGet, "/spotify/token", nil)
	if err != nil {
		return AccessToken{}, err
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return AccessToken{}, fmt.Errorf("decoding token response: %w", err)
	}
	tr.AccessToken = strings.TrimSpace(tr.AccessToken)
	if tr.AccessToken == "" {
		return AccessToken{}, fmt.Errorf("token response has no access_token")
	}
	return AccessToken{
		Token:     tr.AccessToken,
		ExpiresAt: time.Unix(int64(tr.ExpiresAt), 0).UTC(),
	}, nil
}

type photoResponse struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	AddedBy int64  `json:"added_by"`
}

// PhotosAfter lists photos with an id greater than afterID, oldest first.
func (c *Client) PhotosAfter(ctx context.Context, afterID int64, limit int) ([]models.PhotoEvent, error) {
	q := url.Values{}
	q.Set("after_id", strconv.FormatInt(afterID, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, http.MethodGet, "/photos", q)
	if err != nil {
		return nil, err
	}
	var rows []photoResponse
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding photos: %w", err)
	}
	out := make([]models.PhotoEvent, 0, len(rows))
	for _, r := range rows {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		out = append(out, models.PhotoEvent{
			ID:      r.ID,
			URL:     strings.TrimSpace(r.URL),
			Name:    r.Name,
			AddedBy: r.AddedBy,
			Source:  models.PhotoSourcePoll,
		})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	body, err := httputil.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrNotConnected
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrBadCredential
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, httputil.Truncate(body, 200))
	}
	return body, nil
}

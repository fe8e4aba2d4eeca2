// Package room talks to the hosted video-room provider.
package room

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

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teamcall/internal/core"
	"github.com/dkeye/teamcall/internal/domain"
)

var ErrProvider = errors.New("room provider error")

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("room provider base url %q: invalid", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:   base,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: timeout},
	}, nil
}

type createRequest struct {
	Name domain.RoomName `json:"name"`
}

type createResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Error   string `json:"error,omitempty"`
}

// CreateRoom provisions name, or returns the existing room of that name.
func (c *Client) CreateRoom(ctx context.Context, name domain.RoomName) (domain.Room, error) {
	body, err := json.Marshal(createRequest{Name: name})
	if err != nil {
		return domain.Room{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("rooms").String(), bytes.NewReader(body))
	if err != nil {
		return domain.Room{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Room{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return domain.Room{}, fmt.Errorf("%w: read body: %v", ErrProvider, err)
	}
	var out createResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.Room{}, fmt.Errorf("%w: status %d: bad body", ErrProvider, resp.StatusCode)
	}
	if resp.StatusCode >= 300 || !out.Success || out.URL == "" {
		return domain.Room{}, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, out.Error)
	}

	log.Debug().Str("module", "adapters.room").Str("room", string(name)).Msg("room ready")
	return domain.Room{Name: name, URL: out.URL}, nil
}

// JoinURL adds the display name and default media to a room URL.
func JoinURL(room domain.Room, opts core.JoinOptions) (string, error) {
	u, err := url.Parse(room.URL)
	if err != nil {
		return "", fmt.Errorf("room url: %w", err)
	}
	q := u.Query()
	if opts.DisplayName != "" {
		q.Set("name", opts.DisplayName)
	}
	q.Set("audio", "on")
	if opts.Kind == domain.CallVideo {
		q.Set("video", "on")
	} else {
		q.Set("video", "off")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Package rest issues track search and decode requests against a node's
// HTTP API. Stateless request/response, independent of the websocket link.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/keshon/audiolink/internal/wire"
)

// Client talks to one node's HTTP endpoints.
type Client struct {
	baseURL  string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// New builds a client for the node at host:port. Requests are rate limited
// to stay clear of the node's flood protection.
func New(host string, port int, password string, secure bool, log zerolog.Logger) *Client {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return &Client{
		baseURL:  fmt.Sprintf("%s://%s:%d", scheme, host, port),
		password: password,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		log:      log.With().Str("component", "rest").Logger(),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewBuffer(data)
	} else {
		buf = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// LoadTracks resolves an identifier (URL or search prefix query) into tracks.
func (c *Client) LoadTracks(ctx context.Context, identifier string) (*wire.SearchResult, error) {
	var result wire.SearchResult
	path := "/loadtracks?identifier=" + url.QueryEscape(identifier)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("load tracks: %w", err)
	}
	if result.LoadType == wire.LoadFailed && result.Exception != nil {
		return &result, fmt.Errorf("load tracks: %s", result.Exception.Message)
	}
	return &result, nil
}

// DecodeTrack expands one opaque encoded track into its info.
func (c *Client) DecodeTrack(ctx context.Context, encoded string) (*wire.TrackInfo, error) {
	var info wire.TrackInfo
	path := "/decodetrack?track=" + url.QueryEscape(encoded)
	if err := c.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, fmt.Errorf("decode track: %w", err)
	}
	return &info, nil
}

// DecodeTracks expands a batch of encoded tracks in one round trip.
func (c *Client) DecodeTracks(ctx context.Context, encoded []string) ([]wire.Track, error) {
	var tracks []wire.Track
	if err := c.do(ctx, http.MethodPost, "/decodetracks", encoded, &tracks); err != nil {
		return nil, fmt.Errorf("decode tracks: %w", err)
	}
	return tracks, nil
}

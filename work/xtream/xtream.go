package xtream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/ratelimit"

	"axion-tv/work/client"
	"axion-tv/work/config"
	"axion-tv/work/logger"
	"axion-tv/work/registry"
	"axion-tv/work/utils"
)

// LiveStream is a single live channel entry from the get_live_streams
// endpoint of the Xtream player API.
type LiveStream struct {
	StreamID     int    `json:"stream_id"`      // Identifier used to construct the stream URL
	Name         string `json:"name"`           // Display name of the channel
	CategoryID   string `json:"category_id"`    // Category identifier for grouping
	StreamIcon   string `json:"stream_icon"`    // Channel logo URL
	EpgChannelID string `json:"epg_channel_id"` // EPG channel identifier for guide lookups
}

// VODStream is a single movie entry from the get_vod_streams endpoint.
type VODStream struct {
	StreamID           int    `json:"stream_id"`
	Name               string `json:"name"`
	CategoryID         string `json:"category_id"`
	StreamIcon         string `json:"stream_icon"`
	ContainerExtension string `json:"container_extension"` // File format (mp4, mkv, ...)
}

// SeriesItem is a single series entry from the get_series endpoint.
type SeriesItem struct {
	SeriesID   int    `json:"series_id"`
	Name       string `json:"name"`
	CategoryID string `json:"category_id"`
	Cover      string `json:"cover"`
}

// playerAPIResponse carries the authentication result of a bare
// player_api.php call. Only user_info.auth matters to this client.
type playerAPIResponse struct {
	UserInfo struct {
		Auth     int    `json:"auth"`
		Username string `json:"username"`
		Status   string `json:"status"`
	} `json:"user_info"`
}

// Client talks to Xtream-Codes style backends. All calls go through a rate
// limiter so a catalog refresh cannot hammer a provider's API.
type Client struct {
	http    *client.HeaderSettingClient
	cfg     *config.Config
	limiter ratelimit.Limiter
}

// New creates an Xtream API client.
func New(httpClient *client.HeaderSettingClient, cfg *config.Config) *Client {
	return &Client{
		http:    httpClient,
		cfg:     cfg,
		limiter: ratelimit.New(10), // max API calls per second against any provider
	}
}

// Authenticate verifies credentials against a server's player API. A reply
// with user_info.auth != 1 counts as rejected credentials. The call blocks
// at most for the HTTP client's timeout and never mutates any state.
func (c *Client) Authenticate(ctx context.Context, username, password, baseURL string) error {
	c.limiter.Take()

	apiURL := fmt.Sprintf("%s/player_api.php?username=%s&password=%s",
		baseURL, url.QueryEscape(username), url.QueryEscape(password))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create auth request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth request to %s: %w", utils.LogURL(c.cfg.ObfuscateUrls, baseURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth request to %s: HTTP %d", utils.LogURL(c.cfg.ObfuscateUrls, baseURL), resp.StatusCode)
	}

	var parsed playerAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if parsed.UserInfo.Auth != 1 {
		return fmt.Errorf("credentials rejected by %s", utils.LogURL(c.cfg.ObfuscateUrls, baseURL))
	}

	if c.cfg.Debug {
		logger.Debug("{xtream - Authenticate} authenticated %s (status %s)", parsed.UserInfo.Username, parsed.UserInfo.Status)
	}
	return nil
}

// LiveStreams fetches the live channel listing for a server.
func (c *Client) LiveStreams(ctx context.Context, srv registry.Server) ([]LiveStream, error) {
	var streams []LiveStream
	if err := c.fetchAction(ctx, srv, "get_live_streams", &streams); err != nil {
		return nil, err
	}
	return streams, nil
}

// VODStreams fetches the movie listing for a server.
func (c *Client) VODStreams(ctx context.Context, srv registry.Server) ([]VODStream, error) {
	var streams []VODStream
	if err := c.fetchAction(ctx, srv, "get_vod_streams", &streams); err != nil {
		return nil, err
	}
	return streams, nil
}

// Series fetches the series listing for a server.
func (c *Client) Series(ctx context.Context, srv registry.Server) ([]SeriesItem, error) {
	var items []SeriesItem
	if err := c.fetchAction(ctx, srv, "get_series", &items); err != nil {
		return nil, err
	}
	return items, nil
}

// fetchAction performs a player_api.php call with the given action and
// decodes the JSON array response into out.
func (c *Client) fetchAction(ctx context.Context, srv registry.Server, action string, out interface{}) error {
	c.limiter.Take()

	apiURL := fmt.Sprintf("%s/player_api.php?username=%s&password=%s&action=%s",
		srv.URL, url.QueryEscape(srv.Username), url.QueryEscape(srv.Password), action)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", action, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s from %s: %w", action, utils.LogURL(c.cfg.ObfuscateUrls, srv.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s from %s: HTTP %d", action, utils.LogURL(c.cfg.ObfuscateUrls, srv.URL), resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	return nil
}

// LiveURL builds the playable URL for a live stream id.
func LiveURL(srv registry.Server, streamID int) string {
	return fmt.Sprintf("%s/live/%s/%s/%d.ts", srv.URL, srv.Username, srv.Password, streamID)
}

// VODURL builds the playable URL for a movie, honoring its container format.
func VODURL(srv registry.Server, streamID int, containerExtension string) string {
	if containerExtension == "" {
		containerExtension = "mp4"
	}
	return fmt.Sprintf("%s/movie/%s/%s/%d.%s", srv.URL, srv.Username, srv.Password, streamID, containerExtension)
}

// SeriesURL builds the base URL for a series entry.
func SeriesURL(srv registry.Server, seriesID int) string {
	return fmt.Sprintf("%s/series/%s/%s/%d.ts", srv.URL, srv.Username, srv.Password, seriesID)
}

// EPGURL builds the XMLTV endpoint for a server.
func EPGURL(srv registry.Server) string {
	return fmt.Sprintf("%s/xmltv.php?username=%s&password=%s",
		srv.URL, url.QueryEscape(srv.Username), url.QueryEscape(srv.Password))
}

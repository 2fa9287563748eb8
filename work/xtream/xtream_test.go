package xtream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"axion-tv/work/client"
	"axion-tv/work/config"
	"axion-tv/work/registry"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.GetDefaultConfig()
	return New(client.New(cfg), cfg)
}

func testServer(t *testing.T, baseURL string) registry.Server {
	t.Helper()
	srv, err := registry.NewXtreamServer("test", baseURL, "alice", "s3cret")
	require.NoError(t, err)
	return srv
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{name: "accepted", status: http.StatusOK, body: `{"user_info":{"auth":1,"username":"alice","status":"Active"}}`},
		{name: "rejected", status: http.StatusOK, body: `{"user_info":{"auth":0}}`, wantErr: true},
		{name: "http error", status: http.StatusForbidden, body: "", wantErr: true},
		{name: "garbage body", status: http.StatusOK, body: "<html>", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/player_api.php", r.URL.Path)
				require.Equal(t, "alice", r.URL.Query().Get("username"))
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer upstream.Close()

			err := newTestClient(t).Authenticate(context.Background(), "alice", "s3cret", upstream.URL)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLiveStreams(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "get_live_streams", r.URL.Query().Get("action"))
		w.Write([]byte(`[{"stream_id":42,"name":"News One","category_id":"7","epg_channel_id":"news.one"}]`))
	}))
	defer upstream.Close()

	streams, err := newTestClient(t).LiveStreams(context.Background(), testServer(t, upstream.URL))
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Equal(t, 42, streams[0].StreamID)
	require.Equal(t, "news.one", streams[0].EpgChannelID)
}

func TestURLBuilders(t *testing.T) {
	srv := testServer(t, "http://provider.example.com")

	require.Equal(t, "http://provider.example.com/live/alice/s3cret/42.ts", LiveURL(srv, 42))
	require.Equal(t, "http://provider.example.com/movie/alice/s3cret/7.mkv", VODURL(srv, 7, "mkv"))
	require.Equal(t, "http://provider.example.com/movie/alice/s3cret/7.mp4", VODURL(srv, 7, ""))
	require.Equal(t, "http://provider.example.com/series/alice/s3cret/9.ts", SeriesURL(srv, 9))
	require.Equal(t, "http://provider.example.com/xmltv.php?username=alice&password=s3cret", EPGURL(srv))
}

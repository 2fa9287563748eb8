package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"axion-tv/work/client"
	"axion-tv/work/config"
)

const samplePlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="news.one" tvg-logo="http://cdn.example.com/news.png" group-title="News",News One
http://provider.example.com/live/1.ts
#EXTINF:-1 group-title="Movies, Classics",Late Movie
http://provider.example.com/vod/2.mp4
#EXTINF:-1,Bare Channel
http://provider.example.com/live/3.ts
`

func TestParseEXTINF(t *testing.T) {
	attrs := ParseEXTINF(`#EXTINF:-1 tvg-id="news.one" tvg-logo="http://cdn.example.com/news.png" group-title="News",News One`)

	require.Equal(t, "-1", attrs["duration"])
	require.Equal(t, "news.one", attrs["tvg-id"])
	require.Equal(t, "http://cdn.example.com/news.png", attrs["tvg-logo"])
	require.Equal(t, "News", attrs["group-title"])
	require.Equal(t, "News One", attrs["tvg-name"])
}

func TestParseEXTINFQuotedComma(t *testing.T) {
	// The comma inside the quoted group-title must not be mistaken for the
	// name separator
	attrs := ParseEXTINF(`#EXTINF:-1 group-title="Movies, Classics",Late Movie`)

	require.Equal(t, "Movies, Classics", attrs["group-title"])
	require.Equal(t, "Late Movie", attrs["tvg-name"])
}

func TestParseEXTINFNoComma(t *testing.T) {
	require.Empty(t, ParseEXTINF("#EXTINF:-1 tvg-id=\"x\""))
}

func TestParseM3U(t *testing.T) {
	entries := ParseM3U([]byte(samplePlaylist), nil)

	require.Len(t, entries, 3)
	require.Equal(t, "News One", entries[0].Name)
	require.Equal(t, "http://provider.example.com/live/1.ts", entries[0].URL)
	require.Equal(t, "news.one", entries[0].Attributes["tvg-id"])
	require.Equal(t, "Bare Channel", entries[2].Name)
}

func TestParseM3UWithFilter(t *testing.T) {
	include, err := NewFilter("(?i)news", "")
	require.NoError(t, err)
	entries := ParseM3U([]byte(samplePlaylist), include)
	require.Len(t, entries, 1)
	require.Equal(t, "News One", entries[0].Name)

	exclude, err := NewFilter("", "(?i)movie")
	require.NoError(t, err)
	entries = ParseM3U([]byte(samplePlaylist), exclude)
	require.Len(t, entries, 2)
}

func TestNewFilterRejectsBadPattern(t *testing.T) {
	_, err := NewFilter("(", "")
	require.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	var nilFilter *Filter
	require.True(t, nilFilter.Match("anything"))

	f, err := NewFilter("^HD", "Sports")
	require.NoError(t, err)
	require.True(t, f.Match("HD News"))
	require.False(t, f.Match("SD News"))
	require.False(t, f.Match("HD Sports"))
}

func TestCheckPlaylist(t *testing.T) {
	cfg := config.GetDefaultConfig()
	httpClient := client.New(cfg)

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{name: "valid playlist", status: http.StatusOK, body: samplePlaylist},
		{name: "valid with BOM", status: http.StatusOK, body: "\ufeff#EXTM3U\n"},
		{name: "not a playlist", status: http.StatusOK, body: "<html>login</html>", wantErr: true},
		{name: "server error", status: http.StatusInternalServerError, body: "", wantErr: true},
		{name: "not found", status: http.StatusNotFound, body: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := CheckPlaylist(context.Background(), httpClient, srv.URL)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

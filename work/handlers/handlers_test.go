package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"axion-tv/work/client"
	"axion-tv/work/config"
	"axion-tv/work/epg"
	"axion-tv/work/library"
	"axion-tv/work/playlist"
	"axion-tv/work/registry"
	"axion-tv/work/session"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[key]
	return value, ok, nil
}

func (f *fakeStore) SetMany(items map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, value := range items {
		f.data[key] = value
	}
	return nil
}

func (f *fakeStore) RemoveMany(keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

type stubAuthenticator struct {
	err error
}

func (a *stubAuthenticator) Authenticate(context.Context, string, string, string, registry.ServerType) error {
	return a.err
}

func newTestApp(t *testing.T, auth session.Authenticator) (*App, *mux.Router) {
	t.Helper()

	cfg := config.GetDefaultConfig()
	cfg.CacheEnabled = false
	httpClient := client.New(cfg)

	catalog, err := playlist.NewManager(cfg, httpClient, nil, nil)
	require.NoError(t, err)
	t.Cleanup(catalog.Close)

	guide, err := epg.NewGuide(cfg, httpClient)
	require.NoError(t, err)
	t.Cleanup(guide.Close)

	store := newFakeStore()
	sess := session.New(store, auth)
	sess.Restore(context.Background())

	app := &App{
		Config:  cfg,
		Session: sess,
		Catalog: catalog,
		Guide:   guide,
		Library: library.New(store),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/session/login", HandleLogin(app)).Methods("POST")
	router.HandleFunc("/api/session/logout", HandleLogout(app)).Methods("POST")
	router.HandleFunc("/api/session", HandleSession(app)).Methods("GET")
	router.HandleFunc("/api/session/clear-error", HandleClearError(app)).Methods("POST")
	router.HandleFunc("/api/servers", HandleListServers(app)).Methods("GET")
	router.HandleFunc("/api/servers", HandleAddServer(app)).Methods("POST")
	router.HandleFunc("/api/servers/{id}", HandleRemoveServer(app)).Methods("DELETE")
	router.HandleFunc("/api/channels", HandleChannels(app)).Methods("GET")
	router.HandleFunc("/playlist", HandlePlaylist(app)).Methods("GET")
	router.HandleFunc("/api/epg", HandleEPGChannels(app)).Methods("GET")
	router.HandleFunc("/api/epg/{channel}", HandleEPG(app)).Methods("GET")
	router.HandleFunc("/api/favorites", HandleListFavorites(app)).Methods("GET")
	router.HandleFunc("/api/favorites", HandleAddFavorite(app)).Methods("POST")
	router.HandleFunc("/api/launched", HandleGetLaunched(app)).Methods("GET")
	router.HandleFunc("/api/launched", HandleSetLaunched(app)).Methods("POST")
	router.HandleFunc("/api/status", HandleStatus(app)).Methods("GET")
	return app, router
}

func doRequest(router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// loginUpstream serves a minimal playlist so the background catalog refresh
// after an m3u login has something real to import.
func loginUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:-1 tvg-id=\"news.one\",News One\nhttp://provider.example.com/live/1.ts\n"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func loginBody(serverURL string) string {
	body, _ := json.Marshal(map[string]string{
		"serverUrl":  serverURL,
		"serverType": "m3u",
	})
	return string(body)
}

func TestLoginEndpointSuccess(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})
	upstream := loginUpstream(t)

	rec := doRequest(router, http.MethodPost, "/api/session/login", loginBody(upstream.URL))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool          `json:"success"`
		User    *session.User `json:"user"`
		Error   string        `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotNil(t, resp.User)
	require.Equal(t, "user", resp.User.Username)
	require.Empty(t, resp.Error)

	rec = doRequest(router, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state session.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.True(t, state.IsAuthenticated)
}

func TestLoginEndpointRejectedCredentials(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{err: errors.New("rejected")})

	rec := doRequest(router, http.MethodPost, "/api/session/login", loginBody("http://provider.example.com/list.m3u"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Success)
	require.Equal(t, "Unable to connect to the server. Check your credentials.", resp.Error)

	// clear-error resets the message on the next snapshot
	require.Equal(t, http.StatusNoContent, doRequest(router, http.MethodPost, "/api/session/clear-error", "").Code)
	var state session.State
	rec = doRequest(router, http.MethodGet, "/api/session", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Empty(t, state.Error)
}

func TestLoginEndpointBadBody(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})
	require.Equal(t, http.StatusBadRequest, doRequest(router, http.MethodPost, "/api/session/login", "{not json").Code)
}

func TestLogoutEndpoint(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})
	upstream := loginUpstream(t)
	require.Equal(t, http.StatusOK, doRequest(router, http.MethodPost, "/api/session/login", loginBody(upstream.URL)).Code)

	require.Equal(t, http.StatusNoContent, doRequest(router, http.MethodPost, "/api/session/logout", "").Code)

	var state session.State
	rec := doRequest(router, http.MethodGet, "/api/session", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.False(t, state.IsAuthenticated)
}

func TestServerEndpoints(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})
	upstream := loginUpstream(t)
	require.Equal(t, http.StatusOK, doRequest(router, http.MethodPost, "/api/session/login", loginBody(upstream.URL)).Code)

	// Register a second server
	body, _ := json.Marshal(map[string]string{
		"name":     "backup",
		"url":      "http://backup.example.com",
		"type":     "xtream",
		"username": "alice",
		"password": "s3cret",
	})
	rec := doRequest(router, http.MethodPost, "/api/servers", string(body))
	require.Equal(t, http.StatusCreated, rec.Code)
	var added registry.Server
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	require.False(t, added.IsActive)

	rec = doRequest(router, http.MethodGet, "/api/servers", "")
	var servers []registry.Server
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &servers))
	require.Len(t, servers, 2)

	// Invalid registrations are rejected before touching the session
	badBody, _ := json.Marshal(map[string]string{"url": "http://x.example.com", "type": "xtream"})
	require.Equal(t, http.StatusBadRequest, doRequest(router, http.MethodPost, "/api/servers", string(badBody)).Code)
	require.Equal(t, http.StatusBadRequest, doRequest(router, http.MethodPost, "/api/servers", `{"url":"http://x.example.com","type":"ftp"}`).Code)

	// Removal honors the session invariants
	require.Equal(t, http.StatusNotFound, doRequest(router, http.MethodDelete, "/api/servers/unknown", "").Code)
	require.Equal(t, http.StatusNoContent, doRequest(router, http.MethodDelete, "/api/servers/"+added.ID, "").Code)

	rec = doRequest(router, http.MethodGet, "/api/servers", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &servers))
	require.Len(t, servers, 1)
	require.Equal(t, http.StatusConflict, doRequest(router, http.MethodDelete, "/api/servers/"+servers[0].ID, "").Code)
}

func TestListServersUnauthenticated(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})

	rec := doRequest(router, http.MethodGet, "/api/servers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "[]\n", rec.Body.String())
}

func TestPlaylistEndpoint(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})

	rec := doRequest(router, http.MethodGet, "/playlist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "audio/x-mpegurl", rec.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(rec.Body.String(), "#EXTM3U"))
}

func TestEPGEndpointWithoutCoverage(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})

	rec := doRequest(router, http.MethodGet, "/api/epg/news.one", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ChannelID string          `json:"channelId"`
		Now       json.RawMessage `json:"now"`
		Next      json.RawMessage `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "news.one", resp.ChannelID)
	require.Empty(t, resp.Now)
	require.Empty(t, resp.Next)
}

func TestEPGChannelsEndpoint(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})

	rec := doRequest(router, http.MethodGet, "/api/epg", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestLaunchedEndpoints(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})

	rec := doRequest(router, http.MethodGet, "/api/launched", "")
	require.JSONEq(t, `{"hasLaunched": false}`, rec.Body.String())

	require.Equal(t, http.StatusNoContent, doRequest(router, http.MethodPost, "/api/launched", "").Code)

	rec = doRequest(router, http.MethodGet, "/api/launched", "")
	require.JSONEq(t, `{"hasLaunched": true}`, rec.Body.String())
}

func TestFavoritesEndpoints(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})
	upstream := loginUpstream(t)
	require.Equal(t, http.StatusOK, doRequest(router, http.MethodPost, "/api/session/login", loginBody(upstream.URL)).Code)

	body, _ := json.Marshal(map[string]string{
		"itemId":   "news_one",
		"itemType": "channel",
		"name":     "News One",
	})
	require.Equal(t, http.StatusCreated, doRequest(router, http.MethodPost, "/api/favorites", string(body)).Code)

	rec := doRequest(router, http.MethodGet, "/api/favorites", "")
	var favorites []library.Favorite
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &favorites))
	require.Len(t, favorites, 1)
	require.Equal(t, "News One", favorites[0].Name)
}

func TestStatusEndpoint(t *testing.T) {
	_, router := newTestApp(t, &stubAuthenticator{})

	rec := doRequest(router, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		IsAuthenticated bool `json:"isAuthenticated"`
		Servers         int  `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.IsAuthenticated)
	require.Zero(t, resp.Servers)
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"axion-tv/work/config"
	"axion-tv/work/epg"
	"axion-tv/work/library"
	"axion-tv/work/logger"
	"axion-tv/work/playlist"
	"axion-tv/work/registry"
	"axion-tv/work/session"
	"axion-tv/work/xtream"
)

// App bundles the subsystems the HTTP surface drives. Handlers read session
// state through snapshots and invoke session operations; they never touch
// session internals.
type App struct {
	Config  *config.Config
	Session *session.Session
	Catalog *playlist.Manager
	Guide   *epg.Guide
	Library *library.Library
}

// loginRequest mirrors the login form of the client application.
type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	ServerURL  string `json:"serverUrl"`
	ServerType string `json:"serverType"` // "xtream" or "m3u"
}

// loginResponse reports the authoritative outcome of a login attempt. The
// success flag, not the error field, decides navigation.
type loginResponse struct {
	Success bool          `json:"success"`
	User    *session.User `json:"user,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// addServerRequest carries a server registration.
type addServerRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// favoriteRequest pins a catalog item.
type favoriteRequest struct {
	ItemID    string `json:"itemId"`
	ItemType  string `json:"itemType"`
	Name      string `json:"name"`
	StreamURL string `json:"streamUrl,omitempty"`
}

// historyRequest records a playback.
type historyRequest struct {
	ItemID    string `json:"itemId"`
	ItemType  string `json:"itemType"`
	Name      string `json:"name"`
	StreamURL string `json:"streamUrl"`
	Duration  int    `json:"duration"`
	Progress  int    `json:"progress"`
}

// statusResponse summarizes backend state for a lightweight dashboard.
type statusResponse struct {
	IsAuthenticated bool `json:"isAuthenticated"`
	Servers         int  `json:"servers"`
	Channels        int  `json:"channels"`
	Movies          int  `json:"movies"`
	Series          int  `json:"series"`
}

// HandleLogin authenticates against a new server and, on success, binds the
// library and starts a catalog refresh in the background.
func HandleLogin(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		ok := app.Session.Login(r.Context(), req.Username, req.Password, req.ServerURL, registry.ServerType(req.ServerType))
		state := app.Session.Snapshot()

		if !ok {
			writeJSON(w, http.StatusUnauthorized, loginResponse{Success: false, Error: state.Error})
			return
		}

		if state.User != nil {
			app.Library.Bind(state.User.ID)
		}
		go app.RefreshCatalog(context.Background())

		writeJSON(w, http.StatusOK, loginResponse{Success: true, User: state.User})
	}
}

// HandleLogout tears the session down and drops the catalog.
func HandleLogout(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app.Session.Logout(r.Context())
		app.Library.Unbind()
		app.Catalog.Clear()
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleSession exposes the current session snapshot.
func HandleSession(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Session.Snapshot())
	}
}

// HandleClearError resets the session's error message.
func HandleClearError(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app.Session.ClearError()
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListServers returns the registered servers.
func HandleListServers(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := app.Session.Snapshot()
		if state.User == nil {
			writeJSON(w, http.StatusOK, []registry.Server{})
			return
		}
		writeJSON(w, http.StatusOK, state.User.Servers)
	}
}

// HandleAddServer registers an additional server on the session.
func HandleAddServer(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addServerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		var srv registry.Server
		var err error
		switch registry.ServerType(req.Type) {
		case registry.ServerTypeXtream:
			srv, err = registry.NewXtreamServer(req.Name, req.URL, req.Username, req.Password)
		case registry.ServerTypeM3U:
			srv, err = registry.NewM3UServer(req.Name, req.URL)
		default:
			http.Error(w, "unknown server type", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Only one server is the active source at a time; an added server
		// starts inactive.
		srv.IsActive = false

		if err := app.Session.AddServer(r.Context(), srv); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, registry.ErrValidation) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusCreated, srv)
	}
}

// HandleRemoveServer unregisters a server by id.
func HandleRemoveServer(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID := mux.Vars(r)["id"]

		err := app.Session.RemoveServer(r.Context(), serverID)
		switch {
		case errors.Is(err, session.ErrNotFound):
			http.Error(w, "server not found", http.StatusNotFound)
		case errors.Is(err, session.ErrLastServer):
			http.Error(w, "cannot remove the last registered server", http.StatusConflict)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// HandleChannels lists live channels, optionally filtered by ?category=.
func HandleChannels(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Catalog.Channels(r.URL.Query().Get("category")))
	}
}

// HandleMovies lists movies, optionally filtered by ?category=.
func HandleMovies(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Catalog.Movies(r.URL.Query().Get("category")))
	}
}

// HandleSeries lists series, optionally filtered by ?category=.
func HandleSeries(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Catalog.Series(r.URL.Query().Get("category")))
	}
}

// HandleCategories lists distinct category labels.
func HandleCategories(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Catalog.Categories())
	}
}

// HandlePlaylist renders the full catalog as an M3U playlist.
func HandlePlaylist(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		servePlaylist(app, w, "")
	}
}

// HandleGroupPlaylist renders one group (section or category) as M3U.
func HandleGroupPlaylist(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		servePlaylist(app, w, mux.Vars(r)["group"])
	}
}

func servePlaylist(app *App, w http.ResponseWriter, group string) {
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	if _, err := w.Write([]byte(app.Catalog.M3U8(group))); err != nil {
		logger.Debug("{handlers - servePlaylist} client went away: %v", err)
	}
}

// HandleEPG answers now/next for a channel. The path parameter is a catalog
// item id when the item carries a tvg-id, otherwise it is used as the guide
// channel id directly.
func HandleEPG(app *App) http.HandlerFunc {
	type nowNextResponse struct {
		ChannelID string            `json:"channelId"`
		Now       *epg.NowNextEntry `json:"now,omitempty"`
		Next      *epg.NowNextEntry `json:"next,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		channelID := mux.Vars(r)["channel"]
		if item, ok := app.Catalog.Find(channelID); ok && item.TvgID != "" {
			channelID = item.TvgID
		}

		now, next := app.Guide.NowNext(channelID, time.Now())
		writeJSON(w, http.StatusOK, nowNextResponse{ChannelID: channelID, Now: now, Next: next})
	}
}

// HandleEPGChannels lists the guide channel ids that have coverage.
func HandleEPGChannels(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Guide.Channels())
	}
}

// HandleListFavorites returns the pinned items.
func HandleListFavorites(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Library.Favorites())
	}
}

// HandleAddFavorite pins a catalog item.
func HandleAddFavorite(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req favoriteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := app.Library.AddFavorite(req.ItemID, library.ItemType(req.ItemType), req.Name, req.StreamURL); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

// HandleRemoveFavorite unpins by favorite id.
func HandleRemoveFavorite(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := app.Library.RemoveFavorite(mux.Vars(r)["id"]); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListHistory returns the watch history, most recent first.
func HandleListHistory(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Library.History())
	}
}

// HandleRecordWatch appends a playback record.
func HandleRecordWatch(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req historyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := app.Library.RecordWatch(req.ItemID, library.ItemType(req.ItemType), req.Name, req.StreamURL, req.Duration, req.Progress); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

// HandleClearHistory wipes the watch history.
func HandleClearHistory(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := app.Library.ClearHistory(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleGetLaunched reports whether first-run onboarding completed.
func HandleGetLaunched(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"hasLaunched": app.Session.HasLaunched()})
	}
}

// HandleSetLaunched records first-run onboarding completion.
func HandleSetLaunched(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := app.Session.MarkLaunched(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleStatus summarizes backend state.
func HandleStatus(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := app.Session.Snapshot()
		channels, movies, series := app.Catalog.Counts()

		resp := statusResponse{
			IsAuthenticated: state.IsAuthenticated,
			Channels:        channels,
			Movies:          movies,
			Series:          series,
		}
		if state.User != nil {
			resp.Servers = len(state.User.Servers)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// RefreshCatalog re-imports the catalog from the session's active server and
// reloads the guide. Safe to call with no authenticated session.
func (app *App) RefreshCatalog(ctx context.Context) {
	state := app.Session.Snapshot()
	if state.User == nil {
		return
	}
	srv, ok := state.User.ActiveServer()
	if !ok {
		return
	}

	if err := app.Catalog.Refresh(ctx, srv); err != nil {
		logger.Error("{handlers - RefreshCatalog} %v", err)
		return
	}

	epgURL := ""
	switch srv.Type {
	case registry.ServerTypeXtream:
		epgURL = xtream.EPGURL(srv)
	case registry.ServerTypeM3U:
		epgURL = app.Config.EPGURL
	}
	if epgURL == "" {
		return
	}
	if err := app.Guide.Load(ctx, epgURL); err != nil {
		logger.Warn("{handlers - RefreshCatalog} guide load failed: %v", err)
	}
}

// writeJSON encodes v as the response body with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("{handlers - writeJSON} encode failed: %v", err)
	}
}

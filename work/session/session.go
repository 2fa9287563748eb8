package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"axion-tv/work/logger"
	"axion-tv/work/metrics"
	"axion-tv/work/registry"
)

// Fixed keys in the persistent store. The user record and the server list
// are written together through SetMany so they can never diverge on disk.
const (
	KeyUser        = "axion_tv_user"
	KeyServers     = "axion_tv_servers"
	KeyHasLaunched = "axion_tv_has_launched"
)

// genericLoginError is the only failure message the presentation layer ever
// sees from Login. Transport and storage detail stays in the logs.
const genericLoginError = "Unable to connect to the server. Check your credentials."

// ErrNotFound is returned by RemoveServer when the id is unknown; callers
// that treat removal as idempotent can ignore it.
var ErrNotFound = errors.New("server not found")

// ErrLastServer guards the invariant that an authenticated session always
// has at least one registered server.
var ErrLastServer = errors.New("cannot remove the last registered server")

// Phase is the session lifecycle state.
type Phase int

const (
	PhaseRestoring Phase = iota // Initial state, before Restore has run
	PhaseUnauthenticated
	PhaseAuthenticated
)

// User is the authenticated profile plus its registered servers. Servers is
// ordered and unique by ID, and never empty while a session is authenticated.
type User struct {
	ID        string            `json:"id"`
	Username  string            `json:"username"`
	Email     string            `json:"email,omitempty"`
	IsPremium bool              `json:"isPremium"`
	CreatedAt time.Time         `json:"createdAt"`
	LastLogin time.Time         `json:"lastLogin"`
	Servers   []registry.Server `json:"servers"`
}

// ActiveServer returns the server marked active, falling back to the first
// registered one.
func (u *User) ActiveServer() (registry.Server, bool) {
	if u == nil || len(u.Servers) == 0 {
		return registry.Server{}, false
	}
	for _, srv := range u.Servers {
		if srv.IsActive {
			return srv, true
		}
	}
	return u.Servers[0], true
}

// State is a read-only snapshot of the session for the presentation layer.
type State struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	User            *User  `json:"user,omitempty"`
	IsLoading       bool   `json:"isLoading"`
	Error           string `json:"error,omitempty"`
}

// Store is the slice of the persistent key-value store the session manager
// needs. Multi-key writes must be atomic: either every key in a SetMany call
// lands or none does.
type Store interface {
	Get(key string) (string, bool, error)
	SetMany(items map[string]string) error
	RemoveMany(keys ...string) error
}

// Authenticator performs the credential/connectivity exchange with a server
// before a login is accepted. Implementations may block for the duration of
// a network round trip, must honor ctx, and must not touch session state.
type Authenticator interface {
	Authenticate(ctx context.Context, identifier, secret, serverURL string, serverType registry.ServerType) error
}

// Session is the single authority for the authentication lifecycle. All
// state-changing operations are serialized on one mutex, so overlapping
// Login/Logout calls block instead of racing; reads go through Snapshot and
// never block behind an in-flight operation.
type Session struct {
	store Store
	auth  Authenticator

	opMu sync.Mutex // serializes Restore/Login/Logout/AddServer/RemoveServer

	stateMu sync.RWMutex // guards the fields below
	phase   Phase
	user    *User
	loading bool
	errMsg  string
}

// New creates a Session in the restoring, loading state. Callers are
// expected to run Restore once at startup.
func New(store Store, auth Authenticator) *Session {
	return &Session{
		store:   store,
		auth:    auth,
		phase:   PhaseRestoring,
		loading: true,
	}
}

// Snapshot returns a copy of the current session state. The server slice is
// copied so callers cannot mutate the session's record.
func (s *Session) Snapshot() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	st := State{
		IsAuthenticated: s.phase == PhaseAuthenticated,
		IsLoading:       s.loading,
		Error:           s.errMsg,
	}
	if s.user != nil {
		u := *s.user
		u.Servers = append([]registry.Server(nil), s.user.Servers...)
		st.User = &u
	}
	return st
}

// Restore re-establishes a previous session from the store. It is invoked
// once at startup, never fails outwardly, and is idempotent: absence of
// either key, a decode failure or a store error all land in the
// unauthenticated state. Corrupt local data is logged and otherwise treated
// exactly like absent data so startup is never blocked on it.
func (s *Session) Restore(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.setLoading()

	userData, userOK, err := s.store.Get(KeyUser)
	if err != nil {
		logger.Warn("{session - Restore} user record unreadable: %v", err)
		s.commitUnauthenticated("")
		metrics.SessionOperations.WithLabelValues("restore", "storage_error").Inc()
		return
	}
	serverData, serversOK, err := s.store.Get(KeyServers)
	if err != nil {
		logger.Warn("{session - Restore} server list unreadable: %v", err)
		s.commitUnauthenticated("")
		metrics.SessionOperations.WithLabelValues("restore", "storage_error").Inc()
		return
	}

	if !userOK || !serversOK {
		s.commitUnauthenticated("")
		metrics.SessionOperations.WithLabelValues("restore", "ok").Inc()
		return
	}

	var user User
	if err := json.Unmarshal([]byte(userData), &user); err != nil {
		logger.Warn("{session - Restore} discarding corrupt %s: %v", KeyUser, err)
		s.commitUnauthenticated("")
		metrics.SessionOperations.WithLabelValues("restore", "validation_error").Inc()
		return
	}
	var servers []registry.Server
	if err := json.Unmarshal([]byte(serverData), &servers); err != nil {
		logger.Warn("{session - Restore} discarding corrupt %s: %v", KeyServers, err)
		s.commitUnauthenticated("")
		metrics.SessionOperations.WithLabelValues("restore", "validation_error").Inc()
		return
	}

	// The separately stored server list is authoritative; the copy embedded
	// in the user record is replaced by it. An empty list cannot satisfy the
	// authenticated invariant, so it is treated as corrupt data.
	if len(servers) == 0 {
		logger.Warn("{session - Restore} stored server list is empty, falling back to unauthenticated")
		s.commitUnauthenticated("")
		metrics.SessionOperations.WithLabelValues("restore", "validation_error").Inc()
		return
	}
	user.Servers = servers

	s.stateMu.Lock()
	s.phase = PhaseAuthenticated
	s.user = &user
	s.loading = false
	s.errMsg = ""
	s.stateMu.Unlock()

	metrics.RegisteredServers.Set(float64(len(servers)))
	metrics.SessionOperations.WithLabelValues("restore", "ok").Inc()
	logger.Info("{session - Restore} restored session for %s with %d server(s)", user.Username, len(servers))
}

// Login establishes a new session against the given server. The boolean
// return is authoritative: the presentation layer must not infer success
// from the absence of an error message, since the message is cleared when
// the operation starts.
//
// The sequence is: validate and construct the server descriptor, run the
// credential/connectivity exchange, persist user+servers atomically, and
// only then transition to authenticated. A persistence failure therefore
// never produces a session that a later Restore could not reproduce.
func (s *Session) Login(ctx context.Context, identifier, secret, serverURL string, serverType registry.ServerType) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.setLoading()

	var srv registry.Server
	var err error
	switch serverType {
	case registry.ServerTypeXtream:
		srv, err = registry.NewXtreamServer("", serverURL, identifier, secret)
	case registry.ServerTypeM3U:
		srv, err = registry.NewM3UServer("", serverURL)
	default:
		err = fmt.Errorf("%w: unknown server type %q", registry.ErrValidation, serverType)
	}
	if err != nil {
		return s.failLogin("validation_error", err)
	}

	if err := s.auth.Authenticate(ctx, srv.Username, srv.Password, srv.URL, srv.Type); err != nil {
		return s.failLogin("connectivity_error", err)
	}

	// The exchange reports only success or failure; the profile is local.
	// An m3u source has no identity of its own, so the username falls back
	// to a fixed placeholder.
	username := srv.Username
	if username == "" {
		username = "user"
	}
	now := time.Now()
	user := &User{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: now,
		LastLogin: now,
		Servers:   []registry.Server{srv},
	}

	if err := s.persistUser(user); err != nil {
		return s.failLogin("storage_error", err)
	}

	s.stateMu.Lock()
	s.phase = PhaseAuthenticated
	s.user = user
	s.loading = false
	s.errMsg = ""
	s.stateMu.Unlock()

	metrics.RegisteredServers.Set(1)
	metrics.SessionOperations.WithLabelValues("login", "ok").Inc()
	logger.Info("{session - Login} authenticated %s against %s server", username, srv.Type)
	return true
}

// Logout tears the session down. In-memory state clears even when the store
// removal fails: the UI must reflect "logged out" immediately, and a stale
// record is harmless because Restore revalidates shape on the next startup.
func (s *Session) Logout(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.setLoading()

	if err := s.store.RemoveMany(KeyUser, KeyServers); err != nil {
		logger.Error("{session - Logout} failed to clear stored session: %v", err)
		metrics.SessionOperations.WithLabelValues("logout", "storage_error").Inc()
	} else {
		metrics.SessionOperations.WithLabelValues("logout", "ok").Inc()
	}

	s.commitUnauthenticated("")
	metrics.RegisteredServers.Set(0)
	logger.Info("{session - Logout} session cleared")
}

// AddServer registers an additional server on the authenticated user. It is
// a no-op when no user is authenticated. The mutation is applied to a staged
// copy, persisted, and only committed to memory once the write succeeds, so
// in-memory state never diverges from the store.
func (s *Session) AddServer(ctx context.Context, srv registry.Server) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stateMu.RLock()
	current := s.user
	authenticated := s.phase == PhaseAuthenticated
	s.stateMu.RUnlock()

	if !authenticated || current == nil {
		return nil
	}

	if err := srv.Validate(); err != nil {
		metrics.SessionOperations.WithLabelValues("add_server", "validation_error").Inc()
		return err
	}
	for _, existing := range current.Servers {
		if existing.ID == srv.ID {
			metrics.SessionOperations.WithLabelValues("add_server", "validation_error").Inc()
			return fmt.Errorf("%w: duplicate server id %s", registry.ErrValidation, srv.ID)
		}
	}

	staged := *current
	staged.Servers = append(append([]registry.Server(nil), current.Servers...), srv)

	if err := s.persistUser(&staged); err != nil {
		metrics.SessionOperations.WithLabelValues("add_server", "storage_error").Inc()
		return fmt.Errorf("persist server list: %w", err)
	}

	s.stateMu.Lock()
	s.user = &staged
	s.stateMu.Unlock()

	metrics.RegisteredServers.Set(float64(len(staged.Servers)))
	metrics.SessionOperations.WithLabelValues("add_server", "ok").Inc()
	logger.Info("{session - AddServer} registered %s server %q", srv.Type, srv.Name)
	return nil
}

// RemoveServer unregisters a server by id. Unknown ids return ErrNotFound,
// unauthenticated sessions are a no-op, and the last remaining server cannot
// be removed because an authenticated session always has at least one.
func (s *Session) RemoveServer(ctx context.Context, serverID string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stateMu.RLock()
	current := s.user
	authenticated := s.phase == PhaseAuthenticated
	s.stateMu.RUnlock()

	if !authenticated || current == nil {
		return nil
	}

	idx := -1
	for i, existing := range current.Servers {
		if existing.ID == serverID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	if len(current.Servers) == 1 {
		metrics.SessionOperations.WithLabelValues("remove_server", "validation_error").Inc()
		return ErrLastServer
	}

	staged := *current
	staged.Servers = append([]registry.Server(nil), current.Servers...)
	staged.Servers = append(staged.Servers[:idx], staged.Servers[idx+1:]...)

	// Keep an active server selected if the removed one was it
	if _, ok := staged.ActiveServer(); !ok || activeWasRemoved(current.Servers[idx], staged.Servers) {
		staged.Servers[0].IsActive = true
	}

	if err := s.persistUser(&staged); err != nil {
		metrics.SessionOperations.WithLabelValues("remove_server", "storage_error").Inc()
		return fmt.Errorf("persist server list: %w", err)
	}

	s.stateMu.Lock()
	s.user = &staged
	s.stateMu.Unlock()

	metrics.RegisteredServers.Set(float64(len(staged.Servers)))
	metrics.SessionOperations.WithLabelValues("remove_server", "ok").Inc()
	logger.Info("{session - RemoveServer} removed server %s", serverID)
	return nil
}

// ClearError resets the error message. Synchronous, no other side effects.
func (s *Session) ClearError() {
	s.stateMu.Lock()
	s.errMsg = ""
	s.stateMu.Unlock()
}

// HasLaunched reports whether the first-run marker is present.
func (s *Session) HasLaunched() bool {
	_, ok, err := s.store.Get(KeyHasLaunched)
	if err != nil {
		logger.Warn("{session - HasLaunched} marker unreadable: %v", err)
		return false
	}
	return ok
}

// MarkLaunched records completion of first-run onboarding.
func (s *Session) MarkLaunched() error {
	return s.store.SetMany(map[string]string{KeyHasLaunched: "true"})
}

// persistUser writes the user record and the server list as one atomic unit.
func (s *Session) persistUser(user *User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	serversJSON, err := json.Marshal(user.Servers)
	if err != nil {
		return fmt.Errorf("encode servers: %w", err)
	}
	return s.store.SetMany(map[string]string{
		KeyUser:    string(userJSON),
		KeyServers: string(serversJSON),
	})
}

// setLoading flips the loading flag and clears the error before any
// suspension, so the presentation layer can render a pending state without
// racing the operation.
func (s *Session) setLoading() {
	s.stateMu.Lock()
	s.loading = true
	s.errMsg = ""
	s.stateMu.Unlock()
}

// commitUnauthenticated clears user state and lands in Unauthenticated
func (s *Session) commitUnauthenticated(errMsg string) {
	s.stateMu.Lock()
	s.phase = PhaseUnauthenticated
	s.user = nil
	s.loading = false
	s.errMsg = errMsg
	s.stateMu.Unlock()
}

// failLogin logs the real failure, surfaces only the generic message, and
// leaves the session unauthenticated. The stored keys are cleared as well:
// a login attempt over an existing session lands unauthenticated, and a
// restart must not resurrect the session the UI just reported as gone.
func (s *Session) failLogin(result string, err error) bool {
	logger.Error("{session - Login} %s: %v", result, err)
	metrics.SessionOperations.WithLabelValues("login", result).Inc()
	if rmErr := s.store.RemoveMany(KeyUser, KeyServers); rmErr != nil {
		logger.Error("{session - Login} failed to clear stored session: %v", rmErr)
	}
	s.commitUnauthenticated(genericLoginError)
	return false
}

// activeWasRemoved reports whether the removed server was the active one and
// no remaining server carries the active flag
func activeWasRemoved(removed registry.Server, remaining []registry.Server) bool {
	if !removed.IsActive {
		return false
	}
	for _, srv := range remaining {
		if srv.IsActive {
			return false
		}
	}
	return true
}

package library

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"axion-tv/work/logger"
)

// historyLimit caps the retained watch history per user.
const historyLimit = 200

// ItemType classifies what a favorite or history entry points at.
type ItemType string

const (
	ItemTypeChannel ItemType = "channel"
	ItemTypeMovie   ItemType = "movie"
	ItemTypeSeries  ItemType = "series"
)

// Favorite marks a catalog item the user pinned.
type Favorite struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId"`
	ItemType  ItemType  `json:"itemType"`
	Name      string    `json:"name"`
	StreamURL string    `json:"streamUrl,omitempty"`
	AddedAt   time.Time `json:"addedAt"`
}

// HistoryItem records one playback of a catalog item.
type HistoryItem struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId"`
	ItemType  ItemType  `json:"itemType"`
	Name      string    `json:"name"`
	StreamURL string    `json:"streamUrl"`
	WatchedAt time.Time `json:"watchedAt"`
	Duration  int       `json:"duration"` // seconds watched
	Progress  int       `json:"progress"` // playback position, 0-100
}

// Store is the slice of the key-value store the library needs.
type Store interface {
	Get(key string) (string, bool, error)
	SetMany(items map[string]string) error
	RemoveMany(keys ...string) error
}

// Library persists favorites and watch history per user. Keys are namespaced
// by user id, so logging out and back in on the same profile restores both
// lists. Every mutation goes through a staged copy that is only committed to
// memory after the store write succeeds.
type Library struct {
	store Store

	mu        sync.RWMutex
	userID    string
	favorites []Favorite
	history   []HistoryItem
}

// New creates an unbound library. Bind attaches it to a user.
func New(store Store) *Library {
	return &Library{store: store}
}

// Bind loads the lists stored for the given user. Corrupt or missing data
// starts the user with empty lists, mirroring how session restore treats
// unreadable local state.
func (l *Library) Bind(userID string) {
	favorites := l.loadFavorites(userID)
	history := l.loadHistory(userID)

	l.mu.Lock()
	l.userID = userID
	l.favorites = favorites
	l.history = history
	l.mu.Unlock()

	logger.Debug("{library - Bind} bound user %s: %d favorites, %d history entries",
		userID, len(favorites), len(history))
}

// Unbind drops the in-memory lists. Stored data stays for the next Bind.
func (l *Library) Unbind() {
	l.mu.Lock()
	l.userID = ""
	l.favorites = nil
	l.history = nil
	l.mu.Unlock()
}

// Favorites returns a copy of the favorites list.
func (l *Library) Favorites() []Favorite {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Favorite(nil), l.favorites...)
}

// AddFavorite pins an item. Re-favoriting the same item is a no-op.
func (l *Library) AddFavorite(itemID string, itemType ItemType, name, streamURL string) error {
	l.mu.RLock()
	userID := l.userID
	current := l.favorites
	l.mu.RUnlock()

	if userID == "" {
		return nil
	}
	for _, favorite := range current {
		if favorite.ItemID == itemID && favorite.ItemType == itemType {
			return nil
		}
	}

	staged := append(append([]Favorite(nil), current...), Favorite{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		ItemType:  itemType,
		Name:      name,
		StreamURL: streamURL,
		AddedAt:   time.Now(),
	})

	if err := l.persistFavorites(userID, staged); err != nil {
		return err
	}

	l.mu.Lock()
	l.favorites = staged
	l.mu.Unlock()
	return nil
}

// RemoveFavorite unpins an item by favorite id. Unknown ids are a no-op.
func (l *Library) RemoveFavorite(favoriteID string) error {
	l.mu.RLock()
	userID := l.userID
	current := l.favorites
	l.mu.RUnlock()

	if userID == "" {
		return nil
	}

	staged := make([]Favorite, 0, len(current))
	removed := false
	for _, favorite := range current {
		if favorite.ID == favoriteID {
			removed = true
			continue
		}
		staged = append(staged, favorite)
	}
	if !removed {
		return nil
	}

	if err := l.persistFavorites(userID, staged); err != nil {
		return err
	}

	l.mu.Lock()
	l.favorites = staged
	l.mu.Unlock()
	return nil
}

// History returns a copy of the watch history, most recent first.
func (l *Library) History() []HistoryItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]HistoryItem(nil), l.history...)
}

// RecordWatch prepends a playback record, trimming the list to the retention
// limit.
func (l *Library) RecordWatch(itemID string, itemType ItemType, name, streamURL string, duration, progress int) error {
	l.mu.RLock()
	userID := l.userID
	current := l.history
	l.mu.RUnlock()

	if userID == "" {
		return nil
	}

	entry := HistoryItem{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		ItemType:  itemType,
		Name:      name,
		StreamURL: streamURL,
		WatchedAt: time.Now(),
		Duration:  duration,
		Progress:  progress,
	}

	staged := append([]HistoryItem{entry}, current...)
	if len(staged) > historyLimit {
		staged = staged[:historyLimit]
	}

	if err := l.persistHistory(userID, staged); err != nil {
		return err
	}

	l.mu.Lock()
	l.history = staged
	l.mu.Unlock()
	return nil
}

// ClearHistory removes all history entries for the bound user.
func (l *Library) ClearHistory() error {
	l.mu.RLock()
	userID := l.userID
	l.mu.RUnlock()

	if userID == "" {
		return nil
	}

	if err := l.store.RemoveMany(historyKey(userID)); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}

	l.mu.Lock()
	l.history = nil
	l.mu.Unlock()
	return nil
}

func favoritesKey(userID string) string {
	return "axion_tv_favorites_" + userID
}

func historyKey(userID string) string {
	return "axion_tv_history_" + userID
}

func (l *Library) loadFavorites(userID string) []Favorite {
	data, ok, err := l.store.Get(favoritesKey(userID))
	if err != nil || !ok {
		if err != nil {
			logger.Warn("{library - loadFavorites} unreadable favorites for %s: %v", userID, err)
		}
		return nil
	}
	var favorites []Favorite
	if err := json.Unmarshal([]byte(data), &favorites); err != nil {
		logger.Warn("{library - loadFavorites} discarding corrupt favorites for %s: %v", userID, err)
		return nil
	}
	return favorites
}

func (l *Library) loadHistory(userID string) []HistoryItem {
	data, ok, err := l.store.Get(historyKey(userID))
	if err != nil || !ok {
		if err != nil {
			logger.Warn("{library - loadHistory} unreadable history for %s: %v", userID, err)
		}
		return nil
	}
	var history []HistoryItem
	if err := json.Unmarshal([]byte(data), &history); err != nil {
		logger.Warn("{library - loadHistory} discarding corrupt history for %s: %v", userID, err)
		return nil
	}
	return history
}

func (l *Library) persistFavorites(userID string, favorites []Favorite) error {
	data, err := json.Marshal(favorites)
	if err != nil {
		return fmt.Errorf("encode favorites: %w", err)
	}
	if err := l.store.SetMany(map[string]string{favoritesKey(userID): string(data)}); err != nil {
		return fmt.Errorf("persist favorites: %w", err)
	}
	return nil
}

func (l *Library) persistHistory(userID string, history []HistoryItem) error {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := l.store.SetMany(map[string]string{historyKey(userID): string(data)}); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}

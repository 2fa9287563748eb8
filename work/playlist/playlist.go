package playlist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/valyala/bytebufferpool"

	regexp "github.com/grafana/regexp"

	"axion-tv/work/client"
	"axion-tv/work/config"
	"axion-tv/work/logger"
	"axion-tv/work/metrics"
	"axion-tv/work/parser"
	"axion-tv/work/registry"
	"axion-tv/work/utils"
	"axion-tv/work/xtream"
)

// Section names the three catalog partitions.
const (
	SectionLive   = "live"
	SectionMovies = "vod"
	SectionSeries = "series"
)

// Item is one catalog entry: a live channel, a movie or a series. ID is the
// sanitized display name, stable across refreshes so favorites and playback
// URLs survive a catalog reload.
type Item struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Logo      string `json:"logo,omitempty"`
	StreamURL string `json:"streamUrl"`
	Category  string `json:"category,omitempty"`
	TvgID     string `json:"tvgId,omitempty"`
	Section   string `json:"section"`
	ServerID  string `json:"serverId"`
}

// Content-shape detection for M3U entries that do not carry a usable
// group-title. Mirrors how provider URLs encode the section.
var (
	seriesRegex = regexp.MustCompile(`(?i)24\/7|247|\/series\/|\/shows\/|\/show\/`)
	vodRegex    = regexp.MustCompile(`(?i)\/vods\/|\/vod\/|\/movies\/|\/movie\/`)
)

// Manager owns the catalog imported from the session's active server and
// generates M3U8 playlists from it. Imports run concurrently on a shared
// worker pool; the catalog maps swap atomically after a successful refresh
// so readers never observe a half-imported catalog.
type Manager struct {
	cfg    *config.Config
	http   *client.HeaderSettingClient
	xc     *xtream.Client
	pool   *ants.Pool
	filter *parser.Filter

	mu       sync.RWMutex
	channels *xsync.MapOf[string, Item]
	movies   *xsync.MapOf[string, Item]
	series   *xsync.MapOf[string, Item]

	playlistCache *ristretto.Cache[string, string]

	refreshStop chan struct{}
	refreshOnce sync.Once
}

// NewManager creates a catalog manager. The worker pool is shared with the
// rest of the application and not owned by the manager.
func NewManager(cfg *config.Config, httpClient *client.HeaderSettingClient, xc *xtream.Client, pool *ants.Pool) (*Manager, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create playlist cache: %w", err)
	}

	filter, err := parser.NewFilter(cfg.IncludeRegex, cfg.ExcludeRegex)
	if err != nil {
		return nil, fmt.Errorf("compile catalog filter: %w", err)
	}

	return &Manager{
		cfg:           cfg,
		filter:        filter,
		http:          httpClient,
		xc:            xc,
		pool:          pool,
		channels:      xsync.NewMapOf[string, Item](),
		movies:        xsync.NewMapOf[string, Item](),
		series:        xsync.NewMapOf[string, Item](),
		playlistCache: cache,
		refreshStop:   make(chan struct{}),
	}, nil
}

// Refresh re-imports the catalog from the given server. The existing catalog
// stays visible until the import succeeds; a failed import leaves it intact.
func (m *Manager) Refresh(ctx context.Context, srv registry.Server) error {
	logger.Info("{playlist - Refresh} importing catalog from %s (%s)", utils.LogURL(m.cfg.ObfuscateUrls, srv.URL), srv.Type)

	var channels, movies, series *xsync.MapOf[string, Item]
	var err error

	switch srv.Type {
	case registry.ServerTypeXtream:
		channels, movies, series, err = m.importXtream(ctx, srv)
	case registry.ServerTypeM3U:
		channels, movies, series, err = m.importM3U(ctx, srv)
	default:
		err = fmt.Errorf("unknown server type %q", srv.Type)
	}
	if err != nil {
		metrics.CatalogRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("catalog import: %w", err)
	}

	m.mu.Lock()
	m.channels = channels
	m.movies = movies
	m.series = series
	m.mu.Unlock()

	m.playlistCache.Clear()
	metrics.CatalogRefreshes.WithLabelValues("ok").Inc()
	metrics.CatalogItems.WithLabelValues(SectionLive).Set(float64(channels.Size()))
	metrics.CatalogItems.WithLabelValues(SectionMovies).Set(float64(movies.Size()))
	metrics.CatalogItems.WithLabelValues(SectionSeries).Set(float64(series.Size()))

	logger.Info("{playlist - Refresh} imported %d channels, %d movies, %d series",
		channels.Size(), movies.Size(), series.Size())
	return nil
}

// importXtream pulls the three player API listings concurrently on the
// worker pool.
func (m *Manager) importXtream(ctx context.Context, srv registry.Server) (channels, movies, series *xsync.MapOf[string, Item], err error) {
	channels = xsync.NewMapOf[string, Item]()
	movies = xsync.NewMapOf[string, Item]()
	series = xsync.NewMapOf[string, Item]()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error

	collect := func(e error) {
		errMu.Lock()
		errs = append(errs, e)
		errMu.Unlock()
	}

	tasks := []func(){
		func() {
			live, e := m.xc.LiveStreams(ctx, srv)
			if e != nil {
				collect(e)
				return
			}
			for _, stream := range live {
				item := Item{
					ID:        utils.SanitizeName(stream.Name),
					Name:      stream.Name,
					Logo:      stream.StreamIcon,
					StreamURL: xtream.LiveURL(srv, stream.StreamID),
					Category:  stream.CategoryID,
					TvgID:     stream.EpgChannelID,
					Section:   SectionLive,
					ServerID:  srv.ID,
				}
				channels.Store(item.ID, item)
			}
		},
		func() {
			vod, e := m.xc.VODStreams(ctx, srv)
			if e != nil {
				collect(e)
				return
			}
			for _, stream := range vod {
				item := Item{
					ID:        utils.SanitizeName(stream.Name),
					Name:      stream.Name,
					Logo:      stream.StreamIcon,
					StreamURL: xtream.VODURL(srv, stream.StreamID, stream.ContainerExtension),
					Category:  stream.CategoryID,
					Section:   SectionMovies,
					ServerID:  srv.ID,
				}
				movies.Store(item.ID, item)
			}
		},
		func() {
			items, e := m.xc.Series(ctx, srv)
			if e != nil {
				collect(e)
				return
			}
			for _, entry := range items {
				item := Item{
					ID:        utils.SanitizeName(entry.Name),
					Name:      entry.Name,
					Logo:      entry.Cover,
					StreamURL: xtream.SeriesURL(srv, entry.SeriesID),
					Category:  entry.CategoryID,
					Section:   SectionSeries,
					ServerID:  srv.ID,
				}
				series.Store(item.ID, item)
			}
		},
	}

	for _, task := range tasks {
		wg.Add(1)
		task := task
		submitErr := m.pool.Submit(func() {
			defer wg.Done()
			task()
		})
		if submitErr != nil {
			// Pool saturated or released: run inline rather than dropping
			// the section.
			task()
			wg.Done()
		}
	}
	wg.Wait()

	if len(errs) == len(tasks) {
		return nil, nil, nil, fmt.Errorf("all sections failed: %v", errs[0])
	}
	for _, e := range errs {
		logger.Warn("{playlist - importXtream} partial import: %v", e)
	}
	return channels, movies, series, nil
}

// importM3U fetches and parses a plain playlist, classifying entries into
// sections from their group-title or URL shape.
func (m *Manager) importM3U(ctx context.Context, srv registry.Server) (channels, movies, series *xsync.MapOf[string, Item], err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create playlist request: %w", err)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, nil, fmt.Errorf("fetch playlist: HTTP %d", resp.StatusCode)
	}

	// Playlists are text; 64MB is far beyond any sane channel list
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read playlist: %w", err)
	}

	m.mu.RLock()
	filter := m.filter
	m.mu.RUnlock()
	entries := parser.ParseM3U(data, filter)

	channels = xsync.NewMapOf[string, Item]()
	movies = xsync.NewMapOf[string, Item]()
	series = xsync.NewMapOf[string, Item]()

	for _, entry := range entries {
		item := Item{
			ID:        utils.SanitizeName(entry.Name),
			Name:      entry.Name,
			Logo:      entry.Attributes["tvg-logo"],
			StreamURL: entry.URL,
			Category:  entry.Attributes["group-title"],
			TvgID:     entry.Attributes["tvg-id"],
			ServerID:  srv.ID,
		}

		switch classifyEntry(entry) {
		case SectionSeries:
			item.Section = SectionSeries
			series.Store(item.ID, item)
		case SectionMovies:
			item.Section = SectionMovies
			movies.Store(item.ID, item)
		default:
			item.Section = SectionLive
			channels.Store(item.ID, item)
		}
	}

	return channels, movies, series, nil
}

// classifyEntry decides which section an M3U entry belongs to
func classifyEntry(entry parser.Entry) string {
	if seriesRegex.MatchString(entry.Name) || seriesRegex.MatchString(entry.URL) {
		return SectionSeries
	}
	if vodRegex.MatchString(entry.Name) || vodRegex.MatchString(entry.URL) {
		return SectionMovies
	}
	return SectionLive
}

// Channels returns live channels, optionally filtered by category, sorted
// per configuration.
func (m *Manager) Channels(category string) []Item {
	return m.collect(m.sectionMap(SectionLive), category)
}

// Movies returns movie items, optionally filtered by category.
func (m *Manager) Movies(category string) []Item {
	return m.collect(m.sectionMap(SectionMovies), category)
}

// Series returns series items, optionally filtered by category.
func (m *Manager) Series(category string) []Item {
	return m.collect(m.sectionMap(SectionSeries), category)
}

// Find looks an item up by its sanitized id across all sections.
func (m *Manager) Find(id string) (Item, bool) {
	for _, section := range []string{SectionLive, SectionMovies, SectionSeries} {
		if item, ok := m.sectionMap(section).Load(id); ok {
			return item, true
		}
	}
	return Item{}, false
}

// Categories returns the distinct category labels across all sections.
func (m *Manager) Categories() []string {
	seen := make(map[string]struct{})
	for _, section := range []string{SectionLive, SectionMovies, SectionSeries} {
		m.sectionMap(section).Range(func(_ string, item Item) bool {
			if item.Category != "" {
				seen[item.Category] = struct{}{}
			}
			return true
		})
	}

	categories := make([]string, 0, len(seen))
	for category := range seen {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}

// Counts returns the catalog sizes per section.
func (m *Manager) Counts() (channels, movies, series int) {
	return m.sectionMap(SectionLive).Size(), m.sectionMap(SectionMovies).Size(), m.sectionMap(SectionSeries).Size()
}

// Clear drops the whole catalog, used on logout.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.channels = xsync.NewMapOf[string, Item]()
	m.movies = xsync.NewMapOf[string, Item]()
	m.series = xsync.NewMapOf[string, Item]()
	m.mu.Unlock()

	m.playlistCache.Clear()
	for _, section := range []string{SectionLive, SectionMovies, SectionSeries} {
		metrics.CatalogItems.WithLabelValues(section).Set(0)
	}
}

// M3U8 renders the catalog (or one group of it) as an M3U playlist. Group
// may be empty (everything), a section name, or a category label. Rendered
// playlists are cached for the configured duration.
func (m *Manager) M3U8(group string) string {
	cacheKey := "playlist:" + group
	if m.cfg.CacheEnabled {
		if cached, ok := m.playlistCache.Get(cacheKey); ok {
			return cached
		}
	}

	items := m.groupItems(group)

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString("#EXTM3U\n")
	for _, item := range items {
		buf.WriteString("#EXTINF:-1")
		if item.TvgID != "" {
			fmt.Fprintf(buf, " tvg-id=%q", item.TvgID)
		}
		fmt.Fprintf(buf, " tvg-name=%q", item.Name)
		if item.Logo != "" {
			fmt.Fprintf(buf, " tvg-logo=%q", item.Logo)
		}
		group := item.Category
		if group == "" {
			group = item.Section
		}
		fmt.Fprintf(buf, " group-title=%q", group)
		fmt.Fprintf(buf, ",%s\n%s\n", item.Name, item.StreamURL)
	}

	result := buf.String()
	if m.cfg.CacheEnabled {
		m.playlistCache.SetWithTTL(cacheKey, result, int64(len(result)), m.cfg.CacheDuration)
	}
	return result
}

// ReloadFilter recompiles the include/exclude patterns from the current
// configuration. The previous filter stays in place when a pattern does not
// compile. Called after a config reload; takes effect on the next import.
func (m *Manager) ReloadFilter() error {
	filter, err := parser.NewFilter(m.cfg.IncludeRegex, m.cfg.ExcludeRegex)
	if err != nil {
		return fmt.Errorf("compile catalog filter: %w", err)
	}

	m.mu.Lock()
	m.filter = filter
	m.mu.Unlock()
	return nil
}

// StartAutoRefresh launches the background refresh loop. getServer supplies
// the currently active server on each tick; the loop skips ticks while no
// session is authenticated.
func (m *Manager) StartAutoRefresh(ctx context.Context, getServer func() (registry.Server, bool)) {
	go func() {
		ticker := time.NewTicker(m.cfg.ImportRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.refreshStop:
				return
			case <-ticker.C:
				srv, ok := getServer()
				if !ok {
					continue
				}
				if err := m.Refresh(ctx, srv); err != nil {
					logger.Error("{playlist - StartAutoRefresh} scheduled refresh failed: %v", err)
				}
			}
		}
	}()
}

// StopAutoRefresh terminates the background refresh loop.
func (m *Manager) StopAutoRefresh() {
	m.refreshOnce.Do(func() {
		close(m.refreshStop)
	})
}

// Close releases the playlist cache.
func (m *Manager) Close() {
	m.StopAutoRefresh()
	m.playlistCache.Close()
}

// sectionMap returns the current map for a section under the read lock
func (m *Manager) sectionMap(section string) *xsync.MapOf[string, Item] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch section {
	case SectionMovies:
		return m.movies
	case SectionSeries:
		return m.series
	default:
		return m.channels
	}
}

// collect filters and sorts a section's items
func (m *Manager) collect(items *xsync.MapOf[string, Item], category string) []Item {
	var result []Item
	items.Range(func(_ string, item Item) bool {
		if category == "" || item.Category == category {
			result = append(result, item)
		}
		return true
	})
	m.sortItems(result)
	return result
}

// groupItems assembles the playlist item set for a group selector
func (m *Manager) groupItems(group string) []Item {
	var result []Item
	appendMatching := func(items *xsync.MapOf[string, Item], section string) {
		items.Range(func(_ string, item Item) bool {
			switch {
			case group == "", group == section, group == item.Category:
				result = append(result, item)
			}
			return true
		})
	}
	appendMatching(m.sectionMap(SectionLive), SectionLive)
	appendMatching(m.sectionMap(SectionMovies), SectionMovies)
	appendMatching(m.sectionMap(SectionSeries), SectionSeries)
	m.sortItems(result)
	return result
}

// sortItems orders items by the configured sort field and direction
func (m *Manager) sortItems(items []Item) {
	field := m.cfg.SortField
	desc := m.cfg.SortDirection == "desc"

	sort.SliceStable(items, func(i, j int) bool {
		var a, b string
		if field == "category" {
			a, b = items[i].Category, items[j].Category
		} else {
			a, b = items[i].Name, items[j].Name
		}
		if desc {
			return a > b
		}
		return a < b
	})
}

package epg

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"axion-tv/work/client"
	"axion-tv/work/config"
	"axion-tv/work/logger"
	"axion-tv/work/utils"
)

// TV is the root element of an XMLTV document.
type TV struct {
	XMLName    xml.Name    `xml:"tv"`
	Channels   []ChannelDef `xml:"channel"`
	Programmes []Programme  `xml:"programme"`
}

// ChannelDef declares a guide channel.
type ChannelDef struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
}

// Programme is one scheduled broadcast.
type Programme struct {
	Start     string `xml:"start,attr"` // XMLTV timestamp, e.g. "20260831200000 +0000"
	Stop      string `xml:"stop,attr"`
	ChannelID string `xml:"channel,attr"`
	Title     string `xml:"title"`
	Desc      string `xml:"desc"`
	Category  string `xml:"category"`
}

// NowNextEntry is the decoded now/next answer for one channel.
type NowNextEntry struct {
	Title     string    `json:"title"`
	Desc      string    `json:"desc,omitempty"`
	Category  string    `json:"category,omitempty"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// Guide fetches XMLTV documents and answers now/next queries per channel.
// The raw document is cached so repeated loads inside the cache window skip
// the network entirely.
type Guide struct {
	cfg  *config.Config
	http *client.HeaderSettingClient

	rawCache *ristretto.Cache[string, string]

	mu         sync.RWMutex
	programmes map[string][]Programme // channel id -> programmes sorted by start
	loadedFrom string
}

// NewGuide creates an empty guide.
func NewGuide(cfg *config.Config, httpClient *client.HeaderSettingClient) (*Guide, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 100,
		MaxCost:     100 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create EPG cache: %w", err)
	}

	return &Guide{
		cfg:        cfg,
		http:       httpClient,
		rawCache:   cache,
		programmes: make(map[string][]Programme),
	}, nil
}

// Load fetches and indexes the XMLTV document at epgURL. Loading replaces
// the previous guide contents.
func (g *Guide) Load(ctx context.Context, epgURL string) error {
	raw, err := g.fetch(ctx, epgURL)
	if err != nil {
		return err
	}

	var tv TV
	if err := xml.Unmarshal([]byte(raw), &tv); err != nil {
		return fmt.Errorf("decode XMLTV: %w", err)
	}

	byChannel := make(map[string][]Programme, len(tv.Channels))
	for _, programme := range tv.Programmes {
		byChannel[programme.ChannelID] = append(byChannel[programme.ChannelID], programme)
	}
	for id := range byChannel {
		list := byChannel[id]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Start < list[j].Start
		})
		byChannel[id] = list
	}

	g.mu.Lock()
	g.programmes = byChannel
	g.loadedFrom = epgURL
	g.mu.Unlock()

	logger.Info("{epg - Load} indexed %d programmes across %d channels",
		len(tv.Programmes), len(byChannel))
	return nil
}

// NowNext returns the currently airing programme and the one after it for a
// guide channel id. Either result may be nil when the guide has no coverage.
func (g *Guide) NowNext(channelID string, now time.Time) (current, next *NowNextEntry) {
	g.mu.RLock()
	list := g.programmes[channelID]
	g.mu.RUnlock()

	for i := range list {
		start, err := ParseXMLTVTime(list[i].Start)
		if err != nil {
			continue
		}
		stop, err := ParseXMLTVTime(list[i].Stop)
		if err != nil {
			continue
		}

		if !now.Before(start) && now.Before(stop) {
			current = toEntry(&list[i], start, stop)
			if i+1 < len(list) {
				if nStart, err := ParseXMLTVTime(list[i+1].Start); err == nil {
					if nStop, err := ParseXMLTVTime(list[i+1].Stop); err == nil {
						next = toEntry(&list[i+1], nStart, nStop)
					}
				}
			}
			return current, next
		}

		// list is sorted; the first future programme is "next" when nothing
		// is airing right now
		if now.Before(start) {
			return nil, toEntry(&list[i], start, stop)
		}
	}
	return nil, nil
}

// Channels returns the guide channel ids with coverage.
func (g *Guide) Channels() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.programmes))
	for id := range g.programmes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases the raw document cache.
func (g *Guide) Close() {
	g.rawCache.Close()
}

// fetch returns the raw XMLTV document, from cache when possible
func (g *Guide) fetch(ctx context.Context, epgURL string) (string, error) {
	cacheKey := "epg:" + epgURL
	if g.cfg.CacheEnabled {
		if cached, ok := g.rawCache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, epgURL, nil)
	if err != nil {
		return "", fmt.Errorf("create EPG request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch EPG from %s: %w", utils.LogURL(g.cfg.ObfuscateUrls, epgURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch EPG from %s: HTTP %d", utils.LogURL(g.cfg.ObfuscateUrls, epgURL), resp.StatusCode)
	}

	// Guides can be large but are still bounded text documents
	data, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return "", fmt.Errorf("read EPG: %w", err)
	}

	raw := string(data)
	if g.cfg.CacheEnabled {
		g.rawCache.SetWithTTL(cacheKey, raw, int64(len(raw)), g.cfg.CacheDuration)
	}
	return raw, nil
}

// toEntry converts a programme plus its parsed times into an answer
func toEntry(p *Programme, start, stop time.Time) *NowNextEntry {
	return &NowNextEntry{
		Title:     p.Title,
		Desc:      p.Desc,
		Category:  p.Category,
		StartTime: start,
		EndTime:   stop,
	}
}

// ParseXMLTVTime parses the XMLTV timestamp format, with and without a
// timezone suffix. Zone-less timestamps are taken as UTC.
func ParseXMLTVTime(value string) (time.Time, error) {
	if t, err := time.Parse("20060102150405 -0700", value); err == nil {
		return t, nil
	}
	t, err := time.Parse("20060102150405", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse XMLTV time %q: %w", value, err)
	}
	return t.UTC(), nil
}

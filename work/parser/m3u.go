package parser

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	regexp "github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"axion-tv/work/client"
	"axion-tv/work/logger"
)

// Entry is one playable item extracted from an M3U playlist: its URL plus
// the EXTINF attributes (tvg-id, tvg-logo, group-title, ...) that describe it.
type Entry struct {
	URL        string
	Name       string
	Attributes map[string]string
}

// Filter holds optional include/exclude patterns applied to entry names
// during parsing, so unwanted items never reach the catalog.
type Filter struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
}

// NewFilter compiles include/exclude patterns. Empty patterns mean "match
// everything" / "exclude nothing".
func NewFilter(includePattern, excludePattern string) (*Filter, error) {
	f := &Filter{}
	var err error
	if includePattern != "" {
		f.include, err = regexp.Compile(includePattern)
		if err != nil {
			return nil, fmt.Errorf("compile include pattern: %w", err)
		}
	}
	if excludePattern != "" {
		f.exclude, err = regexp.Compile(excludePattern)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern: %w", err)
		}
	}
	return f, nil
}

// Match reports whether a name passes the filter.
func (f *Filter) Match(name string) bool {
	if f == nil {
		return true
	}
	if f.include != nil && !f.include.MatchString(name) {
		return false
	}
	if f.exclude != nil && f.exclude.MatchString(name) {
		return false
	}
	return true
}

// ParseM3U extracts entries from raw playlist bytes.
//
// Two shapes are handled:
//   - HLS master playlists (a URL registered as "m3u" that is really a
//     variant list) decode through grafov/m3u8 and yield one entry per
//     variant.
//   - IPTV channel lists carry their metadata in EXTINF attribute strings,
//     which grafov does not surface, so they go through the line scanner.
func ParseM3U(data []byte, filter *Filter) []Entry {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(data)), true)
	if err == nil && listType == m3u8.MASTER {
		return parseMaster(playlist.(*m3u8.MasterPlaylist), filter)
	}

	return parseEntries(bytes.NewReader(data), filter)
}

// parseMaster maps master playlist variants to entries
func parseMaster(master *m3u8.MasterPlaylist, filter *Filter) []Entry {
	var entries []Entry
	for _, variant := range master.Variants {
		if variant == nil {
			break
		}

		name := variant.Name
		if name == "" && variant.Resolution != "" {
			name = fmt.Sprintf("Stream_%s", variant.Resolution)
		} else if name == "" {
			name = fmt.Sprintf("Stream_%d", variant.Bandwidth)
		}
		if !filter.Match(name) {
			continue
		}

		entry := Entry{
			URL:        variant.URI,
			Name:       name,
			Attributes: make(map[string]string),
		}
		if variant.Bandwidth > 0 {
			entry.Attributes["bandwidth"] = fmt.Sprintf("%d", variant.Bandwidth)
		}
		if variant.Resolution != "" {
			entry.Attributes["resolution"] = variant.Resolution
		}
		entries = append(entries, entry)
	}

	logger.Debug("{parser - parseMaster} master playlist yielded %d variant entries", len(entries))
	return entries
}

// parseEntries scans EXTINF/URL pairs out of an IPTV channel list
func parseEntries(reader io.Reader, filter *Filter) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentAttrs map[string]string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			currentAttrs = ParseEXTINF(line)

		case currentAttrs != nil && (strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")):
			name := currentAttrs["tvg-name"]
			if name == "" {
				name = "Unknown"
			}
			if filter.Match(name) {
				entries = append(entries, Entry{
					URL:        line,
					Name:       name,
					Attributes: currentAttrs,
				})
			}
			currentAttrs = nil
		}
	}

	logger.Debug("{parser - parseEntries} scanner yielded %d entries", len(entries))
	return entries
}

// ParseEXTINF splits one #EXTINF line into its attribute map. The channel
// name follows the last comma that sits outside quoted attribute values and
// is stored under "tvg-name"; the leading duration is stored under
// "duration".
func ParseEXTINF(line string) map[string]string {
	attrs := make(map[string]string)
	line = strings.TrimPrefix(line, "#EXTINF:")

	// Find the separating comma, scanning backwards so commas inside quoted
	// attribute values are skipped
	lastComma := -1
	inQuotes := false
	for i := len(line) - 1; i >= 0; i-- {
		switch {
		case line[i] == '"':
			inQuotes = !inQuotes
		case line[i] == ',' && !inQuotes:
			lastComma = i
		}
		if lastComma != -1 {
			break
		}
	}
	if lastComma == -1 {
		return attrs
	}

	attrPart := strings.TrimSpace(line[:lastComma])
	channelName := strings.TrimSpace(line[lastComma+1:])

	parts := splitAttrFields(attrPart)
	if len(parts) > 0 {
		attrs["duration"] = parts[0]
	}
	for i := 1; i < len(parts); i++ {
		if eqIdx := strings.Index(parts[i], "="); eqIdx != -1 {
			key := parts[i][:eqIdx]
			value := strings.Trim(parts[i][eqIdx+1:], "\"")
			attrs[key] = value
		}
	}

	if channelName != "" {
		attrs["tvg-name"] = channelName
	}
	return attrs
}

// splitAttrFields splits on spaces while keeping quoted attribute values
// (group-title="News And Sports") intact.
func splitAttrFields(s string) []string {
	var fields []string
	var current strings.Builder
	inQuotes := false

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ' ' && !inQuotes:
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}

// CheckPlaylist verifies that a playlist URL is reachable and actually
// serves an M3U document. It reads only the head of the response, enough to
// see the #EXTM3U marker, and is the connectivity exchange used when a user
// logs in with an m3u source.
func CheckPlaylist(ctx context.Context, httpClient *client.HeaderSettingClient, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create playlist request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch playlist: HTTP %d", resp.StatusCode)
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("read playlist head: %w", err)
	}

	content := strings.TrimSpace(strings.TrimPrefix(string(head[:n]), "\ufeff"))
	if !strings.HasPrefix(content, "#EXTM3U") {
		return fmt.Errorf("response is not an M3U playlist")
	}
	return nil
}

package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrValidation is the sentinel wrapped by every validation failure produced
// by this package. Callers classify with errors.Is.
var ErrValidation = errors.New("server validation failed")

// ServerType discriminates the two supported server variants.
type ServerType string

const (
	ServerTypeXtream ServerType = "xtream" // Credentialed Xtream-Codes backend
	ServerTypeM3U    ServerType = "m3u"    // Plain playlist URL, no credentials
)

// Server describes a registered IPTV source. The variant is carried in Type:
// xtream servers hold credentials, m3u servers never do. IDs are assigned at
// creation and immutable.
type Server struct {
	ID          string     `json:"id"`                 // Opaque unique identifier, assigned at creation
	Name        string     `json:"name"`               // Display label, never empty after construction
	URL         string     `json:"url"`                // Absolute base URL of the server or playlist
	Type        ServerType `json:"type"`               // Variant discriminant: "xtream" or "m3u"
	Username    string     `json:"username,omitempty"` // Xtream only
	Password    string     `json:"password,omitempty"` // Xtream only
	LastUpdated time.Time  `json:"lastUpdated"`        // Timestamp of last successful contact/edit
	IsActive    bool       `json:"isActive"`           // Whether this server is the selected source
}

// NewXtreamServer constructs a validated Xtream server descriptor.
//
// Validation:
//   - url must parse as an absolute URL with a host
//   - username and password must be non-empty after trimming
//
// When name is empty a default of the form "Xtream <username>" is applied,
// matching how a server registered during login is labeled.
func NewXtreamServer(name, rawURL, username, password string) (Server, error) {
	if err := validateURL(rawURL); err != nil {
		return Server{}, err
	}

	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" {
		return Server{}, fmt.Errorf("%w: username is required for xtream servers", ErrValidation)
	}
	if password == "" {
		return Server{}, fmt.Errorf("%w: password is required for xtream servers", ErrValidation)
	}

	if strings.TrimSpace(name) == "" {
		name = "Xtream " + username
	}

	return Server{
		ID:          uuid.NewString(),
		Name:        name,
		URL:         strings.TrimRight(rawURL, "/"),
		Type:        ServerTypeXtream,
		Username:    username,
		Password:    password,
		LastUpdated: time.Now(),
		IsActive:    true,
	}, nil
}

// NewM3UServer constructs a validated M3U playlist server descriptor. M3U
// servers carry no credentials.
func NewM3UServer(name, rawURL string) (Server, error) {
	if err := validateURL(rawURL); err != nil {
		return Server{}, err
	}

	if strings.TrimSpace(name) == "" {
		name = "M3U Playlist"
	}

	return Server{
		ID:          uuid.NewString(),
		Name:        name,
		URL:         rawURL,
		Type:        ServerTypeM3U,
		LastUpdated: time.Now(),
		IsActive:    true,
	}, nil
}

// Validate re-checks a Server value against its variant's shape. It is used
// on descriptors that did not come out of the constructors above: data read
// back from the store and servers supplied through the API.
func (s Server) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrValidation)
	}
	if err := validateURL(s.URL); err != nil {
		return err
	}

	switch s.Type {
	case ServerTypeXtream:
		if strings.TrimSpace(s.Username) == "" || strings.TrimSpace(s.Password) == "" {
			return fmt.Errorf("%w: xtream server requires username and password", ErrValidation)
		}
	case ServerTypeM3U:
		if s.Username != "" || s.Password != "" {
			return fmt.Errorf("%w: m3u server must not carry credentials", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown server type %q", ErrValidation, s.Type)
	}

	return nil
}

// validateURL requires a syntactically valid absolute URL with a host
func validateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid url: %v", ErrValidation, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute with a host", ErrValidation)
	}
	return nil
}

package staging

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"

	"accession/internal/config"
)

// ErrNoLocation is returned when a path lies outside every configured location.
var ErrNoLocation = errors.New("path is not inside a configured storage location")

// Location is a storage root files may be staged in.
type Location struct {
	ID       string
	Root     string
	ReadOnly bool
}

// Contains reports whether path is the root itself or lies beneath it.
func (l Location) Contains(path string) bool {
	if path == l.Root {
		return true
	}
	prefix := l.Root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// IsRoot reports whether path is the location root.
func (l Location) IsRoot(path string) bool {
	return filepath.Clean(path) == l.Root
}

// Resolver maps paths and file URIs to locations by longest matching root.
type Resolver struct {
	locations []Location
}

// NewResolver builds a resolver. Roots are cleaned and sorted longest first.
func NewResolver(locations []Location) *Resolver {
	sorted := make([]Location, 0, len(locations))
	for _, loc := range locations {
		loc.Root = filepath.Clean(loc.Root)
		sorted = append(sorted, loc)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Root) > len(sorted[j].Root)
	})
	return &Resolver{locations: sorted}
}

// NewResolverFromConfig builds a resolver from [[locations]].
func NewResolverFromConfig(cfg *config.Config) *Resolver {
	if cfg == nil {
		return NewResolver(nil)
	}
	locations := make([]Location, 0, len(cfg.Locations))
	for _, loc := range cfg.Locations {
		locations = append(locations, Location{ID: loc.ID, Root: loc.Root, ReadOnly: loc.ReadOnly})
	}
	return NewResolver(locations)
}

// Locations returns the configured locations, longest root first.
func (r *Resolver) Locations() []Location {
	return append([]Location(nil), r.locations...)
}

// Resolve returns the cleaned filesystem path for ref and its location. ref
// may be an absolute path or a file:// URI.
func (r *Resolver) Resolve(ref string) (string, Location, error) {
	path, err := ToPath(ref)
	if err != nil {
		return "", Location{}, err
	}
	for _, loc := range r.locations {
		if loc.Contains(path) {
			return path, loc, nil
		}
	}
	return path, Location{}, fmt.Errorf("%w: %s", ErrNoLocation, path)
}

// ToPath converts a file:// URI or absolute path to a cleaned path.
func ToPath(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty path")
	}
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("parse %q: %w", ref, err)
		}
		if u.Scheme != "file" {
			return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, ref)
		}
		if u.Host != "" && u.Host != "localhost" {
			return "", fmt.Errorf("remote file uri %q", ref)
		}
		ref = u.Path
	}
	if !filepath.IsAbs(ref) {
		return "", fmt.Errorf("path %q must be absolute", ref)
	}
	return filepath.Clean(ref), nil
}

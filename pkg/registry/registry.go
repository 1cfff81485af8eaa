package registry

import (
	"context"
	"fmt"
)

// Driver exposes v1 registry reads to the scanner. The only implementation
// speaks the object-store key layout of an S3-backed registry; the interface
// exists so tests can substitute an in-memory registry.
type Driver interface {
	// EnumerateImages calls emit once for every image id under the
	// registry root. Duplicates within one enumeration are filtered.
	EnumerateImages(ctx context.Context, emit func(id string)) error

	// EnumerateRepositories calls emit once for every repository name.
	EnumerateRepositories(ctx context.Context, emit func(repo string)) error

	// GetImageAncestry returns the layer chain for an image, head first.
	GetImageAncestry(ctx context.Context, id string) ([]string, error)

	// GetImageInfo returns the parsed image manifest.
	GetImageInfo(ctx context.Context, id string) (*ImageInfo, error)

	// GetRepositoryIndex returns the layer ids a repository claims.
	GetRepositoryIndex(ctx context.Context, repo string) ([]string, error)

	// GetRepositoryTags maps tag names to their head layer ids.
	GetRepositoryTags(ctx context.Context, repo string) (map[string]string, error)
}

// ImageInfo is the subset of the image manifest the history reporter
// cares about.
type ImageInfo struct {
	ID              string `json:"id"`
	Created         string `json:"created"`
	Size            int64  `json:"Size"`
	ContainerConfig struct {
		Cmd []string `json:"Cmd"`
	} `json:"container_config"`
}

// ParseError indicates a registry object had an unexpected shape.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %s: %s", e.Key, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/layersweep/layersweep/pkg/store"
	"github.com/sirupsen/logrus"
)

// S3Driver reads a v1 registry laid out under a root prefix in an object
// store bucket:
//
//	<root>/images/<id>/json                              image manifest
//	<root>/images/<id>/ancestry                          layer chain, head first
//	<root>/repositories/library/<repo>/_index_images     [{"id": ...}]
//	<root>/repositories/library/<repo>/tag_<name>        quoted head layer id
type S3Driver struct {
	Log   *logrus.Entry
	Store *store.Client

	root string
}

// NewS3Driver wires a driver over an object store client. root is the key
// prefix the registry was configured with, without a trailing slash.
func NewS3Driver(log *logrus.Entry, client *store.Client, root string) *S3Driver {
	return &S3Driver{
		Log:   log,
		Store: client,
		root:  strings.Trim(root, "/"),
	}
}

func (d *S3Driver) imagesPrefix() string {
	return d.root + "/images/"
}

func (d *S3Driver) repositoriesPrefix() string {
	return d.root + "/repositories/library/"
}

func (d *S3Driver) imageKey(id, name string) string {
	return path.Join(d.root, "images", id, name)
}

func (d *S3Driver) repositoryKey(repo, name string) string {
	return path.Join(d.root, "repositories", "library", repo, name)
}

// EnumerateImages walks the paginated listing of the images prefix and
// emits each image id once.
func (d *S3Driver) EnumerateImages(ctx context.Context, emit func(id string)) error {
	return d.enumeratePrefixes(ctx, d.imagesPrefix(), emit)
}

// EnumerateRepositories emits each repository name once.
func (d *S3Driver) EnumerateRepositories(ctx context.Context, emit func(repo string)) error {
	return d.enumeratePrefixes(ctx, d.repositoriesPrefix(), emit)
}

// enumeratePrefixes lists prefix with delimiter "/" and emits the final
// path element of every previously-unseen common prefix, following
// NextMarker until the listing is exhausted.
func (d *S3Driver) enumeratePrefixes(ctx context.Context, prefix string, emit func(string)) error {
	seen := map[string]bool{}
	marker := ""

	for {
		page, err := d.Store.List(ctx, prefix, "/", marker)
		if err != nil {
			return err
		}

		for _, common := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(common, prefix), "/")
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			emit(name)
		}

		if !page.IsTruncated {
			return nil
		}
		marker = page.NextMarker
	}
}

// GetImageAncestry fetches and validates the ancestry chain of an image.
// The registry writes the image's own id as the first element; anything
// else means the object is corrupt.
func (d *S3Driver) GetImageAncestry(ctx context.Context, id string) ([]string, error) {
	key := d.imageKey(id, "ancestry")
	resp, err := d.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var ancestry []string
	if err := json.Unmarshal(resp.Body, &ancestry); err != nil {
		return nil, &ParseError{Key: key, Err: err}
	}
	if len(ancestry) == 0 || ancestry[0] != id {
		return nil, &ParseError{Key: key, Err: fmt.Errorf("ancestry does not start with %s", id)}
	}
	return ancestry, nil
}

func (d *S3Driver) GetImageInfo(ctx context.Context, id string) (*ImageInfo, error) {
	key := d.imageKey(id, "json")
	resp, err := d.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	info := &ImageInfo{}
	if err := json.Unmarshal(resp.Body, info); err != nil {
		return nil, &ParseError{Key: key, Err: err}
	}
	if info.Created == "" {
		return nil, &ParseError{Key: key, Err: errors.New("manifest has no created timestamp")}
	}
	return info, nil
}

func (d *S3Driver) GetRepositoryIndex(ctx context.Context, repo string) ([]string, error) {
	key := d.repositoryKey(repo, "_index_images")
	resp, err := d.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &entries); err != nil {
		return nil, &ParseError{Key: key, Err: err}
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.ID != "" {
			ids = append(ids, entry.ID)
		}
	}
	return ids, nil
}

// GetRepositoryTags lists the repository's tag_ keys and fetches each tag
// body. Tag bodies are the head layer id wrapped in quotes.
func (d *S3Driver) GetRepositoryTags(ctx context.Context, repo string) (map[string]string, error) {
	prefix := d.repositoryKey(repo, "tag_")
	tags := map[string]string{}
	marker := ""

	for {
		page, err := d.Store.List(ctx, prefix, "", marker)
		if err != nil {
			return nil, err
		}

		for _, key := range page.Keys {
			name := strings.TrimPrefix(path.Base(key), "tag_")
			if name == "" {
				continue
			}
			resp, err := d.Store.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			tags[name] = strings.Trim(strings.TrimSpace(string(resp.Body)), `"`)
		}

		if !page.IsTruncated {
			return tags, nil
		}
		marker = page.NextMarker
	}
}

// Package blob stores named binary objects grouped into containers.
package blob

import (
	"context"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound    = errors.New("blob: not found")
	ErrInvalidName = errors.New("blob: invalid name")
)

// Ref addresses one blob.
type Ref struct {
	Container string `json:"container"`
	Name      string `json:"name"`
}

// String returns the "container/name" path of the blob.
func (r Ref) String() string {
	return r.Container + "/" + r.Name
}

// Properties are the system properties of a stored blob.
type Properties struct {
	ETag         string            `json:"etag"`
	LastModified time.Time         `json:"last_modified"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Item is a listing entry.
type Item struct {
	Ref        Ref
	Properties Properties
}

// Store is implemented by every blob backend.
type Store interface {
	CreateContainerIfNotExists(ctx context.Context, container string) error
	Read(ctx context.Context, ref Ref) (io.ReadCloser, Properties, error)
	Write(ctx context.Context, ref Ref, data []byte, contentType string) (Properties, error)
	Properties(ctx context.Context, ref Ref) (Properties, error)
	List(ctx context.Context, container, prefix string) ([]Item, error)
	Delete(ctx context.Context, ref Ref) error
}

var containerNamePattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9]|-(?:[a-z0-9]))*$`)

// ValidateContainerName checks the container naming rules: 3-63 characters,
// lowercase letters, digits and single hyphens, starting and ending with a
// letter or digit.
func ValidateContainerName(name string) error {
	if len(name) < 3 || len(name) > 63 || !containerNamePattern.MatchString(name) {
		return errors.Wrapf(ErrInvalidName,
			"invalid container name %q: must be 3-63 lowercase letters, digits or single hyphens", name)
	}
	return nil
}

// ValidateBlobName checks that name is a usable blob name.
func ValidateBlobName(name string) error {
	if name == "" || len(name) > 1024 {
		return errors.Wrapf(ErrInvalidName, "invalid blob name %q: must be 1-1024 characters", name)
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return errors.Wrapf(ErrInvalidName, "invalid blob name %q: cannot end with '/' or '.'", name)
	}
	return nil
}

// ParsePath splits "container/name" into a Ref. The blob name may contain
// further slashes.
func ParsePath(path string) (Ref, error) {
	container, name, ok := strings.Cut(path, "/")
	if !ok || container == "" || name == "" {
		return Ref{}, errors.Wrapf(ErrInvalidName, "blob path %q must be of the form container/blob", path)
	}
	return Ref{Container: container, Name: name}, nil
}

// ParseAndValidatePath parses path and checks both name parts.
func ParseAndValidatePath(path string) (Ref, error) {
	ref, err := ParsePath(path)
	if err != nil {
		return Ref{}, err
	}
	if err := ValidateContainerName(ref.Container); err != nil {
		return Ref{}, err
	}
	if err := ValidateBlobName(ref.Name); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// ReadAll is a convenience that reads the full content of a blob.
func ReadAll(ctx context.Context, s Store, ref Ref) ([]byte, Properties, error) {
	rc, props, err := s.Read(ctx, ref)
	if err != nil {
		return nil, Properties{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, Properties{}, errors.Wrapf(err, "read blob %s", ref)
	}
	return data, props, nil
}

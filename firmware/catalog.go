// Package firmware implements the firmware catalog: the set of published
// firmware images per machine type, their version ordering, and the
// minimum-firmware compatibility check the RPC surface exposes as
// compatiblefirmware.
package firmware

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
)

// Catalog lists and fetches firmware images for a machine type. A real
// deployment backs this with an S3 bucket of published releases; tests
// supply an in-memory fake.
type Catalog interface {
	ListVersions(ctx context.Context, machineType string) ([]*version.Version, error)
	Download(ctx context.Context, machineType string, v *version.Version, destDir string) (string, error)
	// ListMachineTypes reports every distinct machine type the catalog has
	// at least one published firmware image for — backs the
	// getuploadablemachines RPC method.
	ListMachineTypes(ctx context.Context) ([]string, error)
}

// minCompatible is the floor below which a firmware version is refused by
// CompatibleFirmware — mirrors the original daemon's hardcoded minimum
// supported firmware baseline.
var minCompatible = version.Must(version.NewVersion("5.2.0"))

// CompatibleFirmware reports whether firmwareVersion meets the minimum
// supported baseline, as returned by the compatiblefirmware RPC method.
func CompatibleFirmware(firmwareVersion string) (bool, error) {
	v, err := version.NewVersion(firmwareVersion)
	if err != nil {
		return false, fmt.Errorf("parse firmware version %q: %w", firmwareVersion, err)
	}
	return v.GreaterThanOrEqual(minCompatible), nil
}

// Latest returns the highest version ListVersions reports for machineType,
// or nil if none are published.
func Latest(ctx context.Context, cat Catalog, machineType string) (*version.Version, error) {
	versions, err := cat.ListVersions(ctx, machineType)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	sort.Sort(version.Collection(versions))
	return versions[len(versions)-1], nil
}

// objectStore is the narrow slice of an S3 client an S3Catalog needs,
// isolated so tests can fake it without standing up a real bucket.
type objectStore interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}

// S3Catalog is a Catalog backed by an S3-compatible object store, laid out
// as "<machineType>/<version>.hex" per object key.
type S3Catalog struct {
	store objectStore
}

// NewS3Catalog wraps store as a Catalog.
func NewS3Catalog(store objectStore) *S3Catalog {
	return &S3Catalog{store: store}
}

// ListVersions lists every published firmware version for machineType,
// parsing each object key's version component with go-version so callers
// can sort and compare.
func (c *S3Catalog) ListVersions(ctx context.Context, machineType string) ([]*version.Version, error) {
	prefix := machineType + "/"
	keys, err := c.store.ListObjects(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list firmware objects for %s: %w", machineType, err)
	}

	versions := make([]*version.Version, 0, len(keys))
	for _, key := range keys {
		raw := filepath.Base(key)
		raw = raw[:len(raw)-len(filepath.Ext(raw))]
		v, err := version.NewVersion(raw)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// ListMachineTypes derives the set of distinct machine types from the
// bucket's flat key listing — each object key is laid out as
// "<machineType>/<version>.hex", so the type is everything before the
// first slash.
func (c *S3Catalog) ListMachineTypes(ctx context.Context) ([]string, error) {
	keys, err := c.store.ListObjects(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list firmware objects: %w", err)
	}

	seen := make(map[string]struct{})
	for _, key := range keys {
		idx := strings.Index(key, "/")
		if idx <= 0 {
			continue
		}
		seen[key[:idx]] = struct{}{}
	}

	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// Download fetches the firmware image for machineType/v into destDir,
// returning the local path the caller should hand to a Device Worker's
// UploadFirmware.
func (c *S3Catalog) Download(ctx context.Context, machineType string, v *version.Version, destDir string) (string, error) {
	key := fmt.Sprintf("%s/%s.hex", machineType, v.String())
	body, err := c.store.GetObject(ctx, key)
	if err != nil {
		return "", fmt.Errorf("fetch firmware object %s: %w", key, err)
	}
	defer body.Close()

	destPath := filepath.Join(destDir, filepath.Base(key))
	f, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("create local firmware file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return "", fmt.Errorf("write local firmware file: %w", err)
	}
	return destPath, nil
}

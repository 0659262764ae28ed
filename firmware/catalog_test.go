package firmware

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/hashicorp/go-version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	objects map[string]string
}

func (f *fakeStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func TestListVersionsParsesFromKeys(t *testing.T) {
	store := &fakeStore{objects: map[string]string{
		"replicator2/7.2.0.hex": "a",
		"replicator2/7.4.1.hex": "b",
		"replicator2/bogus.hex": "c",
		"other/1.0.0.hex":       "d",
	}}
	cat := NewS3Catalog(store)

	versions, err := cat.ListVersions(context.Background(), "replicator2")
	require.NoError(t, err)
	require.Len(t, versions, 2)
}

func TestLatestPicksHighest(t *testing.T) {
	store := &fakeStore{objects: map[string]string{
		"replicator2/7.2.0.hex": "a",
		"replicator2/7.4.1.hex": "b",
	}}
	cat := NewS3Catalog(store)

	latest, err := Latest(context.Background(), cat, "replicator2")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "7.4.1", latest.String())
}

func TestDownloadWritesLocalFile(t *testing.T) {
	store := &fakeStore{objects: map[string]string{
		"replicator2/7.4.1.hex": "firmware-bytes",
	}}
	cat := NewS3Catalog(store)

	dir := t.TempDir()
	v := version.Must(version.NewVersion("7.4.1"))
	path, err := cat.Download(context.Background(), "replicator2", v, dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "firmware-bytes", string(data))
}

func TestListMachineTypesDedupesAndSorts(t *testing.T) {
	store := &fakeStore{objects: map[string]string{
		"replicator2/7.2.0.hex": "a",
		"replicator2/7.4.1.hex": "b",
		"thex/1.0.0.hex":        "c",
		"bogus":                 "d",
	}}
	cat := NewS3Catalog(store)

	types, err := cat.ListMachineTypes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"replicator2", "thex"}, types)
}

func TestCompatibleFirmware(t *testing.T) {
	ok, err := CompatibleFirmware("7.4.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CompatibleFirmware("4.9.9")
	require.NoError(t, err)
	assert.False(t, ok)
}

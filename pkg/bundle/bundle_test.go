package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
)

// memBlobs is a recording blobstore so tests can see what survives a failed
// ingest.
type memBlobs struct {
	data map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{data: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, r io.Reader) (string, string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", "", err
	}
	id := uuid.NewString()
	m.data[id] = b
	sum := sha1.Sum(b)
	return id, hex.EncodeToString(sum[:]), nil
}

func (m *memBlobs) Get(_ context.Context, id string) (io.ReadCloser, error) {
	b, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("no blob %s", id)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Delete(_ context.Context, id string) error {
	delete(m.data, id)
	return nil
}

type entry struct {
	name string
	data []byte
}

func tarball(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: e.name, Mode: 0o644, Size: int64(len(e.data)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sha1hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func releaseTarball(t *testing.T) []byte {
	t.Helper()
	pkg := []byte("redis-server sources")
	job := []byte("web template")
	manifest := fmt.Sprintf(`
name: redis
version: "1"
packages:
  - name: redis-server
    version: "3"
    fingerprint: fp-redis
    sha1: %s
jobs:
  - name: web
    version: "2"
    fingerprint: fp-web
    sha1: %s
    packages: [redis-server]
`, sha1hex(pkg), sha1hex(job))

	return tarball(t, []entry{
		{"./release.MF", []byte(manifest)},
		{"./packages/redis-server.tgz", pkg},
		{"./jobs/web.tgz", job},
	})
}

func TestIngestRelease(t *testing.T) {
	ctx := context.Background()
	bs := newMemBlobs()

	rel, err := IngestRelease(ctx, bytes.NewReader(releaseTarball(t)), bs)
	require.NoError(t, err)

	assert.Equal(t, "redis", rel.Manifest.Name)
	assert.Equal(t, "1", rel.Manifest.Version)
	require.Len(t, rel.Manifest.Packages, 1)
	assert.Equal(t, []string{"redis-server"}, rel.Manifest.Jobs[0].Packages)

	blob := rel.Packages["redis-server"]
	rc, err := bs.Get(ctx, blob.ID)
	require.NoError(t, err)
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "redis-server sources", string(stored))
	assert.Equal(t, sha1hex(stored), blob.SHA1)
}

func TestIngestReleaseRejectsBadSHA1(t *testing.T) {
	ctx := context.Background()
	bs := newMemBlobs()

	pkg := []byte("sources")
	manifest := `
name: redis
version: "1"
packages:
  - name: redis-server
    version: "3"
    fingerprint: fp
    sha1: 0000000000000000000000000000000000000000
`
	data := tarball(t, []entry{
		{"release.MF", []byte(manifest)},
		{"packages/redis-server.tgz", pkg},
	})

	_, err := IngestRelease(ctx, bytes.NewReader(data), bs)
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeValidationFailed, direrrors.CodeOf(err))
	// failed ingest leaves nothing behind
	assert.Empty(t, bs.data)
}

func TestIngestReleaseRequiresManifest(t *testing.T) {
	ctx := context.Background()
	bs := newMemBlobs()

	data := tarball(t, []entry{{"packages/a.tgz", []byte("x")}})
	_, err := IngestRelease(ctx, bytes.NewReader(data), bs)
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeValidationFailed, direrrors.CodeOf(err))
	assert.Empty(t, bs.data)
}

func TestIngestReleaseRejectsUndeclaredArchive(t *testing.T) {
	ctx := context.Background()
	bs := newMemBlobs()

	manifest := `
name: redis
version: "1"
`
	data := tarball(t, []entry{
		{"release.MF", []byte(manifest)},
		{"packages/stray.tgz", []byte("x")},
	})
	_, err := IngestRelease(ctx, bytes.NewReader(data), bs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stray")
}

func TestReadStemcell(t *testing.T) {
	image := []byte("raw disk image bytes")
	manifest := fmt.Sprintf(`
name: ubuntu-stemcell
version: "0.1"
sha1: %s
cloud_properties:
  infrastructure: vsphere
`, sha1hex(image))

	data := tarball(t, []entry{
		{"stemcell.MF", []byte(manifest)},
		{"image", image},
	})

	sc, err := ReadStemcell(bytes.NewReader(data), t.TempDir())
	require.NoError(t, err)
	defer sc.Cleanup()

	assert.Equal(t, "ubuntu-stemcell", sc.Manifest.Name)
	assert.Equal(t, "0.1", sc.Manifest.Version)
	assert.Equal(t, sc.Manifest.SHA1, sc.ImageSHA1)
	assert.Equal(t, "vsphere", sc.Manifest.CloudProperties["infrastructure"])

	spilled, err := os.ReadFile(sc.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, image, spilled)
}

func TestReadStemcellRequiresImage(t *testing.T) {
	data := tarball(t, []entry{
		{"stemcell.MF", []byte("name: s\nversion: \"1\"\n")},
	})
	_, err := ReadStemcell(bytes.NewReader(data), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeValidationFailed, direrrors.CodeOf(err))
}

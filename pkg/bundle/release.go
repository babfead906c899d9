package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meridianhq/drydock/pkg/blobstore"
	direrrors "github.com/meridianhq/drydock/pkg/errors"
)

// ReleaseManifest is the release.MF descriptor at the root of a release
// tarball.
type ReleaseManifest struct {
	Name     string         `yaml:"name"`
	Version  string         `yaml:"version"`
	Packages []PackageEntry `yaml:"packages"`
	Jobs     []JobEntry     `yaml:"jobs"`
}

// PackageEntry describes one source package archive in the bundle.
type PackageEntry struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Fingerprint  string   `yaml:"fingerprint"`
	SHA1         string   `yaml:"sha1"`
	Dependencies []string `yaml:"dependencies"`
}

// JobEntry describes one job template archive in the bundle.
type JobEntry struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Fingerprint string   `yaml:"fingerprint"`
	SHA1        string   `yaml:"sha1"`
	Packages    []string `yaml:"packages"`
}

// StoredBlob is an archive already written to the blobstore.
type StoredBlob struct {
	ID   string
	SHA1 string
}

// Release is an ingested release bundle: the parsed manifest plus one stored
// blob per package and job archive, keyed by name.
type Release struct {
	Manifest ReleaseManifest
	Packages map[string]StoredBlob
	Jobs     map[string]StoredBlob
}

// IngestRelease walks a gzipped release tarball in one pass, storing every
// package and job archive in the blobstore and verifying each against the
// SHA1 its manifest entry declares. On any error every blob written so far
// is deleted.
func IngestRelease(ctx context.Context, r io.Reader, bs blobstore.Blobstore) (*Release, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, direrrors.ValidationFailed("release upload is not a gzip archive: " + err.Error())
	}
	defer gz.Close()

	rel := &Release{
		Packages: make(map[string]StoredBlob),
		Jobs:     make(map[string]StoredBlob),
	}
	var haveManifest bool

	fail := func(cause error) (*Release, error) {
		rel.Discard(ctx, bs)
		return nil, cause
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(direrrors.ValidationFailed("release upload is not a tar archive: " + err.Error()))
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		switch {
		case name == "release.MF":
			if err := yaml.NewDecoder(tr).Decode(&rel.Manifest); err != nil {
				return fail(direrrors.ValidationFailed("release.MF is not valid yaml: " + err.Error()))
			}
			haveManifest = true

		case strings.HasPrefix(name, "packages/") && strings.HasSuffix(name, ".tgz"):
			id, sha, err := bs.Put(ctx, tr)
			if err != nil {
				return fail(fmt.Errorf("failed to store package archive %s: %w", name, err))
			}
			rel.Packages[archiveName(name)] = StoredBlob{ID: id, SHA1: sha}

		case strings.HasPrefix(name, "jobs/") && strings.HasSuffix(name, ".tgz"):
			id, sha, err := bs.Put(ctx, tr)
			if err != nil {
				return fail(fmt.Errorf("failed to store job archive %s: %w", name, err))
			}
			rel.Jobs[archiveName(name)] = StoredBlob{ID: id, SHA1: sha}
		}
	}

	if !haveManifest {
		return fail(direrrors.ValidationFailed("release tarball has no release.MF"))
	}
	if rel.Manifest.Name == "" || rel.Manifest.Version == "" {
		return fail(direrrors.ValidationFailed("release.MF must declare name and version"))
	}
	if err := rel.verify(); err != nil {
		return fail(err)
	}
	return rel, nil
}

// verify checks every manifest entry has its archive with the declared SHA1,
// and no archive lacks a manifest entry.
func (rel *Release) verify() error {
	var problems []string
	claimedPkgs := make(map[string]bool)
	for _, p := range rel.Manifest.Packages {
		claimedPkgs[p.Name] = true
		blob, ok := rel.Packages[p.Name]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("package %s has no archive in the tarball", p.Name))
		case blob.SHA1 != p.SHA1:
			problems = append(problems, fmt.Sprintf("package %s archive sha1 %s does not match manifest %s", p.Name, blob.SHA1, p.SHA1))
		}
	}
	claimedJobs := make(map[string]bool)
	for _, j := range rel.Manifest.Jobs {
		claimedJobs[j.Name] = true
		blob, ok := rel.Jobs[j.Name]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("job %s has no archive in the tarball", j.Name))
		case blob.SHA1 != j.SHA1:
			problems = append(problems, fmt.Sprintf("job %s archive sha1 %s does not match manifest %s", j.Name, blob.SHA1, j.SHA1))
		}
	}
	for name := range rel.Packages {
		if !claimedPkgs[name] {
			problems = append(problems, fmt.Sprintf("archive packages/%s.tgz is not declared in release.MF", name))
		}
	}
	for name := range rel.Jobs {
		if !claimedJobs[name] {
			problems = append(problems, fmt.Sprintf("archive jobs/%s.tgz is not declared in release.MF", name))
		}
	}
	if len(problems) > 0 {
		return direrrors.ValidationFailed(problems...)
	}
	return nil
}

// Discard deletes every blob the ingest stored. Used when the registry
// rejects the release after the bytes landed.
func (rel *Release) Discard(ctx context.Context, bs blobstore.Blobstore) {
	for _, blob := range rel.Packages {
		_ = bs.Delete(ctx, blob.ID)
	}
	for _, blob := range rel.Jobs {
		_ = bs.Delete(ctx, blob.ID)
	}
}

func archiveName(p string) string {
	return strings.TrimSuffix(path.Base(p), ".tgz")
}

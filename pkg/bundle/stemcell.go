package bundle

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
)

// StemcellManifest is the stemcell.MF descriptor inside a stemcell tarball.
type StemcellManifest struct {
	Name            string                 `yaml:"name"`
	Version         string                 `yaml:"version"`
	SHA1            string                 `yaml:"sha1"` // of the image file
	CloudProperties map[string]interface{} `yaml:"cloud_properties"`
}

// Stemcell is an opened stemcell bundle. The image is spilled to disk so
// the cloud provider can consume it by path; Cleanup removes it.
type Stemcell struct {
	Manifest  StemcellManifest
	ImagePath string
	ImageSHA1 string
}

// ReadStemcell extracts stemcell.MF and the image file from a gzipped
// stemcell tarball. The image lands under dir and is hashed while written;
// the caller compares ImageSHA1 against the manifest before using it.
func ReadStemcell(r io.Reader, dir string) (*Stemcell, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, direrrors.ValidationFailed("stemcell upload is not a gzip archive: " + err.Error())
	}
	defer gz.Close()

	sc := &Stemcell{}
	var haveManifest, haveImage bool

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			sc.Cleanup()
			return nil, direrrors.ValidationFailed("stemcell upload is not a tar archive: " + err.Error())
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		switch strings.TrimPrefix(path.Clean(hdr.Name), "./") {
		case "stemcell.MF":
			if err := yaml.NewDecoder(tr).Decode(&sc.Manifest); err != nil {
				sc.Cleanup()
				return nil, direrrors.ValidationFailed("stemcell.MF is not valid yaml: " + err.Error())
			}
			haveManifest = true

		case "image":
			imagePath, sha, err := spillImage(tr, dir)
			if err != nil {
				sc.Cleanup()
				return nil, err
			}
			sc.ImagePath = imagePath
			sc.ImageSHA1 = sha
			haveImage = true
		}
	}

	if !haveManifest || !haveImage {
		sc.Cleanup()
		return nil, direrrors.ValidationFailed("stemcell tarball must contain stemcell.MF and image")
	}
	if sc.Manifest.Name == "" || sc.Manifest.Version == "" {
		sc.Cleanup()
		return nil, direrrors.ValidationFailed("stemcell.MF must declare name and version")
	}
	return sc, nil
}

// Cleanup removes the spilled image file.
func (sc *Stemcell) Cleanup() {
	if sc.ImagePath != "" {
		_ = os.Remove(sc.ImagePath)
	}
}

func spillImage(r io.Reader, dir string) (string, string, error) {
	f, err := os.CreateTemp(dir, "stemcell-image-*")
	if err != nil {
		return "", "", err
	}
	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", "", err
	}
	return filepath.Join(dir, filepath.Base(f.Name())), hex.EncodeToString(h.Sum(nil)), nil
}

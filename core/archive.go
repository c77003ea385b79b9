package rpisetup

import (
	"archive/tar"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var (
	ErrNoArchive        = errors.New("no archive found")
	ErrMultipleArchives = errors.New("more than one archive found")
)

// FindArchive returns the single file in dir matching pattern. There is no
// way to know which file wget wrote, so anything but exactly one match is
// an error rather than a guess.
func FindArchive(fs afero.Fs, dir, pattern string) (string, error) {
	matches, err := afero.Glob(fs, filepath.Join(dir, pattern))
	if err != nil {
		return "", errors.Wrapf(err, "failed to search %s", dir)
	}

	switch len(matches) {
	case 0:
		return "", errors.Wrapf(ErrNoArchive, "no %s in %s", pattern, dir)
	case 1:
		return matches[0], nil
	default:
		return "", errors.Wrapf(ErrMultipleArchives, "%s in %s: %s", pattern, dir, strings.Join(matches, ", "))
	}
}

// VerifyArchive reads the whole archive, so a truncated or corrupt download
// fails here on the gzip checksum or a short tar entry instead of midway
// through extracting onto the card.
func VerifyArchive(fs afero.Fs, path string) error {
	f, err := fs.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open archive")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "%s is not gzip compressed", path)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for entries := 0; ; entries++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			if entries == 0 {
				return errors.Errorf("%s is an empty archive", path)
			}
			break
		}
		if err != nil {
			return errors.Wrapf(err, "%s is not a valid tar archive", path)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return errors.Wrapf(err, "%s is truncated or corrupt at %s", path, hdr.Name)
		}
	}

	// the tar end marker can precede the gzip trailer, drain to check it
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return errors.Wrapf(err, "%s has a corrupt gzip trailer", path)
	}
	return nil
}

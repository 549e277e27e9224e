// Package toolchainfetch downloads and unpacks the vendored clang
// toolchain archives internal/compiler needs one per backend. It is
// grounded on the teacher's internal/bootloader_old download+extract
// pair (URL templating, path-traversal-safe extraction under a storage
// directory keyed by version) generalized from "one GRUB tarball" to
// "one toolchain tarball per backend", using github.com/cavaliergopher/grab/v3
// for the download itself (the teacher declares it as a dependency but
// its bootloader_old code predates adopting it; this package is the new
// home for that intent) and github.com/ulikunitz/xz for decompression
// instead of the teacher's mholt/archiver, since archiver is not part of
// this module's dependency set.
package toolchainfetch

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cavaliergopher/grab/v3"
	"github.com/ulikunitz/xz"

	"github.com/arkveil/floorrt/internal/device"
)

var (
	ErrInsecurePath    = errors.New("archive contains a non-local path (path traversal risk)")
	ErrUnsupportedMode = errors.New("archive entry has an unsupported file mode")
)

// Spec describes where to fetch one backend's vendored clang toolchain
// from and how its archive is laid out.
type Spec struct {
	Backend        device.Backend
	URL            string
	StripTopLevel  bool
	ClangRelPath   string // path to the clang binary within the extracted tree
}

// Manifest is the full set of toolchains a Driver needs, one Spec per
// backend it will be asked to compile for.
type Manifest []Spec

// Fetcher downloads and extracts toolchain archives into a version-keyed
// storage directory, mirroring the teacher's GrubConfig.StorageDirectory
// layout (root/version/...), keyed here by backend name instead of a GRUB
// version string.
type Fetcher struct {
	StorageDir string
	Client     *grab.Client
}

// New returns a Fetcher rooted at storageDir. A nil client uses
// grab.NewClient()'s defaults.
func New(storageDir string, client *grab.Client) *Fetcher {
	if client == nil {
		client = grab.NewClient()
	}
	return &Fetcher{StorageDir: storageDir, Client: client}
}

// destDir is where one backend's toolchain lands: <storage>/<backend>.
func (f *Fetcher) destDir(backend device.Backend) string {
	return filepath.Join(f.StorageDir, backend.String())
}

// ClangPath returns the expected clang binary path for a spec without
// touching the network, so internal/compiler.Toolchains can be built from
// an already-fetched manifest.
func (f *Fetcher) ClangPath(s Spec) string {
	return filepath.Join(f.destDir(s.Backend), s.ClangRelPath)
}

// EnsureAll fetches every Spec in m whose destination doesn't already
// contain the expected clang binary, and returns a compiler.Toolchains-
// shaped map of backend -> clang path.
func (f *Fetcher) EnsureAll(ctx context.Context, m Manifest) (map[device.Backend]string, error) {
	paths := make(map[device.Backend]string, len(m))
	for _, s := range m {
		clangPath := f.ClangPath(s)
		if _, err := os.Stat(clangPath); err == nil {
			paths[s.Backend] = clangPath
			continue
		}

		if err := f.fetch(ctx, s); err != nil {
			return nil, fmt.Errorf("fetching %s toolchain: %w", s.Backend, err)
		}
		paths[s.Backend] = clangPath
	}
	return paths, nil
}

func (f *Fetcher) fetch(ctx context.Context, s Spec) error {
	dest := f.destDir(s.Backend)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating toolchain directory: %w", err)
	}

	tmpFile, err := os.CreateTemp("", "floorrt-toolchain-*.tar.xz")
	if err != nil {
		return fmt.Errorf("creating download temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	defer os.Remove(tmpPath)

	req, err := grab.NewRequest(tmpPath, s.URL)
	if err != nil {
		return fmt.Errorf("building download request for %s: %w", s.URL, err)
	}
	req = req.WithContext(ctx)

	resp := f.Client.Do(req)
	resp.Wait()
	if err := resp.Err(); err != nil {
		return fmt.Errorf("downloading %s: %w", s.URL, err)
	}

	archive, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("reopening downloaded archive: %w", err)
	}
	defer archive.Close()

	return extractTarXZ(archive, dest, s.StripTopLevel)
}

// extractTarXZ decompresses an xz-compressed tar stream into destDir,
// rejecting any entry that would escape destDir (the same
// filepath.IsLocal guard the teacher's bootloader_old extractor uses) and
// stripping a single top-level directory component when requested.
func extractTarXZ(r io.Reader, destDir string, stripTopLevel bool) error {
	xzr, err := xz.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening xz stream: %w", err)
	}

	tr := tar.NewReader(xzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		name := path.Clean(hdr.Name)
		if stripTopLevel {
			if _, after, found := strings.Cut(name, "/"); found {
				name = after
			} else {
				continue
			}
		}
		if !filepath.IsLocal(name) {
			return ErrInsecurePath
		}

		destPath := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("creating directory %q: %w", name, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, destPath, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("extracting %q: %w", name, err)
			}
		case tar.TypeSymlink:
			continue
		default:
			return fmt.Errorf("%w: %v in %q", ErrUnsupportedMode, hdr.Typeflag, name)
		}
	}
}

func extractFile(src io.Reader, destPath string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

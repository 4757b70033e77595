package fetch

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"zen/internal/api"
)

// extractArchive unpacks a .tar.gz artifact into installPath. The archive is
// first extracted into a staging directory next to the install path and then
// renamed into place, so a failure mid-extraction never corrupts an existing
// install. A single top-level directory in the archive is stripped.
func extractArchive(archive, installPath string) error {
	parent := filepath.Dir(installPath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return api.WrapError(api.KindInternal, err, "creating %s", parent)
	}

	staging, err := os.MkdirTemp(parent, ".staging-"+filepath.Base(installPath)+"-")
	if err != nil {
		return api.WrapError(api.KindInternal, err, "creating staging directory")
	}
	defer os.RemoveAll(staging)

	if err := untarGz(archive, staging); err != nil {
		return err
	}

	root := staging
	entries, err := os.ReadDir(staging)
	if err != nil {
		return api.WrapError(api.KindInternal, err, "reading staging directory")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		root = filepath.Join(staging, entries[0].Name())
	}

	// Swap the staged tree into place, keeping the previous install until
	// the rename has succeeded.
	old := installPath + ".old"
	hadPrevious := false
	if _, err := os.Stat(installPath); err == nil {
		hadPrevious = true
		if err := os.Rename(installPath, old); err != nil {
			return api.WrapError(api.KindInternal, err, "moving previous install aside")
		}
	}
	if err := os.Rename(root, installPath); err != nil {
		if hadPrevious {
			_ = os.Rename(old, installPath)
		}
		return api.WrapError(api.KindInternal, err, "moving staged install into place")
	}
	if hadPrevious {
		_ = os.RemoveAll(old)
	}
	return nil
}

func untarGz(archive, dest string) error {
	file, err := os.Open(archive)
	if err != nil {
		return api.WrapError(api.KindInternal, err, "opening artifact")
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return api.WrapError(api.KindDownloadFailed, err, "artifact is not a gzip archive")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return api.WrapError(api.KindDownloadFailed, err, "reading artifact archive")
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return api.WrapError(api.KindInternal, err, "extracting directory %s", hdr.Name)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return api.WrapError(api.KindInternal, err, "extracting %s", hdr.Name)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return api.WrapError(api.KindInternal, err, "extracting %s", hdr.Name)
			}
			_, cpErr := io.Copy(out, tr)
			clErr := out.Close()
			if cpErr != nil {
				return api.WrapError(api.KindDownloadFailed, cpErr, "extracting %s", hdr.Name)
			}
			if clErr != nil {
				return api.WrapError(api.KindInternal, clErr, "extracting %s", hdr.Name)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return api.WrapError(api.KindInternal, err, "extracting symlink %s", hdr.Name)
			}
		default:
			// Hard links, devices and the like do not occur in
			// release tarballs; skip them.
		}
	}
}

// safeJoin joins an archive entry name onto dest, rejecting path traversal.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", api.NewError(api.KindDownloadFailed, "artifact contains unsafe path %q", name)
	}
	target := filepath.Join(dest, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return "", fmt.Errorf("artifact entry %q escapes destination", name)
	}
	return target, nil
}

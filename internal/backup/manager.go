package backup

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"zen/internal/api"
	"zen/internal/catalog"
	"zen/pkg/logging"
)

// Manager snapshots an app's user-scoped config paths to dated .tar.zst
// archives and restores from them. Backups never touch the install path.
type Manager struct {
	homeRoot string
	dirName  string
	keep     int
}

// New creates a backup manager. keep bounds the archives retained per
// (user, app); zero disables pruning.
func New(homeRoot, dirName string, keep int) *Manager {
	return &Manager{homeRoot: homeRoot, dirName: dirName, keep: keep}
}

// Dir returns the backup directory for a (user, app) pair.
func (m *Manager) Dir(user, app string) string {
	return filepath.Join(m.homeRoot, user, m.dirName, app)
}

// Backup archives the manifest's config paths under the user's home into a
// timestamped archive and prunes old archives past the retention limit.
func (m *Manager) Backup(user string, manifest *catalog.AppManifest) (string, error) {
	home := filepath.Join(m.homeRoot, user)
	dir := m.Dir(user, manifest.Name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", api.WrapError(api.KindBackupFailed, err, "creating backup directory %s", dir)
	}

	archivePath := filepath.Join(dir, time.Now().UTC().Format("20060102-150405")+".tar.zst")
	if err := m.writeArchive(archivePath, home, manifest.ConfigPaths); err != nil {
		_ = os.Remove(archivePath)
		return "", err
	}

	logging.Info("Backup", "Archived %s/%s to %s", user, manifest.Name, archivePath)
	m.prune(user, manifest.Name)
	return archivePath, nil
}

func (m *Manager) writeArchive(archivePath, home string, configPaths []string) error {
	out, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return api.WrapError(api.KindBackupFailed, err, "creating archive")
	}
	zw, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return api.WrapError(api.KindBackupFailed, err, "initializing compressor")
	}
	tw := tar.NewWriter(zw)

	// Close in reverse order of construction; the first error wins.
	closeAll := func() error {
		var first error
		for _, c := range []io.Closer{tw, zw, out} {
			if cerr := c.Close(); cerr != nil && first == nil {
				first = cerr
			}
		}
		return first
	}

	archived := 0
	for _, rel := range configPaths {
		src := filepath.Join(home, rel)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			logging.Warn("Backup", "Config path %s does not exist, skipping", src)
			continue
		}
		if err := addTree(tw, home, src); err != nil {
			_ = closeAll()
			return err
		}
		archived++
	}
	if cerr := closeAll(); cerr != nil {
		return api.WrapError(api.KindBackupFailed, cerr, "finalizing archive")
	}
	if archived == 0 {
		return api.NewError(api.KindBackupFailed, "no config paths exist under %s", home)
	}
	return nil
}

// addTree writes a file or directory tree into the archive with names
// relative to home, so restoration lands at the original locations.
func addTree(tw *tar.Writer, home, src string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return api.WrapError(api.KindBackupFailed, err, "walking %s", src)
		}
		rel, err := filepath.Rel(home, path)
		if err != nil {
			return api.WrapError(api.KindBackupFailed, err, "resolving %s", path)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return api.WrapError(api.KindBackupFailed, err, "archiving %s", path)
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return api.WrapError(api.KindBackupFailed, err, "archiving %s", path)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return api.WrapError(api.KindBackupFailed, err, "reading %s", path)
		}
		defer file.Close()
		if _, err := io.Copy(tw, file); err != nil {
			return api.WrapError(api.KindBackupFailed, err, "archiving %s", path)
		}
		return nil
	})
}

// Restore replaces the manifest's config paths under the user's home with
// the archive contents. The caller is responsible for stopping the service
// first.
func (m *Manager) Restore(user string, manifest *catalog.AppManifest, archivePath string) error {
	home := filepath.Join(m.homeRoot, user)

	in, err := os.Open(archivePath)
	if err != nil {
		return api.WrapError(api.KindRestoreFailed, err, "opening archive %s", archivePath)
	}
	defer in.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return api.WrapError(api.KindRestoreFailed, err, "archive %s is not zstd compressed", archivePath)
	}
	defer zr.Close()

	// Drop the current state so files deleted since the backup do not
	// survive restoration.
	for _, rel := range manifest.ConfigPaths {
		if err := os.RemoveAll(filepath.Join(home, rel)); err != nil {
			return api.WrapError(api.KindRestoreFailed, err, "clearing %s", rel)
		}
	}

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return api.WrapError(api.KindRestoreFailed, err, "reading archive")
		}
		target := filepath.Join(home, filepath.FromSlash(hdr.Name))
		if !filepath.IsLocal(hdr.Name) {
			return api.NewError(api.KindRestoreFailed, "archive contains unsafe path %q", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return api.WrapError(api.KindRestoreFailed, err, "restoring %s", hdr.Name)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return api.WrapError(api.KindRestoreFailed, err, "restoring %s", hdr.Name)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return api.WrapError(api.KindRestoreFailed, err, "restoring %s", hdr.Name)
			}
			_, cpErr := io.Copy(out, tr)
			clErr := out.Close()
			if cpErr != nil {
				return api.WrapError(api.KindRestoreFailed, cpErr, "restoring %s", hdr.Name)
			}
			if clErr != nil {
				return api.WrapError(api.KindRestoreFailed, clErr, "restoring %s", hdr.Name)
			}
		}
	}

	logging.Info("Backup", "Restored %s/%s from %s", user, manifest.Name, archivePath)
	return nil
}

// ListArchives returns the archives for (user, app), newest first.
func (m *Manager) ListArchives(user, app string) ([]string, error) {
	entries, err := os.ReadDir(m.Dir(user, app))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, api.WrapError(api.KindBackupFailed, err, "listing archives")
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".zst" {
			out = append(out, filepath.Join(m.Dir(user, app), e.Name()))
		}
	}
	// Timestamped names sort chronologically; newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// prune removes archives beyond the retention limit, oldest first.
func (m *Manager) prune(user, app string) {
	if m.keep <= 0 {
		return
	}
	archives, err := m.ListArchives(user, app)
	if err != nil {
		logging.Warn("Backup", "Retention scan failed for %s/%s: %v", user, app, err)
		return
	}
	for _, path := range archives[min(m.keep, len(archives)):] {
		if err := os.Remove(path); err != nil {
			logging.Warn("Backup", "Pruning %s failed: %v", path, err)
			continue
		}
		logging.Debug("Backup", "Pruned old archive %s", path)
	}
}

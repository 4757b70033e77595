package fetch

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zen/internal/api"
	"zen/internal/catalog"
	"zen/internal/config"
)

// makeTarGz builds a gzipped tarball with a single top-level directory.
func makeTarGz(t *testing.T, topDir string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: topDir + "/", Typeflag: tar.TypeDir, Mode: 0o755,
	}))
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: topDir + "/" + name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	cfg := config.Default()
	cfg.Arch = "amd64"
	cfg.Timeouts.Download = 5 * time.Second
	f, err := New(cfg)
	require.NoError(t, err)
	f.SetRetryDelay(time.Millisecond)
	return f
}

func testManifest(serverURL string) *catalog.AppManifest {
	return &catalog.AppManifest{
		Name:        "radarr",
		DisplayName: "Radarr",
		PortRange:   catalog.PortRange{Lo: 7878, Hi: 7988},
		Channels: map[api.Channel]string{
			api.ChannelStable:     "master",
			api.ChannelPrerelease: "develop",
		},
		ReleaseURLTemplate: serverURL + "/releases/{{ .ReleaseName }}/{{ .Version }}/radarr-{{ .NetArch }}.tar.gz",
		VersionEndpoint:    serverURL + "/update/{{ .ReleaseName }}/latest",
	}
}

func TestResolveFromVersionEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/update/master/latest", r.URL.Path)
		fmt.Fprint(w, `{"version":"5.14.0"}`)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	version, release, artifactURL, checksumURL, err := f.Resolve(context.Background(), testManifest(srv.URL), api.ChannelStable)
	require.NoError(t, err)
	assert.Equal(t, "5.14.0", version)
	assert.Equal(t, "master", release)
	assert.Equal(t, srv.URL+"/releases/master/5.14.0/radarr-x64.tar.gz", artifactURL)
	assert.Empty(t, checksumURL)
}

func TestResolvePrereleaseChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/update/develop/latest", r.URL.Path)
		fmt.Fprint(w, `{"version":"5.15.0"}`)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	version, release, _, _, err := f.Resolve(context.Background(), testManifest(srv.URL), api.ChannelPrerelease)
	require.NoError(t, err)
	assert.Equal(t, "5.15.0", version)
	assert.Equal(t, "develop", release)
}

func TestResolveGitHubTagName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tag_name":"v4.3.8"}`)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	version, _, _, _, err := f.Resolve(context.Background(), testManifest(srv.URL), api.ChannelStable)
	require.NoError(t, err)
	assert.Equal(t, "4.3.8", version)
}

func TestResolveWithoutEndpointUsesLatest(t *testing.T) {
	f := newTestFetcher(t)
	m := testManifest("http://releases.test")
	m.VersionEndpoint = ""

	version, _, artifactURL, _, err := f.Resolve(context.Background(), m, api.ChannelStable)
	require.NoError(t, err)
	assert.Equal(t, "latest", version)
	assert.Contains(t, artifactURL, "/master/latest/")
}

func TestFetchExtractsIntoInstallPath(t *testing.T) {
	artifact := makeTarGz(t, "Radarr", map[string]string{
		"Radarr":      "binary-bytes",
		"LICENSE.txt": "license",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/update/master/latest":
			fmt.Fprint(w, `{"version":"5.14.0"}`)
		default:
			_, _ = w.Write(artifact)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	installPath := filepath.Join(t.TempDir(), "jason", "Radarr")

	res, err := f.Fetch(context.Background(), testManifest(srv.URL), api.ChannelStable, installPath)
	require.NoError(t, err)
	assert.Equal(t, "5.14.0", res.Version)

	// Top-level archive directory is stripped.
	data, err := os.ReadFile(filepath.Join(installPath, "Radarr"))
	require.NoError(t, err)
	assert.Equal(t, "binary-bytes", string(data))

	// No staging or .old debris remains.
	entries, err := os.ReadDir(filepath.Dir(installPath))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFetchSwapsExistingInstall(t *testing.T) {
	artifact := makeTarGz(t, "Radarr", map[string]string{"Radarr": "v2"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/update/master/latest" {
			fmt.Fprint(w, `{"version":"5.15.0"}`)
			return
		}
		_, _ = w.Write(artifact)
	}))
	defer srv.Close()

	installPath := filepath.Join(t.TempDir(), "jason", "Radarr")
	require.NoError(t, os.MkdirAll(installPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(installPath, "Radarr"), []byte("v1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(installPath, "stale.txt"), []byte("old"), 0o644))

	f := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), testManifest(srv.URL), api.ChannelStable, installPath)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(installPath, "Radarr"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	_, err = os.Stat(filepath.Join(installPath, "stale.txt"))
	assert.True(t, os.IsNotExist(err), "previous install contents must be replaced")
}

func TestFetchChecksumMismatchLeavesInstallUntouched(t *testing.T) {
	artifact := makeTarGz(t, "Radarr", map[string]string{"Radarr": "v2"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/update/master/latest":
			fmt.Fprint(w, `{"version":"5.15.0"}`)
		case filepath.Ext(r.URL.Path) == ".sha256":
			fmt.Fprint(w, "deadbeef  radarr.tar.gz\n")
		default:
			_, _ = w.Write(artifact)
		}
	}))
	defer srv.Close()

	m := testManifest(srv.URL)
	m.ChecksumURLTemplate = srv.URL + "/releases/{{ .Version }}.sha256"

	installPath := filepath.Join(t.TempDir(), "jason", "Radarr")
	require.NoError(t, os.MkdirAll(installPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(installPath, "Radarr"), []byte("v1"), 0o644))

	f := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), m, api.ChannelStable, installPath)
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindChecksumMismatch))

	data, err := os.ReadFile(filepath.Join(installPath, "Radarr"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data), "failed verification must not touch the install")
}

func TestFetchChecksumMatch(t *testing.T) {
	artifact := makeTarGz(t, "Radarr", map[string]string{"Radarr": "v2"})
	sum := sha256.Sum256(artifact)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/update/master/latest":
			fmt.Fprint(w, `{"version":"5.15.0"}`)
		case filepath.Ext(r.URL.Path) == ".sha256":
			fmt.Fprintf(w, "%s  radarr.tar.gz\n", hex.EncodeToString(sum[:]))
		default:
			_, _ = w.Write(artifact)
		}
	}))
	defer srv.Close()

	m := testManifest(srv.URL)
	m.ChecksumURLTemplate = srv.URL + "/releases/{{ .Version }}.sha256"

	f := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), m, api.ChannelStable, filepath.Join(t.TempDir(), "Radarr"))
	require.NoError(t, err)
}

func TestFetchEmptyChecksumBodySkipsVerification(t *testing.T) {
	artifact := makeTarGz(t, "Radarr", map[string]string{"Radarr": "v2"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/update/master/latest":
			fmt.Fprint(w, `{"version":"5.15.0"}`)
		case filepath.Ext(r.URL.Path) == ".sha256":
			// 200 with no content, as some mirrors serve during a release.
		default:
			_, _ = w.Write(artifact)
		}
	}))
	defer srv.Close()

	m := testManifest(srv.URL)
	m.ChecksumURLTemplate = srv.URL + "/releases/{{ .Version }}.sha256"

	f := newTestFetcher(t)
	installPath := filepath.Join(t.TempDir(), "Radarr")
	_, err := f.Fetch(context.Background(), m, api.ChannelStable, installPath)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(installPath, "Radarr"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	artifact := makeTarGz(t, "Radarr", map[string]string{"Radarr": "ok"})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/update/master/latest" {
			fmt.Fprint(w, `{"version":"5.14.0"}`)
			return
		}
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(artifact)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), testManifest(srv.URL), api.ChannelStable, filepath.Join(t.TempDir(), "Radarr"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownloadGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/update/master/latest" {
			fmt.Fprint(w, `{"version":"5.14.0"}`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), testManifest(srv.URL), api.ChannelStable, filepath.Join(t.TempDir(), "Radarr"))
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindDownloadFailed))
}

func TestUnsafeArchivePathRejected(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../escape", Typeflag: tar.TypeReg, Mode: 0o644, Size: 4,
	}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o644))

	err = extractArchive(archive, filepath.Join(t.TempDir(), "dest"))
	require.Error(t, err)
}

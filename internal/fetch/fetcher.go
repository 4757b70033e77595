package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"zen/internal/api"
	"zen/internal/catalog"
	"zen/internal/config"
	"zen/pkg/logging"
)

// Result describes a fetched release after extraction into the install path.
type Result struct {
	Version     string
	ReleaseName string
	InstallPath string
}

// Fetcher resolves release URLs from manifest templates, downloads artifacts
// and extracts them atomically into the install path.
type Fetcher struct {
	client          *http.Client
	arch            string
	downloadTimeout time.Duration
	retryDelay      time.Duration
}

// New creates a fetcher honoring the configured architecture hint, HTTP
// proxy and download timeout.
func New(cfg *config.Config) (*Fetcher, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			return nil, fmt.Errorf("invalid http proxy %q: %w", cfg.HTTPProxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &Fetcher{
		client:          &http.Client{Transport: transport},
		arch:            cfg.Arch,
		downloadTimeout: cfg.Timeouts.Download,
		retryDelay:      2 * time.Second,
	}, nil
}

// SetRetryDelay overrides the pause between download attempts. Used by tests.
func (f *Fetcher) SetRetryDelay(d time.Duration) {
	f.retryDelay = d
}

// urlData is the evaluation context for manifest URL templates.
type urlData struct {
	Version     string
	ReleaseName string
	Channel     api.Channel
	Arch        string
	NetArch     string
}

// netArch maps a GOARCH value onto the .NET runtime identifier used in
// servarr release file names.
func netArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x64"
	default:
		return goarch
	}
}

func renderURL(text string, data urlData) (string, error) {
	tmpl, err := template.New("url").Funcs(sprig.FuncMap()).Parse(text)
	if err != nil {
		return "", api.WrapError(api.KindTemplateError, err, "parsing URL template")
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", api.WrapError(api.KindTemplateError, err, "rendering URL template")
	}
	return sb.String(), nil
}

// releaseMetadata is the payload of a version endpoint. GitHub's release API
// shape (tag_name) is accepted as a fallback.
type releaseMetadata struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
	TagName string `json:"tag_name"`
}

// Resolve determines the version, release name and artifact URL for an app
// on a channel. When the manifest has a version endpoint, the upstream latest
// is authoritative; otherwise the URL template is evaluated with
// version "latest".
func (f *Fetcher) Resolve(ctx context.Context, m *catalog.AppManifest, ch api.Channel) (version, releaseName, artifactURL, checksumURL string, err error) {
	releaseName, err = m.ReleaseName(ch)
	if err != nil {
		return "", "", "", "", err
	}

	data := urlData{
		ReleaseName: releaseName,
		Channel:     ch,
		Arch:        f.arch,
		NetArch:     netArch(f.arch),
	}

	var meta releaseMetadata
	if m.VersionEndpoint != "" {
		endpoint, rerr := renderURL(m.VersionEndpoint, data)
		if rerr != nil {
			return "", "", "", "", rerr
		}
		if err := f.getJSON(ctx, endpoint, &meta); err != nil {
			return "", "", "", "", err
		}
		version = meta.Version
		if version == "" {
			version = strings.TrimPrefix(meta.TagName, "v")
		}
		if version == "" {
			return "", "", "", "", api.NewError(api.KindDownloadFailed, "version endpoint %s returned no version", endpoint)
		}
	} else {
		version = "latest"
	}

	data.Version = version
	artifactURL = meta.URL
	if artifactURL == "" {
		artifactURL, err = renderURL(m.ReleaseURLTemplate, data)
		if err != nil {
			return "", "", "", "", err
		}
	}
	if m.ChecksumURLTemplate != "" {
		checksumURL, err = renderURL(m.ChecksumURLTemplate, data)
		if err != nil {
			return "", "", "", "", err
		}
	}
	return version, releaseName, artifactURL, checksumURL, nil
}

// Fetch downloads the release for (app, channel) and extracts it atomically
// into installPath. A partial download or failed verification never touches
// an existing install.
func (f *Fetcher) Fetch(ctx context.Context, m *catalog.AppManifest, ch api.Channel, installPath string) (*Result, error) {
	version, releaseName, artifactURL, checksumURL, err := f.Resolve(ctx, m, ch)
	if err != nil {
		return nil, err
	}
	logging.Info("Fetcher", "Fetching %s %s (%s) from %s", m.Name, version, releaseName, artifactURL)

	archive, err := f.download(ctx, artifactURL)
	if err != nil {
		return nil, err
	}
	defer os.Remove(archive)

	if checksumURL != "" {
		if err := f.verifyChecksum(ctx, archive, checksumURL); err != nil {
			return nil, err
		}
	}

	if err := extractArchive(archive, installPath); err != nil {
		return nil, err
	}

	logging.Info("Fetcher", "Installed %s %s into %s", m.Name, version, installPath)
	return &Result{Version: version, ReleaseName: releaseName, InstallPath: installPath}, nil
}

// download fetches the artifact to a temporary file, retrying transient
// failures up to three attempts.
func (f *Fetcher) download(ctx context.Context, artifactURL string) (string, error) {
	var path string
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(f.retryDelay), 2), ctx)
	err := backoff.Retry(func() error {
		p, err := f.downloadOnce(ctx, artifactURL)
		if err != nil {
			logging.Warn("Fetcher", "Download attempt failed: %v", err)
			return err
		}
		path = p
		return nil
	}, policy)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", api.WrapError(api.KindTimeout, err, "downloading %s", artifactURL)
		}
		return "", api.WrapError(api.KindDownloadFailed, err, "downloading %s", artifactURL)
	}
	return path, nil
}

func (f *Fetcher) downloadOnce(ctx context.Context, artifactURL string) (string, error) {
	dctx, cancel := context.WithTimeout(ctx, f.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp("", "zen-artifact-*")
	if err != nil {
		return "", err
	}
	written, err := io.Copy(tmp, resp.Body)
	cerr := tmp.Close()
	if err != nil || cerr != nil {
		_ = os.Remove(tmp.Name())
		if err == nil {
			err = cerr
		}
		return "", err
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("short download: got %d of %d bytes", written, resp.ContentLength)
	}
	return tmp.Name(), nil
}

// verifyChecksum compares the artifact against the published SHA-256.
func (f *Fetcher) verifyChecksum(ctx context.Context, archive, checksumURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checksumURL, nil)
	if err != nil {
		return api.WrapError(api.KindDownloadFailed, err, "fetching checksum")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return api.WrapError(api.KindDownloadFailed, err, "fetching checksum from %s", checksumURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// Checksums are best effort upstream; a missing file skips
		// verification, anything else is an error.
		if resp.StatusCode == http.StatusNotFound {
			logging.Warn("Fetcher", "No checksum published at %s, skipping verification", checksumURL)
			return nil
		}
		return api.NewError(api.KindDownloadFailed, "fetching checksum from %s: %s", checksumURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return api.WrapError(api.KindDownloadFailed, err, "reading checksum")
	}
	fields := strings.Fields(string(body))
	if len(fields) == 0 {
		logging.Warn("Fetcher", "Empty checksum file at %s, skipping verification", checksumURL)
		return nil
	}
	want := strings.ToLower(fields[0])

	file, err := os.Open(archive)
	if err != nil {
		return api.WrapError(api.KindInternal, err, "opening artifact for verification")
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return api.WrapError(api.KindInternal, err, "hashing artifact")
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return api.NewError(api.KindChecksumMismatch, "artifact checksum %s does not match published %s", got, want)
	}
	return nil
}

func (f *Fetcher) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return api.WrapError(api.KindDownloadFailed, err, "querying %s", endpoint)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return api.WrapError(api.KindDownloadFailed, err, "querying %s", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return api.NewError(api.KindDownloadFailed, "querying %s: %s", endpoint, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return api.WrapError(api.KindDownloadFailed, err, "decoding response from %s", endpoint)
	}
	return nil
}

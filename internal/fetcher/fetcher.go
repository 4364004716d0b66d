// Package fetcher downloads source files and documents over HTTP, FTP and the
// local filesystem, and streams CSV, XLSX and JSON content out of them.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Mux routes downloads to a fetcher by URL scheme: http and https go to the
// HTTP fetcher, ftp to the FTP fetcher, and file URLs or bare paths are read
// from disk.
type Mux struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewMux creates a scheme router over the given fetchers.
func NewMux(httpFetcher, ftpFetcher Fetcher) *Mux {
	return &Mux{HTTP: httpFetcher, FTP: ftpFetcher}
}

func (m *Mux) route(rawURL string) (Fetcher, error) {
	scheme := ""
	if i := strings.Index(rawURL, "://"); i > 0 {
		scheme = strings.ToLower(rawURL[:i])
	}
	switch scheme {
	case "http", "https":
		if m.HTTP == nil {
			return nil, eris.Errorf("fetcher: no http fetcher configured for %s", rawURL)
		}
		return m.HTTP, nil
	case "ftp":
		if m.FTP == nil {
			return nil, eris.Errorf("fetcher: no ftp fetcher configured for %s", rawURL)
		}
		return m.FTP, nil
	case "", "file":
		return fileFetcher{}, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", scheme)
	}
}

// Download fetches rawURL with the fetcher registered for its scheme.
func (m *Mux) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := m.route(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

// DownloadToFile fetches rawURL to path with the fetcher registered for its scheme.
func (m *Mux) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	f, err := m.route(rawURL)
	if err != nil {
		return 0, err
	}
	return f.DownloadToFile(ctx, rawURL, path)
}

// fileFetcher reads local files so sources can point at fixtures or
// pre-staged exports.
type fileFetcher struct{}

func localPath(rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, "file://") {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: parse file url")
	}
	return u.Path, nil
}

func (fileFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := localPath(rawURL)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: open file")
	}
	return f, nil
}

func (ff fileFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	rc, err := ff.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer rc.Close() //nolint:errcheck
	return writeFile(path, rc)
}

func writeFile(path string, r io.Reader) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, r)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}

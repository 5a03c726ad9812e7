package symbols

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentDownloads bounds parallel fetches against the source host.
const maxConcurrentDownloads = 3

// download fetches each URL into dir and returns the local paths in the
// same order as urls. The first failure cancels the remaining fetches.
func (m *Master) download(ctx context.Context, urls []string) ([]string, error) {
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("symbols: create data dir: %w", err)
	}
	paths := make([]string, len(urls))
	for i, u := range urls {
		table, err := TableForURL(u)
		if err != nil {
			return nil, err
		}
		paths[i] = filepath.Join(m.dataDir, table+".csv")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDownloads)
	for i, u := range urls {
		g.Go(func() error {
			return m.fetch(ctx, u, paths[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// fetch streams one URL to dest through a temporary file so a partial
// download never replaces a previous good copy.
func (m *Master) fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("symbols: build request %s: %w", url, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("symbols: download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("symbols: download %s: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("symbols: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("symbols: write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("symbols: rename %s: %w", dest, err)
	}

	m.log.Debug("downloaded symbol master", "url", url, "path", dest, "bytes", n)
	return nil
}

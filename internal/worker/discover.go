package worker

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pwashell/internal/cachestore"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// WarmReport counts what a Warm pass did.
type WarmReport struct {
	Discovered int
	Stored     int
	Skipped    int
	Failed     int
}

// Warm walks the configured sitemaps and stores every listed page that is
// not cached yet. It is best effort: a page that fails is counted and
// skipped, only an unreadable sitemap is an error.
func (w *Worker) Warm(ctx context.Context) (WarmReport, error) {
	var rep WarmReport
	if len(w.cfg.Sitemaps) == 0 {
		return rep, nil
	}
	if st := w.State(); st != StateActivated {
		return rep, fmt.Errorf("worker: warm in state %s", st)
	}

	paths, err := w.discover(ctx)
	if err != nil {
		return rep, err
	}
	rep.Discovered = len(paths)

	cache, err := w.storage.Open(w.cfg.CacheName)
	if err != nil {
		return rep, err
	}

	type result int
	const (
		stored result = iota
		skipped
		failed
	)
	results := make([]result, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			key := cachestore.RequestKey(http.MethodGet, path)
			if _, _, ok := w.storage.Match(key); ok {
				results[i] = skipped
				return nil
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, w.cfg.Origin+path, nil)
			if err != nil {
				results[i] = failed
				return nil
			}
			ent, err := w.roundTrip(req)
			if err != nil || !cacheable(ent) {
				w.log.Debug("warm skipped page", zap.String("path", path), zap.Int("status", ent.Status), zap.Error(err))
				results[i] = failed
				return nil
			}
			if err := cache.Put(key, ent); err != nil {
				return err
			}
			results[i] = stored
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	for _, r := range results {
		switch r {
		case stored:
			rep.Stored++
		case skipped:
			rep.Skipped++
		default:
			rep.Failed++
		}
	}
	w.log.Info("cache warmed from sitemaps", zap.Int("discovered", rep.Discovered),
		zap.Int("stored", rep.Stored), zap.Int("skipped", rep.Skipped), zap.Int("failed", rep.Failed))
	return rep, nil
}

// discover returns the unique same-origin paths listed by the sitemaps,
// following sitemap indexes.
func (w *Worker) discover(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var paths []string
	seenPath := map[string]struct{}{}

	queue := make([]string, 0, len(w.cfg.Sitemaps))
	for _, sm := range w.cfg.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, w.absolute(sm))
		}
	}
	for len(queue) > 0 {
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := w.fetchSitemap(ctx, smURL)
		if err != nil {
			return nil, fmt.Errorf("worker: sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, w.absolute(nested))
			}
		}
		for _, loc := range doc.URLs {
			path := w.pathFromLoc(loc)
			if path == "" {
				continue
			}
			if _, ok := seenPath[path]; ok {
				continue
			}
			seenPath[path] = struct{}{}
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func (w *Worker) absolute(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return w.cfg.Origin + u
}

// pathFromLoc returns the request URI of loc, or "" when loc points to
// another origin.
func (w *Worker) pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		if !strings.HasPrefix(loc, "/") {
			loc = "/" + loc
		}
		return loc
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	origin, err := url.Parse(w.cfg.Origin)
	if err != nil || !strings.EqualFold(u.Host, origin.Host) {
		return ""
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.RequestURI()
}

func (w *Worker) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := w.network.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if !isOK(resp.StatusCode) {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may arrive already decoded when the server also sets
	// Content-Encoding, so sniff the magic bytes.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

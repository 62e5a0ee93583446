package worker

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"pwashell/internal/cachestore"
)

// Values of the X-Shell-Cache response header.
const (
	resultHit      = "hit"
	resultMiss     = "miss"
	resultUnstored = "unstored"
	resultOffline  = "offline"
	resultBypass   = "bypass"
	resultFailed   = "failed"
)

// ServeHTTP intercepts a request on its way to the origin. Only GET requests
// of an activated worker are answered from the cache: a stored response wins,
// otherwise the network is asked and a cacheable answer is stored. When the
// network fails the fallback URL is served if cached.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || w.State() != StateActivated {
		w.passThrough(rw, r)
		return
	}

	key := cachestore.KeyFor(r)
	if ent, _, ok := w.storage.Match(key); ok {
		w.writeEntryWithStats(rw, ent, resultHit)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, w.cfg.Origin+r.URL.RequestURI(), nil)
	if err != nil {
		w.fail(rw, r, err)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	ent, err := w.roundTrip(req)
	if err != nil {
		w.serveFallback(rw, r, err)
		return
	}

	if !cacheable(ent) {
		w.writeEntryWithStats(rw, ent, resultUnstored)
		return
	}
	if err := w.store(key, ent); err != nil {
		w.log.Warn("cache put failed", zap.String("key", key), zap.Error(err))
	}
	w.writeEntryWithStats(rw, ent, resultMiss)
}

func (w *Worker) store(key string, ent cachestore.Entry) error {
	cache, err := w.storage.Open(w.cfg.CacheName)
	if err != nil {
		return err
	}
	return cache.Put(key, ent)
}

func (w *Worker) serveFallback(rw http.ResponseWriter, r *http.Request, cause error) {
	if w.cfg.FallbackURL != "" {
		if ent, _, ok := w.storage.Match(cachestore.RequestKey(http.MethodGet, w.cfg.FallbackURL)); ok {
			w.log.Debug("network failed, serving fallback",
				zap.String("path", r.URL.Path), zap.String("fallback", w.cfg.FallbackURL), zap.Error(cause))
			w.writeEntryWithStats(rw, ent, resultOffline)
			return
		}
	}
	w.fail(rw, r, cause)
}

func (w *Worker) fail(rw http.ResponseWriter, r *http.Request, cause error) {
	w.log.Warn("fetch failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(cause))
	w.metrics.CacheResult(resultFailed)
	setShellHeaders(rw.Header(), resultFailed)
	http.Error(rw, "bad gateway", http.StatusBadGateway)
}

// passThrough forwards the request as is.
func (w *Worker) passThrough(rw http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, w.cfg.Origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		w.fail(rw, r, err)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	ent, err := w.roundTrip(req)
	if err != nil {
		w.fail(rw, r, err)
		return
	}
	w.writeEntryWithStats(rw, ent, resultBypass)
}

func (w *Worker) roundTrip(req *http.Request) (cachestore.Entry, error) {
	resp, err := w.network.Do(req)
	if err != nil {
		return cachestore.Entry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	return cachestore.NewEntry(resp.StatusCode, resp.Header, body), nil
}

func cacheable(ent cachestore.Entry) bool {
	if !isOK(ent.Status) || ent.Status == http.StatusPartialContent {
		return false
	}
	cc := strings.ToLower(ent.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

func (w *Worker) writeEntryWithStats(rw http.ResponseWriter, ent cachestore.Entry, result string) {
	writeEntry(rw, ent, result)
	w.metrics.CacheResult(result)
	if w.stats != nil {
		switch result {
		case resultHit, resultMiss, resultOffline:
			w.stats.Observe(len(ent.Body))
		}
	}
}

func writeEntry(rw http.ResponseWriter, ent cachestore.Entry, result string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "X-Shell-Cache") {
			continue
		}
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	setShellHeaders(rw.Header(), result)
	rw.WriteHeader(ent.Status)
	_, _ = io.Copy(rw, bytes.NewReader(ent.Body))
}

func setShellHeaders(h http.Header, result string) {
	if result != "" {
		h.Set("X-Shell-Cache", result)
	}
	// Browsers hide custom headers from scripts in a CORS context unless exposed.
	ensureExposedHeader(h, "X-Shell-Cache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

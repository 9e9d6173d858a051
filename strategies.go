package recordcache

import (
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/record-cache/record-cache/cache"
	serializer "github.com/record-cache/record-cache/pkg/response-serializer"
	tee "github.com/record-cache/record-cache/pkg/response-writer-tee"
)

// Strategy handles one request after the route table has matched it.
type Strategy interface {
	Serve(w http.ResponseWriter, r *http.Request, info *RequestInfo)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(w http.ResponseWriter, r *http.Request, info *RequestInfo)

func (f StrategyFunc) Serve(w http.ResponseWriter, r *http.Request, info *RequestInfo) {
	f(w, r, info)
}

// Route pairs a predicate with the strategy handling its matches.
// Routes are evaluated in order; the first match wins.
type Route struct {
	Match    func(*RequestInfo) bool
	Strategy Strategy
}

// matches a path whose last segment contains a file extension
var fileExtensionRegexp = regexp.MustCompile(`/[^/?]+\.[^/]+$`)

// isAppShellNavigation matches same-origin navigations that should be
// answered with the app shell document: no file extension in the path, and
// not a backend path under /_.
func isAppShellNavigation(info *RequestInfo) bool {
	if !info.SameOrigin || !info.Navigation {
		return false
	}
	if strings.HasPrefix(info.URL.Path, "/_") {
		return false
	}
	return !fileExtensionRegexp.MatchString(info.URL.Path)
}

func pathContains(fragment string) func(*RequestInfo) bool {
	return func(info *RequestInfo) bool {
		return info.SameOrigin && strings.Contains(info.URL.Path, fragment)
	}
}

func isSameOriginImage(info *RequestInfo) bool {
	return info.SameOrigin && strings.HasSuffix(info.URL.Path, ".png")
}

func isSameOrigin(info *RequestInfo) bool {
	return info.SameOrigin
}

// AppShell serves the cached app shell document for navigation requests,
// fetching and caching it on a miss.
func (rc *RecordCache) AppShell(cacheName string) Strategy {
	return StrategyFunc(func(w http.ResponseWriter, r *http.Request, info *RequestInfo) {
		shellURL := *info.URL
		shellURL.Path = rc.shellPath
		shellURL.RawQuery = ""
		key := shellURL.String()
		if e, ok, err := rc.cache.Match(cacheName, key); err == nil && ok {
			rc.sendStored(w, r, e, "hit")
			return
		}
		shellReq, err := http.NewRequest(http.MethodGet, key, nil)
		if err != nil {
			http.Error(w, "Could not get app shell", http.StatusInternalServerError)
			return
		}
		shellInfo := &RequestInfo{ClientID: info.ClientID, URL: &shellURL, SameOrigin: true}
		res, err := rc.fetch(shellReq, shellInfo)
		if err != nil {
			rc.log.Error().Err(err).Msg("Could not fetch app shell")
			http.Error(w, "Could not get response", http.StatusBadGateway)
			return
		}
		defer res.Body.Close()
		rw := tee.NewResponseSaver(w)
		w.Header().Set(statusHeader, "miss")
		if err := send(rw, res); err != nil {
			rc.log.Error().Err(err).Msg("Could not write response body to client")
			return
		}
		if isSuccess(res.StatusCode) {
			rc.saveEntry(cacheName, key, rw, 30*24*time.Hour)
		}
	})
}

// CacheFirst serves from the named cache when a fresh entry exists and only
// goes to the network on a miss. Long-lived vendor assets use this.
func (rc *RecordCache) CacheFirst(cacheName string, maxAge time.Duration) Strategy {
	return StrategyFunc(func(w http.ResponseWriter, r *http.Request, info *RequestInfo) {
		key := info.URL.String()
		if e, ok, err := rc.cache.Match(cacheName, key); err == nil && ok {
			rc.sendStored(w, r, e, "hit")
			return
		}
		rc.fetchAndCache(w, r, info, cacheName, key, maxAge)
	})
}

// NetworkFirst goes to the network and falls back to the named cache when
// the origin is unreachable. Successful responses refresh the cache.
func (rc *RecordCache) NetworkFirst(cacheName string, maxAge time.Duration) Strategy {
	return StrategyFunc(func(w http.ResponseWriter, r *http.Request, info *RequestInfo) {
		key := info.URL.String()
		res, err := rc.fetch(r, info)
		if err != nil {
			if e, ok, merr := rc.cache.Match(cacheName, key); merr == nil && ok {
				rc.log.Debug().Str("key", key).Msg("Origin unreachable, serving stored response")
				rc.sendStored(w, r, e, "fallback")
				return
			}
			rc.log.Error().Err(err).Str("key", key).Msg("Origin unreachable and no stored response")
			http.Error(w, "Could not get response", http.StatusBadGateway)
			return
		}
		defer res.Body.Close()
		rw := tee.NewResponseSaver(w)
		w.Header().Set(statusHeader, "miss")
		if err := send(rw, res); err != nil {
			rc.log.Error().Err(err).Msg("Could not write response body to client")
			return
		}
		if isSuccess(res.StatusCode) && r.Method == http.MethodGet {
			rc.saveEntry(cacheName, key, rw, maxAge)
		}
	})
}

// StaleWhileRevalidate serves a stored response immediately when one exists
// and refreshes it in the background.
func (rc *RecordCache) StaleWhileRevalidate(cacheName string, maxAge time.Duration) Strategy {
	return StrategyFunc(func(w http.ResponseWriter, r *http.Request, info *RequestInfo) {
		key := info.URL.String()
		if e, ok, err := rc.cache.Match(cacheName, key); err == nil && ok {
			rc.sendStored(w, r, e, "hit")
			refreshReq, err := http.NewRequest(http.MethodGet, key, nil)
			if err != nil {
				return
			}
			refreshInfo := *info
			go rc.refresh(refreshReq, &refreshInfo, cacheName, key, maxAge)
			return
		}
		rc.fetchAndCache(w, r, info, cacheName, key, maxAge)
	})
}

// bypass forwards the request verbatim and never caches.
// All external-origin traffic ends up here.
func (rc *RecordCache) bypass(w http.ResponseWriter, r *http.Request, info *RequestInfo) {
	rc.log.Trace().Str("url", info.URL.String()).Msg("Bypassing cache")
	res, err := rc.fetch(r, info)
	if err != nil {
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	w.Header().Set(statusHeader, "bypass")
	if err := send(w, res); err != nil {
		rc.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func (rc *RecordCache) fetchAndCache(w http.ResponseWriter, r *http.Request, info *RequestInfo, cacheName, key string, maxAge time.Duration) {
	res, err := rc.fetch(r, info)
	if err != nil {
		rc.log.Error().Err(err).Str("key", key).Msg("Could not fetch from origin")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	rw := tee.NewResponseSaver(w)
	w.Header().Set(statusHeader, "miss")
	if err := send(rw, res); err != nil {
		rc.log.Error().Err(err).Msg("Could not write response body to client")
		return
	}
	if isSuccess(res.StatusCode) && r.Method == http.MethodGet {
		rc.saveEntry(cacheName, key, rw, maxAge)
	}
}

// refresh fetches the key from the origin and stores the result, without a
// client waiting on it.
func (rc *RecordCache) refresh(r *http.Request, info *RequestInfo, cacheName, key string, maxAge time.Duration) {
	res, err := rc.fetch(r, info)
	if err != nil {
		rc.log.Error().Err(err).Str("key", key).Msg("Could not refresh stored response")
		return
	}
	defer res.Body.Close()
	rw := tee.NewResponseSaver(nil)
	if err := send(rw, res); err != nil {
		rc.log.Error().Err(err).Str("key", key).Msg("Could not read refreshed response")
		return
	}
	if isSuccess(res.StatusCode) {
		rc.saveEntry(cacheName, key, rw, maxAge)
	}
}

// saveEntry stores the teed response bytes under the given cache and key.
func (rc *RecordCache) saveEntry(cacheName, key string, rw *tee.ResponseSaver, maxAge time.Duration) {
	e := cache.Entry{
		Key:         key,
		RequestedAt: rw.CreatedAt,
		ReceivedAt:  time.Now(),
		Bytes:       rw.Response(),
	}
	if maxAge > 0 {
		e.Expires = time.Now().Add(maxAge)
	}
	rc.log.Trace().Str("cache", cacheName).Str("key", key).Time("expires", e.Expires).Msg("Writing to cache")
	if err := rc.cache.Put(cacheName, e); err != nil {
		rc.log.Error().Err(err).Str("cache", cacheName).Str("key", key).Msg("Could not write to cache")
	}
}

// sendStored writes a stored response to the client.
func (rc *RecordCache) sendStored(w http.ResponseWriter, r *http.Request, e cache.Entry, status string) {
	res, err := serializer.BytesToResponse(e.Bytes)
	if err != nil {
		rc.log.Error().Err(err).Str("key", e.Key).Msg("Could not read stored response")
		http.Error(w, "Could not read stored response", http.StatusInternalServerError)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Set(statusHeader, status)
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		rc.log.Error().Err(err).Msg("Could not write response body to client")
	}
	rc.logRequest(r, status)
	rc.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (rc *RecordCache) logRequest(r *http.Request, status string) {
	rc.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("status", status).
		Msg("Sending response to client")
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

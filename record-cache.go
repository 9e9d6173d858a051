package recordcache

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/record-cache/record-cache/cache"
	"github.com/record-cache/record-cache/recording"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClientHeader carries the opaque client identifier.
// The proxy issues one when a request arrives without it; clients echo it on
// subsequent requests and control messages so their traffic can be grouped.
const ClientHeader = "Record-Client"

// statusHeader reports how a response was produced (hit, fallback, bypass, recording).
const statusHeader = "Record-Cache"

// ControlPrefix is the path prefix of the control API.
const ControlPrefix = "/recorder/"

type Config struct {
	// Storage for cached and recorded responses.
	Cache cache.Provider
	// Storage for section records.
	Store cache.SectionStore
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// AppShellPath is the document served for app-shell navigations
	// ("/index.html" if empty).
	AppShellPath string
	// SettleDelay, ConfirmTimeout and MaxRecordedBytes configure the
	// recording controller; see the recording package for the defaults.
	SettleDelay      time.Duration
	ConfirmTimeout   time.Duration
	MaxRecordedBytes int64
	// Scheduler for recording timers. Wall clock if nil.
	Scheduler recording.Scheduler
	// Disable the background pruning of expired runtime cache entries.
	DisablePrune bool
}

// RecordCache is a caching reverse proxy with a recording mode.
// Requests pass through an ordered route table of predicate and strategy
// pairs; while a client is recording, all of its requests are captured by
// the recording controller instead.
type RecordCache struct {
	cache      cache.Provider
	store      cache.SectionStore
	origin     url.URL
	originHost string
	log        zerolog.Logger
	hub        *eventHub
	recorder   *recording.Controller
	routes     []Route
	control    http.Handler
	httpClient http.Client
	shellPath  string
}

// runtimeCaches are the caches used by the built-in strategies.
// Only these are pruned; recorded section caches have no expiry.
var runtimeCaches = []string{"app-shell", "vendor", "images"}

// New initializes the record-cache instance.
// It starts the needed background processes
// and sets up the needed variables.
func New(config Config) *RecordCache {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	rc := &RecordCache{
		cache:      config.Cache,
		store:      config.Store,
		origin:     config.OriginURL,
		originHost: config.OriginHost,
		log:        logger,
		shellPath:  config.AppShellPath,
		hub:        newEventHub(logger),
	}
	if rc.shellPath == "" {
		rc.shellPath = "/index.html"
	}

	rc.httpClient = http.Client{
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	// use provided hostname for origin if configured
	if rc.originHost != "" {
		rc.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: rc.originHost,
			},
		}
	}

	rc.recorder = recording.NewController(recording.Config{
		Cache:            config.Cache,
		Store:            config.Store,
		Notifier:         rc.hub,
		Scheduler:        config.Scheduler,
		Logger:           &logger,
		SettleDelay:      config.SettleDelay,
		ConfirmTimeout:   config.ConfirmTimeout,
		MaxRecordedBytes: config.MaxRecordedBytes,
	})

	rc.routes = []Route{
		{Match: isAppShellNavigation, Strategy: rc.AppShell("app-shell")},
		{Match: pathContains("/vendor/"), Strategy: rc.CacheFirst("vendor", 30*24*time.Hour)},
		{Match: isSameOriginImage, Strategy: rc.StaleWhileRevalidate("images", 30*24*time.Hour)},
		{Match: isSameOrigin, Strategy: rc.NetworkFirst("app-shell", 30*24*time.Hour)},
	}

	rc.control = rc.controlRouter()

	// start a goroutine to evict expired runtime cache entries
	if !config.DisablePrune {
		go rc.pruneLoop(time.Minute)
	}

	return rc
}

// ServeHTTP implements the http.Handler interface.
func (rc *RecordCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, ControlPrefix) {
		rc.control.ServeHTTP(w, r)
		return
	}

	info := rc.requestInfo(r)
	w.Header().Set(ClientHeader, info.ClientID)

	// the recording check always runs before the route table:
	// while a session is active, its client's requests belong to the recorder
	if rc.recorder.IsRecording(info.ClientID) {
		rc.serveRecorded(w, r, info)
		return
	}
	for _, route := range rc.routes {
		if route.Match(info) {
			route.Strategy.Serve(w, r, info)
			return
		}
	}
	rc.bypass(w, r, info)
}

// RequestInfo is the request descriptor the route predicates match against.
type RequestInfo struct {
	// ClientID is the opaque identifier of the originating client.
	ClientID string
	// URL is the absolute request URL, resolved against the origin for
	// origin-form requests.
	URL *url.URL
	// SameOrigin is false for absolute-form requests to another host.
	SameOrigin bool
	// Navigation is true for top-level document requests.
	Navigation bool
}

func (rc *RecordCache) requestInfo(r *http.Request) *RequestInfo {
	clientID := r.Header.Get(ClientHeader)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	info := &RequestInfo{
		ClientID:   clientID,
		Navigation: isNavigation(r),
	}
	if r.URL.IsAbs() && r.URL.Host != rc.origin.Host {
		info.URL = r.URL
		info.SameOrigin = false
	} else {
		u := *r.URL
		u.Scheme = rc.origin.Scheme
		u.Host = rc.origin.Host
		info.URL = &u
		info.SameOrigin = true
	}
	return info
}

// isNavigation reports whether the request looks like a top-level document
// load: an explicit Sec-Fetch-Mode, or a GET asking for HTML.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// fetch performs the upstream round trip for the given client request.
// Same-origin requests go to the configured origin; absolute-form requests
// to other hosts are forwarded as is.
func (rc *RecordCache) fetch(r *http.Request, info *RequestInfo) (*http.Response, error) {
	out, err := http.NewRequest(r.Method, info.URL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(out.Header, r.Header)
	out.Header.Del(ClientHeader)
	if info.SameOrigin && rc.originHost != "" {
		out.Host = rc.originHost
	}
	return rc.httpClient.Do(out)
}

// send writes the upstream response to the client.
// Pass a response-writer tee as w to capture the bytes for caching.
func send(w http.ResponseWriter, res *http.Response) error {
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	_, err := io.Copy(w, res.Body)
	return err
}

// pruneLoop evicts expired entries from the runtime caches, one entry at a
// time per cache, pausing when nothing is about to expire.
func (rc *RecordCache) pruneLoop(interval time.Duration) {
	rc.log.Info().Msgf("Starting cache prune loop with interval %s", interval)
	for {
		purged := false
		for _, name := range runtimeCaches {
			key, expiry, err := rc.cache.Oldest(name)
			if err != nil {
				rc.log.Error().Err(err).Str("cache", name).Msg("Could not get oldest entry")
				continue
			}
			if key != "" && time.Now().After(expiry) {
				rc.log.Trace().Str("cache", name).Str("key", key).Msg("Purging expired entry")
				rc.cache.Purge(name, key)
				purged = true
			}
		}
		if !purged {
			time.Sleep(interval)
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// strip proxy bookkeeping headers; some servers do not like the
		// presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

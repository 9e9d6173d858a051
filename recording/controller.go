package recording

import (
	"fmt"
	"sync"
	"time"

	"github.com/record-cache/record-cache/cache"

	"github.com/rs/zerolog"
)

const (
	// DefaultSettleDelay is the quiescence window after which a session with
	// no outstanding requests is considered settled.
	DefaultSettleDelay = 200 * time.Millisecond
	// DefaultConfirmTimeout is how long a settled session waits for the
	// client's completion confirmation before being abandoned.
	DefaultConfirmTimeout = 10 * time.Second
	// DefaultMaxRecordedBytes caps the bytes buffered by one session.
	DefaultMaxRecordedBytes = 64 << 20
)

// TempCacheName returns the name of a client's scratch cache.
// Its contents are discarded unless the session commits.
func TempCacheName(clientID string) string {
	return "temp-" + clientID
}

// SectionCacheName returns the name of a section's durable cache.
func SectionCacheName(sectionID string) string {
	return "section-" + sectionID
}

// Notifier delivers worker-to-client events.
// Notify reports whether the client had a live subscriber; the controller
// abandons a settled session when its client is unreachable.
type Notifier interface {
	Notify(clientID string, ev Event) bool
}

type Config struct {
	// Cache buffers responses during recording and holds committed sections.
	Cache cache.Provider
	// Store holds the durable section records.
	Store cache.SectionStore
	// Notifier delivers confirmation requests and error events to clients.
	Notifier Notifier
	// Scheduler drives the settle and confirmation timers.
	// The wall-clock scheduler is used if nil.
	Scheduler Scheduler
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// SettleDelay is the default quiescence window (DefaultSettleDelay if zero).
	// A start message may override it per session.
	SettleDelay time.Duration
	// ConfirmTimeout is the confirmation window (DefaultConfirmTimeout if zero).
	ConfirmTimeout time.Duration
	// MaxRecordedBytes caps the bytes buffered by one session
	// (DefaultMaxRecordedBytes if zero, no cap if negative).
	MaxRecordedBytes int64
}

// Controller is the recording session state machine.
// It owns one session per recording client and serializes all mutation of a
// session's pending and fulfilled sets behind the session's lock.
type Controller struct {
	cache          cache.Provider
	store          cache.SectionStore
	notifier       Notifier
	sched          Scheduler
	log            zerolog.Logger
	settleDelay    time.Duration
	confirmTimeout time.Duration
	maxBytes       int64

	mu       sync.Mutex
	sessions map[string]*session
}

func NewController(config Config) *Controller {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	c := &Controller{
		cache:          config.Cache,
		store:          config.Store,
		notifier:       config.Notifier,
		sched:          config.Scheduler,
		log:            logger,
		settleDelay:    config.SettleDelay,
		confirmTimeout: config.ConfirmTimeout,
		maxBytes:       config.MaxRecordedBytes,
		sessions:       make(map[string]*session),
	}
	if c.sched == nil {
		c.sched = NewScheduler()
	}
	if c.settleDelay <= 0 {
		c.settleDelay = DefaultSettleDelay
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = DefaultConfirmTimeout
	}
	if c.maxBytes == 0 {
		c.maxBytes = DefaultMaxRecordedBytes
	}
	return c
}

// IsRecording reports whether the client has a session in the Recording
// state. Requests of a recording client must be routed to the controller
// before any other handling policy is considered.
func (c *Controller) IsRecording(clientID string) bool {
	s := c.get(clientID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRecording
}

// Start opens a recording session for the client.
func (c *Controller) Start(clientID, sectionID string, settleDelay time.Duration) error {
	if sectionID == "" {
		return ErrInvalidSectionID
	}
	if settleDelay <= 0 {
		settleDelay = c.settleDelay
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[clientID]; ok {
		return ErrAlreadyRecording
	}
	c.sessions[clientID] = newSession(clientID, sectionID, settleDelay, c.store.Epoch(sectionID))
	c.log.Info().
		Str("client", clientID).
		Str("section", sectionID).
		Dur("settleDelay", settleDelay).
		Msg("Recording started")
	return nil
}

// RequestStarted registers an intercepted request as in flight.
// Any armed settle timer is cancelled: the session cannot settle while
// requests are outstanding.
func (c *Controller) RequestStarted(clientID, identity string) {
	s := c.get(clientID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRecording {
		return
	}
	s.cancelTimersLocked()
	s.pending[identity] = time.Now()
	c.log.Trace().Str("client", clientID).Str("identity", identity).Msg("Request pending")
}

// ResponseResolved records the outcome of an in-flight request.
// Successful responses are buffered in the client's temp cache; the entry's
// Key must be the request identity. When the pending set drains, the settle
// timer is armed.
func (c *Controller) ResponseResolved(clientID string, e cache.Entry, statusCode int) {
	s := c.get(clientID)
	if s == nil {
		return
	}
	var failure error
	s.mu.Lock()
	if s.state != stateRecording {
		s.mu.Unlock()
		return
	}
	if _, ok := s.pending[e.Key]; !ok {
		s.mu.Unlock()
		return
	}
	if isSuccess(statusCode) {
		s.buffered += int64(len(e.Bytes))
		if c.maxBytes > 0 && s.buffered > c.maxBytes {
			failure = fmt.Errorf("recorded bytes exceed the %d byte budget", c.maxBytes)
		} else if err := c.cache.Put(TempCacheName(clientID), e); err != nil {
			failure = fmt.Errorf("buffering response: %w", err)
		}
	}
	if failure != nil {
		s.cancelTimersLocked()
		s.mu.Unlock()
		c.terminate(clientID, failure)
		return
	}
	s.resolveLocked(e.Key)
	c.log.Trace().Str("client", clientID).Str("identity", e.Key).Int("status", statusCode).Msg("Request fulfilled")
	if len(s.pending) == 0 {
		c.armSettleLocked(s)
	}
	s.mu.Unlock()
}

// RequestFailed aborts the session after a transport failure.
// A partial capture is never committed.
func (c *Controller) RequestFailed(clientID, identity string, cause error) {
	s := c.get(clientID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.state != stateRecording {
		s.mu.Unlock()
		return
	}
	s.cancelTimersLocked()
	s.mu.Unlock()
	c.terminate(clientID, fmt.Errorf("request %s failed: %w", identity, cause))
}

// Complete is the client's confirmation that the settled session should be
// committed. It migrates the buffered responses to the section's durable
// cache and writes the section record.
func (c *Controller) Complete(clientID string) error {
	s := c.get(clientID)
	if s == nil {
		return ErrNotRecording
	}
	s.mu.Lock()
	if s.state != stateAwaitingConfirmation {
		s.mu.Unlock()
		return ErrNotAwaitingConfirmation
	}
	s.cancelTimersLocked()
	sectionID := s.sectionID
	requests := append([]string(nil), s.fulfilled...)
	deleteEpoch := s.deleteEpoch
	s.mu.Unlock()
	return c.commit(clientID, sectionID, requests, deleteEpoch)
}

// Delete removes the named section's durable cache and record.
// It is independent of any live session; a session recording the same
// section id detects the deletion at commit time via the deletion epoch.
func (c *Controller) Delete(sectionID string) error {
	if sectionID == "" {
		return ErrInvalidSectionID
	}
	if err := c.cache.Delete(SectionCacheName(sectionID)); err != nil {
		return err
	}
	if err := c.store.Delete(sectionID); err != nil {
		return err
	}
	c.log.Info().Str("section", sectionID).Msg("Recorded section deleted")
	return nil
}

func (c *Controller) get(clientID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[clientID]
}

// registered reports whether s is still the client's current session.
// Timer callbacks check this so a timer armed on an already discarded
// session cannot act on its successor's state.
func (c *Controller) registered(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[s.clientID] == s
}

func (c *Controller) armSettleLocked(s *session) {
	epoch := s.timerEpoch
	s.settleTimer = c.sched.Schedule(s.settleDelay, func() {
		c.settleElapsed(s, epoch)
	})
}

// settleElapsed fires when the quiescence window passes with no outstanding
// requests. Settlement is a heuristic, so the client is asked to confirm
// before anything is committed.
func (c *Controller) settleElapsed(s *session, epoch uint64) {
	s.mu.Lock()
	if s.timerEpoch != epoch || s.state != stateRecording || len(s.pending) != 0 || !c.registered(s) {
		s.mu.Unlock()
		return
	}
	s.state = stateAwaitingConfirmation
	s.settleTimer = nil
	clientID := s.clientID
	s.mu.Unlock()

	c.log.Debug().Str("client", clientID).Msg("Session settled, requesting completion confirmation")
	if !c.notifier.Notify(clientID, ConfirmRecordingCompletion{ClientID: clientID}) {
		c.log.Warn().Str("client", clientID).Msg("Client not reachable for confirmation, discarding recording")
		c.discard(clientID)
		return
	}

	s.mu.Lock()
	if s.state == stateAwaitingConfirmation && c.registered(s) {
		confirmEpoch := s.timerEpoch
		s.confirmTimer = c.sched.Schedule(c.confirmTimeout, func() {
			c.confirmElapsed(s, confirmEpoch)
		})
	}
	s.mu.Unlock()
}

// confirmElapsed fires when the client never answered the confirmation
// request. The session is abandoned without notifying the client, which may
// already be gone.
func (c *Controller) confirmElapsed(s *session, epoch uint64) {
	s.mu.Lock()
	if s.timerEpoch != epoch || s.state != stateAwaitingConfirmation || !c.registered(s) {
		s.mu.Unlock()
		return
	}
	s.confirmTimer = nil
	s.mu.Unlock()
	c.log.Warn().Str("client", s.clientID).Msg("Completion confirmation timed out, discarding recording")
	c.discard(s.clientID)
}

// terminate aborts the session with an error, notifying the owning client.
func (c *Controller) terminate(clientID string, cause error) {
	c.log.Error().Err(cause).Str("client", clientID).Msg("Recording aborted")
	c.notifier.Notify(clientID, RecordingError{ClientID: clientID, Error: cause.Error()})
	c.discard(clientID)
}

// discard removes the session and its temp cache.
func (c *Controller) discard(clientID string) {
	c.mu.Lock()
	delete(c.sessions, clientID)
	c.mu.Unlock()
	if err := c.cache.Delete(TempCacheName(clientID)); err != nil {
		c.log.Error().Err(err).Str("client", clientID).Msg("Could not delete temp cache")
	}
}

// commit migrates the buffered entries to the section's durable cache and
// writes the section record. The metadata write happens last so a failure
// never leaves a record pointing at missing data; a failed commit deletes
// the section cache again so no orphaned cache remains either. The temp
// cache and session are removed in every outcome.
func (c *Controller) commit(clientID, sectionID string, requests []string, deleteEpoch uint64) error {
	defer c.discard(clientID)

	sectionCache := SectionCacheName(sectionID)
	if c.store.Epoch(sectionID) != deleteEpoch {
		return fmt.Errorf("%w: section %q was deleted while recording", ErrCommitFailed, sectionID)
	}
	if err := c.cache.Open(sectionCache); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	entries, err := c.cache.Entries(TempCacheName(clientID))
	if err != nil {
		return fmt.Errorf("%w: reading temp cache: %v", ErrCommitFailed, err)
	}
	for _, e := range entries {
		if err := c.cache.Put(sectionCache, e); err != nil {
			c.cache.Delete(sectionCache)
			return fmt.Errorf("%w: migrating %q: %v", ErrCommitFailed, e.Key, err)
		}
	}
	// re-check the deletion epoch right before the metadata write to narrow
	// the window in which a delete can race the commit
	if c.store.Epoch(sectionID) != deleteEpoch {
		c.cache.Delete(sectionCache)
		return fmt.Errorf("%w: section %q was deleted during commit", ErrCommitFailed, sectionID)
	}
	rec := cache.SectionRecord{
		SectionID:   sectionID,
		CacheName:   sectionCache,
		LastUpdated: time.Now(),
		Requests:    requests,
	}
	if err := c.store.Put(rec); err != nil {
		c.cache.Delete(sectionCache)
		return fmt.Errorf("%w: writing section record: %v", ErrCommitFailed, err)
	}
	c.log.Info().
		Str("client", clientID).
		Str("section", sectionID).
		Int("requests", len(requests)).
		Msg("Recording committed")
	return nil
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

package recording

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/record-cache/record-cache/cache"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]cache.SectionRecord
	epochs  map[string]uint64
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]cache.SectionRecord),
		epochs:  make(map[string]uint64),
	}
}

func (s *fakeStore) Put(rec cache.SectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.records[rec.SectionID] = rec
	return nil
}

func (s *fakeStore) Get(sectionID string) (cache.SectionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sectionID]
	return rec, ok, nil
}

func (s *fakeStore) Delete(sectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sectionID)
	s.epochs[sectionID]++
	return nil
}

func (s *fakeStore) List() ([]cache.SectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]cache.SectionRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	return records, nil
}

func (s *fakeStore) Epoch(sectionID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[sectionID]
}

type fakeNotifier struct {
	mu          sync.Mutex
	events      []Event
	unreachable bool
}

func (n *fakeNotifier) Notify(clientID string, ev Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.unreachable {
		return false
	}
	n.events = append(n.events, ev)
	return true
}

func (n *fakeNotifier) confirmations() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, ev := range n.events {
		if _, ok := ev.(ConfirmRecordingCompletion); ok {
			count++
		}
	}
	return count
}

func (n *fakeNotifier) recordingErrors() []RecordingError {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []RecordingError
	for _, ev := range n.events {
		if e, ok := ev.(RecordingError); ok {
			errs = append(errs, e)
		}
	}
	return errs
}

type fixture struct {
	controller *Controller
	cache      cache.MemCache
	store      *fakeStore
	notifier   *fakeNotifier
	sched      *manualScheduler
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	f := &fixture{
		cache:    cache.NewMemCache(),
		store:    newFakeStore(),
		notifier: &fakeNotifier{},
		sched:    &manualScheduler{},
	}
	logger := zerolog.Nop()
	config.Cache = f.cache
	config.Store = f.store
	config.Notifier = f.notifier
	config.Scheduler = f.sched
	config.Logger = &logger
	f.controller = NewController(config)
	return f
}

func entry(key, body string) cache.Entry {
	return cache.Entry{
		Key:         key,
		RequestedAt: time.Now(),
		ReceivedAt:  time.Now(),
		Bytes:       []byte("HTTP/1.1 200 OK\r\n\r\n" + body),
	}
}

// record drives one request through the intercept-and-resolve cycle.
func (f *fixture) record(clientID, identity string, statusCode int) {
	f.controller.RequestStarted(clientID, identity)
	f.controller.ResponseResolved(clientID, entry(identity, "body of "+identity), statusCode)
}

func TestStartRequiresSectionID(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "", 0); !errors.Is(err, ErrInvalidSectionID) {
		t.Fatalf("Start with empty section id returned %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	if err := f.controller.Start("c1", "s2", 0); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("Second start returned %v", err)
	}
	// the existing session must be unmodified
	if s := f.controller.get("c1"); s.sectionID != "s1" {
		t.Fatalf("Session section id is %q", s.sectionID)
	}
}

func TestStartDifferentClientsAreIndependent(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	if err := f.controller.Start("c2", "s2", 0); err != nil {
		t.Fatalf("Start for second client returned %v", err)
	}
}

func TestRecordAndCommit(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	f.record("c1", "http://origin/b", 201)

	// pending drained, settle timer fires
	f.sched.fire()
	if got := f.notifier.confirmations(); got != 1 {
		t.Fatalf("Got %d confirmation requests", got)
	}

	if err := f.controller.Complete("c1"); err != nil {
		t.Fatal(err)
	}

	rec, ok, _ := f.store.Get("s1")
	if !ok {
		t.Fatal("No section record written")
	}
	if len(rec.Requests) != 2 || rec.Requests[0] != "http://origin/a" || rec.Requests[1] != "http://origin/b" {
		t.Fatalf("Requests are %v", rec.Requests)
	}
	if rec.CacheName != SectionCacheName("s1") {
		t.Fatalf("Cache name is %q", rec.CacheName)
	}
	if rec.LastUpdated.IsZero() {
		t.Fatal("LastUpdated not set")
	}
	if !f.cache.Has(SectionCacheName("s1"), "http://origin/a") || !f.cache.Has(SectionCacheName("s1"), "http://origin/b") {
		t.Fatal("Section cache is missing migrated entries")
	}
	if f.cache.Has(TempCacheName("c1"), "http://origin/a") {
		t.Fatal("Temp cache not deleted after commit")
	}
	if err := f.controller.Complete("c1"); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Complete after commit returned %v", err)
	}
}

func TestNewRequestResetsSettleTimer(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	// a new in-flight request must cancel the armed settle timer
	f.controller.RequestStarted("c1", "http://origin/b")
	f.sched.fire()
	if got := f.notifier.confirmations(); got != 0 {
		t.Fatalf("Settled with a pending request, %d confirmations", got)
	}
	f.controller.ResponseResolved("c1", entry("http://origin/b", "b"), 200)
	f.sched.fire()
	if got := f.notifier.confirmations(); got != 1 {
		t.Fatalf("Got %d confirmation requests", got)
	}
}

func TestSettleFiresExactlyOnce(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	f.sched.fire()
	f.sched.fire()
	if got := f.notifier.confirmations(); got != 1 {
		t.Fatalf("Got %d confirmation requests", got)
	}
}

func TestCompleteBeforeSettle(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	if err := f.controller.Complete("c1"); !errors.Is(err, ErrNotAwaitingConfirmation) {
		t.Fatalf("Complete before settle returned %v", err)
	}
}

func TestConfirmationTimeoutAbandons(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	f.sched.fire() // settle -> awaiting confirmation
	f.sched.fire() // confirmation window elapses
	if _, ok, _ := f.store.Get("s1"); ok {
		t.Fatal("Section record written without confirmation")
	}
	if f.cache.Has(TempCacheName("c1"), "http://origin/a") {
		t.Fatal("Temp cache not deleted on abandonment")
	}
	if err := f.controller.Complete("c1"); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Complete after abandonment returned %v", err)
	}
}

func TestTransportFailureAbortsSession(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	f.controller.RequestStarted("c1", "http://origin/b")
	f.controller.RequestFailed("c1", "http://origin/b", fmt.Errorf("connection refused"))

	errs := f.notifier.recordingErrors()
	if len(errs) != 1 || errs[0].ClientID != "c1" {
		t.Fatalf("Recording errors: %v", errs)
	}
	if f.controller.IsRecording("c1") {
		t.Fatal("Session still recording after transport failure")
	}
	if f.cache.Has(TempCacheName("c1"), "http://origin/a") {
		t.Fatal("Temp cache not deleted after abort")
	}
	// the partial capture must not settle or commit
	f.sched.fire()
	if got := f.notifier.confirmations(); got != 0 {
		t.Fatalf("Got %d confirmation requests after abort", got)
	}
}

func TestNonSuccessResponsesAreNotBuffered(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	f.record("c1", "http://origin/missing", 404)
	if f.cache.Has(TempCacheName("c1"), "http://origin/missing") {
		t.Fatal("Non-success response buffered")
	}
	f.sched.fire()
	if err := f.controller.Complete("c1"); err != nil {
		t.Fatal(err)
	}
	rec, _, _ := f.store.Get("s1")
	// the identity is still fulfilled, only its body is absent
	if len(rec.Requests) != 2 {
		t.Fatalf("Requests are %v", rec.Requests)
	}
	if f.cache.Has(SectionCacheName("s1"), "http://origin/missing") {
		t.Fatal("Non-success response migrated")
	}
}

func TestByteBudgetAbortsSession(t *testing.T) {
	f := newFixture(t, Config{MaxRecordedBytes: 10})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.controller.RequestStarted("c1", "http://origin/big")
	f.controller.ResponseResolved("c1", entry("http://origin/big", "a body much larger than the budget"), 200)
	if len(f.notifier.recordingErrors()) != 1 {
		t.Fatal("No recording error for exceeded byte budget")
	}
	if f.controller.IsRecording("c1") {
		t.Fatal("Session still recording after exceeding budget")
	}
}

func TestClientGoneAtSettle(t *testing.T) {
	f := newFixture(t, Config{})
	f.notifier.unreachable = true
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	f.sched.fire()
	if f.sched.pendingCount() != 0 {
		t.Fatal("Confirmation timer armed for unreachable client")
	}
	if err := f.controller.Complete("c1"); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Complete after client-gone abandonment returned %v", err)
	}
	if _, ok, _ := f.store.Get("s1"); ok {
		t.Fatal("Section record written for abandoned session")
	}
}

func TestDeleteSection(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	f.sched.fire()
	if err := f.controller.Complete("c1"); err != nil {
		t.Fatal(err)
	}

	if err := f.controller.Delete("s1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := f.store.Get("s1"); ok {
		t.Fatal("Section record still present after delete")
	}
	if f.cache.Has(SectionCacheName("s1"), "http://origin/a") {
		t.Fatal("Section cache still present after delete")
	}
}

func TestDeleteMissingSectionIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Delete("never-recorded"); err != nil {
		t.Fatal(err)
	}
	if err := f.controller.Delete(""); !errors.Is(err, ErrInvalidSectionID) {
		t.Fatalf("Delete with empty id returned %v", err)
	}
}

func TestDeleteDuringRecordingAbortsCommit(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	f.sched.fire()
	// delete the section while its re-recording awaits confirmation
	if err := f.controller.Delete("s1"); err != nil {
		t.Fatal(err)
	}
	if err := f.controller.Complete("c1"); !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("Commit after racing delete returned %v", err)
	}
	if _, ok, _ := f.store.Get("s1"); ok {
		t.Fatal("Deleted section recreated by racing commit")
	}
	if err := f.controller.Complete("c1"); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Session not discarded after failed commit: %v", err)
	}
}

func TestCommitMetadataFailureLeavesNoOrphan(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	f.record("c1", "http://origin/a", 200)
	f.sched.fire()
	f.store.putErr = fmt.Errorf("disk full")
	if err := f.controller.Complete("c1"); !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("Commit with failing store returned %v", err)
	}
	if f.cache.Has(SectionCacheName("s1"), "http://origin/a") {
		t.Fatal("Orphaned section cache left after failed metadata write")
	}
	if f.cache.Has(TempCacheName("c1"), "http://origin/a") {
		t.Fatal("Temp cache left after failed commit")
	}
}

func TestIsRecordingOnlyWhileRecording(t *testing.T) {
	f := newFixture(t, Config{})
	if f.controller.IsRecording("c1") {
		t.Fatal("Idle client reported as recording")
	}
	if err := f.controller.Start("c1", "s1", 0); err != nil {
		t.Fatal(err)
	}
	if !f.controller.IsRecording("c1") {
		t.Fatal("Recording client not reported as recording")
	}
	f.record("c1", "http://origin/a", 200)
	f.sched.fire()
	// awaiting confirmation: requests flow through the normal routes again
	if f.controller.IsRecording("c1") {
		t.Fatal("Settled session still reported as recording")
	}
}

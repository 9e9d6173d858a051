package recording

import (
	"sync"
	"time"
)

type sessionState int

const (
	stateRecording sessionState = iota
	stateAwaitingConfirmation
)

func (s sessionState) String() string {
	switch s {
	case stateRecording:
		return "recording"
	case stateAwaitingConfirmation:
		return "awaiting-confirmation"
	}
	return "unknown"
}

// session is the per-client recording state.
// All fields below mu are guarded by it. Timer callbacks re-check timerEpoch
// under the lock before acting, so a timer cancelled concurrently with its
// own firing can never both cancel and execute.
type session struct {
	clientID    string
	sectionID   string
	settleDelay time.Duration
	deleteEpoch uint64

	mu           sync.Mutex
	state        sessionState
	pending      map[string]time.Time
	fulfilled    []string
	seen         map[string]struct{}
	buffered     int64
	timerEpoch   uint64
	settleTimer  Timer
	confirmTimer Timer
}

func newSession(clientID, sectionID string, settleDelay time.Duration, deleteEpoch uint64) *session {
	return &session{
		clientID:    clientID,
		sectionID:   sectionID,
		settleDelay: settleDelay,
		deleteEpoch: deleteEpoch,
		state:       stateRecording,
		pending:     make(map[string]time.Time),
		seen:        make(map[string]struct{}),
	}
}

// cancelTimersLocked invalidates any armed timer.
// Bumping the epoch makes a concurrently firing callback a no-op.
func (s *session) cancelTimersLocked() {
	s.timerEpoch++
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	if s.confirmTimer != nil {
		s.confirmTimer.Stop()
		s.confirmTimer = nil
	}
}

// resolveLocked moves an identity from pending to fulfilled.
func (s *session) resolveLocked(identity string) {
	delete(s.pending, identity)
	if _, ok := s.seen[identity]; !ok {
		s.seen[identity] = struct{}{}
		s.fulfilled = append(s.fulfilled, identity)
	}
}

package recording

import "errors"

var (
	// ErrInvalidSectionID is returned when a start or delete names no section.
	ErrInvalidSectionID = errors.New("recording: missing or empty section id")
	// ErrAlreadyRecording is returned when a client starts a second session.
	ErrAlreadyRecording = errors.New("recording: a recording is already in progress for this client")
	// ErrNotRecording is returned when a client without a session confirms completion.
	ErrNotRecording = errors.New("recording: no recording in progress for this client")
	// ErrNotAwaitingConfirmation is returned when a client confirms completion
	// before the session has settled.
	ErrNotAwaitingConfirmation = errors.New("recording: session is not awaiting confirmation")
	// ErrCommitFailed wraps failures while migrating a session to durable storage.
	// The session is discarded either way; a new start is required to try again.
	ErrCommitFailed = errors.New("recording: commit failed")
)

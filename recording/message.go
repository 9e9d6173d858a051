package recording

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire tags for the control message protocol.
const (
	TypeStartRecording             = "START_RECORDING"
	TypeCompleteRecording          = "COMPLETE_RECORDING"
	TypeDeleteRecordedSection      = "DELETE_RECORDED_SECTION"
	TypeSkipWaiting                = "SKIP_WAITING"
	TypeConfirmRecordingCompletion = "CONFIRM_RECORDING_COMPLETION"
	TypeRecordingError             = "RECORDING_ERROR"
)

// Message is a client-to-worker control message.
// The set of implementations is closed; DecodeMessage rejects unknown tags
// and EncodeMessage matches exhaustively.
type Message interface {
	isMessage()
}

// StartRecording opens a recording session for the sending client.
type StartRecording struct {
	SectionID string
	// SettleDelay overrides the default quiescence window when positive.
	SettleDelay time.Duration
}

// CompleteRecording confirms a settled session, triggering commit.
// It is the client half of the confirmation handshake.
type CompleteRecording struct{}

// DeleteSection removes a recorded section's durable cache and record.
type DeleteSection struct {
	SectionID string
}

// SkipWaiting is a lifecycle control message. It is acknowledged and logged
// but has no effect on recording state.
type SkipWaiting struct{}

func (StartRecording) isMessage()    {}
func (CompleteRecording) isMessage() {}
func (DeleteSection) isMessage()     {}
func (SkipWaiting) isMessage()       {}

type messageEnvelope struct {
	Type                    string `json:"type"`
	SectionID               string `json:"sectionId,omitempty"`
	RecordingTimeoutDelayMs int64  `json:"recordingTimeoutDelayMs,omitempty"`
}

// DecodeMessage parses a control message from its JSON wire form.
func DecodeMessage(b []byte) (Message, error) {
	var env messageEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("malformed control message: %w", err)
	}
	switch env.Type {
	case TypeStartRecording:
		return StartRecording{
			SectionID:   env.SectionID,
			SettleDelay: time.Duration(env.RecordingTimeoutDelayMs) * time.Millisecond,
		}, nil
	case TypeCompleteRecording:
		return CompleteRecording{}, nil
	case TypeDeleteRecordedSection:
		return DeleteSection{SectionID: env.SectionID}, nil
	case TypeSkipWaiting:
		return SkipWaiting{}, nil
	default:
		return nil, fmt.Errorf("unknown control message type %q", env.Type)
	}
}

// EncodeMessage renders a control message to its JSON wire form.
func EncodeMessage(m Message) ([]byte, error) {
	var env messageEnvelope
	switch msg := m.(type) {
	case StartRecording:
		env.Type = TypeStartRecording
		env.SectionID = msg.SectionID
		env.RecordingTimeoutDelayMs = msg.SettleDelay.Milliseconds()
	case CompleteRecording:
		env.Type = TypeCompleteRecording
	case DeleteSection:
		env.Type = TypeDeleteRecordedSection
		env.SectionID = msg.SectionID
	case SkipWaiting:
		env.Type = TypeSkipWaiting
	default:
		return nil, fmt.Errorf("unknown control message %T", m)
	}
	return json.Marshal(env)
}

// Event is a worker-to-client message.
type Event interface {
	isEvent()
}

// ConfirmRecordingCompletion asks the client to acknowledge that its settled
// session should be committed. The client answers with CompleteRecording
// within the confirmation window, or the session is abandoned.
type ConfirmRecordingCompletion struct {
	ClientID string `json:"clientId"`
}

// RecordingError informs the client that its session was aborted.
type RecordingError struct {
	ClientID string `json:"clientId"`
	Error    string `json:"error"`
}

func (ConfirmRecordingCompletion) isEvent() {}
func (RecordingError) isEvent()             {}

type eventEnvelope struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Error    string `json:"error,omitempty"`
}

// EncodeEvent renders a worker-to-client event to its JSON wire form.
func EncodeEvent(ev Event) ([]byte, error) {
	var env eventEnvelope
	switch e := ev.(type) {
	case ConfirmRecordingCompletion:
		env.Type = TypeConfirmRecordingCompletion
		env.ClientID = e.ClientID
	case RecordingError:
		env.Type = TypeRecordingError
		env.ClientID = e.ClientID
		env.Error = e.Error
	default:
		return nil, fmt.Errorf("unknown event %T", ev)
	}
	return json.Marshal(env)
}

// Package audio defines the frame type and the narrow interfaces through which
// meetcap receives raw meeting audio.
//
// The capture core never talks to a meeting SDK directly. Instead a platform
// adapter (e.g. audio/discord) implements:
//
//   - [Provider]: starts and stops delivery of raw frames to a [Handler].
//   - [PermissionAuthority]: asks the meeting for recording rights and toggles
//     raw recording.
//   - [Directory]: resolves participant ids to display names.
//
// [Handler] is the receiving side with exactly the four entry points the
// capture pipeline needs. Providers may call it from any goroutine but must
// not call it concurrently for the same meeting.
//
// This package lives under pkg/ because third-party platform adapters are
// expected to implement these interfaces.
package audio

import "errors"

// Sentinel errors shared by platform adapters. Callers match them with
// [errors.Is].
var (
	// ErrUnavailable means the platform service backing the call is missing
	// (no raw-data helper, no recording controller, no connection).
	ErrUnavailable = errors.New("audio: provider unavailable")

	// ErrNoPermission means the meeting has not granted raw-data access.
	ErrNoPermission = errors.New("audio: recording permission not granted")

	// ErrWrongState means the call is not valid in the provider's current
	// lifecycle state (e.g. Subscribe while already subscribed).
	ErrWrongState = errors.New("audio: provider in wrong state")
)

// Handler receives raw audio frames from a [Provider].
//
// Implementations must return quickly: the provider's delivery goroutine is
// often the platform's real-time audio thread.
type Handler interface {
	// OnMixedFrame delivers a frame of the meeting-wide mix.
	OnMixedFrame(f Frame)

	// OnParticipantFrame delivers a frame of one participant's own audio.
	OnParticipantFrame(f Frame, participantID uint32)

	// OnShareFrame delivers a frame of the audio attached to a participant's
	// screen share.
	OnShareFrame(f Frame, participantID uint32)

	// OnInterpreterFrame delivers a frame of a simultaneous-interpretation
	// channel identified by its language tag.
	OnInterpreterFrame(f Frame, language string)
}

// Provider starts and stops raw frame delivery.
type Provider interface {
	// Subscribe begins delivering frames to h. withInterpreters additionally
	// requests interpretation channels where the platform supports them.
	// Returns ErrUnavailable, ErrNoPermission or ErrWrongState (possibly
	// wrapped) when delivery cannot start.
	Subscribe(h Handler, withInterpreters bool) error

	// Unsubscribe stops delivery. After it returns no further callbacks are
	// made. Calling it while not subscribed returns nil.
	Unsubscribe() error
}

// PermissionAuthority controls recording rights within the meeting.
type PermissionAuthority interface {
	// RequestRecordingPermission sends a recording-permission request to the
	// meeting host. A nil error means the request was sent, not that it was
	// granted.
	RequestRecordingPermission() error

	// StartRawRecording starts raw recording once permission is held.
	StartRawRecording() error

	// StopRawRecording stops raw recording and releases the grant.
	StopRawRecording() error
}

// Directory resolves participant ids to display names.
type Directory interface {
	// ParticipantName returns the display name for id and whether it is known.
	ParticipantName(id uint32) (string, bool)
}

// HandlerFuncs adapts plain functions to the [Handler] interface. Nil fields
// discard the corresponding frames.
type HandlerFuncs struct {
	Mixed       func(f Frame)
	Participant func(f Frame, participantID uint32)
	Share       func(f Frame, participantID uint32)
	Interpreter func(f Frame, language string)
}

var _ Handler = HandlerFuncs{}

// OnMixedFrame implements [Handler].
func (h HandlerFuncs) OnMixedFrame(f Frame) {
	if h.Mixed != nil {
		h.Mixed(f)
	}
}

// OnParticipantFrame implements [Handler].
func (h HandlerFuncs) OnParticipantFrame(f Frame, participantID uint32) {
	if h.Participant != nil {
		h.Participant(f, participantID)
	}
}

// OnShareFrame implements [Handler].
func (h HandlerFuncs) OnShareFrame(f Frame, participantID uint32) {
	if h.Share != nil {
		h.Share(f, participantID)
	}
}

// OnInterpreterFrame implements [Handler].
func (h HandlerFuncs) OnInterpreterFrame(f Frame, language string) {
	if h.Interpreter != nil {
		h.Interpreter(f, language)
	}
}

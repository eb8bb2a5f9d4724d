package audio

import (
	"errors"
	"fmt"
	"time"
)

// BitDepth is the sample width, in bits, of every [Frame] handled by meetcap.
// Sources deliver signed 16-bit little-endian PCM.
const BitDepth = 16

// BytesPerSample is the width of a single sample for one channel.
const BytesPerSample = BitDepth / 8

// Kind classifies the logical source of a [Frame].
type Kind int

const (
	// KindMixed is the meeting-wide mixed bus.
	KindMixed Kind = iota

	// KindParticipant is the isolated audio of a single participant.
	KindParticipant

	// KindShare is the audio track attached to a participant's screen share.
	KindShare

	// KindInterpreter is a simultaneous-interpretation language channel.
	KindInterpreter
)

// String returns the lowercase name of the kind as used in file names,
// manifests and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindMixed:
		return "mixed"
	case KindParticipant:
		return "participant"
	case KindShare:
		return "share"
	case KindInterpreter:
		return "interpreter"
	default:
		return "unknown"
	}
}

// Errors returned by [Frame.Validate].
var (
	ErrEmptyFrame      = errors.New("audio: empty frame")
	ErrBadSampleRate   = errors.New("audio: sample rate must be positive")
	ErrBadChannelCount = errors.New("audio: channel count must be 1 or 2")
	ErrMisaligned      = errors.New("audio: payload is not a whole number of sample frames")
)

// Frame is one delivery of raw PCM audio for a single logical source.
//
// Frames are values: a source may reuse its buffer after the callback
// returns, so anything that outlives the callback must copy Data.
type Frame struct {
	// Data holds interleaved signed 16-bit little-endian samples.
	Data []byte

	// SampleRate in Hz (e.g. 32000 for meeting SDKs, 48000 for Discord).
	SampleRate uint32

	// Channels is 1 for mono or 2 for stereo.
	Channels uint16
}

// Validate reports whether f can be written and streamed. The returned error
// wraps one of the sentinel errors above.
func (f Frame) Validate() error {
	if len(f.Data) == 0 {
		return ErrEmptyFrame
	}
	if f.SampleRate == 0 {
		return ErrBadSampleRate
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: got %d", ErrBadChannelCount, f.Channels)
	}
	if align := int(f.Channels) * BytesPerSample; len(f.Data)%align != 0 {
		return fmt.Errorf("%w: %d bytes, block align %d", ErrMisaligned, len(f.Data), align)
	}
	return nil
}

// Duration returns the playback length of the frame. Invalid frames report 0.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 || f.Channels == 0 {
		return 0
	}
	samples := len(f.Data) / (int(f.Channels) * BytesPerSample)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Clone returns a copy of f whose Data does not alias the original buffer.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data
	return f
}

package capture

import (
	"strconv"
	"strings"

	"github.com/MrWong99/meetcap/pkg/audio"
	"github.com/MrWong99/meetcap/pkg/audio/wav"
)

// RawExt is the extension of raw PCM files in a session directory.
const RawExt = ".pcm"

// Stream labels for entities without a participant name.
const (
	MixedStreamName   = "Mixed_Audio"
	unknownLanguage   = "unknown"
	participantPrefix = "User_"
)

// Key identifies an entity within a session. Each kind has its own
// namespace, so the share source of participant P never collides with the
// participant P itself. Interpreter channels are keyed by language and are
// not represented by a Key.
type Key struct {
	Kind audio.Kind
	ID   uint32
}

// MixedKey is the key of the mixed bus.
func MixedKey() Key { return Key{Kind: audio.KindMixed} }

// ParticipantKey is the key of a participant's own audio.
func ParticipantKey(id uint32) Key { return Key{Kind: audio.KindParticipant, ID: id} }

// ShareKey is the key of a participant's screen-share audio.
func ShareKey(id uint32) Key { return Key{Kind: audio.KindShare, ID: id} }

// Sanitize replaces every character outside [A-Za-z0-9_-] with an
// underscore, so untrusted display names and language tags can be used in
// file names.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func formatOf(f audio.Frame) wav.Format {
	return wav.Format{SampleRate: f.SampleRate, Channels: f.Channels, BitsPerSample: audio.BitDepth}
}

func withSuffix(prefix string, f wav.Format) string {
	return prefix + "_" + f.Suffix() + RawExt
}

// MixedFileName returns "mixed_<rate>Hz_<ch>ch.pcm".
func MixedFileName(f wav.Format) string {
	return withSuffix("mixed", f)
}

// ParticipantFileName returns "user_<id>[_<name>]_<rate>Hz_<ch>ch.pcm".
func ParticipantFileName(id uint32, name string, f wav.Format) string {
	prefix := "user_" + strconv.FormatUint(uint64(id), 10)
	if name != "" {
		prefix += "_" + Sanitize(name)
	}
	return withSuffix(prefix, f)
}

// ShareFileName returns "share_user_<id>_<rate>Hz_<ch>ch.pcm".
func ShareFileName(id uint32, f wav.Format) string {
	return withSuffix("share_user_"+strconv.FormatUint(uint64(id), 10), f)
}

// InterpreterFileName returns "interpreter_<lang>_<rate>Hz_<ch>ch.pcm".
func InterpreterFileName(lang string, f wav.Format) string {
	return withSuffix("interpreter_"+InterpreterLanguage(lang), f)
}

// InterpreterLanguage returns the sanitised language tag, or "unknown".
func InterpreterLanguage(lang string) string {
	if lang == "" {
		return unknownLanguage
	}
	return Sanitize(lang)
}

// ParticipantStreamName is the display name, or "User_<id>" when unknown.
func ParticipantStreamName(id uint32, name string) string {
	if name != "" {
		return name
	}
	return participantPrefix + strconv.FormatUint(uint64(id), 10)
}

// ShareStreamName returns "Share_<name>", or "Share_<id>" when unknown.
func ShareStreamName(id uint32, name string) string {
	if name != "" {
		return "Share_" + name
	}
	return "Share_" + strconv.FormatUint(uint64(id), 10)
}

// InterpreterStreamName returns "Interpreter_<lang>".
func InterpreterStreamName(lang string) string {
	return "Interpreter_" + InterpreterLanguage(lang)
}

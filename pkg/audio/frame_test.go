package audio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/meetcap/pkg/audio"
)

func TestFrameValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		frame   audio.Frame
		wantErr error
	}{
		{"valid stereo", audio.Frame{Data: make([]byte, 8), SampleRate: 48000, Channels: 2}, nil},
		{"valid mono", audio.Frame{Data: make([]byte, 2), SampleRate: 16000, Channels: 1}, nil},
		{"empty", audio.Frame{SampleRate: 48000, Channels: 2}, audio.ErrEmptyFrame},
		{"zero rate", audio.Frame{Data: make([]byte, 4), Channels: 2}, audio.ErrBadSampleRate},
		{"three channels", audio.Frame{Data: make([]byte, 6), SampleRate: 48000, Channels: 3}, audio.ErrBadChannelCount},
		{"zero channels", audio.Frame{Data: make([]byte, 4), SampleRate: 48000}, audio.ErrBadChannelCount},
		{"misaligned stereo", audio.Frame{Data: make([]byte, 6), SampleRate: 48000, Channels: 2}, audio.ErrMisaligned},
		{"odd mono", audio.Frame{Data: make([]byte, 3), SampleRate: 48000, Channels: 1}, audio.ErrMisaligned},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.frame.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestFrameDuration(t *testing.T) {
	t.Parallel()

	// 20 ms of 48 kHz stereo = 960 samples * 2 channels * 2 bytes.
	f := audio.Frame{Data: make([]byte, 3840), SampleRate: 48000, Channels: 2}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Errorf("Duration() = %v, want 20ms", got)
	}
	if got := (audio.Frame{}).Duration(); got != 0 {
		t.Errorf("zero frame Duration() = %v, want 0", got)
	}
}

func TestFrameClone(t *testing.T) {
	t.Parallel()

	orig := audio.Frame{Data: []byte{1, 2, 3, 4}, SampleRate: 8000, Channels: 1}
	c := orig.Clone()
	orig.Data[0] = 99
	if c.Data[0] != 1 {
		t.Errorf("clone aliases the original buffer")
	}
	if c.SampleRate != 8000 || c.Channels != 1 {
		t.Errorf("clone lost format: %+v", c)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	for k, want := range map[audio.Kind]string{
		audio.KindMixed:       "mixed",
		audio.KindParticipant: "participant",
		audio.KindShare:       "share",
		audio.KindInterpreter: "interpreter",
		audio.Kind(42):        "unknown",
	} {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(k), got, want)
		}
	}
}

func TestMixInto(t *testing.T) {
	t.Parallel()

	dst := audio.Int16sToBytes([]int16{100, -100, 30000, -30000})
	src := audio.Int16sToBytes([]int16{50, -50, 10000, -10000})
	audio.MixInto(dst, src)

	got := audio.BytesToInt16s(dst)
	want := []int16{150, -150, 32767, -32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMixInto_ShorterSource(t *testing.T) {
	t.Parallel()

	dst := audio.Int16sToBytes([]int16{1, 2, 3})
	audio.MixInto(dst, audio.Int16sToBytes([]int16{10}))
	got := audio.BytesToInt16s(dst)
	if got[0] != 11 || got[1] != 2 || got[2] != 3 {
		t.Errorf("MixInto with short src = %v, want [11 2 3]", got)
	}
}

func TestHandlerFuncs_NilFieldsAreSafe(t *testing.T) {
	t.Parallel()

	var h audio.HandlerFuncs
	f := audio.Frame{Data: []byte{0, 0}, SampleRate: 8000, Channels: 1}
	h.OnMixedFrame(f)
	h.OnParticipantFrame(f, 1)
	h.OnShareFrame(f, 1)
	h.OnInterpreterFrame(f, "de")

	var got uint32
	h.Participant = func(_ audio.Frame, id uint32) { got = id }
	h.OnParticipantFrame(f, 7)
	if got != 7 {
		t.Errorf("participant callback got id %d, want 7", got)
	}
}

package wav

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// Format describes the PCM layout of a raw recording.
type Format struct {
	SampleRate    uint32 `yaml:"sample_rate"`
	Channels      uint16 `yaml:"channels"`
	BitsPerSample uint16 `yaml:"bits_per_sample"`
}

// DefaultFormat is assumed for raw files whose format is recorded nowhere.
var DefaultFormat = Format{SampleRate: 48000, Channels: 2, BitsPerSample: audio.BitDepth}

// Validate reports whether f describes a PCM stream this package can wrap.
func (f Format) Validate() error {
	if f.SampleRate == 0 {
		return fmt.Errorf("%w: sample rate must be positive", ErrInvalidFormat)
	}
	if f.Channels == 0 {
		return fmt.Errorf("%w: channel count must be positive", ErrInvalidFormat)
	}
	if f.BitsPerSample == 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("%w: bits per sample %d", ErrInvalidFormat, f.BitsPerSample)
	}
	return nil
}

func (f Format) withDefaults() Format {
	if f.BitsPerSample == 0 {
		f.BitsPerSample = audio.BitDepth
	}
	return f
}

// Suffix returns the "<rate>Hz_<ch>ch" token used in raw file names.
func (f Format) Suffix() string {
	return strconv.FormatUint(uint64(f.SampleRate), 10) + "Hz_" +
		strconv.FormatUint(uint64(f.Channels), 10) + "ch"
}

var formatPattern = regexp.MustCompile(`(\d+)Hz_(\d+)ch`)

// ParseFormat extracts the sample rate and channel count from a file name
// following the "<rate>Hz_<ch>ch" convention. The last match wins, so a
// display name that happens to contain the pattern does not shadow the real
// suffix. ok is false when no plausible format is found.
func ParseFormat(name string) (f Format, ok bool) {
	matches := formatPattern.FindAllStringSubmatch(name, -1)
	if len(matches) == 0 {
		return Format{}, false
	}
	m := matches[len(matches)-1]
	rate, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil || rate == 0 {
		return Format{}, false
	}
	ch, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil || ch == 0 {
		return Format{}, false
	}
	return Format{SampleRate: uint32(rate), Channels: uint16(ch), BitsPerSample: audio.BitDepth}, true
}

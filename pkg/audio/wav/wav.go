// Package wav converts raw PCM recordings into RIFF/WAVE files.
//
// A converted file is the canonical 44-byte PCM header followed by the raw
// payload copied verbatim, so stripping [HeaderSize] bytes from the output
// yields the input again. Conversion writes into a temporary file next to the
// destination and renames it into place, which means a reader never observes
// a partially written .wav under its final name.
//
// [ConvertDir] converts a whole session directory, taking each file's format
// from the sidecar [Manifest] when present and falling back to the
// "<rate>Hz_<ch>ch" file name convention.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// HeaderSize is the size in bytes of the canonical PCM WAV header.
const HeaderSize = 44

const pcmFormatTag = 1

// Errors returned by this package.
var (
	ErrEmptySource   = errors.New("wav: source is empty")
	ErrInvalidFormat = errors.New("wav: invalid format")
	ErrTooLarge      = errors.New("wav: payload exceeds 4 GiB")
	ErrBadHeader     = errors.New("wav: not a canonical PCM header")
)

// Header is the content of a canonical 44-byte PCM WAV header.
type Header struct {
	Format

	// DataSize is the payload length in bytes.
	DataSize uint32
}

// ByteRate returns SampleRate × Channels × bytes per sample.
func (h Header) ByteRate() uint32 {
	return h.SampleRate * uint32(h.Channels) * uint32(h.BitsPerSample/8)
}

// BlockAlign returns Channels × bytes per sample.
func (h Header) BlockAlign() uint16 {
	return h.Channels * (h.BitsPerSample / 8)
}

// MarshalBinary encodes h as a 44-byte little-endian header.
func (h Header) MarshalBinary() ([]byte, error) {
	if err := h.Format.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+h.DataSize)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], pcmFormatTag)
	binary.LittleEndian.PutUint16(buf[22:24], h.Channels)
	binary.LittleEndian.PutUint32(buf[24:28], h.SampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], h.ByteRate())
	binary.LittleEndian.PutUint16(buf[32:34], h.BlockAlign())
	binary.LittleEndian.PutUint16(buf[34:36], h.BitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], h.DataSize)
	return buf, nil
}

// ReadHeader reads and decodes a canonical 44-byte PCM header from r.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("wav: read header: %w", err)
	}
	if !bytes.Equal(buf[0:4], []byte("RIFF")) ||
		!bytes.Equal(buf[8:12], []byte("WAVE")) ||
		!bytes.Equal(buf[12:16], []byte("fmt ")) ||
		!bytes.Equal(buf[36:40], []byte("data")) {
		return Header{}, ErrBadHeader
	}
	if tag := binary.LittleEndian.Uint16(buf[20:22]); tag != pcmFormatTag {
		return Header{}, fmt.Errorf("%w: format tag %d", ErrBadHeader, tag)
	}
	h := Header{
		Format: Format{
			SampleRate:    binary.LittleEndian.Uint32(buf[24:28]),
			Channels:      binary.LittleEndian.Uint16(buf[22:24]),
			BitsPerSample: binary.LittleEndian.Uint16(buf[34:36]),
		},
		DataSize: binary.LittleEndian.Uint32(buf[40:44]),
	}
	return h, nil
}

// Convert writes wavPath as a WAV file containing the raw PCM in rawPath
// described by f. It fails with [ErrEmptySource] when rawPath is empty and
// leaves no file under wavPath on any failure.
func Convert(rawPath, wavPath string, f Format) (err error) {
	f = f.withDefaults()
	if err := f.Validate(); err != nil {
		return err
	}

	src, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("wav: open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("wav: stat source: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return fmt.Errorf("%w: %s", ErrEmptySource, rawPath)
	}
	if size > math.MaxUint32-36 {
		return fmt.Errorf("%w: %s", ErrTooLarge, rawPath)
	}

	hdr, err := Header{Format: f, DataSize: uint32(size)}.MarshalBinary()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(wavPath), "."+filepath.Base(wavPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("wav: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(hdr); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	n, err := io.Copy(tmp, io.LimitReader(src, size))
	if err != nil {
		return fmt.Errorf("wav: copy payload: %w", err)
	}
	if n != size {
		err = fmt.Errorf("wav: copy payload: %w (%d of %d bytes)", io.ErrUnexpectedEOF, n, size)
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("wav: sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("wav: close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), wavPath); err != nil {
		return fmt.Errorf("wav: rename into place: %w", err)
	}
	return nil
}

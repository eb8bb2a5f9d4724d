package tcp

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/meetcap/pkg/stream"
)

// Size limits enforced by [ReadFrame] and [AppendFrame].
const (
	MaxHeaderSize  = 64 << 10
	MaxPayloadSize = 16 << 20
)

// Wire constants carried in every frame header.
const (
	HeaderType   = "audio_header"
	SampleFormat = "pcm_s16le"
)

// Errors returned by the frame codec.
var (
	ErrFrameTooLarge = errors.New("tcp: frame exceeds size limit")
	ErrBadHeader     = errors.New("tcp: malformed frame header")
)

// Header is the JSON metadata that precedes every PCM payload.
type Header struct {
	Type       string `json:"type"`
	UserID     uint32 `json:"user_id"`
	UserName   string `json:"user_name"`
	SampleRate uint32 `json:"sample_rate"`
	Channels   uint16 `json:"channels"`
	Format     string `json:"format"`

	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

func headerFor(c stream.Chunk) Header {
	ts := c.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Header{
		Type:       HeaderType,
		UserID:     c.UserID,
		UserName:   c.UserName,
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Format:     SampleFormat,
		Timestamp:  ts.UnixMilli(),
	}
}

// AppendFrame appends the wire encoding of c to dst:
//
//	[uint32 BE header length][JSON header][uint32 BE payload length][PCM]
func AppendFrame(dst []byte, c stream.Chunk) ([]byte, error) {
	if len(c.Data) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: payload %d bytes", ErrFrameTooLarge, len(c.Data))
	}
	hdr, err := json.Marshal(headerFor(c))
	if err != nil {
		return dst, fmt.Errorf("tcp: encode header: %w", err)
	}
	if len(hdr) > MaxHeaderSize {
		return dst, fmt.Errorf("%w: header %d bytes", ErrFrameTooLarge, len(hdr))
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(len(hdr)))
	dst = append(dst, hdr...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(c.Data)))
	dst = append(dst, c.Data...)
	return dst, nil
}

// WriteFrame encodes c and writes it to w with a single Write call.
func WriteFrame(w io.Writer, c stream.Chunk) error {
	buf, err := AppendFrame(make([]byte, 0, 8+256+len(c.Data)), c)
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("tcp: write frame: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("tcp: write frame: %w", io.ErrShortWrite)
	}
	return nil
}

// ReadFrame reads one frame from r. It returns io.EOF only when r is
// exhausted exactly on a frame boundary; a frame cut short yields
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	hdrLen, err := readLength(r, true)
	if err != nil {
		return Header{}, nil, err
	}
	if hdrLen == 0 || hdrLen > MaxHeaderSize {
		return Header{}, nil, fmt.Errorf("%w: header %d bytes", ErrFrameTooLarge, hdrLen)
	}
	raw := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("tcp: read header: %w", unexpected(err))
	}

	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if h.Type != HeaderType {
		return Header{}, nil, fmt.Errorf("%w: type %q", ErrBadHeader, h.Type)
	}

	n, err := readLength(r, false)
	if err != nil {
		return Header{}, nil, err
	}
	if n > MaxPayloadSize {
		return Header{}, nil, fmt.Errorf("%w: payload %d bytes", ErrFrameTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Header{}, nil, fmt.Errorf("tcp: read payload: %w", unexpected(err))
	}
	return h, data, nil
}

// Chunk converts a decoded frame back into a stream chunk.
func (h Header) Chunk(data []byte) stream.Chunk {
	return stream.Chunk{
		UserID:     h.UserID,
		UserName:   h.UserName,
		Data:       data,
		SampleRate: h.SampleRate,
		Channels:   h.Channels,
		Timestamp:  time.UnixMilli(h.Timestamp),
	}
}

func readLength(r io.Reader, atBoundary bool) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if atBoundary && errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("tcp: read length: %w", unexpected(err))
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

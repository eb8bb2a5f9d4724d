package discord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// connection is one joined voice channel with its receive and mix loops.
type connection struct {
	vc  *discordgo.VoiceConnection
	src *Source

	done chan struct{}
	wg   sync.WaitGroup

	mixMu   sync.Mutex
	pending map[uint32][]byte
}

const (
	// mixFrameBytes is one 20 ms stereo frame of 16-bit PCM.
	mixFrameBytes = opusFrameSize * opusChannels * audio.BytesPerSample

	// maxPendingBytes bounds the per-speaker backlog of the mixed bus.
	maxPendingBytes = 25 * mixFrameBytes
)

// connectLocked joins the channel and starts the loops. s.mu must be held.
func (s *Source) connectLocked() error {
	vc, err := s.joinVC()
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w: %w", s.channelID, audio.ErrUnavailable, err)
	}
	vc.AddHandler(s.handleSpeakingUpdate)

	c := &connection{vc: vc, src: s, done: make(chan struct{})}
	c.wg.Add(2)
	go c.recvLoop()
	go c.mixLoop(s.mixInterval)
	s.conn = c
	slog.Info("discord: joined voice channel", "guild_id", s.guildID, "channel_id", s.channelID)
	return nil
}

// disconnectLocked stops the loops and leaves the channel. s.mu must be held.
func (s *Source) disconnectLocked() error {
	c := s.conn
	s.conn = nil
	close(c.done)
	c.wg.Wait()

	s.ssrcMu.Lock()
	clear(s.ssrcUser)
	s.ssrcMu.Unlock()

	if err := s.disconnectVC(c.vc); err != nil {
		return fmt.Errorf("discord: leave voice channel: %w", err)
	}
	slog.Info("discord: left voice channel", "guild_id", s.guildID, "channel_id", s.channelID)
	return nil
}

// recvLoop decodes Opus packets per SSRC and delivers them as participant
// frames.
func (c *connection) recvLoop() {
	defer c.wg.Done()
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				if dec, err = newOpusDecoder(); err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}

			f := audio.Frame{Data: pcm, SampleRate: opusSampleRate, Channels: opusChannels}
			ssrc := pkt.SSRC
			c.src.deliver(func(h audio.Handler) { h.OnParticipantFrame(f, ssrc) })
			c.addToMix(ssrc, pcm)
		}
	}
}

// addToMix queues pcm behind earlier audio of the same speaker. When the
// backlog exceeds maxPendingBytes the oldest audio is discarded.
func (c *connection) addToMix(ssrc uint32, pcm []byte) {
	c.mixMu.Lock()
	defer c.mixMu.Unlock()
	if c.pending == nil {
		c.pending = make(map[uint32][]byte)
	}
	buf := append(c.pending[ssrc], pcm...)
	if over := len(buf) - maxPendingBytes; over > 0 {
		over += (mixFrameBytes - over%mixFrameBytes) % mixFrameBytes
		slog.Debug("discord: mixed bus backlog trimmed", "ssrc", ssrc, "bytes", over)
		buf = buf[over:]
	}
	c.pending[ssrc] = buf
}

// takeMix sums at most one frame of every speaker's backlog into a new
// mixed frame and keeps the rest for the next call. It returns nil when
// nobody spoke.
func (c *connection) takeMix() []byte {
	c.mixMu.Lock()
	defer c.mixMu.Unlock()

	var out []byte
	for ssrc, buf := range c.pending {
		n := min(len(buf), mixFrameBytes)
		if n > len(out) {
			out = append(out, make([]byte, n-len(out))...)
		}
		audio.MixInto(out, buf[:n])
		if n == len(buf) {
			delete(c.pending, ssrc)
		} else {
			c.pending[ssrc] = buf[n:]
		}
	}
	return out
}

// mixLoop flushes the mixed bus every interval.
func (c *connection) mixLoop(interval time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			data := c.takeMix()
			if data == nil {
				continue
			}
			f := audio.Frame{Data: data, SampleRate: opusSampleRate, Channels: opusChannels}
			c.src.deliver(func(h audio.Handler) { h.OnMixedFrame(f) })
		}
	}
}

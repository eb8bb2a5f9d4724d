// Package discord adapts a Discord voice channel to the meetcap audio
// interfaces via the bwmarrin/discordgo library.
//
// A [Source] joins one voice channel of one guild, decodes every speaker's
// Opus stream to 48 kHz stereo PCM and delivers it as participant frames
// keyed by the speaker's SSRC. A software mix of all speakers is delivered
// as the mixed bus every 20 ms. Discord has neither screen-share audio nor
// interpretation channels, so OnShareFrame and OnInterpreterFrame are never
// called.
//
// The session (*discordgo.Session) is owned by the caller and must be open
// before recording starts.
package discord

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Provider            = (*Source)(nil)
	_ audio.PermissionAuthority = (*Source)(nil)
	_ audio.Directory           = (*Source)(nil)
)

const defaultMixInterval = opusFrameSizeMs * time.Millisecond

// Option configures a [Source].
type Option func(*Source)

// WithMixInterval sets how often the mixed bus is flushed. Default: 20 ms.
func WithMixInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.mixInterval = d
		}
	}
}

// Source implements [audio.Provider], [audio.PermissionAuthority] and
// [audio.Directory] for a single Discord voice channel.
//
// Source is safe for concurrent use.
type Source struct {
	session     *discordgo.Session
	guildID     string
	channelID   string
	mixInterval time.Duration

	// Overridden in tests.
	joinVC       func() (*discordgo.VoiceConnection, error)
	disconnectVC func(*discordgo.VoiceConnection) error
	permissions  func() (int64, error)
	memberName   func(userID string) (string, bool)

	mu        sync.Mutex
	conn      *connection
	recording bool // joined through StartRawRecording
	lazy      bool // joined through Subscribe

	// deliverMu is held for reading around every handler callback, so
	// Unsubscribe returns only after in-flight callbacks have finished.
	deliverMu sync.RWMutex
	handler   audio.Handler

	ssrcMu   sync.RWMutex
	ssrcUser map[uint32]string
}

// New creates a Source for channelID in guildID. The bot listens muted.
func New(session *discordgo.Session, guildID, channelID string, opts ...Option) *Source {
	s := &Source{
		session:     session,
		guildID:     guildID,
		channelID:   channelID,
		mixInterval: defaultMixInterval,
		ssrcUser:    make(map[uint32]string),
	}
	s.joinVC = func() (*discordgo.VoiceConnection, error) {
		return s.session.ChannelVoiceJoin(s.guildID, s.channelID, true, false)
	}
	s.disconnectVC = func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() }
	s.permissions = s.statePermissions
	s.memberName = s.stateMemberName
	for _, o := range opts {
		o(s)
	}
	return s
}

// ─── PermissionAuthority ─────────────────────────────────────────────────────

// RequestRecordingPermission checks that the bot may connect to the voice
// channel. Discord has no host approval step; the guild's permission
// overwrites are the grant.
func (s *Source) RequestRecordingPermission() error {
	perms, err := s.permissions()
	if err != nil {
		return fmt.Errorf("discord: channel permissions: %w: %w", audio.ErrUnavailable, err)
	}
	if perms&discordgo.PermissionVoiceConnect == 0 {
		return fmt.Errorf("discord: connect to channel %s: %w", s.channelID, audio.ErrNoPermission)
	}
	return nil
}

// StartRawRecording joins the voice channel. It is a no-op while already
// joined.
func (s *Source) StartRawRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		if err := s.connectLocked(); err != nil {
			return err
		}
	}
	s.recording = true
	return nil
}

// StopRawRecording leaves the voice channel.
func (s *Source) StopRawRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("discord: stop recording: %w", audio.ErrWrongState)
	}
	s.recording = false
	s.lazy = false
	return s.disconnectLocked()
}

// ─── Provider ────────────────────────────────────────────────────────────────

// Subscribe starts delivering frames to h, joining the channel first if
// recording has not been started.
func (s *Source) Subscribe(h audio.Handler, withInterpreters bool) error {
	s.deliverMu.Lock()
	busy := s.handler != nil
	s.deliverMu.Unlock()
	if busy {
		return fmt.Errorf("discord: subscribe: %w", audio.ErrWrongState)
	}
	if withInterpreters {
		slog.Debug("discord: interpreter channels are not supported, ignoring")
	}

	s.mu.Lock()
	if s.conn == nil {
		if err := s.connectLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		s.lazy = true
	}
	s.mu.Unlock()

	s.deliverMu.Lock()
	s.handler = h
	s.deliverMu.Unlock()
	return nil
}

// Unsubscribe stops delivery. A channel joined by Subscribe is left again.
func (s *Source) Unsubscribe() error {
	s.deliverMu.Lock()
	s.handler = nil
	s.deliverMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.lazy && !s.recording {
		s.lazy = false
		return s.disconnectLocked()
	}
	return nil
}

// deliver calls fn with the current handler, if any.
func (s *Source) deliver(fn func(audio.Handler)) {
	s.deliverMu.RLock()
	defer s.deliverMu.RUnlock()
	if s.handler != nil {
		fn(s.handler)
	}
}

// Connected reports whether the source is joined to the voice channel.
func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// ─── Directory ───────────────────────────────────────────────────────────────

// ParticipantName resolves an SSRC to the speaker's guild display name. The
// SSRC is known once Discord has announced the speaker.
func (s *Source) ParticipantName(ssrc uint32) (string, bool) {
	userID, ok := s.UserID(ssrc)
	if !ok {
		return "", false
	}
	return s.memberName(userID)
}

// UserID returns the Discord user id announced for ssrc.
func (s *Source) UserID(ssrc uint32) (string, bool) {
	s.ssrcMu.RLock()
	defer s.ssrcMu.RUnlock()
	id, ok := s.ssrcUser[ssrc]
	return id, ok
}

func (s *Source) handleSpeakingUpdate(_ *discordgo.VoiceConnection, u *discordgo.VoiceSpeakingUpdate) {
	if u == nil || u.UserID == "" {
		return
	}
	s.ssrcMu.Lock()
	s.ssrcUser[uint32(u.SSRC)] = u.UserID
	s.ssrcMu.Unlock()
	slog.Debug("discord: speaker announced", "user_id", u.UserID, "ssrc", u.SSRC)
}

func (s *Source) statePermissions() (int64, error) {
	st := s.session.State
	if st == nil || st.User == nil {
		return 0, errors.New("discord: session state not ready")
	}
	return st.UserChannelPermissions(st.User.ID, s.channelID)
}

func (s *Source) stateMemberName(userID string) (string, bool) {
	if s.session == nil || s.session.State == nil {
		return "", false
	}
	m, err := s.session.State.Member(s.guildID, userID)
	if err != nil {
		return "", false
	}
	name := displayName(m)
	return name, name != ""
}

// displayName prefers the guild nickname, then the global display name,
// then the username.
func displayName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

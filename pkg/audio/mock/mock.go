// Package mock provides in-memory implementations of the [audio.Provider],
// [audio.PermissionAuthority] and [audio.Directory] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	p := &mock.Provider{}
//	c, _ := capture.New(p, capture.WithRecordingsDir(t.TempDir()))
//	c.Subscribe(false)
//	p.EmitParticipant(audio.Frame{...}, 42)
package mock

import (
	"sync"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// ─── Provider ────────────────────────────────────────────────────────────────

// SubscribeCall records the arguments of a single [Provider.Subscribe] call.
type SubscribeCall struct {
	Handler          audio.Handler
	WithInterpreters bool
}

// Provider is a mock implementation of [audio.Provider].
// Set the exported error fields before use; inspect the Call* fields after.
type Provider struct {
	mu sync.Mutex

	// SubscribeError is returned by [Provider.Subscribe]. When nil the
	// handler is stored and the Emit* helpers deliver to it.
	SubscribeError error

	// UnsubscribeError is returned by [Provider.Unsubscribe].
	UnsubscribeError error

	// SubscribeCalls records every Subscribe invocation.
	SubscribeCalls []SubscribeCall

	// CallCountUnsubscribe records how many times Unsubscribe was called.
	CallCountUnsubscribe int

	handler audio.Handler
}

// Subscribe implements [audio.Provider].
func (p *Provider) Subscribe(h audio.Handler, withInterpreters bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SubscribeCalls = append(p.SubscribeCalls, SubscribeCall{Handler: h, WithInterpreters: withInterpreters})
	if p.SubscribeError != nil {
		return p.SubscribeError
	}
	p.handler = h
	return nil
}

// Unsubscribe implements [audio.Provider]. The stored handler is cleared so
// that later Emit* calls are no-ops.
func (p *Provider) Unsubscribe() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountUnsubscribe++
	p.handler = nil
	return p.UnsubscribeError
}

// Subscribed reports whether a handler is currently registered.
func (p *Provider) Subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

func (p *Provider) current() audio.Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// EmitMixed delivers f to the subscribed handler's OnMixedFrame.
func (p *Provider) EmitMixed(f audio.Frame) {
	if h := p.current(); h != nil {
		h.OnMixedFrame(f)
	}
}

// EmitParticipant delivers f to the subscribed handler's OnParticipantFrame.
func (p *Provider) EmitParticipant(f audio.Frame, id uint32) {
	if h := p.current(); h != nil {
		h.OnParticipantFrame(f, id)
	}
}

// EmitShare delivers f to the subscribed handler's OnShareFrame.
func (p *Provider) EmitShare(f audio.Frame, id uint32) {
	if h := p.current(); h != nil {
		h.OnShareFrame(f, id)
	}
}

// EmitInterpreter delivers f to the subscribed handler's OnInterpreterFrame.
func (p *Provider) EmitInterpreter(f audio.Frame, language string) {
	if h := p.current(); h != nil {
		h.OnInterpreterFrame(f, language)
	}
}

// ─── PermissionAuthority ─────────────────────────────────────────────────────

// Authority is a mock implementation of [audio.PermissionAuthority].
type Authority struct {
	mu sync.Mutex

	// RequestError is returned by [Authority.RequestRecordingPermission].
	RequestError error

	// StartError is returned by [Authority.StartRawRecording].
	StartError error

	// StopError is returned by [Authority.StopRawRecording].
	StopError error

	// CallCountRequest records how many times RequestRecordingPermission was called.
	CallCountRequest int

	// CallCountStart records how many times StartRawRecording was called.
	CallCountStart int

	// CallCountStop records how many times StopRawRecording was called.
	CallCountStop int
}

// RequestRecordingPermission implements [audio.PermissionAuthority].
func (a *Authority) RequestRecordingPermission() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CallCountRequest++
	return a.RequestError
}

// StartRawRecording implements [audio.PermissionAuthority].
func (a *Authority) StartRawRecording() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CallCountStart++
	return a.StartError
}

// StopRawRecording implements [audio.PermissionAuthority].
func (a *Authority) StopRawRecording() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CallCountStop++
	return a.StopError
}

// Counts returns a consistent snapshot of the request, start and stop counters.
func (a *Authority) Counts() (request, start, stop int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.CallCountRequest, a.CallCountStart, a.CallCountStop
}

// ─── Directory ───────────────────────────────────────────────────────────────

// Directory is a mock implementation of [audio.Directory] backed by a map.
type Directory struct {
	mu sync.Mutex

	// Names maps participant ids to display names.
	Names map[uint32]string

	// CallCountLookup records how many times ParticipantName was called.
	CallCountLookup int
}

// ParticipantName implements [audio.Directory].
func (d *Directory) ParticipantName(id uint32) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountLookup++
	name, ok := d.Names[id]
	return name, ok
}

// Compile-time interface assertions.
var (
	_ audio.Provider            = (*Provider)(nil)
	_ audio.PermissionAuthority = (*Authority)(nil)
	_ audio.Directory           = (*Directory)(nil)
)

package stream_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/meetcap/pkg/stream"
	"github.com/MrWong99/meetcap/pkg/stream/mock"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := stream.NewRegistry()
	r.Register("tcp", func() stream.Backend { return &mock.Backend{} })
	r.Register("WebSocket", func() stream.Backend { return &mock.Backend{} })

	if got := r.Names(); !slices.Equal(got, []string{"tcp", "websocket"}) {
		t.Errorf("Names = %v", got)
	}

	tests := []struct {
		name    string
		wantErr error
	}{
		{"tcp", nil},
		{"TCP", nil},
		{"websocket", nil},
		{"grpc", stream.ErrUnknownBackend},
		{"", stream.ErrUnknownBackend},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, err := r.New(tc.name)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("New(%q) err = %v, want %v", tc.name, err, tc.wantErr)
			}
			if tc.wantErr == nil && b == nil {
				t.Errorf("New(%q) returned nil backend", tc.name)
			}
		})
	}
}

func TestRegistry_NewReturnsFreshBackends(t *testing.T) {
	t.Parallel()

	r := stream.NewRegistry()
	r.Register("mock", func() stream.Backend { return &mock.Backend{} })
	a, _ := r.New("mock")
	b, _ := r.New("mock")
	if a == b {
		t.Error("factory results are shared")
	}
}

func TestDefaultRegistry_Singleton(t *testing.T) {
	t.Parallel()

	if stream.DefaultRegistry() != stream.DefaultRegistry() {
		t.Error("DefaultRegistry returned different instances")
	}
}

func TestConfigTimeoutDefaults(t *testing.T) {
	t.Parallel()

	var c stream.Config
	if c.DialTimeoutOrDefault() <= 0 || c.WriteTimeoutOrDefault() <= 0 {
		t.Error("zero timeouts should fall back to a positive default")
	}
}

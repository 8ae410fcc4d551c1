// Package testutil provides channel fixtures shared by the client package
// tests.
package testutil

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/hostreflect/hostreflect/host"
	"github.com/hostreflect/hostreflect/infrastructure/memory"
	"github.com/hostreflect/hostreflect/reflection"
	"github.com/stretchr/testify/require"
)

// NewChannel creates a channel over an in-memory region sized for
// capacity-byte queues. It is closed when the test ends.
func NewChannel(t *testing.T, capacity uint32) *reflection.Channel {
	t.Helper()

	region := memory.NewInMemoryRegion(reflection.Footprint(capacity, capacity))
	ch, err := reflection.NewChannel(region, reflection.WithCapacities(capacity, capacity))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// Boot starts a dispatcher on ch and returns a compute-side sender for it.
// The dispatcher is stopped when the test ends.
func Boot(t *testing.T, ch *reflection.Channel, opts ...host.Option) *reflection.HostReflection {
	t.Helper()

	b, err := host.New(ch, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return reflection.New(ch)
}

// ScriptedHost answers the next len(payloads) requests on ch with payloads,
// in order, without decoding them. The returned channel yields the first
// serving error, or nil once every payload was sent.
func ScriptedHost(t *testing.T, ch *reflection.Channel, payloads ...[]byte) <-chan error {
	t.Helper()

	hr := reflection.New(ch, reflection.WithWaitMode(reflection.WaitCooperative))
	done := make(chan error, 1)
	go func() {
		ctx := context.Background()
		for _, payload := range payloads {
			req, err := hr.AwaitRequest(ctx)
			if err != nil {
				done <- err
				return
			}
			if err := hr.Reply(ctx, req, payload); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers, for capturing
// log output produced on the dispatcher goroutine.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

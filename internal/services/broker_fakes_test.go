package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/gpubroker/internal/signaling"
)

// fakeClock only moves when Advance is called. Timers fire when the clock passes their deadline.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	created int
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	ch       chan time.Time
	active   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, deadline: c.now.Add(d), ch: make(chan time.Time, 1), active: true}
	c.created++
	if d <= 0 {
		timer.active = false
		timer.ch <- c.now
		return timer
	}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves the clock forward and fires every timer that is now due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.timers[:0]
	for _, timer := range c.timers {
		if !timer.active {
			continue
		}
		if !timer.deadline.After(c.now) {
			timer.active = false
			timer.ch <- c.now
			continue
		}
		remaining = append(remaining, timer)
	}
	c.timers = remaining
}

// Created returns how many timers have been created so far.
func (c *fakeClock) Created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

// WaitTimers blocks until at least n timers have been created.
func (c *fakeClock) WaitTimers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.created >= n
	}, 2*time.Second, time.Millisecond, "expected %d timers", n)
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

type sentEnvelope struct {
	peer signaling.Peer
	env  signaling.Envelope
}

// fakeSignaler records outbound envelopes. Peers marked offline fail with ErrPeerNotConnected.
type fakeSignaler struct {
	mu      sync.Mutex
	offline map[signaling.Peer]bool
	sent    []sentEnvelope
	onSend  func(signaling.Peer, signaling.Envelope)
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{offline: make(map[signaling.Peer]bool)}
}

func (f *fakeSignaler) SetOffline(peer signaling.Peer, offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[peer] = offline
}

// OnSend registers fn to run after each delivered envelope, outside the recorder lock.
func (f *fakeSignaler) OnSend(fn func(signaling.Peer, signaling.Envelope)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

func (f *fakeSignaler) send(peer signaling.Peer, env signaling.Envelope) error {
	f.mu.Lock()
	if f.offline[peer] {
		f.mu.Unlock()
		return signaling.ErrPeerNotConnected
	}
	f.sent = append(f.sent, sentEnvelope{peer: peer, env: env})
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(peer, env)
	}
	return nil
}

func (f *fakeSignaler) SendToHost(_ context.Context, hostID string, env signaling.Envelope) error {
	return f.send(signaling.Peer{Role: signaling.RoleHost, ID: hostID}, env)
}

func (f *fakeSignaler) SendToClient(_ context.Context, userID string, env signaling.Envelope) error {
	return f.send(signaling.Peer{Role: signaling.RoleClient, ID: userID}, env)
}

func (f *fakeSignaler) SendToGateway(_ context.Context, gatewayID string, env signaling.Envelope) error {
	return f.send(signaling.Peer{Role: signaling.RoleGateway, ID: gatewayID}, env)
}

// Find returns every envelope of msgType delivered to peer for sessionID.
func (f *fakeSignaler) Find(peer signaling.Peer, msgType signaling.MessageType, sessionID string) []signaling.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Envelope
	for _, s := range f.sent {
		if s.peer == peer && s.env.Type == msgType && (sessionID == "" || s.env.SessionID == sessionID) {
			out = append(out, s.env)
		}
	}
	return out
}

// WaitFor blocks until peer has received a message of msgType for sessionID and returns the latest.
func (f *fakeSignaler) WaitFor(t *testing.T, peer signaling.Peer, msgType signaling.MessageType, sessionID string) signaling.Envelope {
	t.Helper()
	var found []signaling.Envelope
	require.Eventually(t, func() bool {
		found = f.Find(peer, msgType, sessionID)
		return len(found) > 0
	}, 2*time.Second, time.Millisecond, "expected %s to %s", msgType, peer)
	return found[len(found)-1]
}

// testKey returns a syntactically valid WireGuard public key.
func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

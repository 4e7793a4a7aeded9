package messagelayer

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coapserver/internal/coap"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []netip.AddrPort
}

func (f *fakeSender) SendRaw(peer netip.AddrPort, raw []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, peer)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var peer = netip.MustParseAddrPort("198.51.100.1:5683")

func TestNextMIDIsMonotonicAndSeededInRange(t *testing.T) {
	l := New(&fakeSender{}, nil, nil, time.Minute)
	defer l.Stop()

	seed := l.midSeq.Load()
	require.GreaterOrEqual(t, seed, uint32(1))
	require.LessOrEqual(t, seed, uint32(1000))

	first := l.NextMID()
	second := l.NextMID()
	require.Equal(t, first+1, second)
}

// P4: dedup idempotence — repeated (peer, mid) pairs are flagged after
// the first sighting, and distinct pairs never collide.
func TestIsDuplicateIdempotence(t *testing.T) {
	l := New(&fakeSender{}, nil, nil, time.Minute)
	defer l.Stop()

	require.False(t, l.IsDuplicate(peer, 42))
	require.True(t, l.IsDuplicate(peer, 42))
	require.True(t, l.IsDuplicate(peer, 42))
	require.False(t, l.IsDuplicate(peer, 43))
}

// P5: retransmission bound — a Confirmable exchange is retried at most
// MAX_RETRANSMIT times before being marked timed out.
func TestRetransmissionStopsAtMaxRetransmit(t *testing.T) {
	sender := &fakeSender{}
	l := New(sender, nil, nil, time.Minute)
	defer l.Stop()

	m := &coap.Message{Type: coap.TypeConfirmable, Code: coap.GET, MID: 7}
	ex := &Exchange{
		Key:     Key{Peer: peer, MID: 7},
		Message: m,
		Raw:     []byte{0x40, 0x01, 0x00, 0x07},
		timeout: time.Millisecond,
	}

	for i := 0; i < 10; i++ {
		l.retransmit(ex)
	}

	require.Equal(t, StatusTimedOut, ex.Status())
	require.LessOrEqual(t, ex.attempts, 5) // MAX_RETRANSMIT + the bound check
}

// Timing out after MAX_RETRANSMIT must tear down whatever observe
// relation rode this exchange's token, since it's the only way the
// server ever learns a notification's peer went unreachable via
// retransmission exhaustion rather than an RST.
func TestRetransmissionTimeoutInvokesOnTimeoutCallback(t *testing.T) {
	sender := &fakeSender{}
	l := New(sender, nil, nil, time.Minute)
	defer l.Stop()

	var mu sync.Mutex
	var gotPeer netip.AddrPort
	var gotToken []byte
	calls := 0
	l.SetOnTimeout(func(p netip.AddrPort, token []byte) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		gotPeer = p
		gotToken = token
	})

	m := &coap.Message{Type: coap.TypeConfirmable, Code: coap.Content, MID: 11, Token: []byte("obs1")}
	ex := &Exchange{
		Key:     Key{Peer: peer, MID: 11},
		Message: m,
		Raw:     []byte{0x40, 0x45, 0x00, 0x0b},
		timeout: time.Millisecond,
	}

	for i := 0; i < 10; i++ {
		l.retransmit(ex)
	}

	require.Equal(t, StatusTimedOut, ex.Status())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls, "onTimeout must fire exactly once, not once per retransmit loop iteration")
	require.Equal(t, peer, gotPeer)
	require.Equal(t, []byte("obs1"), gotToken)
}

func TestAcknowledgeStopsRetransmissionAndReportsMatch(t *testing.T) {
	sender := &fakeSender{}
	l := New(sender, nil, nil, time.Minute)
	defer l.Stop()

	m := &coap.Message{Type: coap.TypeConfirmable, Code: coap.GET, MID: 99}
	raw := []byte{0x40, 0x01, 0x00, 99}
	ex := l.SendConfirmable(peer, m, raw)
	require.Equal(t, StatusPending, ex.Status())

	got, ok := l.Acknowledge(peer, 99, false)
	require.True(t, ok)
	require.Same(t, ex, got)
	require.Equal(t, StatusAcknowledged, ex.Status())

	_, ok = l.Acknowledge(peer, 99, false)
	require.False(t, ok)
}

func TestAcknowledgeWithResetMarksReset(t *testing.T) {
	sender := &fakeSender{}
	l := New(sender, nil, nil, time.Minute)
	defer l.Stop()

	m := &coap.Message{Type: coap.TypeConfirmable, Code: coap.GET, MID: 5}
	ex := l.SendConfirmable(peer, m, []byte{0x40, 0x01, 0x00, 5})

	_, ok := l.Acknowledge(peer, 5, true)
	require.True(t, ok)
	require.Equal(t, StatusReset, ex.Status())
}

// P6: purge correctness — dedup entries older than the lifetime are
// evicted so a MID can legitimately be reused by the same peer later.
func TestPurgeEvictsExpiredDedupEntries(t *testing.T) {
	l := New(&fakeSender{}, nil, nil, 20*time.Millisecond)
	defer l.Stop()

	require.False(t, l.IsDuplicate(peer, 1))
	require.True(t, l.IsDuplicate(peer, 1))

	require.Eventually(t, func() bool {
		return !l.IsDuplicate(peer, 1)
	}, 500*time.Millisecond, 5*time.Millisecond, "dedup entry should expire and be purged")
}

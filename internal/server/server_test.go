package server

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coapserver/internal/blockwise"
	"coapserver/internal/coap"
	"coapserver/internal/config"
	"coapserver/internal/resource"
	"coapserver/internal/telemetry/metrics"
)

// testClient is a bare UDP socket standing in for a CoAP client, grounded
// on the end-to-end scenarios of spec.md §8: it sends raw datagrams and
// decodes whatever comes back, with no reliability layer of its own.
type testClient struct {
	t    *testing.T
	conn *net.UDPConn
}

func newTestClient(t *testing.T, serverAddr *net.UDPAddr) *testClient {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, serverAddr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(m *coap.Message) {
	_, err := c.conn.Write(coap.Encode(m))
	require.NoError(c.t, err)
}

func (c *testClient) recv(timeout time.Duration) *coap.Message {
	c.t.Helper()
	buf := make([]byte, 2048)
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := c.conn.Read(buf)
	require.NoError(c.t, err, "expected a reply within %s", timeout)
	peer, ok := netip.AddrFromSlice(net.ParseIP("127.0.0.1"))
	require.True(c.t, ok)
	m, err := coap.Decode(buf[:n], netip.AddrPortFrom(peer, 0))
	require.NoError(c.t, err)
	return m
}

func (c *testClient) expectTimeout(window time.Duration) {
	c.t.Helper()
	buf := make([]byte, 2048)
	c.conn.SetReadDeadline(time.Now().Add(window))
	_, err := c.conn.Read(buf)
	require.Error(c.t, err, "expected no reply within %s", window)
}

// startTestServer binds a Server on loopback with a registered /hello
// resource and an observable /obs/counter, mirroring cmd/coapd's seeded
// resources.
func startTestServer(t *testing.T) (*Server, *net.UDPAddr) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BindHost = "127.0.0.1"
	cfg.BindPort = 0
	cfg.ExchangeLifetimeOverride = 300 * time.Millisecond

	srv := New(cfg, nil, nil, metrics.New())
	require.NoError(t, srv.AddResource("/hello", &resource.Resource{
		Path: "/hello", ContentFormat: coap.MediaTextPlain, Payload: []byte("hello, world"),
	}))
	require.NoError(t, srv.AddResource("/obs/counter", &resource.Resource{
		Path: "/obs/counter", ContentFormat: coap.MediaTextPlain, Observable: true, Payload: []byte("0"),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx, "127.0.0.1:0"))
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		srv.Stop(stopCtx)
	})

	addr := srv.conn.LocalAddr().(*net.UDPAddr)
	return srv, addr
}

// Scenario 1: a simple Confirmable GET for an existing resource gets back
// a piggy-backed ACK carrying 2.05 Content with the same MID and token.
func TestSimpleGetFound(t *testing.T) {
	_, addr := startTestServer(t)
	c := newTestClient(t, addr)

	req := &coap.Message{Type: coap.TypeConfirmable, Code: coap.GET, MID: 100, Token: []byte("t1")}
	req.Options = req.Options.SetPath("/hello")
	c.send(req)

	resp := c.recv(time.Second)
	require.Equal(t, coap.TypeAcknowledgement, resp.Type)
	require.Equal(t, coap.Content, resp.Code)
	require.Equal(t, uint16(100), resp.MID)
	require.Equal(t, []byte("t1"), resp.Token)
	require.Equal(t, []byte("hello, world"), resp.Payload)
}

// Scenario 2: a duplicate Confirmable GET (same MID, resent before the
// first reply was seen) is answered by replaying the cached response
// rather than re-invoking the resource handler, per spec.md I4.
func TestDuplicateConfirmableGetReplaysCachedResponse(t *testing.T) {
	_, addr := startTestServer(t)
	c := newTestClient(t, addr)

	req := &coap.Message{Type: coap.TypeConfirmable, Code: coap.GET, MID: 200, Token: []byte("dup")}
	req.Options = req.Options.SetPath("/hello")

	c.send(req)
	first := c.recv(time.Second)

	c.send(req) // exact duplicate: same peer, same MID
	second := c.recv(time.Second)

	require.Equal(t, first.MID, second.MID)
	require.Equal(t, first.Code, second.Code)
	require.Equal(t, first.Payload, second.Payload)
}

// A GET for a path with no registered resource gets 4.04 Not Found.
func TestGetMissingResource(t *testing.T) {
	_, addr := startTestServer(t)
	c := newTestClient(t, addr)

	req := &coap.Message{Type: coap.TypeConfirmable, Code: coap.GET, MID: 1, Token: []byte("m")}
	req.Options = req.Options.SetPath("/does-not-exist")
	c.send(req)

	resp := c.recv(time.Second)
	require.Equal(t, coap.NotFound, resp.Code)
}

// A request carrying an unrecognized critical (odd-numbered) option gets
// 4.02 Bad Option, with the request's MID/token still echoed.
func TestUnknownCriticalOptionIsBadOption(t *testing.T) {
	_, addr := startTestServer(t)
	c := newTestClient(t, addr)

	req := &coap.Message{Type: coap.TypeConfirmable, Code: coap.GET, MID: 55, Token: []byte("bo")}
	req.Options = req.Options.SetPath("/hello")
	req.Options = req.Options.Add(coap.OptionNumber(65001), []byte{0x01}) // odd -> critical, unknown
	c.send(req)

	resp := c.recv(time.Second)
	require.Equal(t, coap.BadOption, resp.Code)
	require.Equal(t, uint16(55), resp.MID)
	require.Equal(t, []byte("bo"), resp.Token)
}

// An unrecognized elective (even-numbered) option is silently ignored and
// the request proceeds normally.
func TestUnknownElectiveOptionIsIgnored(t *testing.T) {
	_, addr := startTestServer(t)
	c := newTestClient(t, addr)

	req := &coap.Message{Type: coap.TypeConfirmable, Code: coap.GET, MID: 56, Token: []byte("el")}
	req.Options = req.Options.SetPath("/hello")
	req.Options = req.Options.Add(coap.OptionNumber(65000), []byte{0x01}) // even -> elective, unknown
	c.send(req)

	resp := c.recv(time.Second)
	require.Equal(t, coap.Content, resp.Code)
}

// Scenario 5: a GET for a resource whose body exceeds MAX_PAYLOAD is
// served across Block2 exchanges at the client's requested block size.
func TestBlock2SplitsLargeResource(t *testing.T) {
	srv, addr := startTestServer(t)
	c := newTestClient(t, addr)

	body := make([]byte, 3000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	require.NoError(t, srv.AddResource("/big", &resource.Resource{
		Path: "/big", ContentFormat: coap.MediaTextPlain, Payload: body,
	}))

	const szx = 2 // 64-byte blocks
	var assembled []byte
	var num uint32
	for {
		req := &coap.Message{Type: coap.TypeConfirmable, Code: coap.GET, MID: 300 + uint16(num), Token: []byte("blk")}
		req.Options = req.Options.SetPath("/big")
		req.Options = req.Options.Set(coap.OptionBlock2, blockwise.EncodeBlockOption(num, false, szx))
		c.send(req)

		resp := c.recv(time.Second)
		require.Equal(t, coap.Content, resp.Code)
		assembled = append(assembled, resp.Payload...)

		blockOpt, ok := resp.Options.First(coap.OptionBlock2)
		require.True(t, ok)
		_, more, _ := blockwise.DecodeBlockOption(blockOpt.Value.(uint64))
		if !more {
			break
		}
		num++
	}
	require.Equal(t, body, assembled)
}

// Scenario 6: registering Observe on an observable resource, then
// resetting, removes the observer so a later Notify reaches no one.
func TestObserveLifecycleWithResetRemoval(t *testing.T) {
	srv, addr := startTestServer(t)
	c := newTestClient(t, addr)

	req := &coap.Message{Type: coap.TypeConfirmable, Code: coap.GET, MID: 400, Token: []byte("obs")}
	req.Options = req.Options.SetPath("/obs/counter")
	req.Options = req.Options.Set(coap.OptionObserve, uint64(0))
	c.send(req)

	resp := c.recv(time.Second)
	require.Equal(t, coap.Content, resp.Code)
	_, hasObserve := resp.Options.First(coap.OptionObserve)
	require.True(t, hasObserve)

	res, ok := srv.registry.Get("/obs/counter")
	require.True(t, ok)
	res.Payload = []byte("1")
	srv.Notify(res)

	notify := c.recv(time.Second)
	require.Equal(t, []byte("1"), notify.Payload)

	// Reset the notification (simulating a client that no longer wants
	// updates); the observer must be removed.
	rst := &coap.Message{Type: coap.TypeReset, Code: coap.CodeEmpty, MID: notify.MID}
	c.send(rst)
	time.Sleep(50 * time.Millisecond)

	res.Payload = []byte("2")
	srv.Notify(res)
	c.expectTimeout(200 * time.Millisecond)
}

package service

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dxnetwork/dxd/internal/status"
	"github.com/dxnetwork/dxd/internal/trust"
)

var (
	idA, _ = peer.Decode("12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN")
	idB, _ = peer.Decode("12D3KooWNvSZnPi3RrhrTwEY4LuuBeB6K6facKUCJcyWG1aoDd2p")
	idC, _ = peer.Decode("12D3KooWP5MYTnN8DcQDw7aDUFZY2vQAhvMwZZZ1XN3U9Wh3mJUW")
)

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()
	dialer, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	acc := <-ch
	if acc.err != nil {
		t.Fatalf("accept: %v", acc.err)
	}
	t.Cleanup(func() {
		dialer.Close()
		acc.conn.Close()
	})
	return dialer, acc.conn
}

func testStore(t *testing.T) *trust.Store {
	t.Helper()
	s, err := trust.Load(filepath.Join(t.TempDir(), "truststore.bin"))
	if err != nil {
		t.Fatalf("trust.Load: %v", err)
	}
	return s
}

func testDigest(fill byte) status.Digest {
	var d status.Digest
	for i := range d {
		d[i] = fill
	}
	return d
}

func staticProvider(d status.Digest) status.Provider {
	return status.ProviderFunc(func(context.Context) (status.Digest, error) { return d, nil })
}

func fastConfig() Config {
	return Config{
		MaxSessions: 4,
		RedialMax:   2 * time.Second,
		Session: status.SessionConfig{
			HandshakeTimeout: 2 * time.Second,
			ExchangeTimeout:  2 * time.Second,
		},
	}
}

type captureSink struct {
	mu   sync.Mutex
	outs []status.Outcome
}

func (c *captureSink) Append(out status.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outs = append(c.outs, out)
	return nil
}

func (c *captureSink) all() []status.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]status.Outcome{}, c.outs...)
}

// runClient drives the remote half of an inbound exchange.
func runClient(t *testing.T, local, remote peer.ID, conn net.Conn, d status.Digest) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		sess := status.NewSession(local, remote, conn, staticProvider(d), status.SessionConfig{
			HandshakeTimeout: 2 * time.Second,
			ExchangeTimeout:  2 * time.Second,
		})
		_, err := sess.Run(context.Background())
		errCh <- err
	}()
	return errCh
}

func TestHandleInbound_NotTrusted(t *testing.T) {
	ts := testStore(t)
	sink := &captureSink{}
	srv := New(idA, ts, staticProvider(testDigest(1)), nil, sink, nil, fastConfig())

	for _, setup := range []struct {
		name string
		prep func()
	}{
		{"unknown peer", func() {}},
		{"revoked peer", func() {
			if err := ts.Revoke(idB); err != nil {
				t.Fatalf("Revoke: %v", err)
			}
		}},
	} {
		t.Run(setup.name, func(t *testing.T) {
			setup.prep()
			client, server := tcpPair(t)

			done := make(chan error, 1)
			go func() { done <- srv.HandleInbound(idB, server) }()

			client.SetDeadline(time.Now().Add(2 * time.Second))
			msg, err := status.ReadMessage(client)
			if err != nil {
				t.Fatalf("reading reject: %v", err)
			}
			rej, ok := msg.(status.Reject)
			if !ok || rej.Reason != status.RejectNotTrusted {
				t.Errorf("got %+v, want Reject{NotTrusted}", msg)
			}
			if err := <-done; !errors.Is(err, ErrNotTrusted) {
				t.Errorf("HandleInbound error = %v, want ErrNotTrusted", err)
			}
			if setup.name == "unknown peer" {
				if _, stored := ts.Lookup(idB); stored {
					t.Error("admission check must not create trust records")
				}
			}
		})
	}

	if _, ok := srv.LastStatus(idB); ok {
		t.Error("status recorded for rejected peer")
	}
	if sessions := srv.ActiveSessions(); len(sessions) != 0 {
		t.Errorf("rejected peer appears in active sessions: %v", sessions)
	}
	if len(sink.all()) != 0 {
		t.Error("sink received outcomes for rejected exchanges")
	}
	if got := srv.Metrics().Snapshot().RejectedNotTrusted; got != 2 {
		t.Errorf("RejectedNotTrusted = %d, want 2", got)
	}
}

func TestHandleInbound_Success(t *testing.T) {
	ts := testStore(t)
	if err := ts.Upsert(idB, trust.Trusted, "peer-b"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	sink := &captureSink{}
	d := testDigest(0x5a)
	srv := New(idA, ts, staticProvider(d), nil, sink, nil, fastConfig())

	client, server := tcpPair(t)
	clientErr := runClient(t, idB, idA, client, d)

	if err := srv.HandleInbound(idB, server); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if err := <-clientErr; err != nil {
		t.Fatalf("client session failed: %v", err)
	}

	rec, ok := srv.LastStatus(idB)
	if !ok {
		t.Fatal("no status recorded after completed exchange")
	}
	if rec.Result != status.Match || rec.Digest != d {
		t.Errorf("status record = %+v, want Match/%x", rec, d)
	}
	outs := sink.all()
	if len(outs) != 1 || outs[0].Peer != idB {
		t.Errorf("sink outcomes = %+v, want one for %s", outs, idB)
	}
	if got := srv.Metrics().Snapshot().ExchangesDone; got != 1 {
		t.Errorf("ExchangesDone = %d, want 1", got)
	}
	if len(srv.ActiveSessions()) != 0 {
		t.Errorf("sessions still active: %v", srv.ActiveSessions())
	}
}

func TestHandleInbound_Busy(t *testing.T) {
	ts := testStore(t)
	if err := ts.Upsert(idB, trust.Trusted, ""); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// The first exchange parks in the digest provider so it stays active
	// while the second arrives.
	gate := make(chan struct{})
	var first sync.Once
	prov := status.ProviderFunc(func(ctx context.Context) (status.Digest, error) {
		wait := false
		first.Do(func() { wait = true })
		if wait {
			<-gate
		}
		return testDigest(1), nil
	})
	srv := New(idA, ts, prov, nil, nil, nil, fastConfig())

	client1, server1 := tcpPair(t)
	client1Err := runClient(t, idB, idA, client1, testDigest(1))
	done1 := make(chan error, 1)
	go func() { done1 <- srv.HandleInbound(idB, server1) }()

	// Wait until the first session registers.
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.ActiveSessions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first session never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client2, server2 := tcpPair(t)
	done2 := make(chan error, 1)
	go func() { done2 <- srv.HandleInbound(idB, server2) }()

	client2.SetDeadline(time.Now().Add(2 * time.Second))
	msg, err := status.ReadMessage(client2)
	if err != nil {
		t.Fatalf("reading reject: %v", err)
	}
	if rej, ok := msg.(status.Reject); !ok || rej.Reason != status.RejectBusy {
		t.Errorf("got %+v, want Reject{Busy}", msg)
	}
	if err := <-done2; !errors.Is(err, ErrSessionActive) {
		t.Errorf("second HandleInbound error = %v, want ErrSessionActive", err)
	}

	close(gate)
	if err := <-done1; err != nil {
		t.Errorf("first exchange failed: %v", err)
	}
	<-client1Err
	if got := srv.Metrics().Snapshot().RejectedBusy; got != 1 {
		t.Errorf("RejectedBusy = %d, want 1", got)
	}
}

// chanTransport serves Open from a queue of pre-connected conns.
type chanTransport struct {
	mu    sync.Mutex
	conns []net.Conn
	dials int
}

func (ct *chanTransport) Open(ctx context.Context, id peer.ID) (status.Stream, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.dials++
	if len(ct.conns) == 0 {
		return nil, errors.New("no route to peer")
	}
	c := ct.conns[0]
	ct.conns = ct.conns[1:]
	return c, nil
}

func TestInitiate_Success(t *testing.T) {
	ts := testStore(t)
	if err := ts.Upsert(idB, trust.Trusted, ""); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	d := testDigest(0x20)
	client, server := tcpPair(t)
	tr := &chanTransport{conns: []net.Conn{client}}
	srv := New(idA, ts, staticProvider(d), tr, nil, nil, fastConfig())

	remoteErr := runClient(t, idB, idA, server, testDigest(0x21))

	out, err := srv.Initiate(context.Background(), idB)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if err := <-remoteErr; err != nil {
		t.Fatalf("remote session failed: %v", err)
	}
	if out.Result != status.Diverged {
		t.Errorf("result = %v, want Diverged", out.Result)
	}
	if tr.dials != 1 {
		t.Errorf("dials = %d, want 1", tr.dials)
	}
}

func TestInitiate_NotTrusted(t *testing.T) {
	ts := testStore(t)
	tr := &chanTransport{}
	srv := New(idA, ts, staticProvider(testDigest(1)), tr, nil, nil, fastConfig())

	if _, err := srv.Initiate(context.Background(), idB); !errors.Is(err, ErrNotTrusted) {
		t.Fatalf("Initiate error = %v, want ErrNotTrusted", err)
	}
	if tr.dials != 0 {
		t.Errorf("transport dialed %d times for untrusted peer", tr.dials)
	}
}

func TestInitiate_AutoProvision(t *testing.T) {
	ts := testStore(t)
	cfg := fastConfig()
	cfg.AutoProvision = true

	d := testDigest(0x30)
	client, server := tcpPair(t)
	tr := &chanTransport{conns: []net.Conn{client}}
	srv := New(idA, ts, staticProvider(d), tr, nil, nil, cfg)

	remoteErr := runClient(t, idB, idA, server, d)

	out, err := srv.Initiate(context.Background(), idB)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	<-remoteErr
	if out.Result != status.Match {
		t.Errorf("result = %v, want Match", out.Result)
	}
	rec, stored := ts.Lookup(idB)
	if !stored || rec.Level != trust.Provisional {
		t.Errorf("peer not auto-provisioned: %+v (stored=%v)", rec, stored)
	}
}

func TestInitiate_PeerRejectIsPermanent(t *testing.T) {
	ts := testStore(t)
	if err := ts.Upsert(idB, trust.Trusted, ""); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	client, server := tcpPair(t)
	tr := &chanTransport{conns: []net.Conn{client}}
	srv := New(idA, ts, staticProvider(testDigest(1)), tr, nil, nil, fastConfig())

	go func() {
		server.SetDeadline(time.Now().Add(2 * time.Second))
		status.WriteMessage(server, status.Reject{Reason: status.RejectNotTrusted})
	}()

	_, err := srv.Initiate(context.Background(), idB)
	if !errors.Is(err, status.ErrPeerRejected) {
		t.Fatalf("Initiate error = %v, want ErrPeerRejected", err)
	}
	if tr.dials != 1 {
		t.Errorf("dials = %d, want 1 (peer reject must not be retried)", tr.dials)
	}
}

func TestInitiate_RetriesDial(t *testing.T) {
	ts := testStore(t)
	if err := ts.Upsert(idB, trust.Trusted, ""); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	d := testDigest(0x40)
	client, server := tcpPair(t)
	// First dial fails, second succeeds.
	tr := &chanTransport{conns: nil}
	srv := New(idA, ts, staticProvider(d), tr, nil, nil, fastConfig())

	go func() {
		time.Sleep(100 * time.Millisecond)
		tr.mu.Lock()
		tr.conns = append(tr.conns, client)
		tr.mu.Unlock()
	}()
	remoteErr := runClient(t, idB, idA, server, d)

	out, err := srv.Initiate(context.Background(), idB)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	<-remoteErr
	if out.Result != status.Match {
		t.Errorf("result = %v, want Match", out.Result)
	}
	if tr.dials < 2 {
		t.Errorf("dials = %d, want at least 2", tr.dials)
	}
}

func TestService_CloseCancelsInbound(t *testing.T) {
	ts := testStore(t)
	if err := ts.Upsert(idB, trust.Trusted, ""); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Long phase timeouts: a prompt Close proves cancellation, not a
	// deadline expiry.
	cfg := fastConfig()
	cfg.Session.HandshakeTimeout = 30 * time.Second
	cfg.Session.ExchangeTimeout = 30 * time.Second
	srv := New(idA, ts, staticProvider(testDigest(1)), nil, nil, nil, cfg)

	_, server := tcpPair(t) // remote end stays silent
	done := make(chan error, 1)
	go func() { done <- srv.HandleInbound(idB, server) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.ActiveSessions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("inbound session never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Close took %v, session was not cancelled", elapsed)
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("HandleInbound error = %v, want context.Canceled", err)
	}
}

func TestService_MaxSessionsCap(t *testing.T) {
	ts := testStore(t)
	for _, id := range []peer.ID{idB, idC} {
		if err := ts.Upsert(id, trust.Trusted, ""); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	cfg := fastConfig()
	cfg.MaxSessions = 1

	// The first exchange parks in the digest provider to hold the slot.
	gate := make(chan struct{})
	var first sync.Once
	prov := status.ProviderFunc(func(ctx context.Context) (status.Digest, error) {
		wait := false
		first.Do(func() { wait = true })
		if wait {
			<-gate
		}
		return testDigest(1), nil
	})
	srv := New(idA, ts, prov, nil, nil, nil, cfg)

	client1, server1 := tcpPair(t)
	client1Err := runClient(t, idB, idA, client1, testDigest(1))
	done1 := make(chan error, 1)
	go func() { done1 <- srv.HandleInbound(idB, server1) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.ActiveSessions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first session never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A different trusted peer hits the cap, not the duplicate check.
	client2, server2 := tcpPair(t)
	done2 := make(chan error, 1)
	go func() { done2 <- srv.HandleInbound(idC, server2) }()

	client2.SetDeadline(time.Now().Add(2 * time.Second))
	msg, err := status.ReadMessage(client2)
	if err != nil {
		t.Fatalf("reading reject: %v", err)
	}
	if rej, ok := msg.(status.Reject); !ok || rej.Reason != status.RejectBusy {
		t.Errorf("got %+v, want Reject{Busy}", msg)
	}
	if err := <-done2; !errors.Is(err, ErrSessionActive) {
		t.Errorf("capped HandleInbound error = %v, want ErrSessionActive", err)
	}

	close(gate)
	if err := <-done1; err != nil {
		t.Errorf("first exchange failed: %v", err)
	}
	<-client1Err
}

func TestService_Close(t *testing.T) {
	ts := testStore(t)
	if err := ts.Upsert(idB, trust.Trusted, ""); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	srv := New(idA, ts, staticProvider(testDigest(1)), &chanTransport{}, nil, nil, fastConfig())
	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := srv.Initiate(context.Background(), idB); !errors.Is(err, ErrClosed) {
		t.Errorf("Initiate after Close error = %v, want ErrClosed", err)
	}
}

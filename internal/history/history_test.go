package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dxnetwork/dxd/internal/status"
)

var testPeerID, _ = peer.Decode("12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN")

func TestLog_AppendRecent(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	var d status.Digest
	d[0] = 0xde
	d[19] = 0xad
	reported := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	outcomes := []status.Outcome{
		{Peer: testPeerID, PeerDigest: d, PeerReportedAt: reported, Result: status.Match},
		{Peer: testPeerID, PeerDigest: d, PeerReportedAt: reported.Add(time.Minute), Result: status.Diverged},
	}
	for _, out := range outcomes {
		if err := l.Append(out); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Result != "diverged" || entries[1].Result != "match" {
		t.Errorf("order/results wrong: %q then %q", entries[0].Result, entries[1].Result)
	}
	if entries[0].Peer != testPeerID.String() {
		t.Errorf("peer = %q, want %q", entries[0].Peer, testPeerID.String())
	}
	if entries[1].Digest != "de000000000000000000000000000000000000ad" {
		t.Errorf("digest hex = %q", entries[1].Digest)
	}
	if !entries[1].ReportedAt.Equal(reported) {
		t.Errorf("reported_at = %v, want %v", entries[1].ReportedAt, reported)
	}
}

func TestLog_RecentLimit(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		if err := l.Append(status.Outcome{Peer: testPeerID, Result: status.Match}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	entries, err := l.Recent(3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries, want 3", len(entries))
	}
}

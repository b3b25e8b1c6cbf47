package core

import "testing"

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestSelectPeerExcludesSelf(t *testing.T) {
	relays := []RelayRecord{
		{ID: "self", Onion: "self", PublicURL: "http://self"},
		{ID: "other", Onion: "other", PublicURL: "http://other"},
	}
	peer := SelectPeer(relays, "self", 0)
	if peer == nil || peer.ID != "other" {
		t.Fatalf("got %+v", peer)
	}
}

func TestSelectPeerPrefersLowLatencyAndReachable(t *testing.T) {
	relays := []RelayRecord{
		{ID: "slow", PublicURL: "http://slow", LatencyMs: i64(2900), Reachability: f64(0.5)},
		{ID: "fast", PublicURL: "http://fast", LatencyMs: i64(50), Reachability: f64(1.0)},
	}
	peer := SelectPeer(relays, "", 0)
	if peer == nil || peer.ID != "fast" {
		t.Fatalf("got %+v", peer)
	}
}

func TestSelectPeerPenalizesGFWBlocked(t *testing.T) {
	relays := []RelayRecord{
		{ID: "blocked", PublicURL: "http://blocked", LatencyMs: i64(10), Reachability: f64(1.0), GFWBlocked: true},
		{ID: "clean", PublicURL: "http://clean", LatencyMs: i64(2000), Reachability: f64(0.6)},
	}
	peer := SelectPeer(relays, "", 0)
	if peer == nil || peer.ID != "clean" {
		t.Fatalf("expected clean relay to win despite worse latency, got %+v", peer)
	}
}

func TestSelectPeerSkipsRelaysWithoutURL(t *testing.T) {
	relays := []RelayRecord{
		{ID: "no-url"},
		{ID: "has-url", PublicURL: "http://has-url"},
	}
	peer := SelectPeer(relays, "", 0)
	if peer == nil || peer.ID != "has-url" {
		t.Fatalf("got %+v", peer)
	}
}

func TestSelectPeerEmptyReturnsNil(t *testing.T) {
	if p := SelectPeer(nil, "self", 0); p != nil {
		t.Fatalf("expected nil, got %+v", p)
	}
}

package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func fakePeer(t *testing.T, hosts bool, load float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/manager/dispatcher/has_node/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(hosts)
	})
	mux.HandleFunc("/manager/get_load", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(load)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetHostPrefersLocalWhenNoPeerIsLower(t *testing.T) {
	peer := fakePeer(t, true, 0.9)
	d := New("self:1", func(string) bool { return true }, func() float64 { return 0.1 }, []string{peer.URL})

	host, err := d.GetHost(context.Background(), "render")
	if err != nil {
		t.Fatal(err)
	}
	if host != "self:1" {
		t.Fatalf("expected local host to win, got %s", host)
	}
}

func TestGetHostPicksLowerLoadPeer(t *testing.T) {
	peer := fakePeer(t, true, 0.05)
	d := New("self:1", func(string) bool { return true }, func() float64 { return 0.9 }, []string{peer.URL})

	host, err := d.GetHost(context.Background(), "render")
	if err != nil {
		t.Fatal(err)
	}
	if host != peer.URL {
		t.Fatalf("expected peer to win on lower load, got %s", host)
	}
}

func TestGetHostSkipsPeersThatDontHostTheNode(t *testing.T) {
	peer := fakePeer(t, false, 0.0)
	d := New("self:1", func(string) bool { return true }, func() float64 { return 0.5 }, []string{peer.URL})

	host, err := d.GetHost(context.Background(), "render")
	if err != nil {
		t.Fatal(err)
	}
	if host != "self:1" {
		t.Fatalf("expected local fallback since peer doesn't host the node, got %s", host)
	}
}

func TestGetHostFailsWhenNobodyHosts(t *testing.T) {
	d := New("self:1", func(string) bool { return false }, func() float64 { return 0.0 }, nil)
	_, err := d.GetHost(context.Background(), "render")
	if err == nil {
		t.Fatal("expected error when no host serves the node")
	}
	if !strings.Contains(err.Error(), "render") {
		t.Fatalf("expected error to mention node name, got %v", err)
	}
}

func TestGetHostSkipsUnreachablePeers(t *testing.T) {
	d := New("self:1", func(string) bool { return false }, func() float64 { return 0.0 }, []string{"http://127.0.0.1:1"})
	_, err := d.GetHost(context.Background(), "render")
	if err == nil {
		t.Fatal("expected NoHostForNode since the only peer is unreachable")
	}
}

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"github.com/keshon/audiolink/internal/wire"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return New(u.Hostname(), port, "secret", false, zerolog.Nop())
}

func TestLoadTracks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "secret" {
			t.Errorf("authorization header = %q", got)
		}
		if r.URL.Path != "/loadtracks" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("identifier"); got != "ytsearch:some song" {
			t.Errorf("identifier = %q", got)
		}
		json.NewEncoder(w).Encode(wire.SearchResult{
			LoadType: wire.LoadSearch,
			Tracks: []wire.Track{
				{Encoded: "QAAA...", Info: wire.TrackInfo{Title: "some song", Length: 180000}},
			},
		})
	})

	result, err := c.LoadTracks(context.Background(), "ytsearch:some song")
	if err != nil {
		t.Fatalf("load tracks: %v", err)
	}
	if result.LoadType != wire.LoadSearch || len(result.Tracks) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Tracks[0].Info.Title != "some song" {
		t.Errorf("track = %+v", result.Tracks[0])
	}
}

func TestLoadTracksSurfacesLoadFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wire.SearchResult{
			LoadType:  wire.LoadFailed,
			Exception: &wire.Exception{Message: "video unavailable", Severity: "COMMON"},
		})
	})

	result, err := c.LoadTracks(context.Background(), "https://invalid.example/watch")
	if err == nil {
		t.Fatal("load failure returned no error")
	}
	if result == nil || result.LoadType != wire.LoadFailed {
		t.Errorf("result = %+v", result)
	}
}

func TestDecodeTrack(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/decodetrack" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("track"); got != "QAAA..." {
			t.Errorf("track = %q", got)
		}
		json.NewEncoder(w).Encode(wire.TrackInfo{Title: "decoded", Length: 60000})
	})

	info, err := c.DecodeTrack(context.Background(), "QAAA...")
	if err != nil {
		t.Fatalf("decode track: %v", err)
	}
	if info.Title != "decoded" || info.Length != 60000 {
		t.Errorf("info = %+v", info)
	}
}

func TestDecodeTracksBatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/decodetracks" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var encoded []string
		if err := json.NewDecoder(r.Body).Decode(&encoded); err != nil {
			t.Errorf("body: %v", err)
		}
		tracks := make([]wire.Track, len(encoded))
		for i, e := range encoded {
			tracks[i] = wire.Track{Encoded: e}
		}
		json.NewEncoder(w).Encode(tracks)
	})

	tracks, err := c.DecodeTracks(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("decode tracks: %v", err)
	}
	if len(tracks) != 2 || tracks[0].Encoded != "a" || tracks[1].Encoded != "b" {
		t.Errorf("tracks = %+v", tracks)
	}
}

func TestNonOKStatusIsAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	if _, err := c.LoadTracks(context.Background(), "anything"); err == nil {
		t.Error("unauthorized response returned no error")
	}
}

func TestRequestHonorsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.LoadTracks(ctx, "anything"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled request = %v", err)
	}
}

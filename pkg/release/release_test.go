package release

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/axonmotion/axflash/pkg/hwver"
)

var (
	hashOld      = "aaaaaaaa" + strings40
	hashNew      = "bbbbbbbb" + strings40
	hashOther    = "cccccccc" + strings40
	hashVariants = "dddddddd" + strings40
)

const strings40 = "00000000000000000000000000000000"

func testIndexJSON() []byte {
	return []byte(fmt.Sprintf(`{
		"files": [
			{"content": "ZmlsZS1vbGQ=", "url": "https://cdn.example.com/fw/old.elf", "release_date": "2024-04-01"},
			{"content": "ZmlsZS1uZXc=", "url": "https://cdn.example.com/fw/new.elf", "release_date": "2024-05-01"},
			{"content": "ZmlsZS1vdGhlcg==", "url": "https://cdn.example.com/fw/other.elf", "release_date": "2024-05-02"},
			{"content": "ZmlsZS1pbnQ=", "url": "https://cdn.example.com/fw/int.elf", "release_date": "2024-06-01"},
			{"content": "ZmlsZS1wdWI=", "url": "https://cdn.example.com/fw/pub.elf", "release_date": "2024-06-01"}
		],
		"commits": [
			{"commit_hash": %q, "content": "ZmlsZS1vbGQ=", "board": [5, 2, 0]},
			{"commit_hash": %q, "content": "ZmlsZS1uZXc=", "board": [5, 2, 0]},
			{"commit_hash": %q, "content": "ZmlsZS1vdGhlcg==", "board": [6, 1, 0]},
			{"commit_hash": %q, "content": "ZmlsZS1wdWI=", "board": [5, 2, 0], "variant": "public"},
			{"commit_hash": %q, "content": "ZmlsZS1pbnQ=", "board": [5, 2, 0], "variant": "internal"}
		],
		"channels": [
			{"channel": "master", "commits": [%q, %q, %q], "closed": false},
			{"channel": "devel", "commits": [%q], "closed": false},
			{"channel": "legacy", "commits": [%q], "closed": true}
		]
	}`, hashOld, hashNew, hashOther, hashVariants, hashVariants,
		hashOld, hashNew, hashOther,
		hashVariants,
		hashOld))
}

var board52 = hwver.Version{ProductLine: 5, Version: 2}

func TestIndexChannels(t *testing.T) {
	ix, err := ParseIndex(testIndexJSON())
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	// Closed channels stay resolvable but are not advertised.
	if got, want := ix.Channels(), []string{"devel", "master"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Channels = %v, want %v", got, want)
	}
	if _, err := ix.GetLatest("legacy", board52); err != nil {
		t.Errorf("GetLatest on closed channel: %v", err)
	}
}

func TestGetLatest(t *testing.T) {
	ix, err := ParseIndex(testIndexJSON())
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}

	// Channel order is oldest first; the newest matching release wins.
	m, err := ix.GetLatest("master", board52)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if m.CommitHash != hashNew {
		t.Errorf("CommitHash = %s, want %s", m.CommitHash, hashNew)
	}
	if m.URL != "https://cdn.example.com/fw/new.elf" {
		t.Errorf("URL = %s", m.URL)
	}

	// A different board resolves to its own build.
	m, err = ix.GetLatest("master", hwver.Version{ProductLine: 6, Version: 1})
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if m.CommitHash != hashOther {
		t.Errorf("CommitHash = %s, want %s", m.CommitHash, hashOther)
	}

	// No build for this board at all.
	if _, err := ix.GetLatest("master", hwver.Version{ProductLine: 9}); !errors.Is(err, ErrFirmwareNotFound) {
		t.Errorf("GetLatest = %v, want ErrFirmwareNotFound", err)
	}
	if _, err := ix.GetLatest("nightly", board52); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("GetLatest = %v, want ErrChannelNotFound", err)
	}
}

func TestGetLatestVariantPreference(t *testing.T) {
	ix, err := ParseIndex(testIndexJSON())
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	// The same commit ships in two variants; internal is preferred.
	m, err := ix.GetLatest("devel", board52)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if m.URL != "https://cdn.example.com/fw/int.elf" {
		t.Errorf("URL = %s, want the internal variant", m.URL)
	}
}

func TestGetVersion(t *testing.T) {
	ix, err := ParseIndex(testIndexJSON())
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	for _, version := range []string{
		hashNew,     // full hash
		hashNew[:8], // short hash
		"BBBBBBBB",  // short hash, wrong case
	} {
		m, err := ix.GetVersion(version, board52)
		if err != nil {
			t.Errorf("GetVersion(%q): %v", version, err)
			continue
		}
		if m.CommitHash != hashNew {
			t.Errorf("GetVersion(%q) = %s, want %s", version, m.CommitHash, hashNew)
		}
	}
	if _, err := ix.GetVersion(hashNew[:8], hwver.Version{ProductLine: 9}); !errors.Is(err, ErrFirmwareNotFound) {
		t.Errorf("GetVersion = %v, want ErrFirmwareNotFound", err)
	}
}

func TestChannelVersions(t *testing.T) {
	ix, err := ParseIndex(testIndexJSON())
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	got, err := ix.ChannelVersions("master", board52)
	if err != nil {
		t.Fatalf("ChannelVersions: %v", err)
	}
	if want := []string{hashNew, hashOld}; !reflect.DeepEqual(got, want) {
		t.Errorf("ChannelVersions = %v, want %v", got, want)
	}
}

func TestNormalizeVersion(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{hashNew, "bbbbbbbb"},
		{"AABBCCDD", "aabbccdd"},
		{"0.6.8", "0.6.8"},
		{"deadbeef1", "deadbeef1"}, // 9 hex chars is not a hash
	} {
		if got := NormalizeVersion(tc.in); got != tc.want {
			t.Errorf("NormalizeVersion(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGetIndex(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write(testIndexJSON())
	}))
	defer srv.Close()

	ix, err := GetIndex(srv.URL+"/", ReleaseTypeFirmware)
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}
	if gotPath != "/releases/firmware/index" {
		t.Errorf("requested %q", gotPath)
	}
	if len(ix.Channels()) != 2 {
		t.Errorf("Channels = %v", ix.Channels())
	}
}

func TestFetch(t *testing.T) {
	payload := []byte("pretend this is an ELF file")
	var compressed bytes.Buffer
	w, err := xz.NewWriter(&compressed)
	if err != nil {
		t.Fatalf("xz.NewWriter: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("compress: %v", err)
	}

	downloads := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads++
		w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	oldDir := cacheDir
	cacheDir = t.TempDir()
	defer func() { cacheDir = oldDir }()

	m := &Manifest{
		ContentKey: "ZmlsZS1uZXc",
		CommitHash: hashNew,
		URL:        srv.URL + "/fw/new.elf.xz",
	}
	got, err := Fetch(m)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Fetch returned %q, want the decompressed payload", got)
	}

	// Second fetch is served from the cache.
	got, err = Fetch(m)
	if err != nil {
		t.Fatalf("Fetch (cached): %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("cached Fetch returned %q", got)
	}
	if downloads != 1 {
		t.Errorf("server saw %d downloads, want 1", downloads)
	}
}

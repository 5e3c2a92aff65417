// Package release talks to the firmware release server: it fetches a
// release index, resolves a channel or an explicit version to a
// concrete artifact for a given board, and downloads artifacts into a
// local cache.
package release

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/axonmotion/axflash/pkg/hwver"
)

// DefaultServer serves the public release index.
const DefaultServer = "https://releases.axonmotion.dev"

// ReleaseType selects an index on the server. Firmware is the only
// type this tool consumes.
const ReleaseTypeFirmware = "firmware"

var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrFirmwareNotFound = errors.New("no matching firmware found")
)

// Manifest identifies one downloadable artifact.
type Manifest struct {
	// ContentKey is the URL-safe base64 content hash, stable across
	// mirrors. Used as the cache key.
	ContentKey  string
	CommitHash  string
	ReleaseDate string
	URL         string
}

type fileInfo struct {
	Content     string `json:"content"`
	URL         string `json:"url"`
	ReleaseDate string `json:"release_date"`
}

type commitInfo struct {
	CommitHash string         `json:"commit_hash"`
	Content    string         `json:"content"`
	Board      *hwver.Version `json:"board,omitempty"`
	Variant    string         `json:"variant,omitempty"`
}

type channelInfo struct {
	Channel string   `json:"channel"`
	Commits []string `json:"commits"`
	Closed  bool     `json:"closed"`
}

type indexDoc struct {
	Files    []fileInfo    `json:"files"`
	Commits  []commitInfo  `json:"commits"`
	Channels []channelInfo `json:"channels"`
}

// Index is a parsed release index.
type Index struct {
	files   map[string]fileInfo
	commits []commitInfo
	open    map[string][]string
	closed  map[string][]string
}

// GetIndex downloads and parses the index for a release type.
func GetIndex(server, releaseType string) (*Index, error) {
	url := strings.TrimSuffix(server, "/") + "/releases/" + releaseType + "/index"
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("could not download release index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("could not download release index: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not download release index: %w", err)
	}
	return ParseIndex(body)
}

// ParseIndex parses raw index JSON.
func ParseIndex(data []byte) (*Index, error) {
	var doc indexDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("could not parse release index: %w", err)
	}

	ix := &Index{
		files:   make(map[string]fileInfo),
		commits: doc.Commits,
		open:    make(map[string][]string),
		closed:  make(map[string][]string),
	}
	for i, f := range doc.Files {
		key, err := contentKey(f.Content)
		if err != nil {
			return nil, fmt.Errorf("file %d: bad content key: %w", i, err)
		}
		ix.files[key] = f
	}
	for i := range ix.commits {
		key, err := contentKey(ix.commits[i].Content)
		if err != nil {
			return nil, fmt.Errorf("commit %d: bad content key: %w", i, err)
		}
		ix.commits[i].Content = key
	}
	for _, ch := range doc.Channels {
		if ch.Closed {
			ix.closed[ch.Channel] = ch.Commits
		} else {
			ix.open[ch.Channel] = ch.Commits
		}
	}
	return ix, nil
}

// Channels lists the open channels, sorted.
func (ix *Index) Channels() []string {
	names := maps.Keys(ix.open)
	sort.Strings(names)
	return names
}

// ChannelVersions lists a channel's commit hashes, newest first,
// restricted to releases built for the given board.
func (ix *Index) ChannelVersions(channel string, board hwver.Version) ([]string, error) {
	info, err := ix.channel(channel)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range ix.filtered(reversed(info), board) {
		out = append(out, c.CommitHash)
	}
	return out, nil
}

// GetLatest resolves the newest release on a channel for a board.
func (ix *Index) GetLatest(channel string, board hwver.Version) (*Manifest, error) {
	info, err := ix.channel(channel)
	if err != nil {
		return nil, err
	}
	// Channels list oldest first; the last entry is the latest.
	candidates := ix.filtered(reversed(info), board)
	if len(candidates) == 0 {
		return nil, ErrFirmwareNotFound
	}
	return ix.manifest(candidates[0])
}

// GetVersion resolves an explicit version (a full or 8-character
// commit hash) for a board.
func (ix *Index) GetVersion(version string, board hwver.Version) (*Manifest, error) {
	version = NormalizeVersion(version)
	var matching []string
	for _, c := range ix.commits {
		if c.CommitHash == version || strings.HasPrefix(c.CommitHash, version) {
			matching = append(matching, c.CommitHash)
		}
	}
	candidates := ix.filtered(matching, board)
	if len(candidates) == 0 {
		return nil, ErrFirmwareNotFound
	}
	return ix.manifest(candidates[0])
}

func (ix *Index) channel(name string) ([]string, error) {
	if info, ok := ix.open[name]; ok {
		return info, nil
	}
	if info, ok := ix.closed[name]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrChannelNotFound, name)
}

// filtered returns the commits on the given hash list that target
// board, most relevant first: list order, then variant ("internal"
// before "public" before anything else).
func (ix *Index) filtered(hashes []string, board hwver.Version) []commitInfo {
	pos := make(map[string]int, len(hashes))
	for i, h := range hashes {
		pos[h] = i
	}
	var out []commitInfo
	for _, c := range ix.commits {
		if _, ok := pos[c.CommitHash]; !ok {
			continue
		}
		if !boardMatches(c.Board, board) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := pos[out[i].CommitHash], pos[out[j].CommitHash]
		if pi != pj {
			return pi < pj
		}
		return variantRank(out[i].Variant) < variantRank(out[j].Variant)
	})
	return out
}

func (ix *Index) manifest(c commitInfo) (*Manifest, error) {
	f, ok := ix.files[c.Content]
	if !ok {
		return nil, fmt.Errorf("index names no file for commit %s", c.CommitHash)
	}
	return &Manifest{
		ContentKey:  c.Content,
		CommitHash:  c.CommitHash,
		ReleaseDate: f.ReleaseDate,
		URL:         f.URL,
	}, nil
}

// Releases without a board entry are never offered; a build of
// unknown target must not end up on a device.
func boardMatches(entry *hwver.Version, board hwver.Version) bool {
	return entry != nil && *entry == board
}

func variantRank(variant string) int {
	switch variant {
	case "internal":
		return 0
	case "public":
		return 1
	}
	return 2
}

func reversed(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

var hexVersionRe = regexp.MustCompile(`^[0-9a-fA-F]*$`)

// NormalizeVersion canonicalizes a user-supplied version: commit
// hashes (8 or 40 hex characters) are lowered and shortened to 8
// characters, anything else passes through.
func NormalizeVersion(version string) string {
	if hexVersionRe.MatchString(version) && (len(version) == 8 || len(version) == 40) {
		return strings.ToLower(version)[:8]
	}
	return version
}

// contentKey canonicalizes a base64 content hash (padded or not,
// URL-safe or standard alphabet) to unpadded URL-safe form.
func contentKey(s string) (string, error) {
	t := strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if m := len(t) % 4; m != 0 {
		t += strings.Repeat("=", 4-m)
	}
	raw, err := base64.StdEncoding.DecodeString(t)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

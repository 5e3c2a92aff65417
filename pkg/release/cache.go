package release

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/golang/glog"
	"github.com/ulikunitz/xz"
)

// cacheDir holds downloaded artifacts. Overridden in tests.
var cacheDir = filepath.Join(xdg.CacheHome, "axflash", "firmware")

// Fetch returns the artifact a manifest points at, downloading it on
// first use and reading the local cache afterwards. Artifacts served
// as .xz are stored decompressed.
func Fetch(m *Manifest) ([]byte, error) {
	fspath := pathFor(m)
	if _, err := os.Stat(fspath); err == nil {
		glog.Infof("Using cached firmware %s at %s", m.CommitHash, fspath)
		return os.ReadFile(fspath)
	}

	glog.Infof("Downloading firmware %s from %s...", m.CommitHash, m.URL)
	resp, err := http.Get(m.URL)
	if err != nil {
		return nil, fmt.Errorf("could not download firmware: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("could not download firmware: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not download firmware: %w", err)
	}

	if strings.HasSuffix(m.URL, ".xz") {
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("could not decompress firmware: %w", err)
		}
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("could not decompress firmware: %w", err)
		}
	}

	os.MkdirAll(filepath.Dir(fspath), 0755)
	if err := os.WriteFile(fspath, data, 0644); err != nil {
		return nil, fmt.Errorf("could not write firmware cache: %w", err)
	}
	return data, nil
}

func pathFor(m *Manifest) string {
	name := m.URL[strings.LastIndex(m.URL, "/")+1:]
	name = strings.TrimSuffix(name, ".xz")
	name = strings.TrimSuffix(name, ".elf")
	return filepath.Join(cacheDir, fmt.Sprintf("%s_%s.elf", m.ContentKey, name))
}

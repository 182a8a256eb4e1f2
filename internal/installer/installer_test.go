// Copyright © 2024 PackWisely Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/packwisely/patcher/internal/archive"
	"github.com/packwisely/patcher/internal/delta"
	"github.com/packwisely/patcher/internal/fetch"
	"github.com/packwisely/patcher/internal/manifest"
	"github.com/packwisely/patcher/internal/patchhash"
)

// fakeFetcher serves canned responses keyed by exact URL, mirroring the
// catalog package's own test style.
type fakeFetcher map[string][]byte

func (f fakeFetcher) Get(ctx context.Context, url string) (*fetch.Response, error) {
	body, ok := f[url]
	if !ok {
		return nil, fmt.Errorf("fakeFetcher: no response registered for %s", url)
	}
	return &fetch.Response{ContentLength: int64(len(body)), Body: io.NopCloser(bytes.NewReader(body))}, nil
}

// hostPlatform mirrors catalog's unexported hostOS/hostArch translation, so
// canned versions.json fixtures resolve on whatever host runs the suite.
func hostPlatform() (string, string) {
	goos := runtime.GOOS
	if goos == "darwin" {
		goos = "macos"
	}
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	return goos, arch
}

func mustCompressTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	w := archive.NewWriter(&tarBuf)
	for name, content := range files {
		if err := w.WriteBytes(name, []byte(content)); err != nil {
			t.Fatalf("WriteBytes(%s): %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	var zBuf bytes.Buffer
	if err := archive.CompressFile(&zBuf, &tarBuf); err != nil {
		t.Fatalf("compressing: %v", err)
	}
	return zBuf.Bytes()
}

// mustDiff computes a signature of oldContent and diffs newContent against
// it, the same sequence patchbuilder's diffFileAgainstSignature runs at
// authoring time.
func mustDiff(t *testing.T, oldContent, newContent string) []byte {
	t.Helper()
	sigBytes, err := delta.ComputeSignature(strings.NewReader(oldContent))
	if err != nil {
		t.Fatalf("ComputeSignature: %v", err)
	}
	sig, err := delta.LoadSignature(sigBytes)
	if err != nil {
		t.Fatalf("LoadSignature: %v", err)
	}
	var deltaBuf bytes.Buffer
	if err := delta.Diff(sig, []byte(newContent), &deltaBuf); err != nil {
		t.Fatalf("Diff: %v", err)
	}
	return deltaBuf.Bytes()
}

// mustCompressDeltaTar wraps a single named delta payload in a compressed
// tar, the diff.tar.zst shape applyDiffPhase streams.
func mustCompressDeltaTar(t *testing.T, name string, deltaBytes []byte) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	w := archive.NewWriter(&tarBuf)
	if err := w.WriteBytes(name, deltaBytes); err != nil {
		t.Fatalf("WriteBytes(%s): %v", name, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	var zBuf bytes.Buffer
	if err := archive.CompressFile(&zBuf, &tarBuf); err != nil {
		t.Fatalf("compressing: %v", err)
	}
	return zBuf.Bytes()
}

func TestInstallAppliesDiffFile(t *testing.T) {
	goos, goarch := hostPlatform()
	installDir := t.TempDir()
	rootURL := "https://cdn.example.com/assets/PackWisely"
	platformDir := fmt.Sprintf("%s-%s", goos, goarch)

	oldContent := "executable bytes for v1, padded so the rolling hash has something to match against"
	newContent := "executable bytes for v2, padded so the rolling hash has something to match against"

	channelDir := filepath.Join(installDir, "stable")
	oldInstallDir := filepath.Join(channelDir, "1.0.0", platformDir)
	if err := os.MkdirAll(filepath.Join(oldInstallDir, "bin"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(oldInstallDir, "bin", "game"), []byte(oldContent), 0644); err != nil {
		t.Fatalf("WriteFile old content: %v", err)
	}
	oldChannelManifest := `{"manifest_version":"V1","version":"1.0.0","new_files":[],"diff_files":[],"stale_files":[]}`
	if err := os.WriteFile(filepath.Join(channelDir, "manifest.json"), []byte(oldChannelManifest), 0644); err != nil {
		t.Fatalf("WriteFile channel manifest: %v", err)
	}

	deltaBytes := mustDiff(t, oldContent, newContent)
	newHash := patchhash.OfBytes([]byte(newContent))

	platformURL := rootURL + "/stable/2.0.0/" + goos + "/" + goarch
	manifestJSON := fmt.Sprintf(`{"manifest_version":"V1","version":"2.0.0","new_files":[],"diff_files":[{"path":"bin/game","len":%d,"hash":%q}],"stale_files":[]}`,
		len(newContent), newHash.Base64())
	versionsJSON := fmt.Sprintf(`[{"version":"2.0.0","platforms":[{"os":%q,"arch":%q,"exe_path":"bin/game"}]}]`, goos, goarch)

	f := fakeFetcher{
		rootURL + "/channels.json":        []byte(`[{"name":"stable"}]`),
		rootURL + "/stable/versions.json": []byte(versionsJSON),
		platformURL + "/manifest.json":    []byte(manifestJSON),
		platformURL + "/diff.tar.zst":     mustCompressDeltaTar(t, "bin/game", deltaBytes),
	}

	exePath, err := Install(context.Background(), Options{InstallDir: installDir, RootURL: rootURL, Fetcher: f})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	wantExe := filepath.Join(installDir, "stable", "2.0.0", platformDir, "bin", "game")
	if exePath != wantExe {
		t.Fatalf("exePath = %s, want %s", exePath, wantExe)
	}

	got, err := os.ReadFile(wantExe)
	if err != nil {
		t.Fatalf("reading reconstructed file: %v", err)
	}
	if string(got) != newContent {
		t.Fatalf("reconstructed content = %q, want %q", got, newContent)
	}
	if gotHash := patchhash.OfBytes(got); gotHash != newHash {
		t.Fatalf("reconstructed hash = %s, want %s", gotHash.Base64(), newHash.Base64())
	}

	// The superseded old source file is removed once the new tree is
	// complete.
	if _, err := os.Stat(filepath.Join(oldInstallDir, "bin", "game")); !os.IsNotExist(err) {
		t.Fatalf("expected old source file to be removed, stat err = %v", err)
	}
}

func TestInstallFreshInstall(t *testing.T) {
	goos, goarch := hostPlatform()
	installDir := t.TempDir()
	rootURL := "https://cdn.example.com/assets/PackWisely"
	platformDir := fmt.Sprintf("%s-%s", goos, goarch)
	platformURL := rootURL + "/stable/1.0.0/" + goos + "/" + goarch

	gameContent := "executable bytes for v1"
	hash := patchhash.OfBytes([]byte(gameContent))

	manifestJSON := fmt.Sprintf(`{"manifest_version":"V1","version":"1.0.0","new_files":[{"path":"bin/game","len":%d,"hash":%q}],"diff_files":[],"stale_files":[]}`,
		len(gameContent), hash.Base64())

	versionsJSON := fmt.Sprintf(`[{"version":"1.0.0","platforms":[{"os":%q,"arch":%q,"exe_path":"bin/game"}]}]`, goos, goarch)

	f := fakeFetcher{
		rootURL + "/channels.json":        []byte(`[{"name":"stable"}]`),
		rootURL + "/stable/versions.json": []byte(versionsJSON),
		platformURL + "/manifest.json":    []byte(manifestJSON),
		platformURL + "/raw.tar.zst":      mustCompressTar(t, map[string]string{"bin/game": gameContent}),
	}

	exePath, err := Install(context.Background(), Options{InstallDir: installDir, RootURL: rootURL, Fetcher: f})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	wantExe := filepath.Join(installDir, "stable", "1.0.0", platformDir, "bin", "game")
	if exePath != wantExe {
		t.Fatalf("exePath = %s, want %s", exePath, wantExe)
	}

	got, err := os.ReadFile(wantExe)
	if err != nil {
		t.Fatalf("reading installed file: %v", err)
	}
	if string(got) != gameContent {
		t.Fatalf("installed content = %q, want %q", got, gameContent)
	}

	if _, err := os.Stat(filepath.Join(installDir, "stable", "manifest.json")); err != nil {
		t.Fatalf("expected channel manifest.json to be committed: %v", err)
	}
}

func TestInstallAlreadyUpToDate(t *testing.T) {
	goos, goarch := hostPlatform()
	installDir := t.TempDir()
	rootURL := "https://cdn.example.com/assets/PackWisely"

	channelDir := filepath.Join(installDir, "stable")
	if err := os.MkdirAll(channelDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	existing := `{"manifest_version":"V1","version":"1.0.0","new_files":[],"diff_files":[],"stale_files":[]}`
	if err := os.WriteFile(filepath.Join(channelDir, "manifest.json"), []byte(existing), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	versionsJSON := fmt.Sprintf(`[{"version":"1.0.0","platforms":[{"os":%q,"arch":%q,"exe_path":"bin/game"}]}]`, goos, goarch)
	// Deliberately no manifest.json/raw.tar.zst registered: a correct
	// up-to-date short-circuit never requests them.
	f := fakeFetcher{
		rootURL + "/channels.json":       []byte(`[{"name":"stable"}]`),
		rootURL + "/stable/versions.json": []byte(versionsJSON),
	}

	exePath, err := Install(context.Background(), Options{InstallDir: installDir, RootURL: rootURL, Fetcher: f})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	wantExe := filepath.Join(installDir, "stable", "1.0.0", fmt.Sprintf("%s-%s", goos, goarch), "bin", "game")
	if exePath != wantExe {
		t.Fatalf("exePath = %s, want %s", exePath, wantExe)
	}
}

func TestInstallRejectsMissingRootURL(t *testing.T) {
	_, err := Install(context.Background(), Options{InstallDir: t.TempDir(), RootURL: ""})
	if err != ErrMissingRootUrl {
		t.Fatalf("err = %v, want ErrMissingRootUrl", err)
	}
}

func TestInstallDiffWithoutPreviousVersionFails(t *testing.T) {
	goos, goarch := hostPlatform()
	installDir := t.TempDir()
	rootURL := "https://cdn.example.com/assets/PackWisely"
	platformURL := rootURL + "/stable/1.0.0/" + goos + "/" + goarch

	manifestJSON := `{"manifest_version":"V1","version":"1.0.0","new_files":[],"diff_files":[{"path":"bin/game","len":4,"hash":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}],"stale_files":[]}`
	versionsJSON := fmt.Sprintf(`[{"version":"1.0.0","platforms":[{"os":%q,"arch":%q,"exe_path":"bin/game"}]}]`, goos, goarch)

	f := fakeFetcher{
		rootURL + "/channels.json":       []byte(`[{"name":"stable"}]`),
		rootURL + "/stable/versions.json": []byte(versionsJSON),
		platformURL + "/manifest.json":    []byte(manifestJSON),
	}

	_, err := Install(context.Background(), Options{InstallDir: installDir, RootURL: rootURL, Fetcher: f})
	if err != ErrMissingPreviousVersion {
		t.Fatalf("err = %v, want ErrMissingPreviousVersion", err)
	}
}

func TestCompletenessTrackerCatchesShortfall(t *testing.T) {
	c := newCompletenessTracker()
	c.expectedNew = 2
	c.consumedNew = 1
	if err := c.check(); err == nil {
		t.Fatalf("expected an error for a short raw.tar stream")
	}
}

func TestCompletenessTrackerPassesWhenSatisfied(t *testing.T) {
	c := newCompletenessTracker()
	c.expectedDiff = 1
	c.consumedDiff = 1
	c.expectedNew = 2
	c.consumedNew = 2
	if err := c.check(); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestVerifyFileDetectsSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, []byte("short"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	fm := manifest.FileManifest{Path: "f.bin", Len: 999, Hash: patchhash.OfBytes([]byte("short"))}

	err := verifyFile(path, "f.bin", fm)
	var wsErr *WrongSizeError
	if !errors.As(err, &wsErr) {
		t.Fatalf("err = %v, want *WrongSizeError", err)
	}
}

func TestVerifyFileDetectsHashMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, []byte("actual content"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	fm := manifest.FileManifest{Path: "f.bin", Len: uint64(len("actual content")), Hash: patchhash.OfBytes([]byte("different content"))}

	err := verifyFile(path, "f.bin", fm)
	var whErr *WrongHashError
	if !errors.As(err, &whErr) {
		t.Fatalf("err = %v, want *WrongHashError", err)
	}
}

func TestOpenSourceForMmapHandlesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r, cleanup, err := openSourceForMmap(path)
	defer cleanup()
	if err != nil {
		t.Fatalf("openSourceForMmap: %v", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected zero bytes from an empty source, got %d", len(data))
	}
}

func TestPreserveSavesSkipsMissingSource(t *testing.T) {
	oldDir := t.TempDir()
	newDir := t.TempDir()
	if err := preserveSaves(oldDir, newDir); err != nil {
		t.Fatalf("preserveSaves: %v", err)
	}
}

func TestPreserveSavesCopiesExistingSaveDir(t *testing.T) {
	oldDir := t.TempDir()
	newDir := t.TempDir()

	saveSrc := filepath.Join(oldDir, "PackWisely", "Saved", "SaveGames")
	if err := os.MkdirAll(saveSrc, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(saveSrc, "slot1.sav"), []byte("progress"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := preserveSaves(oldDir, newDir); err != nil {
		t.Fatalf("preserveSaves: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(newDir, "PackWisely", "Saved", "SaveGames", "slot1.sav"))
	if err != nil {
		t.Fatalf("reading preserved save: %v", err)
	}
	if string(got) != "progress" {
		t.Fatalf("preserved save content = %q, want %q", got, "progress")
	}
}

func TestCommitManifestIsAtomic(t *testing.T) {
	channelDir := t.TempDir()
	version, err := semver.NewVersion("1.0.0")
	if err != nil {
		t.Fatalf("semver: %v", err)
	}
	m := &manifest.PatchManifest{ManifestVersion: manifest.FormatV1, Version: version}

	if err := commitManifest(channelDir, m); err != nil {
		t.Fatalf("commitManifest: %v", err)
	}
	if _, err := os.Stat(filepath.Join(channelDir, "manifest.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file should not survive a successful commit")
	}
	if _, err := os.Stat(filepath.Join(channelDir, "manifest.json")); err != nil {
		t.Fatalf("expected committed manifest.json: %v", err)
	}
}

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

// Package installer implements the installation half of the patch
// pipeline: catalog resolution, streaming archive decode, rsync-style
// delta application against memory-mapped source files, verification, save
// preservation, and stale-file removal.
package installer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/packwisely/patcher/internal/archive"
	"github.com/packwisely/patcher/internal/catalog"
	"github.com/packwisely/patcher/internal/delta"
	"github.com/packwisely/patcher/internal/dircopier"
	"github.com/packwisely/patcher/internal/fetch"
	"github.com/packwisely/patcher/internal/logging"
	"github.com/packwisely/patcher/internal/manifest"
	"github.com/packwisely/patcher/internal/patchhash"
	"github.com/packwisely/patcher/internal/progress"
)

// saveDirs are the relative directories preserved across an upgrade, even
// though the patch manifest never mentions them.
var saveDirs = []string{
	filepath.Join("PackWisely", "Saved", "Config"),
	filepath.Join("PackWisely", "Saved", "SaveGames"),
}

// Options configures one Install run.
type Options struct {
	// InstallDir is the root directory everything is installed under.
	InstallDir string
	// RootURL is the already-resolved ".../assets/PackWisely" base URL.
	RootURL string

	Fetcher fetch.Fetcher
	Sink    progress.Sink
	Logger  *logging.Logger
}

// Install resolves the catalog, applies whatever diff/new files are needed,
// preserves save state, removes stale files, and commits the new channel
// manifest. It returns the path to the platform executable.
func Install(ctx context.Context, opts Options) (string, error) {
	log := opts.Logger
	if log == nil {
		log = logging.New(nil, logging.LevelInfo)
	}
	f := opts.Fetcher
	if f == nil {
		f = fetch.NewHTTPFetcher(nil)
	}
	tracker := progress.NewTracker(opts.Sink)

	if opts.RootURL == "" {
		return "", ErrMissingRootUrl
	}

	tracker.SetMessage("resolving catalog")
	resolution, err := catalog.Resolve(ctx, f, opts.RootURL)
	if err != nil {
		return "", err
	}
	log.Info(logging.Install, "resolved channel=%s version=%s platform=%s/%s",
		resolution.Channel, resolution.Version, resolution.Platform.OS, resolution.Platform.Arch)

	channelDir := filepath.Join(opts.InstallDir, resolution.Channel)
	oldManifest, err := readOldManifest(channelDir)
	if err != nil {
		return "", err
	}

	newInstallDir := filepath.Join(channelDir, resolution.Version.String(),
		fmt.Sprintf("%s-%s", resolution.Platform.OS, resolution.Platform.Arch))

	if oldManifest != nil && oldManifest.Version.Equal(resolution.Version) {
		log.Info(logging.Install, "already at version %s, nothing to do", resolution.Version)
		tracker.SetMessage("up to date")
		if opts.Sink != nil {
			opts.Sink.Emit(progress.EventInstallFinished, nil)
		}
		return filepath.Join(newInstallDir, resolution.Platform.ExePath), nil
	}

	if err := os.MkdirAll(newInstallDir, 0755); err != nil {
		return "", errors.Wrap(err, "creating target install directory")
	}

	tracker.SetMessage("fetching patch manifest")
	platformURL := joinURL(opts.RootURL, resolution.Channel, resolution.Version.String(),
		resolution.Platform.OS, resolution.Platform.Arch)
	pm, err := fetchPatchManifest(ctx, f, platformURL)
	if err != nil {
		return "", err
	}

	var oldInstallDir string
	if oldManifest != nil {
		oldInstallDir = filepath.Join(channelDir, oldManifest.Version.String(),
			fmt.Sprintf("%s-%s", resolution.Platform.OS, resolution.Platform.Arch))
	}

	completeness := newCompletenessTracker()
	var staleSources []string

	if len(pm.DiffFiles) > 0 {
		if oldManifest == nil {
			return "", ErrMissingPreviousVersion
		}
		tracker.SetMessage("applying diffs")
		sources, err := applyDiffPhase(ctx, f, platformURL, oldInstallDir, newInstallDir, pm.DiffFiles, tracker, log, completeness)
		if err != nil {
			return "", err
		}
		staleSources = sources
	}

	if len(pm.NewFiles) > 0 {
		tracker.SetMessage("installing new files")
		if err := applyNewPhase(ctx, f, platformURL, newInstallDir, pm.NewFiles, tracker, log, completeness); err != nil {
			return "", err
		}
	}

	if oldInstallDir != "" {
		if _, err := os.Stat(oldInstallDir); err == nil {
			tracker.SetMessage("preserving save state")
			if err := preserveSaves(oldInstallDir, newInstallDir); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", errors.Wrap(err, "checking old install directory")
		}
	}

	if oldInstallDir != "" {
		if _, err := os.Stat(oldInstallDir); err == nil {
			tracker.SetMessage("removing stale files")
			for _, rel := range pm.StaleFiles {
				if err := os.Remove(filepath.Join(oldInstallDir, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
					return "", errors.Wrapf(err, "removing stale file %s", rel)
				}
			}
			for _, abs := range staleSources {
				if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
					return "", errors.Wrapf(err, "removing superseded source file %s", abs)
				}
			}
		}
	}

	if err := completeness.check(); err != nil {
		return "", err
	}

	newManifest := &manifest.PatchManifest{
		ManifestVersion: manifest.FormatV1,
		Version:         resolution.Version,
		PreviousVersion: previousVersionOf(oldManifest),
		NewFiles:        pm.NewFiles,
		DiffFiles:       pm.DiffFiles,
		StaleFiles:      pm.StaleFiles,
	}
	if err := commitManifest(channelDir, newManifest); err != nil {
		return "", err
	}

	tracker.SetMessage("done")
	if opts.Sink != nil {
		opts.Sink.Emit(progress.EventInstallFinished, nil)
	}

	return filepath.Join(newInstallDir, resolution.Platform.ExePath), nil
}

// previousVersionOf extracts the version to record as previous_version in
// the new channel manifest: the version that was installed before this run.
func previousVersionOf(old *manifest.PatchManifest) *semver.Version {
	if old == nil {
		return nil
	}
	return old.Version
}

// preserveSaves copies the save-state subdirectories from the old install to
// the new one. A missing source subdirectory is a no-op; any other copy
// failure propagates as a CopyError.
func preserveSaves(oldInstallDir, newInstallDir string) error {
	for _, rel := range saveDirs {
		src := filepath.Join(oldInstallDir, rel)
		dst := filepath.Join(newInstallDir, rel)

		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return &CopyError{Path: rel, Err: err}
		}
		if err := dircopier.CopyDir(src, dst); err != nil {
			return &CopyError{Path: rel, Err: err}
		}
	}
	return nil
}

// readOldManifest reads channelDir/manifest.json. A missing file is
// non-fatal (nil, nil); invalid JSON fails ErrInvalidInstalledPatch; any
// other IO error propagates.
func readOldManifest(channelDir string) (*manifest.PatchManifest, error) {
	path := filepath.Join(channelDir, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading channel manifest")
	}
	pm, err := manifest.Parse(data)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidInstalledPatch, "%v", err)
	}
	return pm, nil
}

func fetchPatchManifest(ctx context.Context, f fetch.Fetcher, platformURL string) (*manifest.PatchManifest, error) {
	data, err := fetch.GetBytes(ctx, f, joinURL(platformURL, "manifest.json"))
	if err != nil {
		return nil, errors.Wrap(err, "fetching patch manifest")
	}
	return manifest.Parse(data)
}

// completenessTracker counts, per archive, how many of the manifest's
// expected entries were actually consumed from the stream.
type completenessTracker struct {
	expectedDiff int
	consumedDiff int
	expectedNew  int
	consumedNew  int
}

func newCompletenessTracker() *completenessTracker {
	return &completenessTracker{}
}

func (c *completenessTracker) check() error {
	if c.consumedDiff < c.expectedDiff {
		return &InvalidArchivePathError{Path: "diff.tar", Reason: fmt.Sprintf("expected %d entries, archive produced %d", c.expectedDiff, c.consumedDiff)}
	}
	if c.consumedNew < c.expectedNew {
		return &InvalidArchivePathError{Path: "raw.tar", Reason: fmt.Sprintf("expected %d entries, archive produced %d", c.expectedNew, c.consumedNew)}
	}
	return nil
}

// applyDiffPhase streams diff.tar.zst, reconstructing each file by applying
// its delta against the memory-mapped old file, and returns the absolute
// paths of the old source files to delete once the new tree is complete.
func applyDiffPhase(
	ctx context.Context,
	f fetch.Fetcher,
	platformURL, oldInstallDir, newInstallDir string,
	diffFiles []manifest.FileManifest,
	tracker *progress.Tracker,
	log *logging.Logger,
	completeness *completenessTracker,
) ([]string, error) {
	expected := manifest.FileIndex(diffFiles)
	completeness.expectedDiff = len(expected)

	resp, err := f.Get(ctx, joinURL(platformURL, "diff.tar.zst"))
	if err != nil {
		return nil, errors.Wrap(err, "fetching diff.tar.zst")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.ContentLength > 0 {
		tracker.SetNetMax(uint64(resp.ContentLength))
	}

	zr, err := archive.NewZstdReader(tracker.NetReader(resp.Body))
	if err != nil {
		return nil, errors.Wrap(err, "opening diff.tar.zst stream")
	}
	defer func() { _ = zr.Close() }()

	var staleSources []string

	for {
		entry, err := zr.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "reading diff.tar.zst")
		}

		fm, ok := expected[entry.Name]
		if !ok {
			return nil, &UnexpectedArchiveFileError{Path: entry.Name}
		}

		deltaBytes, err := io.ReadAll(entry.R)
		if err != nil {
			return nil, errors.Wrapf(err, "reading delta entry %s", entry.Name)
		}

		oldPath := filepath.Join(oldInstallDir, filepath.FromSlash(entry.Name))
		newPath := filepath.Join(newInstallDir, filepath.FromSlash(entry.Name))
		if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
			return nil, errors.Wrapf(err, "creating parent directory for %s", newPath)
		}

		if err := applyDeltaToFile(oldPath, newPath, deltaBytes, fm.Len); err != nil {
			return nil, &DeltaApplyError{Path: entry.Name, Err: err}
		}

		if err := verifyFile(newPath, entry.Name, fm); err != nil {
			return nil, err
		}

		staleSources = append(staleSources, oldPath)
		completeness.consumedDiff++
		tracker.AddDisk(fm.Len)
		log.Debug(logging.Delta, "applied diff for %s", entry.Name)
	}

	return staleSources, nil
}

// applyDeltaToFile memory-maps oldPath (or uses an empty reader if it is
// zero-length, since mmap cannot map an empty region) and applies deltaBytes
// against it, writing the result to newPath.
func applyDeltaToFile(oldPath, newPath string, deltaBytes []byte, expectedLen uint64) error {
	src, closeSrc, err := openSourceForMmap(oldPath)
	if err != nil {
		return errors.Wrapf(err, "mapping source file %s", oldPath)
	}
	defer closeSrc()

	dst, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", newPath)
	}
	defer func() { _ = dst.Close() }()
	if err := dst.Truncate(int64(expectedLen)); err != nil {
		return errors.Wrapf(err, "presizing %s", newPath)
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if err := delta.ApplyLimited(src, deltaBytes, dst, int64(expectedLen)); err != nil {
		return err
	}
	return dst.Close()
}

// openSourceForMmap returns a io.ReadSeeker over the contents of path,
// backed by a read-only mmap when the file is non-empty (mmap cannot map a
// zero-length region), and a function to release any mapping.
func openSourceForMmap(path string) (io.ReadSeeker, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, func() {}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, func() {}, err
	}
	if info.Size() == 0 {
		return bytes.NewReader(nil), func() {}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, func() {}, errors.Wrap(err, "mmap")
	}
	cleanup := func() { _ = unix.Munmap(data) }
	return bytes.NewReader(data), cleanup, nil
}

// applyNewPhase streams raw.tar.zst, writing each entry directly to its
// destination while hashing incrementally.
func applyNewPhase(
	ctx context.Context,
	f fetch.Fetcher,
	platformURL, newInstallDir string,
	newFiles []manifest.FileManifest,
	tracker *progress.Tracker,
	log *logging.Logger,
	completeness *completenessTracker,
) error {
	expected := manifest.FileIndex(newFiles)
	completeness.expectedNew = len(expected)

	resp, err := f.Get(ctx, joinURL(platformURL, "raw.tar.zst"))
	if err != nil {
		return errors.Wrap(err, "fetching raw.tar.zst")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.ContentLength > 0 {
		tracker.SetNetMax(uint64(resp.ContentLength))
	}

	zr, err := archive.NewZstdReader(tracker.NetReader(resp.Body))
	if err != nil {
		return errors.Wrap(err, "opening raw.tar.zst stream")
	}
	defer func() { _ = zr.Close() }()

	for {
		entry, err := zr.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(err, "reading raw.tar.zst")
		}

		fm, ok := expected[entry.Name]
		if !ok {
			return &UnexpectedArchiveFileError{Path: entry.Name}
		}

		newPath := filepath.Join(newInstallDir, filepath.FromSlash(entry.Name))
		if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
			return errors.Wrapf(err, "creating parent directory for %s", newPath)
		}

		hasher := patchhash.New()
		if err := streamToFile(newPath, io.TeeReader(entry.R, hasher), fm.Len); err != nil {
			return err
		}
		info, err := os.Stat(newPath)
		if err != nil {
			return errors.Wrapf(err, "stat %s", newPath)
		}
		if uint64(info.Size()) != fm.Len {
			return &WrongSizeError{Path: entry.Name, Expected: fm.Len, Actual: uint64(info.Size())}
		}
		if actual := hasher.Sum(); actual != fm.Hash {
			return &WrongHashError{Path: entry.Name, Expected: fm.Hash, Actual: actual}
		}

		completeness.consumedNew++
		tracker.AddDisk(fm.Len)
		log.Debug(logging.Archive, "installed new file %s", entry.Name)
	}

	return nil
}

func streamToFile(path string, r io.Reader, expectedLen uint64) error {
	dst, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer func() { _ = dst.Close() }()
	if err := dst.Truncate(int64(expectedLen)); err != nil {
		return errors.Wrapf(err, "presizing %s", path)
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return dst.Close()
}

func verifyFile(path, archiveName string, fm manifest.FileManifest) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	if uint64(info.Size()) != fm.Len {
		return &WrongSizeError{Path: archiveName, Expected: fm.Len, Actual: uint64(info.Size())}
	}
	actual, err := patchhash.OfFile(path)
	if err != nil {
		return errors.Wrapf(err, "hashing %s", path)
	}
	if actual != fm.Hash {
		return &WrongHashError{Path: archiveName, Expected: fm.Hash, Actual: actual}
	}
	return nil
}

// commitManifest writes m to channelDir/manifest.json via rename-over-temp,
// so a crash mid-write never leaves a torn manifest behind.
func commitManifest(channelDir string, m *manifest.PatchManifest) error {
	if err := os.MkdirAll(channelDir, 0755); err != nil {
		return errors.Wrap(err, "creating channel directory")
	}
	final := filepath.Join(channelDir, "manifest.json")
	tmp := final + ".tmp"

	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding channel manifest")
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "creating temp manifest")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "writing temp manifest")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "syncing temp manifest")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing temp manifest")
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrap(err, "committing channel manifest")
	}
	return nil
}

func joinURL(base string, parts ...string) string {
	out := base
	for _, p := range parts {
		if out[len(out)-1] != '/' {
			out += "/"
		}
		out += p
	}
	return out
}

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

// Package patchbuilder implements the authoring half of the patch
// pipeline: given a new directory tree and optionally a prior one's sig
// archive, it produces the raw/diff/sig archive triple plus the
// PatchManifest that describes them.
package patchbuilder

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/packwisely/patcher/internal/archive"
	"github.com/packwisely/patcher/internal/delta"
	"github.com/packwisely/patcher/internal/logging"
	"github.com/packwisely/patcher/internal/manifest"
	"github.com/packwisely/patcher/internal/patchhash"
	"github.com/packwisely/patcher/internal/progress"
	"github.com/packwisely/patcher/internal/walker"
)

// Options configures one CreatePatch run.
type Options struct {
	// OutDir is the output directory for raw.tar, sig.tar, diff.tar (if
	// any), and manifest.json. It is reused from the previous run so that
	// manifest.json there can supply PreviousVersion and old_dir's sig.tar
	// can be read for diffing.
	OutDir string
	// NewDir is the new version's directory tree.
	NewDir string
	// OldDir is the directory holding the previous version's sig.tar (the
	// previous run's OutDir), or "" for a fresh (no-diff) patch.
	OldDir string
	// Version is the version being published.
	Version *semver.Version

	Sink   progress.Sink
	Logger *logging.Logger
}

// Result is what CreatePatch returns: the manifest it wrote and the total
// on-disk size of the four artifacts.
type Result struct {
	Manifest  *manifest.PatchManifest
	PatchSize uint64
}

// CreatePatch runs the full authoring pipeline described in the patch
// format: triage old vs. new files, emit raw/sig/diff tars, and write
// manifest.json.
func CreatePatch(opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = logging.New(nil, logging.LevelInfo)
	}

	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating output directory")
	}

	newFiles, err := walker.Files(opts.NewDir)
	if err != nil {
		return nil, errors.Wrap(err, "enumerating new directory")
	}
	remaining := make(map[string]bool, len(newFiles))
	for _, p := range newFiles {
		remaining[p] = true
	}

	pm := &manifest.PatchManifest{
		ManifestVersion: manifest.FormatV1,
		Version:         opts.Version,
	}

	rawPath := filepath.Join(opts.OutDir, "raw.tar")
	sigPath := filepath.Join(opts.OutDir, "sig.tar")
	manifestPath := filepath.Join(opts.OutDir, "manifest.json")

	hasOldDir := opts.OldDir != ""

	// Old sig.tar and manifest.json must be read in full before anything
	// in OutDir is truncated: callers routinely reuse OutDir as the next
	// run's OldDir, and OutDir/sig.tar would otherwise be emptied by
	// os.Create below before its previous contents were ever read.
	var oldSigEntries []oldSigEntry
	var previousVersion *semver.Version
	if hasOldDir {
		if prev, err := manifest.ReadFile(manifestPath); err == nil {
			previousVersion = prev.Version
		} else if !os.IsNotExist(errors.Cause(err)) {
			log.Warning(logging.Patch, "could not read previous manifest %s: %v", manifestPath, err)
		}

		oldSigEntries, err = readOldSigTar(filepath.Join(opts.OldDir, "sig.tar"))
		if err != nil {
			return nil, errors.Wrap(err, "reading previous sig.tar")
		}
	}
	pm.PreviousVersion = previousVersion

	rawFile, err := os.Create(rawPath)
	if err != nil {
		return nil, errors.Wrap(err, "creating raw.tar")
	}
	defer func() { _ = rawFile.Close() }()
	rawWriter := archive.NewWriter(rawFile)

	sigFile, err := os.Create(sigPath)
	if err != nil {
		return nil, errors.Wrap(err, "creating sig.tar")
	}
	defer func() { _ = sigFile.Close() }()
	sigWriter := archive.NewWriter(sigFile)

	var diffFile *os.File
	var diffWriter *archive.Writer
	if hasOldDir {
		diffFile, err = os.Create(filepath.Join(opts.OutDir, "diff.tar"))
		if err != nil {
			return nil, errors.Wrap(err, "creating diff.tar")
		}
		defer func() { _ = diffFile.Close() }()
		diffWriter = archive.NewWriter(diffFile)
	}

	totalFiles := len(newFiles)
	tracker := progress.NewPatchProgress(opts.Sink, totalFiles)

	if hasOldDir {
		for _, entry := range oldSigEntries {
			tracker.Starting(entry.path)

			if !remaining[entry.path] {
				pm.StaleFiles = append(pm.StaleFiles, entry.path)
				tracker.Finished(entry.path)
				continue
			}

			fm, err := diffFileAgainstSignature(opts.NewDir, entry.path, entry.data, diffWriter)
			if err != nil {
				return nil, errors.Wrapf(err, "diffing %s", entry.path)
			}
			pm.DiffFiles = append(pm.DiffFiles, fm)
			delete(remaining, entry.path)
			tracker.Finished(entry.path)
			log.Debug(logging.Patch, "diffed %s (%d bytes)", entry.path, fm.Len)
		}
	}

	for _, p := range newFiles {
		if !remaining[p] {
			continue
		}
		tracker.Starting(p)

		fm, err := addNewFile(opts.NewDir, p, rawWriter, sigWriter)
		if err != nil {
			return nil, errors.Wrapf(err, "adding new file %s", p)
		}
		pm.NewFiles = append(pm.NewFiles, fm)
		tracker.Finished(p)
		log.Debug(logging.Patch, "added %s (%d bytes)", p, fm.Len)
	}

	if err := rawWriter.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing raw.tar")
	}
	if err := sigWriter.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing sig.tar")
	}
	if diffWriter != nil {
		if err := diffWriter.Close(); err != nil {
			return nil, errors.Wrap(err, "finishing diff.tar")
		}
	}

	if err := pm.Validate(); err != nil {
		return nil, errors.Wrap(err, "built an invalid patch manifest")
	}
	if err := pm.WriteFile(manifestPath); err != nil {
		return nil, errors.Wrap(err, "writing manifest.json")
	}

	size, err := sumSizes(rawPath, sigPath, manifestPath, diffPathOrEmpty(opts.OutDir, hasOldDir))
	if err != nil {
		return nil, errors.Wrap(err, "computing patch size")
	}

	return &Result{Manifest: pm, PatchSize: size}, nil
}

type oldSigEntry struct {
	path string
	data []byte
}

func readOldSigTar(path string) ([]oldSigEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := archive.NewReader(f)
	var entries []oldSigEntry
	for {
		e, err := r.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		data := make([]byte, e.Size)
		if _, err := io.ReadFull(e.R, data); err != nil {
			return nil, errors.Wrapf(err, "reading signature entry %s", e.Name)
		}
		entries = append(entries, oldSigEntry{path: e.Name, data: data})
	}
	return entries, nil
}

// diffFileAgainstSignature reads the new version of path into memory, diffs
// it against the parsed old signature, and appends the result to diff.tar.
func diffFileAgainstSignature(newDir, relPath string, oldSigData []byte, diffWriter *archive.Writer) (manifest.FileManifest, error) {
	sig, err := delta.LoadSignature(oldSigData)
	if err != nil {
		return manifest.FileManifest{}, err
	}

	newContent, err := os.ReadFile(filepath.Join(newDir, filepath.FromSlash(relPath)))
	if err != nil {
		return manifest.FileManifest{}, err
	}

	var deltaBuf bytes.Buffer
	if err := delta.Diff(sig, newContent, &deltaBuf); err != nil {
		return manifest.FileManifest{}, err
	}
	if err := diffWriter.WriteBytes(relPath, deltaBuf.Bytes()); err != nil {
		return manifest.FileManifest{}, err
	}

	return manifest.FileManifest{
		Path: relPath,
		Len:  uint64(len(newContent)),
		Hash: patchhash.OfBytes(newContent),
	}, nil
}

// addNewFile streams a truly-new file's content into raw.tar, computes its
// rsync signature into sig.tar, and records its FileManifest.
func addNewFile(newDir, relPath string, rawWriter, sigWriter *archive.Writer) (manifest.FileManifest, error) {
	abs := filepath.Join(newDir, filepath.FromSlash(relPath))

	info, err := os.Stat(abs)
	if err != nil {
		return manifest.FileManifest{}, err
	}

	rf, err := os.Open(abs)
	if err != nil {
		return manifest.FileManifest{}, err
	}
	if err := rawWriter.WriteFile(relPath, info.Size(), rf); err != nil {
		_ = rf.Close()
		return manifest.FileManifest{}, err
	}
	if err := rf.Close(); err != nil {
		return manifest.FileManifest{}, err
	}

	sf, err := os.Open(abs)
	if err != nil {
		return manifest.FileManifest{}, err
	}
	sigBytes, err := delta.ComputeSignature(sf)
	_ = sf.Close()
	if err != nil {
		return manifest.FileManifest{}, err
	}
	if err := sigWriter.WriteBytes(relPath, sigBytes); err != nil {
		return manifest.FileManifest{}, err
	}

	hash, err := patchhash.OfFile(abs)
	if err != nil {
		return manifest.FileManifest{}, err
	}

	return manifest.FileManifest{
		Path: relPath,
		Len:  uint64(info.Size()),
		Hash: hash,
	}, nil
}

func sumSizes(paths ...string) (uint64, error) {
	var total uint64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			return 0, err
		}
		total += uint64(info.Size())
	}
	return total, nil
}

func diffPathOrEmpty(outDir string, hasOldDir bool) string {
	if !hasOldDir {
		return ""
	}
	return filepath.Join(outDir, "diff.tar")
}

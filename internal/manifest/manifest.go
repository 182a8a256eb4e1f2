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

// Package manifest defines the JSON records exchanged between the patch
// authoring and installation pipelines: the per-file FileManifest, the
// per-version PatchManifest, and the catalog records (Channel/Version/
// Platform) served from the root URL.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/packwisely/patcher/internal/patchhash"
)

// FormatVersion is the manifest_version discriminant. Only V1 exists today;
// decoders reject anything else.
type FormatVersion string

// FormatV1 is the only manifest format currently produced.
const FormatV1 FormatVersion = "V1"

// FileManifest describes one file as it exists in the *new* version of a
// patch: its tree-relative path, its length, and its content hash.
type FileManifest struct {
	Path string           `json:"path"`
	Len  uint64           `json:"len"`
	Hash patchhash.Digest `json:"-"`
}

// fileManifestWire is the on-the-wire JSON shape of FileManifest: hash is
// base64, standard alphabet, padded, per the wire format.
type fileManifestWire struct {
	Path string `json:"path"`
	Len  uint64 `json:"len"`
	Hash string `json:"hash"`
}

// MarshalJSON implements json.Marshaler.
func (f FileManifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(fileManifestWire{
		Path: f.Path,
		Len:  f.Len,
		Hash: f.Hash.Base64(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FileManifest) UnmarshalJSON(data []byte) error {
	var w fileManifestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	hash, err := patchhash.ParseBase64(w.Hash)
	if err != nil {
		return errors.Wrapf(err, "file manifest entry %q has invalid hash", w.Path)
	}
	f.Path = w.Path
	f.Len = w.Len
	f.Hash = hash
	return nil
}

// ValidatePath checks that p is a well-formed tree-relative POSIX path: no
// leading slash, no ".." component, no drive letter, forward slashes only.
func ValidatePath(p string) error {
	if p == "" {
		return errors.New("path is empty")
	}
	if strings.Contains(p, "\\") {
		return errors.Errorf("path %q contains a backslash", p)
	}
	if strings.HasPrefix(p, "/") {
		return errors.Errorf("path %q has a leading slash", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return errors.Errorf("path %q looks like a drive letter", p)
	}
	cleaned := path.Clean(p)
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." {
			return errors.Errorf("path %q contains a '..' component", p)
		}
	}
	return nil
}

// PatchManifest is the record published alongside raw.tar.zst/diff.tar.zst
// for one version of a channel, and the record persisted at
// <install_dir>/<channel>/manifest.json describing what is currently
// installed.
type PatchManifest struct {
	ManifestVersion FormatVersion   `json:"manifest_version"`
	Version         *semver.Version `json:"version"`
	PreviousVersion *semver.Version `json:"previous_version,omitempty"`
	NewFiles        []FileManifest  `json:"new_files"`
	DiffFiles       []FileManifest  `json:"diff_files"`
	StaleFiles      []string        `json:"stale_files"`
}

// patchManifestWire mirrors PatchManifest but with semver.Version fields
// represented as plain strings, since *semver.Version does not implement
// json.Marshaler/Unmarshaler directly in the version pinned here.
type patchManifestWire struct {
	ManifestVersion string         `json:"manifest_version"`
	Version         string         `json:"version"`
	PreviousVersion *string        `json:"previous_version,omitempty"`
	NewFiles        []FileManifest `json:"new_files"`
	DiffFiles       []FileManifest `json:"diff_files"`
	StaleFiles      []string       `json:"stale_files"`
}

// MarshalJSON implements json.Marshaler.
func (m PatchManifest) MarshalJSON() ([]byte, error) {
	w := patchManifestWire{
		ManifestVersion: string(m.ManifestVersion),
		NewFiles:        m.NewFiles,
		DiffFiles:       m.DiffFiles,
		StaleFiles:      m.StaleFiles,
	}
	if m.Version != nil {
		w.Version = m.Version.String()
	}
	if m.PreviousVersion != nil {
		s := m.PreviousVersion.String()
		w.PreviousVersion = &s
	}
	if w.NewFiles == nil {
		w.NewFiles = []FileManifest{}
	}
	if w.DiffFiles == nil {
		w.DiffFiles = []FileManifest{}
	}
	if w.StaleFiles == nil {
		w.StaleFiles = []string{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown manifest_version
// discriminants are rejected, per the wire format.
func (m *PatchManifest) UnmarshalJSON(data []byte) error {
	var w patchManifestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if FormatVersion(w.ManifestVersion) != FormatV1 {
		return errors.Errorf("unsupported manifest_version %q", w.ManifestVersion)
	}
	version, err := semver.NewVersion(w.Version)
	if err != nil {
		return errors.Wrapf(err, "invalid version %q", w.Version)
	}
	m.ManifestVersion = FormatV1
	m.Version = version
	m.PreviousVersion = nil
	if w.PreviousVersion != nil {
		prev, err := semver.NewVersion(*w.PreviousVersion)
		if err != nil {
			return errors.Wrapf(err, "invalid previous_version %q", *w.PreviousVersion)
		}
		m.PreviousVersion = prev
	}
	m.NewFiles = w.NewFiles
	m.DiffFiles = w.DiffFiles
	m.StaleFiles = w.StaleFiles
	return nil
}

// Validate checks the structural invariants every PatchManifest must
// satisfy: new_files and diff_files are disjoint by path, and no path
// escapes the tree.
func (m *PatchManifest) Validate() error {
	if m.Version == nil {
		return errors.New("version is required")
	}
	seen := make(map[string]string, len(m.NewFiles)+len(m.DiffFiles))
	for _, f := range m.NewFiles {
		if err := ValidatePath(f.Path); err != nil {
			return errors.Wrap(err, "new_files")
		}
		seen[f.Path] = "new_files"
	}
	for _, f := range m.DiffFiles {
		if err := ValidatePath(f.Path); err != nil {
			return errors.Wrap(err, "diff_files")
		}
		if _, ok := seen[f.Path]; ok {
			return errors.Errorf("path %q present in both new_files and diff_files", f.Path)
		}
		seen[f.Path] = "diff_files"
	}
	for _, p := range m.StaleFiles {
		if err := ValidatePath(p); err != nil {
			return errors.Wrap(err, "stale_files")
		}
		if _, ok := seen[p]; ok {
			return errors.Errorf("path %q present in both stale_files and %s", p, seen[p])
		}
	}
	return nil
}

// WriteFile serializes m as minified JSON to path.
func (m *PatchManifest) WriteFile(path string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding patch manifest")
	}
	return os.WriteFile(path, data, 0644)
}

// ReadFile parses a PatchManifest previously written by WriteFile.
func ReadFile(path string) (*PatchManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a PatchManifest from raw JSON bytes (disk or HTTP body).
func Parse(data []byte) (*PatchManifest, error) {
	var m PatchManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decoding patch manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid patch manifest")
	}
	return &m, nil
}

// ChannelManifest names one release stream (e.g. "stable", "beta").
type ChannelManifest struct {
	Name string `json:"name"`
}

// PlatformManifest describes one OS/arch target published for a version.
type PlatformManifest struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	ExePath string `json:"exe_path"`
}

// VersionManifest describes one published version and the platforms it was
// built for.
type VersionManifest struct {
	Version   *semver.Version    `json:"version"`
	Platforms []PlatformManifest `json:"platforms"`
}

type versionManifestWire struct {
	Version   string             `json:"version"`
	Platforms []PlatformManifest `json:"platforms"`
}

// MarshalJSON implements json.Marshaler.
func (v VersionManifest) MarshalJSON() ([]byte, error) {
	w := versionManifestWire{Platforms: v.Platforms}
	if v.Version != nil {
		w.Version = v.Version.String()
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *VersionManifest) UnmarshalJSON(data []byte) error {
	var w versionManifestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	version, err := semver.NewVersion(w.Version)
	if err != nil {
		return errors.Wrapf(err, "invalid version %q", w.Version)
	}
	v.Version = version
	v.Platforms = w.Platforms
	return nil
}

// ReadChannels parses the channels.json response body.
func ReadChannels(r io.Reader) ([]ChannelManifest, error) {
	var channels []ChannelManifest
	if err := json.NewDecoder(r).Decode(&channels); err != nil {
		return nil, errors.Wrap(err, "decoding channels.json")
	}
	return channels, nil
}

// ReadVersions parses a versions.json response body.
func ReadVersions(r io.Reader) ([]VersionManifest, error) {
	var versions []VersionManifest
	if err := json.NewDecoder(r).Decode(&versions); err != nil {
		return nil, errors.Wrap(err, "decoding versions.json")
	}
	return versions, nil
}

// FileIndex builds a path -> FileManifest lookup, used by the Installer to
// verify each archive entry against the manifest that described it.
func FileIndex(files []FileManifest) map[string]FileManifest {
	idx := make(map[string]FileManifest, len(files))
	for _, f := range files {
		idx[f.Path] = f
	}
	return idx
}

// String is a small debug helper used in log lines.
func (m *PatchManifest) String() string {
	if m == nil || m.Version == nil {
		return "<nil manifest>"
	}
	return fmt.Sprintf("version=%s new=%d diff=%d stale=%d", m.Version, len(m.NewFiles), len(m.DiffFiles), len(m.StaleFiles))
}

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

// Package catalog resolves a root URL down to the channel, version, and
// platform a host should install, by walking channels.json, then
// versions.json, then filtering the chosen version's platform list.
package catalog

import (
	"context"
	"os/exec"
	"runtime"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/packwisely/patcher/internal/fetch"
	"github.com/packwisely/patcher/internal/manifest"
)

// Sentinel errors for catalog resolution failures, part of the error-kind
// taxonomy the Installer surfaces to its caller.
var (
	ErrUnknownChannel  = errors.New("catalog: no channels published")
	ErrUnknownVersion  = errors.New("catalog: no versions published for channel")
	ErrUnsupportedOS   = errors.New("catalog: no platform published for this OS")
	ErrUnsupportedArch = errors.New("catalog: no platform published for this architecture")
)

// Resolution is the outcome of Resolve: the chosen channel name, version,
// and platform record.
type Resolution struct {
	Channel  string
	Version  *semver.Version
	Platform manifest.PlatformManifest
}

// Resolve walks rootURL/channels.json, rootURL/{channel}/versions.json, and
// picks the best platform entry for the current host.
func Resolve(ctx context.Context, f fetch.Fetcher, rootURL string) (*Resolution, error) {
	channels, err := fetchChannels(ctx, f, rootURL)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, ErrUnknownChannel
	}
	channel := channels[0].Name

	versions, err := fetchVersions(ctx, f, rootURL, channel)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrUnknownVersion
	}

	// Publication order is supposed to put the newest version last, but we
	// don't trust that blindly: sort by SemVer first so an out-of-order
	// feed can't silently select a stale version.
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version.LessThan(versions[j].Version)
	})
	chosen := versions[len(versions)-1]

	platform, err := selectPlatform(chosen.Platforms, runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return nil, err
	}

	return &Resolution{Channel: channel, Version: chosen.Version, Platform: *platform}, nil
}

func fetchChannels(ctx context.Context, f fetch.Fetcher, rootURL string) ([]manifest.ChannelManifest, error) {
	resp, err := f.Get(ctx, joinURL(rootURL, "channels.json"))
	if err != nil {
		return nil, errors.Wrap(err, "fetching channels.json")
	}
	defer func() { _ = resp.Body.Close() }()
	return manifest.ReadChannels(resp.Body)
}

func fetchVersions(ctx context.Context, f fetch.Fetcher, rootURL, channel string) ([]manifest.VersionManifest, error) {
	resp, err := f.Get(ctx, joinURL(rootURL, channel, "versions.json"))
	if err != nil {
		return nil, errors.Wrap(err, "fetching versions.json")
	}
	defer func() { _ = resp.Body.Close() }()
	return manifest.ReadVersions(resp.Body)
}

// hostOS maps a Go GOOS value to the spec's platform vocabulary.
func hostOS(goos string) string {
	switch goos {
	case "darwin":
		return "macos"
	default:
		return goos // "linux", "windows" already match
	}
}

// hostArch maps a Go GOARCH value to the spec's platform vocabulary.
func hostArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return goarch
	}
}

// selectPlatform filters platforms down to the one best match for goos/
// goarch: exact OS matches first, then (on unix, if a wine interpreter is
// present) windows platforms as a strictly lower-priority fallback, then
// filtered by arch, taking the first survivor.
func selectPlatform(platforms []manifest.PlatformManifest, goos, goarch string) (*manifest.PlatformManifest, error) {
	wantOS := hostOS(goos)
	wantArch := hostArch(goarch)

	var byOS []manifest.PlatformManifest
	for _, p := range platforms {
		if p.OS == wantOS {
			byOS = append(byOS, p)
		}
	}

	if goos != "windows" && hasWine() {
		for _, p := range platforms {
			if p.OS == "windows" {
				byOS = append(byOS, p)
			}
		}
	}

	if len(byOS) == 0 {
		return nil, ErrUnsupportedOS
	}

	var byArch []manifest.PlatformManifest
	for _, p := range byOS {
		if p.Arch == wantArch {
			byArch = append(byArch, p)
		}
	}
	if len(byArch) == 0 {
		return nil, ErrUnsupportedArch
	}

	chosen := byArch[0]
	return &chosen, nil
}

// hasWine reports whether a wine interpreter is available on PATH. It is
// only ever consulted on unix hosts (selectPlatform guards the call site),
// mirroring the spec's "wine fallback is unix-only" rule.
func hasWine() bool {
	if runtime.GOOS == "windows" {
		return false
	}
	_, err := exec.LookPath("wine")
	return err == nil
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

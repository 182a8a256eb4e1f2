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
	"fmt"

	"github.com/pkg/errors"

	"github.com/packwisely/patcher/internal/patchhash"
)

// Sentinel errors for the install-time failure kinds that carry no extra
// data.
var (
	ErrMissingRootUrl         = errors.New("installer: no root URL configured")
	ErrInvalidInstalledPatch  = errors.New("installer: channel manifest.json is not valid JSON")
	ErrMissingPreviousVersion = errors.New("installer: diff phase requires a previous install but none is recorded")
)

// WrongSizeError reports a reconstructed file whose size does not match the
// manifest's recorded length.
type WrongSizeError struct {
	Path     string
	Expected uint64
	Actual   uint64
}

func (e *WrongSizeError) Error() string {
	return fmt.Sprintf("installer: %s: expected size %d, got %d", e.Path, e.Expected, e.Actual)
}

// WrongHashError reports a reconstructed file whose content hash does not
// match the manifest's recorded digest.
type WrongHashError struct {
	Path     string
	Expected patchhash.Digest
	Actual   patchhash.Digest
}

func (e *WrongHashError) Error() string {
	return fmt.Sprintf("installer: %s: expected hash %s, got %s", e.Path, e.Expected, e.Actual)
}

// UnexpectedArchiveFileError reports an archive entry whose path is not
// described by the corresponding manifest section.
type UnexpectedArchiveFileError struct {
	Path string
}

func (e *UnexpectedArchiveFileError) Error() string {
	return fmt.Sprintf("installer: archive contains unexpected entry %q", e.Path)
}

// InvalidArchivePathError reports a manifest path that the archive never
// produced an entry for (shortfall), or a structurally invalid path.
type InvalidArchivePathError struct {
	Path   string
	Reason string
}

func (e *InvalidArchivePathError) Error() string {
	return fmt.Sprintf("installer: invalid archive path %q: %s", e.Path, e.Reason)
}

// DeltaApplyError wraps a failure from the rsync-style apply primitive.
type DeltaApplyError struct {
	Path string
	Err  error
}

func (e *DeltaApplyError) Error() string {
	return fmt.Sprintf("installer: applying delta for %s: %v", e.Path, e.Err)
}

func (e *DeltaApplyError) Unwrap() error { return e.Err }

// CopyError wraps a failure copying save state from the old install to the
// new one.
type CopyError struct {
	Path string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("installer: copying save state at %s: %v", e.Path, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

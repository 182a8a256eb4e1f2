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

package patchbuilder

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/packwisely/patcher/internal/archive"
)

// PublishPatch zstd-compresses raw.tar and, if present, diff.tar under
// patchDir into their .zst siblings, leaving sig.tar and manifest.json
// untouched. This is the final authoring step that puts a patch into the
// wire format the Installer fetches.
func PublishPatch(patchDir string) error {
	if err := compressIfExists(filepath.Join(patchDir, "raw.tar"), filepath.Join(patchDir, "raw.tar.zst")); err != nil {
		return err
	}
	if err := compressIfExists(filepath.Join(patchDir, "diff.tar"), filepath.Join(patchDir, "diff.tar.zst")); err != nil {
		return err
	}
	return nil
}

func compressIfExists(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "opening %s", src)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	defer func() { _ = out.Close() }()

	if err := archive.CompressFile(out, in); err != nil {
		return errors.Wrapf(err, "compressing %s", src)
	}
	return out.Close()
}

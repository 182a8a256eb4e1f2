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

// Package dircopier recursively copies a subtree, used only to preserve
// user save directories across an upgrade.
package dircopier

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// CopyDir copies every regular file under src to the matching relative path
// under dst, creating intermediate directories as needed. It refuses to
// clobber: if a destination file already exists, it fails rather than
// overwriting it.
func CopyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, 0777)
		case info.Mode().IsRegular():
			return copyFile(path, target, info)
		default:
			// Symlinks and other special files are not part of save state.
			return nil
		}
	})
}

func copyFile(src, dst string, info os.FileInfo) error {
	if _, err := os.Stat(dst); err == nil {
		return errors.Errorf("refusing to clobber existing file %s", dst)
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
		return errors.Wrapf(err, "creating parent directory for %s", dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "copying %s to %s", src, dst)
	}
	return out.Close()
}

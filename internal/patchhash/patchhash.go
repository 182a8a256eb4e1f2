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

// Package patchhash calculates the content hash recorded in every
// FileManifest entry. The hash covers file contents only (unlike the
// teacher's "swupd hash", which also folds in file metadata), since a
// FileManifest already carries len separately and the patch format has no
// notion of mode/uid/gid preservation.
package patchhash

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Size is the length in bytes of a patchhash digest.
const Size = 32

// Digest is a 32-byte BLAKE3 content hash.
type Digest [Size]byte

// Zero is the all-zero digest, used as a sentinel for "no previous content".
var Zero Digest

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, Size*2)
	for i, b := range d {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// Base64 renders the digest using the standard, padded alphabet, matching
// the wire format FileManifest.hash uses on disk and over HTTP.
func (d Digest) Base64() string {
	return base64.StdEncoding.EncodeToString(d[:])
}

// ParseBase64 decodes a digest previously produced by Digest.Base64.
func ParseBase64(s string) (Digest, error) {
	var d Digest
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(raw) != Size {
		return d, errShortDigest(len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

type errShortDigest int

func (e errShortDigest) Error() string {
	return fmt.Sprintf("patchhash: decoded digest has wrong length: %d", int(e))
}

// Hasher incrementally computes a patchhash Digest. The zero value is not
// usable. Create one with New, feed it bytes with Write, and call Sum when
// done, mirroring the teacher's own Hash/Write/Sum shape in swupd/hash.go.
type Hasher struct {
	h *blake3.Hasher
}

// New creates a Hasher ready to accept file content.
func New() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write adds more file content to the digest being computed.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the digest of all data written so far.
func (h *Hasher) Sum() Digest {
	var d Digest
	copy(d[:], h.h.Sum(nil))
	return d
}

// OfBytes computes the patchhash digest of data already in memory.
func OfBytes(data []byte) Digest {
	h := New()
	_, _ = h.Write(data)
	return h.Sum()
}

// OfReader computes the patchhash digest of everything read from r.
func OfReader(r io.Reader) (Digest, error) {
	h := New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return h.Sum(), nil
}

// OfFile computes the patchhash digest of the file at path.
func OfFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer func() { _ = f.Close() }()
	return OfReader(f)
}

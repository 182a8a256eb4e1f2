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

// Package delta is the thin adapter over the rsync-style delta primitive
// (signature / index / diff / apply) cited by the patch format. The
// algorithm itself lives in github.com/balena-os/librsync-go; this package
// only fixes the parameter presets and shapes the API the way PatchBuilder
// and Installer want to call it.
package delta

import (
	"bytes"
	"io"

	librsync "github.com/balena-os/librsync-go"
	"github.com/pkg/errors"
)

// Authoring preset: RabinKarp rolling hash + Blake2 crypto hash, 2048-byte
// blocks, 8-byte truncated crypto hash. This is the only preset the
// PatchBuilder ever produces.
const (
	BlockSize = 2048
	StrongLen = 8
)

// SigMagic is the signature format emitted by the authoring preset.
const SigMagic = librsync.BLAKE2_SIG_MAGIC

// legacySigMagic identifies the Rollsum/MD4, 1024-byte-block preset used
// only by an old install-time signature path. ReadSignature recognizes it
// transparently (the format is self-describing), but DeltaCodec never
// produces it; implementations may drop support for it entirely.
const legacySigMagic = librsync.MD4_SIG_MAGIC

// Signature is a parsed rsync signature for one file, ready to be diffed
// against new content.
type Signature struct {
	sig *librsync.SignatureType
}

// ComputeSignature computes a signature of everything read from r, using
// the authoring preset.
func ComputeSignature(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if err := librsync.Signature(r, &buf, BlockSize, StrongLen, SigMagic); err != nil {
		return nil, errors.Wrap(err, "computing rsync signature")
	}
	return buf.Bytes(), nil
}

// LoadSignature parses a previously serialized signature (produced by
// ComputeSignature, or by the legacy preset).
func LoadSignature(data []byte) (*Signature, error) {
	sig, err := librsync.ReadSignature(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "parsing rsync signature")
	}
	return &Signature{sig: &sig}, nil
}

// Diff computes a binary delta from sig (a signature of the old content) to
// newContent, writing the delta to out.
func Diff(sig *Signature, newContent []byte, out io.Writer) error {
	if err := librsync.Delta(sig.sig, bytes.NewReader(newContent), out); err != nil {
		return errors.Wrap(err, "computing rsync delta")
	}
	return nil
}

// ApplyLimited reconstructs file content by applying deltaBytes against
// source, writing the result to out. It fails rather than writing past
// maxLen bytes: a delta produced for a FileManifest entry should never
// reconstruct more than that entry's recorded length, so exceeding it
// indicates a corrupt delta or a source/delta mismatch, not a case to
// silently truncate.
func ApplyLimited(source io.ReadSeeker, deltaBytes []byte, out io.Writer, maxLen int64) error {
	lw := &limitedWriter{w: out, max: maxLen}
	if err := librsync.Patch(source, bytes.NewReader(deltaBytes), lw); err != nil {
		return errors.Wrap(err, "applying rsync delta")
	}
	return nil
}

type limitedWriter struct {
	w   io.Writer
	n   int64
	max int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n+int64(len(p)) > l.max {
		return 0, errors.Errorf("delta apply exceeded expected output length %d", l.max)
	}
	n, err := l.w.Write(p)
	l.n += int64(n)
	return n, err
}

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

// Package archive creates and reads the tar streams that carry raw, sig,
// and diff file content. Writers stream content directly from a reader or
// byte slice, without ever buffering a whole file in memory. Readers expose
// each entry lazily; an entry must be drained before the next one can be
// read, exactly like the underlying archive/tar.Reader.
package archive

import (
	"archive/tar"
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Writer appends entries to a tar stream using GNU headers, which carry the
// long-name and big-size extensions the format needs for arbitrarily deep
// paths and files larger than a plain ustar header can express.
type Writer struct {
	tw *tar.Writer
}

// NewWriter creates a Writer appending to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{tw: tar.NewWriter(w)}
}

// WriteFile streams size bytes read from r into the archive as an entry
// named name.
func (a *Writer) WriteFile(name string, size int64, r io.Reader) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     size,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatGNU,
	}
	if err := a.tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "writing tar header for %s", name)
	}
	if _, err := io.Copy(a.tw, r); err != nil {
		return errors.Wrapf(err, "writing tar content for %s", name)
	}
	return nil
}

// WriteBytes is WriteFile for content already in memory.
func (a *Writer) WriteBytes(name string, content []byte) error {
	return a.WriteFile(name, int64(len(content)), bytes.NewReader(content))
}

// Close flushes the tar footer. It does not close the underlying writer.
func (a *Writer) Close() error {
	return a.tw.Close()
}

// Entry is one tar entry as exposed by Reader.Next: its name and a reader
// over its content that must be fully drained (or at least advanced past)
// before calling Next again.
type Entry struct {
	Name string
	Size int64
	R    io.Reader
}

// Reader iterates the entries of a plain (uncompressed) tar stream.
type Reader struct {
	tr *tar.Reader
}

// NewReader creates a Reader over an uncompressed tar stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{tr: tar.NewReader(r)}
}

// Next advances to the following entry, or returns io.EOF when the stream
// is exhausted.
func (a *Reader) Next() (*Entry, error) {
	for {
		hdr, err := a.tr.Next()
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		return &Entry{Name: hdr.Name, Size: hdr.Size, R: a.tr}, nil
	}
}

// ZstdReader composes a zstd-decompressing reader upstream of a tar reader,
// for reading raw.tar.zst/diff.tar.zst directly off an HTTP byte stream.
type ZstdReader struct {
	*Reader
	dec *zstd.Decoder
}

// NewZstdReader wraps r (an HTTP response body, typically) with zstd
// decompression and a tar reader on top of that.
func NewZstdReader(r io.Reader) (*ZstdReader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd decoder")
	}
	return &ZstdReader{Reader: NewReader(dec), dec: dec}, nil
}

// Close releases the zstd decoder's resources. It does not close the
// underlying stream.
func (z *ZstdReader) Close() error {
	z.dec.Close()
	return nil
}

// CompressFile zstd-compresses the file read from src into dst, used by the
// authoring-side publish step to turn raw.tar/diff.tar into the .zst
// siblings the Installer expects on the wire.
func CompressFile(dst io.Writer, src io.Reader) error {
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return errors.Wrap(err, "creating zstd encoder")
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return errors.Wrap(err, "compressing with zstd")
	}
	return enc.Close()
}

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

package patchhash

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOfBytesDeterministic(t *testing.T) {
	data := []byte("hello, PackWisely")
	a := OfBytes(data)
	b := OfBytes(data)
	if a != b {
		t.Fatalf("OfBytes is not deterministic: %s != %s", a, b)
	}
}

func TestOfBytesEmpty(t *testing.T) {
	empty := OfBytes(nil)
	if empty == Zero {
		t.Fatalf("BLAKE3 of empty input should not equal the all-zero sentinel")
	}
}

func TestOfBytesDistinguishesContent(t *testing.T) {
	a := OfBytes([]byte("one"))
	b := OfBytes([]byte("two"))
	if a == b {
		t.Fatalf("different content hashed to the same digest")
	}
}

func TestHasherMatchesOfBytes(t *testing.T) {
	data := []byte("streamed in three chunks")
	h := New()
	_, _ = h.Write(data[:5])
	_, _ = h.Write(data[5:10])
	_, _ = h.Write(data[10:])
	if got, want := h.Sum(), OfBytes(data); got != want {
		t.Fatalf("incremental hash %s != whole-buffer hash %s", got, want)
	}
}

func TestOfReader(t *testing.T) {
	data := []byte("reader content")
	got, err := OfReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OfReader: %v", err)
	}
	if want := OfBytes(data); got != want {
		t.Fatalf("OfReader = %s, want %s", got, want)
	}
}

func TestOfFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	data := []byte("file content for hashing")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := OfFile(path)
	if err != nil {
		t.Fatalf("OfFile: %v", err)
	}
	if want := OfBytes(data); got != want {
		t.Fatalf("OfFile = %s, want %s", got, want)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	d := OfBytes([]byte("round trip"))
	encoded := d.Base64()
	decoded, err := ParseBase64(encoded)
	if err != nil {
		t.Fatalf("ParseBase64: %v", err)
	}
	if decoded != d {
		t.Fatalf("ParseBase64(Base64()) = %s, want %s", decoded, d)
	}
}

func TestParseBase64WrongLength(t *testing.T) {
	_, err := ParseBase64("aGVsbG8=") // decodes to 5 bytes, not 32
	if err == nil {
		t.Fatalf("expected an error for a too-short digest")
	}
}

func TestParseBase64Invalid(t *testing.T) {
	_, err := ParseBase64("not valid base64!!")
	if err == nil {
		t.Fatalf("expected an error for invalid base64")
	}
}

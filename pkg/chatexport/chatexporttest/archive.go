// Package chatexporttest builds zip fixtures for tests of code that consumes chat exports.
package chatexporttest

import (
	"bytes"
	"hash/crc32"
	"io/fs"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// Entry is one archive member.
type Entry struct {
	Name string
	Body string
	Mode fs.FileMode
	// DeclaredSize, when non-zero, is written as the uncompressed size in the
	// headers instead of len(Body).
	DeclaredSize uint64
}

// File is a regular file entry.
func File(name, body string) Entry {
	return Entry{Name: name, Body: body}
}

// Symlink is an entry whose mode marks it as a symbolic link to target.
func Symlink(name, target string) Entry {
	return Entry{Name: name, Body: target, Mode: fs.ModeSymlink | 0o777}
}

// Understated is a deflated entry whose headers claim declared bytes while
// the stream inflates to body.
func Understated(name, body string, declared uint64) Entry {
	return Entry{Name: name, Body: body, DeclaredSize: declared}
}

// Build writes entries into a deflated zip in order.
func Build(t testing.TB, entries ...Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if e.DeclaredSize != 0 {
			writeRaw(t, zw, e)
			continue
		}
		hdr := &zip.FileHeader{Name: e.Name, Method: zip.Deflate}
		if e.Mode != 0 {
			hdr.SetMode(e.Mode)
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("create entry %q: %v", e.Name, err)
		}
		if _, err := w.Write([]byte(e.Body)); err != nil {
			t.Fatalf("write entry %q: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func writeRaw(t testing.TB, zw *zip.Writer, e Entry) {
	t.Helper()
	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate writer: %v", err)
	}
	if _, err := fw.Write([]byte(e.Body)); err != nil {
		t.Fatalf("deflate %q: %v", e.Name, err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("close flate %q: %v", e.Name, err)
	}
	hdr := &zip.FileHeader{
		Name:               e.Name,
		Method:             zip.Deflate,
		CRC32:              crc32.ChecksumIEEE([]byte(e.Body)),
		CompressedSize64:   uint64(compressed.Len()),
		UncompressedSize64: e.DeclaredSize,
	}
	if e.Mode != 0 {
		hdr.SetMode(e.Mode)
	}
	w, err := zw.CreateRaw(hdr)
	if err != nil {
		t.Fatalf("create raw entry %q: %v", e.Name, err)
	}
	if _, err := w.Write(compressed.Bytes()); err != nil {
		t.Fatalf("write raw entry %q: %v", e.Name, err)
	}
}

// SimpleChat is a two-message export with one attached photo.
func SimpleChat(t testing.TB) []byte {
	t.Helper()
	return Build(t,
		File("_chat.txt", "[1/1/23, 10:00:00] John: Hello\n[1/1/23, 10:01:00] Jane: <attached: IMG-001.jpg>\n"),
		File("IMG-001.jpg", "jpeg-bytes"),
	)
}

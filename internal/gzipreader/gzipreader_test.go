package gzipreader

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/mailscan/archivescan/internal/charsetconv"
)

func buildGzip(t *testing.T, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		t.Fatalf("gzip.NewWriterLevel: %v", err)
	}
	zw.Name = name
	if _, err := zw.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestReadExtractsFNAME(t *testing.T) {
	b := buildGzip(t, "report.csv")
	res, err := Read(b, "", charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0] != "report.csv" {
		t.Fatalf("Files = %v, want [report.csv]", res.Files)
	}
}

func TestReadFlagsObfuscatedFNAME(t *testing.T) {
	// gzip.Writer accepts only Latin-1 header strings, so the FNAME is
	// written with a three-byte placeholder that is then swapped for the
	// UTF-8 encoding of U+200B ZERO WIDTH SPACE.
	b := buildGzip(t, "invoice___.exe.pdf")
	b = bytes.Replace(b, []byte("invoice___"), []byte("invoice​"), 1)
	res, err := Read(b, "", charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !res.Obfuscated {
		t.Error("Obfuscated = false, want true for a zero-width space in FNAME")
	}
}

func TestReadFallsBackToContainerName(t *testing.T) {
	b := buildGzip(t, "") // no FNAME flag set when Name is empty
	res, err := Read(b, "attachment.txt.gz", charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0] != "attachment.txt" {
		t.Fatalf("Files = %v, want [attachment.txt]", res.Files)
	}
}

func TestReadRejectsNonGzip(t *testing.T) {
	_, err := Read([]byte("not a gzip stream at all"), "", charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{})
	if err != ErrNotGzip {
		t.Fatalf("err = %v, want ErrNotGzip", err)
	}
}

func TestNameFromContainerDoubleDot(t *testing.T) {
	name, ok := nameFromContainer("foo.exe.gz")
	if !ok || name != "foo.exe" {
		t.Fatalf("nameFromContainer = %q, %v, want foo.exe, true", name, ok)
	}
}

func TestNameFromContainerNoExtension(t *testing.T) {
	_, ok := nameFromContainer("noextension")
	if ok {
		t.Fatal("expected ok=false for a name with no extension")
	}
}

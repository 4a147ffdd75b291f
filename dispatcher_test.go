package archivescan

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/mailscan/archivescan/internal/charsetconv"
	"github.com/mailscan/archivescan/internal/cryptocaps"
)

func TestRoundTripWriteZipThenIdentify(t *testing.T) {
	specs := []ZipFileSpec{
		{Name: "readme.txt", Data: []byte("hello")},
		{Name: "data/nums.bin", Data: []byte{1, 2, 3, 4, 5}},
	}

	out, err := WriteZip(specs, "", nil)
	if err != nil {
		t.Fatalf("WriteZip: %v", err)
	}

	res := Identify(out, "", "", "bundle.zip", DefaultLimits, charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{})
	if !res.Ok {
		t.Fatal("Identify: Ok = false")
	}
	if res.Archive.Type != TypeZip {
		t.Fatalf("Type = %v, want zip", res.Archive.Type)
	}
	if len(res.Archive.Files) != len(specs) {
		t.Fatalf("got %d files, want %d", len(res.Archive.Files), len(specs))
	}
	for i, s := range specs {
		f := res.Archive.Files[i]
		if f.Name != s.Name {
			t.Errorf("file %d name = %q, want %q", i, f.Name, s.Name)
		}
		if f.UncompressedSize != uint64(len(s.Data)) {
			t.Errorf("file %d size = %d, want %d", i, f.UncompressedSize, len(s.Data))
		}
	}
}

func TestRoundTripEncryptedZipMarksEncrypted(t *testing.T) {
	specs := []ZipFileSpec{{Name: "secret.txt", Data: []byte("classified")}}
	out, err := WriteZip(specs, "hunter2", cryptocaps.Default{})
	if err != nil {
		t.Fatalf("WriteZip: %v", err)
	}

	res := Identify(out, "zip", "", "", DefaultLimits, charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{})
	if !res.Ok {
		t.Fatal("Identify: Ok = false")
	}
	if res.Archive.Flags.Encrypted {
		t.Error("Flags.Encrypted = true, want false (ZIP does not propagate per-entry encryption)")
	}
	if !res.Archive.Files[0].Flags.Encrypted {
		t.Error("Files[0].Flags.Encrypted = false, want true")
	}
}

func TestIdentifyGzipMarksObfuscatedFNAME(t *testing.T) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		t.Fatalf("gzip.NewWriterLevel: %v", err)
	}
	// gzip.Writer accepts only Latin-1 header strings, so the FNAME is
	// written with a three-byte placeholder that is then swapped for the
	// UTF-8 encoding of U+200B ZERO WIDTH SPACE.
	zw.Name = "invoice___.exe.pdf"
	if _, err := zw.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	raw := bytes.Replace(buf.Bytes(), []byte("invoice___"), []byte("invoice​"), 1)

	res := Identify(raw, "", "", "", DefaultLimits, charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{})
	if !res.Ok {
		t.Fatal("Identify: Ok = false")
	}
	if !res.Archive.Flags.HasObfuscatedFiles {
		t.Error("Flags.HasObfuscatedFiles = false, want true")
	}
	if len(res.Archive.Files) != 1 || !res.Archive.Files[0].Flags.Obfuscated {
		t.Fatalf("Files = %+v, want one obfuscated entry", res.Archive.Files)
	}
}

func TestIdentifyContentTypeBrokenWhenTextButParsesAsArchive(t *testing.T) {
	out, err := WriteZip([]ZipFileSpec{{Name: "a.txt", Data: []byte("x")}}, "", nil)
	if err != nil {
		t.Fatalf("WriteZip: %v", err)
	}

	res := Identify(out, "", "text/plain", "", DefaultLimits, charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{})
	if !res.Ok || !res.ContentTypeBroken {
		t.Fatalf("Ok=%v ContentTypeBroken=%v, want true, true", res.Ok, res.ContentTypeBroken)
	}
}

func TestIdentifyFailsOnGarbage(t *testing.T) {
	res := Identify([]byte("not any known archive format"), "", "", "", DefaultLimits, charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{})
	if res.Ok {
		t.Fatal("Ok = true, want false for unrecognized garbage")
	}
}

func TestWriteEnvelopeProducesFramedOutputThroughCryptocaps(t *testing.T) {
	caps := cryptocaps.Default{}
	out, err := WriteEnvelope([]byte("payload bytes"), "pw", caps)
	if err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	if len(out) < 40 {
		t.Fatalf("len(out) = %d, too short for envelope framing", len(out))
	}
}

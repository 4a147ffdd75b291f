package rarreader

import (
	"encoding/binary"
	"testing"

	"github.com/mailscan/archivescan/internal/charsetconv"
)

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// buildV4Main returns a minimal RAR4 main header record: no body beyond the
// seven fixed bytes, optionally with the encrypted-archive bit set.
func buildV4Main(encrypted bool) []byte {
	var flags uint16
	if encrypted {
		flags = 0x80
	}
	b := append([]byte{0, 0}, v4TypeMain)
	b = append(b, u16le(flags)...)
	b = append(b, u16le(7)...) // size: just the fixed record, no body
	return b
}

// buildV4File returns a RAR4 file-header record for name with uncompSize.
func buildV4File(name string, uncompSize uint32) []byte {
	body := append([]byte{}, u32le(uncompSize)...)
	body = append(body, make([]byte, 11)...) // skipped lead-in
	body = append(body, u16le(uint16(len(name)))...)
	body = append(body, make([]byte, 4)...) // attrs
	body = append(body, []byte(name)...)

	total := 7 + len(body)
	hdr := append([]byte{0, 0}, v4TypeFile)
	hdr = append(hdr, u16le(0)...) // flags
	hdr = append(hdr, u16le(uint16(total))...)
	return append(hdr, body...)
}

func TestReadV4EnumeratesFile(t *testing.T) {
	var b []byte
	b = append(b, magicV4...)
	b = append(b, buildV4Main(false)...)
	b = append(b, buildV4File("test.txt", 100)...)

	res, err := Read(b, charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{}, 100, 1000)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Encrypted {
		t.Error("Encrypted = true, want false")
	}
	if len(res.Entries) != 1 {
		t.Fatalf("len(Entries) = %d, want 1", len(res.Entries))
	}
	e := res.Entries[0]
	if e.Name != "test.txt" || e.UncompressedSize != 100 {
		t.Errorf("entry = %+v, want Name=test.txt UncompressedSize=100", e)
	}
}

func TestReadV4EncryptedMainHeaderStopsWalk(t *testing.T) {
	var b []byte
	b = append(b, magicV4...)
	b = append(b, buildV4Main(true)...)
	b = append(b, buildV4File("unreachable.txt", 1)...)

	res, err := Read(b, charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{}, 100, 1000)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !res.Encrypted {
		t.Error("Encrypted = false, want true")
	}
	if len(res.Entries) != 0 {
		t.Errorf("len(Entries) = %d, want 0 (walk stops at encrypted main header)", len(res.Entries))
	}
}

func TestReadRejectsUnknownMagic(t *testing.T) {
	_, err := Read([]byte("not a rar file"), charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{}, 100, 1000)
	if err != ErrNotRar {
		t.Fatalf("err = %v, want ErrNotRar", err)
	}
}

// buildV5EncryptedMain returns a minimal RAR5 archive-header record of
// type=v5TypeEncryptedMain with no flags and no body.
func buildV5EncryptedMain() []byte {
	return []byte{
		0, 0, 0, 0, // crc32, never checked
		2,                    // size: covers the type+hflags vints below
		byte(v5TypeEncryptedMain), // type
		0,                    // hflags
	}
}

func TestReadV5EncryptedMainHeaderStopsWalk(t *testing.T) {
	var b []byte
	b = append(b, magicV5...)
	b = append(b, buildV5EncryptedMain()...)

	res, err := Read(b, charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{}, 100, 1000)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !res.Encrypted {
		t.Error("Encrypted = false, want true")
	}
	if len(res.Entries) != 0 {
		t.Errorf("len(Entries) = %d, want 0", len(res.Entries))
	}
}

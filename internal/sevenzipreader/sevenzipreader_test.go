package sevenzipreader

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/mailscan/archivescan/internal/charsetconv"
)

// utf16leRaw packs units as little-endian bytes, NUL-terminated — used
// both for well-formed names and for deliberately invalid ones (a lone
// surrogate) that a real Go string can't represent.
func utf16leRaw(units ...uint16) []byte {
	b := make([]byte, 0, len(units)*2+2)
	for _, u := range units {
		b = append(b, byte(u), byte(u>>8))
	}
	return append(b, 0, 0)
}

func utf16leName(name string) []byte {
	units := utf16.Encode([]rune(name))
	raw := make([]uint16, len(units))
	copy(raw, units)
	return utf16leRaw(raw...)
}

// buildPlainHeader assembles a minimal, uncompressed 7-Zip header: no
// streams info, one FilesInfo/idName record naming a single file.
func buildPlainHeader(name string) []byte {
	return buildMultiNamePlainHeader(utf16leName(name))
}

// buildMultiNamePlainHeader concatenates pre-encoded, NUL-terminated
// UTF-16LE names (as produced by utf16leName/utf16leRaw) into one
// FilesInfo/idName record.
func buildMultiNamePlainHeader(names ...[]byte) []byte {
	var nameBytes []byte
	for _, n := range names {
		nameBytes = append(nameBytes, n...)
	}

	filesInfoBody := []byte{byte(len(names))} // numFiles
	filesInfoBody = append(filesInfoBody, idName, byte(1+len(nameBytes)))
	filesInfoBody = append(filesInfoBody, 0x00) // external = 0
	filesInfoBody = append(filesInfoBody, nameBytes...)
	filesInfoBody = append(filesInfoBody, idEnd) // close FilesInfo

	header := []byte{idHeader, idFilesInfo}
	header = append(header, filesInfoBody...)
	header = append(header, idEnd) // close outer header
	return header
}

func wrapHeaderInSignature(header []byte) []byte {
	sig := make([]byte, 32)
	copy(sig[0:6], magic)
	// version + startHeaderCRC left zero, never read for correctness here.
	binary.LittleEndian.PutUint64(sig[12:20], 0)                  // nextOffset
	binary.LittleEndian.PutUint64(sig[20:28], uint64(len(header))) // nextSize

	return append(sig, header...)
}

func buildSevenZipFile(name string) []byte {
	return wrapHeaderInSignature(buildPlainHeader(name))
}

func TestReadPlainHeaderEnumeratesFile(t *testing.T) {
	b := buildSevenZipFile("a.txt")
	res, err := Read(b, charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{}, 100, 1000)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Encrypted {
		t.Error("Encrypted = true, want false")
	}
	if len(res.Entries) != 1 || res.Entries[0].Name != "a.txt" {
		t.Fatalf("Entries = %+v, want one entry named a.txt", res.Entries)
	}
}

func TestReadDiscardsEntryWithUnpairedSurrogate(t *testing.T) {
	valid := utf16leName("a.txt")
	invalid := utf16leRaw(0xD83D, 'b', 'a', 'd') // high surrogate with no low half
	header := buildMultiNamePlainHeader(valid, invalid)
	b := wrapHeaderInSignature(header)

	res, err := Read(b, charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{}, 100, 1000)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Name != "a.txt" {
		t.Fatalf("Entries = %+v, want only a.txt to survive", res.Entries)
	}
}

func TestReadRejectsUnknownMagic(t *testing.T) {
	_, err := Read([]byte("definitely not a 7z archive, padded to be long enough"), charsetconv.DefaultGuesser{}, charsetconv.DefaultConverter{}, 100, 1000)
	if err != ErrNotSevenZip {
		t.Fatalf("err = %v, want ErrNotSevenZip", err)
	}
}

// Package rarreader walks RAR v4 and v5 archive headers to enumerate
// member filenames and encryption flags. It never decompresses any entry.
package rarreader

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/mailscan/archivescan/internal/charsetconv"
	"github.com/mailscan/archivescan/internal/cursor"
)

var (
	ErrNotRar    = errors.New("rarreader: not a RAR archive")
	ErrBadHeader = errors.New("rarreader: malformed header")
	ErrTooLarge  = errors.New("rarreader: declared count exceeds implementation ceiling")
)

var (
	magicV5 = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}
	magicV4 = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}
)

// v4 block types.
const (
	v4TypeMain = 0x73
	v4TypeFile = 0x74
)

// v5 header types.
const (
	v5TypeMain          = 1
	v5TypeFile          = 2
	v5TypeEncryptedMain = 4
)

// v5 file-extra-record sub-type carrying the per-file encryption marker.
const v5ExtraEncryption = 0x01

// Entry is one file record found while walking RAR headers.
type Entry struct {
	Name             string
	CompressedSize   uint64
	UncompressedSize uint64
	Encrypted        bool
	Obfuscated       bool
}

// Result is what the metadata engine derives from a RAR buffer. Unlike
// ZIP, an encrypted header also sets Encrypted at the archive level even
// when no file entries could be enumerated.
type Result struct {
	Entries   []Entry
	Encrypted bool
}

// Read dispatches on the RAR magic and walks the appropriate header chain.
func Read(b []byte, guess charsetconv.Guesser, conv charsetconv.Converter, maxFiles, maxNameBytes int) (Result, error) {
	switch {
	case bytes.HasPrefix(b, magicV5):
		return readV5(b[len(magicV5):], guess, conv, maxFiles, maxNameBytes)
	case bytes.HasPrefix(b, magicV4):
		return readV4(b[len(magicV4):], guess, conv, maxFiles, maxNameBytes)
	default:
		return Result{}, ErrNotRar
	}
}

// readV4 walks the legacy chunked record format: each record is
// crc16|type:u8|flags:u16|size:u16|[add_size:u32 if flags&0x8000]. The
// cursor always returns to the record's own start before skipping size
// bytes forward, since size already folds in add_size and any header body
// fields consumed along the way.
func readV4(b []byte, guess charsetconv.Guesser, conv charsetconv.Converter, maxFiles, maxNameBytes int) (Result, error) {
	var res Result
	pos := 0

	for pos < len(b) {
		sectionStart := pos
		c := cursor.New(b[pos:])

		if err := c.Skip(2); err != nil { // crc16
			break
		}
		blockType, err := c.U8()
		if err != nil {
			break
		}
		flags, err := c.U16()
		if err != nil {
			return Result{}, ErrBadHeader
		}
		size, err := c.U16()
		if err != nil {
			return Result{}, ErrBadHeader
		}
		sz := uint64(size)

		if blockType == v4TypeMain && flags&0x80 != 0 {
			res.Encrypted = true
			return res, nil
		}

		var compSize uint64
		if flags&0x8000 != 0 {
			addSize, err := c.U32()
			if err != nil {
				return Result{}, ErrBadHeader
			}
			sz += uint64(addSize)
			compSize = uint64(addSize)
		}

		if sz == 0 {
			return Result{}, ErrBadHeader
		}

		if blockType == v4TypeFile {
			entry, ok, err := readV4FileBody(c, flags, compSize, guess, conv, maxNameBytes)
			if err != nil {
				return Result{}, err
			}
			if ok {
				if len(res.Entries) >= maxFiles {
					slog.Warn("rarReaderTooManyFiles", "limit", maxFiles)
					return Result{}, ErrTooLarge
				}
				res.Entries = append(res.Entries, entry)
			}
		}

		pos = sectionStart
		if err := skipFrom(pos, sz, len(b)); err != nil {
			return Result{}, err
		}
		pos += int(sz)
	}

	return res, nil
}

func readV4FileBody(c *cursor.Cursor, flags uint16, compSize uint64, guess charsetconv.Guesser, conv charsetconv.Converter, maxNameBytes int) (Entry, bool, error) {
	uncompSize, err := c.U32()
	if err != nil {
		return Entry{}, false, ErrBadHeader
	}
	if err := c.Skip(11); err != nil { // HOST_OS..FILE_TIME / method / name_size lead-in
		return Entry{}, false, ErrBadHeader
	}
	nameLen16, err := c.U16()
	if err != nil {
		return Entry{}, false, ErrBadHeader
	}
	nameLen := int(nameLen16)
	if nameLen == 0 || nameLen > c.Len() || nameLen > maxNameBytes {
		return Entry{}, false, nil
	}
	if err := c.Skip(4); err != nil { // attrs
		return Entry{}, false, ErrBadHeader
	}

	if flags&0x100 != 0 {
		addPack, err := c.U32()
		if err != nil {
			return Entry{}, false, ErrBadHeader
		}
		compSize += uint64(addPack)
		addUnp, err := c.U32()
		if err != nil {
			return Entry{}, false, ErrBadHeader
		}
		uncompSize += addUnp
	}

	nameBytes, err := c.Bytes(nameLen)
	if err != nil {
		return Entry{}, false, ErrBadHeader
	}
	if flags&0x200 != 0 {
		// Unicode name: an ASCII version is NUL-separated from a UTF-16LE
		// tail. The ASCII half is what every other reader in this family
		// surfaces, so use it when present.
		if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
			nameBytes = nameBytes[:i]
		}
	}

	name, obfuscated := charsetconv.Normalize(nameBytes, guess, conv)

	return Entry{
		Name:             name,
		CompressedSize:   compSize,
		UncompressedSize: uint64(uncompSize),
		Encrypted:        flags&0x4 != 0,
		Obfuscated:       obfuscated,
	}, true, nil
}

func skipFrom(pos int, n uint64, limit int) error {
	if uint64(pos)+n > uint64(limit) {
		return ErrBadHeader
	}
	return nil
}

// readV5 walks the header/vint format shared by the archive header, file
// headers, and service headers: crc32:u32|size:vint|type:vint|hflags:vint|
// [extra_size:vint if hflags&1]|[data_size:vint if hflags&2], where size
// already excludes any data_size and the cursor restarts from the record's
// own start (after the crc32+size fields) before skipping size bytes.
func readV5(b []byte, guess charsetconv.Guesser, conv charsetconv.Converter, maxFiles, maxNameBytes int) (Result, error) {
	var res Result
	pos := 0

	// Archive header: either the encrypted-header marker or the plain main
	// header, neither of which carries anything useful beyond that bit.
	{
		c := cursor.New(b)
		if err := c.Skip(4); err != nil {
			return Result{}, ErrBadHeader
		}
		sz, err := c.RarVint()
		if err != nil {
			return Result{}, ErrBadHeader
		}
		sectionStart := c.Pos()
		recType, err := c.RarVint()
		if err != nil {
			return Result{}, ErrBadHeader
		}
		hflags, err := c.RarVint()
		if err != nil {
			return Result{}, ErrBadHeader
		}
		if hflags&0x1 != 0 {
			if _, err := c.RarVint(); err != nil {
				return Result{}, ErrBadHeader
			}
		}
		if hflags&0x2 != 0 {
			dataSz, err := c.RarVint()
			if err != nil {
				return Result{}, ErrBadHeader
			}
			sz += dataSz
		}

		switch recType {
		case v5TypeEncryptedMain:
			res.Encrypted = true
			return res, nil
		case v5TypeMain:
			// nothing useful
		default:
			return Result{}, ErrBadHeader
		}

		pos = sectionStart
		if err := skipFrom(pos, sz, len(b)); err != nil {
			return Result{}, err
		}
		pos += int(sz)
	}

	for pos < len(b) {
		c := cursor.New(b[pos:])

		if err := c.Skip(4); err != nil { // crc32
			break
		}
		sz, err := c.RarVint()
		if err != nil {
			return Result{}, ErrBadHeader
		}
		if sz == 0 {
			return Result{}, ErrBadHeader
		}

		sectionStart := c.Pos()
		recType, err := c.RarVint()
		if err != nil {
			return Result{}, ErrBadHeader
		}
		hflags, err := c.RarVint()
		if err != nil {
			return Result{}, ErrBadHeader
		}

		var extraSz uint64
		hasExtra := hflags&0x1 != 0
		if hasExtra {
			extraSz, err = c.RarVint()
			if err != nil {
				return Result{}, ErrBadHeader
			}
		}

		var compSize uint64
		if hflags&0x2 != 0 {
			dataSz, err := c.RarVint()
			if err != nil {
				return Result{}, ErrBadHeader
			}
			sz += dataSz
			compSize = dataSz
		}

		if recType == v5TypeFile {
			entry, ok, err := readV5FileBody(c, hasExtra, extraSz, compSize, guess, conv, maxNameBytes, len(b)-pos)
			if err != nil {
				return Result{}, err
			}
			if ok {
				if len(res.Entries) >= maxFiles {
					slog.Warn("rarReaderTooManyFiles", "limit", maxFiles)
					return Result{}, ErrTooLarge
				}
				if entry.Encrypted {
					res.Encrypted = true
				}
				res.Entries = append(res.Entries, entry)
			}
		}

		pos += sectionStart
		if err := skipFrom(pos, sz, len(b)); err != nil {
			return Result{}, err
		}
		pos += int(sz)
	}

	return res, nil
}

func readV5FileBody(c *cursor.Cursor, hasExtra bool, extraSz, compSize uint64, guess charsetconv.Guesser, conv charsetconv.Converter, maxNameBytes, bufLen int) (Entry, bool, error) {
	fileFlags, err := c.RarVint()
	if err != nil {
		return Entry{}, false, ErrBadHeader
	}
	uncompSize, err := c.RarVint()
	if err != nil {
		return Entry{}, false, ErrBadHeader
	}
	if _, err := c.RarVint(); err != nil { // attributes
		return Entry{}, false, ErrBadHeader
	}

	if fileFlags&0x2 != 0 {
		if err := c.Skip(4); err != nil { // unix mtime
			return Entry{}, false, ErrBadHeader
		}
	}
	if fileFlags&0x4 != 0 {
		if err := c.Skip(4); err != nil { // crc32
			return Entry{}, false, ErrBadHeader
		}
	}

	if fileFlags&0x1 != 0 {
		// Directory record: skip, per the convention the rest of this
		// family follows.
		return Entry{}, false, nil
	}

	if _, err := c.RarVint(); err != nil { // compression info
		return Entry{}, false, ErrBadHeader
	}
	if _, err := c.RarVint(); err != nil { // host OS
		return Entry{}, false, ErrBadHeader
	}
	nameLen64, err := c.RarVint()
	if err != nil {
		return Entry{}, false, ErrBadHeader
	}
	nameLen := int(nameLen64)
	if nameLen == 0 || nameLen > c.Len() || nameLen > maxNameBytes {
		return Entry{}, false, nil
	}

	nameBytes, err := c.Bytes(nameLen)
	if err != nil {
		return Entry{}, false, ErrBadHeader
	}
	name, obfuscated := charsetconv.Normalize(nameBytes, guess, conv)

	encrypted := false
	if hasExtra && extraSz > 0 && uint64(c.Pos())+extraSz <= uint64(bufLen) {
		extra, err := c.Bytes(int(extraSz))
		if err == nil {
			encrypted = scanV5ExtraForEncryption(extra)
		}
	}

	return Entry{
		Name:             name,
		CompressedSize:   compSize,
		UncompressedSize: uncompSize,
		Encrypted:        encrypted,
		Obfuscated:       obfuscated,
	}, true, nil
}

// scanV5ExtraForEncryption walks a file header's extra-record area, each
// record being size:vint|sub_type:vint|body, looking for the per-file
// encryption marker.
func scanV5ExtraForEncryption(extra []byte) bool {
	c := cursor.New(extra)
	for c.Len() > 0 {
		recSize, err := c.RarVint()
		if err != nil || recSize == 0 {
			return false
		}
		recStart := c.Pos()
		subType, err := c.RarVint()
		if err != nil {
			return false
		}
		if subType == v5ExtraEncryption {
			return true
		}
		if err := c.Seek(recStart + int(recSize)); err != nil {
			return false
		}
	}
	return false
}

// Package zipreader walks a ZIP central directory far enough to enumerate
// member names and a few per-entry flags. It never inflates or otherwise
// reads entry payloads.
package zipreader

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/mailscan/archivescan/internal/charsetconv"
)

var (
	ErrNoEocd      = errors.New("zipreader: end of central directory not found")
	ErrBadCdExtent = errors.New("zipreader: central directory extent invalid")
	ErrBadRecord   = errors.New("zipreader: central directory record invalid")
	ErrTooLarge    = errors.New("zipreader: declared count exceeds implementation ceiling")
)

const (
	eocdSignature = 0x06054b50
	cdSignature   = 0x02014b50
	eocdMinLen    = 22
	cdBaseLen     = 46

	gpEncryptedMask = 0x41 // bit0: standard encryption, bit6: strong encryption
	extraStrongEnc  = 0x0017
)

// Entry is one member file found in the central directory.
type Entry struct {
	Name             string
	CompressedSize   uint64
	UncompressedSize uint64
	Encrypted        bool
	Obfuscated       bool
}

// Result is everything the metadata engine derives from a ZIP buffer. ZIP
// does not propagate per-entry encryption up to the archive level; callers
// that want an overall "encrypted" bit can fold Entries themselves.
type Result struct {
	Entries []Entry
}

// Read locates the end-of-central-directory record by scanning backward
// from the end of b (capped at maxScan candidate positions) and then walks
// every central directory file header between cd_offset and the EOCD.
// Any structural inconsistency rejects the whole archive: no partial
// Result is ever returned alongside an error.
func Read(b []byte, guess charsetconv.Guesser, conv charsetconv.Converter, maxScan, maxFiles, maxNameBytes int) (Result, error) {
	eocdPos, err := findEOCD(b, maxScan)
	if err != nil {
		return Result{}, err
	}

	eocd := b[eocdPos:]
	if len(eocd) < eocdMinLen {
		return Result{}, ErrNoEocd
	}

	cdSize := uint64(binary.LittleEndian.Uint32(eocd[12:]))
	cdOffset := uint64(binary.LittleEndian.Uint32(eocd[16:]))

	if cdOffset+cdSize > uint64(eocdPos) {
		return Result{}, ErrBadCdExtent
	}

	var entries []Entry
	pos := cdOffset
	end := cdOffset + cdSize

	for pos < end {
		if len(entries) >= maxFiles {
			slog.Warn("zipReaderTooManyFiles", "limit", maxFiles)
			return Result{}, ErrTooLarge
		}

		if uint64(len(b)) < pos+cdBaseLen {
			return Result{}, ErrBadRecord
		}
		rec := b[pos:]
		if binary.LittleEndian.Uint32(rec) != cdSignature {
			return Result{}, ErrBadRecord
		}

		gpFlags := binary.LittleEndian.Uint16(rec[8:])
		compSize := binary.LittleEndian.Uint32(rec[20:])
		uncompSize := binary.LittleEndian.Uint32(rec[24:])
		nameLen := int(binary.LittleEndian.Uint16(rec[28:]))
		extraLen := int(binary.LittleEndian.Uint16(rec[30:]))
		commentLen := int(binary.LittleEndian.Uint16(rec[32:]))

		if nameLen > maxNameBytes {
			slog.Warn("zipReaderNameTooLong", "len", nameLen)
			return Result{}, ErrTooLarge
		}

		recLen := uint64(cdBaseLen + nameLen + extraLen + commentLen)
		if pos+recLen > end {
			return Result{}, ErrBadRecord
		}

		nameBytes := rec[cdBaseLen : cdBaseLen+nameLen]
		extra := rec[cdBaseLen+nameLen : cdBaseLen+nameLen+extraLen]

		name, obfuscated := charsetconv.Normalize(nameBytes, guess, conv)

		encrypted := gpFlags&gpEncryptedMask != 0
		if hasStrongEncryptionField(extra) {
			encrypted = true
		}

		entries = append(entries, Entry{
			Name:             name,
			CompressedSize:   uint64(compSize),
			UncompressedSize: uint64(uncompSize),
			Encrypted:        encrypted,
			Obfuscated:       obfuscated,
		})

		pos += recLen
	}

	return Result{Entries: entries}, nil
}

func hasStrongEncryptionField(extra []byte) bool {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		if len(extra) < 4+size {
			break
		}
		if id == extraStrongEnc {
			return true
		}
		extra = extra[4+size:]
	}
	return false
}

// findEOCD scans backward from the end of b for the EOCD signature,
// capping the number of candidate positions inspected at maxScan to bound
// worst-case cost on hostile input.
func findEOCD(b []byte, maxScan int) (int, error) {
	if len(b) < eocdMinLen {
		return 0, ErrNoEocd
	}

	lo := len(b) - eocdMinLen - maxScan + 1
	if lo < 0 {
		lo = 0
	}

	for pos := len(b) - eocdMinLen; pos >= lo; pos-- {
		if binary.LittleEndian.Uint32(b[pos:]) == eocdSignature {
			return pos, nil
		}
	}
	return 0, ErrNoEocd
}

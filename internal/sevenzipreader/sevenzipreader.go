// Package sevenzipreader walks a 7-Zip archive's header section to
// enumerate member filenames and detect encrypted coders. A plain (not
// kEncodedHeader) header is walked directly; a packed header is handed off
// to github.com/bodgit/sevenzip, the same way an encrypted header is
// treated as opaque and delegated wholesale.
package sevenzipreader

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/bodgit/sevenzip"
	"github.com/cespare/xxhash/v2"

	"github.com/mailscan/archivescan/internal/charsetconv"
	"github.com/mailscan/archivescan/internal/cursor"
)

var (
	ErrNotSevenZip = errors.New("sevenzipreader: not a 7-zip archive")
	ErrBadHeader   = errors.New("sevenzipreader: malformed header")
	ErrTooLarge    = errors.New("sevenzipreader: declared count exceeds implementation ceiling")
)

var magic = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}

// Section NIDs, per the 7-Zip header grammar.
const (
	idEnd                = 0x00
	idHeader             = 0x01
	idArchiveProperties  = 0x02
	idAdditionalStreams  = 0x03
	idMainStreamsInfo    = 0x04
	idFilesInfo          = 0x05
	idPackInfo           = 0x06
	idUnpackInfo         = 0x07
	idSubStreamsInfo     = 0x08
	idSize               = 0x09
	idCRC                = 0x0a
	idFolder             = 0x0b
	idCodersUnpackSize   = 0x0c
	idNumUnpackStream    = 0x0d
	idEmptyStream        = 0x0e
	idEmptyFile          = 0x0f
	idAnti               = 0x10
	idName               = 0x11
	idCTime              = 0x12
	idATime              = 0x13
	idMTime              = 0x14
	idWinAttributes      = 0x15
	idComment            = 0x16
	idEncodedHeader      = 0x17
	idStartPos           = 0x18
	idDummy              = 0x19
)

// Encrypted coder method IDs, per the 7-Zip codec registry.
var encryptedCoders = map[uint64]bool{
	0x06f10101: true, // AES+ZipCrypto hybrid
	0x06f10303: true, // RAR29 AES-128
	0x06f10701: true, // AES-256+SHA-256
}

const maxFolders = 8192

// Entry is one file record found while walking 7-Zip headers.
type Entry struct {
	Name             string
	UncompressedSize uint64
	Obfuscated       bool
}

// Result is what the metadata engine derives from a 7-Zip buffer.
type Result struct {
	Entries   []Entry
	Encrypted bool
}

// Read parses the signature header, locates the (possibly packed) header
// section, and walks it for names and encrypted coders.
func Read(b []byte, guess charsetconv.Guesser, conv charsetconv.Converter, maxFiles, maxNameBytes int) (Result, error) {
	const sigHeaderLen = 32 // 6 magic + 2 version + 4 crc + 8 nextOffset + 8 nextSize + 4 nextCrc
	if len(b) <= sigHeaderLen || !bytes.HasPrefix(b, magic) {
		return Result{}, ErrNotSevenZip
	}

	c := cursor.New(b)
	if err := c.Skip(len(magic) + 2 + 4); err != nil { // magic + version + start-header CRC
		return Result{}, ErrBadHeader
	}
	nextOffset, err := c.U64()
	if err != nil {
		return Result{}, ErrBadHeader
	}
	nextSize, err := c.U64()
	if err != nil {
		return Result{}, ErrBadHeader
	}
	if err := c.Skip(4); err != nil { // next-header CRC
		return Result{}, ErrBadHeader
	}

	headerStart := c.Pos()
	if nextOffset > uint64(len(b)-headerStart) || nextSize > uint64(len(b)-headerStart)-nextOffset {
		return Result{}, ErrBadHeader
	}

	header := b[headerStart+int(nextOffset) : headerStart+int(nextOffset)+int(nextSize)]
	if len(header) == 0 {
		return Result{}, ErrBadHeader
	}

	hc := cursor.New(header)
	marker, err := hc.U8()
	if err != nil {
		return Result{}, ErrBadHeader
	}

	switch marker {
	case idHeader:
		return walkHeader(hc, guess, conv, maxFiles, maxNameBytes)
	case idEncodedHeader:
		return readViaLibrary(b, guess, conv, maxFiles, maxNameBytes)
	default:
		return Result{}, ErrBadHeader
	}
}

// readViaLibrary delegates to the external 7-Zip reader for a packed
// header: decompressing an arbitrary coder chain is squarely the external
// library's job, not this reader's.
func readViaLibrary(b []byte, guess charsetconv.Guesser, conv charsetconv.Converter, maxFiles, maxNameBytes int) (Result, error) {
	zr, err := sevenzip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return Result{}, fmt.Errorf("sevenzipreader: %w", err)
	}

	var res Result
	for _, f := range zr.File {
		if len(res.Entries) >= maxFiles {
			return Result{}, ErrTooLarge
		}
		name, obfuscated := charsetconv.Normalize([]byte(f.Name), guess, conv)
		if len(name) > maxNameBytes {
			return Result{}, ErrTooLarge
		}
		if folderEncrypted(f) {
			res.Encrypted = true
		}
		res.Entries = append(res.Entries, Entry{
			Name:             name,
			UncompressedSize: f.UncompressedSize,
			Obfuscated:       obfuscated,
		})
	}

	return res, nil
}

// folderEncrypted asks the external library whether f's folder uses an
// encrypted coder chain. Opening a file without a password fails
// immediately with a *sevenzip.ReadError carrying Encrypted=true once the
// library reaches an encryption coder it can't satisfy; a successful Open
// means no password was needed, so the handle is closed unread.
func folderEncrypted(f *sevenzip.File) bool {
	rc, err := f.Open()
	if err == nil {
		rc.Close()
		return false
	}
	var readErr *sevenzip.ReadError
	return errors.As(err, &readErr) && readErr.Encrypted
}

// walkHeader recurses the NID-tagged section tree of a plain header,
// collecting filenames from FilesInfo and flagging any encrypted coder
// found in MainStreamsInfo's folder descriptions.
func walkHeader(c *cursor.Cursor, guess charsetconv.Guesser, conv charsetconv.Converter, maxFiles, maxNameBytes int) (Result, error) {
	var res Result
	var numFolders int

	for c.Len() > 0 {
		t, err := c.U8()
		if err != nil {
			return Result{}, ErrBadHeader
		}

		switch t {
		case idEnd:
			return res, nil
		case idArchiveProperties:
			if err := skipArchiveProperties(c); err != nil {
				return Result{}, err
			}
		case idMainStreamsInfo, idAdditionalStreams:
			n, encrypted, err := walkStreamsInfo(c)
			if err != nil {
				return Result{}, err
			}
			numFolders = n
			if encrypted {
				res.Encrypted = true
			}
		case idFilesInfo:
			entries, err := walkFilesInfo(c, guess, conv, maxFiles, maxNameBytes)
			if err != nil {
				return Result{}, err
			}
			res.Entries = entries
		default:
			return Result{}, ErrBadHeader
		}
	}

	_ = numFolders
	return res, nil
}

func skipArchiveProperties(c *cursor.Cursor) error {
	for {
		propType, err := c.U8()
		if err != nil {
			return ErrBadHeader
		}
		if propType == idEnd {
			return nil
		}
		sz, err := c.SevenZipVint()
		if err != nil {
			return ErrBadHeader
		}
		if err := c.Skip(int(sz)); err != nil {
			return ErrBadHeader
		}
	}
}

// walkStreamsInfo handles PackInfo, UnpackInfo (folder descriptions, where
// encrypted coder IDs are found), and SubStreamsInfo, returning the folder
// count (needed by FilesInfo bookkeeping in the original format, unused
// here beyond sizing).
func walkStreamsInfo(c *cursor.Cursor) (int, bool, error) {
	var numFolders int
	var encrypted bool

	for c.Len() > 0 {
		t, err := c.U8()
		if err != nil {
			return 0, false, ErrBadHeader
		}

		switch t {
		case idEnd:
			return numFolders, encrypted, nil
		case idPackInfo:
			if err := skipPackInfo(c); err != nil {
				return 0, false, err
			}
		case idUnpackInfo:
			n, enc, err := skipUnpackInfo(c)
			if err != nil {
				return 0, false, err
			}
			numFolders = n
			encrypted = encrypted || enc
		case idSubStreamsInfo:
			if err := skipSubStreamsInfo(c, numFolders); err != nil {
				return 0, false, err
			}
		default:
			return 0, false, ErrBadHeader
		}
	}

	return numFolders, encrypted, ErrBadHeader
}

func skipPackInfo(c *cursor.Cursor) error {
	if _, err := c.SevenZipVint(); err != nil { // PackPos
		return ErrBadHeader
	}
	numPackStreams, err := c.SevenZipVint()
	if err != nil {
		return ErrBadHeader
	}

	for {
		t, err := c.U8()
		if err != nil {
			return ErrBadHeader
		}
		switch t {
		case idSize:
			for i := uint64(0); i < numPackStreams; i++ {
				if _, err := c.SevenZipVint(); err != nil {
					return ErrBadHeader
				}
			}
		case idCRC:
			if err := skipDigests(c, numPackStreams); err != nil {
				return err
			}
		case idEnd:
			return nil
		default:
			return ErrBadHeader
		}
	}
}

func skipDigests(c *cursor.Cursor, numStreams uint64) error {
	allDefined, err := c.U8()
	if err != nil {
		return ErrBadHeader
	}

	numDefined := numStreams
	if allDefined == 0 {
		if numStreams > maxFolders {
			return ErrTooLarge
		}
		defined, err := readBitVector(c, int(numStreams))
		if err != nil {
			return err
		}
		numDefined = 0
		for _, d := range defined {
			if d {
				numDefined++
			}
		}
	}

	return c.Skip(int(numDefined) * 4)
}

func readBitVector(c *cursor.Cursor, n int) ([]bool, error) {
	out := make([]bool, n)
	var mask byte
	var cur byte
	for i := 0; i < n; i++ {
		if mask == 0 {
			b, err := c.U8()
			if err != nil {
				return nil, ErrBadHeader
			}
			cur = b
			mask = 0x80
		}
		out[i] = cur&mask != 0
		mask >>= 1
	}
	return out, nil
}

// skipUnpackInfo walks the kFolder/kCodersUnPackSize/kCRC trio, returning
// the folder count and whether any coder in any folder uses an encrypted
// codec ID.
func skipUnpackInfo(c *cursor.Cursor) (int, bool, error) {
	var numFolders uint64
	var folderOutStreams []uint64
	var encrypted bool

	for {
		t, err := c.U8()
		if err != nil {
			return 0, false, ErrBadHeader
		}

		switch t {
		case idFolder:
			n, err := c.SevenZipVint()
			if err != nil {
				return 0, false, ErrBadHeader
			}
			numFolders = n
			if numFolders > maxFolders {
				return 0, false, ErrTooLarge
			}
			external, err := c.U8()
			if err != nil {
				return 0, false, ErrBadHeader
			}
			if external != 0 {
				if _, err := c.SevenZipVint(); err != nil {
					return 0, false, ErrBadHeader
				}
				break
			}
			folderOutStreams = make([]uint64, numFolders)
			for i := uint64(0); i < numFolders; i++ {
				outStreams, enc, err := skipFolder(c)
				if err != nil {
					return 0, false, err
				}
				folderOutStreams[i] = outStreams
				encrypted = encrypted || enc
			}
		case idCodersUnpackSize:
			for _, outStreams := range folderOutStreams {
				for j := uint64(0); j < outStreams; j++ {
					if _, err := c.SevenZipVint(); err != nil {
						return 0, false, ErrBadHeader
					}
				}
			}
		case idCRC:
			if err := skipDigests(c, numFolders); err != nil {
				return 0, false, err
			}
		case idEnd:
			return int(numFolders), encrypted, nil
		default:
			return 0, false, ErrBadHeader
		}
	}
}

// codecIDCache memoizes the big-endian decode of a coder's raw ID bytes,
// keyed by an xxhash digest rather than the bytes themselves: a multi-folder
// archive typically repeats the same handful of coder IDs (LZMA2, copy,
// delta) across every folder, and there's no reason to re-walk those bytes
// each time. Capped so a pathological archive with many distinct coder IDs
// can't grow it without bound.
const maxCodecIDCacheEntries = 256

var (
	codecIDCacheMu sync.Mutex
	codecIDCache   = make(map[uint64]uint64, 32)
)

func decodeCodecID(idBytes []byte) uint64 {
	digest := xxhash.Sum64(idBytes)

	codecIDCacheMu.Lock()
	defer codecIDCacheMu.Unlock()

	if id, ok := codecIDCache[digest]; ok {
		return id
	}

	var codecID uint64
	for _, x := range idBytes {
		codecID = codecID<<8 | uint64(x)
	}
	if len(codecIDCache) < maxCodecIDCacheEntries {
		codecIDCache[digest] = codecID
	}
	return codecID
}

// skipFolder reads one folder's coder list, returning its out-stream count
// and whether it uses an encrypted codec.
func skipFolder(c *cursor.Cursor) (uint64, bool, error) {
	numCoders, err := c.SevenZipVint()
	if err != nil {
		return 0, false, ErrBadHeader
	}

	var numIn, numOut uint64
	var encrypted bool

	for i := uint64(0); i < numCoders; i++ {
		flags, err := c.U8()
		if err != nil {
			return 0, false, ErrBadHeader
		}
		codecIDSize := int(flags & 0xf)
		idBytes, err := c.Bytes(codecIDSize)
		if err != nil {
			return 0, false, ErrBadHeader
		}
		codecID := decodeCodecID(idBytes)
		if encryptedCoders[codecID] {
			encrypted = true
		}

		if flags&(1<<4) != 0 {
			in, err := c.SevenZipVint()
			if err != nil {
				return 0, false, ErrBadHeader
			}
			out, err := c.SevenZipVint()
			if err != nil {
				return 0, false, ErrBadHeader
			}
			numIn += in
			numOut += out
		} else {
			numIn++
			numOut++
		}

		if flags&(1<<5) != 0 {
			propSize, err := c.SevenZipVint()
			if err != nil {
				return 0, false, ErrBadHeader
			}
			if err := c.Skip(int(propSize)); err != nil {
				return 0, false, ErrBadHeader
			}
		}
	}

	if numOut > 1 {
		for i := uint64(0); i < numOut-1; i++ {
			if _, err := c.SevenZipVint(); err != nil {
				return 0, false, ErrBadHeader
			}
			if _, err := c.SevenZipVint(); err != nil {
				return 0, false, ErrBadHeader
			}
		}
	}

	packed := int64(numIn) - int64(numOut) + 1
	if packed > 1 {
		for i := int64(0); i < packed; i++ {
			if _, err := c.SevenZipVint(); err != nil {
				return 0, false, ErrBadHeader
			}
		}
	}

	return numOut, encrypted, nil
}

func skipSubStreamsInfo(c *cursor.Cursor, numFolders int) error {
	streamsPerFolder := make([]uint64, numFolders)
	for i := range streamsPerFolder {
		streamsPerFolder[i] = 1
	}

	for {
		t, err := c.U8()
		if err != nil {
			return ErrBadHeader
		}

		switch t {
		case idNumUnpackStream:
			for i := range streamsPerFolder {
				n, err := c.SevenZipVint()
				if err != nil {
					return ErrBadHeader
				}
				streamsPerFolder[i] = n
			}
		case idCRC:
			var total uint64
			for _, n := range streamsPerFolder {
				total += n
			}
			if err := skipDigests(c, total); err != nil {
				return err
			}
		case idSize:
			for _, n := range streamsPerFolder {
				for j := uint64(0); j < n; j++ {
					if _, err := c.SevenZipVint(); err != nil {
						return ErrBadHeader
					}
				}
			}
		case idEnd:
			return nil
		default:
			return ErrBadHeader
		}
	}
}

func walkFilesInfo(c *cursor.Cursor, guess charsetconv.Guesser, conv charsetconv.Converter, maxFiles, maxNameBytes int) ([]Entry, error) {
	numFiles, err := c.SevenZipVint()
	if err != nil {
		return nil, ErrBadHeader
	}
	if numFiles > uint64(maxFiles) {
		return nil, ErrTooLarge
	}

	var entries []Entry

	for {
		t, err := c.U8()
		if err != nil {
			return nil, ErrBadHeader
		}
		if t == idEnd {
			return entries, nil
		}

		sz, err := c.SevenZipVint()
		if err != nil {
			return nil, ErrBadHeader
		}

		switch t {
		case idName:
			entries, err = readNames(c, numFiles, maxNameBytes)
			if err != nil {
				return nil, err
			}
		case idEmptyStream, idEmptyFile, idAnti, idCTime, idATime, idMTime, idDummy, idWinAttributes:
			if sz > 0 {
				if err := c.Skip(int(sz)); err != nil {
					return nil, ErrBadHeader
				}
			}
		default:
			return nil, ErrBadHeader
		}
	}
}

// readNames reads numFiles consecutive NUL-terminated UTF-16LE filenames.
// 7-Zip names are natively UTF-16: unlike ZIP and RAR there is no charset
// to guess, just the same control/zero-width obfuscation check.
func readNames(c *cursor.Cursor, numFiles uint64, maxNameBytes int) ([]Entry, error) {
	external, err := c.U8()
	if err != nil {
		return nil, ErrBadHeader
	}
	if external != 0 {
		if _, err := c.SevenZipVint(); err != nil {
			return nil, ErrBadHeader
		}
		return nil, nil
	}

	entries := make([]Entry, 0, numFiles)
	for i := uint64(0); i < numFiles; i++ {
		nameBytes, err := readUTF16NulTerminated(c, maxNameBytes*2)
		if err != nil {
			return nil, ErrBadHeader
		}
		if len(nameBytes) == 0 {
			return nil, ErrBadHeader
		}

		name, obfuscated, ok := charsetconv.NormalizeUTF16LE(nameBytes)
		if !ok {
			// Invalid UCS-2 sequence: discard this entry and move on to the
			// next name rather than storing a lossy substitution.
			continue
		}
		entries = append(entries, Entry{Name: name, Obfuscated: obfuscated})
	}

	return entries, nil
}

// readUTF16NulTerminated reads consecutive 2-byte code units up to (but
// excluding) a two-byte NUL terminator, leaving the cursor positioned
// immediately after the terminator. maxBytes bounds the scan against a
// hostile stream with no terminator at all.
func readUTF16NulTerminated(c *cursor.Cursor, maxBytes int) ([]byte, error) {
	var out []byte
	for len(out) <= maxBytes {
		pair, err := c.Bytes(2)
		if err != nil {
			return nil, ErrBadHeader
		}
		if pair[0] == 0 && pair[1] == 0 {
			return out, nil
		}
		out = append(out, pair...)
	}
	return nil, ErrTooLarge
}

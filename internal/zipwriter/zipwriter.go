// Package zipwriter synthesizes a ZIP byte stream from a list of in-memory
// entries, with optional WinZip-AES (AE-2) encryption. Local file headers
// are written with placeholder sizes and patched in place once the payload
// (and, if encrypted, its MAC) is known, mirroring the way archive/zip's
// data-descriptor path defers CRC and size until the entry is closed.
package zipwriter

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/mailscan/archivescan/internal/cryptocaps"
)

const (
	lfhSignature = 0x04034b50
	cdSignature  = 0x02014b50
	eocdSig      = 0x06054b50

	lfhBaseLen = 30
	cdBaseLen  = 46

	methodStore   = 0
	methodDeflate = 8
	methodAES     = 99

	aeExtraID     = 0x9901
	aeExtraSize   = 7
	aeVendorVer2  = 0x0002
	aeStrength256 = 0x03

	pbkdf2Iterations = 1000
	aesKeyLen        = 32
	saltLen          = 16
	verifierLen      = 2
	macLen           = 10
)

// File is one entry to place into the written archive.
type File struct {
	Name   string
	Data   []byte
	MTime  time.Time
	Mode   uint32
	offset int // local header offset, filled in during Write
}

var (
	ErrInvalidName       = invalidNameErr{}
	ErrCryptoUnavailable = cryptoUnavailableErr{}
	ErrRngFailed         = rngFailedErr{}
	ErrCompressionFailed = compressionFailedErr{}
)

type invalidNameErr struct{}

func (invalidNameErr) Error() string { return "zipwriter: invalid entry name" }

type cryptoUnavailableErr struct{}

func (cryptoUnavailableErr) Error() string { return "zipwriter: crypto backend unavailable" }

type rngFailedErr struct{}

func (rngFailedErr) Error() string { return "zipwriter: random number generator failed" }

type compressionFailedErr struct{}

func (compressionFailedErr) Error() string { return "zipwriter: compression failed" }

// Write synthesizes a complete ZIP byte stream from files. When password is
// non-empty every entry is WinZip-AES (AE-2) encrypted under it; caps must
// be non-nil in that case.
func Write(files []File, password string, caps cryptocaps.Capabilities) ([]byte, error) {
	for _, f := range files {
		if err := validateName(f.Name); err != nil {
			return nil, err
		}
	}
	if password != "" && caps == nil {
		return nil, ErrCryptoUnavailable
	}

	var buf bytes.Buffer
	type cdRecord struct {
		file      File
		method    uint16
		gpFlags   uint16
		crc       uint32
		compSize  uint32
		uncomp    uint32
		aesExtra  []byte
		encrypted bool
	}
	records := make([]cdRecord, 0, len(files))

	for _, f := range files {
		encrypted := password != ""
		gpFlags := uint16(1 << 11) // UTF-8 names
		verNeeded := uint16(20)
		var aesExtra []byte

		if encrypted {
			verNeeded = 51
			gpFlags |= 1
			aesExtra = make([]byte, aeExtraSize)
			binary.LittleEndian.PutUint16(aesExtra[0:], aeVendorVer2)
			aesExtra[2] = 'A'
			aesExtra[3] = 'E'
			aesExtra[4] = aeStrength256
			binary.LittleEndian.PutUint16(aesExtra[5:], methodDeflate)
		}

		wireMethod := uint16(methodDeflate)
		if encrypted {
			wireMethod = methodAES
		}

		lfhOff := buf.Len()
		extra := extraField(encrypted, aesExtra)
		writeLocalHeader(&buf, verNeeded, gpFlags, wireMethod, f.modTime(), f.Name, extra)

		var compSize, crc uint32

		if encrypted {
			size, actualMethod, err := writeEncryptedPayload(&buf, f.Data, password, caps)
			if err != nil {
				return nil, err
			}
			compSize = size
			crc = 0

			// Patch the actual-method field inside the AES extra record we
			// already wrote into the local header: 4 bytes of extra-field
			// header (id, size) then 5 bytes of AES-extra body (vendor
			// version, vendor id, strength) precede actual_method.
			patchOffset := lfhOff + lfhBaseLen + len(f.Name) + 4 + 5
			binary.LittleEndian.PutUint16(buf.Bytes()[patchOffset:], actualMethod)
			aesExtra[5] = byte(actualMethod)
			aesExtra[6] = byte(actualMethod >> 8)
		} else {
			payload, realMethod, err := compressOrStore(f.Data)
			if err != nil {
				return nil, err
			}
			buf.Write(payload)
			compSize = uint32(len(payload))
			crc = crc32.ChecksumIEEE(f.Data)
			wireMethod = realMethod
		}

		patchLocalHeader(buf.Bytes()[lfhOff:], wireMethod, crc, compSize, uint32(len(f.Data)))

		records = append(records, cdRecord{
			file:      f,
			method:    wireMethod,
			gpFlags:   gpFlags,
			crc:       crc,
			compSize:  compSize,
			uncomp:    uint32(len(f.Data)),
			aesExtra:  aesExtra,
			encrypted: encrypted,
		})
		records[len(records)-1].file.offset = lfhOff
	}

	cdStart := buf.Len()
	for _, r := range records {
		extra := extraField(r.encrypted, r.aesExtra)
		writeCDRecord(&buf, r.method, r.gpFlags, r.crc, r.compSize, r.uncomp,
			r.file.Name, extra, r.file.modTime(), r.file.mode(), uint32(r.file.offset))
	}
	cdSize := buf.Len() - cdStart

	writeEOCD(&buf, len(records), cdSize, cdStart)

	return buf.Bytes(), nil
}

func (f File) modTime() time.Time {
	if f.MTime.IsZero() {
		return time.Now()
	}
	return f.MTime
}

func (f File) mode() uint32 {
	if f.Mode == 0 {
		return 0o644
	}
	return f.Mode
}

func validateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return ErrInvalidName
	}
	if strings.Contains(name, "..") || strings.Contains(name, ":") {
		return ErrInvalidName
	}
	return nil
}

func extraField(encrypted bool, aesExtra []byte) []byte {
	if !encrypted {
		return nil
	}
	extra := make([]byte, 4+len(aesExtra))
	binary.LittleEndian.PutUint16(extra[0:], aeExtraID)
	binary.LittleEndian.PutUint16(extra[2:], uint16(len(aesExtra)))
	copy(extra[4:], aesExtra)
	return extra
}

func writeLocalHeader(buf *bytes.Buffer, verNeeded, gpFlags, method uint16, mtime time.Time, name string, extra []byte) {
	var hdr [lfhBaseLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], lfhSignature)
	binary.LittleEndian.PutUint16(hdr[4:], verNeeded)
	binary.LittleEndian.PutUint16(hdr[6:], gpFlags)
	binary.LittleEndian.PutUint16(hdr[8:], method)
	dosTime, dosDate := toDOSTime(mtime)
	binary.LittleEndian.PutUint16(hdr[10:], dosTime)
	binary.LittleEndian.PutUint16(hdr[12:], dosDate)
	// CRC32, compressed size, uncompressed size are placeholders, patched
	// once the payload is known.
	binary.LittleEndian.PutUint16(hdr[26:], uint16(len(name)))
	binary.LittleEndian.PutUint16(hdr[28:], uint16(len(extra)))
	buf.Write(hdr[:])
	buf.WriteString(name)
	buf.Write(extra)
}

// patchLocalHeader overwrites the CRC32/compressed/uncompressed fields of an
// already-written local header in place.
func patchLocalHeader(hdr []byte, method uint16, crc, compSize, uncompSize uint32) {
	binary.LittleEndian.PutUint16(hdr[8:], method)
	binary.LittleEndian.PutUint32(hdr[14:], crc)
	binary.LittleEndian.PutUint32(hdr[18:], compSize)
	binary.LittleEndian.PutUint32(hdr[22:], uncompSize)
}

func writeCDRecord(buf *bytes.Buffer, method, gpFlags uint16, crc, compSize, uncompSize uint32, name string, extra []byte, mtime time.Time, mode, lfhOffset uint32) {
	var hdr [cdBaseLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], cdSignature)
	binary.LittleEndian.PutUint16(hdr[4:], (3<<8)|20) // version made by: unix, 2.0
	verNeeded := uint16(20)
	if gpFlags&1 != 0 {
		verNeeded = 51
	}
	binary.LittleEndian.PutUint16(hdr[6:], verNeeded)
	binary.LittleEndian.PutUint16(hdr[8:], gpFlags)
	binary.LittleEndian.PutUint16(hdr[10:], method)
	dosTime, dosDate := toDOSTime(mtime)
	binary.LittleEndian.PutUint16(hdr[12:], dosTime)
	binary.LittleEndian.PutUint16(hdr[14:], dosDate)
	binary.LittleEndian.PutUint32(hdr[16:], crc)
	binary.LittleEndian.PutUint32(hdr[20:], compSize)
	binary.LittleEndian.PutUint32(hdr[24:], uncompSize)
	binary.LittleEndian.PutUint16(hdr[28:], uint16(len(name)))
	binary.LittleEndian.PutUint16(hdr[30:], uint16(len(extra)))
	// comment length, disk number start, internal attrs: zero
	binary.LittleEndian.PutUint32(hdr[38:], mode<<16)
	binary.LittleEndian.PutUint32(hdr[42:], lfhOffset)

	buf.Write(hdr[:])
	buf.WriteString(name)
	buf.Write(extra)
}

func writeEOCD(buf *bytes.Buffer, nrecords, cdSize, cdOffset int) {
	var hdr [22]byte
	binary.LittleEndian.PutUint32(hdr[0:], eocdSig)
	binary.LittleEndian.PutUint16(hdr[8:], uint16(nrecords))
	binary.LittleEndian.PutUint16(hdr[10:], uint16(nrecords))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(cdSize))
	binary.LittleEndian.PutUint32(hdr[16:], uint32(cdOffset))
	buf.Write(hdr[:])
}

// compressOrStore DEFLATEs data, falling back to a stored copy when
// compression does not shrink the payload.
func compressOrStore(data []byte) ([]byte, uint16, error) {
	var out bytes.Buffer
	fw, err := flate.NewWriter(&out, flate.DefaultCompression)
	if err != nil {
		return nil, 0, ErrCompressionFailed
	}
	if _, err := fw.Write(data); err != nil {
		return nil, 0, ErrCompressionFailed
	}
	if err := fw.Close(); err != nil {
		return nil, 0, ErrCompressionFailed
	}

	if out.Len() >= len(data) {
		return append([]byte(nil), data...), methodStore, nil
	}
	return out.Bytes(), methodDeflate, nil
}

// writeEncryptedPayload implements the AE-2 scheme: PBKDF2-derived
// encryption/MAC/verifier keys, salt+verifier prefix, DEFLATE-or-store
// ciphertext under AES-256-CTR with the WinZip counter convention
// (little-endian 64-bit counter starting at 1, zero IV), and a trailing
// 10-byte HMAC-SHA1 truncation. Returns the total byte count written.
func writeEncryptedPayload(buf *bytes.Buffer, plaintext []byte, password string, caps cryptocaps.Capabilities) (size uint32, actualMethod uint16, err error) {
	salt, err := caps.RandBytes(saltLen)
	if err != nil {
		return 0, 0, ErrRngFailed
	}

	keyMaterial := caps.PBKDF2HMACSHA1([]byte(password), salt, pbkdf2Iterations, 2*aesKeyLen+verifierLen)
	encKey := keyMaterial[:aesKeyLen]
	macKey := keyMaterial[aesKeyLen : 2*aesKeyLen]
	verifier := keyMaterial[2*aesKeyLen:]
	defer zero(keyMaterial)

	buf.Write(salt)
	buf.Write(verifier)

	payload, realMethod, err := compressOrStore(plaintext)
	if err != nil {
		return 0, 0, err
	}

	ciphertext, err := winzipCTRXor(caps, encKey, payload)
	if err != nil {
		return 0, 0, err
	}
	buf.Write(ciphertext)

	mac := caps.HMACSHA1(macKey, ciphertext)
	buf.Write(mac[:macLen])

	return uint32(saltLen + verifierLen + len(ciphertext) + macLen), realMethod, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

const aesBlockSize = 16

// winzipCTRXor applies AES-256-CTR the way WinZip's AE-2 scheme defines it:
// a 16-byte counter block whose low 8 bytes hold a little-endian integer
// starting at 1 and incrementing once per 16-byte block, high bytes always
// zero. This is not the big-endian, whole-block-as-one-counter convention
// crypto/cipher's CTR implements, so each block is XORed with a fresh,
// independently-addressed counter value rather than delegating the whole
// stream to one CTR instance.
func winzipCTRXor(caps cryptocaps.Capabilities, key, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	counter := uint64(1)
	counterBlock := make([]byte, aesBlockSize)
	zeroBlock := make([]byte, aesBlockSize)

	for off := 0; off < len(data); off += aesBlockSize {
		end := off + aesBlockSize
		if end > len(data) {
			end = len(data)
		}
		for i := range counterBlock {
			counterBlock[i] = 0
		}
		binary.LittleEndian.PutUint64(counterBlock[:8], counter)

		// Extract the raw keystream block by encrypting zeros under this
		// counter value, then XOR it against the real data ourselves.
		ks, err := caps.AESCTRXor(key, counterBlock, zeroBlock[:end-off])
		if err != nil {
			return nil, ErrCryptoUnavailable
		}
		for i := off; i < end; i++ {
			out[i] = data[i] ^ ks[i-off]
		}
		counter++
	}
	return out, nil
}

// toDOSTime converts t to the MS-DOS date/time pair ZIP headers use.
// Dates before 1980 (DOS epoch) clamp to the epoch itself.
func toDOSTime(t time.Time) (uint16, uint16) {
	if t.Year() < 1980 {
		return 0, 1<<5 | 1 // day=1, month=1, year=1980 in the packed date field
	}
	dosTime := uint16(t.Second()/2) | uint16(t.Minute())<<5 | uint16(t.Hour())<<11
	dosDate := uint16(t.Day()) | uint16(t.Month())<<5 | uint16(t.Year()-1980)<<9
	return dosTime, dosDate
}

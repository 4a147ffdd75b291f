package archivescan

import (
	"bytes"
	"log/slog"
	"strings"
	"time"

	"github.com/mailscan/archivescan/internal/charsetconv"
	"github.com/mailscan/archivescan/internal/cryptocaps"
	"github.com/mailscan/archivescan/internal/envelope"
	"github.com/mailscan/archivescan/internal/gzipreader"
	"github.com/mailscan/archivescan/internal/rarreader"
	"github.com/mailscan/archivescan/internal/sevenzipreader"
	"github.com/mailscan/archivescan/internal/zipreader"
	"github.com/mailscan/archivescan/internal/zipwriter"
)

var (
	zipMagicLFH   = []byte{0x50, 0x4b, 0x03, 0x04}
	zipMagicEOCD  = []byte{0x50, 0x4b, 0x05, 0x06}
	rarMagicV5    = []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x01, 0x00}
	rarMagicV4    = []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x00}
	sevenZipMagic = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
	gzipMagicB    = []byte{0x1f, 0x8b}
)

// IdentifyResult is what Identify returns: the parsed Archive (valid only
// when Ok is true) plus the observable side effect the dispatcher folds
// back to the caller about a mismatched declared content-type.
type IdentifyResult struct {
	Archive Archive
	Ok      bool
	// ContentTypeBroken is set when the caller's declaredContentType began
	// with "text/" but the buffer parsed successfully as an archive.
	ContentTypeBroken bool
}

// Identify parses b as one of the supported container formats. hint, when
// non-empty, is a lowercase format extension ("zip", "rar", "7z", "gz")
// taken from a declared content-type or filename. When hint is empty, or
// the buffer's actual magic bytes don't match what hint promised, a short
// magic-byte sniff picks the real format instead. declaredContentType is
// the part's own declared MIME type, used only to detect the
// text/archive mismatch described in ContentTypeBroken; pass "" if
// unknown. containerName is the filename of the part itself, used by the
// gzip reader's fallback-name derivation.
func Identify(b []byte, hint, declaredContentType, containerName string, limits Limits, guess charsetconv.Guesser, conv charsetconv.Converter) IdentifyResult {
	typ := sniff(b, hint)

	var (
		archive Archive
		ok      bool
	)

	switch typ {
	case TypeZip:
		res, err := zipreader.Read(b, guess, conv, limits.MaxEOCDScan, limits.MaxFiles, limits.MaxNameBytes)
		if err != nil {
			logReject("zip", containerName, err)
			break
		}
		archive, ok = fromZip(b, containerName, res), true
	case TypeRar:
		res, err := rarreader.Read(b, guess, conv, limits.MaxFiles, limits.MaxNameBytes)
		if err != nil {
			logReject("rar", containerName, err)
			break
		}
		archive, ok = fromRar(b, containerName, res), true
	case Type7z:
		res, err := sevenzipreader.Read(b, guess, conv, limits.MaxFiles, limits.MaxNameBytes)
		if err != nil {
			logReject("7z", containerName, err)
			break
		}
		archive, ok = from7z(b, containerName, res), true
	case TypeGzip:
		res, err := gzipreader.Read(b, containerName, guess, conv)
		if err != nil {
			logReject("gzip", containerName, err)
			break
		}
		archive, ok = fromGzip(b, containerName, res), true
	}

	return IdentifyResult{
		Archive:           archive,
		Ok:                ok,
		ContentTypeBroken: ok && strings.HasPrefix(declaredContentType, "text/"),
	}
}

func sniff(b []byte, hint string) Type {
	wanted := hintType(hint)
	actual := magicType(b)
	if wanted != TypeUnknown && wanted == actual {
		return wanted
	}
	return actual
}

func hintType(hint string) Type {
	switch strings.ToLower(hint) {
	case "zip":
		return TypeZip
	case "rar":
		return TypeRar
	case "7z":
		return Type7z
	case "gz", "gzip":
		return TypeGzip
	default:
		return TypeUnknown
	}
}

func magicType(b []byte) Type {
	switch {
	case bytes.HasPrefix(b, zipMagicLFH), bytes.HasPrefix(b, zipMagicEOCD):
		return TypeZip
	case bytes.HasPrefix(b, rarMagicV5), bytes.HasPrefix(b, rarMagicV4):
		return TypeRar
	case bytes.HasPrefix(b, sevenZipMagic):
		return Type7z
	case bytes.HasPrefix(b, gzipMagicB):
		return TypeGzip
	default:
		return TypeUnknown
	}
}

func logReject(format, containerName string, err error) {
	slog.Info("archiveRejected", "format", format, "filename", containerName, "error", err)
}

func fromZip(b []byte, containerName string, res zipreader.Result) Archive {
	files := make([]ArchiveFile, 0, len(res.Entries))
	var flags ArchiveFlags
	for _, e := range res.Entries {
		files = append(files, ArchiveFile{
			Name:             e.Name,
			CompressedSize:   e.CompressedSize,
			UncompressedSize: e.UncompressedSize,
			Flags:            FileFlags{Encrypted: e.Encrypted, Obfuscated: e.Obfuscated},
		})
		if e.Obfuscated {
			flags.HasObfuscatedFiles = true
		}
	}
	return Archive{
		Type:        TypeZip,
		Files:       files,
		Flags:       flags,
		Size:        uint64(len(b)),
		ArchiveName: containerName,
	}
}

func fromRar(b []byte, containerName string, res rarreader.Result) Archive {
	files := make([]ArchiveFile, 0, len(res.Entries))
	var flags ArchiveFlags
	flags.Encrypted = res.Encrypted
	for _, e := range res.Entries {
		files = append(files, ArchiveFile{
			Name:             e.Name,
			CompressedSize:   e.CompressedSize,
			UncompressedSize: e.UncompressedSize,
			Flags:            FileFlags{Encrypted: e.Encrypted, Obfuscated: e.Obfuscated},
		})
		if e.Encrypted {
			flags.Encrypted = true
		}
		if e.Obfuscated {
			flags.HasObfuscatedFiles = true
		}
	}
	return Archive{
		Type:        TypeRar,
		Files:       files,
		Flags:       flags,
		Size:        uint64(len(b)),
		ArchiveName: containerName,
	}
}

func from7z(b []byte, containerName string, res sevenzipreader.Result) Archive {
	files := make([]ArchiveFile, 0, len(res.Entries))
	var flags ArchiveFlags
	flags.Encrypted = res.Encrypted
	for _, e := range res.Entries {
		files = append(files, ArchiveFile{
			Name:             e.Name,
			UncompressedSize: e.UncompressedSize,
			Flags:            FileFlags{Obfuscated: e.Obfuscated},
		})
		if e.Obfuscated {
			flags.HasObfuscatedFiles = true
		}
	}
	return Archive{
		Type:        Type7z,
		Files:       files,
		Flags:       flags,
		Size:        uint64(len(b)),
		ArchiveName: containerName,
	}
}

func fromGzip(b []byte, containerName string, res gzipreader.Result) Archive {
	files := make([]ArchiveFile, 0, len(res.Files))
	for _, name := range res.Files {
		files = append(files, ArchiveFile{
			Name:  name,
			Flags: FileFlags{Encrypted: res.Encrypted, Obfuscated: res.Obfuscated},
		})
	}
	return Archive{
		Type:        TypeGzip,
		Files:       files,
		Flags:       ArchiveFlags{Encrypted: res.Encrypted, HasObfuscatedFiles: res.Obfuscated},
		Size:        uint64(len(b)),
		ArchiveName: containerName,
	}
}

// WriteZip synthesizes a ZIP byte stream from specs. When password is
// non-empty every entry is WinZip-AES (AE-2) encrypted under it.
func WriteZip(specs []ZipFileSpec, password string, caps cryptocaps.Capabilities) ([]byte, error) {
	files := make([]zipwriter.File, 0, len(specs))
	now := time.Now()
	for _, s := range specs {
		files = append(files, zipwriter.File{
			Name:  s.Name,
			Data:  s.Data,
			MTime: s.modTime(now),
			Mode:  s.mode(),
		})
	}

	out, err := zipwriter.Write(files, password, caps)
	if err != nil {
		return nil, mapZipWriterErr(err)
	}
	return out, nil
}

// WriteEnvelope encrypts data under password, producing a standalone
// AES-256-CBC envelope independent of any archive container format.
func WriteEnvelope(data []byte, password string, caps cryptocaps.Capabilities) ([]byte, error) {
	out, err := envelope.Write(data, password, caps)
	if err != nil {
		return nil, mapEnvelopeErr(err)
	}
	return out, nil
}

func mapZipWriterErr(err error) error {
	switch err {
	case zipwriter.ErrInvalidName:
		return ErrInvalidName
	case zipwriter.ErrCryptoUnavailable:
		return ErrCryptoUnavailable
	case zipwriter.ErrRngFailed:
		return ErrRngFailed
	case zipwriter.ErrCompressionFailed:
		return ErrCompressionFailed
	default:
		return err
	}
}

func mapEnvelopeErr(err error) error {
	switch err {
	case envelope.ErrInvalidPassword:
		return ErrInvalidPassword
	case envelope.ErrRngFailed:
		return ErrRngFailed
	default:
		return err
	}
}

// Package gzipreader extracts the single embedded filename (if any) from a
// gzip stream's FLG/FEXTRA/FNAME header fields. Gzip carries at most one
// logical member, so there is no directory to walk.
package gzipreader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"

	"github.com/mailscan/archivescan/internal/charsetconv"
)

var (
	ErrNotGzip   = errors.New("gzipreader: not a gzip stream")
	ErrBadHeader = errors.New("gzipreader: malformed header")
)

const (
	minHeaderLen = 10

	flagEncrypted = 1 << 5
	flagExtra     = 1 << 2
	flagName      = 1 << 3
	flagMulti     = 1 << 1
)

var magic = []byte{0x1f, 0x8b}

// Result is what the metadata engine derives from a gzip buffer. Files
// holds zero or one entry: the embedded name if FNAME was set and
// nul-terminated within the buffer, otherwise a name guessed from the
// surrounding container's own filename (see nameFromContainer), otherwise
// nothing.
type Result struct {
	Files      []string
	Encrypted  bool
	Obfuscated bool
}

// Read parses the gzip member header enough to recover FLG, the encrypted
// bit, and an embedded filename. containerName is the filename of the
// surrounding message part, used as a fallback when the stream carries no
// FNAME field; pass "" if none is known.
func Read(b []byte, containerName string, guess charsetconv.Guesser, conv charsetconv.Converter) (Result, error) {
	if len(b) <= minHeaderLen || !bytes.HasPrefix(b, magic) {
		return Result{}, ErrNotGzip
	}

	var res Result
	flags := b[3]
	if flags&flagEncrypted != 0 {
		res.Encrypted = true
	}

	if flags&flagName == 0 {
		if name, ok := nameFromContainer(containerName); ok {
			res.Files = []string{name}
		}
		return res, nil
	}

	p := 10
	if flags&flagMulti != 0 {
		p += 2
	}

	if flags&flagExtra != 0 {
		if len(b) < p+2 {
			return Result{}, ErrBadHeader
		}
		optLen := int(binary.LittleEndian.Uint16(b[p:]))
		p += 2
		if p+optLen >= len(b) {
			return Result{}, ErrBadHeader
		}
		p += optLen
	}

	nameStart := p
	for p < len(b) {
		if b[p] == 0 {
			if p > nameStart {
				name, obfuscated := charsetconv.Normalize(b[nameStart:p], guess, conv)
				res.Files = []string{name}
				res.Obfuscated = obfuscated
			}
			return res, nil
		}
		p++
	}

	return Result{}, ErrBadHeader
}

// nameFromContainer derives a plausible payload name from the surrounding
// container's own filename by dropping its last extension: "foo.txt.gz" ->
// "foo.txt", "dir/foo.gz" -> "foo". A name with a single dot and no
// directory component, such as "foo.gz", is returned whole, and a name
// with no dot yields nothing.
func nameFromContainer(containerName string) (string, bool) {
	if containerName == "" {
		return "", false
	}

	dot := strings.LastIndexByte(containerName, '.')
	if dot < 0 {
		return "", false
	}

	slash := strings.LastIndexByte(containerName, '/')
	if slash >= 0 && slash < dot {
		return containerName[slash+1 : dot], true
	}

	if strings.IndexByte(containerName, '.') != dot {
		// Double-dotted name, e.g. foo.exe.gz: drop only the last extension.
		return containerName[:dot], true
	}

	return containerName, true
}

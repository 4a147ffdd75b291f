package charsetconv

import (
	"fmt"
	"hash/maphash"
	"sync"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/dgryski/go-tinylfu"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// utf8Charset is the pseudo-charset name DefaultGuesser reports for input
// that is already well-formed UTF-8; DefaultConverter special-cases it so
// no round-trip through a legacy code page loses information.
const utf8Charset = "utf-8"

// legacyEncodings maps a lower-case charset name to its decoder, the same
// table shape used by compressors elsewhere in the ecosystem for
// non-UTF-8 ZIP entry names.
var legacyEncodings = map[string]encoding.Encoding{
	"ibm866":             charmap.CodePage866,
	"iso8859_1":          charmap.ISO8859_1,
	"iso8859_2":          charmap.ISO8859_2,
	"iso8859_3":          charmap.ISO8859_3,
	"iso8859_4":          charmap.ISO8859_4,
	"iso8859_5":          charmap.ISO8859_5,
	"iso8859_6":          charmap.ISO8859_6,
	"iso8859_7":          charmap.ISO8859_7,
	"iso8859_8":          charmap.ISO8859_8,
	"iso8859_8i":         charmap.ISO8859_8I,
	"iso8859_10":         charmap.ISO8859_10,
	"iso8859_13":         charmap.ISO8859_13,
	"iso8859_14":         charmap.ISO8859_14,
	"iso8859_15":         charmap.ISO8859_15,
	"iso8859_16":         charmap.ISO8859_16,
	"koi8r":              charmap.KOI8R,
	"koi8u":              charmap.KOI8U,
	"macintosh":          charmap.Macintosh,
	"macintoshcyrillic":  charmap.MacintoshCyrillic,
	"windows874":         charmap.Windows874,
	"windows1250":        charmap.Windows1250,
	"windows1251":        charmap.Windows1251,
	"windows1252":        charmap.Windows1252,
	"windows1253":        charmap.Windows1253,
	"windows1254":        charmap.Windows1254,
	"windows1255":        charmap.Windows1255,
	"windows1256":        charmap.Windows1256,
	"windows1257":        charmap.Windows1257,
	"windows1258":        charmap.Windows1258,
	"gbk":                simplifiedchinese.GBK,
	"gb18030":            simplifiedchinese.GB18030,
	"big5":               traditionalchinese.Big5,
	"eucjp":              japanese.EUCJP,
	"iso2022jp":          japanese.ISO2022JP,
	"shiftjis":           japanese.ShiftJIS,
	"euckr":              korean.EUCKR,
	"utf16be":            unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	"utf16le":            unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
}

// priorityGuesses is the fallback order DefaultGuesser tries once a buffer
// fails the well-formed-UTF-8 check. It is a coarse heuristic only: a host
// with a real charset detector is expected to supply its own Guesser.
var priorityGuesses = []string{"windows1252", "shiftjis", "gbk", "euckr", "big5"}

var guessSeed = maphash.MakeSeed()

func guessHasher(k string) uint64 {
	return maphash.String(guessSeed, k)
}

// guessCache amortizes repeated charset guesses across archive entries that
// reuse the same raw name bytes, which happens constantly when a batch of
// attachments comes from the same vendor naming scheme. Bounded the same
// way a host-side block cache would be, so repeated scans of large
// archives don't grow this without limit.
var guessCache = tinylfu.New[string, string](1024, 1024*10, guessHasher)

// guessCacheMu serializes access to guessCache, which is shared by every
// concurrent caller of DefaultGuesser.Guess.
var guessCacheMu sync.Mutex

// DefaultGuesser is a minimal stand-in for the host's charset detector:
// well-formed UTF-8 is recognized as such, otherwise a short list of
// common legacy code pages is tried in turn and the first one that decodes
// without error wins.
type DefaultGuesser struct{}

func (DefaultGuesser) Guess(b []byte) (string, bool) {
	key := string(b)
	guessCacheMu.Lock()
	defer guessCacheMu.Unlock()
	if charset, ok := guessCache.Get(key); ok {
		return charset, charset != ""
	}

	charset, ok := guessUncached(b)
	guessCache.Add(key, charset)
	return charset, ok
}

func guessUncached(b []byte) (string, bool) {
	if utf8.Valid(b) {
		return utf8Charset, true
	}
	for _, name := range priorityGuesses {
		enc, ok := legacyEncodings[name]
		if !ok {
			continue
		}
		if _, err := enc.NewDecoder().Bytes(b); err == nil {
			return name, true
		}
	}
	return "", false
}

// DefaultConverter decodes bytes tagged with a charset name (as produced by
// DefaultGuesser, or any guesser using the same names) into UTF-16 code
// units.
type DefaultConverter struct{}

func (DefaultConverter) ToUTF16(b []byte, charset string) ([]uint16, error) {
	if charset == utf8Charset {
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("charsetconv: not valid utf-8")
		}
		return utf16.Encode([]rune(string(b))), nil
	}

	enc, ok := legacyEncodings[charset]
	if !ok {
		return nil, fmt.Errorf("charsetconv: unrecognized charset %q", charset)
	}
	u8, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("charsetconv: decode %q: %w", charset, err)
	}
	return utf16.Encode([]rune(string(u8))), nil
}

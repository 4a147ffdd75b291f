// Package charsetconv normalizes raw archive entry filenames into UTF-8,
// flagging control characters and zero-width spaces that are often used to
// obfuscate a filename's true extension. The core never bundles charset
// detection tables itself: a Guesser is injected by the host, matching the
// design note "Host charset detector -> injected interface".
package charsetconv

import (
	"unicode/utf16"
	"unicode/utf8"
)

// Guesser proposes a charset name for a run of raw filename bytes. It
// returns ok=false when it cannot make a confident guess, in which case the
// caller falls back to a lossy ASCII-safe rendering.
type Guesser interface {
	Guess(b []byte) (charset string, ok bool)
}

// Converter turns raw bytes tagged with a charset name into UTF-16 code
// units. An error means the charset name was unrecognized or the bytes
// could not be decoded under it.
type Converter interface {
	ToUTF16(b []byte, charset string) ([]uint16, error)
}

// zeroWidth lists the codepoints the original mail-archive inspector
// treats as obfuscation markers alongside C0/C1 controls.
var zeroWidth = map[rune]bool{
	0x200B: true, // ZERO WIDTH SPACE
	0x200C: true, // ZERO WIDTH NON-JOINER
	0x200D: true, // ZERO WIDTH JOINER
	0xFEFF: true, // ZERO WIDTH NO-BREAK SPACE / BOM
	0x2060: true, // WORD JOINER
}

func isControlOrZeroWidth(r rune) bool {
	if (r >= 0x00 && r <= 0x1f) || (r >= 0x7f && r <= 0x9f) {
		return true
	}
	return zeroWidth[r]
}

// Normalize implements the filename normalizer of the archive metadata
// engine (raw name bytes in, UTF-8 name plus an obfuscation flag out). It
// never fails: worst case, the bytes are stored lossily and obfuscated is
// set.
func Normalize(raw []byte, guess Guesser, conv Converter) (name string, obfuscated bool) {
	charset, ok := guess.Guess(raw)
	if !ok {
		return asciiFallback(raw)
	}

	units, err := conv.ToUTF16(raw, charset)
	if err != nil {
		return string(raw), true
	}

	runes := utf16.Decode(units)
	for _, r := range runes {
		if isControlOrZeroWidth(r) {
			obfuscated = true
			break
		}
	}

	return string(runes), obfuscated
}

// NormalizeUTF16LE decodes a container format's natively UTF-16LE filename
// field (7-Zip stores names this way; there is no charset to guess) into
// UTF-8, applying the same control/zero-width obfuscation check Normalize
// uses for guessed-charset names. ok is false when raw contains an invalid
// surrogate pair (a high surrogate not followed by its low half, a low
// surrogate with no preceding high half, or an odd trailing byte); the
// caller must discard the entry rather than store a lossy name, matching
// standard UCS-2-to-UTF-8 conversion semantics.
func NormalizeUTF16LE(raw []byte) (name string, obfuscated bool, ok bool) {
	if len(raw)%2 != 0 {
		return "", false, false
	}

	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}

	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case utf16.IsSurrogate(rune(u)):
			if i+1 >= len(units) {
				return "", false, false
			}
			r := utf16.DecodeRune(rune(u), rune(units[i+1]))
			if r == utf8.RuneError {
				return "", false, false
			}
			runes = append(runes, r)
			i++
		default:
			runes = append(runes, rune(u))
		}
	}

	for _, r := range runes {
		if isControlOrZeroWidth(r) {
			obfuscated = true
			break
		}
	}

	return string(runes), obfuscated, true
}

// asciiFallback is used when no charset guess is available: printable ASCII
// graphic bytes pass through, everything else becomes '?'. A replaced NUL
// or C0 control marks the name obfuscated.
func asciiFallback(raw []byte) (name string, obfuscated bool) {
	out := make([]byte, len(raw))
	for i, b := range raw {
		if isPrintableASCII(b) {
			out[i] = b
			continue
		}
		out[i] = '?'
		if b == 0 || (b < 0x20) {
			obfuscated = true
		}
	}
	return string(out), obfuscated
}

func isPrintableASCII(b byte) bool {
	return b > 0x20 && b < 0x7f
}

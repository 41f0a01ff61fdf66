// Package ident generates fixed-length, lexicographically sortable identifiers
// for sessions, continuations, and artifacts.
//
// An identifier encodes a 48-bit millisecond timestamp followed by 80 bits of
// randomness using Crockford base32 (no I, L, O, U), so identifiers sort by
// creation time and remain safe in case-insensitive file systems. Identifiers
// generated by one Generator within the same millisecond still sort in
// generation order: the random component acts as a counter that increments
// while the timestamp is unchanged.
package ident

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// EncodedLen is the length of every identifier produced by this package.
	EncodedLen = 26

	timeLen = 10
	randLen = 16

	// maxMillis is the largest millisecond timestamp representable in 48 bits.
	maxMillis = int64(1)<<48 - 1

	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

var (
	// ErrTimeOverflow indicates the timestamp cannot be represented in 48 bits.
	ErrTimeOverflow = errors.New("ident: timestamp overflows 48 bits")
	// ErrInvalid indicates a string is not a well-formed identifier.
	ErrInvalid = errors.New("ident: invalid identifier")
)

// decode maps base32 characters (both cases) back to their 5-bit values.
// Entries of 0xFF mark characters outside the alphabet.
var decode [256]byte

func init() {
	for i := range decode {
		decode[i] = 0xFF
	}
	for i := range len(alphabet) {
		c := alphabet[i]
		decode[c] = byte(i)
		if c >= 'A' && c <= 'Z' {
			decode[c+'a'-'A'] = byte(i)
		}
	}
}

// Generator produces sortable identifiers. It is safe for concurrent use.
//
// The zero value is not usable; construct generators with NewGenerator or use
// the package-level New function.
type Generator struct {
	mu         sync.Mutex
	entropy    io.Reader
	lastMillis int64
	lastRand   [10]byte
}

// NewGenerator returns a Generator reading randomness from entropy. A nil
// entropy reader selects crypto/rand.
func NewGenerator(entropy io.Reader) *Generator {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &Generator{entropy: entropy}
}

var defaultGenerator = NewGenerator(nil)

// New returns a fresh identifier from the package-level generator.
func New() (string, error) {
	return defaultGenerator.New()
}

// MustNew is New but panics on failure. Identifier generation only fails when
// the entropy source does, so MustNew is appropriate at call sites that cannot
// surface an error.
func MustNew() string {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// New returns an identifier for the current wall-clock time.
func (g *Generator) New() (string, error) {
	return g.NewAt(time.Now())
}

// NewAt returns an identifier encoding the given time. Two calls with the same
// millisecond produce identifiers that still sort in call order.
func (g *Generator) NewAt(t time.Time) (string, error) {
	ms := t.UnixMilli()
	if ms < 0 || ms > maxMillis {
		return "", fmt.Errorf("%w: %d", ErrTimeOverflow, ms)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if ms == g.lastMillis {
		if !increment(&g.lastRand) {
			// Counter exhausted within a single millisecond; fall back to
			// fresh randomness rather than failing the call.
			if _, err := io.ReadFull(g.entropy, g.lastRand[:]); err != nil {
				return "", fmt.Errorf("ident: read entropy: %w", err)
			}
		}
	} else {
		if _, err := io.ReadFull(g.entropy, g.lastRand[:]); err != nil {
			return "", fmt.Errorf("ident: read entropy: %w", err)
		}
		g.lastMillis = ms
	}

	var buf [EncodedLen]byte
	encodeTime(buf[:timeLen], ms)
	encodeRand(buf[timeLen:], g.lastRand)
	return string(buf[:]), nil
}

// Timestamp decodes the millisecond timestamp embedded in an identifier.
func Timestamp(id string) (time.Time, error) {
	if !Valid(id) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalid, id)
	}
	var ms int64
	for i := range timeLen {
		ms = ms<<5 | int64(decode[id[i]])
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Valid reports whether id has the exact identifier length and every character
// belongs to the alphabet. Lowercase input is accepted.
func Valid(id string) bool {
	if len(id) != EncodedLen {
		return false
	}
	for i := range EncodedLen {
		if decode[id[i]] == 0xFF {
			return false
		}
	}
	// 48 bits span 9.6 base32 characters; the first character carries only
	// 3 significant bits and must decode below 8.
	return decode[id[0]] < 8
}

// encodeTime writes the 48-bit millisecond value as 10 base32 characters,
// most significant first.
func encodeTime(dst []byte, ms int64) {
	for i := timeLen - 1; i >= 0; i-- {
		dst[i] = alphabet[ms&0x1F]
		ms >>= 5
	}
}

// encodeRand writes 80 random bits as 16 base32 characters by walking the byte
// array five bits at a time.
func encodeRand(dst []byte, src [10]byte) {
	bit := 0
	for i := range randLen {
		byteIdx, off := bit/8, bit%8
		v := int(src[byteIdx]) << 8
		if byteIdx+1 < len(src) {
			v |= int(src[byteIdx+1])
		}
		dst[i] = alphabet[(v>>(11-off))&0x1F]
		bit += 5
	}
}

// increment adds one to the random component, treating it as a big-endian
// counter. It returns false when the counter wraps to zero.
func increment(b *[10]byte) bool {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return true
		}
	}
	return false
}

// Package uuid7 generates monotonic UUIDv7 identifiers for site ids and row
// ids. google/uuid's NewV7 gives us the timestamp+random layout, but it
// does not itself guarantee strict monotonicity across rapid
// same-millisecond calls, so Generator layers a counter-then-advance rule
// on top.
package uuid7

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator produces strictly monotonic UUIDv7 values within one process:
// if the wall-clock millisecond is <= the last one produced, the 12-bit
// counter is incremented instead; if the counter saturates, the millisecond
// is advanced by one rather than reusing a value.
type Generator struct {
	mu      sync.Mutex
	lastMS  int64
	counter uint16 // 12 bits used
	nowFn   func() time.Time
}

const counterMax = 0x0FFF // 12 bits

// New returns a ready-to-use Generator.
func New() *Generator {
	return &Generator{nowFn: time.Now}
}

// Next returns the next monotonic UUIDv7 as raw 16 bytes.
func (g *Generator) Next() [16]byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.nowFn().UnixMilli()
	if ms <= g.lastMS {
		g.counter++
		if g.counter > counterMax {
			g.counter = 0
			g.lastMS++
		}
		ms = g.lastMS
	} else {
		g.lastMS = ms
		g.counter = 0
	}

	var out [16]byte
	out[0] = byte(ms >> 40)
	out[1] = byte(ms >> 32)
	out[2] = byte(ms >> 24)
	out[3] = byte(ms >> 16)
	out[4] = byte(ms >> 8)
	out[5] = byte(ms)

	// Fill the counter + randomness using a fresh random UUIDv7 from
	// google/uuid as our entropy source, so we don't hand-roll a CSPRNG call.
	rnd, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if crypto/rand is broken; treat as fatal
		// the same way an allocator failure would be.
		panic(fmt.Sprintf("uuid7: entropy source failed: %v", err))
	}

	// Bytes 6-7: version nibble (0111) + top 12 bits of counter.
	out[6] = 0x70 | byte(g.counter>>8)
	out[7] = byte(g.counter)

	// Bytes 8-15: variant bits (10xxxxxx) + 62 bits of randomness from rnd.
	raw := rnd // [16]byte via uuid.UUID
	out[8] = 0x80 | (raw[8] & 0x3F)
	copy(out[9:], raw[9:16])

	return out
}

// NextString returns the lowercase-hex, dash-free string form a site id
// and the public `uuid` function require.
func (g *Generator) NextString() string {
	b := g.Next()
	return hex.EncodeToString(b[:])
}

// ParseString is the inverse of NextString: it decodes a 32-character hex
// string back into the raw 16 bytes.
func ParseString(s string) ([16]byte, error) {
	var out [16]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("uuid7: invalid hex string %q: %w", s, err)
	}
	if len(b) != 16 {
		return out, fmt.Errorf("uuid7: expected 16 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

package kernel

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"
)

// digest hashes the committed state of the population in id order. Worker
// assignment is deliberately left out so runs with different pool sizes can
// be compared.
func (g *WorkGroup) digest() string {
	h := sha256.New()
	var tmp [8]byte

	digestWriteU64(h, &tmp, g.frame)
	digestWriteU64(h, &tmp, uint64(len(g.order)))
	for _, a := range g.order {
		digestAgent(h, &tmp, a)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func digestAgent(h io.Writer, tmp *[8]byte, a *Agent) {
	digestWriteU64(h, tmp, uint64(a.id))
	digestWriteU64(h, tmp, uint64(a.parent))
	io.WriteString(h, a.Kind())
	h.Write([]byte{0, byte(a.life.Get())})
	digestWriteU64(h, tmp, uint64(a.gran)<<32|uint64(a.offset))
	pos := a.Pos.Get()
	digestWriteU64(h, tmp, uint64(pos.Link))
	digestWriteU64(h, tmp, math.Float64bits(pos.Offset))
	digestWriteU64(h, tmp, uint64(a.Flags.Get()))
	if d, ok := a.role.(Digester); ok {
		d.Digest(h)
	}
}

func digestWriteU64(h io.Writer, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

// DigestU64 and DigestF64 are helpers for Digester implementations.
func DigestU64(w io.Writer, v uint64) {
	var tmp [8]byte
	digestWriteU64(w, &tmp, v)
}

func DigestF64(w io.Writer, v float64) { DigestU64(w, math.Float64bits(v)) }

// Digest returns the hash of the currently committed state. Only valid
// between ticks.
func (g *WorkGroup) Digest() string { return g.digest() }

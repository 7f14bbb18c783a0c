package sink

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"pfb/internal/feature"
)

// Digest accumulates an order-independent digest of the emitted row set:
// the XOR of each row's SHA-256 over its canonical record. Rows are unique
// by (user, product, snapshot), so equal digests mean equal row sets no
// matter which shard emitted which row first.
type Digest struct {
	acc [sha256.Size]byte
	n   int64
}

func NewDigest() *Digest { return &Digest{} }

func (d *Digest) Add(r feature.Row) {
	h := sha256.Sum256([]byte(strings.Join(r.Record(), ",")))
	for i := range d.acc {
		d.acc[i] ^= h[i]
	}
	d.n++
}

// Sum returns the hex digest.
func (d *Digest) Sum() string { return hex.EncodeToString(d.acc[:]) }

// Count returns how many rows entered the digest.
func (d *Digest) Count() int64 { return d.n }

// Package idgen generates hash-based record identifiers.
//
// Ids are content-derived (title + rationale + actor + timestamp) rather
// than sequential, so independently produced batches do not collide on a
// shared counter. Base36 keeps them short and case-insensitive.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateHashID creates a hash-based id of the form "<prefix>-<hash>".
// length controls the hash portion (3-8 chars); nonce perturbs the input
// so callers can retry on collision without changing content.
func GenerateHashID(prefix, title, rationale, actor string, ts time.Time, length, nonce int) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d|%d", title, rationale, actor, ts.UnixNano(), nonce))
	return fmt.Sprintf("%s-%s", prefix, encodeBase36(h[:], length))
}

// encodeBase36 converts the hash bytes to base36 and truncates to n chars.
func encodeBase36(b []byte, n int) string {
	num := new(big.Int).SetBytes(b)
	base := big.NewInt(36)
	mod := new(big.Int)

	out := make([]byte, 0, n)
	for len(out) < n {
		num.DivMod(num, base, mod)
		out = append(out, base36[mod.Int64()])
	}
	return string(out)
}

// Package idkey derives deterministic order idempotency keys. The same
// logical order always maps to the same key, so a retried submission is
// detected and rejected instead of re-executed.
package idkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rsellar/dcabot/internal/domain"
)

// OrderKey computes the idempotency key for an order as
// SHA256(owner|symbol|side|price|qty), hex encoded. Price and quantity are
// fixed to 8 decimal places so float formatting can never split one logical
// order into two keys.
func OrderKey(owner, symbol string, side domain.Side, price, qty float64) string {
	data := fmt.Sprintf("%s|%s|%s|%.8f|%.8f", owner, symbol, side, price, qty)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

package trading

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"trading_bot/internal/core"

	"github.com/google/uuid"
)

const clientOrderIDLen = 16

// EntryClientOrderID derives the idempotent client order id for a signal.
// The same signal always hashes to the same id, so a crash between the
// intent insert and the broker submit is recoverable: the retry finds the
// existing intent instead of double-ordering.
func EntryClientOrderID(strategy, symbol, timeframe string, signalTs time.Time, side core.Side) string {
	payload := fmt.Sprintf("%s:%s:%s:%s:%s",
		strategy, symbol, timeframe, signalTs.UTC().Format(time.RFC3339), side)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:clientOrderIDLen]
}

// FlattenClientOrderID is intentionally random: flatten orders are fired
// at most once per position per flatten pass and must never collide with
// a signal-derived id.
func FlattenClientOrderID(symbol string) string {
	return fmt.Sprintf("FLATTEN_%s_%s", symbol, uuid.NewString())
}

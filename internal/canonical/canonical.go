// Package canonical implements the stable byte encoding that event ids,
// ledger hashes and record keys are computed over.
//
// Encoding v1 is JSON with struct fields in declaration order, map keys
// sorted, HTML escaping disabled and no insignificant whitespace. Callers
// are responsible for normalizing timestamps to UTC and decimals to their
// trimmed string form before encoding. Any change to this package breaks
// verification of previously recorded ledgers.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Version identifies the encoding scheme. Durable ledgers record it and
// refuse to open under a different one.
const Version = "v1"

// GenesisHash is the previous-hash value of the first entry in every chain.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// TimeLayout is the timestamp layout used in canonical payloads.
const TimeLayout = time.RFC3339Nano

// Marshal encodes v canonically.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Time formats t for inclusion in a canonical payload.
func Time(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

package protocol

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// KeyPrefix starts every correlation key.
const KeyPrefix = "REQ_"

// KeyGenerator produces correlation keys from the current time, a hash of the
// outgoing payload and a sequence number. The zero value is ready to use.
type KeyGenerator struct {
	seq atomic.Uint64
}

// Next returns a key unique within this generator.
func (g *KeyGenerator) Next(payload string) string {
	n := g.seq.Add(1)

	var b strings.Builder
	b.Grow(48)
	b.WriteString(KeyPrefix)
	b.WriteString(strconv.FormatInt(time.Now().UnixNano(), 10))
	b.WriteByte('_')
	b.WriteString(strconv.FormatUint(xxhash.Sum64String(payload), 16))
	b.WriteByte('_')
	b.WriteString(strconv.FormatUint(n, 10))
	return b.String()
}

// IsRequestKey reports whether s looks like a key made by KeyGenerator.
func IsRequestKey(s string) bool {
	return strings.HasPrefix(s, KeyPrefix)
}

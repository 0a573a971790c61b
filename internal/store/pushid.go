package store

import (
	"crypto/rand"
	"sync"
	"time"
)

// pushAlphabet is a 64-symbol alphabet whose byte order matches its symbol
// order, so IDs sort lexicographically in generation order.
const pushAlphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var pushMu sync.Mutex
var pushLastMs int64
var pushTail [12]byte

// NewPushID returns a 20-character key: 8 characters of millisecond
// timestamp followed by 12 random characters. Keys generated in the same
// millisecond reuse the random tail incremented by one, so ordering holds
// even within a single clock tick.
func NewPushID() string {
	now := time.Now().UnixMilli()

	pushMu.Lock()
	defer pushMu.Unlock()

	var id [20]byte
	ms := now
	for i := 7; i >= 0; i-- {
		id[i] = pushAlphabet[ms&0x3f]
		ms >>= 6
	}

	if now == pushLastMs {
		// Same millisecond: bump the previous tail.
		for i := 11; i >= 0; i-- {
			pushTail[i]++
			if pushTail[i] < 64 {
				break
			}
			pushTail[i] = 0
		}
	} else {
		pushLastMs = now
		var buf [12]byte
		_, _ = rand.Read(buf[:])
		for i, b := range buf {
			pushTail[i] = b & 0x3f
		}
	}

	for i, b := range pushTail {
		id[8+i] = pushAlphabet[b]
	}
	return string(id[:])
}

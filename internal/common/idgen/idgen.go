// Package idgen generates opaque, lexically sortable, time-embedded
// identifiers for sessions and events, the same shape the teacher's git
// snapshot ids use (a time component concatenated with random bits) but
// generalized into a reusable generator instead of being inlined at each
// call site.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"time"
)

// encoding is Crockford-style base32 without padding: no I/L/O/U, so ids are
// unambiguous when read aloud or copy-pasted.
var encoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// entropyBytes is the number of random bytes appended after the timestamp.
const entropyBytes = 10

// New returns a new sortable id with the given prefix, e.g. "ses_01J...".
// Ids generated in a later millisecond sort after ids generated in an
// earlier one, because the millisecond timestamp occupies the leading
// characters; within one millisecond the random suffix decides the order.
func New(prefix string) string {
	return prefix + "_" + newSuffix(time.Now())
}

// NewAt is New with an explicit timestamp, used by tests that need
// deterministic, reproducible ids.
func NewAt(prefix string, t time.Time) string {
	return prefix + "_" + newSuffix(t)
}

func newSuffix(t time.Time) string {
	ms := uint64(t.UnixMilli())

	buf := make([]byte, 6+entropyBytes)
	for i := 5; i >= 0; i-- {
		buf[i] = byte(ms & 0xff)
		ms >>= 8
	}
	if _, err := rand.Read(buf[6:]); err != nil {
		// crypto/rand failing means the platform's CSPRNG is broken; there's
		// no safe degraded mode for an identifier that must be globally unique.
		panic(fmt.Sprintf("idgen: failed to read random bytes: %v", err))
	}
	return encoding.EncodeToString(buf)
}

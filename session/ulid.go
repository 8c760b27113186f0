package session

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idGen produces time-sortable, monotonic-within-a-millisecond session ids.
var idGen = struct {
	sync.Mutex
	entropy *ulid.MonotonicEntropy
}{entropy: ulid.Monotonic(rand.Reader, 0)}

// newSessionID returns a fresh 26-character ULID, unique process-wide and
// monotonically non-decreasing in creation order.
func newSessionID() string {
	idGen.Lock()
	defer idGen.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), idGen.entropy)
	return id.String()
}

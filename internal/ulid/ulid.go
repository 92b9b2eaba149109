// Package ulid wraps github.com/oklog/ulid/v2 with prefixed identifiers.
//
// Identifiers generated from one process are strictly increasing, so the
// lexical order of two action ids is the order in which they were enqueued.
// The local action queue relies on this for FIFO listing.
package ulid

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// PrefixAction marks locally queued user interactions
	PrefixAction = "act"

	// PrefixSyncLog marks sync journal entries
	PrefixSyncLog = "log"

	// PrefixSubscription marks realtime subscription handles
	PrefixSubscription = "sub"

	// PrefixSeparator is used to separate the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// ULID wraps ulid.ULID with an optional prefix
type ULID struct {
	ulid.ULID
	prefix string
}

// GenerateWithPrefix creates a new ULID with the current timestamp and a prefix.
func GenerateWithPrefix(prefix string) ULID {
	return NewWithTimeAndPrefix(time.Now(), prefix)
}

// NewWithTime creates a new ULID with a specific timestamp. Calls sharing a
// millisecond still produce increasing values thanks to monotonic entropy.
func NewWithTime(t time.Time) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return ULID{id, ""}
}

// NewWithTimeAndPrefix creates a new ULID with a specific timestamp and prefix.
func NewWithTimeAndPrefix(t time.Time, prefix string) ULID {
	id := NewWithTime(t)
	id.prefix = prefix
	return id
}

// Parse parses a plain ("01AN4Z07BY79KA1307SR9X4MV3") or prefixed
// ("act-01AN4Z07BY79KA1307SR9X4MV3") identifier.
func Parse(id string) (ULID, error) {
	prefix, rawID, found := strings.Cut(id, PrefixSeparator)
	if !found {
		rawID, prefix = id, ""
	}

	parsed, err := ulid.Parse(rawID)
	if err != nil {
		return ULID{}, fmt.Errorf("parsing ulid %q: %w", id, err)
	}

	return ULID{parsed, prefix}, nil
}

// Prefix returns the prefix of the ULID.
func (u ULID) Prefix() string {
	return u.prefix
}

// String returns "prefix-ulid", or the bare ULID when no prefix is set.
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// ActionID generates a new identifier for a queued action
func ActionID() string {
	return GenerateWithPrefix(PrefixAction).String()
}

// SyncLogID generates a new identifier for a sync journal entry
func SyncLogID() string {
	return GenerateWithPrefix(PrefixSyncLog).String()
}

// SubscriptionID generates a new identifier for a realtime subscription
func SubscriptionID() string {
	return GenerateWithPrefix(PrefixSubscription).String()
}

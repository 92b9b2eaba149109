package ulid

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWithPrefix(t *testing.T) {
	for _, prefix := range []string{PrefixAction, PrefixSyncLog, PrefixSubscription, "custom"} {
		id := GenerateWithPrefix(prefix)

		assert.Equal(t, prefix, id.Prefix())
		assert.Contains(t, id.String(), prefix+PrefixSeparator)
	}
}

func TestParse(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		raw := NewWithTime(time.Now())
		parsed, err := Parse(raw.String())
		require.NoError(t, err)
		assert.Equal(t, raw, parsed)
		assert.Empty(t, parsed.Prefix())
	})

	t.Run("prefixed", func(t *testing.T) {
		id := GenerateWithPrefix(PrefixAction)
		parsed, err := Parse(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
		assert.Equal(t, PrefixAction, parsed.Prefix())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Parse("act-not-a-ulid")
		assert.Error(t, err)
		_, err = Parse("nope")
		assert.Error(t, err)
	})
}

func TestMonotonicOrdering(t *testing.T) {
	ids := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		ids = append(ids, ActionID())
	}
	assert.True(t, sort.StringsAreSorted(ids), "action ids must sort in generation order")

	now := time.Now()
	a := NewWithTimeAndPrefix(now, PrefixAction)
	b := NewWithTimeAndPrefix(now, PrefixAction)
	assert.Less(t, a.String(), b.String())
}

func TestDomainIDs(t *testing.T) {
	for _, id := range []string{ActionID(), SyncLogID(), SubscriptionID()} {
		_, err := Parse(id)
		assert.NoError(t, err, id)
	}
}

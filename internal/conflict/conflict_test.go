package conflict

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/remote"
)

func remoteErr(code remote.Code) error {
	return fmt.Errorf("syncing: %w", remote.NewError(code, "insert", remote.CollectionLikes, errors.New("boom")))
}

func TestClassifyPolicyTable(t *testing.T) {
	r := NewResolver(loggy.NewNoopLogger())

	tests := []struct {
		name    string
		err     error
		attempt Attempt
		want    Class
	}{
		{"duplicate like", remoteErr(remote.CodeUnique), Attempt{Kind: queue.KindLike, Op: "insert"}, Benign},
		{"duplicate follow", remoteErr(remote.CodeUnique), Attempt{Kind: queue.KindFollow, Op: "insert"}, Benign},
		{"comment on deleted post", remoteErr(remote.CodeForeignKey), Attempt{Kind: queue.KindComment, Op: "insert"}, Permanent},
		{"missing relation", remoteErr(remote.CodeUndefinedRelation), Attempt{Kind: queue.KindReaction, Op: "insert"}, Permanent},
		{"malformed", remoteErr(remote.CodeMalformed), Attempt{Kind: queue.KindLike, Op: "insert"}, Permanent},
		{"timeout", remoteErr(remote.CodeTimeout), Attempt{Kind: queue.KindLike, Op: "insert"}, Transient},
		{"5xx", remoteErr(remote.CodeUnavailable), Attempt{Kind: queue.KindLike, Op: "insert"}, Transient},
		{"reset", remoteErr(remote.CodeConnReset), Attempt{Kind: queue.KindLike, Op: "insert"}, Transient},
		{"context deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Attempt{Kind: queue.KindLike, Op: "insert"}, Transient},
		{"unlike already gone", remoteErr(remote.CodeNotFound), Attempt{Kind: queue.KindUnlike, Op: "delete"}, Benign},
		{"unfollow already gone", remoteErr(remote.CodeNotFound), Attempt{Kind: queue.KindUnfollow, Op: "delete"}, Benign},
		{"counter row gone", remoteErr(remote.CodeNotFound), Attempt{Kind: queue.KindUnlike, Op: "increment"}, Permanent},
		{"unstructured error", errors.New("socket hang up"), Attempt{Kind: queue.KindLike, Op: "insert"}, Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Classify(tt.err, tt.attempt).Class)
		})
	}
}

func TestClassifyUnauthorized(t *testing.T) {
	r := NewResolver(loggy.NewNoopLogger())
	err := remoteErr(remote.CodeUnauthorized)

	first := r.Classify(err, Attempt{Kind: queue.KindLike, Op: "insert"})
	assert.Equal(t, Transient, first.Class)
	assert.True(t, first.NeedsSessionRefresh)

	second := r.Classify(err, Attempt{Kind: queue.KindLike, Op: "insert", SessionRefreshed: true})
	assert.Equal(t, Permanent, second.Class)
	assert.False(t, second.NeedsSessionRefresh)
	assert.Equal(t, "your session has expired", second.Reason)
}

func TestClassifyDiagnostics(t *testing.T) {
	r := NewResolver(loggy.NewNoopLogger())

	v := r.Classify(remoteErr(remote.CodeUndefinedRelation), Attempt{Kind: queue.KindComment, Op: "insert"})
	assert.True(t, v.Diagnostic)
	assert.Equal(t, remote.CodeUndefinedRelation, v.Code)

	v = r.Classify(remoteErr(remote.CodeUnique), Attempt{Kind: queue.KindComment, Op: "insert"})
	assert.False(t, v.Diagnostic)
}

func TestRegisterOverridesKind(t *testing.T) {
	r := NewResolver(loggy.NewNoopLogger())
	r.Register(queue.KindComment, Policy{remote.CodeUnique: Permanent})

	assert.Equal(t, Permanent, r.Classify(remoteErr(remote.CodeUnique), Attempt{Kind: queue.KindComment}).Class)
	assert.Equal(t, Benign, r.Classify(remoteErr(remote.CodeUnique), Attempt{Kind: queue.KindLike}).Class)
	assert.Equal(t, Permanent, r.Classify(remoteErr(remote.CodeForeignKey), Attempt{Kind: queue.KindComment}).Class,
		"codes missing from an override use the default table")
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "benign", Benign.String())
	assert.Equal(t, "permanent", Permanent.String())
	assert.Equal(t, "transient", Transient.String())
}

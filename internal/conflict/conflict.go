// Package conflict classifies remote store failures into the outcome the
// sync engine acts on. It is the one place where interaction kinds declare
// their failure semantics; the rest of the pipeline is kind-agnostic.
package conflict

import (
	"sync"

	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/remote"
)

// Class is the semantic outcome of a failed remote call
type Class int

const (
	// Transient failures are retried with backoff
	Transient Class = iota
	// Benign failures mean the desired end state already holds
	Benign
	// Permanent failures can never succeed and are rolled back
	Permanent
)

func (c Class) String() string {
	switch c {
	case Benign:
		return "benign"
	case Permanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Verdict is the classification of one failure
type Verdict struct {
	Class Class
	Code  remote.Code
	// NeedsSessionRefresh asks the engine to refresh the session before the retry
	NeedsSessionRefresh bool
	// Diagnostic marks schema drift worth surfacing to developers
	Diagnostic bool
	Reason     string
}

// Attempt describes the call that failed
type Attempt struct {
	Kind queue.Kind
	// Op is the remote operation: insert, delete, increment or get
	Op string
	// SessionRefreshed is set when a session refresh already happened for this action
	SessionRefreshed bool
}

// Policy maps codes to classes for one interaction kind. Codes not listed
// fall back to the default table.
type Policy map[remote.Code]Class

// defaultPolicy applies to every kind unless overridden
var defaultPolicy = Policy{
	remote.CodeUnique:            Benign,
	remote.CodeForeignKey:        Permanent,
	remote.CodeUndefinedRelation: Permanent,
	remote.CodeMalformed:         Permanent,
	remote.CodeTimeout:           Transient,
	remote.CodeUnavailable:       Transient,
	remote.CodeConnReset:         Transient,
	remote.CodeNotFound:          Permanent,
	remote.CodeUnknown:           Transient,
}

// deletePolicy covers kinds that remove a row: the row already being gone is
// the desired state.
var deletePolicy = Policy{
	remote.CodeNotFound: Benign,
}

var reasons = map[remote.Code]string{
	remote.CodeUnique:            "already applied",
	remote.CodeForeignKey:        "the post or user no longer exists",
	remote.CodeUndefinedRelation: "the server does not know this kind of interaction",
	remote.CodeMalformed:         "the server rejected the request",
	remote.CodeTimeout:           "the server did not answer in time",
	remote.CodeUnavailable:       "the server is unavailable",
	remote.CodeConnReset:         "the connection was reset",
	remote.CodeNotFound:          "the post or user no longer exists",
	remote.CodeUnauthorized:      "your session has expired",
	remote.CodeUnknown:           "unexpected error",
}

// Resolver classifies failures
type Resolver struct {
	mu       sync.RWMutex
	policies map[queue.Kind]Policy
	logger   *loggy.Logger
}

// NewResolver creates a resolver with the built-in per-kind policies
func NewResolver(logger *loggy.Logger) *Resolver {
	r := &Resolver{
		policies: make(map[queue.Kind]Policy),
		logger:   logger.Component("conflict"),
	}
	r.Register(queue.KindUnlike, deletePolicy)
	r.Register(queue.KindUnfollow, deletePolicy)
	return r
}

// Register installs the policy overrides of a kind, replacing earlier ones
func (r *Resolver) Register(kind queue.Kind, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[kind] = policy
}

// Classify turns a remote error into a Verdict. It switches on the structured
// code only, never on error text.
func (r *Resolver) Classify(err error, attempt Attempt) Verdict {
	code := remote.CodeOf(err)
	v := Verdict{Code: code, Reason: reasons[code]}

	if code == remote.CodeUnauthorized {
		if attempt.SessionRefreshed {
			v.Class = Permanent
		} else {
			v.Class = Transient
			v.NeedsSessionRefresh = true
		}
		return v
	}

	v.Class = r.lookup(attempt.Kind, code)

	// A counter update whose row vanished means the target was deleted
	// after the relationship row was written.
	if attempt.Op == "increment" && code == remote.CodeNotFound {
		v.Class = Permanent
	}

	if code == remote.CodeUndefinedRelation || code == remote.CodeMalformed {
		v.Diagnostic = true
		r.logger.Error("Remote schema drift", "kind", attempt.Kind, "op", attempt.Op, "code", code, "error", err)
	}

	return v
}

func (r *Resolver) lookup(kind queue.Kind, code remote.Code) Class {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if policy, ok := r.policies[kind]; ok {
		if class, ok := policy[code]; ok {
			return class
		}
	}
	if class, ok := defaultPolicy[code]; ok {
		return class
	}
	return Transient
}

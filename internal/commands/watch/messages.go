package watch

import (
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/realtime"
	"github.com/tildaslashalef/venuesync/internal/sync"
)

type (
	// SnapshotMsg carries a new displayed state of the watched post
	SnapshotMsg struct {
		Snapshot optimistic.Snapshot
	}

	// LoadedMsg carries the state reloaded from the server
	LoadedMsg struct {
		Snapshot optimistic.Snapshot
	}

	// RealtimeMsg carries a change pushed by the server
	RealtimeMsg struct {
		Event realtime.Event
	}

	// SyncEventMsg carries the outcome of a sync attempt on the watched post
	SyncEventMsg struct {
		Event sync.Event
	}

	// DropMsg reports a lost or recovered realtime channel
	DropMsg struct {
		Drop *realtime.ChannelDrop
	}

	// GestureMsg reports the result of a key-driven gesture
	GestureMsg struct {
		Outcome queue.Outcome
		Err     error
	}

	// StatusMsg carries the queue and connectivity status
	StatusMsg struct {
		Status sync.Status
	}

	// ErrorMsg reports a failure that does not end the view
	ErrorMsg struct {
		Err error
	}
)

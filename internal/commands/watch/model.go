// Package watch implements the live view of one post: its displayed
// counters, the local queue behind them and the changes arriving from the
// server.
package watch

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/tildaslashalef/venuesync/internal/auth"
	"github.com/tildaslashalef/venuesync/internal/interaction"
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/realtime"
	"github.com/tildaslashalef/venuesync/internal/sync"
)

const (
	maxEvents    = 8
	pollInterval = time.Second
)

// Deps are the components the view reads from and acts through
type Deps struct {
	Interaction *interaction.Service
	Applier     *optimistic.Applier
	Queue       *queue.Queue
	Router      *realtime.Router
	Engine      *sync.Engine
	Loader      realtime.SnapshotLoader
	Session     auth.Session
}

// Model is the Bubble Tea model for the watch view
type Model struct {
	deps    Deps
	postID  string
	ref     optimistic.EntityRef
	keymap  KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles

	// feed is filled by the subscriptions and drained by listen
	feed chan tea.Msg
	stop []func()

	snapshot optimistic.Snapshot
	pending  []*queue.PendingAction
	status   sync.Status
	stale    bool
	loading  bool
	events   []string
	err      string
	width    int
}

// NewModel creates the view for a post
func NewModel(deps Deps, postID string) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	m := &Model{
		deps:    deps,
		postID:  postID,
		ref:     optimistic.PostRef(postID),
		keymap:  DefaultKeyMap(),
		help:    help.New(),
		spinner: s,
		styles:  DefaultStyles(),
		feed:    make(chan tea.Msg, 64),
		loading: true,
	}
	m.spinner.Style = m.styles.Subtle
	m.snapshot, _ = deps.Applier.Displayed(m.ref)
	return m
}

// Start subscribes to the post. Close releases the subscriptions.
func (m *Model) Start() error {
	sub, err := m.deps.Router.Subscribe(realtime.EntityPost, m.postID, func(ev realtime.Event) {
		m.send(RealtimeMsg{Event: ev})
	})
	if err != nil {
		return err
	}
	m.stop = append(m.stop, sub.Unsubscribe)

	m.stop = append(m.stop, m.deps.Applier.OnChange(func(ref optimistic.EntityRef, displayed optimistic.Snapshot) {
		if ref == m.ref {
			m.send(SnapshotMsg{Snapshot: displayed})
		}
	}))

	m.stop = append(m.stop, m.deps.Engine.OnEvent(func(ev sync.Event) {
		if ev.Action != nil && ev.Action.TargetID == m.postID {
			m.send(SyncEventMsg{Event: ev})
		}
	}))

	m.stop = append(m.stop, m.deps.Router.OnDrop(func(d *realtime.ChannelDrop) {
		if d.EntityType == realtime.EntityPost && d.EntityID == m.postID {
			m.send(DropMsg{Drop: d})
		}
	}))
	return nil
}

// Close releases the subscriptions made by Start
func (m *Model) Close() {
	for i := len(m.stop) - 1; i >= 0; i-- {
		m.stop[i]()
	}
	m.stop = nil
}

// send never blocks a producer; a full feed drops the message
func (m *Model) send(msg tea.Msg) {
	select {
	case m.feed <- msg:
	default:
	}
}

// Init initializes the model and returns the initial command
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen(), m.reload(), m.poll())
}

func (m *Model) listen() tea.Cmd {
	return func() tea.Msg {
		return <-m.feed
	}
}

// reload fetches the confirmed state from the server
func (m *Model) reload() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		snap, err := m.deps.Loader.Load(ctx, m.ref)
		if err != nil {
			return ErrorMsg{Err: err}
		}
		return LoadedMsg{Snapshot: m.deps.Applier.ReconcileFromRealtime(m.ref, snap)}
	}
}

func (m *Model) poll() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return StatusMsg{Status: m.deps.Engine.Status()}
	})
}

// toggleLike likes or unlikes the post depending on what is displayed
func (m *Model) toggleLike() tea.Cmd {
	liked := m.snapshot.LikedByMe
	return func() tea.Msg {
		ctx := context.Background()
		var (
			res interaction.Result
			err error
		)
		if liked {
			res, err = m.deps.Interaction.Unlike(ctx, m.postID)
		} else {
			res, err = m.deps.Interaction.Like(ctx, m.postID)
		}
		return GestureMsg{Outcome: res.Outcome, Err: err}
	}
}

func (m *Model) syncNow() tea.Cmd {
	return func() tea.Msg {
		if err := m.deps.Engine.SyncNow(); err != nil {
			return ErrorMsg{Err: err}
		}
		return nil
	}
}

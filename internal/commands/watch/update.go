package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/tildaslashalef/venuesync/internal/realtime"
)

// Update handles messages and updates the model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keymap.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keymap.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keymap.Like):
			cmds = append(cmds, m.toggleLike())
		case key.Matches(msg, m.keymap.Sync):
			cmds = append(cmds, m.syncNow())
		case key.Matches(msg, m.keymap.Refresh):
			m.loading = true
			cmds = append(cmds, m.reload(), m.spinner.Tick)
		}

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case SnapshotMsg:
		m.snapshot = msg.Snapshot
		m.refreshPending()
		cmds = append(cmds, m.listen())

	case LoadedMsg:
		m.loading = false
		m.snapshot = msg.Snapshot

	case RealtimeMsg:
		ev := msg.Event
		if ev.Resync {
			m.addEvent("resynced after reconnect")
		} else {
			m.addEvent(fmt.Sprintf("%s %s %s", ev.ChangeKind, ev.Collection, ev.Payload.ID()))
		}
		cmds = append(cmds, m.listen())

	case SyncEventMsg:
		ev := msg.Event
		line := fmt.Sprintf("%s %s", ev.Type, ev.Action.Kind)
		if ev.Verdict.Reason != "" {
			line += ": " + ev.Verdict.Reason
		}
		m.addEvent(line)
		m.refreshPending()
		cmds = append(cmds, m.listen())

	case DropMsg:
		m.stale = !msg.Drop.Recovered
		if m.stale {
			m.addEvent("live updates lost, showing possibly stale data")
		} else {
			m.addEvent("live updates restored")
		}
		cmds = append(cmds, m.listen())

	case GestureMsg:
		if msg.Err != nil {
			m.err = msg.Err.Error()
		} else {
			m.err = ""
			m.refreshPending()
		}

	case StatusMsg:
		m.status = msg.Status
		m.stale = m.deps.Router.IsStale(realtime.EntityPost, m.postID)
		m.refreshPending()
		cmds = append(cmds, m.poll())

	case ErrorMsg:
		m.loading = false
		m.err = msg.Err.Error()
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) refreshPending() {
	if actor := m.deps.Session.ActorID(); actor != "" {
		m.pending = m.deps.Queue.PendingFor(actor, m.postID)
	}
}

func (m *Model) addEvent(line string) {
	m.events = append(m.events, time.Now().Format("15:04:05")+"  "+line)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

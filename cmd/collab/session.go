package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"collabmesh/pkg/collab"
	"collabmesh/pkg/transport"
)

const lockResource = "document"

var errUnknownCommand = errors.New("unknown command (type help)")

const helpText = `commands:
  status                 connection status
  who                    participants in the room
  leader                 elected leader
  lock | release | reset document lock
  say <text>             send a chat message
  chat                   show the chat log
  agenda                 show the agenda
  agenda add <text>      add an item
  agenda toggle <id>     complete or reopen an item (leader only)
  agenda rm <id>         remove an item
  quit
`

// session runs terminal commands against a coordinator. Every method must
// be called on the coordinator's dispatcher.
type session struct {
	coord  *collab.Coordinator
	out    io.Writer
	mutex  *collab.DocumentMutex
	chat   *collab.Chat
	agenda *collab.Agenda

	last   collab.Snapshot
	unsubs []func()
}

func newSession(coord *collab.Coordinator, out io.Writer) *session {
	return &session{
		coord:  coord,
		out:    out,
		mutex:  coord.Mutex(lockResource, collab.MutexOptions{}),
		chat:   coord.Chat(),
		agenda: coord.Agenda(collab.AgendaOptions{}),
	}
}

// watch prints status changes and incoming chat messages.
func (s *session) watch() {
	s.last = s.coord.Snapshot()
	s.unsubs = append(s.unsubs, s.coord.Subscribe(func() {
		next := s.coord.Snapshot()
		if next.Status != s.last.Status || next.Synced != s.last.Synced {
			s.printStatus(next)
		}
		s.last = next
	}))

	seen := make(map[string]bool)
	if msgs, err := s.chat.Messages(); err == nil {
		for _, m := range msgs {
			seen[m.ID] = true
		}
	}
	self := s.coord.User().ID
	s.unsubs = append(s.unsubs, s.chat.Observe(func() {
		msgs, err := s.chat.Messages()
		if err != nil {
			return
		}
		for _, m := range msgs {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			if m.UserID != self {
				fmt.Fprintf(s.out, "<%s> %s\n", m.UserName, m.Text)
			}
		}
	}))
}

func (s *session) close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// exec runs one command line and reports whether the session should end.
func (s *session) exec(line string) (quit bool, err error) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
		return false, nil
	case "help":
		fmt.Fprint(s.out, helpText)
	case "quit", "exit":
		return true, nil
	case "status":
		s.printStatus(s.coord.Snapshot())
	case "who":
		s.printPresence()
	case "leader":
		s.printLeader()
	case "lock":
		if err := s.mutex.Request(); err != nil {
			return false, err
		}
		s.printLock()
	case "release":
		if err := s.mutex.Release(); err != nil {
			return false, err
		}
		s.printLock()
	case "reset":
		if err := s.mutex.Reset(); err != nil {
			return false, err
		}
		s.printLock()
	case "say":
		if _, err := s.chat.Send(rest); err != nil {
			return false, err
		}
	case "chat":
		msgs, err := s.chat.Messages()
		if err != nil {
			return false, err
		}
		for _, m := range msgs {
			fmt.Fprintf(s.out, "%s <%s> %s\n", time.UnixMilli(m.CreatedAt).Format("15:04:05"), m.UserName, m.Text)
		}
	case "agenda":
		return false, s.execAgenda(rest)
	default:
		return false, errUnknownCommand
	}
	return false, nil
}

func (s *session) execAgenda(args string) error {
	sub, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "":
		items, err := s.agenda.Items()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Fprintln(s.out, "agenda is empty")
		}
		for _, it := range items {
			mark := " "
			if it.Completed {
				mark = "x"
			}
			fmt.Fprintf(s.out, "[%s] %s  %s\n", mark, shortID(it.ID), it.Text)
		}
	case "add":
		item, err := s.agenda.Add(rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "added %s\n", shortID(item.ID))
	case "toggle", "rm":
		id, err := s.resolveItem(rest)
		if err != nil {
			return err
		}
		var ok bool
		if sub == "toggle" {
			ok, err = s.agenda.Toggle(id)
		} else {
			ok, err = s.agenda.Remove(id)
		}
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no agenda item %q", rest)
		}
	default:
		return errUnknownCommand
	}
	return nil
}

// resolveItem accepts a full item id or a unique prefix of one.
func (s *session) resolveItem(prefix string) (string, error) {
	if prefix == "" {
		return "", errors.New("item id is required")
	}
	items, err := s.agenda.Items()
	if err != nil {
		return "", err
	}
	var match string
	for _, it := range items {
		if strings.HasPrefix(it.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("item id %q is ambiguous", prefix)
			}
			match = it.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no agenda item %q", prefix)
	}
	return match, nil
}

func (s *session) printStatus(snap collab.Snapshot) {
	parts := make([]string, 0, len(snap.Channels))
	for _, r := range snap.Channels {
		parts = append(parts, fmt.Sprintf("%s=%s", r.Kind, r.Status))
	}
	synced := "not synced"
	if snap.Synced {
		synced = "synced at " + snap.LastSyncedAt.Format("15:04:05")
	}
	fmt.Fprintf(s.out, "status: %s, %s [%s]\n", snap.Status, synced, strings.Join(parts, " "))
	if snap.Status == transport.StatusError {
		fmt.Fprintln(s.out, "every channel failed; edits stay local until one reconnects")
	}
}

func (s *session) printPresence() {
	entries := s.coord.Presence()
	self := s.coord.Awareness().ClientID()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		u, ok := e.User()
		if !ok {
			continue
		}
		name := u.Name
		if e.ClientID == self {
			name += " (you)"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(s.out, "%d here: %s\n", len(names), strings.Join(names, ", "))
}

func (s *session) printLeader() {
	state := s.coord.Leadership()
	switch {
	case state.Leader == nil:
		fmt.Fprintln(s.out, "no leader")
	case state.IsLeader:
		fmt.Fprintf(s.out, "you lead (%d participants)\n", state.Participants)
	default:
		fmt.Fprintf(s.out, "%s leads (%d participants)\n", state.Leader.Name, state.Participants)
	}
}

func (s *session) printLock() {
	state := s.mutex.State()
	switch {
	case state.HasLock:
		fmt.Fprintln(s.out, "you hold the lock")
	case state.OwnerName != "":
		fmt.Fprintf(s.out, "locked by %s (%d waiting)\n", state.OwnerName, len(state.Queue)-1)
	default:
		fmt.Fprintln(s.out, "unlocked")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Package cli implements the administrative command vocabulary named in
// spec.md §6 (connect, create, join, leave, publish, add, quit, plain
// message text) as a parser plus a dispatcher driving the same
// internal/apprun.Loop the application runtime uses, so the line-oriented
// front end here exercises exactly the same client core a GUI would.
package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/lockframe-protocol/lockframe/internal/apprun"
	"github.com/lockframe-protocol/lockframe/internal/ids"
)

// ErrQuit is returned by Dispatch when the user typed "quit"; the caller's
// read-eval loop should stop on this error rather than report it.
var ErrQuit = errors.New("quit")

// Command is one parsed line of input.
type Command struct {
	Verb string
	Args []string
}

var verbs = map[string]bool{
	"connect": true, "create": true, "join": true, "leave": true,
	"publish": true, "add": true, "quit": true,
}

// Parse splits line into a Command. Anything whose first word isn't one
// of the known verbs is treated as plain message text (verb "say") aimed
// at whatever room is currently selected — the vocabulary's "plain
// message text" entry.
func Parse(line string) Command {
	trimmed := strings.TrimSpace(line)
	fields := strings.Fields(trimmed)
	if len(fields) > 0 && verbs[strings.ToLower(fields[0])] {
		return Command{Verb: strings.ToLower(fields[0]), Args: fields[1:]}
	}
	return Command{Verb: "say", Args: []string{trimmed}}
}

// Session tracks the CLI's view of the world on top of one apprun.Loop:
// human-readable room labels and which one plain text is currently aimed
// at. It owns no I/O of its own beyond what Loop already does.
type Session struct {
	Loop    *apprun.Loop
	rooms   map[string]ids.RoomID
	current string
	Out     func(format string, args ...any)
}

func NewSession(loop *apprun.Loop, out func(format string, args ...any)) *Session {
	return &Session{Loop: loop, rooms: make(map[string]ids.RoomID), Out: out}
}

// Dispatch executes one parsed Command against s.Loop.
func (s *Session) Dispatch(cmd Command) error {
	switch cmd.Verb {
	case "connect":
		return fmt.Errorf("already connected; \"connect\" is only valid before a session starts")

	case "create":
		if len(cmd.Args) < 1 {
			return fmt.Errorf("usage: create <room-label>")
		}
		label := cmd.Args[0]
		roomID := ids.NewRoomID()
		if err := s.Loop.CreateRoom(roomID); err != nil {
			return err
		}
		s.rooms[label] = roomID
		s.current = label
		s.Out("created room %q (%s), now selected\n", label, roomID)
		return nil

	case "join":
		if len(cmd.Args) < 1 {
			return fmt.Errorf("usage: join <room-label-or-id>")
		}
		label := cmd.Args[0]
		roomID, ok := s.rooms[label]
		if !ok {
			parsed, err := parseRoomID(label)
			if err != nil {
				return fmt.Errorf("unknown room label %q and not a valid room id: %w", label, err)
			}
			roomID = parsed
			s.rooms[label] = roomID
		}
		if !s.Loop.IsMember(roomID) {
			return fmt.Errorf("not yet a member of %q — wait for an invite (Welcome) to land first", label)
		}
		s.current = label
		s.Out("selected room %q\n", label)
		return nil

	case "leave":
		label, roomID, err := s.resolveRoom(cmd.Args)
		if err != nil {
			return err
		}
		if err := s.Loop.LeaveRoom(roomID); err != nil {
			return err
		}
		if s.current == label {
			s.current = ""
		}
		s.Out("left room %q\n", label)
		return nil

	case "publish":
		if err := s.Loop.PublishKeyPackage(); err != nil {
			return err
		}
		s.Out("published key package\n")
		return nil

	case "add":
		if len(cmd.Args) < 2 {
			return fmt.Errorf("usage: add <room-label> <sender-id>")
		}
		roomID, ok := s.rooms[cmd.Args[0]]
		if !ok {
			return fmt.Errorf("unknown room label %q", cmd.Args[0])
		}
		target, err := strconv.ParseUint(cmd.Args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sender id %q: %w", cmd.Args[1], err)
		}
		if err := s.Loop.FetchAndAddMember(roomID, ids.SenderID(target)); err != nil {
			return err
		}
		s.Out("requested add of sender %d to %q\n", target, cmd.Args[0])
		return nil

	case "quit":
		return ErrQuit

	case "say":
		if s.current == "" {
			return fmt.Errorf("no room selected — create or join one first")
		}
		roomID := s.rooms[s.current]
		text := cmd.Args[0]
		if text == "" {
			return nil
		}
		return s.Loop.SendMessage(roomID, []byte(text))

	default:
		return fmt.Errorf("unrecognized command %q", cmd.Verb)
	}
}

func (s *Session) resolveRoom(args []string) (label string, roomID ids.RoomID, err error) {
	if len(args) >= 1 {
		label = args[0]
	} else {
		label = s.current
	}
	if label == "" {
		return "", ids.RoomID{}, fmt.Errorf("no room selected")
	}
	roomID, ok := s.rooms[label]
	if !ok {
		return "", ids.RoomID{}, fmt.Errorf("unknown room label %q", label)
	}
	return label, roomID, nil
}

func parseRoomID(s string) (ids.RoomID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ids.RoomID{}, err
	}
	return ids.RoomIDFromBytes([16]byte(u)), nil
}

// Console client for the rooms service: dials the live WebSocket
// endpoint and falls back to simulated (local-only) mode when the server
// is unreachable, exercising the same session engine either way.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/roomchat/internal/config"
	"github.com/roomchat/internal/connection"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/permission"
	"github.com/roomchat/internal/session"
	"github.com/roomchat/internal/store/memory"
	"github.com/roomchat/internal/transport"
)

func main() {
	logger.SetPrefix("console")
	userID := flag.String("user", "", "user id (required)")
	name := flag.String("name", "", "display name (defaults to user id)")
	roomID := flag.String("room", "", "room to join on startup")
	server := flag.String("server", "", "ws:// endpoint (overrides config; empty config means simulated mode)")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: console -user <id> [-name <display name>] [-room <id>] [-server ws://host:8080/ws]")
		os.Exit(2)
	}
	if *name == "" {
		*name = *userID
	}

	cfg := config.Load()
	socketURL := cfg.SocketURL
	if *server != "" {
		socketURL = *server
	}

	var live connection.LiveTransport
	if socketURL != "" {
		live = transport.NewLive(socketURL)
	}
	mgr := connection.New(live, transport.NewSimulated(), connection.Options{
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		ReconnectBase:        time.Duration(cfg.Reconnect.BaseMillis) * time.Millisecond,
		ReconnectMax:         time.Duration(cfg.Reconnect.MaxMillis) * time.Millisecond,
	})

	self := model.User{ID: *userID, DisplayName: *name}
	st := memory.New()
	sess := session.New(st, mgr, self)

	ctx := context.Background()
	if err := st.SaveUser(ctx, &self); err != nil {
		logger.Errorf("save user: %v", err)
	}

	printer := newPrinter(sess)
	sess.OnChange(printer.sync)

	if err := mgr.Connect(ctx, self.ID); err != nil {
		logger.Errorf("connect: %v", err)
		os.Exit(1)
	}
	if mgr.IsSimulated() {
		fmt.Println("* running in simulated mode (no server); messages stay local")
	} else {
		fmt.Println("* connected to", socketURL)
	}

	if *roomID != "" {
		if err := sess.JoinPublicRoom(ctx, *roomID); err != nil && !errors.Is(err, session.ErrRoomNotFound) {
			logger.Errorf("join public: %v", err)
		}
		if err := sess.JoinRoom(ctx, *roomID); err != nil {
			logger.Errorf("join: %v", err)
		}
	}

	repl(ctx, sess, mgr)
	mgr.Disconnect()
}

func repl(ctx context.Context, sess *session.Store, mgr *connection.Manager) {
	sc := bufio.NewScanner(os.Stdin)
	fmt.Println(`* type a message to send, or /help for commands`)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			sess.StartTyping()
			if _, err := sess.SendMessage(ctx, line); err != nil {
				printErr(err)
			}
			sess.StopTyping()
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "help":
			printHelp()
		case "quit", "exit":
			return
		case "state":
			fmt.Println("* connection:", mgr.State())
		case "rooms":
			items, err := sess.RoomList(ctx)
			if err != nil {
				printErr(err)
				continue
			}
			for _, it := range items {
				marker := " "
				if it.IsParticipant {
					marker = "*"
				}
				fmt.Printf("%s %s  %-20s %s/%s  %d member(s)\n", marker, it.RoomID, it.Title, it.Visibility, it.ChatType, it.ParticipantCount)
			}
		case "create":
			if arg == "" {
				fmt.Println("* usage: /create <title>")
				continue
			}
			room, err := sess.CreateRoom(ctx, session.CreateRoomInput{
				Title:      arg,
				Visibility: model.VisibilityPublic,
				ChatType:   model.ChatTypeOneToMany,
			})
			if err != nil {
				printErr(err)
				continue
			}
			fmt.Println("* created room", room.ID)
		case "join":
			if arg == "" {
				fmt.Println("* usage: /join <room-id>")
				continue
			}
			if err := sess.JoinPublicRoom(ctx, arg); err != nil && !errors.Is(err, session.ErrValidation) {
				printErr(err)
				continue
			}
			if err := sess.JoinRoom(ctx, arg); err != nil {
				printErr(err)
			}
		case "leave":
			if err := sess.LeaveRoom(); err != nil {
				printErr(err)
			}
		case "who":
			for _, u := range sess.Roster() {
				fmt.Printf("  %s (%s)\n", u.DisplayName, u.ID)
			}
		case "notice":
			withRoom(sess, func(id string) {
				if _, err := sess.UpdateNotice(ctx, id, arg); err != nil {
					printErr(err)
				}
			})
		case "kick":
			if arg == "" {
				fmt.Println("* usage: /kick <user-id> [reason]")
				continue
			}
			target, reason, _ := strings.Cut(arg, " ")
			withRoom(sess, func(id string) {
				if _, err := sess.KickUser(ctx, id, &model.User{ID: target}, strings.TrimSpace(reason)); err != nil {
					printErr(err)
				}
			})
		case "close":
			withRoom(sess, func(id string) {
				if _, err := sess.CloseRoom(ctx, id, arg); err != nil {
					printErr(err)
				}
			})
		case "reopen":
			withRoom(sess, func(id string) {
				if _, err := sess.ReopenRoom(ctx, id); err != nil {
					printErr(err)
				}
			})
		case "clear":
			withRoom(sess, func(id string) {
				if _, err := sess.ClearAllMessages(ctx, id); err != nil {
					printErr(err)
				}
			})
		case "log":
			withRoom(sess, func(id string) {
				acts, err := sess.ModerationLog(ctx, id)
				if err != nil {
					printErr(err)
					return
				}
				for _, a := range acts {
					fmt.Printf("  %s %s by %s target=%s reason=%q\n",
						a.PerformedAt.Format(time.RFC3339), a.Type, a.PerformedBy, a.TargetUserID, a.Reason)
				}
			})
		default:
			fmt.Println("* unknown command, /help for the list")
		}
	}
}

func withRoom(sess *session.Store, fn func(roomID string)) {
	room := sess.Room()
	if room == nil {
		fmt.Println("* join a room first")
		return
	}
	fn(room.ID)
}

func printHelp() {
	fmt.Print(`  /rooms                 list visible rooms
  /create <title>        create a public room
  /join <room-id>        join a room
  /leave                 leave the current room
  /who                   show the roster
  /notice <text>         set the room notice (owner)
  /kick <user> [reason]  kick a participant (owner)
  /close [reason]        close the room (owner)
  /reopen                reopen the room (owner)
  /clear                 clear all messages (owner)
  /log                   show the moderation log (owner)
  /state                 show connection state
  /quit                  exit
`)
}

func printErr(err error) {
	switch {
	case errors.Is(err, session.ErrRoomClosed):
		fmt.Println("* the room is closed")
	case errors.Is(err, session.ErrNotParticipant):
		fmt.Println("* you are not a participant")
	case errors.Is(err, session.ErrRoomNotFound):
		fmt.Println("* no such room")
	case errors.Is(err, permission.ErrDenied):
		fmt.Println("* permission denied")
	default:
		fmt.Println("*", err)
	}
}

// printer renders messages that appeared since the last change
// notification.
type printer struct {
	sess *session.Store

	mu      sync.Mutex
	roomID  string
	printed int
}

func newPrinter(sess *session.Store) *printer {
	return &printer{sess: sess}
}

func (p *printer) sync() {
	room := p.sess.Room()
	msgs := p.sess.VisibleMessages()

	p.mu.Lock()
	defer p.mu.Unlock()
	if room == nil {
		p.roomID = ""
		p.printed = 0
		return
	}
	if room.ID != p.roomID {
		p.roomID = room.ID
		p.printed = 0
		fmt.Printf("* joined %q", room.Title)
		if room.Notice != "" {
			fmt.Printf(" — notice: %s", room.Notice)
		}
		fmt.Println()
	}
	if p.printed > len(msgs) {
		// Moderation cleared the history.
		p.printed = len(msgs)
		fmt.Println("* message history was cleared")
	}
	for _, m := range msgs[p.printed:] {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.SenderID, m.Text)
	}
	p.printed = len(msgs)
}

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/lunchconnect/groupchat/internal/auth"
	"github.com/lunchconnect/groupchat/internal/broker"
	"github.com/lunchconnect/groupchat/internal/broker/natsbroker"
	"github.com/lunchconnect/groupchat/internal/broker/stompws"
	"github.com/lunchconnect/groupchat/internal/chat"
	"github.com/lunchconnect/groupchat/internal/history"
	"github.com/lunchconnect/groupchat/internal/session"
)

func main() {
	var (
		groupID   = flag.String("group", "", "group ID to join (required)")
		groupName = flag.String("name", "", "display name of the group")
		token     = flag.String("token", os.Getenv("LUNCH_TOKEN"), "bearer token (or LUNCH_TOKEN)")
		driver    = flag.String("driver", "stomp", "broker driver: stomp or nats")
		brokerURL = flag.String("broker", "ws://localhost:8080/ws", "broker endpoint (ws:// for stomp, nats:// for nats)")
		apiBase   = flag.String("api", "", "REST base URL for history seeding (optional)")
	)
	flag.Parse()

	if *groupID == "" {
		fmt.Fprintln(os.Stderr, "usage: lunchchat -group <id> [-name <label>] [-token <jwt>] [-driver stomp|nats]")
		os.Exit(2)
	}
	if *groupName == "" {
		*groupName = "group " + *groupID
	}

	authCtx := auth.NewContext(auth.StaticToken(*token))
	if _, err := authCtx.CurrentUserID(); err != nil {
		log.Fatalf("cannot join chat: %v", err)
	}

	var dialer broker.Dialer
	switch *driver {
	case "stomp":
		dialer = &stompws.Dialer{URL: *brokerURL}
	case "nats":
		url := *brokerURL
		if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
			url = "nats://localhost:4222"
		}
		dialer = &natsbroker.Dialer{URL: url, Name: "lunchchat-cli"}
	default:
		log.Fatalf("unknown driver %q", *driver)
	}

	// Seed the window with recent history when an API base is configured.
	var seed []chat.Message
	if *apiBase != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		msgs, err := history.NewClient(*apiBase, authCtx).Fetch(ctx, *groupID, history.DefaultLimit)
		cancel()
		if err != nil {
			log.Printf("[history] fetch failed, starting empty: %v", err)
		} else {
			seed = msgs
		}
	}

	sess, err := session.New(session.Config{
		GroupID:   *groupID,
		GroupName: *groupName,
		Auth:      authCtx,
		Dialer:    dialer,
		Seed:      seed,
		OnMessage: printMessage,
		OnState: func(st session.ConnState) {
			fmt.Printf("-- %s --\n", st)
		},
	})
	if err != nil {
		log.Fatalf("create session: %v", err)
	}
	defer sess.Close()

	for _, m := range sess.Messages() {
		printMessage(m)
	}

	if err := sess.Open(context.Background()); err != nil {
		// The session keeps retrying on its own; just surface the failure.
		log.Printf("initial connect failed: %v (retrying in background)", err)
	}

	fmt.Printf("joined %s — type a message, or /min /max /quit\n", *groupName)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case "/quit":
			return
		case "/min":
			sess.Minimize()
			fmt.Println("-- minimized --")
			continue
		case "/max":
			sess.Restore()
			if n := sess.Unread(); n > 0 {
				fmt.Printf("-- restored (%d unread) --\n", n)
			} else {
				fmt.Println("-- restored --")
			}
			continue
		}

		sess.SetDraft(line)
		if err := sess.SendDraft(); err != nil {
			switch {
			case errors.Is(err, chat.ErrEmptyMessage):
				// Nothing to send.
			case errors.Is(err, session.ErrNotConnected):
				fmt.Println("-- not connected, draft kept --")
			default:
				log.Printf("send failed: %v", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("stdin: %v", err)
	}
}

func printMessage(m chat.Message) {
	who := m.SenderID
	if m.IsMine {
		who = "me"
	}
	fmt.Printf("[%s] %s: %s\n", m.Clock(), who, m.Content)
}

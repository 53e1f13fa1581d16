package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/mahaj/livechat/pkg/config"
	"github.com/mahaj/livechat/pkg/history"
	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/session"
	"github.com/mahaj/livechat/pkg/socket"
)

const help = `commands:
  /open <user>     open a conversation
  /close           leave the open conversation
  /inbox           list conversations
  /online          list connected users
  /typing          signal that you are typing
  /retry <id>      resend a failed message
  /quit            exit
anything else is sent to the open conversation`

// printer writes each message once, then again when its status changes.
type printer struct {
	mu   sync.Mutex
	seen map[string]string
}

func (p *printer) messages(self string, msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		key := m.ClientID
		if key == "" {
			key = m.ID
		}
		status := status(m)
		prev, ok := p.seen[key]
		p.seen[key] = status
		switch {
		case !ok:
			who := m.Sender
			if who == self {
				who = "you"
			}
			fmt.Printf("\r[%s] %s: %s %s\n> ", m.CreatedAt.Local().Format("15:04"), who, m.Content, status)
		case prev != status:
			fmt.Printf("\r  %q %s\n> ", m.Content, status)
		}
	}
}

func status(m model.Message) string {
	switch {
	case m.Failed:
		return "(failed, /retry " + m.ClientID + ")"
	case m.Origin == model.Optimistic:
		return "(sending)"
	}
	return ""
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	gatewayURL := flag.String("gateway", cfg.GatewayURL, "gateway websocket url")
	apiURL := flag.String("api", cfg.APIURL, "api service address")
	userID := flag.String("user", "user1", "user id")
	dmUser := flag.String("dm", "", "user id to open a conversation with")
	verbose := flag.Bool("v", false, "log connection events")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Login to get token
	log.Printf("Logging in as %s...", *userID)
	token, err := history.Login(ctx, *apiURL, *userID)
	if err != nil {
		log.Fatal("Login failed:", err)
	}

	// 2. Build the session around one connection
	api := history.New(*apiURL, token)
	out := &printer{seen: make(map[string]string)}
	var sess *session.Session
	sess, err = session.New(session.Config{
		GatewayURL:     *gatewayURL,
		APIURL:         *apiURL,
		Token:          token,
		TypingDebounce: cfg.TypingDebounce,
		TypingCeiling:  cfg.TypingCeiling,
		Collaborator:   api,
		Logger:         logger,
		OnMessages: func(partner string) {
			if active, _ := sess.Active(); active == partner {
				out.messages(sess.UserID(), sess.Messages())
			}
		},
		OnTyping: func(partner string, typing bool) {
			if typing {
				fmt.Printf("\r%s is typing...\n> ", partner)
			}
		},
		OnInbox: func() {
			if n := sess.TotalUnread(); n > 0 {
				fmt.Printf("\r(%d unread)\n> ", n)
			}
		},
		OnOnline: func(users []string) {
			fmt.Printf("\ronline: %s\n> ", strings.Join(users, ", "))
		},
		OnError: func(err error) {
			fmt.Printf("\rconnection error: %v\n> ", err)
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		log.Printf("Start: %v", err)
	}
	if cfg.AutoReconnect {
		go socket.Supervise(ctx, sess.Manager(), sess.UserID(), socket.Backoff{Min: cfg.ReconnectMin, Max: cfg.ReconnectMax})
	}
	if *dmUser != "" {
		if err := sess.Open(ctx, *dmUser); err != nil {
			log.Printf("Open %s: %v", *dmUser, err)
		}
		out.messages(sess.UserID(), sess.Messages())
	}

	// 3. Read commands and messages from stdin
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println(help)
	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			log.Println("interrupt")
			return
		case text, ok := <-lines:
			if !ok {
				return
			}
			if !run(ctx, sess, api, out, strings.TrimSpace(text)) {
				return
			}
			fmt.Print("> ")
		}
	}
}

// run executes one input line. It returns false on /quit.
func run(ctx context.Context, sess *session.Session, api *history.Client, out *printer, text string) bool {
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
	case "/quit":
		return false
	case "/help":
		fmt.Println(help)
	case "/open":
		if err := sess.Open(ctx, arg); err != nil {
			fmt.Println("open:", err)
		}
		out.messages(sess.UserID(), sess.Messages())
	case "/close":
		sess.CloseConversation()
	case "/inbox":
		for _, row := range sess.Inbox() {
			last := ""
			if row.LastMessage != nil {
				last = row.LastMessage.Content
			}
			fmt.Printf("  %-12s %3d unread  %s\n", row.Partner, row.UnreadCount, last)
		}
	case "/online":
		users, ok := sess.Online()
		if !ok {
			var err error
			if users, err = api.Online(ctx); err != nil {
				fmt.Println("online:", err)
				break
			}
		}
		fmt.Println("  " + strings.Join(users, ", "))
	case "/typing":
		if err := sess.Typing(); err != nil {
			fmt.Println("typing:", err)
		}
	case "/retry":
		if err := sess.Retry(arg); err != nil {
			fmt.Println("retry:", err)
		}
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Println("unknown command", cmd)
			break
		}
		if _, err := sess.Send(text); err != nil {
			fmt.Println("send:", err)
		}
	}
	return true
}

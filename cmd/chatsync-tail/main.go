// chatsync-tail follows one conversation from the terminal: it opens a
// sync session, prints confirmed messages as they arrive, and can send
// stdin lines into the conversation. Useful for poking at a server and
// for watching a conversation a widget is attached to.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/briefdesk/chatsync/internal/config"
	"github.com/briefdesk/chatsync/internal/engine"
	"github.com/briefdesk/chatsync/internal/logging"
	"github.com/briefdesk/chatsync/internal/protocol"
	"github.com/briefdesk/chatsync/internal/state"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatsync-tail: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	conversation := flag.String("conversation", "", "conversation id to follow")
	interactive := flag.Bool("send", false, "send stdin lines as messages")
	flag.Parse()

	if *conversation == "" {
		return errors.New("-conversation is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.ServerURL == "" || cfg.AuthToken == "" {
		return errors.New("CHATSYNC_SERVER_URL and CHATSYNC_AUTH_TOKEN must be set")
	}

	logger := logging.NewLogger(cfg.Environment)

	store, err := state.Open(filepath.Join(cfg.DataDir, "cursors.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	printer := &messagePrinter{}

	sess, err := engine.NewSession(engine.SessionConfig{
		ServerURL:      cfg.ServerURL,
		AuthToken:      cfg.AuthToken,
		ConversationID: *conversation,
		ClientInfo:     "chatsync-tail/1",
		Tunables:       cfg.Tunables,
		CursorStore:    store,
		Logger:         logging.WithConversation(logger, *conversation),
	}, engine.Handlers{
		OnMessages: printer.print,
		OnStateChange: func(st engine.State) {
			logger.Debug("session state", "state", st.String())
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		return sess.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return sess.Close()
	})

	if *interactive {
		g.Go(func() error {
			return sendLoop(ctx, sess)
		})
	}

	return g.Wait()
}

// sendLoop sends each stdin line as a message and prints the assigned
// sequence.
func sendLoop(ctx context.Context, sess *engine.Session) error {
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		msg, err := sess.Send(ctx, line, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)

			continue
		}

		fmt.Printf("sent as seq %d\n", msg.Seq)
	}

	return scanner.Err()
}

// messagePrinter prints each confirmed message once, in sequence order.
type messagePrinter struct {
	mu          sync.Mutex
	lastPrinted int64
}

func (p *messagePrinter) print(messages []protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range messages {
		if !m.Confirmed() || m.Seq <= p.lastPrinted {
			continue
		}

		ts := time.UnixMilli(m.ServerTime).Format(time.RFC3339)
		fmt.Printf("[%s] %4d %-9s %s\n", ts, m.Seq, m.Role, m.Content)

		p.lastPrinted = m.Seq
	}
}

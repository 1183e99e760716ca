// The headless agent joins a collaboration session from the terminal. It
// mirrors the shared buffer into a local cache, relays chat, and can
// trigger remote execution, exercising the full client core without a
// browser.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bikashd003/devcollab-sync/internal/cache"
	"github.com/bikashd003/devcollab-sync/internal/client"
	"github.com/bikashd003/devcollab-sync/internal/config"
	"github.com/bikashd003/devcollab-sync/internal/discovery"
)

func main() {
	cfg := config.LoadAgent()
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "relay websocket URL (empty: discover via mDNS)")
	flag.StringVar(&cfg.ProjectID, "project", cfg.ProjectID, "project/session id to join")
	flag.StringVar(&cfg.UserID, "user", cfg.UserID, "user id (empty: random)")
	flag.StringVar(&cfg.Username, "name", cfg.Username, "display name")
	flag.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "local snapshot cache file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if cfg.ProjectID == "" {
		fmt.Fprintln(os.Stderr, "missing -project")
		os.Exit(2)
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	if cfg.Username == "" {
		cfg.Username = "agent-" + cfg.UserID[:8]
	}
	if cfg.ServerURL == "" {
		url, err := discovery.Browse(context.Background(), 10*time.Second, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "discovery failed: %v\n", err)
			os.Exit(1)
		}
		cfg.ServerURL = url
	}
	if cfg.ExecuteURL == "" {
		cfg.ExecuteURL = executeURLFor(cfg.ServerURL)
	}

	snapCache, err := cache.Open(cfg.CachePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open cache: %v\n", err)
		os.Exit(1)
	}
	defer snapCache.Close()

	if snap, err := snapCache.Get(cfg.ProjectID); err == nil && snap != nil {
		fmt.Printf("[cache] last known buffer from %s (stale until joined):\n%s\n",
			snap.SavedAt.Format(time.RFC3339), snap.Document)
	}

	sess := newAgentSession(cfg, snapCache, logger)
	if err := sess.join(); err != nil {
		fmt.Fprintf(os.Stderr, "join failed: %v (try /retry)\n", err)
	}
	sess.repl(os.Stdin)
}

func executeURLFor(wsURL string) string {
	httpURL := wsURL
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		httpURL = "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		httpURL = "http://" + strings.TrimPrefix(wsURL, "ws://")
	}
	return strings.TrimSuffix(httpURL, "/ws") + "/api/execute"
}

type agentSession struct {
	cfg       config.Agent
	sess      *client.Session
	snapCache *cache.Cache
}

func newAgentSession(cfg config.Agent, snapCache *cache.Cache, logger *slog.Logger) *agentSession {
	a := &agentSession{cfg: cfg, snapCache: snapCache}
	a.sess = client.New(client.Config{
		ServerURL:  cfg.ServerURL,
		ExecuteURL: cfg.ExecuteURL,
		ProjectID:  cfg.ProjectID,
		UserID:     cfg.UserID,
		Username:   cfg.Username,
		Logger:     logger,
	})
	a.sess.OnStateChange(func(s client.State) {
		fmt.Printf("[session] %s\n", s)
	})
	return a
}

func (a *agentSession) join() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.sess.Join(ctx); err != nil {
		return err
	}
	a.saveSnapshot()
	return nil
}

func (a *agentSession) saveSnapshot() {
	err := a.snapCache.Put(a.cfg.ProjectID, cache.Snapshot{
		Document: a.sess.Doc.Document(),
		Language: a.sess.Doc.Language(),
	})
	if err != nil {
		slog.Warn("cache snapshot", "error", err)
	}
}

func (a *agentSession) repl(in *os.File) {
	fmt.Println("commands: /edit <text>, /show, /run, /lang <language>, /peers, /msgs, /retry, /quit; anything else is chat")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if !a.sess.Chat.Send(line) {
				fmt.Println("[chat] not sent")
			}
			continue
		}
		cmd, rest, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "edit":
			a.sess.Doc.OnLocalEdit(rest)
			a.sess.Presence.OnLocalCursorMove(len(rest))
			a.saveSnapshot()
		case "show":
			fmt.Printf("--- %s ---\n%s\n", a.sess.Doc.Language(), a.sess.Doc.Document())
		case "run":
			res, err := a.sess.Runner.Execute(context.Background(), a.sess.Doc.Document(), a.sess.Doc.Language())
			if err != nil {
				fmt.Printf("[run] %v\n", err)
				continue
			}
			if res.Error != "" {
				fmt.Printf("[run] error: %s (%.3fs)\n", res.Error, res.ExecutionTime)
			} else {
				fmt.Printf("[run] %s(%.3fs)\n", res.Output, res.ExecutionTime)
			}
		case "lang":
			a.sess.Doc.ChangeLanguage(rest)
			a.saveSnapshot()
		case "peers":
			for _, c := range a.sess.Presence.Cursors() {
				typing := ""
				if a.sess.Presence.IsTyping(c.UserID) {
					typing = " (typing)"
				}
				fmt.Printf("  %s @%d %s%s\n", c.Username, c.Position, c.Color, typing)
			}
		case "msgs":
			for _, m := range a.sess.Chat.Messages() {
				fmt.Printf("  [%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.Username, m.Message)
			}
		case "retry":
			if err := a.join(); err != nil {
				fmt.Printf("[session] join failed: %v\n", err)
			}
		case "quit":
			a.sess.Leave()
			return
		default:
			fmt.Printf("unknown command: /%s\n", cmd)
		}
	}
	a.sess.Leave()
}

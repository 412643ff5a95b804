// Command watch renders live job progress from the comicbatch API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/paulgrammer/comicbatch/internal/broadcast"
)

type topicsFlag []string

func (t *topicsFlag) String() string { return fmt.Sprint(*t) }

func (t *topicsFlag) Set(v string) error {
	*t = append(*t, v)
	return nil
}

func main() {
	addr := flag.String("url", getenv("WATCH_URL", "ws://localhost:8080/ws"), "websocket endpoint of the API")
	var topics topicsFlag
	flag.Var(&topics, "topic", "topic to watch (repeatable, default every job)")
	flag.Parse()

	target, err := withTopics(*addr, topics)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", target, err)
		os.Exit(1)
	}
	defer conn.Close()

	p := tea.NewProgram(newModel(*addr), tea.WithAltScreen())
	go read(conn, p)

	final, err := p.Run()
	if err != nil {
		slog.Error("watch failed", "error", err)
		os.Exit(1)
	}
	if m, ok := final.(model); ok && m.err != nil {
		fmt.Fprintln(os.Stderr, "disconnected:", m.err)
		os.Exit(1)
	}
}

func read(conn *websocket.Conn, p *tea.Program) {
	for {
		var env broadcast.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			p.Send(disconnectedMsg{err: err})
			return
		}
		p.Send(envelopeMsg(env))
	}
}

func withTopics(raw string, topics []string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	q := u.Query()
	for _, t := range topics {
		q.Add("topic", t)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

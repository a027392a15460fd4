package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/celerway/mqttexplorer/explorer"
	"github.com/celerway/mqttexplorer/explorer/api"
	"github.com/celerway/mqttexplorer/explorer/coordinator"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)
	topicStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	timeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

const consoleHelp = `Commands:
  login                   log in again
  sub <topic>             move the subscription to topic
  pub <topic> <payload>   publish payload on topic
  history                 show received messages
  clear                   clear the message history
  status                  show login and connection state
  quit                    leave`

type consoleCommand struct {
	name    string
	topic   string
	payload string
}

func parseCommand(line string) (consoleCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return consoleCommand{}, nil
	}
	c := consoleCommand{name: strings.ToLower(fields[0])}
	switch c.name {
	case "sub", "subscribe":
		if len(fields) != 2 {
			return c, errors.New("usage: sub <topic>")
		}
		c.name = "sub"
		c.topic = fields[1]
	case "pub", "publish":
		if len(fields) < 2 {
			return c, errors.New("usage: pub <topic> <payload>")
		}
		c.name = "pub"
		c.topic = fields[1]
		// the payload is the rest of the line as typed
		rest := strings.TrimSpace(line)
		rest = strings.TrimSpace(rest[len(fields[0]):])
		c.payload = strings.TrimSpace(rest[len(fields[1]):])
	case "exit", "q":
		c.name = "quit"
	case "login", "history", "clear", "status", "help", "quit":
	default:
		return c, fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return c, nil
}

func formatEntry(e coordinator.Entry) string {
	return timeStyle.Render(e.Received.Format("15:04:05")) + " " + topicStyle.Render(e.Topic) + " " + e.Payload
}

type console struct {
	co     api.Coordinator
	p      *prompter
	out    io.Writer
	outMu  sync.Mutex
	prefer string // username from the command line
}

func (c *console) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *console) login(ctx context.Context) {
	username, password, err := c.p.credentials(c.prefer)
	if err != nil {
		c.println(errorStyle.Render(err.Error()))
		return
	}
	err = c.co.Authenticate(ctx, username, password)
	switch {
	case err == nil:
		c.println(okStyle.Render("Logged in as " + username))
	case errors.Is(err, coordinator.ErrNewPasswordRequired):
		c.println(errorStyle.Render("A new password must be set for " + username + " before it can be used here"))
	default:
		c.println(errorStyle.Render("Login failed: " + err.Error()))
	}
}

// run executes one command. Returns true when the console should exit.
func (c *console) run(ctx context.Context, cmd consoleCommand) bool {
	switch cmd.name {
	case "":
	case "quit":
		return true
	case "help":
		c.println(consoleHelp)
	case "login":
		c.login(ctx)
	case "sub":
		if err := c.co.ChangeSubscription(cmd.topic); err != nil {
			c.println(errorStyle.Render(err.Error()))
			return false
		}
		c.println(okStyle.Render("Subscribed to " + cmd.topic))
	case "pub":
		if err := c.co.Publish(cmd.topic, []byte(cmd.payload)); err != nil {
			c.println(errorStyle.Render(err.Error()))
		}
	case "history":
		for _, e := range c.co.History() {
			c.println(formatEntry(e))
		}
	case "clear":
		c.co.ClearHistory()
		c.println(okStyle.Render("History cleared"))
	case "status":
		s := c.co.Snapshot()
		c.println(fmt.Sprintf("%s %s\n%s %s\n%s %s\n%s %d",
			labelStyle.Render("login:     "), s.State,
			labelStyle.Render("connection:"), s.Connection,
			labelStyle.Render("topic:     "), s.Topic,
			labelStyle.Render("messages:  "), s.Messages))
	}
	return false
}

// interact logs in, then runs commands until quit or the input ends. It owns the input, the
// password prompt included.
func (c *console) interact(ctx context.Context) {
	c.login(ctx)
	c.println(consoleHelp)
	for ctx.Err() == nil {
		l, err := c.p.line("")
		if err != nil {
			return
		}
		parsed, err := parseCommand(l)
		if err != nil {
			c.println(errorStyle.Render(err.Error()))
			continue
		}
		if c.run(ctx, parsed) {
			return
		}
	}
}

func newConsoleCmd(cfg *config) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Log in and follow the subscribed topic in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(true); err != nil {
				return err
			}
			ctx, cancel := withSignals(cmd.Context())
			defer cancel()

			c := &console{
				p:      newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()),
				out:    cmd.OutOrStdout(),
				prefer: username,
			}
			params := cfg.explorerParams()
			params.APIPort = 0
			params.HealthPort = 0
			params.Kafka = nil
			params.Listener = func(e coordinator.Entry) { c.println(formatEntry(e)) }
			ex, err := explorer.New(ctx, params)
			if err != nil {
				return err
			}
			c.co = ex.Coordinator()
			done := make(chan struct{})
			go func() {
				defer close(done)
				ex.Run(ctx)
			}()

			input := make(chan struct{})
			go func() {
				defer close(input)
				c.interact(ctx)
			}()
			select {
			case <-ctx.Done():
			case <-input:
			}
			cancel()
			<-done
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (prompted if empty)")
	return cmd
}

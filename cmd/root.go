package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/celerway/mqttexplorer/explorer"
	"github.com/celerway/mqttexplorer/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newRootCmd builds the command tree. Flags default to what cfg already holds from the
// environment, so a flag on the command line wins over ENV.
func newRootCmd(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:           "mqttexplorer",
		Short:         "Explore an AWS IoT broker with a Cognito login",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.Init(cfg.LogLevel, cfg.LogJSON)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (trace|debug|info|warn|error)")
	pf.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Log as JSON")
	pf.StringVar(&cfg.Region, "region", cfg.Region, "AWS region")
	pf.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "IoT data endpoint")
	pf.StringVar(&cfg.IdentityPoolID, "identity-pool", cfg.IdentityPoolID, "Cognito identity pool id")
	pf.StringVar(&cfg.UserPoolID, "user-pool", cfg.UserPoolID, "Cognito user pool id")
	pf.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "Cognito app client id")
	pf.StringVar(&cfg.MqttClientID, "mqtt-client-id", cfg.MqttClientID, "MQTT client id (random if empty)")
	pf.StringVar(&cfg.Topic, "topic", cfg.Topic, "Initial subscription topic")
	pf.DurationVar(&cfg.MaxReconnect, "max-reconnect", cfg.MaxReconnect, "Max interval between reconnect attempts")
	pf.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "Timeout for the user pool login")
	pf.DurationVar(&cfg.ExchangeTimeout, "exchange-timeout", cfg.ExchangeTimeout, "Timeout for the credential exchange")
	pf.IntVar(&cfg.HistorySize, "history", cfg.HistorySize, "Number of messages kept")

	root.AddCommand(newServeCmd(cfg), newConsoleCmd(cfg), newWhoamiCmd(cfg))
	return root
}

func newServeCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the explorer with its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(true); err != nil {
				return err
			}
			ctx, cancel := withSignals(cmd.Context())
			defer cancel()
			ex, err := explorer.New(ctx, cfg.explorerParams())
			if err != nil {
				return err
			}
			ex.Run(ctx)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.APIPort, "api-port", cfg.APIPort, "Port for the HTTP API")
	f.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "Port for /metrics and /healthz (0 disables)")
	f.StringVar(&cfg.KafkaBroker, "kafka-broker", cfg.KafkaBroker, "Kafka broker to archive messages to (empty disables)")
	f.IntVar(&cfg.KafkaPort, "kafka-port", cfg.KafkaPort, "Kafka port")
	f.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic")
	return cmd
}

func newWhoamiCmd(cfg *config) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Log in and show which identity and role the credentials map to",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(false); err != nil {
				return err
			}
			user, password, err := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()).credentials(username)
			if err != nil {
				return err
			}
			identityID, arn, err := explorer.WhoAmI(cmd.Context(), cfg.explorerParams(), user, password)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("identity:"), identityID)
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("arn:     "), arn)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (prompted if empty)")
	return cmd
}

// prompter reads answers and console commands from one buffered reader, so nothing typed
// ahead gets lost between them.
type prompter struct {
	in     io.Reader
	reader *bufio.Reader
	out    io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, reader: bufio.NewReader(in), out: out}
}

// line prints prompt and returns the next line without the line ending. io.EOF is only
// returned when there was nothing left to read.
func (p *prompter) line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// credentials asks for whatever is missing. The password is read without echo when the
// input is a terminal.
func (p *prompter) credentials(username string) (string, string, error) {
	if username == "" {
		line, err := p.line("Username: ")
		if err != nil {
			return "", "", fmt.Errorf("reading username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(p.out, "Password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", "", fmt.Errorf("reading password: %w", err)
		}
		return username, string(pw), nil
	}
	password, err := p.line("Password: ")
	if err != nil {
		return "", "", fmt.Errorf("reading password: %w", err)
	}
	return username, password, nil
}

func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// Command solar_portal runs the portal gateway and offers a terminal chat
// client for it.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	solarportal "solar_portal"
	"solar_portal/auth"
	"solar_portal/chatclient"
	"solar_portal/chatstream"
	"solar_portal/logging"
)

var (
	configPath string
	logLevel   string
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "solar_portal",
	Short:         "Solar monitoring portal gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := solarportal.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		s, err := solarportal.New(cfg, solarportal.WithLogger(logger))
		if err != nil {
			return err
		}
		return s.Start(cmd.Context())
	},
}

var (
	chatURL     string
	chatToken   string
	chatSession string
	chatSystem  string
)

var chatCmd = &cobra.Command{
	Use:   "chat [question...]",
	Short: "Ask the portal assistant a question",
	Long: `Sends one question to a running gateway and prints the answer as it
streams in. Pass --session to continue an earlier conversation; the session id
to reuse is printed after each answer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		level := logLevel
		if level == "" {
			level = "warn"
		}
		var err error
		if logger, err = logging.New(level, "console"); err != nil {
			return err
		}

		opts := []chatclient.Option{
			chatclient.WithToken(chatToken),
			chatclient.WithCancelNotice("(cancelled)"),
			chatclient.WithLogger(logger),
		}
		if chatSession != "" {
			opts = append(opts, chatclient.WithSessionID(chatSession))
		}
		conv := chatclient.New(chatURL, opts...)

		out := cmd.OutOrStdout()
		p := &printer{w: out, current: -1}
		sendErr := conv.Send(ctx, strings.Join(args, " "), chatSystem, p.update)
		p.finish(conv.Messages())

		if id := conv.SessionID(); id != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", id)
		}
		if errors.Is(sendErr, context.Canceled) {
			return nil
		}
		return sendErr
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print a bcrypt hash for a local-auth user entry",
	Long:  "Reads the password from the argument, or from the first line of stdin when omitted.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := passwordArg(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func passwordArg(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

// printer writes assistant prose as it grows and status lines once each.
type printer struct {
	w       io.Writer
	current int // index of the assistant message being written
	printed int // bytes of it already written
	status  string
}

func (p *printer) update(msgs []chatstream.Message) {
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	switch {
	case last.Role.IsStatus():
		if last.Content != p.status {
			p.status = last.Content
			fmt.Fprintf(p.w, "[%s] %s\n", last.Role, last.Content)
		}
	case last.Role == chatstream.RoleAssistant:
		if i := len(msgs) - 1; i != p.current {
			if p.printed > 0 {
				fmt.Fprintln(p.w)
			}
			p.current, p.printed = i, 0
		}
		if len(last.Content) > p.printed {
			fmt.Fprint(p.w, last.Content[p.printed:])
			p.printed = len(last.Content)
		}
	}
}

func (p *printer) finish(msgs []chatstream.Message) {
	if len(msgs) == 0 {
		return
	}
	if p.printed > 0 {
		fmt.Fprintln(p.w)
	}
	if last := msgs[len(msgs)-1]; last.Role == chatstream.RoleError {
		fmt.Fprintf(p.w, "error: %s\n", last.Content)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to portal.yaml (env overrides still apply)")

	chatCmd.Flags().StringVar(&chatURL, "url", "http://localhost:8080", "Gateway base URL")
	chatCmd.Flags().StringVar(&chatToken, "token", os.Getenv("PORTAL_TOKEN"), "Bearer token (env: PORTAL_TOKEN)")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Session id to continue")
	chatCmd.Flags().StringVar(&chatSystem, "system", "", "Solar system id the question is about")

	rootCmd.AddCommand(serveCmd, chatCmd, hashCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/codepair/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/client"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type agentOptions struct {
	serverURL     string
	sessionID     string
	username      string
	token         string
	signingSecret string
	logLevel      string
}

func main() {
	opts := agentOptions{}
	rootCmd := &cobra.Command{
		Use:   "codepair-agent",
		Short: "Headless CodePair session participant",
		Long: "Joins a collaborative coding session, mirrors remote events to the log, " +
			"and forwards stdin lines as code changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}

	rootCmd.Flags().StringVar(&opts.serverURL, "server-url", "http://127.0.0.1:8080", "Base URL of the codepair-api server")
	rootCmd.Flags().StringVar(&opts.sessionID, "session", "", "Session identifier to join")
	rootCmd.Flags().StringVar(&opts.username, "username", "", "Participant username (used with --signing-secret)")
	rootCmd.Flags().StringVar(&opts.token, "token", "", "Session token (skips local minting)")
	rootCmd.Flags().StringVar(&opts.signingSecret, "signing-secret", "", "Signing secret for minting a local token")
	rootCmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(ctx context.Context, opts agentOptions) error {
	if opts.sessionID == "" {
		return fmt.Errorf("--session is required")
	}

	logger, err := logging.NewLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	token := opts.token
	if token == "" {
		if opts.signingSecret == "" || opts.username == "" {
			return fmt.Errorf("either --token or both --signing-secret and --username are required")
		}
		issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(opts.signingSecret),
		})
		if err != nil {
			return err
		}
		token, err = issuer.Issue(opts.username)
		if err != nil {
			return err
		}
	}
	username := opts.username
	if username == "" {
		claims, err := claimsFromToken(opts.signingSecret, token)
		if err != nil {
			return fmt.Errorf("--username is required when the token cannot be inspected: %w", err)
		}
		username = claims
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channelURL, err := buildChannelURL(opts.serverURL, opts.sessionID, token)
	if err != nil {
		return err
	}

	channel, err := client.DialChannel(signalCtx, client.WSChannelConfig{URL: channelURL, Logger: logger})
	if err != nil {
		return err
	}
	defer channel.Close() //nolint:errcheck

	machine, err := client.NewMachine(client.MachineConfig{
		SessionID: opts.sessionID,
		Username:  username,
		Loader:    client.NewHTTPLoader(opts.serverURL, token, nil),
		Channel:   channel,
		Logger:    logger,
		OnNotice: func(message string) {
			logger.Info("session notice", zap.String("message", message))
		},
	})
	if err != nil {
		return err
	}

	if err := machine.Start(signalCtx); err != nil {
		return err
	}
	defer machine.Stop()

	go machine.RunPruner(signalCtx)

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- channel.Listen(signalCtx, machine)
	}()

	go forwardStdin(signalCtx, machine, logger)

	select {
	case <-signalCtx.Done():
		return nil
	case err := <-listenErr:
		if err != nil && signalCtx.Err() == nil {
			return err
		}
		return nil
	}
}

// forwardStdin treats every input line as a full-buffer replacement, the same
// last-write-wins contract the editor uses.
func forwardStdin(ctx context.Context, machine *client.Machine, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := machine.EditBuffer(line, 1); err != nil {
			logger.Warn("edit forwarding failed", zap.Error(err))
			return
		}
	}
}

func buildChannelURL(serverURL, sessionID, token string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/sessions/" + url.PathEscape(sessionID) + "/ws"
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func claimsFromToken(signingSecret, token string) (string, error) {
	if signingSecret == "" {
		return "", fmt.Errorf("no signing secret available")
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(signingSecret),
		CookieName:    "app_session",
	})
	if err != nil {
		return "", err
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.Username(), nil
}

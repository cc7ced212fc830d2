// ABOUTME: Local admin CLI for beacon-gateway accounts, API keys, sessions and keys
// ABOUTME: Opens the gateway database directly; run on the gateway host

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/beacon-gateway/internal/account"
	"github.com/2389/beacon-gateway/internal/auth"
	"github.com/2389/beacon-gateway/internal/config"
	"github.com/2389/beacon-gateway/internal/notify"
	"github.com/2389/beacon-gateway/internal/secretbox"
	"github.com/2389/beacon-gateway/internal/session"
	"github.com/2389/beacon-gateway/internal/store"
	"github.com/2389/beacon-gateway/internal/webhook"
)

const banner = `
  _                                              _           _
 | |__   ___  __ _  ___ ___  _ __         __ _  __| |_ __ ___ (_)_ __
 | '_ \ / _ \/ _' |/ __/ _ \| '_ \ _____ / _' |/ _' | '_ ' _ \| | '_ \
 | |_) |  __/ (_| | (_| (_) | | | |_____| (_| | (_| | | | | | | | | | |
 |_.__/ \___|\__,_|\___\___/|_| |_|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "user", "users":
		err = withEnv(ctx, func(e *env) error { return cmdUser(ctx, e, args) })
	case "apikey":
		err = withEnv(ctx, func(e *env) error { return cmdAPIKey(ctx, e, args) })
	case "sessions":
		err = withEnv(ctx, func(e *env) error { return cmdSessions(ctx, e, args) })
	case "audit":
		err = withEnv(ctx, func(e *env) error { return cmdAudit(ctx, e, args) })
	case "channels":
		err = withEnv(ctx, func(e *env) error { return cmdChannels(ctx, e, args) })
	case "keygen":
		err = cmdKeygen(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: beacon-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  user list                              List accounts")
	fmt.Println("  user create --username U [flags]       Create an account (--privileged, --must-rotate)")
	fmt.Println("  user reset-password <username>         Set a new password and revoke sessions")
	fmt.Println("  user privilege <username> on|off       Grant or remove the privileged flag")
	fmt.Println("  apikey issue <username>                Issue (or replace) an account's API key")
	fmt.Println("  apikey revoke <username>               Revoke an account's API key")
	fmt.Println("  sessions list <username>               List an account's sessions")
	fmt.Println("  sessions revoke-all <username>         Log an account out everywhere")
	fmt.Println("  sessions sweep                         Delete expired sessions now")
	fmt.Println("  audit [--action A] [--limit N]         Show recent audit entries")
	fmt.Println("  channels list                          List notification channels")
	fmt.Println("  channels test <name>                   Send a test notification")
	fmt.Println("  keygen [--path P] [--force]            Generate an encryption key file")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  BEACON_CONFIG            Gateway config file (default: ~/.config/beacon/gateway.yaml)")
	fmt.Println()
}

// getConfigPath mirrors beacon-gateway's lookup.
func getConfigPath() string {
	if envPath := os.Getenv("BEACON_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "beacon", "gateway.yaml")
}

// env holds the services a command needs.
type env struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	sessions *session.Registry
	accounts *account.Service
	logger   *slog.Logger
	out      io.Writer
}

// withEnv opens the configured database for the duration of fn.
func withEnv(ctx context.Context, fn func(*env) error) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	e, err := newEnv(cfg, s, os.Stdout)
	if err != nil {
		return err
	}
	return fn(e)
}

func newEnv(cfg *config.Config, s *store.SQLiteStore, out io.Writer) (*env, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tokens, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenLifetime)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}
	sessions := session.NewRegistry(s, session.WithLogger(logger))
	return &env{
		cfg:      cfg,
		store:    s,
		sessions: sessions,
		accounts: account.NewService(s, sessions, tokens, logger),
		logger:   logger,
		out:      out,
	}, nil
}

// cliMeta tags audit entries written by this tool.
var cliMeta = account.RequestMeta{UserAgent: "beacon-admin"}

// describe renders service errors with their caller-safe message.
func describe(err error) error {
	if auth.KindOf(err) != 0 {
		return errors.New(auth.PublicMessage(err))
	}
	return err
}

func (e *env) lookup(ctx context.Context, username string) (*store.Account, error) {
	acct, err := e.store.GetAccountByUsername(ctx, username)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, fmt.Errorf("no account named %q", username)
	}
	return acct, err
}

func requireArg(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: beacon-admin %s", usage)
	}
	return nil
}

func cmdUser(ctx context.Context, e *env, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdUserList(ctx, e)
	case "create", "add":
		return cmdUserCreate(ctx, e, args)
	case "reset-password":
		return cmdUserResetPassword(ctx, e, args)
	case "privilege":
		return cmdUserPrivilege(ctx, e, args)
	default:
		return fmt.Errorf("unknown user subcommand: %s (use list, create, reset-password, privilege)", subcmd)
	}
}

func cmdUserList(ctx context.Context, e *env) error {
	accounts, err := e.accounts.ListAccounts(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Fprintln(e.out)
	cyan.Fprintln(e.out, "  Accounts")
	cyan.Fprintln(e.out, "  --------")

	if len(accounts) == 0 {
		fmt.Fprintln(e.out, "  (no accounts; run beacon-gateway bootstrap)")
		fmt.Fprintln(e.out)
		return nil
	}

	w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  USERNAME\tPRIVILEGED\tAPI KEY\tROTATE\tLAST LOGIN\tCREATED")
	fmt.Fprintln(w, "  --------\t----------\t-------\t------\t----------\t-------")
	for _, a := range accounts {
		key := "-"
		if a.HasAPIKey() {
			key = "…" + a.APIKeySuffix
		}
		last := "never"
		if a.LastAuthenticatedAt != nil {
			last = a.LastAuthenticatedAt.Local().Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(a.Username, 24), yesNo(a.IsPrivileged), key, yesNo(a.MustRotatePassword),
			last, a.CreatedAt.Local().Format("Jan 02 15:04"))
	}
	w.Flush()
	fmt.Fprintln(e.out)
	return nil
}

// userCreateFlags are the parsed flags of "user create".
type userCreateFlags struct {
	username    string
	displayName string
	privileged  bool
	mustRotate  bool
}

func parseUserCreateArgs(args []string) (userCreateFlags, error) {
	var f userCreateFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--username", "-u":
			if i+1 >= len(args) {
				return f, errors.New("--username requires a value")
			}
			f.username = args[i+1]
			i++
		case "--display-name", "-n":
			if i+1 >= len(args) {
				return f, errors.New("--display-name requires a value")
			}
			f.displayName = args[i+1]
			i++
		case "--privileged":
			f.privileged = true
		case "--must-rotate":
			f.mustRotate = true
		default:
			return f, fmt.Errorf("unknown argument: %s", args[i])
		}
	}
	if f.username == "" {
		return f, errors.New("--username is required")
	}
	return f, nil
}

func cmdUserCreate(ctx context.Context, e *env, args []string) error {
	f, err := parseUserCreateArgs(args)
	if err != nil {
		return err
	}
	password, err := readNewPassword("Password for " + f.username)
	if err != nil {
		return err
	}

	acct, err := e.accounts.CreateAccount(ctx, nil, account.CreateInput{
		Username:           f.username,
		DisplayName:        f.displayName,
		Password:           password,
		Privileged:         f.privileged,
		MustRotatePassword: f.mustRotate,
	}, cliMeta)
	if err != nil {
		return describe(err)
	}

	color.New(color.FgGreen).Fprintf(e.out, "  ✓ Created account %s (%s)\n", acct.Username, acct.ID)
	return nil
}

func cmdUserResetPassword(ctx context.Context, e *env, args []string) error {
	if err := requireArg(args, 1, "user reset-password <username>"); err != nil {
		return err
	}
	acct, err := e.lookup(ctx, args[0])
	if err != nil {
		return err
	}
	password, err := readNewPassword("New password for " + acct.Username)
	if err != nil {
		return err
	}
	if err := e.accounts.ResetPassword(ctx, acct.ID, password); err != nil {
		return describe(err)
	}
	color.New(color.FgGreen).Fprintf(e.out, "  ✓ Password reset for %s; sessions revoked, rotation required at next login\n", acct.Username)
	return nil
}

func cmdUserPrivilege(ctx context.Context, e *env, args []string) error {
	if err := requireArg(args, 2, "user privilege <username> on|off"); err != nil {
		return err
	}
	var privileged bool
	switch args[1] {
	case "on", "true", "yes":
		privileged = true
	case "off", "false", "no":
	default:
		return fmt.Errorf("expected on or off, got %q", args[1])
	}

	acct, err := e.lookup(ctx, args[0])
	if err != nil {
		return err
	}
	if err := e.accounts.SetPrivileged(ctx, nil, acct.ID, privileged, cliMeta); err != nil {
		return describe(err)
	}
	color.New(color.FgGreen).Fprintf(e.out, "  ✓ %s privileged: %s\n", acct.Username, yesNo(privileged))
	return nil
}

func cmdAPIKey(ctx context.Context, e *env, args []string) error {
	if err := requireArg(args, 2, "apikey issue|revoke <username>"); err != nil {
		return err
	}
	acct, err := e.lookup(ctx, args[1])
	if err != nil {
		return err
	}

	switch args[0] {
	case "issue", "create":
		key, err := e.accounts.IssueAPIKey(ctx, nil, acct.ID, cliMeta)
		if err != nil {
			return describe(err)
		}
		color.New(color.FgGreen).Fprintf(e.out, "  ✓ API key for %s (shown once):\n\n", acct.Username)
		fmt.Fprintf(e.out, "    %s\n\n", key.Plaintext)
		color.New(color.FgYellow).Fprintln(e.out, "  Any previous key for this account no longer works.")
		return nil
	case "revoke", "rm":
		if err := e.accounts.RevokeAPIKey(ctx, nil, acct.ID, cliMeta); err != nil {
			return describe(err)
		}
		color.New(color.FgGreen).Fprintf(e.out, "  ✓ API key revoked for %s\n", acct.Username)
		return nil
	default:
		return fmt.Errorf("unknown apikey subcommand: %s (use issue, revoke)", args[0])
	}
}

func cmdSessions(ctx context.Context, e *env, args []string) error {
	if err := requireArg(args, 1, "sessions list|revoke-all <username> | sessions sweep"); err != nil {
		return err
	}

	if args[0] == "sweep" {
		n, err := e.sessions.Sweep(ctx)
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(e.out, "  ✓ Deleted %d expired session(s)\n", n)
		return nil
	}

	if err := requireArg(args, 2, "sessions "+args[0]+" <username>"); err != nil {
		return err
	}
	acct, err := e.lookup(ctx, args[1])
	if err != nil {
		return err
	}

	switch args[0] {
	case "list", "ls":
		return cmdSessionsList(ctx, e, acct)
	case "revoke-all":
		n, err := e.accounts.RevokeAllSessions(ctx, nil, acct.ID, cliMeta)
		if err != nil {
			return describe(err)
		}
		color.New(color.FgGreen).Fprintf(e.out, "  ✓ Revoked %d session(s) for %s\n", n, acct.Username)
		return nil
	default:
		return fmt.Errorf("unknown sessions subcommand: %s (use list, revoke-all, sweep)", args[0])
	}
}

func cmdSessionsList(ctx context.Context, e *env, acct *store.Account) error {
	sessions, err := e.sessions.List(ctx, acct.ID)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Fprintln(e.out)
	cyan.Fprintf(e.out, "  Sessions for %s\n", acct.Username)
	cyan.Fprintln(e.out, "  ------------")

	if len(sessions) == 0 {
		fmt.Fprintln(e.out, "  (no sessions)")
		fmt.Fprintln(e.out)
		return nil
	}

	now := e.sessions.Now()
	w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TOKEN\tMETHOD\tSTATE\tCLIENT\tISSUED\tEXPIRES")
	fmt.Fprintln(w, "  -----\t------\t-----\t------\t------\t-------")
	for _, s := range sessions {
		state := "active"
		switch {
		case s.Revoked:
			state = color.RedString("revoked")
		case !s.UsableAt(now):
			state = color.HiBlackString("expired")
		}
		client := s.ClientAddr
		if client == "" {
			client = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(s.TokenID, 12), s.AuthMethod, state, client,
			s.IssuedAt.Local().Format("Jan 02 15:04"), s.ExpiresAt.Local().Format("Jan 02 15:04"))
	}
	w.Flush()
	fmt.Fprintln(e.out)
	return nil
}

func cmdAudit(ctx context.Context, e *env, args []string) error {
	f := store.AuditFilter{Limit: 50}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--action", "-a":
			if i+1 >= len(args) {
				return errors.New("--action requires a value")
			}
			action := store.AuditAction(args[i+1])
			f.Action = &action
			i++
		case "--limit", "-n":
			if i+1 >= len(args) {
				return errors.New("--limit requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid --limit %q", args[i+1])
			}
			f.Limit = n
			i++
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	entries, err := e.accounts.ListAudit(ctx, f)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Fprintln(e.out)
	cyan.Fprintln(e.out, "  Audit Log")
	cyan.Fprintln(e.out, "  ---------")

	if len(entries) == 0 {
		fmt.Fprintln(e.out, "  (no entries)")
		fmt.Fprintln(e.out)
		return nil
	}

	w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tACTION\tACTOR\tTARGET\tCLIENT")
	fmt.Fprintln(w, "  ----\t------\t-----\t------\t------")
	for _, entry := range entries {
		client := entry.ClientAddr
		if client == "" {
			client = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s:%s\t%s\n",
			entry.Timestamp.Local().Format("Jan 02 15:04:05"), entry.Action,
			truncate(entry.ActorAccountID, 20), entry.TargetType, truncate(entry.TargetID, 24), client)
	}
	w.Flush()
	fmt.Fprintln(e.out)
	return nil
}

// channelService builds the notification service with the process key.
func (e *env) channelService() (*notify.Service, error) {
	keys, err := secretbox.ResolveKey(e.cfg.Encryption, e.logger)
	if err != nil {
		return nil, fmt.Errorf("resolving encryption key: %w", err)
	}
	cipher, err := secretbox.New(keys, e.logger)
	if err != nil {
		return nil, err
	}
	guard := webhook.NewGuard(e.cfg.Webhooks.AllowHTTP, e.cfg.Webhooks.DNSTimeout, webhook.WithLogger(e.logger))
	return notify.NewService(e.store, cipher, guard, e.logger, notify.WithDispatchTimeout(e.cfg.Webhooks.DispatchTimeout))
}

func cmdChannels(ctx context.Context, e *env, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	channels, err := e.channelService()
	if err != nil {
		return err
	}

	switch subcmd {
	case "list", "ls":
		views, err := channels.List(ctx)
		if err != nil {
			return err
		}
		cyan := color.New(color.FgCyan)
		fmt.Fprintln(e.out)
		cyan.Fprintln(e.out, "  Notification Channels")
		cyan.Fprintln(e.out, "  ---------------------")
		if len(views) == 0 {
			fmt.Fprintln(e.out, "  (no channels)")
			fmt.Fprintln(e.out)
			return nil
		}
		w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tTYPE\tENABLED\tSECRETS\tUPDATED")
		fmt.Fprintln(w, "  ----\t----\t-------\t-------\t-------")
		for _, v := range views {
			set := 0
			for _, configured := range v.Secrets {
				if configured {
					set++
				}
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%d/%d\t%s\n",
				v.Name, v.Type, yesNo(v.Enabled), set, len(v.Secrets), v.UpdatedAt.Local().Format("Jan 02 15:04"))
		}
		w.Flush()
		fmt.Fprintln(e.out)
		return nil

	case "test":
		if err := requireArg(args, 1, "channels test <name>"); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, e.cfg.Webhooks.DispatchTimeout+5*time.Second)
		defer cancel()
		res, err := channels.Test(ctx, nil, args[0])
		if err != nil {
			return describe(err)
		}
		if !res.Delivered {
			return fmt.Errorf("test notification failed: %s", res.Error)
		}
		color.New(color.FgGreen).Fprintf(e.out, "  ✓ Test notification delivered to %s\n", args[0])
		return nil

	default:
		return fmt.Errorf("unknown channels subcommand: %s (use list, test)", subcmd)
	}
}

func cmdKeygen(args []string) error {
	var path string
	var force bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--path", "-p":
			if i+1 >= len(args) {
				return errors.New("--path requires a value")
			}
			path = args[i+1]
			i++
		case "--force":
			force = true
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if path == "" {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config (or pass --path): %w", err)
		}
		path = cfg.Encryption.KeyFile
		if path == "" {
			return errors.New("encryption.key_file is not configured; pass --path")
		}
	}

	if _, err := os.Stat(path); err == nil {
		if !force {
			return fmt.Errorf("%s already exists; replacing it makes stored secrets unreadable (use --force)", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing old key file: %w", err)
		}
	}

	if err := secretbox.GenerateKeyFile(path); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Wrote encryption key: %s\n", path)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

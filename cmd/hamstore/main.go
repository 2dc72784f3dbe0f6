// ABOUTME: CLI entry point for the hamstore persistence layer
// ABOUTME: Database init/status, account and signup management, audit checks

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/hamchat/hamstore/internal/config"
	"github.com/hamchat/hamstore/internal/keys"
	"github.com/hamchat/hamstore/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                         _
| |__   __ _ _ __ ___  ___| |_ ___  _ __ ___
| '_ \ / _' | '_ ' _ \/ __| __/ _ \| '__/ _ \
| | | | (_| | | | | | \__ \ || (_) | | |  __/
|_| |_|\__,_|_| |_| |_|___/\__\___/|_|  \___|
`

func main() {
	// Best-effort: a missing .env file is fine.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("hamstore", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	fs.Usage = printUsage
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	args := fs.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	cmd := args[0]
	args = args[1:]

	switch cmd {
	case "init":
		err = cmdInit(cfg, logger)
	case "status":
		err = cmdStatus(cfg, logger)
	case "user":
		err = cmdUser(cfg, logger, args)
	case "signup":
		err = cmdSignup(cfg, logger, args)
	case "conv":
		err = cmdConv(cfg, logger, args)
	case "file":
		err = cmdFile(cfg, logger, args)
	case "audit":
		err = cmdAudit(cfg, logger, args)
	case "version":
		fmt.Printf("hamstore %s\n", version)
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
	fmt.Println("Usage: hamstore [--config file] <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  init                      Create the database (asks for a mode on first run)")
	fmt.Println("  status                    Show database mode, engine, and counts")
	fmt.Println("  user create               Create an account interactively")
	fmt.Println("  user list                 List accounts")
	fmt.Println("  user role <id> <role>     Change an account's role (user|admin)")
	fmt.Println("  user delete <id>          Delete an account")
	fmt.Println("  signup submit             Queue a signup request interactively")
	fmt.Println("  signup list [status]      List signup requests")
	fmt.Println("  signup approve <id>       Approve a pending request")
	fmt.Println("  signup reject <id>        Reject a pending request")
	fmt.Println("  conv list <user-id>       List a user's conversations")
	fmt.Println("  conv show <conv-id>       Print a conversation's messages")
	fmt.Println("  file put <path>           Store a file in the attachment store")
	fmt.Println("  audit list                Print the audit trail")
	fmt.Println("  audit verify              Verify the audit hash chain")
	fmt.Println("  version                   Print version")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  HAMSTORE_DATA_DIR         Data directory (default: ./data)")
	fmt.Println("  HAMSTORE_DB_MODE          First-run mode: open, secure, or strict")
	fmt.Println("  HAMSTORE_DB_KEY           Database key as hex (overrides the OS keyring)")
	fmt.Println("  HAMSTORE_FIELD_KEY        Field key as hex (overrides the OS keyring)")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// openStore opens the store from config. Used by every subcommand except
// init; the interactive mode prompt only runs for init.
func openStore(cfg *config.Config, logger *slog.Logger, prompt bool) (*store.Store, error) {
	opts := store.Options{
		Keys:         keys.NewManager(cfg.Keyring.Service),
		SettingsPath: cfg.Data.SettingsPath,
		Logger:       logger.With("component", "store"),
	}
	if cfg.Database.Mode != "" {
		opts.Tier = store.Tier(cfg.Database.Mode)
	}
	if prompt {
		opts.Prompt = promptTier
	}
	return store.Open(cfg.Data.Dir, opts)
}

// promptTier asks for a confidentiality mode on first run.
func promptTier() store.Tier {
	yellow := color.New(color.FgYellow)
	yellow.Println("No database found. Choose a confidentiality mode:")
	fmt.Println("  1) open    - plaintext database")
	fmt.Println("  2) secure  - encrypted database file")
	fmt.Println("  3) strict  - encrypted file plus per-field sealing")
	fmt.Print("Mode [1]: ")

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch strings.TrimSpace(line) {
	case "2", "secure":
		return store.TierSecure
	case "3", "strict":
		return store.TierStrict
	}
	return store.TierOpen
}

func cmdInit(cfg *config.Config, logger *slog.Logger) error {
	s, err := openStore(cfg, logger, true)
	if err != nil {
		return err
	}
	defer s.Close()

	color.Green("Database ready (%s mode) in %s\n", s.Tier(), cfg.Data.Dir)
	return nil
}

func cmdStatus(cfg *config.Config, logger *slog.Logger) error {
	s, err := openStore(cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	engine := "plaintext only"
	if store.EngineCapability() == store.CapabilityPlainAndEncrypted {
		engine = "plaintext + encrypted"
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return err
	}
	admins, err := s.CountAdmins(ctx)
	if err != nil {
		return err
	}
	pending, err := s.ListSignups(ctx, "pending")
	if err != nil {
		return err
	}

	fmt.Printf("Mode:            %s\n", s.Tier())
	fmt.Printf("Engines:         %s\n", engine)
	fmt.Printf("Users:           %d (%d admin)\n", len(users), admins)
	fmt.Printf("Pending signups: %d\n", len(pending))
	return nil
}

func cmdUser(cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hamstore user <create|list|role|delete>")
	}
	s, err := openStore(cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	switch args[0] {
	case "create":
		return userCreate(ctx, s)
	case "list":
		return userList(ctx, s)
	case "role":
		if len(args) < 3 {
			return fmt.Errorf("usage: hamstore user role <id> <user|admin>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[1])
		}
		if err := s.SetUserRole(ctx, nil, id, store.Role(args[2])); err != nil {
			return err
		}
		color.Green("Updated role of user %d to %s\n", id, args[2])
		return nil
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: hamstore user delete <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[1])
		}
		if err := s.DeleteUser(ctx, nil, id); err != nil {
			return err
		}
		color.Green("Deleted user %d\n", id)
		return nil
	}
	return fmt.Errorf("unknown user subcommand: %s", args[0])
}

func userCreate(ctx context.Context, s *store.Store) error {
	reader := bufio.NewReader(os.Stdin)
	name := promptLine(reader, "Display name")
	handle := promptLine(reader, "Handle")
	username := promptLine(reader, "Username")
	password := promptLine(reader, "Password")
	role := store.RoleUser
	if strings.EqualFold(promptLine(reader, "Role (user/admin)"), "admin") {
		role = store.RoleAdmin
	}

	id, err := s.CreateUser(ctx, name, handle, username, password, nil, role)
	if err != nil {
		return err
	}
	color.Green("Created user %d (%s)\n", id, username)
	return nil
}

func promptLine(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func userList(ctx context.Context, s *store.Store) error {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tHANDLE\tROLE\tLAST LOGIN")
	for _, u := range users {
		last := "never"
		if u.LastLogin != nil {
			last = u.LastLogin.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", u.ID, u.Username, u.Handle, u.Role, last)
	}
	return w.Flush()
}

func cmdSignup(cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hamstore signup <submit|list|approve|reject>")
	}
	s, err := openStore(cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	switch args[0] {
	case "submit":
		reader := bufio.NewReader(os.Stdin)
		name := promptLine(reader, "Display name")
		handle := promptLine(reader, "Handle")
		username := promptLine(reader, "Username")
		password := promptLine(reader, "Password")
		id, err := s.SubmitSignup(ctx, name, handle, username, password, nil)
		if err != nil {
			return err
		}
		color.Green("Queued signup request %d\n", id)
		return nil
	case "list":
		status := ""
		if len(args) > 1 {
			status = args[1]
		}
		reqs, err := s.ListSignups(ctx, status)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSERNAME\tHANDLE\tSTATUS\tCREATED\tNOTE")
		for _, r := range reqs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Username, r.Handle, r.Status, r.CreatedAt.Format(time.RFC3339), r.Note)
		}
		return w.Flush()
	case "approve", "reject":
		if len(args) < 2 {
			return fmt.Errorf("usage: hamstore signup %s <id> [note]", args[0])
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid signup id %q", args[1])
		}
		note := strings.Join(args[2:], " ")
		if args[0] == "approve" {
			userID, err := s.ApproveSignup(ctx, nil, id, note)
			if err != nil {
				return err
			}
			color.Green("Approved signup %d, created user %d\n", id, userID)
			return nil
		}
		if err := s.RejectSignup(ctx, nil, id, note); err != nil {
			return err
		}
		color.Green("Rejected signup %d\n", id)
		return nil
	}
	return fmt.Errorf("unknown signup subcommand: %s", args[0])
}

func cmdConv(cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: hamstore conv <list|show> <id>")
	}
	s, err := openStore(cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", args[1])
	}

	switch args[0] {
	case "list":
		convs, err := s.ListConversations(ctx, id)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tCREATED")
		for _, c := range convs {
			fmt.Fprintf(w, "%d\t%s\t%s\n", c.ID, c.Title, c.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	case "show":
		msgs, err := s.ListMessages(ctx, id, 0)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.Sender, m.Content)
		}
		return nil
	}
	return fmt.Errorf("unknown conv subcommand: %s", args[0])
}

func cmdFile(cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) < 2 || args[0] != "put" {
		return fmt.Errorf("usage: hamstore file put <path>")
	}
	s, err := openStore(cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()

	path := args[1]
	digest, err := store.HashFile(path)
	if err != nil {
		return err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	meta, err := s.PutFile(context.Background(), digest, mimeType, filepath.Base(path), path)
	if err != nil {
		return err
	}
	color.Green("Stored %s (%s, %d bytes, refs %d)\n", meta.SHA256, meta.Kind, meta.Size, meta.RefCount)
	return nil
}

func cmdAudit(cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hamstore audit <list|verify>")
	}
	s, err := openStore(cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	switch args[0] {
	case "list":
		entries, err := s.ListAuditLog(ctx, 0)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tACTOR\tACTION\tSUBJECT\tDETAILS")
		for _, e := range entries {
			actor := "-"
			if e.ActorID != nil {
				actor = strconv.FormatInt(*e.ActorID, 10)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.ID, e.At.Format(time.RFC3339), actor, e.Action, e.Subject, e.Details)
		}
		return w.Flush()
	case "verify":
		bad, err := s.VerifyAuditChain(ctx)
		if err != nil {
			return err
		}
		if bad != 0 {
			return fmt.Errorf("audit chain broken at entry %d", bad)
		}
		color.Green("Audit chain intact\n")
		return nil
	}
	return fmt.Errorf("unknown audit subcommand: %s", args[0])
}

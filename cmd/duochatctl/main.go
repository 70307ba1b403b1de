package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/config"
	"github.com/duochat/duochat/internal/gateway"
	"github.com/duochat/duochat/internal/session"
	"github.com/duochat/duochat/internal/store"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	serverFlag := flag.String("server", "", "server address (setup only)")
	pushTokenFlag := flag.String("push-token", "", "push notification token (setup only)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "setup":
		if len(args) < 2 || *serverFlag == "" {
			fmt.Fprintln(os.Stderr, "usage: duochatctl --server <address> setup <uid>")
			os.Exit(1)
		}
		cmdSetup(ctx, sessionName, *serverFlag, args[1], *pushTokenFlag)
	case "check-uid":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: duochatctl check-uid <uid>")
			os.Exit(1)
		}
		cmdCheckUID(ctx, args[1])
	case "page":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: duochatctl page <group> <message...>")
			os.Exit(1)
		}
		cmdPage(ctx, sessionName, args[1], strings.Join(args[2:], " "))
	case "lockout":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: duochatctl lockout <report...>")
			os.Exit(1)
		}
		cmdLockout(ctx, sessionName, strings.Join(args[1:], " "))
	case "reset":
		cmdReset(sessionName)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: duochatctl [--session <name>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  setup <uid>              Create credentials and register the account")
	fmt.Fprintln(os.Stderr, "  check-uid <uid>          Check whether a UID is known to the server")
	fmt.Fprintln(os.Stderr, "  page <group> <message>   Send a signed page to a group")
	fmt.Fprintln(os.Stderr, "  lockout <report>         Send a signed lockout report")
	fmt.Fprintln(os.Stderr, "  reset                    Destroy local credentials")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func openStore(sessionName string) *store.DB {
	if err := session.EnsureDir(sessionName); err != nil {
		fatal(err)
	}
	db, err := store.Open(session.DBPath(sessionName))
	if err != nil {
		fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		fatal(err)
	}
	return db
}

func loadConfig() *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		fatal(fmt.Errorf("load config (run setup first): %w", err))
	}
	return cfg
}

func promptPasscode(label string) string {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fatal(fmt.Errorf("read passcode: %w", err))
	}
	return string(raw)
}

func promptNewPasscode(label string) string {
	pc := promptPasscode(label)
	if confirm := promptPasscode(label + " (again)"); confirm != pc {
		fatal(errors.New("passcodes do not match"))
	}
	return pc
}

// unlockKeys resolves a passcode prompt to signing keys. Anything
// short of the full tier is refused; the pseudo passcode cannot sign.
func unlockKeys(db *store.DB) gateway.Keys {
	b, err := auth.LoadBundle(db)
	if err != nil {
		fatal(fmt.Errorf("no credentials for this session (run setup first): %w", err))
	}
	out := auth.ResolveLogin(b, promptPasscode("Passcode"))
	if out.Tier != auth.TierFull {
		fatal(errors.New("passcode not recognized"))
	}
	return gateway.Keys{PublicKey: out.PublicKey, PrivateKey: out.PrivateKey}
}

func cmdSetup(ctx context.Context, sessionName, server, uid, pushToken string) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	if _, err := auth.LoadBundle(db); err == nil {
		fatal(errors.New("this session already has credentials (use reset first)"))
	}

	secure := promptNewPasscode("Secure passcode")
	pseudo := promptNewPasscode("Pseudo passcode")

	bundle, err := auth.CreateBundle(secure, pseudo)
	if err != nil {
		fatal(err)
	}

	gw := gateway.New(server, zap.NewNop())
	err = gw.Register(ctx, gateway.Registration{
		UID:           uid,
		RSAKey:        bundle.PublicKey,
		ExpoPushToken: pushToken,
	})
	if err != nil {
		fatal(err)
	}

	if err := auth.SaveBundle(db, bundle); err != nil {
		fatal(err)
	}
	if err := config.Save(session.ConfigPath(), &config.Config{
		ServerAddress:  server,
		DefaultSession: sessionName,
	}); err != nil {
		fatal(err)
	}

	fmt.Printf("Registered %q with %s.\n", uid, server)
	fmt.Printf("Session %q is ready; start the daemon with duochatd.\n", sessionName)
}

func cmdCheckUID(ctx context.Context, uid string) {
	cfg := loadConfig()
	gw := gateway.New(cfg.ServerAddress, zap.NewNop())
	if err := gw.CheckUID(ctx, uid); err != nil {
		fatal(err)
	}
	fmt.Printf("UID %q is known to the server.\n", uid)
}

func cmdPage(ctx context.Context, sessionName, group, message string) {
	cfg := loadConfig()
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	keys := unlockKeys(db)
	gw := gateway.New(cfg.ServerAddress, zap.NewNop())
	if err := gw.Page(ctx, keys, group, message); err != nil {
		fatal(err)
	}
	fmt.Printf("Paged %q.\n", group)
}

func cmdLockout(ctx context.Context, sessionName, report string) {
	cfg := loadConfig()
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	keys := unlockKeys(db)
	gw := gateway.New(cfg.ServerAddress, zap.NewNop())
	if err := gw.Lockout(ctx, keys, report); err != nil {
		fatal(err)
	}
	fmt.Println("Lockout report sent.")
}

func cmdReset(sessionName string) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	// Destroying credentials requires proving you hold them.
	_ = unlockKeys(db)
	if err := auth.DeleteBundle(db); err != nil {
		fatal(err)
	}
	fmt.Printf("Credentials for session %q destroyed.\n", sessionName)
}

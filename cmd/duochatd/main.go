package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"golang.org/x/term"

	"github.com/duochat/duochat/internal/daemon"
	"github.com/duochat/duochat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	passcode, err := readPasscode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Passcode: passcode}),
	)

	app.Run()
}

// readPasscode reads the passcode without echo, or from the
// environment for non-interactive starts.
func readPasscode() (string, error) {
	if pc := os.Getenv("DUOCHAT_PASSCODE"); pc != "" {
		return pc, nil
	}
	fmt.Fprint(os.Stderr, "Passcode: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passcode: %w", err)
	}
	return string(raw), nil
}

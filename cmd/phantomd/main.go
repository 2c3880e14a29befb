package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pkruglov/phantom/internal/daemon"
	"github.com/pkruglov/phantom/internal/session"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "username to authenticate as")
	registerFlag := flag.Bool("register", false, "create a fresh identity instead of logging in")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *userFlag == "" {
		fmt.Fprintln(os.Stderr, "error: -user is required")
		os.Exit(1)
	}

	password, err := readPassword()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:  profile,
			Username: *userFlag,
			Password: password,
			Register: *registerFlag,
		}),
	)

	app.Run()
}

// readPassword takes the passphrase from PHANTOM_PASSPHRASE, falling back
// to a prompt on stdin.
func readPassword() (string, error) {
	if p := os.Getenv("PHANTOM_PASSPHRASE"); p != "" {
		return p, nil
	}
	fmt.Fprint(os.Stderr, "passphrase: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	p := strings.TrimRight(line, "\r\n")
	if p == "" {
		return "", fmt.Errorf("empty passphrase")
	}
	return p, nil
}

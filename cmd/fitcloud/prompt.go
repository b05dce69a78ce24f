package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/openfit-tools/fitcloud-cli/internal/config"
	interrors "github.com/openfit-tools/fitcloud-cli/internal/errors"
)

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// fillCredentials prompts for whichever of email/password configuration
// did not supply, when attached to a terminal.
func fillCredentials(cfg *config.Settings) error {
	if cfg.Email == "" {
		if !isTerminal() {
			return fmt.Errorf("no email configured: %w", interrors.ErrBadCredentials)
		}
		email, err := promptLine("Email: ")
		if err != nil {
			return err
		}
		cfg.Email = email
	}
	if cfg.Password == "" {
		if !isTerminal() {
			return fmt.Errorf("no password configured: %w", interrors.ErrBadCredentials)
		}
		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		cfg.Password = password
	}
	return nil
}

func promptLine(label string) (string, error) {
	fmt.Print(label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(label string) (string, error) {
	fmt.Print(label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func promptMFACode() (string, error) {
	return promptLine("MFA code: ")
}

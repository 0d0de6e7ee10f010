package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/jasonkneen/claude-coder/pkg/config"
)

// unlockSecrets decrypts the project secrets file when one exists.
func unlockSecrets(secrets *config.SecretStore) error {
	if !secrets.Exists() {
		return nil
	}
	if pw := os.Getenv("CODER_PASSWORD"); pw != "" {
		return secrets.Unlock(pw)
	}
	if !term.IsTerminal(syscall.Stdin) {
		return fmt.Errorf("%s is encrypted and stdin is not a terminal; set CODER_PASSWORD", secrets.Path())
	}
	fmt.Print("Enter the password for the project secrets: ")
	password, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	return secrets.Unlock(string(password))
}

// initSecretsFile collects API keys and writes them encrypted under a new password.
func initSecretsFile(secrets *config.SecretStore) error {
	password, err := promptForPassword()
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	for _, name := range []string{config.EnvAnthropicAPIKey, config.EnvOpenAIAPIKey, config.EnvGoogleAPIKey} {
		fmt.Printf("Enter %s (optional, press Enter to skip): ", name)
		if !scanner.Scan() {
			break
		}
		if value := strings.TrimSpace(scanner.Text()); value != "" {
			secrets.Set(name, value)
		}
	}
	if len(secrets.Names()) == 0 {
		return errors.New("no keys entered")
	}

	if err := secrets.Save(password); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}
	fmt.Printf("✅ Credentials saved to %s (file permissions: 0600)\n", secrets.Path())
	return nil
}

// promptForPassword prompts user for password with confirmation.
func promptForPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("Enter a password for the project secrets: ")
		password1, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if len(password1) == 0 {
			fmt.Println("❌ Password cannot be empty.")
			continue
		}

		fmt.Print("Confirm password: ")
		password2, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if bytes.Equal(password1, password2) {
			return string(password1), nil
		}
		if attempt < maxAttempts {
			fmt.Println("❌ Passwords do not match. Please try again.")
		}
	}
	return "", fmt.Errorf("passwords did not match after %d attempts", maxAttempts)
}

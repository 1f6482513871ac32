package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"bookfetch/pkg/creds"
)

// accountsCmd represents the accounts command
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage account credentials",
	Long: `Manage stored account credentials securely.

Passwords are stored using:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation
  - Environment variables (read-only, for CI)

The config file only declares account emails and quotas; passwords never
live in it.`,
}

// loginCmd represents the accounts login command
var loginCmd = &cobra.Command{
	Use:   "login [email]",
	Short: "Store an account password securely",
	Example: `  # Interactive login
  bookfetch accounts login

  # Login for a specific account
  bookfetch accounts login reader@example.com`,
	Args: cobra.MaximumNArgs(1),
	Run:  runAccountsLogin,
}

// logoutCmd represents the accounts logout command
var logoutCmd = &cobra.Command{
	Use:   "logout <email>",
	Short: "Remove a stored password",
	Args:  cobra.ExactArgs(1),
	Run:   runAccountsLogout,
}

// listAccountsCmd represents the accounts list command
var listAccountsCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with stored credentials",
	Run:   runAccountsList,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(loginCmd)
	accountsCmd.AddCommand(logoutCmd)
	accountsCmd.AddCommand(listAccountsCmd)
}

func runAccountsLogin(cmd *cobra.Command, args []string) {
	manager, err := creds.NewManager()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize credential manager:", err)
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)

	var email string
	if len(args) > 0 {
		email = args[0]
	} else {
		fmt.Print("Account email: ")
		input, err := reader.ReadString('\n')
		if err != nil {
			fmt.Fprintln(os.Stderr, "Failed to read email:", err)
			os.Exit(1)
		}
		email = strings.TrimSpace(input)
	}
	if email == "" {
		fmt.Fprintln(os.Stderr, "Email is required")
		os.Exit(1)
	}

	if existing, _ := manager.Retrieve(email); existing != nil {
		fmt.Printf("Credentials for %s already exist. Update? (y/N): ", email)
		input, _ := reader.ReadString('\n')
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(input)), "y") {
			return
		}
	}

	fmt.Print("Password (hidden): ")
	password, err := readPassword()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to read password:", err)
		os.Exit(1)
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "Password is required")
		os.Exit(1)
	}

	if err := manager.Store(&creds.Credential{
		Email:     email,
		Password:  password,
		UpdatedAt: time.Now(),
	}); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to store credentials:", err)
		os.Exit(1)
	}

	fmt.Printf("Credentials stored for %s\n", email)
	fmt.Println("\nDeclare the account in your config to put it in the pool:")
	fmt.Println("  accounts:")
	fmt.Printf("    - email: %s\n", email)
	fmt.Println("      max_daily_downloads: 10")
}

func runAccountsLogout(cmd *cobra.Command, args []string) {
	manager, err := creds.NewManager()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize credential manager:", err)
		os.Exit(1)
	}

	if err := manager.Delete(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to remove credentials:", err)
		os.Exit(1)
	}
	fmt.Println("Credentials removed for", args[0])
}

func runAccountsList(cmd *cobra.Command, args []string) {
	manager, err := creds.NewManager()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize credential manager:", err)
		os.Exit(1)
	}

	list, err := manager.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to list credentials:", err)
		os.Exit(1)
	}

	if len(list) == 0 {
		fmt.Println("No stored credentials. Use 'bookfetch accounts login' to add one.")
		return
	}

	for _, c := range list {
		fmt.Printf("%-32s password: %s  updated: %s\n",
			c.Email, creds.MaskSecret(c.Password), c.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

// readPassword reads a password from stdin without echoing
func readPassword() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(password)), nil
		}
	}

	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

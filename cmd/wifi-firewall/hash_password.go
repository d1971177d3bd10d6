package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

var errUsage = errors.New("usage: wifi-firewall hash-password [-cost n] [-user name] <password>")

// hashPassword implements the hash-password subcommand. It prints an api
// config block carrying a bcrypt hash for basic auth.
func hashPassword(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cost := fs.Int("cost", 12, "Bcrypt cost parameter")
	username := fs.String("user", "admin", "Username for the admin API")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 || fs.Arg(0) == "" {
		return errUsage
	}

	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(fs.Arg(0)), *cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	block := struct {
		API config.APIConfig `yaml:"api"`
	}{
		API: config.APIConfig{
			Enabled:       true,
			ListenAddress: config.LoadWithDefaults().API.ListenAddress,
			Username:      *username,
			PasswordHash:  string(hash),
		},
	}
	data, err := yaml.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	fmt.Fprintln(out, "# Copy this into your config.yml:")
	_, err = out.Write(data)
	return err
}

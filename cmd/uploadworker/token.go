package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/services"
	"rillcap/pkg/config"
)

// runToken prints a session token for a capture agent or page.
func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	session := fs.String("session", "", `Session id the token is scoped to ("*" for every session)`)
	ttl := fs.Duration("ttl", 0, "Token lifetime (default: auth.token_ttl)")
	configPath := fs.String("config", "", "Path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *session == "" {
		fmt.Fprintln(os.Stderr, "Error: --session is required")
		fs.PrintDefaults()
		return 2
	}

	paths := configPaths
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, _, err := config.LoadFirst(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	token, err := issueToken(cfg.Auth.JWTSecret, lifetime, domain.SessionID(*session))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

func issueToken(secret string, ttl time.Duration, sessionID domain.SessionID) (string, error) {
	return services.NewAuthService(secret, ttl).IssueSessionToken(sessionID)
}

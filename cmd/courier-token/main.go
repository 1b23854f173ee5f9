// Command courier-token reads a user id and a lifetime as JSON from stdin and
// prints a token the relay accepts for that user. The signing secret and
// issuer come from AUTH_SECRET and AUTH_ISSUER, as for courierd.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/courier-chat/courier/internal/config"
	"github.com/courier-chat/courier/internal/envelope"
	"github.com/courier-chat/courier/internal/identity"
)

const defaultTTL = 24 * time.Hour

type input struct {
	UserID envelope.UserID `json:"user_id"`
	TTL    string          `json:"ttl"`
}

type output struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func main() {
	var in input
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode input: %v\n", err)
		os.Exit(1)
	}

	ttl := defaultTTL
	if in.TTL != "" {
		d, err := time.ParseDuration(in.TTL)
		if err != nil || d <= 0 {
			fmt.Fprintf(os.Stderr, "invalid ttl %q\n", in.TTL)
			os.Exit(1)
		}
		ttl = d
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if !cfg.AuthEnabled() {
		fmt.Fprintln(os.Stderr, "AUTH_SECRET is not set")
		os.Exit(1)
	}

	token, err := identity.NewTokens([]byte(cfg.AuthSecret), cfg.AuthIssuer).Issue(in.UserID, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}

	out := output{Token: token, ExpiresAt: time.Now().Add(ttl).UTC().Truncate(time.Second)}
	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		os.Exit(1)
	}
}

// SPDX-License-Identifier: MIT

// Command transcribe-server runs the remote transcription daemon and
// provides an operator CLI for managing its token store.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/voxgate/transcribe-server/internal/config"
	"github.com/voxgate/transcribe-server/internal/engine"
	xglog "github.com/voxgate/transcribe-server/internal/log"
	"github.com/voxgate/transcribe-server/internal/server"
	"github.com/voxgate/transcribe-server/internal/tokenstore"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "tokens":
		os.Exit(runTokens(os.Args[2:]))
	case "-version", "--version", "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: transcribe-server <serve|tokens> [flags]\n")
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	fs.Parse(args) //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		return 1
	}

	xglog.Configure(xglog.Config{Level: cfg.Log.Level, Service: "transcribe-server", Version: version})
	logger := xglog.WithComponent("main")

	deps, err := server.BuildDeps(cfg, engine.NewNullBackend())
	if err != nil {
		logger.Fatal().Err(err).Msg("could not build server dependencies")
	}

	srv := server.New(cfg, deps)
	ctx := server.WaitForShutdown()

	fmt.Printf("🎙️  transcribe-server %s starting on %s\n", version, cfg.Network.Addr())
	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
		return 1
	}
	fmt.Println("👋 transcribe-server stopped")
	return 0
}

func runTokens(args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: transcribe-server tokens <list|create|revoke> [flags]\n")
		return 1
	}

	storePathFlag := flag.String("store", "data/tokens.json", "path to the token store file")

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("tokens list", flag.ExitOnError)
		store := fs.String("store", *storePathFlag, "path to the token store file")
		fs.Parse(args[1:]) //nolint:errcheck
		return tokensList(*store)

	case "create":
		fs := flag.NewFlagSet("tokens create", flag.ExitOnError)
		store := fs.String("store", *storePathFlag, "path to the token store file")
		clientName := fs.String("client", "", "client name for the new token")
		admin := fs.Bool("admin", false, "mint an admin token")
		expiryDays := fs.Int("expiry-days", tokenstore.DefaultExpiryDays, "token lifetime in days (0 = no expiry, admin tokens never expire)")
		fs.Parse(args[1:]) //nolint:errcheck
		return tokensCreate(*store, *clientName, *admin, *expiryDays)

	case "revoke":
		fs := flag.NewFlagSet("tokens revoke", flag.ExitOnError)
		store := fs.String("store", *storePathFlag, "path to the token store file")
		id := fs.String("id", "", "token ID to revoke")
		fs.Parse(args[1:]) //nolint:errcheck
		return tokensRevoke(*store, *id)

	default:
		fmt.Fprintf(os.Stderr, "unknown tokens subcommand: %s\n", args[0])
		return 1
	}
}

func tokensList(storePath string) int {
	store, err := tokenstore.Open(storePath, xglog.WithComponent("tokenstore"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open token store: %v\n", err)
		return 1
	}

	toks, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: list tokens: %v\n", err)
		return 1
	}

	if len(toks) == 0 {
		fmt.Println("no tokens in store")
		return 0
	}

	for _, t := range toks {
		status := "active"
		if t.Revoked {
			status = "revoked"
		} else if t.IsExpired() {
			status = "expired"
		}
		role := "user"
		if t.Admin {
			role = "admin"
		}
		fmt.Printf("%s  %-10s %-6s %-20s created=%s\n", t.ID, role, status, t.ClientName, t.CreatedAt.Format("2006-01-02"))
	}
	return 0
}

func tokensCreate(storePath, clientName string, admin bool, expiryDays int) int {
	if clientName == "" {
		fmt.Fprintln(os.Stderr, "Error: -client is required")
		return 1
	}

	store, err := tokenstore.Open(storePath, xglog.WithComponent("tokenstore"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open token store: %v\n", err)
		return 1
	}

	stored, plaintext, err := store.Generate(clientName, admin, expiryDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: create token: %v\n", err)
		return 1
	}

	fmt.Printf("✅ Token created for %q\n", stored.ClientName)
	fmt.Printf("   🆔 ID: %s\n", stored.ID)
	fmt.Printf("   🔑 Token (shown once): %s\n", plaintext)
	if stored.Admin {
		fmt.Println("   👑 Admin: yes")
	}
	return 0
}

func tokensRevoke(storePath, id string) int {
	if id == "" {
		fmt.Fprintln(os.Stderr, "Error: -id is required")
		return 1
	}

	store, err := tokenstore.Open(storePath, xglog.WithComponent("tokenstore"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open token store: %v\n", err)
		return 1
	}

	found, err := store.RevokeByID(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: revoke token: %v\n", err)
		return 1
	}
	if !found {
		fmt.Fprintf(os.Stderr, "Error: no token with ID %q\n", id)
		return 1
	}

	fmt.Printf("🗑️  Token %s revoked\n", id)
	return 0
}

// Command token mints a bearer token for local testing.
//
// Usage:
//
//	go run ./cmd/token -user 1
//	go run ./cmd/token -user 99 -admin -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/config"
	"github.com/mbd888/marketledger/internal/logging"
)

func main() {
	userID := flag.Int64("user", 0, "user id to embed in the token")
	admin := flag.Bool("admin", false, "grant the admin claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	logger := logging.New("info", "text")

	if *userID <= 0 {
		logger.Error("-user must be a positive id")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.IsProduction() {
		logger.Error("refusing to mint tokens in production")
		os.Exit(1)
	}

	tok, err := auth.NewManager(cfg.JWTSecret).WithTTL(*ttl).Issue(*userID, *admin)
	if err != nil {
		logger.Error("failed to issue token", "error", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

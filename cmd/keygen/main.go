package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/ksred/plugin-migrate/internal/api"
	"github.com/ksred/plugin-migrate/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		token      = flag.Bool("token", false, "Issue an admin JWT signed with jwt.secret instead of an API key")
		subject    = flag.String("subject", "cli", "Token subject")
		ttl        = flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	)
	flag.Parse()

	_ = godotenv.Load()

	if !*token {
		fmt.Println("Generating admin API key...")

		key, hash, err := api.GenerateAPIKey()
		if err != nil {
			log.Fatalf("Failed to generate API key: %v", err)
		}

		fmt.Println("\nAPI key (send as X-API-Key):")
		fmt.Println(key)
		fmt.Println("\nAdd the hash to your .env file or environment variables as:")
		fmt.Printf("PLUGIN_MIGRATE_HTTP_API_KEY_HASH='%s'\n", hash)
		fmt.Println("\nIMPORTANT: Only the hash is stored. The key cannot be recovered if lost.")
		return
	}

	cfg := config.LoadConfigOrDefault(*configPath)
	if cfg.JWT.Secret == "" {
		log.Fatal("jwt.secret is not configured (set JWT_SECRET)")
	}

	signed, expires, err := api.IssueToken([]byte(cfg.JWT.Secret), *subject, *ttl)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}

	fmt.Println(signed)
	fmt.Printf("\nExpires at %s\n", expires.Format(time.RFC3339))
}

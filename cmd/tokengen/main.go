// Command tokengen registers an identity in the directory and prints a signed
// bearer token for it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/fenggwsx/roomcast/internal/auth"
	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/storage"
	"github.com/fenggwsx/roomcast/internal/storage/sqlite"
)

func main() {
	provider := flag.String("provider", "local", "identity provider name")
	externalID := flag.String("external-id", "", "identifier assigned by the provider")
	name := flag.String("name", "", "display name shown in the room")
	flag.Parse()

	if *externalID == "" || *name == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*provider, *externalID, *name); err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}
}

func run(provider, externalID, name string) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("ROOMCAST_JWT_SECRET is required to sign tokens")
	}
	ctx := context.Background()

	store, err := sqlite.NewStore(cfg.Database())
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate identity store: %w", err)
	}

	subject, err := store.FindOrCreateSubject(ctx, storage.ExternalIdentity{
		Provider:    provider,
		ExternalID:  externalID,
		DisplayName: name,
	})
	if err != nil {
		return fmt.Errorf("register subject: %w", err)
	}

	token, err := auth.NewToken(cfg.JWT(), subject.ID, subject.DisplayName)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

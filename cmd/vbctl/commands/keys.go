package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coralnet/visionbackend/internal/apikey"
	"github.com/coralnet/visionbackend/internal/store"
	"github.com/coralnet/visionbackend/pkg/models"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

// KeysCreateAction creates an API key for a user and prints the raw key,
// which is not shown again.
func KeysCreateAction(ctx context.Context, cmd *cli.Command) error {
	a, err := openApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()

	username := cmd.String("username")
	user, err := a.Store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		user = &models.User{ID: uuid.New(), Username: username, CreatedAt: time.Now().UTC()}
		if err := a.Store.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		fmt.Fprintf(out(cmd), "Created user %s\n", username)
	} else if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	raw, key, err := apikey.New(user.ID, cmd.String("name"), cmd.StringSlice("scope"))
	if err != nil {
		return err
	}
	if err := a.Store.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("user %s already has a key named %q", username, key.Name)
		}
		return fmt.Errorf("create api key: %w", err)
	}

	w := out(cmd)
	fmt.Fprintf(w, "Key %s (%s) with scopes %s\n", key.ID, key.Name, strings.Join(key.Scopes, ","))
	fmt.Fprintln(w, raw)
	return nil
}

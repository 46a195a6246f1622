package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/internal/api/middleware"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "rp_"

// generateKey returns a raw API key and its bcrypt hash.
func generateKey() (raw, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("read random bytes: %w", err)
	}
	raw = keyPrefix + hex.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash key: %w", err)
	}
	return raw, string(h), nil
}

func keysCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var (
		user string
		name string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(user)
			if err != nil {
				return fmt.Errorf("invalid --user %q: %w", user, err)
			}
			raw, hash, err := generateKey()
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			key := &models.APIKey{
				ID:        uuid.New(),
				UserID:    userID,
				Name:      name,
				KeyHash:   hash,
				KeyPrefix: raw[:middleware.KeyPrefixLen],
				CreatedAt: now,
				UpdatedAt: now,
			}
			return withBackends(cmd, open, func(b *backends) error {
				if err := b.store.CreateAPIKey(cmd.Context(), key); err != nil {
					return fmt.Errorf("failed to store key: %w", err)
				}
				printf(cmd.OutOrStdout(), "Key %s created for user %s.\n", key.ID, userID)
				printf(cmd.OutOrStdout(), "%s\n", raw)
				printf(cmd.ErrOrStderr(), "Store this key now; it cannot be shown again.\n")
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&user, "user", "", "Owning user ID")
	createCmd.Flags().StringVar(&name, "name", "default", "Label for the key")
	_ = createCmd.MarkFlagRequired("user")

	cmd.AddCommand(createCmd)
	return cmd
}

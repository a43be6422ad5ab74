package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiln-ci/kiln/pkg/auth"
	"github.com/kiln-ci/kiln/pkg/config"
	"github.com/kiln-ci/kiln/pkg/storage"
	"github.com/kiln-ci/kiln/pkg/types"
)

// Admin commands open the bolt database directly, so they must run on the
// server host while the server is stopped or against a copy. Keeping user
// management off the HTTP API means a leaked API key can never mint more
// keys.

var validate = validator.New()

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage users and API keys (server host only)",
}

var adminUserCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var adminKeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage API keys",
}

func init() {
	adminCmd.PersistentFlags().String("db", "", "path to the kiln database (defaults to the server's db_path)")

	adminUserCmd.AddCommand(adminUserCreateCmd)
	adminUserCmd.AddCommand(adminUserListCmd)
	adminUserCmd.AddCommand(adminUserDeactivateCmd)
	adminCmd.AddCommand(adminUserCmd)

	adminKeyCreateCmd.Flags().String("user", "", "user ID that owns the key")
	adminKeyCreateCmd.Flags().String("name", "", "label for the key")
	adminKeyCreateCmd.MarkFlagRequired("user")
	adminKeyListCmd.Flags().String("user", "", "only show keys for this user ID")
	adminKeyCmd.AddCommand(adminKeyCreateCmd)
	adminKeyCmd.AddCommand(adminKeyListCmd)
	adminKeyCmd.AddCommand(adminKeyRevokeCmd)
	adminCmd.AddCommand(adminKeyCmd)

	adminUserCreateCmd.Flags().String("name", "", "display name")
	adminUserCreateCmd.Flags().String("email", "", "email address (unique)")
	adminUserCreateCmd.MarkFlagRequired("name")
	adminUserCreateCmd.MarkFlagRequired("email")
}

func openAdminStore(cmd *cobra.Command) (storage.Store, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		cfg, err := config.LoadServer("")
		if err != nil {
			return nil, err
		}
		dbPath = cfg.DBPath
	}
	return storage.NewBoltStore(dbPath)
}

var adminUserCreateCmd = &cobra.Command{
	Use:   "create --name NAME --email EMAIL",
	Short: "Create a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")

		if err := validate.Var(email, "required,email"); err != nil {
			return fmt.Errorf("invalid email address: %s", email)
		}

		store, err := openAdminStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		user := &types.User{
			ID:        uuid.New().String(),
			Name:      name,
			Email:     email,
			CreatedAt: time.Now().UTC(),
			IsActive:  true,
		}
		if err := store.CreateUser(user); err != nil {
			return fmt.Errorf("failed to create user: %v", err)
		}

		fmt.Printf("✓ User created\n")
		fmt.Printf("  ID:    %s\n", user.ID)
		fmt.Printf("  Name:  %s\n", user.Name)
		fmt.Printf("  Email: %s\n", user.Email)
		return nil
	},
}

var adminUserListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openAdminStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		users, err := store.ListUsers()
		if err != nil {
			return fmt.Errorf("failed to list users: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tEMAIL\tACTIVE\tCREATED")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
				u.ID, u.Name, u.Email, u.IsActive, u.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var adminUserDeactivateCmd = &cobra.Command{
	Use:   "deactivate USER_ID",
	Short: "Deactivate a user, blocking all of their API keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openAdminStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetUserActive(args[0], false); err != nil {
			return fmt.Errorf("failed to deactivate user: %v", err)
		}
		fmt.Printf("✓ User %s deactivated\n", args[0])
		return nil
	},
}

var adminKeyCreateCmd = &cobra.Command{
	Use:   "create --user USER_ID [--name NAME]",
	Short: "Create an API key",
	Long: `Create an API key for a user.

The plaintext key is printed exactly once; only its hash is stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")

		store, err := openAdminStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		plaintext, err := auth.GenerateAPIKey()
		if err != nil {
			return fmt.Errorf("failed to generate key: %v", err)
		}

		key := &types.APIKey{
			ID:        uuid.New().String(),
			UserID:    userID,
			Name:      name,
			KeyHash:   auth.HashAPIKey(plaintext),
			CreatedAt: time.Now().UTC(),
			IsActive:  true,
		}
		if err := store.CreateAPIKey(key); err != nil {
			return fmt.Errorf("failed to create key: %v", err)
		}

		fmt.Printf("✓ API key created\n")
		fmt.Printf("  Key ID: %s\n", key.ID)
		fmt.Printf("  Key:    %s\n", plaintext)
		fmt.Println()
		fmt.Println("Store this key now; it cannot be shown again.")
		return nil
	},
}

var adminKeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		store, err := openAdminStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		keys, err := store.ListAPIKeys(userID)
		if err != nil {
			return fmt.Errorf("failed to list keys: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tNAME\tACTIVE\tLAST USED")
		for _, k := range keys {
			lastUsed := "never"
			if k.LastUsedAt != nil {
				lastUsed = k.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", k.ID, k.UserID, k.Name, k.IsActive, lastUsed)
		}
		return w.Flush()
	},
}

var adminKeyRevokeCmd = &cobra.Command{
	Use:   "revoke KEY_ID",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openAdminStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RevokeAPIKey(args[0]); err != nil {
			return fmt.Errorf("failed to revoke key: %v", err)
		}
		fmt.Printf("✓ Key %s revoked\n", args[0])
		return nil
	},
}

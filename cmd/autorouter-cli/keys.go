package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/autorouter/autorouter/internal/cryptoutil"
	"github.com/autorouter/autorouter/internal/keystore"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Create, list, revoke, and reveal API keys",
}

var (
	keyCreateName      string
	keyCreateUpstreams string
	keyCreateTTL       time.Duration
)

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new API key, printing its plaintext exactly once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyCreateName == "" {
			return fmt.Errorf("--name is required")
		}
		db, dialect, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		encryptor, err := cryptoutil.NewFromEnv("ENCRYPTION_KEY")
		if err != nil {
			return fmt.Errorf("build encryptor: %w", err)
		}
		store, err := keystore.New(db, dialect, encryptor, allowReveal())
		if err != nil {
			return fmt.Errorf("build key store: %w", err)
		}

		var upstreamIDs []string
		if keyCreateUpstreams != "" {
			upstreamIDs = strings.Split(keyCreateUpstreams, ",")
		}
		var expiresAt *time.Time
		if keyCreateTTL > 0 {
			t := time.Now().Add(keyCreateTTL)
			expiresAt = &t
		}

		plaintext, key, err := store.Create(context.Background(), keyCreateName, upstreamIDs, expiresAt)
		if err != nil {
			return fmt.Errorf("create key: %w", err)
		}

		fmt.Printf("id:         %s\n", key.ID)
		fmt.Printf("name:       %s\n", key.Name)
		fmt.Printf("bound:      %s\n", strings.Join(key.BoundUpstreams, ", "))
		fmt.Printf("plaintext:  %s\n", plaintext)
		fmt.Println("store this value now; it will not be shown again unless ALLOW_KEY_REVEAL is enabled")
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, dialect, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		store, err := keystore.New(db, dialect, nil, false)
		if err != nil {
			return fmt.Errorf("build key store: %w", err)
		}
		keys, err := store.List(context.Background())
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tACTIVE\tBOUND_UPSTREAMS\tEXPIRES_AT")
		for _, k := range keys {
			expires := "-"
			if k.ExpiresAt != nil {
				expires = k.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", k.ID, k.Name, k.Prefix, k.IsActive, strings.Join(k.BoundUpstreams, ","), expires)
		}
		return tw.Flush()
	},
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Deactivate a key so it is rejected on every subsequent request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirm(fmt.Sprintf("revoke key %s?", args[0])) {
			fmt.Println("aborted")
			return nil
		}
		db, dialect, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		store, err := keystore.New(db, dialect, nil, false)
		if err != nil {
			return fmt.Errorf("build key store: %w", err)
		}
		if err := store.Revoke(context.Background(), args[0]); err != nil {
			return fmt.Errorf("revoke key: %w", err)
		}
		fmt.Printf("key %s revoked\n", args[0])
		return nil
	},
}

var keyRevealCmd = &cobra.Command{
	Use:   "reveal <key-id>",
	Short: "Print a stored key's plaintext (requires ALLOW_KEY_REVEAL)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, dialect, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		encryptor, err := cryptoutil.NewFromEnv("ENCRYPTION_KEY")
		if err != nil {
			return fmt.Errorf("build encryptor: %w", err)
		}
		store, err := keystore.New(db, dialect, encryptor, allowReveal())
		if err != nil {
			return fmt.Errorf("build key store: %w", err)
		}
		plaintext, err := store.Reveal(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("reveal key: %w", err)
		}
		fmt.Println(plaintext)
		return nil
	},
}

func allowReveal() bool {
	return strings.EqualFold(os.Getenv("ALLOW_KEY_REVEAL"), "true")
}

func init() {
	keyCreateCmd.Flags().StringVar(&keyCreateName, "name", "", "human-readable label for the key")
	keyCreateCmd.Flags().StringVar(&keyCreateUpstreams, "upstreams", "", "comma-separated upstream IDs this key is bound to")
	keyCreateCmd.Flags().DurationVar(&keyCreateTTL, "ttl", 0, "key lifetime, e.g. 720h (default: no expiry)")

	keysCmd.AddCommand(keyCreateCmd, keyListCmd, keyRevokeCmd, keyRevealCmd)
	rootCmd.AddCommand(keysCmd)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/codesense/central/internal/adminauth"
	"github.com/codesense/central/internal/config"
	"github.com/codesense/central/internal/keystore"
	"github.com/codesense/central/internal/licenseconfig"
	"github.com/codesense/central/internal/licensestore"
	"github.com/codesense/central/internal/models"
	"github.com/codesense/central/internal/repository"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "centralctl",
		Short:   "Operator tooling for the license-attestation central service",
		Version: Version,
	}

	rootCmd.AddCommand(genkeysCmd())
	rootCmd.AddCommand(hashTokenCmd())
	rootCmd.AddCommand(licenseCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func genkeysCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "genkeys",
		Short: "Generate the root Ed25519 keypair used to sign tokens and license configs",
		Long: `Generate the root Ed25519 keypair.

Writes two PEM files under --output:
  central_root_sk.pem  Keep this secret! Used to sign provisioning/assertion
                       tokens and exported license configs.
  central_root_pk.pem  Safe to distribute; embedded in license configs so
                       clients can verify signatures offline.

Refuses to run if a private key already exists at --output, to avoid
silently invalidating every token and local binding signed with the
previous key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := keystore.GenerateRootKeypair(outputDir); err != nil {
				return err
			}
			fmt.Printf("Root keypair generated in %s\n", outputDir)
			fmt.Println("Set CENTRAL_KEYS_DIR to this directory when starting the API.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "./keys", "Output directory for the keypair")

	return cmd
}

func hashTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-token <operator-token>",
		Short: "Bcrypt-hash an operator credential for OPERATOR_TOKEN_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := adminauth.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Println("OPERATOR_TOKEN_HASH=" + hash)
			return nil
		},
	}

	return cmd
}

// openLicenseStore connects to Postgres using the same DATABASE_URL the API
// server reads, without a Redis cache: a one-shot CLI invocation gets no
// benefit from a cache it only reads from once.
func openLicenseStore() (*licensestore.Store, *repository.PostgresDB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := repository.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	return licensestore.New(db, nil), db, nil
}

func licenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Manage License records directly against the central database",
	}

	cmd.AddCommand(licenseCreateCmd())
	cmd.AddCommand(licenseListCmd())
	cmd.AddCommand(licenseRevokeCmd())
	cmd.AddCommand(licenseExportConfigCmd())

	return cmd
}

func licenseCreateCmd() *cobra.Command {
	var clientName, contactEmail, expiry string
	var scans, users int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new License",
		RunE: func(cmd *cobra.Command, args []string) error {
			expiryAt, err := time.Parse(time.RFC3339, expiry)
			if err != nil {
				return fmt.Errorf("parse --expiry (expected RFC3339, e.g. 2027-01-01T00:00:00Z): %w", err)
			}

			licenses, db, err := openLicenseStore()
			if err != nil {
				return err
			}
			defer db.Close()

			lic, err := licenses.Create(context.Background(),
				models.Client{Name: clientName, ContactEmail: contactEmail},
				models.Limits{Scans: scans, Users: users},
				expiryAt,
			)
			if err != nil {
				return err
			}

			fmt.Printf("Created license %s for %s\n", lic.ID, lic.Client.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientName, "client-name", "", "Client name (required)")
	cmd.Flags().StringVar(&contactEmail, "contact-email", "", "Client contact email")
	cmd.Flags().StringVar(&expiry, "expiry", "", "Expiry timestamp, RFC3339 (required)")
	cmd.Flags().IntVar(&scans, "scans", 0, "Scan quota (required, positive)")
	cmd.Flags().IntVar(&users, "users", 0, "User quota (required, positive)")
	cmd.MarkFlagRequired("client-name")
	cmd.MarkFlagRequired("expiry")
	cmd.MarkFlagRequired("scans")
	cmd.MarkFlagRequired("users")

	return cmd
}

func licenseListCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List Licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			licenses, db, err := openLicenseStore()
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := licenses.List(context.Background(), limit, offset)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCLIENT\tSTATUS\tUSAGE\tLIMITS\tEXPIRY")
			for _, lic := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d scans, %d/%d users\t%d scans, %d users\t%s\n",
					lic.ID, lic.Client.Name, lic.Status,
					lic.Usage.Scans, lic.Limits.Scans, lic.Usage.Users, lic.Limits.Users,
					lic.Limits.Scans, lic.Limits.Users, lic.Expiry.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Max rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")

	return cmd
}

func licenseRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <license-id>",
		Short: "Revoke a License",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse license id: %w", err)
			}

			licenses, db, err := openLicenseStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := licenses.SetStatus(context.Background(), id, models.StatusRevoked); err != nil {
				return err
			}

			fmt.Printf("Revoked license %s\n", id)
			return nil
		},
	}

	return cmd
}

func licenseExportConfigCmd() *cobra.Command {
	var keysDir string

	cmd := &cobra.Command{
		Use:   "export-config <license-id>",
		Short: "Print the signed license-config bundle for a License",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse license id: %w", err)
			}

			licenses, db, err := openLicenseStore()
			if err != nil {
				return err
			}
			defer db.Close()

			lic, err := licenses.Get(context.Background(), id)
			if err != nil {
				return err
			}

			keys, err := keystore.Load(keysDir)
			if err != nil {
				return fmt.Errorf("load root keypair from %s: %w", keysDir, err)
			}

			bundle, err := licenseconfig.Build(keys, lic, time.Now().UTC())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(bundle)
		},
	}

	cmd.Flags().StringVar(&keysDir, "keys", "./keys", "Root keypair directory (CENTRAL_KEYS_DIR)")

	return cmd
}

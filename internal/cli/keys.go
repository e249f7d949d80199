package cli

import (
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/trust"
)

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dir  string
		bits int
	)
	cmd := &cobra.Command{
		Use:   "keygen <identity>",
		Short: "Generate an RSA key pair for an identity",
		Long: `Generate an RSA key pair and write <identity>_private.pem (PKCS8,
mode 0600) and <identity>_public.pem (SubjectPublicKeyInfo) into --dir.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := trust.GenerateKeyPair(args[0], bits)
			if err != nil {
				return err
			}
			priv, pub := trust.KeyPaths(dir, kp.Identity)
			if err := kp.Save(priv, pub); err != nil {
				return err
			}
			out := map[string]string{"identity": kp.Identity, "private_key": priv, "public_key": pub}
			return emit(rootOpts, cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "private key: %s\npublic key:  %s\n", priv, pub)
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", common.DefaultKeysDir, "directory for the PEM files")
	cmd.Flags().IntVar(&bits, "bits", common.DefaultKeyBits, "RSA modulus size")
	return cmd
}

// NewSignCommand creates the sign command.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	var dir, key string
	cmd := &cobra.Command{
		Use:   "sign <identity> <payload.json|->",
		Short: "Sign a payload and print the signed record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := loadSigner(args[0], dir, key)
			if err != nil {
				return err
			}
			var payload trust.Payload
			if err := readJSONInput(cmd, args[1], &payload); err != nil {
				return err
			}
			rec, err := trust.SignRecord(kp, payload)
			if err != nil {
				return err
			}
			// A signed record is only useful as JSON, whatever the format.
			return emit(&RootOptions{Format: "json"}, cmd.OutOrStdout(), rec, nil)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", common.DefaultKeysDir, "directory holding <identity>_private.pem")
	cmd.Flags().StringVar(&key, "key", "", "explicit private key path")
	return cmd
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var pub string
	cmd := &cobra.Command{
		Use:   "verify <record.json|->",
		Short: "Check a signed record against a public key or the trusted registry",
		Long: `Check a signed record. With --pub the record's identity is trusted
with that key only; otherwise the configured trusted keys are used.
Exits non-zero when the record is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec trust.SignedRecord
			if err := readJSONInput(cmd, args[0], &rec); err != nil {
				return err
			}

			var registry *trust.Registry
			if pub != "" {
				key, err := trust.LoadPublicKey(pub)
				if err != nil {
					return err
				}
				registry = trust.NewRegistry(map[string]*rsa.PublicKey{rec.Identity: key})
			} else {
				s, err := loadSettings()
				if err != nil {
					return err
				}
				if registry, err = trust.LoadRegistry(s.TrustedKeys); err != nil {
					return err
				}
			}

			res, err := trust.NewGate(registry).VerifyRecord(rec)
			if err != nil {
				return err
			}
			if err := emit(rootOpts, cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s (%s)\n", res.Identity, res.State, res.Source)
			}); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("record from %q rejected", res.Identity)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pub, "pub", "", "public key PEM to verify against")
	return cmd
}

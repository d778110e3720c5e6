// Command securesession-keygen generates a hybrid signing identity and
// writes its private and public halves to disk, and can register the
// public half directly in a Postgres-backed identity registry.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/securesession/securesession/internal/config"
	"github.com/securesession/securesession/pkg/registry"
	"github.com/securesession/securesession/shared/container"
	"github.com/securesession/securesession/shared/cryptofacade"
)

var rootCmd = &cobra.Command{
	Use:   "securesession-keygen",
	Short: "Generate and register Secure Session signing identities",
}

var (
	outDir     string
	peerID     string
	configPath string
	register   bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new hybrid (ECDSA P-256 + ML-DSA-87) signing identity",
	Example: `  securesession-keygen generate --peer-id node-a --out ./keys
  securesession-keygen generate --peer-id node-a --out ./keys --register --config demo.yaml`,
	RunE: runGenerate,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVar(&peerID, "peer-id", "", "peer id this identity belongs to (required)")
	generateCmd.Flags().StringVar(&outDir, "out", ".", "directory to write <peer-id>.key and <peer-id>.pub into")
	generateCmd.Flags().BoolVar(&register, "register", false, "also register the public key in the identity registry")
	generateCmd.Flags().StringVar(&configPath, "config", "", "config file (required with --register)")
	generateCmd.MarkFlagRequired("peer-id")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "securesession-keygen: %v\n", err)
		os.Exit(1)
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	sk, err := cryptofacade.GenerateSigningKey()
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	privBytes, err := sk.Marshal()
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	rawPub, err := sk.Public().Marshal()
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	// Registered and distributed in framed form, matching what
	// Session.Init self-frames and what Transport.GetPublicKeyForID is
	// expected to return.
	framedPub := container.Make(container.TagECPub, rawPub)

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	privPath := fmt.Sprintf("%s/%s.key", outDir, peerID)
	pubPath := fmt.Sprintf("%s/%s.pub", outDir, peerID)

	if err := os.WriteFile(privPath, privBytes, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, framedPub, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	fmt.Printf("wrote %s and %s for peer %q\n", privPath, pubPath, peerID)

	if !register {
		return nil
	}
	if configPath == "" {
		return fmt.Errorf("--register requires --config")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg, err := registry.Open(registry.Config{
		Host:     cfg.Registry.Host,
		Port:     cfg.Registry.Port,
		User:     cfg.Registry.User,
		Password: cfg.Registry.Password,
		DBName:   cfg.Registry.DBName,
		SSLMode:  cfg.Registry.SSLMode,
	})
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	if err := reg.Register(peerID, framedPub); err != nil {
		return fmt.Errorf("register public key: %w", err)
	}
	fmt.Printf("registered %q in identity registry\n", peerID)
	return nil
}

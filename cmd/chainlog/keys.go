package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ctrlai/chainlog/internal/config"
	"github.com/ctrlai/chainlog/internal/encryption"
	"github.com/ctrlai/chainlog/internal/server"
)

// ============================================================================
// chainlog keygen
// ============================================================================

var (
	keygenKind string
	keygenOut  string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a key",
	Long: `Generate a key and write it with owner-only permissions. Existing
files are never overwritten.

Kinds:
  encryption  32-byte master key for encryption.keyFile (default: master.key)
  hmac        32-byte key for chain.hmacKeyFile (default: chain.key)
  jwt         RSA key pair for API tokens: jwt.pem (private, for 'chainlog
              token') and jwt.pub (public, for auth.publicKeyFile)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o700); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		switch keygenKind {
		case "encryption", "hmac":
			out := keygenOut
			if out == "" {
				out = map[string]string{"encryption": "master.key", "hmac": "chain.key"}[keygenKind]
			}
			if !filepath.IsAbs(out) {
				out = filepath.Join(configDir, out)
			}
			key, err := encryption.GenerateKey()
			if err != nil {
				return err
			}
			if err := encryption.WriteKeyFile(out, key); err != nil {
				return err
			}
			fmt.Printf("[chainlog] Wrote %s key to %s\n", keygenKind, out)
			fmt.Println("Keep a copy somewhere safe: records cannot be read or verified without it.")
			return nil
		case "jwt":
			return writeJWTKeyPair()
		default:
			return fmt.Errorf("unknown key kind %q (use encryption, hmac or jwt)", keygenKind)
		}
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenKind, "kind", "encryption", "Key kind: encryption, hmac, jwt")
	keygenCmd.Flags().StringVarP(&keygenOut, "output", "o", "", "Output path (relative to the config directory)")
}

func writeJWTKeyPair() error {
	priv, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return fmt.Errorf("generating RSA key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}

	privPath := filepath.Join(configDir, "jwt.pem")
	pubPath := filepath.Join(configDir, "jwt.pub")
	if err := writeExclusive(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600); err != nil {
		return err
	}
	if err := writeExclusive(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644); err != nil {
		return err
	}
	fmt.Printf("[chainlog] Wrote %s and %s\n", privPath, pubPath)
	fmt.Println("Set auth.publicKeyFile: jwt.pub in config.yaml to require tokens.")
	return nil
}

func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// ============================================================================
// chainlog token
// ============================================================================

var (
	tokenSubject string
	tokenRoles   []string
	tokenTTL     time.Duration
	tokenKey     string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the API",
	Long: `Sign an RS256 token with the private key from 'chainlog keygen --kind jwt'.

Example:
  chainlog token --sub ops --role audit-admin --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := tokenKey
		if !filepath.IsAbs(path) {
			path = filepath.Join(configDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading private key: %w", err)
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(data)
		if err != nil {
			return fmt.Errorf("parsing private key %s: %w", path, err)
		}

		now := time.Now()
		claims := server.Claims{
			Roles: tokenRoles,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   tokenSubject,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			},
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
		if err != nil {
			return fmt.Errorf("signing token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "Token subject, recorded as the actor (required)")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "Roles to grant (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVar(&tokenKey, "key", "jwt.pem", "Private key path (relative to the config directory)")
	tokenCmd.MarkFlagRequired("sub")
}

// ============================================================================
// chainlog config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or create the configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
}

// configShowCmd prints the effective configuration: file values merged
// over defaults, with paths resolved.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := os.Stat(configPath()); os.IsNotExist(err) {
			fmt.Printf("# %s does not exist; showing defaults. Run 'chainlog config generate' to create it.\n", configPath())
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[chainlog] Wrote %s\n", path)
		return nil
	},
}

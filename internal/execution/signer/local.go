package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gagliardetto/solana-go"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
)

const (
	EnvKeypair     = "AUTOREPAY_WALLET_KEYPAIR"
	EnvKeypairFile = "AUTOREPAY_WALLET_KEYPAIR_FILE"

	KeySourceAuto = "auto"
	KeySourceEnv  = "env"
	KeySourceFile = "file"

	defaultKeypairRelativePath = "solana/id.json"
)

type LocalSigner struct {
	key solana.PrivateKey
	pub solana.PublicKey
}

func (s *LocalSigner) PublicKey() solana.PublicKey {
	return s.pub
}

// SignTransaction adds the wallet's signature. It fails when the
// transaction needs any other signer.
func (s *LocalSigner) SignTransaction(tx *solana.Transaction) error {
	if s == nil || len(s.key) == 0 {
		return errors.New("local signer is not initialized")
	}
	if tx == nil {
		return errors.New("missing transaction")
	}
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

func NewLocalSignerFromEnv(source string) (*LocalSigner, error) {
	return NewLocalSignerFromInputs(source, "")
}

// NewLocalSignerFromInputs loads the wallet keypair. The environment value
// is either a JSON byte array, as written by solana-keygen, or a base58
// string. The file defaults to the solana CLI keypair location.
func NewLocalSignerFromInputs(source, keypairOverride string) (*LocalSigner, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = KeySourceAuto
	}
	raw := strings.TrimSpace(os.Getenv(EnvKeypair))
	file := strings.TrimSpace(os.Getenv(EnvKeypairFile))
	if file == "" {
		file = discoverDefaultKeypairFile()
	}

	switch source {
	case KeySourceAuto:
	case KeySourceEnv:
		file = ""
	case KeySourceFile:
		raw = ""
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported key source %q (expected %s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile))
	}
	if strings.TrimSpace(keypairOverride) != "" {
		raw = strings.TrimSpace(keypairOverride)
		file = ""
	}

	var (
		key solana.PrivateKey
		err error
	)
	switch {
	case raw != "":
		key, err = ParseKeypair(raw)
	case file != "":
		var buf []byte
		if buf, err = os.ReadFile(file); err != nil {
			return nil, clierr.Wrap(clierr.CodeSigner, "read keypair file", err)
		}
		key, err = ParseKeypair(string(buf))
	default:
		return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("missing wallet keypair: set %s or %s", EnvKeypair, EnvKeypairFile))
	}
	if err != nil {
		return nil, err
	}
	return &LocalSigner{key: key, pub: key.PublicKey()}, nil
}

// ParseKeypair decodes a 64-byte ed25519 keypair and checks that its public
// half matches the seed.
func ParseKeypair(raw string) (solana.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, clierr.New(clierr.CodeSigner, "empty wallet keypair")
	}
	var b []byte
	if strings.HasPrefix(raw, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(raw), &ints); err != nil {
			return nil, clierr.Wrap(clierr.CodeSigner, "parse keypair byte array", err)
		}
		b = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("keypair byte %d out of range", i))
			}
			b[i] = byte(v)
		}
	} else {
		key, err := solana.PrivateKeyFromBase58(raw)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeSigner, "parse base58 keypair", err)
		}
		b = key
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("wallet keypair must be %d bytes, got %d", ed25519.PrivateKeySize, len(b)))
	}
	derived := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], b[ed25519.SeedSize:]) {
		return nil, clierr.New(clierr.CodeSigner, "wallet keypair public key does not match its seed")
	}
	return solana.PrivateKey(b), nil
}

func discoverDefaultKeypairFile() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, defaultKeypairRelativePath)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}

package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	clierr "github.com/launchguard/launchguard/internal/errors"
)

const (
	EnvPrivateKey           = "LAUNCHGUARD_PRIVATE_KEY"
	EnvPrivateKeyFile       = "LAUNCHGUARD_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "LAUNCHGUARD_KEYSTORE_PATH"
	EnvKeystorePassword     = "LAUNCHGUARD_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "LAUNCHGUARD_KEYSTORE_PASSWORD_FILE"
	// EnvAllowInsecureKeyFile accepts key files readable by group or others.
	EnvAllowInsecureKeyFile = "LAUNCHGUARD_ALLOW_INSECURE_KEY_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultKeyRelativePath = "launchguard/key.hex"
	defaultKeyHintPath     = "~/.config/launchguard/key.hex"
)

// LocalSigner holds the agent wallet key in memory.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

// SignTx signs for chainID and refuses transactions built for another chain.
func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, clierr.New(clierr.CodeSigner, "local signer is not initialized")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeSigner, "chain id is required to sign")
	}
	if tx.Type() != types.LegacyTxType && tx.ChainId().Cmp(chainID) != 0 {
		return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("transaction chain id %s does not match signing chain %s", tx.ChainId(), chainID))
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	return signed, nil
}

type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
	AllowInsecureFile    bool
}

// Load resolves the wallet key for source from the environment. The auto
// source tries, in order: raw hex, key file (including the default path),
// then keystore.
func Load(source string) (*LocalSigner, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = KeySourceAuto
	}
	env := configFromEnv()
	var cfg LocalSignerConfig
	switch source {
	case KeySourceAuto:
		cfg = env
	case KeySourceEnv:
		cfg = LocalSignerConfig{PrivateKeyHex: env.PrivateKeyHex}
	case KeySourceFile:
		cfg = LocalSignerConfig{PrivateKeyFile: env.PrivateKeyFile, AllowInsecureFile: env.AllowInsecureFile}
	case KeySourceKeystore:
		cfg = env
		cfg.PrivateKeyHex, cfg.PrivateKeyFile = "", ""
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported key source %q (expected %s|%s|%s|%s)",
			source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore))
	}
	return NewLocalSigner(cfg)
}

func configFromEnv() LocalSignerConfig {
	cfg := LocalSignerConfig{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvAllowInsecureKeyFile))) {
	case "1", "true", "yes":
		cfg.AllowInsecureFile = true
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = discoverDefaultKeyFile()
	}
	return cfg
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	pk, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, clierr.New(clierr.CodeSigner, "invalid ECDSA public key")
	}
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(*pub)}, nil
}

func loadPrivateKey(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	switch {
	case strings.TrimSpace(cfg.PrivateKeyHex) != "":
		return parseHexKey(cfg.PrivateKeyHex)
	case strings.TrimSpace(cfg.PrivateKeyFile) != "":
		return readKeyFile(cfg.PrivateKeyFile, cfg.AllowInsecureFile)
	case strings.TrimSpace(cfg.KeystorePath) != "":
		return readKeystore(cfg)
	}
	return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("missing signing key: write it to %s or set %s, %s or %s",
		defaultKeyHintPath, EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath))
}

func readKeyFile(path string, allowInsecure bool) (*ecdsa.PrivateKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "read private key file", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 && !allowInsecure {
		return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("private key file %s has mode %04o; restrict it to the owner (chmod 600) or set %s",
			path, perm, EnvAllowInsecureKeyFile))
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "read private key file", err)
	}
	return parseHexKey(string(buf))
}

func readKeystore(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	password := cfg.KeystorePassword
	if strings.TrimSpace(password) == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
		buf, err := os.ReadFile(cfg.KeystorePasswordFile)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeSigner, "read keystore password file", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if strings.TrimSpace(password) == "" {
		return nil, clierr.New(clierr.CodeSigner, "keystore password is required")
	}
	buf, err := os.ReadFile(cfg.KeystorePath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "read keystore file", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "decrypt keystore", err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, clierr.New(clierr.CodeSigner, "empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		// The parse error never echoes key material.
		return nil, clierr.New(clierr.CodeSigner, "private key is not a 32-byte hex string")
	}
	return pk, nil
}

func defaultKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultKeyRelativePath)
}

func discoverDefaultKeyFile() string {
	path := defaultKeyPath()
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}

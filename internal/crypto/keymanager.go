// Package crypto provides secp256k1 signing and recovery for workflow
// reports and API requests, and password-protected key files for the relay
// and operator keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyFileVersion = 2
	kdfIterations  = 480_000
	kdfSaltLen     = 16
)

// keyFile is the on-disk form of an encrypted ledger key. The address is
// authenticated as GCM additional data, so a file whose address was edited
// fails to open instead of yielding a key for someone else.
type keyFile struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	Salt       hexBytes       `json:"salt"`
	Nonce      hexBytes       `json:"nonce"`
	Ciphertext hexBytes       `json:"ciphertext"`
}

type hexBytes []byte

func (h hexBytes) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(h)), nil }

func (h *hexBytes) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	*h = raw
	return nil
}

// KeyConfig says where LoadKey finds a private key. RawPrivateKey wins over
// EncryptedKeyPath.
type KeyConfig struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

func keyCipher(password string, salt []byte) (cipher.AEAD, error) {
	if password == "" {
		return nil, errors.New("crypto: empty key password")
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, kdfIterations, 32, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// sealKey encrypts a secp256k1 key for its address.
func sealKey(privateKeyHex, password string) (keyFile, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return keyFile{}, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	kf := keyFile{
		Version: keyFileVersion,
		Address: ethcrypto.PubkeyToAddress(pk.PublicKey),
		Salt:    make([]byte, kdfSaltLen),
	}
	if _, err := rand.Read(kf.Salt); err != nil {
		return keyFile{}, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := keyCipher(password, kf.Salt)
	if err != nil {
		return keyFile{}, err
	}
	kf.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(kf.Nonce); err != nil {
		return keyFile{}, fmt.Errorf("crypto: nonce: %w", err)
	}
	kf.Ciphertext = aead.Seal(nil, kf.Nonce, ethcrypto.FromECDSA(pk), kf.Address.Bytes())
	return kf, nil
}

// openKey decrypts kf and checks the key belongs to the recorded address.
func openKey(kf keyFile, password string) (string, error) {
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}
	aead, err := keyCipher(password, kf.Salt)
	if err != nil {
		return "", err
	}
	if len(kf.Nonce) != aead.NonceSize() {
		return "", errors.New("crypto: key file nonce has wrong length")
	}
	raw, err := aead.Open(nil, kf.Nonce, kf.Ciphertext, kf.Address.Bytes())
	if err != nil {
		return "", errors.New("crypto: cannot open key file (wrong password or altered file)")
	}
	pk, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return "", fmt.Errorf("crypto: key file holds an invalid key: %w", err)
	}
	if got := ethcrypto.PubkeyToAddress(pk.PublicKey); got != kf.Address {
		return "", fmt.Errorf("crypto: key file is for %s but holds the key of %s", kf.Address.Hex(), got.Hex())
	}
	return hex.EncodeToString(raw), nil
}

// LoadKey returns the hex private key named by cfg, decrypting the key file
// when no raw key is given.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		k := strings.TrimPrefix(cfg.RawPrivateKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: raw private key is not hex: %w", err)
		}
		return k, nil
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w", err)
		}
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return "", fmt.Errorf("crypto: parse key file %s: %w", cfg.EncryptedKeyPath, err)
		}
		return openKey(kf, cfg.KeyPassword)
	default:
		return "", errors.New("crypto: no private key configured")
	}
}

// LoadSigner resolves a key with LoadKey and wraps it in a Signer.
func LoadSigner(cfg KeyConfig) (*Signer, error) {
	key, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewSigner(key)
}

// WriteEncryptedKey seals privateKeyHex under password and writes the key
// file to path, readable by the owner only.
func WriteEncryptedKey(path, privateKeyHex, password string) error {
	kf, err := sealKey(privateKeyHex, password)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("crypto: write key file: %w", err)
	}
	return nil
}

// Package crypto manages the operator wallet key used for on-chain
// settlement, signs its transactions, and signs outgoing webhook payloads.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
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
	kdfName        = "pbkdf2-sha256"
	kdfIterations  = 480_000
	saltLen        = 16
)

// keyFile is the on-disk form of an encrypted operator key. The address is
// authenticated as GCM additional data, so it cannot be swapped without
// failing decryption. Byte fields are base64 in JSON.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	KDF        kdf    `json:"kdf"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type kdf struct {
	Name       string `json:"name"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
}

func (k kdf) aead(password string) (cipher.AEAD, error) {
	if k.Name != kdfName || k.Iterations <= 0 || len(k.Salt) == 0 {
		return nil, fmt.Errorf("crypto: unsupported kdf %q", k.Name)
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), k.Salt, k.Iterations, 32, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// KeyConfig tells LoadKey where the operator key lives. It is filled from
// the [wallet] config section.
type KeyConfig struct {
	// RawPrivateKey is a hex key, with or without 0x. It wins when set.
	RawPrivateKey string
	// EncryptedKeyPath points to a file produced by EncryptKey.
	EncryptedKeyPath string
	KeyPassword      string
	// ExpectedAddress, when set, must match the loaded key's address.
	ExpectedAddress string
}

func parseKey(keyHex string) (*ecdsa.PrivateKey, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return pk, nil
}

// EncryptKey seals a hex private key under password and returns the key
// file contents.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	pk, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	f := keyFile{
		Version: keyFileVersion,
		Address: ethcrypto.PubkeyToAddress(pk.PublicKey).Hex(),
		KDF:     kdf{Name: kdfName, Iterations: kdfIterations, Salt: make([]byte, saltLen)},
	}
	if _, err := rand.Read(f.KDF.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := f.KDF.aead(password)
	if err != nil {
		return nil, err
	}
	f.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(f.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	f.Ciphertext = gcm.Seal(nil, f.Nonce, ethcrypto.FromECDSA(pk), []byte(f.Address))

	return json.MarshalIndent(f, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey and returns the private
// key as hex without 0x.
func DecryptKey(data []byte, password string) (string, error) {
	pk, err := openKeyFile(data, password)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(pk)), nil
}

func openKeyFile(data []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("crypto: parse key file: %w", err)
	}
	if f.Version != keyFileVersion {
		return nil, fmt.Errorf("crypto: unsupported key file version %d", f.Version)
	}
	gcm, err := f.KDF.aead(password)
	if err != nil {
		return nil, err
	}
	if len(f.Nonce) != gcm.NonceSize() {
		return nil, errors.New("crypto: key file nonce has wrong length")
	}
	plain, err := gcm.Open(nil, f.Nonce, f.Ciphertext, []byte(f.Address))
	if err != nil {
		return nil, errors.New("crypto: cannot decrypt key file (wrong password or tampered file)")
	}
	pk, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	if got := ethcrypto.PubkeyToAddress(pk.PublicKey).Hex(); got != f.Address {
		return nil, fmt.Errorf("crypto: key file address %s does not match key %s", f.Address, got)
	}
	return pk, nil
}

// LoadKey resolves the operator key from cfg: the raw key if set, else the
// encrypted key file.
func LoadKey(cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	var (
		pk  *ecdsa.PrivateKey
		err error
	)
	switch {
	case cfg.RawPrivateKey != "":
		pk, err = parseKey(cfg.RawPrivateKey)
	case cfg.EncryptedKeyPath != "":
		var data []byte
		if data, err = os.ReadFile(cfg.EncryptedKeyPath); err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		pk, err = openKeyFile(data, cfg.KeyPassword)
	default:
		return nil, errors.New("crypto: no operator key configured (set wallet.private_key or wallet.encrypted_key_path)")
	}
	if err != nil {
		return nil, err
	}

	if cfg.ExpectedAddress != "" {
		if !common.IsHexAddress(cfg.ExpectedAddress) {
			return nil, fmt.Errorf("crypto: invalid expected address %q", cfg.ExpectedAddress)
		}
		want := common.HexToAddress(cfg.ExpectedAddress)
		if got := ethcrypto.PubkeyToAddress(pk.PublicKey); got != want {
			return nil, fmt.Errorf("crypto: operator key is %s, expected %s", got.Hex(), want.Hex())
		}
	}
	return pk, nil
}

package identity

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// GenerateMnemonic returns a fresh 24-word BIP-39 mnemonic. `marketd init`
// does not call it; cmd/marketd/keygen.go has its own generator.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("identity: generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// DeriveAdminKeys derives the owner and treasury secp256k1 keypairs from a
// single mnemonic and passphrase, using HKDF to split the BIP-39 seed into
// two independent key-material streams (role "owner", role "treasury") so
// neither key can be recovered from the other.
func DeriveAdminKeys(mnemonic, passphrase string) (owner, treasury *btcec.PrivateKey, err error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, nil, fmt.Errorf("identity: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	owner, err = deriveKey(seed, "owner")
	if err != nil {
		return nil, nil, err
	}
	treasury, err = deriveKey(seed, "treasury")
	if err != nil {
		return nil, nil, err
	}
	return owner, treasury, nil
}

func deriveKey(seed []byte, role string) (*btcec.PrivateKey, error) {
	kdf := hkdf.New(sha256.New, seed, nil, []byte("marble-market/"+role))
	raw := make([]byte, 32)
	if _, err := io.ReadFull(kdf, raw); err != nil {
		return nil, fmt.Errorf("identity: derive %s key: %w", role, err)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

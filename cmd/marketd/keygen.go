package main

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// genesisKeypairs are the owner and treasury admin keys derived from a
// single BIP-39 mnemonic at `marketd init` time, replacing the NEAR
// contract's reliance on an externally-held full-access key for owner
// and treasury accounts. Derivation follows the teacher wallet's
// m/purpose'/account' convention: owner at index 0, treasury at index 1,
// both hardened, under a marketplace-specific purpose constant.
const (
	adminKeyPurpose = 0xffee
	ownerKeyIndex   = 0
	treasuryKeyIndex = 1
)

// generateMnemonic creates a new 24-word BIP-39 mnemonic for a fresh
// genesis, grounded on the teacher wallet's GenerateMnemonic.
func generateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// deriveAdminKeypairs derives the owner and treasury secp256k1 keypairs
// from mnemonic, returning their compressed public keys hex-encoded for
// config.Init and the raw private keys for the operator to archive
// offline (never persisted by marketd itself).
func deriveAdminKeypairs(mnemonic, passphrase string) (ownerPriv, treasuryPriv *btcec.PrivateKey, err error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, nil, fmt.Errorf("derive master key: %w", err)
	}

	purposeKey, err := master.Derive(hdkeychain.HardenedKeyStart + adminKeyPurpose)
	if err != nil {
		return nil, nil, fmt.Errorf("derive purpose key: %w", err)
	}

	ownerKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + ownerKeyIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("derive owner key: %w", err)
	}
	ownerPriv, err = ownerKey.ECPrivKey()
	if err != nil {
		return nil, nil, fmt.Errorf("owner ECPrivKey: %w", err)
	}

	treasuryKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + treasuryKeyIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("derive treasury key: %w", err)
	}
	treasuryPriv, err = treasuryKey.ECPrivKey()
	if err != nil {
		return nil, nil, fmt.Errorf("treasury ECPrivKey: %w", err)
	}

	return ownerPriv, treasuryPriv, nil
}

func compressedPubHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

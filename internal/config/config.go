// Package config provides centralized configuration for the marble market
// core. ALL marketplace parameters (constants, approved token sets, admin
// identity) MUST be defined or loaded here. No hardcoded values should
// exist elsewhere in the codebase.
package config

import (
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Protocol constants
// =============================================================================

// NativeToken is the sentinel payment-token account id meaning the chain's
// native coin rather than a registered fungible token.
const NativeToken = "near"

// MaxBasisPoints is the exclusive upper bound for any fee fraction.
const MaxBasisPoints uint16 = 10_000

// FiveMinutesNs is the anti-sniping window and the extension a bid
// inside it adds to the end time, in nanoseconds.
const FiveMinutesNs int64 = 5 * 60 * 1_000_000_000

// BidStepBasisPoints is the minimum required raise over the current top
// bid, expressed in ten-thousandths (500 == 5%).
const BidStepBasisPoints uint64 = 500

// MaxBidsPerListing bounds the number of simultaneously held bids; the
// oldest bid is evicted (refunded) once this is reached.
const MaxBidsPerListing = 100

// MaxPayoutEntries bounds the number of receivers an NFT payout may name.
const MaxPayoutEntries = 10

// PayoutTolerance is the maximum amount by which payout entries may sum to
// less than the settlement price and still be treated as well-formed.
const PayoutTolerance = 100

// StorageAddMarketData is the storage credit, in smallest native units,
// consumed by one listing/offer/trade-intent owned by an account.
var StorageAddMarketData = mustBig("8590000000000000000000")

// MaxPrice is the exclusive upper bound for any stored price, bid, or
// update, in smallest units of the payment token.
var MaxPrice = mustBig("1000000000000000000000000000000000") // 10^9 * 10^24

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("config: invalid constant literal " + s)
	}
	return v
}

// =============================================================================
// Genesis / init configuration
// =============================================================================

// Init holds the parameters a marketplace core is bootstrapped with,
// mirroring the NEAR contract's `new(owner, treasury, approved_ft,
// approved_nft, marble_nft, initial_fee_bps)` constructor.
type Init struct {
	Owner    string `yaml:"owner"`
	Treasury string `yaml:"treasury"`

	// ContractAccountID is this marketplace's own chain account — the
	// escrow custodian a two-NFT barter moves both legs through before
	// the final swap (spec.md §4.8.3). On the original NEAR contract
	// this was simply env::current_account_id(); Go's settlement engine
	// needs it named explicitly since it is not itself a chain account.
	ContractAccountID string `yaml:"contract_account_id"`

	ApprovedFTTokenIDs  []string `yaml:"approved_ft_token_ids"`
	ApprovedNFTContracts []string `yaml:"approved_nft_contract_ids"`
	MarbleNFTContracts   []string `yaml:"marble_nft_contract_ids"`

	InitialFeeBasisPoints uint16 `yaml:"initial_fee_bps"`

	// OwnerPubKeyHex / TreasuryPubKeyHex are compressed secp256k1 public
	// keys (hex) identity.AdminKey/FeeQuorum verify owner and treasury
	// admin signatures against, replacing the NEAR contract's "1
	// yoctoNEAR attached deposit" full-access-key proof.
	OwnerPubKeyHex    string `yaml:"owner_pubkey_hex"`
	TreasuryPubKeyHex string `yaml:"treasury_pubkey_hex"`

	// ContractApprovalKeysHex maps an NFT or FT contract account id to
	// the Ed25519 public key (hex) identity.ApprovalKey verifies that
	// contract's nft_on_approve/ft_on_transfer callback envelopes with.
	ContractApprovalKeysHex map[string]string `yaml:"contract_approval_keys_hex"`

	// FeeQuorumDeltaBasisPoints is the SPEC_FULL addition: a fee change
	// whose absolute delta from the current fee exceeds this threshold
	// requires a MuSig2 owner+treasury co-signature instead of the
	// owner's signature alone.
	FeeQuorumDeltaBasisPoints uint16 `yaml:"fee_quorum_delta_bps"`

	// ERC20BridgePrefixes lists FT account-id prefixes of bridged ERC-20
	// tokens. It is only loaded from the config file: settlement does not
	// read it and routes no payout through extcall.ERC20Bridge.
	ERC20BridgePrefixes []string `yaml:"erc20_bridge_prefixes"`

	// GatewayURL is the JSON-RPC endpoint fronting the NFT/FT contracts
	// that internal/extcall.JSONRPCGateway calls out to for payouts and
	// transfers.
	GatewayURL string `yaml:"gateway_url"`

	Storage  StorageConfig  `yaml:"storage"`
	RPC      RPCConfig      `yaml:"rpc"`
	Gossip   GossipConfig   `yaml:"gossip"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig configures the SQLite-backed persistence layer.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// RPCConfig configures the JSON-RPC server.
type RPCConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// GossipConfig configures the libp2p marketplace-event gossip node.
type GossipConfig struct {
	ListenAddrs  []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	Enabled      bool     `yaml:"enabled"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultInit returns sensible defaults for local development.
func DefaultInit() *Init {
	return &Init{
		InitialFeeBasisPoints:     500,
		FeeQuorumDeltaBasisPoints: 1000,
		Storage:                   StorageConfig{DataDir: "~/.marketd"},
		RPC:                       RPCConfig{ListenAddr: "127.0.0.1:7654"},
		Gossip:                    GossipConfig{Enabled: true, ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"}},
		Logging:                   LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML genesis/init file from path, applying DefaultInit for
// any field the file leaves zero-valued.
func Load(path string) (*Init, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultInit()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.Owner == "" {
		return nil, fmt.Errorf("config: owner is required")
	}
	if cfg.Treasury == "" {
		return nil, fmt.Errorf("config: treasury is required")
	}
	if cfg.InitialFeeBasisPoints >= MaxBasisPoints {
		return nil, fmt.Errorf("config: initial_fee_bps must be < %d", MaxBasisPoints)
	}

	return cfg, nil
}

// Save writes cfg to path as YAML, used by `marketd init`.
func Save(path string, cfg *Init) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

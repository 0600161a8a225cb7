package chain

import (
	"crypto/ecdsa"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keyring resolves the custodial key of a wallet.
type Keyring interface {
	Key(wallet common.Address) (*ecdsa.PrivateKey, bool)
}

// StaticKeyring holds keys loaded once from configuration.
type StaticKeyring struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewStaticKeyring parses hex private keys. The error names the position of
// a bad key, never its content.
func NewStaticKeyring(hexKeys []string) (*StaticKeyring, error) {
	k := &StaticKeyring{keys: make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys))}
	for i, raw := range hexKeys {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if raw == "" {
			continue
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("wallet key #%d is not a valid secp256k1 key", i)
		}
		k.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return k, nil
}

// Key returns the key for wallet.
func (k *StaticKeyring) Key(wallet common.Address) (*ecdsa.PrivateKey, bool) {
	key, ok := k.keys[wallet]
	return key, ok
}

// Addresses lists the wallets the keyring can sign for, sorted.
func (k *StaticKeyring) Addresses() []common.Address {
	out := make([]common.Address, 0, len(k.keys))
	for a := range k.keys {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b common.Address) int { return a.Cmp(b) })
	return out
}

func (k *StaticKeyring) String() string {
	return fmt.Sprintf("chain.StaticKeyring(%d wallets)", len(k.keys))
}

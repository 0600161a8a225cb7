// Package authz issues EIP-712 claim authorizations. The signer is
// stateless: the caller supplies the nonce, nothing is persisted and the
// same request always yields the same signature.
package authz

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/okian/rewards/internal/domain/apperr"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Signature is a secp256k1 signature in the form the contract takes.
// V is 27 or 28.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// Bytes returns r ‖ s ‖ v.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, 65)
	out = append(out, s.R[:]...)
	out = append(out, s.S[:]...)
	return append(out, s.V)
}

// Signer holds the authorization key. The zero or nil Signer answers every
// call with a Misconfiguration error.
type Signer struct {
	domain  Domain
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a hex private key and binds it to domain.
func NewSigner(domain Domain, hexKey string) (*Signer, error) {
	const op = "authz.NewSigner"
	if err := checkDomain(op, domain); err != nil {
		return nil, err
	}
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, apperr.New(apperr.KindMisconfiguration, op, "signing key is not configured")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// the parse error can echo key material
		return nil, apperr.New(apperr.KindMisconfiguration, op, "signing key is not a valid secp256k1 key")
	}
	return &Signer{
		domain: Domain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainID:           new(big.Int).Set(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func checkDomain(op string, d Domain) error {
	switch {
	case d.Name == "":
		return apperr.New(apperr.KindMisconfiguration, op, "domain name is not configured")
	case d.ChainID == nil || d.ChainID.Sign() <= 0:
		return apperr.New(apperr.KindMisconfiguration, op, "chain id is not configured")
	case d.VerifyingContract == (common.Address{}):
		return apperr.New(apperr.KindMisconfiguration, op, "verifying contract is not configured")
	}
	return nil
}

// Issue signs req. Malformed requests are InvalidArgument; a signer without
// a key is Misconfiguration. No partial result is ever returned.
func (s *Signer) Issue(_ context.Context, req Request) (Signature, error) {
	const op = "authz.Issue"
	if s == nil || s.key == nil {
		return Signature{}, apperr.New(apperr.KindMisconfiguration, op, "signer is not configured")
	}
	if err := ValidateRequest(req); err != nil {
		return Signature{}, err
	}

	digest := Digest(s.domain, req)
	raw, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return Signature{}, apperr.Wrap(apperr.KindUnknown, op, err)
	}
	var sig Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64] + 27
	return sig, nil
}

// ValidateRequest checks the numeric ranges of a request.
func ValidateRequest(req Request) error {
	const op = "authz.ValidateRequest"
	switch {
	case req.User == (common.Address{}):
		return apperr.New(apperr.KindInvalidArgument, op, "user address is required")
	case req.Amount == nil || req.Amount.Sign() <= 0:
		return apperr.New(apperr.KindInvalidArgument, op, "amount must be positive")
	case req.Nonce == nil || req.Nonce.Sign() < 0:
		return apperr.New(apperr.KindInvalidArgument, op, "nonce must not be negative")
	case req.Deadline == nil || req.Deadline.Sign() < 0:
		return apperr.New(apperr.KindInvalidArgument, op, "deadline must not be negative")
	}
	for name, v := range map[string]*big.Int{"amount": req.Amount, "nonce": req.Nonce, "deadline": req.Deadline} {
		if v.Cmp(maxUint256) > 0 {
			return apperr.Newf(apperr.KindInvalidArgument, op, "%s does not fit uint256", name)
		}
	}
	return nil
}

// Address is the public address of the signing key.
func (s *Signer) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// Domain returns the domain the signer is bound to.
func (s *Signer) Domain() Domain {
	if s == nil {
		return Domain{}
	}
	return s.domain
}

// String never includes key material.
func (s *Signer) String() string {
	if s == nil || s.key == nil {
		return "authz.Signer(unconfigured)"
	}
	return fmt.Sprintf("authz.Signer(%s, chain %s, contract %s)", s.address.Hex(), s.domain.ChainID, s.domain.VerifyingContract.Hex())
}

// Verify checks that sig over req in domain d was produced by signer.
func Verify(d Domain, req Request, sig Signature, signer common.Address) bool {
	if sig.V != 27 && sig.V != 28 {
		return false
	}
	raw := sig.Bytes()
	raw[64] -= 27
	digest := Digest(d, req)
	pub, err := crypto.SigToPub(digest[:], raw)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == signer
}

// ParseTag reads a bytes32 tag. "0x"-prefixed input is hex; anything else is
// taken as raw bytes. Both are left-aligned and zero-filled; empty input is
// the zero tag.
func ParseTag(s string) ([32]byte, error) {
	const op = "authz.ParseTag"
	var tag [32]byte
	s = strings.TrimSpace(s)
	if s == "" {
		return tag, nil
	}
	b := []byte(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		var err error
		if b, err = decodeHex(s); err != nil {
			return tag, apperr.Wrapf(apperr.KindInvalidArgument, op, err, "tag is not hex")
		}
	}
	if len(b) > len(tag) {
		return tag, apperr.Newf(apperr.KindInvalidArgument, op, "tag is %d bytes, at most 32 allowed", len(b))
	}
	copy(tag[:], b)
	return tag, nil
}

package authz

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// ClaimType is the EIP-712 type string the contract hashes.
const ClaimType = "Claim(address user,uint256 amount,uint256 nonce,uint256 deadline,bytes32 tag)"

const domainType = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"

var (
	claimTypeHash  = crypto.Keccak256([]byte(ClaimType))
	domainTypeHash = crypto.Keccak256([]byte(domainType))
)

// Domain binds signatures to one contract on one chain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Separator is the EIP-712 domain separator.
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash,
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		word(d.ChainID),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// Request is the claim being authorized. Amount is in the token's base units.
type Request struct {
	User     common.Address
	Amount   *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	Tag      [32]byte
}

func (r Request) structHash() common.Hash {
	return crypto.Keccak256Hash(
		claimTypeHash,
		common.LeftPadBytes(r.User.Bytes(), 32),
		word(r.Amount),
		word(r.Nonce),
		word(r.Deadline),
		r.Tag[:],
	)
}

// Digest is the hash that gets signed: keccak256(0x1901 ‖ separator ‖ structHash).
func Digest(d Domain, r Request) common.Hash {
	sep := d.Separator()
	sh := r.structHash()
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep[:], sh[:])
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(v))
}

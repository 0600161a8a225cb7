package settlement

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/okian/rewards/internal/authz"
)

// ContractABI is the part of the reward contract the client talks to.
const ContractABI = `[
  {"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[
    {"name":"amount","type":"uint256"},
    {"name":"nonce","type":"uint256"},
    {"name":"deadline","type":"uint256"},
    {"name":"tag","type":"bytes32"},
    {"name":"v","type":"uint8"},
    {"name":"r","type":"bytes32"},
    {"name":"s","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[
    {"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Redeemed","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"settledAmount","type":"uint256","indexed":false},
    {"name":"nonce","type":"uint256","indexed":false},
    {"name":"tag","type":"bytes32","indexed":false}]}
]`

var parsedABI = mustParseABI(ContractABI)

func mustParseABI(def string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("settlement: parse contract abi: %v", err))
	}
	return a
}

// Redeemed is the decoded settlement event.
type Redeemed struct {
	User          common.Address
	SettledAmount *big.Int
	Nonce         *big.Int
	Tag           [32]byte
}

type contract struct {
	abi     abi.ABI
	address common.Address
}

func newContract(address common.Address) contract {
	return contract{abi: parsedABI, address: address}
}

func (c contract) packRedeem(req authz.Request, sig authz.Signature) ([]byte, error) {
	return c.abi.Pack("redeem", req.Amount, req.Nonce, req.Deadline, req.Tag, sig.V, sig.R, sig.S)
}

func (c contract) packNonces(user common.Address) ([]byte, error) {
	return c.abi.Pack("nonces", user)
}

func (c contract) packBalanceOf(user common.Address) ([]byte, error) {
	return c.abi.Pack("balanceOf", user)
}

// unpackUint reads the single uint256 returned by a view method.
func (c contract) unpackUint(method string, out []byte) (*big.Int, error) {
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, vals[0])
	}
	return v, nil
}

// redeemed finds the Redeemed log emitted by this contract for user and
// nonce. Logs from other addresses are ignored.
func (c contract) redeemed(receipt *types.Receipt, user common.Address, nonce *big.Int) (Redeemed, bool) {
	ev := c.abi.Events["Redeemed"]
	for _, l := range receipt.Logs {
		if l == nil || l.Address != c.address || len(l.Topics) != 2 || l.Topics[0] != ev.ID {
			continue
		}
		if !bytes.Equal(l.Topics[1].Bytes(), common.BytesToHash(user.Bytes()).Bytes()) {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(vals) != 3 {
			continue
		}
		amount, ok1 := vals[0].(*big.Int)
		n, ok2 := vals[1].(*big.Int)
		tag, ok3 := vals[2].([32]byte)
		if !ok1 || !ok2 || !ok3 || n.Cmp(nonce) != 0 {
			continue
		}
		return Redeemed{User: user, SettledAmount: amount, Nonce: n, Tag: tag}, true
	}
	return Redeemed{}, false
}

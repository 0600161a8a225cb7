package authz

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/okian/rewards/internal/domain/apperr"
)

// WireRequest is the JSON form of a Request. Integers are base-10 strings
// so uint256 values survive JSON.
type WireRequest struct {
	User     string `json:"user"`
	Amount   string `json:"amount"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
	Tag      string `json:"tag,omitempty"`
}

// WireSignature is the JSON form of a Signature.
type WireSignature struct {
	V uint8  `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// EncodeRequest converts r to its wire form.
func EncodeRequest(r Request) WireRequest {
	w := WireRequest{
		User:     r.User.Hex(),
		Amount:   intString(r.Amount),
		Nonce:    intString(r.Nonce),
		Deadline: intString(r.Deadline),
	}
	if r.Tag != ([32]byte{}) {
		w.Tag = hexutil.Encode(r.Tag[:])
	}
	return w
}

// Decode parses and validates a wire request.
func (w WireRequest) Decode() (Request, error) {
	const op = "authz.WireRequest.Decode"
	if !common.IsHexAddress(w.User) {
		return Request{}, apperr.Newf(apperr.KindInvalidArgument, op, "user %q is not an address", w.User)
	}
	req := Request{User: common.HexToAddress(w.User)}

	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"amount", w.Amount, &req.Amount},
		{"nonce", w.Nonce, &req.Nonce},
		{"deadline", w.Deadline, &req.Deadline},
	}
	for _, f := range fields {
		v, ok := new(big.Int).SetString(strings.TrimSpace(f.raw), 10)
		if !ok {
			return Request{}, apperr.Newf(apperr.KindInvalidArgument, op, "%s %q is not an integer", f.name, f.raw)
		}
		*f.dst = v
	}

	tag, err := ParseTag(w.Tag)
	if err != nil {
		return Request{}, err
	}
	req.Tag = tag
	if err := ValidateRequest(req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// EncodeSignature converts s to its wire form.
func EncodeSignature(s Signature) WireSignature {
	return WireSignature{V: s.V, R: hexutil.Encode(s.R[:]), S: hexutil.Encode(s.S[:])}
}

// Decode parses a wire signature.
func (w WireSignature) Decode() (Signature, error) {
	const op = "authz.WireSignature.Decode"
	if w.V != 27 && w.V != 28 {
		return Signature{}, apperr.Newf(apperr.KindInvalidArgument, op, "v must be 27 or 28, got %d", w.V)
	}
	sig := Signature{V: w.V}
	for _, part := range []struct {
		raw string
		dst *[32]byte
	}{{w.R, &sig.R}, {w.S, &sig.S}} {
		b, err := decodeHex(part.raw)
		if err != nil || len(b) != 32 {
			return Signature{}, apperr.Newf(apperr.KindInvalidArgument, op, "%q is not a 32-byte hex word", part.raw)
		}
		copy(part.dst[:], b)
	}
	return sig, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0X") {
		s = "0x" + s[2:]
	}
	return hexutil.Decode(s)
}

package authz_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/authz"
	"github.com/okian/rewards/internal/domain/apperr"
	. "github.com/smartystreets/goconvey/convey"
)

// Well-known development key; never funded outside local chains.
const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func testDomain() authz.Domain {
	return authz.Domain{
		Name:              "RewardLedger",
		Version:           "1",
		ChainID:           big.NewInt(31337),
		VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
}

func testRequest() authz.Request {
	return authz.Request{
		User:     common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Amount:   big.NewInt(1_500_000),
		Nonce:    big.NewInt(3),
		Deadline: big.NewInt(1_900_000_000),
	}
}

func TestNewSigner(t *testing.T) {
	Convey("Given signer construction", t, func() {
		Convey("When the key and domain are valid", func() {
			s, err := authz.NewSigner(testDomain(), devKey)

			Convey("Then the signer exposes its address but never its key", func() {
				So(err, ShouldBeNil)
				So(s.Address(), ShouldEqual, common.HexToAddress(devAddress))
				So(s.String(), ShouldContainSubstring, devAddress)
				So(strings.Contains(strings.ToLower(s.String()), strings.TrimPrefix(devKey, "0x")), ShouldBeFalse)
			})
		})

		Convey("When the key is missing or malformed", func() {
			_, errEmpty := authz.NewSigner(testDomain(), "")
			_, errBad := authz.NewSigner(testDomain(), "0xnothex")

			Convey("Then it is a misconfiguration that does not echo the input", func() {
				So(errors.Is(errEmpty, apperr.Misconfiguration), ShouldBeTrue)
				So(errors.Is(errBad, apperr.Misconfiguration), ShouldBeTrue)
				So(errBad.Error(), ShouldNotContainSubstring, "nothex")
			})
		})

		Convey("When the domain has no contract or chain", func() {
			d := testDomain()
			d.VerifyingContract = common.Address{}
			_, errContract := authz.NewSigner(d, devKey)

			d = testDomain()
			d.ChainID = nil
			_, errChain := authz.NewSigner(d, devKey)

			So(errors.Is(errContract, apperr.Misconfiguration), ShouldBeTrue)
			So(errors.Is(errChain, apperr.Misconfiguration), ShouldBeTrue)
		})

		Convey("When using a nil signer", func() {
			var s *authz.Signer
			sig, err := s.Issue(context.Background(), testRequest())

			Convey("Then issue fails without a partial result", func() {
				So(errors.Is(err, apperr.Misconfiguration), ShouldBeTrue)
				So(sig, ShouldResemble, authz.Signature{})
				So(s.String(), ShouldEqual, "authz.Signer(unconfigured)")
			})
		})
	})
}

func TestIssue(t *testing.T) {
	Convey("Given a configured signer", t, func() {
		ctx := context.Background()
		s, err := authz.NewSigner(testDomain(), devKey)
		So(err, ShouldBeNil)

		Convey("When signing a valid request", func() {
			req := testRequest()
			sig, err := s.Issue(ctx, req)

			Convey("Then the signature verifies for the signer in the same domain", func() {
				So(err, ShouldBeNil)
				So(sig.V == 27 || sig.V == 28, ShouldBeTrue)
				So(authz.Verify(testDomain(), req, sig, s.Address()), ShouldBeTrue)
				So(len(sig.Bytes()), ShouldEqual, 65)
			})

			Convey("Then signing is deterministic", func() {
				again, err := s.Issue(ctx, req)
				So(err, ShouldBeNil)
				So(again, ShouldResemble, sig)
			})

			Convey("Then any field change invalidates the signature", func() {
				changed := testRequest()
				changed.Nonce = big.NewInt(4)
				So(authz.Verify(testDomain(), changed, sig, s.Address()), ShouldBeFalse)

				changed = testRequest()
				changed.Tag[0] = 1
				So(authz.Verify(testDomain(), changed, sig, s.Address()), ShouldBeFalse)

				So(authz.Verify(testDomain(), req, sig, common.HexToAddress("0x01")), ShouldBeFalse)
			})
		})

		Convey("When the request is malformed", func() {
			zero := testRequest()
			zero.Amount = big.NewInt(0)
			neg := testRequest()
			neg.Nonce = big.NewInt(-1)
			huge := testRequest()
			huge.Deadline = new(big.Int).Lsh(big.NewInt(1), 256)
			noUser := testRequest()
			noUser.User = common.Address{}

			Convey("Then it is an invalid argument", func() {
				for _, req := range []authz.Request{zero, neg, huge, noUser} {
					_, err := s.Issue(ctx, req)
					So(errors.Is(err, apperr.InvalidArgument), ShouldBeTrue)
				}
			})
		})
	})
}

func TestDomainBinding(t *testing.T) {
	Convey("Given the same request in two domains", t, func() {
		ctx := context.Background()
		req := testRequest()

		other := testDomain()
		other.ChainID = big.NewInt(8453)

		a, err := authz.NewSigner(testDomain(), devKey)
		So(err, ShouldBeNil)
		b, err := authz.NewSigner(other, devKey)
		So(err, ShouldBeNil)

		sigA, err := a.Issue(ctx, req)
		So(err, ShouldBeNil)
		sigB, err := b.Issue(ctx, req)
		So(err, ShouldBeNil)

		Convey("Then digests and signatures differ", func() {
			So(authz.Digest(testDomain(), req), ShouldNotEqual, authz.Digest(other, req))
			So(sigA, ShouldNotResemble, sigB)
		})

		Convey("Then a signature does not verify in the other domain", func() {
			So(authz.Verify(other, req, sigA, a.Address()), ShouldBeFalse)
			So(authz.Verify(testDomain(), req, sigB, b.Address()), ShouldBeFalse)
		})

		Convey("Then the contract address is part of the domain", func() {
			moved := testDomain()
			moved.VerifyingContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
			So(authz.Verify(moved, req, sigA, a.Address()), ShouldBeFalse)
		})
	})
}

func TestParseTag(t *testing.T) {
	Convey("Given tag inputs", t, func() {
		empty, err := authz.ParseTag("")
		So(err, ShouldBeNil)
		So(empty, ShouldResemble, [32]byte{})

		text, err := authz.ParseTag("campaign-7")
		So(err, ShouldBeNil)
		So(string(text[:10]), ShouldEqual, "campaign-7")
		So(text[10], ShouldEqual, 0)

		hex, err := authz.ParseTag("0xbeef")
		So(err, ShouldBeNil)
		So(hex[0], ShouldEqual, 0xbe)
		So(hex[1], ShouldEqual, 0xef)

		_, err = authz.ParseTag(strings.Repeat("x", 33))
		So(errors.Is(err, apperr.InvalidArgument), ShouldBeTrue)

		_, err = authz.ParseTag("0xzz")
		So(errors.Is(err, apperr.InvalidArgument), ShouldBeTrue)
	})
}

package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/rewards/internal/adapters/repository"
	"github.com/okian/rewards/internal/authz"
	"github.com/okian/rewards/internal/domain/apperr"
	"github.com/okian/rewards/internal/domain/model"
	"github.com/okian/rewards/internal/ledger"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

const signerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	aliceWallet  = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	suffix       = []byte("\x01consumer-address-20b" + "attr")
)

type harness struct {
	clock  *clock
	ledger *ledger.Ledger
	chain  *fakeChain
	auth   *countingAuthorizer
	tagger *recordingTagger
	client *Client
}

func newHarness(opts ...Option) *harness {
	clk := &clock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	domain := authz.Domain{Name: "RewardLedger", Version: "1", ChainID: big.NewInt(31337), VerifyingContract: contractAddr}
	signer, err := authz.NewSigner(domain, signerKey)
	So(err, ShouldBeNil)

	h := &harness{
		clock:  clk,
		ledger: ledger.New(repository.NewMemoryStore(), ledger.WithClock(clk.Now)),
		auth:   &countingAuthorizer{inner: signer},
		tagger: &recordingTagger{suffix: suffix},
	}
	h.chain = newFakeChain(newContract(contractAddr), domain, signer.Address(), clk.Now)
	base := []Option{
		WithTagger(h.tagger),
		WithClock(clk.Now),
		WithTokenDecimals(6),
		WithConfirmTimeout(100 * time.Millisecond),
	}
	h.client = New(h.ledger, h.auth, h.chain, contractAddr, append(base, opts...)...)

	ctx := context.Background()
	_, err = h.ledger.RegisterUser(ctx, model.User{ID: "alice", Wallet: aliceWallet})
	So(err, ShouldBeNil)
	h.complete("ev-1", "3")
	return h
}

func (h *harness) complete(eventID, earnings string) {
	_, err := h.ledger.RecordCompletion(context.Background(), model.CompletionEvent{
		ID:     eventID,
		UserID: "alice",
		State: model.Completed{
			Score:       10,
			Earnings:    decimal.RequireFromString(earnings),
			CompletedAt: h.clock.Now(),
		},
	})
	So(err, ShouldBeNil)
}

func claim(eventID, amount string) ClaimRequest {
	return ClaimRequest{UserID: "alice", EventID: eventID, Amount: decimal.RequireFromString(amount)}
}

func TestClaimSettles(t *testing.T) {
	Convey("Given a user with a completed event", t, func() {
		ctx := context.Background()
		h := newHarness()

		Convey("When claiming part of the earnings", func() {
			res, err := h.client.Claim(ctx, claim("ev-1", "1.5"))

			Convey("Then the claim settles and the ledger records it", func() {
				So(err, ShouldBeNil)
				So(res.Status, ShouldEqual, StatusSettled)
				So(res.Settled.String(), ShouldEqual, "1.5")
				So(res.Nonce, ShouldEqual, 0)

				rec, err := h.ledger.Settlement(ctx, "ev-1")
				So(err, ShouldBeNil)
				So(rec.Amount.String(), ShouldEqual, "1.5")
				So(rec.TxHash, ShouldEqual, res.TxHash)

				u, _ := h.ledger.User(ctx, "alice")
				So(u.TotalSettled.String(), ShouldEqual, "1.5")

				bal, err := h.client.Balance(ctx, "alice")
				So(err, ShouldBeNil)
				So(bal.String(), ShouldEqual, "1.5")
			})

			Convey("Then the attribution suffix rides on the calldata and is reported", func() {
				So(bytes.HasSuffix(h.chain.lastData, suffix), ShouldBeTrue)
				So(h.tagger.reported(), ShouldResemble, []common.Hash{res.TxHash})
			})

			Convey("Then claiming the event again is a no-op success", func() {
				_, sendsBefore := h.chain.stats()
				again, err := h.client.Claim(ctx, claim("ev-1", "1.5"))
				So(err, ShouldBeNil)
				So(again.Status, ShouldEqual, StatusAlreadySettled)
				So(again.TxHash, ShouldEqual, res.TxHash)

				_, sendsAfter := h.chain.stats()
				So(sendsAfter, ShouldEqual, sendsBefore)
				u, _ := h.ledger.User(ctx, "alice")
				So(u.TotalSettled.String(), ShouldEqual, "1.5")
			})
		})

		Convey("When the contract settles less than requested", func() {
			h.chain.settleCap = big.NewInt(1_000_000)
			res, err := h.client.Claim(ctx, claim("ev-1", "2"))

			Convey("Then the contract's amount is what gets recorded", func() {
				So(err, ShouldBeNil)
				So(res.Settled.String(), ShouldEqual, "1")
				rec, _ := h.ledger.Settlement(ctx, "ev-1")
				So(rec.Amount.String(), ShouldEqual, "1")
				So(rec.Requested.String(), ShouldEqual, "2")
			})
		})

		Convey("When attribution cannot be attached", func() {
			h.tagger.suffixErr = errors.New("no consumer")
			res, err := h.client.Claim(ctx, claim("ev-1", "1"))

			Convey("Then the claim still settles", func() {
				So(err, ShouldBeNil)
				So(res.Status, ShouldEqual, StatusSettled)
				So(bytes.HasSuffix(h.chain.lastData, suffix), ShouldBeFalse)
			})
		})
	})
}

func TestClaimValidatesFirst(t *testing.T) {
	Convey("Given a claim with a bad amount", t, func() {
		ctx := context.Background()
		h := newHarness()

		for _, amount := range []string{"0", "-1", "0.0000001"} {
			_, err := h.client.Claim(ctx, claim("ev-1", amount))
			So(errors.Is(err, apperr.InvalidArgument), ShouldBeTrue)
		}

		Convey("Then neither the chain nor the signer was touched", func() {
			calls, sends := h.chain.stats()
			So(calls, ShouldEqual, 0)
			So(sends, ShouldEqual, 0)
			So(h.auth.count(), ShouldEqual, 0)

			_, err := h.ledger.PendingClaim(ctx, "ev-1")
			So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
		})
	})

	Convey("Given a claim above the event's earnings", t, func() {
		ctx := context.Background()
		h := newHarness()
		_, err := h.client.Claim(ctx, claim("ev-1", "3.000001"))

		Convey("Then it is rejected before signing", func() {
			So(errors.Is(err, apperr.InvalidArgument), ShouldBeTrue)
			So(h.auth.count(), ShouldEqual, 0)
		})
	})

	Convey("Given a client without a contract", t, func() {
		h := newHarness()
		c := New(h.ledger, h.auth, h.chain, common.Address{})
		_, err := c.Claim(context.Background(), claim("ev-1", "1"))
		So(errors.Is(err, apperr.Misconfiguration), ShouldBeTrue)
	})
}

func TestClaimFailures(t *testing.T) {
	Convey("Given a user with a completed event", t, func() {
		ctx := context.Background()
		h := newHarness()

		Convey("When the contract rejects the authorization", func() {
			other, err := authz.NewSigner(authz.Domain{
				Name: "RewardLedger", Version: "1", ChainID: big.NewInt(1), VerifyingContract: contractAddr,
			}, signerKey)
			So(err, ShouldBeNil)
			h.auth.inner = other

			res, err := h.client.Claim(ctx, claim("ev-1", "1"))

			Convey("Then the claim fails and the ledger is untouched", func() {
				So(errors.Is(err, apperr.SettlementFailed), ShouldBeTrue)
				So(res.Status, ShouldEqual, StatusFailed)

				_, err := h.ledger.Settlement(ctx, "ev-1")
				So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
				_, err = h.ledger.PendingClaim(ctx, "ev-1")
				So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
				u, _ := h.ledger.User(ctx, "alice")
				So(u.TotalSettled.IsZero(), ShouldBeTrue)
				So(h.tagger.reported(), ShouldBeEmpty)
			})
		})

		Convey("When the signer is unavailable", func() {
			h.auth.err = apperr.New(apperr.KindMisconfiguration, "test", "no key")
			_, err := h.client.Claim(ctx, claim("ev-1", "1"))

			Convey("Then the error surfaces and the nonce is released", func() {
				So(errors.Is(err, apperr.Misconfiguration), ShouldBeTrue)
				_, err := h.ledger.PendingClaim(ctx, "ev-1")
				So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
				_, sends := h.chain.stats()
				So(sends, ShouldEqual, 0)
			})
		})

		Convey("When the transaction cannot be built", func() {
			h.chain.sendErr = errors.New("estimate gas: connection refused")
			_, err := h.client.Claim(ctx, claim("ev-1", "1"))

			So(errors.Is(err, apperr.SettlementFailed), ShouldBeTrue)
			_, err = h.ledger.PendingClaim(ctx, "ev-1")
			So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
			So(h.chain.broadcastCount(), ShouldEqual, 0)
		})

		Convey("When the transaction hash cannot be stored", func() {
			flaky := New(failingBroadcastLedger{h.ledger}, h.auth, h.chain, contractAddr,
				WithClock(h.clock.Now), WithTokenDecimals(6), WithConfirmTimeout(100*time.Millisecond))
			_, err := flaky.Claim(ctx, claim("ev-1", "3"))

			Convey("Then nothing is broadcast and the event stays claimable once", func() {
				So(errors.Is(err, apperr.SettlementFailed), ShouldBeTrue)
				So(h.chain.broadcastCount(), ShouldEqual, 0)
				So(h.chain.balance(aliceWallet).Sign(), ShouldEqual, 0)
				_, err := h.ledger.PendingClaim(ctx, "ev-1")
				So(errors.Is(err, apperr.NotFound), ShouldBeTrue)

				h.clock.Advance(time.Hour)
				res, err := h.client.Claim(ctx, claim("ev-1", "3"))
				So(err, ShouldBeNil)
				So(res.Status, ShouldEqual, StatusSettled)
				So(h.chain.balance(aliceWallet).String(), ShouldEqual, "3000000")
			})
		})

		Convey("When the receipt carries no Redeemed event", func() {
			h.chain.noEvent = true
			res, err := h.client.Claim(ctx, claim("ev-1", "1"))

			Convey("Then nothing is settled and the attempt stays for inspection", func() {
				So(errors.Is(err, apperr.SettlementFailed), ShouldBeTrue)
				So(res.Status, ShouldEqual, StatusFailed)
				_, err := h.ledger.Settlement(ctx, "ev-1")
				So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
				_, err = h.ledger.PendingClaim(ctx, "ev-1")
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestClaimTimeoutAndReconcile(t *testing.T) {
	Convey("Given a chain that does not mine in time", t, func() {
		ctx := context.Background()
		h := newHarness()
		h.chain.hold = true

		res, err := h.client.Claim(ctx, claim("ev-1", "1"))

		Convey("Then the claim is pending and not settled", func() {
			So(errors.Is(err, apperr.SettlementTimeout), ShouldBeTrue)
			So(res.Status, ShouldEqual, StatusPending)
			So(res.TxHash, ShouldNotEqual, common.Hash{})

			_, err := h.ledger.Settlement(ctx, "ev-1")
			So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
			a, err := h.ledger.PendingClaim(ctx, "ev-1")
			So(err, ShouldBeNil)
			So(a.TxHash, ShouldEqual, res.TxHash)
		})

		Convey("Then a second claim of the same event conflicts", func() {
			_, err := h.client.Claim(ctx, claim("ev-1", "1"))
			So(errors.Is(err, apperr.Conflict), ShouldBeTrue)
		})

		Convey("When reconciling before the transaction is mined", func() {
			again, err := h.client.Reconcile(ctx, "ev-1")
			So(errors.Is(err, apperr.SettlementTimeout), ShouldBeTrue)
			So(again.Status, ShouldEqual, StatusPending)
		})

		Convey("When the transaction is mined later", func() {
			h.chain.release()
			again, err := h.client.Reconcile(ctx, "ev-1")

			Convey("Then reconcile settles the claim once", func() {
				So(err, ShouldBeNil)
				So(again.Status, ShouldEqual, StatusSettled)
				So(again.Settled.String(), ShouldEqual, "1")

				third, err := h.client.Reconcile(ctx, "ev-1")
				So(err, ShouldBeNil)
				So(third.Status, ShouldEqual, StatusAlreadySettled)
				So(len(h.tagger.reported()), ShouldEqual, 1)
			})
		})

		Convey("When the transaction never lands and the deadline passes", func() {
			h.chain.drop()
			h.clock.Advance(time.Hour)
			again, err := h.client.Reconcile(ctx, "ev-1")

			Convey("Then the attempt expires and the event can be claimed again", func() {
				So(err, ShouldBeNil)
				So(again.Status, ShouldEqual, StatusExpired)
				_, err := h.ledger.PendingClaim(ctx, "ev-1")
				So(errors.Is(err, apperr.NotFound), ShouldBeTrue)

				h.chain.hold = false
				res, err := h.client.Claim(ctx, claim("ev-1", "1"))
				So(err, ShouldBeNil)
				So(res.Status, ShouldEqual, StatusSettled)
				So(res.Nonce, ShouldEqual, 0)
			})
		})
	})

	Convey("Given a broadcast whose answer is lost after the node took it", t, func() {
		ctx := context.Background()
		h := newHarness()
		h.chain.lostAnswer = true

		res, err := h.client.Claim(ctx, claim("ev-1", "3"))

		Convey("Then the claim is pending under the broadcast hash", func() {
			So(errors.Is(err, apperr.SettlementTimeout), ShouldBeTrue)
			So(res.Status, ShouldEqual, StatusPending)
			So(res.TxHash, ShouldNotEqual, common.Hash{})
			a, err := h.ledger.PendingClaim(ctx, "ev-1")
			So(err, ShouldBeNil)
			So(a.TxHash, ShouldEqual, res.TxHash)
		})

		Convey("When the event is claimed again", func() {
			h.chain.lostAnswer = false
			_, err := h.client.Claim(ctx, claim("ev-1", "3"))

			Convey("Then it conflicts instead of paying twice", func() {
				So(errors.Is(err, apperr.Conflict), ShouldBeTrue)
				So(h.chain.balance(aliceWallet).String(), ShouldEqual, "3000000")
			})
		})

		Convey("When the claim is reconciled and retried past its deadline", func() {
			h.chain.lostAnswer = false
			settled, err := h.client.Reconcile(ctx, "ev-1")
			So(err, ShouldBeNil)
			So(settled.Status, ShouldEqual, StatusSettled)

			h.clock.Advance(time.Hour)
			again, err := h.client.Claim(ctx, claim("ev-1", "3"))

			Convey("Then the contract paid the event exactly once", func() {
				So(err, ShouldBeNil)
				So(again.Status, ShouldEqual, StatusAlreadySettled)
				So(h.chain.balance(aliceWallet).String(), ShouldEqual, "3000000")
				So(h.chain.broadcastCount(), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a claim past its deadline but within the grace period", t, func() {
		ctx := context.Background()
		h := newHarness()
		h.chain.hold = true
		_, err := h.client.Claim(ctx, claim("ev-1", "1"))
		So(errors.Is(err, apperr.SettlementTimeout), ShouldBeTrue)

		h.clock.Advance(defaultDeadlineTTL + time.Minute)
		res, err := h.client.Reconcile(ctx, "ev-1")

		Convey("Then the attempt is kept", func() {
			So(errors.Is(err, apperr.SettlementTimeout), ShouldBeTrue)
			So(res.Status, ShouldEqual, StatusPending)
			_, err := h.ledger.PendingClaim(ctx, "ev-1")
			So(err, ShouldBeNil)
		})
	})

	Convey("Given an event without any claim", t, func() {
		h := newHarness()
		_, err := h.client.Reconcile(context.Background(), "ev-1")
		So(errors.Is(err, apperr.NotFound), ShouldBeTrue)
	})
}

func TestConcurrentClaims(t *testing.T) {
	Convey("Given many completed events of one user", t, func() {
		ctx := context.Background()
		h := newHarness()
		const n = 8
		for i := range n {
			h.complete(fmt.Sprintf("ev-c%d", i), "1")
		}

		Convey("When all are claimed at once", func() {
			var wg sync.WaitGroup
			results := make([]Result, n)
			errs := make([]error, n)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], errs[i] = h.client.Claim(ctx, claim(fmt.Sprintf("ev-c%d", i), "1"))
				}()
			}
			wg.Wait()

			Convey("Then every claim settles under its own nonce", func() {
				seen := make(map[uint64]bool)
				for i := range n {
					So(errs[i], ShouldBeNil)
					So(results[i].Status, ShouldEqual, StatusSettled)
					So(seen[results[i].Nonce], ShouldBeFalse)
					seen[results[i].Nonce] = true
				}
				u, _ := h.ledger.User(ctx, "alice")
				So(u.TotalSettled.String(), ShouldEqual, "8")
			})
		})
	})
}

package settlement

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/okian/rewards/internal/authz"
	"github.com/okian/rewards/internal/ledger"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeChain plays the reward contract: it checks the authorization the way
// the contract would and emits Redeemed for accepted claims.
type fakeChain struct {
	mu       sync.Mutex
	contract contract
	domain   authz.Domain
	signer   common.Address
	now      func() time.Time

	seq      uint64
	used     map[common.Address]map[uint64]bool
	counter  map[common.Address]uint64
	balances map[common.Address]*big.Int
	mined    map[common.Hash]*types.Receipt
	held     []heldTx

	calls    int
	sends    int
	lastData []byte

	broadcasts int

	hold       bool
	noEvent    bool
	settleCap  *big.Int
	sendErr    error // fails before anything is broadcast
	lostAnswer bool  // mines the transaction, then reports a send error
}

func newFakeChain(c contract, d authz.Domain, signer common.Address, now func() time.Time) *fakeChain {
	return &fakeChain{
		contract: c,
		domain:   d,
		signer:   signer,
		now:      now,
		used:     make(map[common.Address]map[uint64]bool),
		counter:  make(map[common.Address]uint64),
		balances: make(map[common.Address]*big.Int),
		mined:    make(map[common.Hash]*types.Receipt),
	}
}

type heldTx struct {
	hash     common.Hash
	from, to common.Address
	data     []byte
}

func (f *fakeChain) Send(_ context.Context, from, to common.Address, data []byte, record func(common.Hash) error) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sends++
	f.lastData = append([]byte(nil), data...)
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}

	f.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], f.seq)
	hash := crypto.Keccak256Hash(buf[:], data)
	if record != nil {
		if err := record(hash); err != nil {
			return common.Hash{}, err
		}
	}
	f.broadcasts++
	if f.hold {
		f.held = append(f.held, heldTx{hash: hash, from: from, to: to, data: data})
		return hash, nil
	}
	f.mine(hash, from, to, data)
	if f.lostAnswer {
		return hash, context.DeadlineExceeded
	}
	return hash, nil
}

func (f *fakeChain) mine(hash common.Hash, from, to common.Address, data []byte) {
	receipt := &types.Receipt{TxHash: hash, Status: types.ReceiptStatusFailed}
	if to == f.contract.address {
		if ev, ok := f.execute(from, data); ok {
			receipt.Status = types.ReceiptStatusSuccessful
			if !f.noEvent {
				receipt.Logs = append(receipt.Logs, ev)
			}
		}
	}
	f.mined[hash] = receipt
}

// execute applies redeem. The seven arguments are static words, so anything
// after them (the attribution suffix) is ignored like the EVM would.
func (f *fakeChain) execute(from common.Address, data []byte) (*types.Log, bool) {
	method := f.contract.abi.Methods["redeem"]
	if len(data) < 4+7*32 || string(data[:4]) != string(method.ID) {
		return nil, false
	}
	vals, err := method.Inputs.Unpack(data[4 : 4+7*32])
	if err != nil {
		return nil, false
	}
	req := authz.Request{
		User:     from,
		Amount:   vals[0].(*big.Int),
		Nonce:    vals[1].(*big.Int),
		Deadline: vals[2].(*big.Int),
		Tag:      vals[3].([32]byte),
	}
	sig := authz.Signature{V: vals[4].(uint8), R: vals[5].([32]byte), S: vals[6].([32]byte)}

	if !authz.Verify(f.domain, req, sig, f.signer) {
		return nil, false
	}
	if req.Deadline.Int64() < f.now().Unix() {
		return nil, false
	}
	nonce := req.Nonce.Uint64()
	if f.used[from] == nil {
		f.used[from] = make(map[uint64]bool)
	}
	if f.used[from][nonce] {
		return nil, false
	}
	f.used[from][nonce] = true
	f.counter[from] = max(f.counter[from], nonce+1)

	amount := new(big.Int).Set(req.Amount)
	if f.settleCap != nil && amount.Cmp(f.settleCap) > 0 {
		amount.Set(f.settleCap)
	}
	if f.balances[from] == nil {
		f.balances[from] = new(big.Int)
	}
	f.balances[from].Add(f.balances[from], amount)

	ev := f.contract.abi.Events["Redeemed"]
	payload, err := ev.Inputs.NonIndexed().Pack(amount, req.Nonce, req.Tag)
	if err != nil {
		return nil, false
	}
	return &types.Log{
		Address: f.contract.address,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(from.Bytes())},
		Data:    payload,
	}, true
}

func (f *fakeChain) WaitMined(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	for {
		if r, err := f.Receipt(ctx, tx); err == nil {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (f *fakeChain) Receipt(_ context.Context, tx common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.mined[tx]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) Call(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if to != f.contract.address || len(data) < 4 {
		return nil, errors.New("no contract at address")
	}
	method, err := f.contract.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	user := args[0].(common.Address)
	switch method.Name {
	case "nonces":
		return method.Outputs.Pack(new(big.Int).SetUint64(f.counter[user]))
	case "balanceOf":
		bal := f.balances[user]
		if bal == nil {
			bal = new(big.Int)
		}
		return method.Outputs.Pack(bal)
	}
	return nil, errors.New("unsupported call " + method.Name)
}

// release mines every held transaction and stops holding new ones.
func (f *fakeChain) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.held {
		f.mine(tx.hash, tx.from, tx.to, tx.data)
	}
	f.held = nil
	f.hold = false
}

// drop forgets held transactions, as if they left the mempool.
func (f *fakeChain) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = nil
}

func (f *fakeChain) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts
}

func (f *fakeChain) balance(user common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.balances[user]; b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// failingBroadcastLedger cannot store transaction hashes.
type failingBroadcastLedger struct {
	*ledger.Ledger
}

func (failingBroadcastLedger) RecordBroadcast(context.Context, string, common.Hash) error {
	return errors.New("store unavailable")
}

func (f *fakeChain) stats() (calls, sends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.sends
}

type countingAuthorizer struct {
	mu    sync.Mutex
	inner Authorizer
	calls int
	err   error
}

func (a *countingAuthorizer) Issue(ctx context.Context, req authz.Request) (authz.Signature, error) {
	a.mu.Lock()
	a.calls++
	err := a.err
	a.mu.Unlock()
	if err != nil {
		return authz.Signature{}, err
	}
	return a.inner.Issue(ctx, req)
}

func (a *countingAuthorizer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recordingTagger struct {
	mu        sync.Mutex
	suffix    []byte
	suffixErr error
	reports   []common.Hash
}

func (t *recordingTagger) Suffix(context.Context, common.Address) ([]byte, error) {
	if t.suffixErr != nil {
		return nil, t.suffixErr
	}
	return t.suffix, nil
}

func (t *recordingTagger) Report(_ context.Context, tx common.Hash, _ common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = append(t.reports, tx)
}

func (t *recordingTagger) reported() []common.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]common.Hash(nil), t.reports...)
}

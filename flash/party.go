package flash

import (
	"fmt"
	"sync"

	"github.com/iotaledger/flashd/addrtree"
	"github.com/iotaledger/flashd/channel"
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
	"github.com/iotaledger/flashd/monitoring"
	"github.com/iotaledger/flashd/sigorch"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config holds the dependencies and identity of a channel party.
type Config struct {
	// ID names the channel in logs and metrics.
	ID string

	// Index is the position of the party within the channel. It fixes
	// the order digests are absorbed in and the slots the party signs.
	Index int

	// Seed is the party's secret key material.
	Seed []byte

	// Security is the number of signature slots the party contributes to
	// every address.
	Security int

	// StartIndex is the first key index the party derives digests at.
	StartIndex uint32

	Crypto  ledger.Crypto
	Builder ledger.BundleBuilder
}

// OpenParams describes the channel to open.
type OpenParams struct {
	Balance             ledger.Amount
	Deposits            []ledger.Amount
	Stakes              []float64
	SettlementAddresses []ledger.Address
}

// Party is one participant of a flash channel. It owns the party's view of
// the channel state and at most one proposal awaiting signatures. All
// methods are safe for concurrent use.
type Party struct {
	cfg Config

	mu sync.Mutex

	// keyIndex is the next key index digests are derived at.
	keyIndex uint32

	state *channel.State

	// pending is the chain proposed by this party and not yet committed.
	pending fn.Option[ledger.Chain]
}

// NewParty creates a party that has not opened a channel yet.
func NewParty(cfg Config) (*Party, error) {
	switch {
	case len(cfg.Seed) == 0:
		return nil, flasherr.New(flasherr.NullValue, "party without seed")

	case cfg.Security <= 0:
		return nil, flasherr.New(flasherr.NullValue, "party without "+
			"security")

	case cfg.Index < 0:
		return nil, flasherr.New(flasherr.InvalidTransferObject,
			"negative party index %d", cfg.Index)

	case cfg.Crypto == nil || cfg.Builder == nil:
		return nil, flasherr.New(flasherr.NullValue, "party without "+
			"crypto or bundle builder")
	}

	return &Party{
		cfg:      cfg,
		keyIndex: cfg.StartIndex,
		pending:  fn.None[ledger.Chain](),
	}, nil
}

// Index returns the position of the party within the channel.
func (p *Party) Index() int {
	return p.cfg.Index
}

// NextDigests derives n fresh digests to share with the other parties. Key
// indexes are never reused.
func (p *Party) NextDigests(n int) ([]ledger.Digest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	digests := make([]ledger.Digest, 0, n)
	for i := 0; i < n; i++ {
		d, err := p.cfg.Crypto.GetDigest(
			p.cfg.Seed, p.keyIndex+uint32(i), p.cfg.Security,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to derive digest %d: %w",
				p.keyIndex+uint32(i), err)
		}
		digests = append(digests, d)
	}
	p.keyIndex += uint32(n)

	log.Debugf("Party %d derived %d digest(s), next index %d",
		p.cfg.Index, n, p.keyIndex)

	return digests, nil
}

// composeNodes turns the digests every party contributed, indexed by party
// and then by position, into this party's view of the composite addresses.
func (p *Party) composeNodes(all [][]ledger.Digest) ([]ledger.ComposedAddress,
	[]*addrtree.Node, error) {

	if p.cfg.Index >= len(all) {
		return nil, nil, flasherr.New(flasherr.InvalidTransferObject,
			"no digests for party %d", p.cfg.Index)
	}

	count := len(all[0])
	for i, digests := range all {
		if len(digests) != count {
			return nil, nil, flasherr.New(flasherr.NullValue,
				"party %d shared %d digests, want %d", i,
				len(digests), count)
		}
	}

	var (
		addrs = make([]ledger.ComposedAddress, count)
		nodes = make([]*addrtree.Node, count)
	)
	for k := 0; k < count; k++ {
		var (
			digests      = make([]ledger.Digest, len(all))
			signingIndex int
		)
		for i := range all {
			digests[i] = all[i][k]
			if i < p.cfg.Index {
				signingIndex += all[i][k].Security
			}
		}

		addr, err := p.cfg.Crypto.ComposeAddress(digests)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to compose address "+
				"%d: %w", k, err)
		}

		own := all[p.cfg.Index][k]
		node, err := addrtree.NewNode(
			addr, own.Index, own.Security, signingIndex,
		)
		if err != nil {
			return nil, nil, err
		}

		addrs[k] = addr
		nodes[k] = node
	}

	return addrs, nodes, nil
}

// OpenChannel sets up the channel from the digests every party shared. The
// first digest of each party composes the remainder address, the remaining
// ones a line of tree nodes in order from the root.
func (p *Party) OpenChannel(params OpenParams,
	digests [][]ledger.Digest) error {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != nil {
		return flasherr.New(flasherr.InvalidInput, "channel already "+
			"open")
	}
	if len(digests) != len(params.Deposits) {
		return flasherr.New(flasherr.InvalidTransferObject, "digests "+
			"from %d parties, %d deposits", len(digests),
			len(params.Deposits))
	}

	addrs, nodes, err := p.composeNodes(digests)
	if err != nil {
		return err
	}
	if len(nodes) < 2 {
		return flasherr.New(flasherr.NullValue, "need a remainder "+
			"and at least one tree node")
	}

	root, err := addrtree.Nest(nodes[1:])
	if err != nil {
		return err
	}

	state, err := channel.NewState(channel.Params{
		Balance:             params.Balance,
		Deposits:            params.Deposits,
		Stakes:              params.Stakes,
		SettlementAddresses: params.SettlementAddresses,
		Root:                root,
		Remainder:           addrs[0].Address,
	})
	if err != nil {
		return err
	}

	p.state = state
	monitoring.SetLockedDeposit(p.cfg.ID, int64(state.TotalDeposit()))

	log.Infof("Party %d opened channel %v: root=%v, depth=%d",
		p.cfg.Index, p.cfg.ID, root.Address, len(nodes)-1)

	return nil
}

// RootAddress returns the address the channel has to be funded at.
func (p *Party) RootAddress() (ledger.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		return "", errNotOpen()
	}

	return p.state.Root.Address, nil
}

func errNotOpen() error {
	return flasherr.New(flasherr.NullValue, "channel not open")
}

// ProposePayment composes an unsigned chain paying destinations from this
// party's deposit. The chain stays pending until it is committed or
// discarded. An AddressOveruse error asks for the tree to be grown first.
func (p *Party) ProposePayment(
	destinations []ledger.Transfer) (ledger.Chain, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.canPropose(); err != nil {
		return nil, err
	}

	transfers, err := p.state.Prepare(p.cfg.Index, destinations)
	if err != nil {
		return nil, err
	}

	return p.propose(transfers, false)
}

// CloseChannel composes the chain paying every party its remaining
// deposit. It is pending like any other proposal.
func (p *Party) CloseChannel() (ledger.Chain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.canPropose(); err != nil {
		return nil, err
	}

	transfers, err := p.state.CloseTransfers()
	if err != nil {
		return nil, err
	}

	return p.propose(transfers, true)
}

// canPropose must be called with the mutex held.
func (p *Party) canPropose() error {
	switch {
	case p.state == nil:
		return errNotOpen()

	case p.pending.IsSome():
		return flasherr.New(flasherr.InvalidInput, "a proposal is "+
			"already in flight")
	}

	return nil
}

// propose must be called with the mutex held.
func (p *Party) propose(transfers []ledger.Transfer,
	closing bool) (ledger.Chain, error) {

	chain, err := p.state.Compose(transfers, closing, p.cfg.Builder)
	if err != nil {
		return nil, err
	}

	p.pending = fn.Some(chain.Copy())

	log.Debugf("Party %d proposed chain of %d bundle(s), closing=%v",
		p.cfg.Index, len(chain), closing)

	return chain, nil
}

// Verify checks that chain is a valid continuation of the channel and
// returns the deltas it would apply.
func (p *Party) Verify(chain ledger.Chain) ([]ledger.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.verify(chain)
}

// verify must be called with the mutex held.
func (p *Party) verify(chain ledger.Chain) ([]ledger.Transfer, error) {
	if p.state == nil {
		return nil, errNotOpen()
	}

	deltas, err := p.state.Diff(chain)
	if err != nil {
		monitoring.ObserveRejected(err)
		return nil, fmt.Errorf("party %d refuses chain: %w",
			p.cfg.Index, err)
	}

	return deltas, nil
}

// CounterSign checks that chain is a valid continuation of the channel and
// returns this party's signatures for it.
func (p *Party) CounterSign(
	chain ledger.Chain) ([]sigorch.PartialSignature, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.verify(chain); err != nil {
		return nil, err
	}

	return sigorch.Sign(p.cfg.Crypto, p.state.Root, p.cfg.Seed, chain)
}

// Signer returns the party's tree and seed for concurrent signing. The tree
// must not be modified while the signer is in use.
func (p *Party) Signer() (sigorch.Signer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		return sigorch.Signer{}, errNotOpen()
	}

	return sigorch.Signer{Root: p.state.Root, Seed: p.cfg.Seed}, nil
}

// CheckCommit runs every check Commit would on a copy of the channel state
// and returns the deltas committing signed would apply. The state itself is
// left untouched.
func (p *Party) CheckCommit(signed ledger.Chain) ([]ledger.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		return nil, errNotOpen()
	}

	deltas, err := p.state.Snapshot().ApplyTransfers(signed, p.cfg.Crypto)
	if err != nil {
		return nil, fmt.Errorf("party %d cannot commit chain: %w",
			p.cfg.Index, err)
	}

	return deltas, nil
}

// Commit applies a fully signed chain to the channel state and clears the
// pending proposal. The paid out deltas are returned. Metrics of applied
// chains are recorded once per channel by Round, not here.
func (p *Party) Commit(signed ledger.Chain) ([]ledger.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		return nil, errNotOpen()
	}

	deltas, err := p.state.ApplyTransfers(signed, p.cfg.Crypto)
	if err != nil {
		monitoring.ObserveRejected(err)
		return nil, err
	}

	p.pending = fn.None[ledger.Chain]()

	monitoring.SetLockedDeposit(p.cfg.ID, int64(p.state.TotalDeposit()))

	if p.state.Closed() {
		log.Infof("Party %d settled channel %v", p.cfg.Index, p.cfg.ID)
	}

	return deltas, nil
}

// Discard drops the pending proposal, if any.
func (p *Party) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending.WhenSome(func(c ledger.Chain) {
		log.Debugf("Party %d discarded chain of %d bundle(s)",
			p.cfg.Index, len(c))
	})
	p.pending = fn.None[ledger.Chain]()
}

// Pending returns the proposal awaiting signatures.
func (p *Party) Pending() fn.Option[ledger.Chain] {
	p.mu.Lock()
	defer p.mu.Unlock()

	return fn.MapOption(func(c ledger.Chain) ledger.Chain {
		return c.Copy()
	})(p.pending)
}

// GrowthNeeded returns how many fresh digests every party has to share
// before the next chain can be composed. It fails with AddressOveruse if
// the tree can no longer grow.
func (p *Party) GrowthNeeded() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		return 0, errNotOpen()
	}

	sel := addrtree.SelectSpendableRoot(
		addrtree.ActiveBranch(p.state.Root),
	)
	if sel.Node.IsNone() {
		return 0, flasherr.New(flasherr.AddressOveruse, "every node "+
			"of the tree is exhausted")
	}

	return sel.Generate, nil
}

// GrowTree attaches a fresh line of nodes, composed from the digests every
// party shared, below the deepest spendable node of the active branch.
func (p *Party) GrowTree(digests [][]ledger.Digest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		return errNotOpen()
	}

	sel := addrtree.SelectSpendableRoot(
		addrtree.ActiveBranch(p.state.Root),
	)
	node, err := sel.Node.UnwrapOrErr(flasherr.New(
		flasherr.AddressOveruse, "every node of the tree is exhausted",
	))
	if err != nil {
		return err
	}

	_, nodes, err := p.composeNodes(digests)
	if err != nil {
		return err
	}
	if len(nodes) != sel.Generate {
		return flasherr.New(flasherr.InvalidTransferObject, "%d new "+
			"nodes, tree needs %d", len(nodes), sel.Generate)
	}

	if err := addrtree.Grow(node, nodes); err != nil {
		return err
	}

	monitoring.ObserveGrowth()

	return nil
}

// State returns a snapshot of the party's channel state.
func (p *Party) State() (*channel.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		return nil, errNotOpen()
	}

	return p.state.Snapshot(), nil
}

package channel

import (
	"github.com/davecgh/go-spew/spew"
	"github.com/iotaledger/flashd/addrtree"
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ApplyTransfers validates a fully signed chain and commits it to the
// state. The deposits are reduced by the paid out value, split by stake,
// the outputs grow by the chain's deltas, every spent node records its
// bundle and the final bundle is appended to the history. Nothing is
// modified unless every check passes. The applied deltas are returned.
func (s *State) ApplyTransfers(chain ledger.Chain,
	crypto ledger.Crypto) ([]ledger.Transfer, error) {

	addrs, err := chainInputs(chain)
	if err != nil {
		return nil, err
	}

	for i, b := range chain {
		for _, in := range b.Inputs() {
			if !crypto.ValidateSignatures(b, in.Address) {
				return nil, flasherr.New(flasherr.InvalidSignatures,
					"bundle %d is not fully signed", i).
					WithAddress(in.Address)
			}
		}
	}

	nodes, err := addrtree.Locate(s.Root, addrs)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Exhausted() {
			return nil, flasherr.New(flasherr.AddressOveruse, "node "+
				"used %d times", n.UsageCount()).
				WithAddress(n.Address)
		}
	}

	if err := s.checkDuplicate(chain.Final()); err != nil {
		return nil, err
	}

	deltas, err := s.Diff(chain)
	if err != nil {
		return nil, err
	}

	total := ledger.SumTransfers(deltas)
	if total > s.TotalDeposit() {
		return nil, flasherr.New(flasherr.InsufficientFunds, "chain "+
			"pays %v from deposits of %v", total, s.TotalDeposit()).
			WithValue(total)
	}

	shares := ReleaseCollateral(s.Stakes, s.Deposit, fn.None[int](), total)
	var released ledger.Amount
	deposit := make([]ledger.Amount, len(s.Deposit))
	for i, d := range s.Deposit {
		deposit[i] = d - shares[i]
		released += shares[i]
	}
	if released != total {
		return nil, flasherr.New(flasherr.InsufficientFunds, "staked "+
			"deposits cover %v of %v", released, total).
			WithValue(total)
	}

	outputs := make(map[ledger.Address]ledger.Amount, len(s.Outputs))
	for addr, v := range s.Outputs {
		outputs[addr] = v
	}
	for _, d := range deltas {
		outputs[d.Address] += d.Value
	}

	// Every check passed, commit.
	for i, n := range nodes {
		n.Bundles = append(n.Bundles, chain[i].Copy())
	}
	s.Deposit = deposit
	s.Outputs = outputs
	s.History = append(s.History, chain.Final().Copy())

	log.Infof("Applied chain of %d bundle(s): paid=%v, deposits=%v, "+
		"remainder=%v", len(chain), total, s.Deposit, s.RemainderValue())
	log.Tracef("Applied deltas: %v", newLogClosure(func() string {
		return spew.Sdump(deltas)
	}))

	return deltas, nil
}

// checkDuplicate rejects a final bundle identical to the last applied one.
func (s *State) checkDuplicate(final ledger.Bundle) error {
	if len(s.History) == 0 {
		return nil
	}

	last, err := s.History[len(s.History)-1].Hash()
	if err != nil {
		return err
	}
	hash, err := final.Hash()
	if err != nil {
		return err
	}

	if hash == last {
		return flasherr.New(flasherr.InvalidInput, "bundle already "+
			"applied")
	}

	return nil
}

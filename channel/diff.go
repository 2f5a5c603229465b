package channel

import (
	"github.com/iotaledger/flashd/addrtree"
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
)

// chainInputs returns the address every bundle of the chain spends from.
func chainInputs(chain ledger.Chain) ([]ledger.Address, error) {
	if len(chain) == 0 {
		return nil, flasherr.New(flasherr.InputUndefined, "empty chain")
	}

	addrs := make([]ledger.Address, len(chain))
	for i, b := range chain {
		idx := b.FirstInput()
		if idx == -1 {
			return nil, flasherr.New(flasherr.InputUndefined, "bundle "+
				"%d has no input", i)
		}
		addrs[i] = b[idx].Address
	}

	return addrs, nil
}

// Diff checks that chain is a valid continuation of the channel history and
// returns how much each output grows when the chain is applied, sorted by
// address. Outputs that do not change are left out, so re-submitting the
// last applied chain yields no deltas. balance is the value held by every
// node of the tree and the remainder value an empty history starts from.
func Diff(root *addrtree.Node, remainder ledger.Address,
	history []ledger.Bundle, balance ledger.Amount,
	chain ledger.Chain) ([]ledger.Transfer, error) {

	addrs, err := chainInputs(chain)
	if err != nil {
		return nil, err
	}

	nodes, err := addrtree.Locate(root, addrs)
	if err != nil {
		return nil, err
	}

	// Every bundle spends the whole channel balance from its single
	// input, the final one hands all of it to outputs and remainder.
	for i, b := range chain {
		inputs := b.Inputs()
		if len(inputs) != 1 || -inputs[0].Value != balance {
			var spent ledger.Amount
			for _, in := range inputs {
				spent -= in.Value
			}

			return nil, flasherr.New(flasherr.InvalidInput, "bundle "+
				"%d spends %v from %d input(s), channel holds %v",
				i, spent, len(inputs), balance).
				WithAddress(addrs[i]).WithValue(spent)
		}

		outputs := b.Outputs()
		if i == len(chain)-1 {
			if ledger.SumTransfers(outputs) != balance {
				return nil, flasherr.New(flasherr.InvalidInput,
					"final bundle moves %v of %v",
					ledger.SumTransfers(outputs), balance).
					WithAddress(addrs[i])
			}
			continue
		}

		next := nodes[i+1].Address
		if len(outputs) != 1 || outputs[0].Address != next ||
			outputs[0].Value != balance {

			return nil, flasherr.New(flasherr.BalanceNotPassed,
				"bundle %d does not relay %v to %v", i, balance,
				next).WithAddress(addrs[i])
		}
	}

	final := chain.Final()
	prev := remainderValue(history, remainder, balance)
	if next := final.ValueTo(remainder); next > prev {
		return nil, flasherr.New(flasherr.RemainderIncreased, "remainder "+
			"grows from %v to %v", prev, next).WithAddress(remainder)
	}

	previous := make(map[ledger.Address]ledger.Amount)
	if len(history) > 0 {
		for _, o := range history[len(history)-1].Outputs() {
			if o.Address != remainder {
				previous[o.Address] = o.Value
			}
		}
	}

	var deltas []ledger.Transfer
	current := make(map[ledger.Address]struct{})
	for _, o := range final.Outputs() {
		if o.Address == remainder {
			continue
		}
		current[o.Address] = struct{}{}

		delta := o.Value - previous[o.Address]
		switch {
		case delta < 0:
			return nil, flasherr.New(flasherr.InvalidInput, "output "+
				"decreases by %v", -delta).WithAddress(o.Address).
				WithValue(delta)

		case delta > 0:
			deltas = append(deltas, ledger.Transfer{
				Address: o.Address,
				Value:   delta,
			})
		}
	}

	// An output that disappeared entirely went down to zero.
	for addr, v := range previous {
		if _, ok := current[addr]; !ok {
			return nil, flasherr.New(flasherr.InvalidInput, "output "+
				"dropped").WithAddress(addr).WithValue(-v)
		}
	}

	ledger.SortTransfers(deltas)

	return deltas, nil
}

// Diff runs Diff against the state.
func (s *State) Diff(chain ledger.Chain) ([]ledger.Transfer, error) {
	return Diff(s.Root, s.Remainder, s.History, s.Balance, chain)
}

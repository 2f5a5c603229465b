package channel

import (
	"github.com/davecgh/go-spew/spew"
	"github.com/iotaledger/flashd/addrtree"
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
)

// ComposeRequest carries the channel state a chain is composed against
// together with the transfers to add.
type ComposeRequest struct {
	Balance   ledger.Amount
	Deposit   []ledger.Amount
	Outputs   map[ledger.Address]ledger.Amount
	Stakes    []float64
	Root      *addrtree.Node
	Remainder ledger.Address
	History   []ledger.Bundle

	// Transfers are added to the cumulative outputs. Negative entries
	// reduce an existing output.
	Transfers []ledger.Transfer

	// Closing selects the shortest branch able to settle the channel.
	Closing bool
}

// Compose builds the unsigned chain moving the channel to the outputs of
// req. Every bundle but the last relays the whole balance to the next node
// of the branch, and the last one pays the cumulative outputs and returns
// the rest to the remainder address. Nodes that already relayed into their
// successor are skipped.
//
// An AddressOveruse error means a node of the branch is exhausted: the tree
// has to be grown before the chain can be composed.
func Compose(req ComposeRequest,
	builder ledger.BundleBuilder) (ledger.Chain, error) {

	if req.Root == nil {
		return nil, flasherr.New(flasherr.NullValue, "no address tree")
	}

	var (
		negatives int
		total     ledger.Amount
	)
	for _, t := range req.Transfers {
		if t.Address == "" {
			return nil, flasherr.New(flasherr.InvalidTransferObject,
				"transfer without address")
		}
		if t.Address == req.Remainder {
			return nil, flasherr.New(flasherr.InvalidTransferObject,
				"transfer to the remainder address").
				WithAddress(t.Address)
		}
		if addrtree.Find(req.Root, t.Address).IsSome() {
			return nil, flasherr.New(flasherr.InvalidTransferObject,
				"transfer to an address of the channel tree").
				WithAddress(t.Address)
		}
		if t.Value < 0 {
			negatives++
		}
		total += t.Value
	}
	if negatives > len(req.Stakes) {
		return nil, flasherr.New(flasherr.InvalidTransferObject, "%d "+
			"negative transfers for %d parties", negatives,
			len(req.Stakes))
	}

	var deposit ledger.Amount
	for _, d := range req.Deposit {
		deposit += d
	}
	switch {
	case deposit <= 0:
		return nil, flasherr.New(flasherr.InsufficientFunds, "channel "+
			"deposits are exhausted")

	case total > deposit:
		return nil, flasherr.New(flasherr.InsufficientFunds, "transfers "+
			"of %v exceed deposits of %v", total, deposit).
			WithValue(total)
	}

	cumulative := make(map[ledger.Address]ledger.Amount, len(req.Outputs))
	for addr, v := range req.Outputs {
		cumulative[addr] = v
	}
	for _, t := range req.Transfers {
		cumulative[t.Address] += t.Value
	}

	var (
		outputs []ledger.Transfer
		paid    ledger.Amount
	)
	for addr, v := range cumulative {
		switch {
		case v < 0:
			return nil, flasherr.New(flasherr.InvalidTransferObject,
				"cumulative output turns negative").
				WithAddress(addr).WithValue(v)

		case v == 0:
			continue
		}

		outputs = append(outputs, ledger.Transfer{Address: addr, Value: v})
		paid += v
	}
	ledger.SortTransfers(outputs)

	if paid > req.Balance {
		return nil, flasherr.New(flasherr.InsufficientFunds, "outputs "+
			"of %v exceed balance %v", paid, req.Balance).WithValue(paid)
	}

	prev := remainderValue(req.History, req.Remainder, req.Balance)
	if next := req.Balance - paid; next > prev {
		return nil, flasherr.New(flasherr.RemainderIncreased, "remainder "+
			"would grow from %v to %v", prev, next).
			WithAddress(req.Remainder)
	}

	var branch []*addrtree.Node
	if req.Closing {
		branch = addrtree.MinimalBranch(req.Root)
	} else {
		branch = addrtree.ActiveBranch(req.Root)
	}

	start := 0
	for start < len(branch)-1 &&
		branch[start].RelayedTo(branch[start+1].Address) {

		start++
	}
	nodes := branch[start:]

	for _, n := range nodes {
		if n.Exhausted() {
			return nil, flasherr.New(flasherr.AddressOveruse, "node "+
				"used %d times", n.UsageCount()).
				WithAddress(n.Address)
		}
	}

	chain := make(ledger.Chain, 0, len(nodes))
	for i, n := range nodes {
		input := ledger.Input{
			Address:     n.Address,
			SecuritySum: n.SecuritySum,
			Balance:     req.Balance,
		}

		hopOutputs := outputs
		if i < len(nodes)-1 {
			hopOutputs = []ledger.Transfer{{
				Address: nodes[i+1].Address,
				Value:   req.Balance,
			}}
		}

		b, err := builder.InitiateTransfer(
			input, req.Remainder, hopOutputs,
		)
		if err != nil {
			return nil, err
		}

		chain = append(chain, b)
	}

	log.Debugf("Composed chain of %d bundle(s) from %v (closing=%v)",
		len(chain), nodes[0].Address, req.Closing)
	log.Tracef("Composed chain: %v", newLogClosure(func() string {
		return spew.Sdump(chain)
	}))

	return chain, nil
}

// Compose builds a chain adding transfers to the state's outputs.
func (s *State) Compose(transfers []ledger.Transfer, closing bool,
	builder ledger.BundleBuilder) (ledger.Chain, error) {

	return Compose(ComposeRequest{
		Balance:   s.Balance,
		Deposit:   s.Deposit,
		Outputs:   s.Outputs,
		Stakes:    s.Stakes,
		Root:      s.Root,
		Remainder: s.Remainder,
		History:   s.History,
		Transfers: transfers,
		Closing:   closing,
	}, builder)
}

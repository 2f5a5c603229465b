package bundle

import (
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
)

// Builder assembles the transactions of a single chain hop. The produced
// bundle lists the outputs in the order given, then the input spending the
// full balance with one empty signature slot per unit of security, then the
// change returned to the remainder address.
type Builder struct{}

// A compile time check to ensure Builder implements the ledger.BundleBuilder
// interface.
var _ ledger.BundleBuilder = (*Builder)(nil)

// NewBuilder returns a bundle builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// InitiateTransfer builds the bundle spending input into outputs, returning
// whatever is left to remainder.
//
// NOTE: Part of the ledger.BundleBuilder interface.
func (b *Builder) InitiateTransfer(input ledger.Input,
	remainder ledger.Address, outputs []ledger.Transfer) (ledger.Bundle,
	error) {

	switch {
	case input.Address == "":
		return nil, flasherr.New(flasherr.NullValue, "input address "+
			"missing")

	case input.SecuritySum <= 0:
		return nil, flasherr.New(flasherr.NullValue, "input has no "+
			"security").WithAddress(input.Address)

	case input.Balance <= 0:
		return nil, flasherr.New(flasherr.InsufficientFunds, "input "+
			"has no balance").WithAddress(input.Address)
	}

	var total ledger.Amount
	for _, out := range outputs {
		if out.Value <= 0 || out.Address == "" {
			return nil, flasherr.New(flasherr.InvalidTransfersArray,
				"output %v", out).WithAddress(out.Address).
				WithValue(out.Value)
		}
		if out.Address == input.Address {
			return nil, flasherr.New(flasherr.InvalidTransfersArray,
				"output pays back into the input").
				WithAddress(out.Address)
		}

		total += out.Value
	}

	if total > input.Balance {
		return nil, flasherr.New(flasherr.InsufficientFunds, "outputs "+
			"of %v exceed balance of %v", total, input.Balance).
			WithAddress(input.Address).WithValue(total)
	}

	change := input.Balance - total
	if change > 0 && remainder == "" {
		return nil, flasherr.New(flasherr.NullValue, "change of %v "+
			"without remainder address", change).WithValue(change)
	}

	bundle := make(ledger.Bundle, 0, len(outputs)+2)
	for _, out := range outputs {
		bundle = append(bundle, ledger.Transaction{
			Address: out.Address,
			Value:   out.Value,
		})
	}

	bundle = append(bundle, ledger.Transaction{
		Address:   input.Address,
		Value:     -input.Balance,
		Signature: make([][]byte, input.SecuritySum),
	})

	if change > 0 {
		bundle = append(bundle, ledger.Transaction{
			Address: remainder,
			Value:   change,
		})
	}

	return bundle, nil
}

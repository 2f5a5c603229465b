package ledger

import (
	"fmt"
	"sort"
)

// Amount is a quantity of ledger value. Transactions that spend from an
// address carry a negative amount.
type Amount int64

// Address is the encoded form of a ledger address.
type Address string

// Transfer is a request to move Value to Address.
type Transfer struct {
	Address Address
	Value   Amount
}

// String returns a human readable form of the transfer.
func (t Transfer) String() string {
	return fmt.Sprintf("%v->%v", t.Value, t.Address)
}

// SumTransfers returns the total value of the passed transfers.
func SumTransfers(transfers []Transfer) Amount {
	var total Amount
	for _, t := range transfers {
		total += t.Value
	}

	return total
}

// SortTransfers orders transfers by address so that every party derives the
// same bundle from the same set of outputs.
func SortTransfers(transfers []Transfer) {
	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].Address < transfers[j].Address
	})
}

// Transaction is a single entry of a bundle.
type Transaction struct {
	// Address is the address credited, or debited for inputs.
	Address Address

	// Value is positive for outputs and negative for inputs.
	Value Amount

	// Signature holds the signature slots of an input transaction. The
	// slice has one entry per unit of security absorbed into the address.
	// Empty entries are slots that still await a signer. Outputs carry no
	// signature slots.
	Signature [][]byte
}

// IsInput returns true if the transaction spends from its address.
func (t Transaction) IsInput() bool {
	return t.Value < 0
}

// copyTx returns a deep copy of the transaction.
func copyTx(t Transaction) Transaction {
	c := t
	if t.Signature != nil {
		c.Signature = make([][]byte, len(t.Signature))
		for i, frag := range t.Signature {
			if frag != nil {
				c.Signature[i] = append([]byte(nil), frag...)
			}
		}
	}

	return c
}

// Bundle is an atomic set of transactions forming one value transfer.
type Bundle []Transaction

// Copy returns a deep copy of the bundle, including signature slots.
func (b Bundle) Copy() Bundle {
	if b == nil {
		return nil
	}

	c := make(Bundle, len(b))
	for i, tx := range b {
		c[i] = copyTx(tx)
	}

	return c
}

// FirstInput returns the position of the first input transaction of the
// bundle, or -1 if the bundle has none.
func (b Bundle) FirstInput() int {
	for i, tx := range b {
		if tx.IsInput() {
			return i
		}
	}

	return -1
}

// InputFor returns the position of the input transaction spending from addr,
// or -1 if there is none.
func (b Bundle) InputFor(addr Address) int {
	for i, tx := range b {
		if tx.IsInput() && tx.Address == addr {
			return i
		}
	}

	return -1
}

// Inputs returns all input transactions of the bundle.
func (b Bundle) Inputs() []Transaction {
	var inputs []Transaction
	for _, tx := range b {
		if tx.IsInput() {
			inputs = append(inputs, tx)
		}
	}

	return inputs
}

// Outputs returns the positive value transactions of the bundle as
// transfers, merging repeated addresses.
func (b Bundle) Outputs() []Transfer {
	var (
		outputs []Transfer
		pos     = make(map[Address]int)
	)
	for _, tx := range b {
		if tx.Value <= 0 {
			continue
		}

		if i, ok := pos[tx.Address]; ok {
			outputs[i].Value += tx.Value
			continue
		}

		pos[tx.Address] = len(outputs)
		outputs = append(outputs, Transfer{
			Address: tx.Address,
			Value:   tx.Value,
		})
	}

	return outputs
}

// ValueTo returns the total positive value the bundle sends to addr.
func (b Bundle) ValueTo(addr Address) Amount {
	var total Amount
	for _, tx := range b {
		if tx.Value > 0 && tx.Address == addr {
			total += tx.Value
		}
	}

	return total
}

// Chain is an ordered sequence of bundles relaying value down the address
// tree. Bundle i spends from the i-th node of the relayed branch.
type Chain []Bundle

// Copy returns a deep copy of the chain.
func (c Chain) Copy() Chain {
	if c == nil {
		return nil
	}

	cp := make(Chain, len(c))
	for i, b := range c {
		cp[i] = b.Copy()
	}

	return cp
}

// Final returns the settling bundle of the chain, which is its last one.
func (c Chain) Final() Bundle {
	if len(c) == 0 {
		return nil
	}

	return c[len(c)-1]
}

package channel

import (
	"fmt"
	"math"

	"github.com/iotaledger/flashd/addrtree"
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
)

// stakeEpsilon is the tolerance used when checking that stakes sum to one.
const stakeEpsilon = 1e-9

// Params holds everything needed to open a channel.
type Params struct {
	// Balance is the value held by the root of the address tree.
	Balance ledger.Amount

	// Deposits is the collateral each party contributed.
	Deposits []ledger.Amount

	// Stakes are the fixed proportional shares of the parties. If empty
	// they are derived from Deposits.
	Stakes []float64

	// SettlementAddresses is the address each party is paid out to.
	SettlementAddresses []ledger.Address

	// Root is the root of this party's view of the address tree.
	Root *addrtree.Node

	// Remainder is the composite address change is returned to.
	Remainder ledger.Address
}

// State is one party's view of a channel. It is created by NewState and
// only mutated by ApplyTransfers.
type State struct {
	Balance ledger.Amount

	// Deposit is the collateral each party still has locked.
	Deposit []ledger.Amount

	Stakes []float64

	// Outputs are the cumulative payouts of the channel. They never
	// decrease.
	Outputs map[ledger.Address]ledger.Amount

	// History holds the final bundle of every applied chain, in order.
	History []ledger.Bundle

	Remainder ledger.Address

	Root *addrtree.Node

	SettlementAddresses []ledger.Address
}

// NewState validates p and creates the channel state for it.
func NewState(p Params) (*State, error) {
	n := len(p.Deposits)
	switch {
	case n == 0:
		return nil, flasherr.New(flasherr.NullValue, "channel without "+
			"parties")

	case len(p.SettlementAddresses) != n:
		return nil, flasherr.New(flasherr.InvalidTransferObject, "%d "+
			"settlement addresses for %d parties",
			len(p.SettlementAddresses), n)

	case len(p.Stakes) != 0 && len(p.Stakes) != n:
		return nil, flasherr.New(flasherr.InvalidTransferObject, "%d "+
			"stakes for %d parties", len(p.Stakes), n)

	case p.Root == nil:
		return nil, flasherr.New(flasherr.NullValue, "channel without "+
			"address tree")

	case p.Remainder == "":
		return nil, flasherr.New(flasherr.NullValue, "channel without "+
			"remainder address")

	case p.Balance <= 0:
		return nil, flasherr.New(flasherr.InsufficientFunds, "channel "+
			"balance must be positive").WithValue(p.Balance)
	}

	var total ledger.Amount
	for i, d := range p.Deposits {
		if d < 0 {
			return nil, flasherr.New(flasherr.InvalidTransferObject,
				"negative deposit for party %d", i).WithValue(d)
		}
		total += d
	}
	if total > p.Balance {
		return nil, flasherr.New(flasherr.InsufficientFunds, "deposits "+
			"of %v exceed balance %v", total, p.Balance)
	}

	seen := make(map[ledger.Address]struct{}, n)
	for i, addr := range p.SettlementAddresses {
		if addr == "" {
			return nil, flasherr.New(flasherr.NullValue, "party %d "+
				"without settlement address", i)
		}
		if addr == p.Remainder {
			return nil, flasherr.New(flasherr.InvalidTransferObject,
				"settlement address of party %d is the "+
					"remainder", i).WithAddress(addr)
		}
		if _, ok := seen[addr]; ok {
			return nil, flasherr.New(flasherr.InvalidTransferObject,
				"duplicate settlement address").WithAddress(addr)
		}
		seen[addr] = struct{}{}
	}

	stakes := append([]float64(nil), p.Stakes...)
	if len(stakes) == 0 {
		if total == 0 {
			return nil, flasherr.New(flasherr.NullValue, "cannot "+
				"derive stakes without deposits")
		}

		stakes = make([]float64, n)
		for i, d := range p.Deposits {
			stakes[i] = float64(d) / float64(total)
		}
	}
	if err := validateStakes(stakes); err != nil {
		return nil, err
	}

	s := &State{
		Balance:             p.Balance,
		Deposit:             append([]ledger.Amount(nil), p.Deposits...),
		Stakes:              stakes,
		Outputs:             make(map[ledger.Address]ledger.Amount),
		Remainder:           p.Remainder,
		Root:                p.Root,
		SettlementAddresses: append([]ledger.Address(nil), p.SettlementAddresses...),
	}

	log.Infof("Opened channel with %d parties, balance=%v, deposits=%v, "+
		"root=%v", n, s.Balance, s.Deposit, s.Root.Address)

	return s, nil
}

func validateStakes(stakes []float64) error {
	var sum float64
	for i, s := range stakes {
		if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return flasherr.New(flasherr.InvalidTransferObject,
				"invalid stake %v for party %d", s, i)
		}
		sum += s
	}

	if math.Abs(sum-1) > stakeEpsilon {
		return flasherr.New(flasherr.InvalidTransferObject, "stakes "+
			"sum to %v", sum)
	}

	return nil
}

// TotalDeposit returns the collateral still locked in the channel.
func (s *State) TotalDeposit() ledger.Amount {
	var total ledger.Amount
	for _, d := range s.Deposit {
		total += d
	}

	return total
}

// RemainderValue returns the value the last applied chain returns to the
// remainder address, or the full balance if nothing was applied yet.
func (s *State) RemainderValue() ledger.Amount {
	return remainderValue(s.History, s.Remainder, s.Balance)
}

// Closed returns true once an applied chain drained every deposit.
func (s *State) Closed() bool {
	return len(s.History) > 0 && s.TotalDeposit() == 0
}

// Snapshot returns a deep copy of the state sharing no memory with it.
func (s *State) Snapshot() *State {
	c := &State{
		Balance:   s.Balance,
		Deposit:   append([]ledger.Amount(nil), s.Deposit...),
		Stakes:    append([]float64(nil), s.Stakes...),
		Outputs:   make(map[ledger.Address]ledger.Amount, len(s.Outputs)),
		Remainder: s.Remainder,
		Root:      s.Root.Clone(),
		SettlementAddresses: append(
			[]ledger.Address(nil), s.SettlementAddresses...,
		),
	}
	for addr, v := range s.Outputs {
		c.Outputs[addr] = v
	}
	for _, b := range s.History {
		c.History = append(c.History, b.Copy())
	}

	return c
}

// String returns a short summary of the state.
func (s *State) String() string {
	return fmt.Sprintf("balance=%v deposit=%v outputs=%d history=%d "+
		"remainder=%v", s.Balance, s.Deposit, len(s.Outputs),
		len(s.History), s.RemainderValue())
}

// PartyIndex returns the position of the party paid out to addr.
func (s *State) PartyIndex(addr ledger.Address) (int, bool) {
	for i, a := range s.SettlementAddresses {
		if a == addr {
			return i, true
		}
	}

	return 0, false
}

// remainderValue returns what the last history entry returns to remainder,
// falling back to balance for an empty history.
func remainderValue(history []ledger.Bundle, remainder ledger.Address,
	balance ledger.Amount) ledger.Amount {

	if len(history) == 0 {
		return balance
	}

	return history[len(history)-1].ValueTo(remainder)
}

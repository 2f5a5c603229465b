package channel

import (
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Prepare turns a payment of party from into the transfers of a chain. The
// other parties release collateral in proportion to their stakes, paid to
// their settlement addresses, so that the deposits stay balanced once the
// chain is applied. Release entries are merged into destinations already
// paying the same address. Only positive entries are returned, destinations
// first and release entries after them in party order.
func Prepare(settlement []ledger.Address, stakes []float64,
	deposits []ledger.Amount, from int,
	destinations []ledger.Transfer) ([]ledger.Transfer, error) {

	switch {
	case len(settlement) != len(deposits) || len(stakes) != len(deposits):
		return nil, flasherr.New(flasherr.InvalidTransferObject, "%d "+
			"settlement addresses, %d stakes and %d deposits",
			len(settlement), len(stakes), len(deposits))

	case from < 0 || from >= len(deposits):
		return nil, flasherr.New(flasherr.InvalidTransferObject,
			"unknown party %d", from)
	}

	var total ledger.Amount
	for _, d := range destinations {
		if d.Address == "" {
			return nil, flasherr.New(flasherr.InvalidTransferObject,
				"destination without address")
		}
		if d.Value < 0 {
			return nil, flasherr.New(flasherr.InvalidTransferObject,
				"negative destination value").
				WithAddress(d.Address).WithValue(d.Value)
		}
		total += d.Value
	}

	if total > deposits[from] {
		return nil, flasherr.New(flasherr.InsufficientFunds, "party %d "+
			"pays %v from a deposit of %v", from, total,
			deposits[from]).WithValue(total)
	}

	var (
		transfers []ledger.Transfer
		pos       = make(map[ledger.Address]int)
	)
	add := func(addr ledger.Address, value ledger.Amount) {
		if i, ok := pos[addr]; ok {
			transfers[i].Value += value
			return
		}

		pos[addr] = len(transfers)
		transfers = append(transfers, ledger.Transfer{
			Address: addr,
			Value:   value,
		})
	}

	for _, d := range destinations {
		add(d.Address, d.Value)
	}

	release := ReleaseCollateral(stakes, deposits, fn.Some(from), total)
	for i, amt := range release {
		if amt > 0 {
			add(settlement[i], amt)
		}
	}

	positive := transfers[:0]
	for _, t := range transfers {
		if t.Value > 0 {
			positive = append(positive, t)
		}
	}

	log.Debugf("Prepared payment of %v from party %d, released "+
		"collateral %v", total, from, release)

	return positive, nil
}

// Close returns the transfers settling the channel: every party's remaining
// deposit paid to its own settlement address.
func Close(settlement []ledger.Address,
	deposits []ledger.Amount) ([]ledger.Transfer, error) {

	if len(settlement) != len(deposits) {
		return nil, flasherr.New(flasherr.InvalidTransferObject, "%d "+
			"settlement addresses for %d deposits",
			len(settlement), len(deposits))
	}

	var transfers []ledger.Transfer
	for i, d := range deposits {
		if d <= 0 {
			continue
		}

		transfers = append(transfers, ledger.Transfer{
			Address: settlement[i],
			Value:   d,
		})
	}

	return transfers, nil
}

// Prepare runs Prepare against the state's parties and deposits.
func (s *State) Prepare(from int,
	destinations []ledger.Transfer) ([]ledger.Transfer, error) {

	return Prepare(
		s.SettlementAddresses, s.Stakes, s.Deposit, from, destinations,
	)
}

// CloseTransfers runs Close against the state's deposits.
func (s *State) CloseTransfers() ([]ledger.Transfer, error) {
	return Close(s.SettlementAddresses, s.Deposit)
}

package channel

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/iotaledger/flashd/addrtree"
	"github.com/iotaledger/flashd/bundle"
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testRemainder = ledger.Address("REMAINDER")

var nodeCounter atomic.Uint32

// mockCrypto accepts every signature except those of the addresses marked
// invalid. Only ValidateSignatures is used by the channel.
type mockCrypto struct {
	ledger.Crypto

	invalid map[ledger.Address]bool
}

func (m *mockCrypto) ValidateSignatures(_ ledger.Bundle,
	addr ledger.Address) bool {

	return !m.invalid[addr]
}

func newTestNodes(t require.TestingT, n int) []*addrtree.Node {
	nodes := make([]*addrtree.Node, n)
	for i := range nodes {
		id := nodeCounter.Add(1)

		var err error
		nodes[i], err = addrtree.NewNode(ledger.ComposedAddress{
			Address:     ledger.Address(fmt.Sprintf("NODE%d", id)),
			SecuritySum: 2,
		}, id, 1, 0)
		require.NoError(t, err)
	}

	return nodes
}

func settlement(n int) []ledger.Address {
	addrs := make([]ledger.Address, n)
	for i := range addrs {
		addrs[i] = ledger.Address(fmt.Sprintf("PARTY%d", i))
	}

	return addrs
}

func newTestState(t require.TestingT, depth int,
	deposits ...ledger.Amount) *State {

	root, err := addrtree.Nest(newTestNodes(t, depth))
	require.NoError(t, err)

	var balance ledger.Amount
	for _, d := range deposits {
		balance += d
	}

	s, err := NewState(Params{
		Balance:             balance,
		Deposits:            deposits,
		SettlementAddresses: settlement(len(deposits)),
		Root:                root,
		Remainder:           testRemainder,
	})
	require.NoError(t, err)

	return s
}

// growIfNeeded grows the tree of s when its active leaf is exhausted. It
// returns false if the tree cannot grow anymore.
func growIfNeeded(t require.TestingT, s *State) bool {
	sel := addrtree.SelectSpendableRoot(addrtree.ActiveBranch(s.Root))
	if sel.Node.IsNone() {
		return false
	}
	if sel.Generate == 0 {
		return true
	}

	err := addrtree.Grow(
		sel.Node.UnsafeFromSome(), newTestNodes(t, sel.Generate),
	)
	require.NoError(t, err)

	return true
}

// pay prepares, composes and applies a payment of value from party from to
// party to.
func pay(t require.TestingT, s *State, from, to int,
	value ledger.Amount) ledger.Chain {

	transfers, err := s.Prepare(from, []ledger.Transfer{{
		Address: s.SettlementAddresses[to],
		Value:   value,
	}})
	require.NoError(t, err)

	require.True(t, growIfNeeded(t, s))
	chain, err := s.Compose(transfers, false, bundle.NewBuilder())
	require.NoError(t, err)

	_, err = s.ApplyTransfers(chain, &mockCrypto{})
	require.NoError(t, err)

	return chain
}

func TestNewStateValidation(t *testing.T) {
	t.Parallel()

	root, err := addrtree.Nest(newTestNodes(t, 1))
	require.NoError(t, err)

	valid := Params{
		Balance:             2000,
		Deposits:            []ledger.Amount{1000, 1000},
		SettlementAddresses: settlement(2),
		Root:                root,
		Remainder:           testRemainder,
	}

	s, err := NewState(valid)
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, 0.5}, s.Stakes)
	require.False(t, s.Closed())

	tests := []struct {
		name    string
		mutate  func(p *Params)
		errKind flasherr.Kind
	}{
		{
			name: "deposits exceed balance",
			mutate: func(p *Params) {
				p.Balance = 1999
			},
			errKind: flasherr.InsufficientFunds,
		},
		{
			name: "stakes do not sum to one",
			mutate: func(p *Params) {
				p.Stakes = []float64{0.5, 0.6}
			},
			errKind: flasherr.InvalidTransferObject,
		},
		{
			name: "missing settlement address",
			mutate: func(p *Params) {
				p.SettlementAddresses = settlement(1)
			},
			errKind: flasherr.InvalidTransferObject,
		},
		{
			name: "settlement to remainder",
			mutate: func(p *Params) {
				p.SettlementAddresses = []ledger.Address{
					"PARTY0", testRemainder,
				}
			},
			errKind: flasherr.InvalidTransferObject,
		},
		{
			name: "no tree",
			mutate: func(p *Params) {
				p.Root = nil
			},
			errKind: flasherr.NullValue,
		},
		{
			name: "negative deposit",
			mutate: func(p *Params) {
				p.Deposits = []ledger.Amount{-1, 1000}
			},
			errKind: flasherr.InvalidTransferObject,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			p := valid
			test.mutate(&p)

			_, err := NewState(p)
			require.True(t, flasherr.Is(err, test.errKind),
				"unexpected error: %v", err)
		})
	}
}

func TestReleaseCollateral(t *testing.T) {
	t.Parallel()

	third := 1.0 / 3

	tests := []struct {
		name     string
		stakes   []float64
		deposits []ledger.Amount
		exclude  fn.Option[int]
		total    ledger.Amount
		want     []ledger.Amount
	}{
		{
			name:     "two parties",
			stakes:   []float64{0.5, 0.5},
			deposits: []ledger.Amount{1000, 1000},
			exclude:  fn.Some(0),
			total:    200,
			want:     []ledger.Amount{0, 200},
		},
		{
			name:     "three parties",
			stakes:   []float64{third, third, third},
			deposits: []ledger.Amount{1000, 1000, 1000},
			exclude:  fn.Some(0),
			total:    200,
			want:     []ledger.Amount{0, 100, 100},
		},
		{
			name:     "other deposits empty",
			stakes:   []float64{0.5, 0.5},
			deposits: []ledger.Amount{1000, 0},
			exclude:  fn.Some(0),
			total:    200,
			want:     []ledger.Amount{0, 0},
		},
		{
			name:     "capped share overflows",
			stakes:   []float64{third, third, third},
			deposits: []ledger.Amount{1000, 50, 1000},
			exclude:  fn.Some(0),
			total:    200,
			want:     []ledger.Amount{0, 50, 150},
		},
		{
			name:     "rounding keeps the total",
			stakes:   []float64{third, third, third},
			deposits: []ledger.Amount{1000, 1000, 1000},
			exclude:  fn.None[int](),
			total:    100,
			want:     []ledger.Amount{34, 33, 33},
		},
		{
			name:     "uncoverable total",
			stakes:   []float64{0.5, 0.5},
			deposits: []ledger.Amount{1000, 10},
			exclude:  fn.Some(0),
			total:    200,
			want:     []ledger.Amount{0, 10},
		},
		{
			name:     "uneven stakes",
			stakes:   []float64{0.25, 0.75},
			deposits: []ledger.Amount{500, 1500},
			exclude:  fn.None[int](),
			total:    400,
			want:     []ledger.Amount{100, 300},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got := ReleaseCollateral(
				test.stakes, test.deposits, test.exclude,
				test.total,
			)
			require.Equal(t, test.want, got)
		})
	}
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	third := 1.0 / 3

	tests := []struct {
		name     string
		stakes   []float64
		deposits []ledger.Amount
		from     int
		dest     []ledger.Transfer
		want     []ledger.Transfer
		errKind  flasherr.Kind
	}{
		{
			name:     "two parties",
			stakes:   []float64{0.5, 0.5},
			deposits: []ledger.Amount{1000, 1000},
			dest:     []ledger.Transfer{{Address: "PARTY1", Value: 200}},
			want:     []ledger.Transfer{{Address: "PARTY1", Value: 400}},
		},
		{
			name:     "three parties",
			stakes:   []float64{third, third, third},
			deposits: []ledger.Amount{1000, 1000, 1000},
			dest:     []ledger.Transfer{{Address: "PARTY1", Value: 200}},
			want: []ledger.Transfer{
				{Address: "PARTY1", Value: 300},
				{Address: "PARTY2", Value: 100},
			},
		},
		{
			name:     "no collateral from others",
			stakes:   []float64{0.5, 0.5},
			deposits: []ledger.Amount{1000, 0},
			dest:     []ledger.Transfer{{Address: "PARTY1", Value: 200}},
			want:     []ledger.Transfer{{Address: "PARTY1", Value: 200}},
		},
		{
			name:     "no collateral from two others",
			stakes:   []float64{third, third, third},
			deposits: []ledger.Amount{1000, 0, 0},
			dest:     []ledger.Transfer{{Address: "PARTY1", Value: 200}},
			want:     []ledger.Transfer{{Address: "PARTY1", Value: 200}},
		},
		{
			name:     "external destination",
			stakes:   []float64{0.5, 0.5},
			deposits: []ledger.Amount{1000, 1000},
			dest:     []ledger.Transfer{{Address: "SHOP", Value: 50}},
			want: []ledger.Transfer{
				{Address: "SHOP", Value: 50},
				{Address: "PARTY1", Value: 50},
			},
		},
		{
			name:     "zero destination is dropped",
			stakes:   []float64{0.5, 0.5},
			deposits: []ledger.Amount{1000, 0},
			dest: []ledger.Transfer{
				{Address: "SHOP", Value: 0},
				{Address: "PARTY1", Value: 10},
			},
			want: []ledger.Transfer{{Address: "PARTY1", Value: 10}},
		},
		{
			name:     "insufficient funds",
			stakes:   []float64{0.5, 0.5},
			deposits: []ledger.Amount{0, 1000},
			dest:     []ledger.Transfer{{Address: "PARTY1", Value: 200}},
			errKind:  flasherr.InsufficientFunds,
		},
		{
			name:     "negative destination",
			stakes:   []float64{0.5, 0.5},
			deposits: []ledger.Amount{1000, 1000},
			dest:     []ledger.Transfer{{Address: "PARTY1", Value: -1}},
			errKind:  flasherr.InvalidTransferObject,
		},
		{
			name:     "unknown payer",
			stakes:   []float64{0.5, 0.5},
			deposits: []ledger.Amount{1000, 1000},
			from:     2,
			errKind:  flasherr.InvalidTransferObject,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got, err := Prepare(
				settlement(len(test.deposits)), test.stakes,
				test.deposits, test.from, test.dest,
			)
			if test.errKind != 0 {
				require.True(t, flasherr.Is(err, test.errKind),
					"unexpected error: %v", err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	got, err := Close(settlement(3), []ledger.Amount{800, 0, 1200})
	require.NoError(t, err)
	require.Equal(t, []ledger.Transfer{
		{Address: "PARTY0", Value: 800},
		{Address: "PARTY2", Value: 1200},
	}, got)

	_, err = Close(settlement(2), []ledger.Amount{1})
	require.True(t, flasherr.Is(err, flasherr.InvalidTransferObject))
}

func TestComposeAndApply(t *testing.T) {
	t.Parallel()

	s := newTestState(t, 3, 1000, 1000)
	branch := addrtree.ActiveBranch(s.Root)

	transfers, err := s.Prepare(0, []ledger.Transfer{{
		Address: "PARTY1", Value: 200,
	}})
	require.NoError(t, err)

	chain, err := s.Compose(transfers, false, bundle.NewBuilder())
	require.NoError(t, err)
	require.Len(t, chain, 3)

	// Relays pass the whole balance down the branch.
	for i := 0; i < 2; i++ {
		require.Equal(t, []ledger.Transfer{{
			Address: branch[i+1].Address, Value: 2000,
		}}, chain[i].Outputs())
	}
	require.Equal(t, []ledger.Transfer{
		{Address: "PARTY1", Value: 400},
		{Address: testRemainder, Value: 1600},
	}, chain.Final().Outputs())

	deltas, err := s.ApplyTransfers(chain, &mockCrypto{})
	require.NoError(t, err)
	require.Equal(t, []ledger.Transfer{
		{Address: "PARTY1", Value: 400},
	}, deltas)
	require.Equal(t, []ledger.Amount{800, 800}, s.Deposit)
	require.Equal(t, ledger.Amount(400), s.Outputs["PARTY1"])
	require.Len(t, s.History, 1)
	require.Equal(t, ledger.Amount(1600), s.RemainderValue())
	for _, n := range branch {
		require.Equal(t, 1, n.UsageCount())
	}

	// The next payment only spends from the leaf.
	transfers, err = s.Prepare(1, []ledger.Transfer{{
		Address: "PARTY0", Value: 100,
	}})
	require.NoError(t, err)

	chain, err = s.Compose(transfers, false, bundle.NewBuilder())
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Equal(t, []ledger.Transfer{
		{Address: "PARTY0", Value: 200},
		{Address: "PARTY1", Value: 400},
		{Address: testRemainder, Value: 1400},
	}, chain.Final().Outputs())

	_, err = s.ApplyTransfers(chain, &mockCrypto{})
	require.NoError(t, err)
	require.Equal(t, []ledger.Amount{700, 700}, s.Deposit)
	require.Equal(t, 2, branch[2].UsageCount())
	require.Equal(t, 1, branch[1].UsageCount())
}

// TestThreePartyBystanderShare pins how a payment between two parties of a
// three party channel treats the third. Prepare releases the bystander's
// share to its settlement address, but the committed chain consumes deposit
// from every party by stake, so the bystander ends below its opening
// deposit of 1000.
func TestThreePartyBystanderShare(t *testing.T) {
	t.Parallel()

	s := newTestState(t, 2, 1000, 1000, 1000)
	pay(t, s, 0, 1, 200)

	require.Equal(t, ledger.Amount(300), s.Outputs["PARTY1"])
	require.Equal(t, ledger.Amount(100), s.Outputs["PARTY2"])
	require.Equal(t, []ledger.Amount{866, 867, 867}, s.Deposit)

	bystander := s.Deposit[2] + s.Outputs["PARTY2"]
	require.Equal(t, ledger.Amount(967), bystander)
	require.Equal(t, ledger.Amount(2600), s.RemainderValue())
}

func TestComposeGrowsAfterMaxUses(t *testing.T) {
	t.Parallel()

	s := newTestState(t, 2, 1000, 1000)
	branch := addrtree.ActiveBranch(s.Root)

	for i := 0; i < addrtree.MaxUses; i++ {
		pay(t, s, 0, 1, 10)
	}
	require.True(t, branch[1].Exhausted())

	transfers, err := s.Prepare(0, []ledger.Transfer{{
		Address: "PARTY1", Value: 10,
	}})
	require.NoError(t, err)

	_, err = s.Compose(transfers, false, bundle.NewBuilder())
	require.True(t, flasherr.Is(err, flasherr.AddressOveruse))
	require.True(t, flasherr.Recoverable(err))

	require.True(t, growIfNeeded(t, s))
	grown := addrtree.ActiveBranch(s.Root)
	require.Len(t, grown, 2)
	require.NotEqual(t, branch[1].Address, grown[1].Address)

	chain, err := s.Compose(transfers, false, bundle.NewBuilder())
	require.NoError(t, err)
	require.Len(t, chain, 2)

	_, err = s.ApplyTransfers(chain, &mockCrypto{})
	require.NoError(t, err)
	require.Equal(t, 2, branch[0].UsageCount())
	require.Equal(t, ledger.Amount(80), s.Outputs["PARTY1"])
}

func TestComposeErrors(t *testing.T) {
	t.Parallel()

	s := newTestState(t, 2, 1000, 1000)
	b := bundle.NewBuilder()

	_, err := s.Compose([]ledger.Transfer{{
		Address: "PARTY1", Value: 2001,
	}}, false, b)
	require.True(t, flasherr.Is(err, flasherr.InsufficientFunds))

	_, err = s.Compose([]ledger.Transfer{{
		Address: testRemainder, Value: 1,
	}}, false, b)
	require.True(t, flasherr.Is(err, flasherr.InvalidTransferObject))

	_, err = s.Compose([]ledger.Transfer{{
		Address: "PARTY1", Value: -1,
	}}, false, b)
	require.True(t, flasherr.Is(err, flasherr.InvalidTransferObject))

	// Paying a node of the tree would look like a relay later on.
	for _, n := range addrtree.ActiveBranch(s.Root) {
		_, err = s.Compose([]ledger.Transfer{{
			Address: n.Address, Value: 1,
		}}, false, b)
		require.True(
			t, flasherr.Is(err, flasherr.InvalidTransferObject),
		)
	}

	_, err = s.Compose([]ledger.Transfer{
		{Address: "A", Value: -1},
		{Address: "B", Value: -1},
		{Address: "C", Value: -1},
	}, false, b)
	require.True(t, flasherr.Is(err, flasherr.InvalidTransferObject))

	s.Deposit = []ledger.Amount{0, 0}
	_, err = s.Compose(nil, false, b)
	require.True(t, flasherr.Is(err, flasherr.InsufficientFunds))
}

func TestApplyIsAtomic(t *testing.T) {
	t.Parallel()

	s := newTestState(t, 2, 1000, 1000)
	chain := pay(t, s, 0, 1, 200)
	before := s.Snapshot()

	// Re-submitting the applied chain is rejected.
	_, err := s.ApplyTransfers(chain, &mockCrypto{})
	require.True(t, flasherr.Is(err, flasherr.InvalidInput))
	require.Equal(t, before, s.Snapshot())

	// The delta of the applied chain against its own history is empty.
	deltas, err := s.Diff(chain[1:])
	require.NoError(t, err)
	require.Empty(t, deltas)

	transfers, err := s.Prepare(0, []ledger.Transfer{{
		Address: "PARTY1", Value: 100,
	}})
	require.NoError(t, err)
	next, err := s.Compose(transfers, false, bundle.NewBuilder())
	require.NoError(t, err)

	// A missing signature leaves the state untouched.
	_, err = s.ApplyTransfers(next, &mockCrypto{
		invalid: map[ledger.Address]bool{
			next[0][next[0].FirstInput()].Address: true,
		},
	})
	require.True(t, flasherr.Is(err, flasherr.InvalidSignatures))
	require.Equal(t, before, s.Snapshot())

	_, err = s.ApplyTransfers(next, &mockCrypto{})
	require.NoError(t, err)
	require.Equal(t, ledger.Amount(600), s.Outputs["PARTY1"])
}

func TestApplyRejectsOverspend(t *testing.T) {
	t.Parallel()

	s := newTestState(t, 2, 1000, 1000)
	before := s.Snapshot()

	// The root only ever holds the channel balance of 2000.
	chain := ledger.Chain{{
		{Address: "X", Value: 1500},
		{
			Address:   s.Root.Address,
			Value:     -3500,
			Signature: make([][]byte, s.Root.SecuritySum),
		},
		{Address: testRemainder, Value: 2000},
	}}

	_, err := s.ApplyTransfers(chain, &mockCrypto{})
	require.True(t, flasherr.Is(err, flasherr.InvalidInput))
	require.Equal(t, before, s.Snapshot())
}

func TestDiffRejectsTampering(t *testing.T) {
	t.Parallel()

	s := newTestState(t, 2, 1000, 1000)
	pay(t, s, 0, 1, 200)

	transfers, err := s.Prepare(0, []ledger.Transfer{{
		Address: "PARTY1", Value: 100,
	}})
	require.NoError(t, err)

	// Grow a fresh leaf so the chain includes a relay.
	for i := 1; i < addrtree.MaxUses; i++ {
		pay(t, s, 0, 1, 1)
	}
	require.True(t, growIfNeeded(t, s))
	chain, err := s.Compose(transfers, false, bundle.NewBuilder())
	require.NoError(t, err)
	require.Len(t, chain, 2)

	t.Run("relay keeps value", func(t *testing.T) {
		bad := chain.Copy()
		bad[0][0].Value--
		bad[0] = append(bad[0], ledger.Transaction{
			Address: "THIEF", Value: 1,
		})

		_, err := s.Diff(bad)
		require.True(t, flasherr.Is(err, flasherr.BalanceNotPassed))
	})

	t.Run("remainder grows", func(t *testing.T) {
		bad := chain.Copy()
		final := bad[1]
		for i := range final {
			if final[i].Address == testRemainder {
				final[i].Value += final[0].Value
			}
		}
		final[0].Value = 0

		_, err := s.Diff(bad)
		require.True(t, flasherr.Is(err, flasherr.RemainderIncreased))
	})

	t.Run("output decreases", func(t *testing.T) {
		// Move value from PARTY1 to a new address keeping the
		// remainder.
		bad := chain.Copy()
		final := bad[1]
		for i := range final {
			if final[i].Address == "PARTY1" {
				final[i].Value -= 300
			}
		}
		final = append(final, ledger.Transaction{
			Address: "ELSEWHERE", Value: 300,
		})
		bad[1] = final

		_, err := s.Diff(bad)
		require.True(t, flasherr.Is(err, flasherr.InvalidInput))
	})

	t.Run("inflated input", func(t *testing.T) {
		bad := chain.Copy()
		final := bad[1]
		final[final.FirstInput()].Value -= 1500
		final[0].Value += 1500

		_, err := s.Diff(bad)
		require.True(t, flasherr.Is(err, flasherr.InvalidInput))
	})

	t.Run("underspent input", func(t *testing.T) {
		bad := chain.Copy()
		final := bad[1]
		final[final.FirstInput()].Value += 100
		for i := range final {
			if final[i].Address == testRemainder {
				final[i].Value -= 100
			}
		}

		_, err := s.Diff(bad)
		require.True(t, flasherr.Is(err, flasherr.InvalidInput))
	})

	t.Run("second input", func(t *testing.T) {
		bad := chain.Copy()
		bad[1] = append(bad[1], ledger.Transaction{
			Address: bad[0][bad[0].FirstInput()].Address,
			Value:   -1,
		})
		bad[1][0].Value++

		_, err := s.Diff(bad)
		require.True(t, flasherr.Is(err, flasherr.InvalidInput))
	})

	t.Run("no input", func(t *testing.T) {
		_, err := s.Diff(ledger.Chain{{
			{Address: "PARTY1", Value: 1},
		}})
		require.True(t, flasherr.Is(err, flasherr.InputUndefined))
	})

	t.Run("unknown input", func(t *testing.T) {
		_, err := s.Diff(ledger.Chain{{
			{Address: "PARTY1", Value: 1},
			{Address: "UNKNOWN", Value: -1},
		}})
		require.True(t, flasherr.Is(err, flasherr.AddressNotFound))
	})
}

func TestCloseChannel(t *testing.T) {
	t.Parallel()

	s := newTestState(t, 3, 1000, 1000)
	pay(t, s, 0, 1, 200)
	pay(t, s, 1, 0, 50)

	transfers, err := s.CloseTransfers()
	require.NoError(t, err)

	chain, err := s.Compose(transfers, true, bundle.NewBuilder())
	require.NoError(t, err)

	// The root was used once and can settle on its own.
	require.Len(t, chain, 1)
	require.Equal(t, s.Root.Address, chain[0][chain[0].FirstInput()].Address)

	_, err = s.ApplyTransfers(chain, &mockCrypto{})
	require.NoError(t, err)
	require.True(t, s.Closed())
	require.Equal(t, ledger.Amount(0), s.RemainderValue())
	require.Equal(t, ledger.Amount(850), s.Outputs["PARTY0"])
	require.Equal(t, ledger.Amount(1150), s.Outputs["PARTY1"])

	var total ledger.Amount
	for _, v := range s.Outputs {
		total += v
	}
	require.Equal(t, s.Balance, total)
}

// TestPropertyChannelInvariants applies random payments between random
// parties and checks the deposit bound, non-negative deposits, growing
// outputs and a non-increasing remainder after every step.
func TestPropertyChannelInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parties := rapid.IntRange(2, 4).Draw(t, "parties")
		depth := rapid.IntRange(1, 4).Draw(t, "depth")
		deposits := make([]ledger.Amount, parties)
		for i := range deposits {
			deposits[i] = ledger.Amount(rapid.Int64Range(0, 1000).
				Draw(t, fmt.Sprintf("deposit%d", i)))
		}
		deposits[0]++

		s := newTestState(t, depth, deposits...)
		payments := rapid.IntRange(1, 25).Draw(t, "payments")
		for i := 0; i < payments; i++ {
			from := rapid.IntRange(0, parties-1).Draw(t, "from")
			to := rapid.IntRange(0, parties-1).Draw(t, "to")
			if s.Deposit[from] == 0 || from == to {
				continue
			}
			value := ledger.Amount(rapid.Int64Range(
				1, int64(s.Deposit[from]),
			).Draw(t, "value"))

			if !growIfNeeded(t, s) {
				return
			}

			before := s.Snapshot()
			pay(t, s, from, to, value)

			if s.TotalDeposit() > s.Balance {
				t.Fatalf("deposits %v exceed balance %v",
					s.TotalDeposit(), s.Balance)
			}
			for j, d := range s.Deposit {
				if d < 0 {
					t.Fatalf("negative deposit %v for %d",
						d, j)
				}
			}
			for addr, v := range before.Outputs {
				if s.Outputs[addr] < v {
					t.Fatalf("output of %v decreased", addr)
				}
			}
			if s.RemainderValue() > before.RemainderValue() {
				t.Fatalf("remainder increased")
			}
		}
	})
}

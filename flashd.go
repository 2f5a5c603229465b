package flashd

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/iotaledger/flashd/build"
	"github.com/iotaledger/flashd/bundle"
	"github.com/iotaledger/flashd/flash"
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
	"github.com/iotaledger/flashd/monitoring"
	"github.com/iotaledger/flashd/multisig"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/sync/errgroup"
)

// settlementKeyIndex is the key index settlement addresses are derived at,
// far away from the indexes used by the address tree.
const settlementKeyIndex = math.MaxUint32

// seedTag domain separates simulated party seeds.
var seedTag = []byte("flashd/simulation/seed")

// Main is the true entry point for flashd. It opens the configured number of
// channels, runs random payments on all of them concurrently, closes them
// and writes a settlement report to out.
func Main(cfg *Config, out io.Writer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := initLogRotator(cfg); err != nil {
		return err
	}
	defer func() {
		if err := logRotator.Close(); err != nil {
			fmt.Printf("unable to close log rotator: %v\n", err)
		}
	}()

	// A broken channel invariant is critical and stops every channel.
	log := build.NewShutdownLogger(fldLog, cancel)

	log.Infof("Version: %s commit=%s, build=%v", build.Version(),
		build.Commit, build.Deployment)

	if err := monitoring.ExportPrometheusMetrics(cfg.Prometheus); err != nil {
		return fmt.Errorf("unable to export metrics: %w", err)
	}
	defer func() {
		if err := monitoring.StopPrometheusExporter(); err != nil {
			log.Errorf("Unable to stop Prometheus exporter: %v", err)
		}
	}()

	registry := NewRegistry()
	for i := 0; i < cfg.Channels; i++ {
		c, err := openChannel(cfg, ChannelID(i))
		if err != nil {
			return fmt.Errorf("unable to open channel %d: %w", i, err)
		}
		if err := registry.Add(c); err != nil {
			return err
		}
	}

	reports := make([]*report, cfg.Channels)
	g, gCtx := errgroup.WithContext(ctx)
	for i, id := range registry.IDs() {
		i, id := i, id
		g.Go(func() error {
			return registry.Do(id, func(c *Channel) error {
				r, err := simulate(gCtx, cfg, c, log)
				if err != nil {
					return fmt.Errorf("channel %v: %w", id, err)
				}
				reports[i] = r

				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range reports {
		r.render(out)
	}

	log.Infof("Simulated %d channel(s)", cfg.Channels)

	return nil
}

// partySeed derives the seed of a simulated party.
func partySeed(cfg *Config, id ChannelID, party int) []byte {
	msg := fmt.Sprintf("%d/%d/%d", cfg.RandSeed, uint32(id), party)
	h := chainhash.TaggedHash(seedTag, []byte(msg))

	return h[:]
}

// openChannel creates the parties of a channel, derives their settlement
// addresses and exchanges the digests of the initial tree.
func openChannel(cfg *Config, id ChannelID) (*Channel, error) {
	crypto := multisig.New()

	var (
		parties    []*flash.Party
		settlement []ledger.Address
		deposits   []ledger.Amount
	)
	for i := 0; i < cfg.Parties; i++ {
		seed := partySeed(cfg, id, i)
		p, err := flash.NewParty(flash.Config{
			ID:       id.String(),
			Index:    i,
			Seed:     seed,
			Security: cfg.Security,
			Crypto:   crypto,
			Builder:  bundle.NewBuilder(),
		})
		if err != nil {
			return nil, err
		}

		digest, err := crypto.GetDigest(
			seed, settlementKeyIndex, multisig.MinSecurity,
		)
		if err != nil {
			return nil, err
		}
		addr, err := crypto.ComposeAddress([]ledger.Digest{digest})
		if err != nil {
			return nil, err
		}

		parties = append(parties, p)
		settlement = append(settlement, addr.Address)
		deposits = append(deposits, ledger.Amount(cfg.Deposit))
	}

	params := flash.OpenParams{
		Balance:             ledger.Amount(cfg.Deposit) * ledger.Amount(cfg.Parties),
		Deposits:            deposits,
		SettlementAddresses: settlement,
	}
	if err := flash.Open(parties, params, cfg.Depth); err != nil {
		return nil, err
	}

	root, err := parties[0].RootAddress()
	if err != nil {
		return nil, err
	}
	fldLog.Infof("Channel %v opened by %d parties, fund %v at %v", id,
		cfg.Parties, params.Balance, root)

	return &Channel{
		ID:      id,
		Crypto:  crypto,
		Parties: parties,
	}, nil
}

// simulate runs the configured number of random payments on c, then closes
// it and checks the settlement.
func simulate(ctx context.Context, cfg *Config, c *Channel,
	log *build.ShutdownLogger) (*report, error) {

	rng := rand.New(rand.NewSource(cfg.RandSeed + int64(c.ID)))

	var payments int
payLoop:
	for i := 0; i < cfg.Payments; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state, err := c.Parties[0].State()
		if err != nil {
			return nil, err
		}

		// Only parties with collateral left can pay.
		var payers []int
		for j, d := range state.Deposit {
			if d > 0 {
				payers = append(payers, j)
			}
		}
		if len(payers) == 0 || len(c.Parties) < 2 {
			break payLoop
		}

		from := payers[rng.Intn(len(payers))]
		to := rng.Intn(len(c.Parties) - 1)
		if to >= from {
			to++
		}

		limit := state.Deposit[from]
		if limit > ledger.Amount(cfg.MaxPayment) {
			limit = ledger.Amount(cfg.MaxPayment)
		}
		value := ledger.Amount(rng.Int63n(int64(limit))) + 1

		_, err = c.Pay(ctx, from, to, value)
		switch {
		case flasherr.Is(err, flasherr.AddressOveruse):
			log.Warnf("Channel %v cannot grow any further after "+
				"%d payments", c.ID, payments)
			break payLoop

		case err != nil:
			return nil, fmt.Errorf("payment %d: %w", i, err)

		default:
			payments++
		}
	}

	before, err := c.Parties[0].State()
	if err != nil {
		return nil, err
	}

	// Payments may already have drained every deposit.
	if before.TotalDeposit() > 0 {
		if _, err := c.Close(ctx); err != nil {
			return nil, fmt.Errorf("unable to close: %w", err)
		}
	}

	after, err := c.Parties[0].State()
	if err != nil {
		return nil, err
	}

	var settled ledger.Amount
	for _, v := range after.Outputs {
		settled += v
	}
	if settled != after.Balance || !after.Closed() {
		log.Criticalf("Channel %v settled %v of %v", c.ID, settled,
			after.Balance)
		return nil, fmt.Errorf("channel %v does not settle its "+
			"balance", c.ID)
	}

	r := &report{
		id:       c.ID,
		payments: payments,
	}
	for i, addr := range after.SettlementAddresses {
		r.rows = append(r.rows, reportRow{
			party:   i,
			address: addr,
			deposit: before.Deposit[i],
			settled: after.Outputs[addr],
		})
	}

	return r, nil
}

type reportRow struct {
	party   int
	address ledger.Address
	deposit ledger.Amount
	settled ledger.Amount
}

// report is the settlement of one simulated channel.
type report struct {
	id       ChannelID
	payments int
	rows     []reportRow
}

// render writes the settlement table of the channel to out.
func (r *report) render(out io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%v: %d payments", r.id, r.payments))
	t.AppendHeader(table.Row{
		"Party", "Settlement address", "Deposit at close", "Settled",
	})

	var total ledger.Amount
	for _, row := range r.rows {
		t.AppendRow(table.Row{
			row.party, row.address, row.deposit, row.settled,
		})
		total += row.settled
	}
	t.AppendFooter(table.Row{"", "", "Total", total})

	t.Render()
}

package flash

import (
	"context"
	"fmt"

	"github.com/iotaledger/flashd/ledger"
	"github.com/iotaledger/flashd/monitoring"
	"github.com/iotaledger/flashd/sigorch"
)

// Round takes a proposed chain through every party of a channel in three
// phases: each party verifies it, all of them sign concurrently, and the
// merged chain is checked against a copy of every party's state before
// anyone commits it. A chain that fails any check therefore leaves all
// parties untouched. The commit phase can only fail if a party's state
// changed while the round ran, which the single writer per channel rules
// out. The parties' trees must not change while a round runs. The deltas
// committed by the first party are returned.
func Round(ctx context.Context, crypto ledger.Crypto, parties []*Party,
	chain ledger.Chain) (ledger.Chain, []ledger.Transfer, error) {

	signers := make([]sigorch.Signer, len(parties))
	for i, p := range parties {
		if _, err := p.Verify(chain); err != nil {
			return nil, nil, err
		}

		signer, err := p.Signer()
		if err != nil {
			return nil, nil, err
		}
		signers[i] = signer
	}

	sigs, err := sigorch.SignParallel(ctx, crypto, signers, chain)
	if err != nil {
		return nil, nil, err
	}

	signed, err := sigorch.MergeSignatures(chain, sigs)
	if err != nil {
		return nil, nil, err
	}

	var deltas []ledger.Transfer
	for i, p := range parties {
		d, err := p.CheckCommit(signed)
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			deltas = d
		}
	}

	for _, p := range parties {
		if _, err := p.Commit(signed); err != nil {
			return nil, nil, fmt.Errorf("party %d unable to "+
				"commit: %w", p.Index(), err)
		}
	}

	monitoring.ObserveApplied(
		len(signed), int64(ledger.SumTransfers(deltas)),
	)

	log.Debugf("Round committed %d bundle(s) by %d parties, deltas=%v",
		len(signed), len(parties), deltas)

	return signed, deltas, nil
}

// Grow grows the tree of every party if the active branch is exhausted. It
// returns the number of nodes added.
func Grow(parties []*Party) (int, error) {
	if len(parties) == 0 {
		return 0, nil
	}

	needed, err := parties[0].GrowthNeeded()
	if err != nil || needed == 0 {
		return 0, err
	}

	digests := make([][]ledger.Digest, len(parties))
	for i, p := range parties {
		digests[i], err = p.NextDigests(needed)
		if err != nil {
			return 0, err
		}
	}

	for _, p := range parties {
		if err := p.GrowTree(digests); err != nil {
			return 0, fmt.Errorf("party %d unable to grow: %w",
				p.Index(), err)
		}
	}

	log.Infof("Grew tree of %d parties by %d node(s)", len(parties),
		needed)

	return needed, nil
}

// Open exchanges depth+1 digests between the parties and opens the channel
// on all of them.
func Open(parties []*Party, params OpenParams, depth int) error {
	digests := make([][]ledger.Digest, len(parties))
	for i, p := range parties {
		var err error
		digests[i], err = p.NextDigests(depth + 1)
		if err != nil {
			return err
		}
	}

	for _, p := range parties {
		if err := p.OpenChannel(params, digests); err != nil {
			return fmt.Errorf("party %d unable to open: %w",
				p.Index(), err)
		}
	}

	return nil
}

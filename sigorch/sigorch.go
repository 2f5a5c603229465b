package sigorch

import (
	"bytes"
	"context"
	"fmt"

	"github.com/iotaledger/flashd/addrtree"
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
	"golang.org/x/sync/errgroup"
)

// PartialSignature is one party's contribution to the input of one bundle
// of a chain.
type PartialSignature struct {
	// Bundle is the position of the signed bundle within the chain.
	Bundle int

	// Address is the input address the fragments sign for.
	Address ledger.Address

	// SigningIndex is the first signature slot the fragments fill.
	SigningIndex int

	// Fragments holds one signature fragment per unit of the signer's
	// security.
	Fragments [][]byte
}

// String returns a short description of the partial signature.
func (p PartialSignature) String() string {
	return fmt.Sprintf("bundle=%d address=%v slots=[%d, %d)", p.Bundle,
		p.Address, p.SigningIndex, p.SigningIndex+len(p.Fragments))
}

// Sign produces the local party's signatures for every bundle of chain. The
// chain's inputs are resolved against the party's own tree, which knows the
// key index, security and slot offset the party used for each node.
func Sign(crypto ledger.Crypto, root *addrtree.Node, seed []byte,
	chain ledger.Chain) ([]PartialSignature, error) {

	addrs := make([]ledger.Address, len(chain))
	for i, b := range chain {
		idx := b.FirstInput()
		if idx == -1 {
			return nil, flasherr.New(flasherr.InputUndefined, "bundle "+
				"%d has no input", i)
		}
		addrs[i] = b[idx].Address
	}

	nodes, err := addrtree.Locate(root, addrs)
	if err != nil {
		return nil, err
	}

	sigs := make([]PartialSignature, 0, len(chain))
	for i, n := range nodes {
		key, err := crypto.GetKey(seed, n.KeyIndex, n.Security)
		if err != nil {
			return nil, fmt.Errorf("unable to derive key %d for "+
				"%v: %w", n.KeyIndex, n.Address, err)
		}

		fragments, err := crypto.SignatureFragments(chain[i], key)
		if err != nil {
			return nil, fmt.Errorf("unable to sign bundle %d: %w",
				i, err)
		}

		sigs = append(sigs, PartialSignature{
			Bundle:       i,
			Address:      n.Address,
			SigningIndex: n.SigningIndex,
			Fragments:    fragments,
		})
	}

	log.Debugf("Signed %d bundle(s) starting at %v", len(sigs), addrs[0])

	return sigs, nil
}

// MergeSignatures writes the partial signatures into a copy of chain. Each
// partial signature fills the slots starting at its SigningIndex, so the
// order in which parties' signatures are merged does not matter. Merging a
// fragment into a slot already holding the same fragment is a no-op, a
// different one is a conflict.
func MergeSignatures(chain ledger.Chain,
	sigs []PartialSignature) (ledger.Chain, error) {

	signed := chain.Copy()
	for _, sig := range sigs {
		if sig.Bundle < 0 || sig.Bundle >= len(signed) {
			return nil, flasherr.New(flasherr.InvalidSignatures,
				"signature for bundle %d of %d", sig.Bundle,
				len(signed)).WithAddress(sig.Address)
		}

		b := signed[sig.Bundle]
		idx := b.InputFor(sig.Address)
		if idx == -1 {
			return nil, flasherr.New(flasherr.InvalidSignatures,
				"bundle %d does not spend from address",
				sig.Bundle).WithAddress(sig.Address)
		}

		slots := b[idx].Signature
		if sig.SigningIndex < 0 ||
			sig.SigningIndex+len(sig.Fragments) > len(slots) {

			return nil, flasherr.New(flasherr.InvalidSignatures,
				"slots [%d, %d) outside of %d", sig.SigningIndex,
				sig.SigningIndex+len(sig.Fragments), len(slots)).
				WithAddress(sig.Address)
		}

		for j, frag := range sig.Fragments {
			slot := sig.SigningIndex + j
			switch {
			case slots[slot] == nil:
				slots[slot] = append([]byte(nil), frag...)

			case !bytes.Equal(slots[slot], frag):
				return nil, flasherr.New(
					flasherr.InvalidSignatures, "conflicting "+
						"fragment in slot %d", slot,
				).WithAddress(sig.Address)
			}
		}
	}

	return signed, nil
}

// Signer is a party able to sign a chain with its own view of the tree.
type Signer struct {
	Root *addrtree.Node
	Seed []byte
}

// SignParallel signs chain for every signer concurrently and returns the
// partial signatures of all of them, in signer order. The first failure
// cancels the remaining signers.
func SignParallel(ctx context.Context, crypto ledger.Crypto,
	signers []Signer, chain ledger.Chain) ([]PartialSignature, error) {

	results := make([][]PartialSignature, len(signers))

	g, ctx := errgroup.WithContext(ctx)
	for i, signer := range signers {
		i, signer := i, signer
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			sigs, err := Sign(crypto, signer.Root, signer.Seed, chain)
			if err != nil {
				return fmt.Errorf("signer %d: %w", i, err)
			}
			results[i] = sigs

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []PartialSignature
	for _, sigs := range results {
		all = append(all, sigs...)
	}

	return all, nil
}

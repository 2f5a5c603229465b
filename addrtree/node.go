package addrtree

import (
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
)

// MaxUses is the number of chains a node may be used as an input for. A
// node at MaxUses is exhausted.
const MaxUses = 3

// Node is a composite multisig address of the channel's address tree. A
// node exclusively owns its children. The last child is the active branch,
// earlier children are branches that were superseded by tree growth.
type Node struct {
	// Address is the composite address of the node.
	Address ledger.Address

	// SecuritySum is the number of signature slots of an input spending
	// from Address.
	SecuritySum int

	// KeyIndex is the index this party derived its digest at.
	KeyIndex uint32

	// Security is the security of this party's digest.
	Security int

	// SigningIndex is the first signature slot owned by this party.
	SigningIndex int

	// Children are the nodes this node may relay value to.
	Children []*Node

	// Bundles is the history of bundles spending from this node.
	Bundles []ledger.Bundle
}

// NewNode creates a node for a composed address. keyIndex, security and
// signingIndex describe the local party's share of the address.
func NewNode(addr ledger.ComposedAddress, keyIndex uint32, security,
	signingIndex int) (*Node, error) {

	switch {
	case addr.Address == "":
		return nil, flasherr.New(flasherr.NullValue, "node without "+
			"address")

	case addr.SecuritySum <= 0:
		return nil, flasherr.New(flasherr.NullValue, "node without "+
			"security").WithAddress(addr.Address)

	case security <= 0 || signingIndex < 0 ||
		signingIndex+security > addr.SecuritySum:

		return nil, flasherr.New(flasherr.InvalidSignatures, "slots "+
			"[%d, %d) outside of %d", signingIndex,
			signingIndex+security, addr.SecuritySum).
			WithAddress(addr.Address)
	}

	return &Node{
		Address:      addr.Address,
		SecuritySum:  addr.SecuritySum,
		KeyIndex:     keyIndex,
		Security:     security,
		SigningIndex: signingIndex,
	}, nil
}

// UsageCount returns the number of chains that spent from the node.
func (n *Node) UsageCount() int {
	return len(n.Bundles)
}

// Exhausted returns true if the node may not be spent from again.
func (n *Node) Exhausted() bool {
	return n.UsageCount() >= MaxUses
}

// Active returns the active child of the node, or nil for a leaf.
func (n *Node) Active() *Node {
	if len(n.Children) == 0 {
		return nil
	}

	return n.Children[len(n.Children)-1]
}

// Record appends a bundle spending from the node to its history.
func (n *Node) Record(b ledger.Bundle) error {
	if n.Exhausted() {
		return flasherr.New(flasherr.AddressOveruse, "node already "+
			"used %d times", n.UsageCount()).WithAddress(n.Address)
	}

	n.Bundles = append(n.Bundles, b)

	return nil
}

// RelayedTo returns true if one of the node's bundles passes its entire
// balance on to addr.
func (n *Node) RelayedTo(addr ledger.Address) bool {
	for _, b := range n.Bundles {
		outputs := b.Outputs()
		if len(outputs) == 1 && outputs[0].Address == addr {
			return true
		}
	}

	return false
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}

	c := *n
	c.Children = nil
	for _, child := range n.Children {
		c.Children = append(c.Children, child.Clone())
	}

	c.Bundles = nil
	for _, b := range n.Bundles {
		c.Bundles = append(c.Bundles, b.Copy())
	}

	return &c
}

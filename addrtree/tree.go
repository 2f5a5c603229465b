package addrtree

import (
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Nest links nodes into a single line, each node becoming the active child of
// the one before it, and returns the head of the line. Nodes must be fresh.
func Nest(nodes []*Node) (*Node, error) {
	if len(nodes) == 0 {
		return nil, flasherr.New(flasherr.NullValue, "no nodes to nest")
	}

	for i, n := range nodes {
		if n == nil {
			return nil, flasherr.New(flasherr.NullValue, "node %d "+
				"missing", i)
		}
		if n.UsageCount() != 0 || len(n.Children) != 0 {
			return nil, flasherr.New(flasherr.AddressOveruse, "node "+
				"%d is not fresh", i).WithAddress(n.Address)
		}
	}

	for i := 1; i < len(nodes); i++ {
		nodes[i-1].Children = append(nodes[i-1].Children, nodes[i])
	}

	return nodes[0], nil
}

// ActiveBranch returns the path from root to the current leaf, following the
// last child at every level.
func ActiveBranch(root *Node) []*Node {
	var branch []*Node
	for n := root; n != nil; n = n.Active() {
		branch = append(branch, n)
	}

	return branch
}

// MinimalBranch returns the prefix of the active branch that ends at the
// first node which can still be spent from. It is the shortest chain able to
// settle the channel. If every node is exhausted the whole active branch is
// returned.
func MinimalBranch(root *Node) []*Node {
	var branch []*Node
	for n := root; n != nil; n = n.Active() {
		branch = append(branch, n)
		if !n.Exhausted() {
			break
		}
	}

	return branch
}

// Selection is the result of SelectSpendableRoot.
type Selection struct {
	// Node is the deepest node of the branch that can still be spent
	// from. It is None if the whole branch is exhausted.
	Node fn.Option[*Node]

	// Generate is the number of fresh nodes that have to be grown under
	// Node before a chain can be composed. It is zero when the leaf is
	// spendable.
	Generate int
}

// SelectSpendableRoot walks the branch from its leaf upwards looking for the
// first node that is not exhausted. The exhausted nodes passed on the way
// have to be replaced by a freshly grown line of the same length.
func SelectSpendableRoot(branch []*Node) Selection {
	for i := len(branch) - 1; i >= 0; i-- {
		if branch[i].Exhausted() {
			continue
		}

		generate := len(branch) - 1 - i
		if generate > 0 {
			log.Debugf("Leaf exhausted, %d node(s) to grow under %v",
				generate, branch[i].Address)
		}

		return Selection{
			Node:     fn.Some(branch[i]),
			Generate: generate,
		}
	}

	log.Warnf("All %d nodes of the active branch are exhausted",
		len(branch))

	return Selection{
		Node:     fn.None[*Node](),
		Generate: len(branch),
	}
}

// Grow attaches fresh nodes, nested into a line, as the new active child of
// node. The previous active child is retired.
func Grow(node *Node, fresh []*Node) error {
	if node == nil {
		return flasherr.New(flasherr.NullValue, "no node to grow from")
	}
	if node.Exhausted() {
		return flasherr.New(flasherr.AddressOveruse, "cannot grow "+
			"from an exhausted node").WithAddress(node.Address)
	}

	head, err := Nest(fresh)
	if err != nil {
		return err
	}

	node.Children = append(node.Children, head)

	log.Infof("Grew %d node(s) under %v (uses=%d), new branch head %v",
		len(fresh), node.Address, node.UsageCount(), head.Address)

	return nil
}

// Find searches the whole tree, retired branches included, for addr.
func Find(root *Node, addr ledger.Address) fn.Option[*Node] {
	if root == nil {
		return fn.None[*Node]()
	}
	if root.Address == addr {
		return fn.Some(root)
	}

	for _, child := range root.Children {
		found := Find(child, addr)
		if found.IsSome() {
			return found
		}
	}

	return fn.None[*Node]()
}

// Locate resolves the input addresses of a chain to nodes of the active
// branch. The addresses must name consecutive branch nodes, and unless the
// stretch starts at root, the node in front of it must already have relayed
// into the first one.
func Locate(root *Node, addrs []ledger.Address) ([]*Node, error) {
	if len(addrs) == 0 {
		return nil, flasherr.New(flasherr.InputUndefined, "no "+
			"addresses to locate")
	}

	branch := ActiveBranch(root)

	start := -1
	for i, n := range branch {
		if n.Address == addrs[0] {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, flasherr.New(flasherr.AddressNotFound, "input is "+
			"not on the active branch").WithAddress(addrs[0])
	}

	if len(addrs) > len(branch)-start {
		return nil, flasherr.New(flasherr.TooManyBundles, "%d inputs "+
			"for %d remaining branch nodes", len(addrs),
			len(branch)-start)
	}

	if start > 0 && !branch[start-1].RelayedTo(addrs[0]) {
		return nil, flasherr.New(flasherr.AddressNotFound, "input is "+
			"not funded by its parent").WithAddress(addrs[0])
	}

	nodes := branch[start : start+len(addrs)]
	for i, n := range nodes {
		if n.Address != addrs[i] {
			return nil, flasherr.New(flasherr.AddressNotFound,
				"input %d does not follow the branch", i).
				WithAddress(addrs[i])
		}
	}

	return nodes, nil
}

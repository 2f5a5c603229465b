package flashd

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iotaledger/flashd/flash"
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
	"github.com/iotaledger/flashd/multimutex"
)

// ChannelID identifies a channel within the registry.
type ChannelID uint32

// String returns the channel id as used in logs and metrics.
func (id ChannelID) String() string {
	return fmt.Sprintf("chan-%d", uint32(id))
}

// Channel is a flash channel whose parties all live in this process.
type Channel struct {
	ID      ChannelID
	Crypto  ledger.Crypto
	Parties []*flash.Party
}

// Pay moves value from party from to party to, growing the address tree
// first if needed.
func (c *Channel) Pay(ctx context.Context, from, to int,
	value ledger.Amount) ([]ledger.Transfer, error) {

	if from < 0 || from >= len(c.Parties) || to < 0 ||
		to >= len(c.Parties) {

		return nil, flasherr.New(flasherr.InvalidTransferObject,
			"payment from %d to %d in a channel of %d", from, to,
			len(c.Parties))
	}

	if _, err := flash.Grow(c.Parties); err != nil {
		return nil, err
	}

	dest, err := c.SettlementAddress(to)
	if err != nil {
		return nil, err
	}

	payer := c.Parties[from]
	chain, err := payer.ProposePayment([]ledger.Transfer{{
		Address: dest,
		Value:   value,
	}})
	if err != nil {
		return nil, err
	}

	_, deltas, err := flash.Round(ctx, c.Crypto, c.Parties, chain)
	if err != nil {
		payer.Discard()
		return nil, err
	}

	return deltas, nil
}

// Close settles the channel, paying every party its remaining deposit.
func (c *Channel) Close(ctx context.Context) ([]ledger.Transfer, error) {
	closer := c.Parties[0]
	chain, err := closer.CloseChannel()
	if err != nil {
		return nil, err
	}

	_, deltas, err := flash.Round(ctx, c.Crypto, c.Parties, chain)
	if err != nil {
		closer.Discard()
		return nil, err
	}

	return deltas, nil
}

// SettlementAddress returns the address party i is paid out to.
func (c *Channel) SettlementAddress(i int) (ledger.Address, error) {
	s, err := c.Parties[0].State()
	if err != nil {
		return "", err
	}

	return s.SettlementAddresses[i], nil
}

// Registry keeps track of the channels of the process. Work on a single
// channel is serialized while distinct channels proceed in parallel.
type Registry struct {
	mu       sync.RWMutex
	channels map[ChannelID]*Channel

	locks *multimutex.Mutex[ChannelID]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[ChannelID]*Channel),
		locks:    multimutex.NewMutex[ChannelID](),
	}
}

// Add registers a channel. Ids must be unique.
func (r *Registry) Add(c *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[c.ID]; ok {
		return fmt.Errorf("channel %v already registered", c.ID)
	}
	r.channels[c.ID] = c

	return nil
}

// Remove forgets a channel.
func (r *Registry) Remove(id ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.channels, id)
}

// IDs returns the ids of all registered channels in ascending order.
func (r *Registry) IDs() []ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ChannelID, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	return ids
}

// Do runs f with exclusive access to the channel id.
func (r *Registry) Do(id ChannelID, f func(*Channel) error) error {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	r.mu.RLock()
	c, ok := r.channels[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown channel %v", id)
	}

	return f(c)
}

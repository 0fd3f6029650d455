package pgstream

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/streamkit/streamclient"
	"github.com/streamkit/streamclient/fetcher"
	"github.com/streamkit/streamclient/subscriptions"
)

var _ fetcher.Coordinator = (*Coordinator)(nil)

// Coordinator resolves read positions from the store's checkpoint table and
// mints cursors into the shared cursor table. There is no membership protocol
// behind it: the rebalance signal goes to OnRebalance (a real deployment
// plugs its group layer in there, the demo consumer just logs and re-seeks).
type Coordinator struct {
	Store         *Store
	Group         string
	Subscriptions *subscriptions.State
	Cursors       *streamclient.CursorTable
	Logger        log.Logger
	OnRebalance   func()
}

func (c *Coordinator) UpdateFetchPositions(missing []streamclient.StreamPartition) error {
	for _, p := range missing {
		position, err := c.Store.FetchCheckpoint(context.Background(), c.Group, p)
		if err != nil {
			return err
		}
		if position < 0 {
			position = 0
		}
		c.Subscriptions.Seek(p, position)
	}
	return nil
}

func (c *Coordinator) Seek(p streamclient.StreamPartition, barrier *sync.WaitGroup) {
	go func() {
		defer barrier.Done()
		c.Cursors.Put(p, c.Store.CursorAt(p, c.Subscriptions.Position(p)))
	}()
}

func (c *Coordinator) RequestRebalance() {
	if c.Logger != nil {
		level.Warn(c.Logger).Log("msg", "rebalance requested", "group", c.Group)
	}
	if c.OnRebalance != nil {
		c.OnRebalance()
	}
}

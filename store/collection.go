package store

import (
	"sync"

	"github.com/sig-0/go-tendermint/types"
)

type msg interface {
	*types.Vote | *types.Proposal
}

type syncCollection[M msg] struct {
	collection[M]
	subscriptions[M]

	collectionMux,
	subscriptionMux sync.RWMutex
}

func newSyncCollection[M msg]() *syncCollection[M] {
	return &syncCollection[M]{
		collection:    newCollection[M](),
		subscriptions: newSubscriptions[M](),
	}
}

func (c *syncCollection[M]) subscribe(height uint64) (Subscription[M], func()) {
	sub := newSubscription[M](height)
	unregister := c.registerSub(sub)

	sub.notify(c.unwrapMessagesFn(height))

	return sub.sub, unregister
}

func (c *syncCollection[M]) registerSub(sub subscription[M]) func() {
	c.subscriptionMux.Lock()
	defer c.subscriptionMux.Unlock()

	id := c.subscriptions.add(sub)

	return func() {
		c.subscriptionMux.Lock()
		defer c.subscriptionMux.Unlock()

		c.subscriptions.remove(id)
	}
}

func (c *syncCollection[M]) addMessage(msg M, height uint64, key string) {
	c.collectionMux.Lock()
	c.collection.addMessage(msg, height, key)
	c.collectionMux.Unlock()

	c.subscriptionMux.RLock()
	c.subscriptions.notify(func(sub subscription[M]) {
		if height != sub.height {
			return
		}

		sub.notify(c.unwrapMessagesFn(sub.height))
	})
	c.subscriptionMux.RUnlock()
}

func (c *syncCollection[M]) getMessages(height uint64) []M {
	c.collectionMux.RLock()
	defer c.collectionMux.RUnlock()

	return c.collection.getMessages(height)
}

func (c *syncCollection[M]) unwrapMessagesFn(height uint64) func() []M {
	return func() []M {
		return c.getMessages(height)
	}
}

func (c *syncCollection[M]) removeBelow(height uint64) {
	c.collectionMux.Lock()
	defer c.collectionMux.Unlock()

	c.collection.removeBelow(height)
}

func newCollection[M msg]() collection[M] {
	return map[uint64]map[string]M{}
}

type collection[M msg] map[uint64]map[string]M

func (c *collection[M]) addMessage(msg M, height uint64, key string) {
	set, ok := (*c)[height]
	if !ok {
		set = map[string]M{}
		(*c)[height] = set
	}

	set[key] = msg
}

func (c *collection[M]) getMessages(height uint64) []M {
	set, ok := (*c)[height]
	if !ok {
		return nil
	}

	messages := make([]M, 0, len(set))
	for _, msg := range set {
		messages = append(messages, msg)
	}

	return messages
}

func (c *collection[M]) removeBelow(height uint64) {
	for h := range *c {
		if h < height {
			delete(*c, h)
		}
	}
}

package store

import (
	"github.com/rs/xid"
)

type (
	// MsgNotificationFn is received from the subscription to indicate
	// new messages; calling it returns everything that matches
	MsgNotificationFn[M msg] func() []M

	// Subscription delivers message notifications for one height
	Subscription[M msg] chan MsgNotificationFn[M]
)

type subscription[M msg] struct {
	sub    Subscription[M]
	height uint64
}

func newSubscription[M msg](height uint64) subscription[M] {
	return subscription[M]{
		height: height,
		sub:    make(Subscription[M], 1),
	}
}

func (s *subscription[M]) notify(receiver MsgNotificationFn[M]) {
	select {
	case s.sub <- receiver:
	default: // subscriber hasn't consumed the previous notification
	}
}

type subscriptions[M msg] map[string]subscription[M]

func newSubscriptions[M msg]() subscriptions[M] {
	return subscriptions[M]{}
}

func (s *subscriptions[M]) add(sub subscription[M]) string {
	id := xid.New().String()
	(*s)[id] = sub

	return id
}

func (s *subscriptions[M]) remove(id string) {
	close((*s)[id].sub)
	delete(*s, id)
}

func (s *subscriptions[M]) notify(notifyFn func(subscription[M])) {
	for _, sub := range *s {
		notifyFn(sub)
	}
}

package cache

import (
	"hash/fnv"
	"sync"

	"quoteflow/models"
)

type notification struct {
	slot       string
	instrument string
	fields     models.Fields
	status     models.InstrumentStatus
	message    string
	observers  []Observers
	// barrier is released by slotBarrier notes and awaited by Complete.
	barrier *sync.WaitGroup
}

const slotBarrier = "barrier"

// notifier delivers notifications on a fixed set of shards. An instrument is
// always hashed to the same shard, so its notifications keep arrival order
// while a slow observer only holds up instruments sharing its shard. Complete
// is the exception: it waits until every other shard has delivered what was
// queued before it.
type notifier struct {
	queues    []chan notification
	deliver   func(notification)
	abort     chan struct{}
	abortOnce sync.Once
	wg        sync.WaitGroup
	once      sync.Once
}

func newNotifier(workers, queueSize int, deliver func(notification)) *notifier {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	n := &notifier{
		queues:  make([]chan notification, workers),
		deliver: deliver,
		abort:   make(chan struct{}),
	}
	for i := range n.queues {
		n.queues[i] = make(chan notification, queueSize)
	}
	return n
}

func (n *notifier) start() {
	for i := range n.queues {
		n.wg.Add(1)
		go n.worker(n.queues[i])
	}
}

func (n *notifier) worker(queue <-chan notification) {
	defer n.wg.Done()
	for note := range queue {
		if note.slot == slotBarrier {
			note.barrier.Done()
			continue
		}
		if note.barrier != nil {
			note.barrier.Wait()
		}
		n.deliver(note)
	}
}

func (n *notifier) shard(instrument string) chan notification {
	if len(n.queues) == 1 {
		return n.queues[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(instrument))
	return n.queues[h.Sum32()%uint32(len(n.queues))]
}

// enqueue places every note on the shard of instrument, in order. It blocks
// while a queue is full, until cancelBlocked is called; notes not yet queued by
// then are discarded and enqueue reports false. Callers must not enqueue after
// stop.
func (n *notifier) enqueue(instrument string, notes ...notification) bool {
	q := n.shard(instrument)
	for _, note := range notes {
		if note.slot == slotComplete && len(n.queues) > 1 {
			note.barrier = &sync.WaitGroup{}
			for _, other := range n.queues {
				if other == q {
					continue
				}
				note.barrier.Add(1)
				if !n.send(other, notification{slot: slotBarrier, barrier: note.barrier}) {
					return false
				}
			}
		}
		if !n.send(q, note) {
			return false
		}
	}
	return true
}

func (n *notifier) send(q chan notification, note notification) bool {
	select {
	case q <- note:
		return true
	default:
	}
	select {
	case q <- note:
		return true
	case <-n.abort:
		return false
	}
}

// cancelBlocked releases producers stuck on a full queue. Close uses it so an
// observer that closes its own cache cannot deadlock against a producer.
func (n *notifier) cancelBlocked() {
	n.abortOnce.Do(func() { close(n.abort) })
}

// stop closes the queues; workers exit once they have drained them.
func (n *notifier) stop() {
	n.once.Do(func() {
		for _, q := range n.queues {
			close(q)
		}
	})
}

func (n *notifier) wait() {
	n.wg.Wait()
}

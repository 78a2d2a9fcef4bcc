package herald

import (
	"slices"
	"sync"

	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/async"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/errs"
)

// Lifecycle observers, invoked in registration order.
type notifier struct {
	mu           sync.RWMutex
	connected    []func(id Identity)
	disconnected []func(err error)
	drained      []func()
	fault        []func(err error)
}

func (n *notifier) addConnected(f func(id Identity)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = append(n.connected, f)
}

func (n *notifier) addDisconnected(f func(err error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = append(n.disconnected, f)
}

func (n *notifier) addDrained(f func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drained = append(n.drained, f)
}

func (n *notifier) addFault(f func(err error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fault = append(n.fault, f)
}

func (n *notifier) notifyConnected(id Identity) {
	n.mu.RLock()
	obs := slices.Clone(n.connected)
	n.mu.RUnlock()
	for _, f := range obs {
		async.PanicSafeRun(func() { f(id) }, n.observerPanic)
	}
}

func (n *notifier) notifyDisconnected(err error) {
	n.mu.RLock()
	obs := slices.Clone(n.disconnected)
	n.mu.RUnlock()
	for _, f := range obs {
		async.PanicSafeRun(func() { f(err) }, n.observerPanic)
	}
}

func (n *notifier) notifyDrained() {
	n.mu.RLock()
	obs := slices.Clone(n.drained)
	n.mu.RUnlock()
	for _, f := range obs {
		async.PanicSafeRun(f, n.observerPanic)
	}
}

// Report fault, logged at ERROR if nobody is observing.
func (n *notifier) notifyFault(err error) {
	n.mu.RLock()
	obs := slices.Clone(n.fault)
	n.mu.RUnlock()
	if len(obs) == 0 {
		rail.Errorf("Herald fault, %v", errs.ErrorStackTrace(err))
		return
	}
	for _, f := range obs {
		async.PanicSafeRun(func() { f(err) }, n.observerPanic)
	}
}

func (n *notifier) observerPanic(err error) {
	rail.Errorf("Observer panicked, %v", errs.ErrorStackTrace(err))
}

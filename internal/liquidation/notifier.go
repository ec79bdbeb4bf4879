package liquidation

import (
	"log/slog"
	"sync"
)

// Ended is raised in process when an operation releases its account.
type Ended struct {
	AccountID   string
	OperationID string
	Reason      string
	Failed      bool
}

// Notifier fans Ended out to in-process listeners, such as margin-call
// throttling that is suspended while an account is being liquidated.
type Notifier struct {
	mu        sync.RWMutex
	listeners []func(Ended)
}

// NewNotifier creates a notifier with no listeners.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers fn. Listeners run synchronously and must not block.
func (n *Notifier) Subscribe(fn func(Ended)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func (n *Notifier) notify(e Ended) {
	n.mu.RLock()
	listeners := n.listeners
	n.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("liquidation ended listener panicked", "operation_id", e.OperationID, "panic", r)
				}
			}()
			fn(e)
		}()
	}
}

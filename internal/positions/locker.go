package positions

import (
	"hash/fnv"
	"sync"
)

const lockShards = 32

// AccountLocker hands out one mutex per account id. Mutexes are created on
// first use and dropped as soon as nobody holds or waits for them, so the
// map only contains accounts with an order in flight.
type AccountLocker struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	sync.Mutex
	refs int // holders plus waiters; guarded by the shard mutex
}

// NewAccountLocker creates an empty locker.
func NewAccountLocker() *AccountLocker {
	l := &AccountLocker{}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*accountLock)
	}
	return l
}

// Lock blocks until the account's mutex is held and returns the function
// that releases it.
func (l *AccountLocker) Lock(accountID string) (unlock func()) {
	shard := l.shard(accountID)

	shard.mu.Lock()
	al, ok := shard.locks[accountID]
	if !ok {
		al = &accountLock{}
		shard.locks[accountID] = al
	}
	al.refs++
	shard.mu.Unlock()

	al.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			al.Unlock()

			shard.mu.Lock()
			al.refs--
			if al.refs == 0 {
				delete(shard.locks, accountID)
			}
			shard.mu.Unlock()
		})
	}
}

// Len returns the number of account mutexes currently allocated.
func (l *AccountLocker) Len() int {
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].locks)
		l.shards[i].mu.Unlock()
	}
	return n
}

func (l *AccountLocker) shard(accountID string) *lockShard {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return &l.shards[h.Sum32()%lockShards]
}

package ledger

import "sync"

// AccountSnapshot is the balance view published after every applied entry.
type AccountSnapshot struct {
	AccountID                 string `json:"account_id"`
	Tier                      Tier   `json:"tier"`
	Balance                   int64  `json:"balance"`
	MonthlyAllowanceRemaining int64  `json:"monthly_allowance_remaining"`
	RolloverBalance           int64  `json:"rollover_balance"`
	LastEntryID               string `json:"last_entry_id"`
	UpdatedUnixUTC            int64  `json:"updated_unix_utc"`
}

const snapshotBufferSize = 8

// Broadcaster fans out account snapshots to in-process subscribers.
// Slow subscribers drop updates rather than block the ledger write path.
type Broadcaster struct {
	mutex       sync.Mutex
	nextToken   int
	subscribers map[string]map[int]chan AccountSnapshot
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]map[int]chan AccountSnapshot)}
}

// Subscribe registers for snapshots of one account. The returned cancel
// function must be called to release the subscription.
func (broadcaster *Broadcaster) Subscribe(accountID string) (<-chan AccountSnapshot, func()) {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	channel := make(chan AccountSnapshot, snapshotBufferSize)
	if broadcaster.subscribers[accountID] == nil {
		broadcaster.subscribers[accountID] = make(map[int]chan AccountSnapshot)
	}
	token := broadcaster.nextToken
	broadcaster.nextToken++
	broadcaster.subscribers[accountID][token] = channel
	cancel := func() {
		broadcaster.mutex.Lock()
		defer broadcaster.mutex.Unlock()
		if channels, ok := broadcaster.subscribers[accountID]; ok {
			if subscribed, present := channels[token]; present {
				delete(channels, token)
				close(subscribed)
			}
			if len(channels) == 0 {
				delete(broadcaster.subscribers, accountID)
			}
		}
	}
	return channel, cancel
}

// Publish delivers a snapshot to every subscriber of the account.
func (broadcaster *Broadcaster) Publish(snapshot AccountSnapshot) {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	for _, channel := range broadcaster.subscribers[snapshot.AccountID] {
		select {
		case channel <- snapshot:
		default:
		}
	}
}

func snapshotOf(account Account) AccountSnapshot {
	return AccountSnapshot{
		AccountID:                 account.AccountID,
		Tier:                      account.Tier,
		Balance:                   account.Balance,
		MonthlyAllowanceRemaining: account.MonthlyAllowanceRemaining,
		RolloverBalance:           account.RolloverBalance,
		LastEntryID:               account.LastEntryID,
		UpdatedUnixUTC:            account.UpdatedUnixUTC,
	}
}

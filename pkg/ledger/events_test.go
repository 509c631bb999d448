package ledger

import (
	"context"
	"testing"
)

func TestBroadcasterDeliversToAccountSubscribers(t *testing.T) {
	t.Parallel()
	broadcaster := NewBroadcaster()
	snapshots, cancel := broadcaster.Subscribe("acct-1")
	defer cancel()
	other, cancelOther := broadcaster.Subscribe("acct-2")
	defer cancelOther()

	broadcaster.Publish(AccountSnapshot{AccountID: "acct-1", Balance: 70})

	select {
	case snapshot := <-snapshots:
		if snapshot.Balance != 70 {
			t.Fatalf("unexpected snapshot: %+v", snapshot)
		}
	default:
		t.Fatalf("expected buffered snapshot")
	}
	select {
	case snapshot := <-other:
		t.Fatalf("wrong account received snapshot: %+v", snapshot)
	default:
	}
}

func TestBroadcasterDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	broadcaster := NewBroadcaster()
	snapshots, cancel := broadcaster.Subscribe("acct-1")
	defer cancel()

	for i := 0; i < snapshotBufferSize+5; i++ {
		broadcaster.Publish(AccountSnapshot{AccountID: "acct-1", Balance: int64(i)})
	}

	received := 0
	for {
		select {
		case <-snapshots:
			received++
			continue
		default:
		}
		break
	}
	if received != snapshotBufferSize {
		t.Fatalf("expected %d buffered snapshots, got %d", snapshotBufferSize, received)
	}
}

func TestBroadcasterCancelClosesChannel(t *testing.T) {
	t.Parallel()
	broadcaster := NewBroadcaster()
	snapshots, cancel := broadcaster.Subscribe("acct-1")
	cancel()
	if _, open := <-snapshots; open {
		t.Fatalf("expected closed channel after cancel")
	}
	// Publishing after cancel must not panic.
	broadcaster.Publish(AccountSnapshot{AccountID: "acct-1"})
}

func TestServicePublishesSnapshotsOnApply(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	account := store.seedAccount("acct-1", TierFree)
	broadcaster := NewBroadcaster()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, WithBroadcaster(broadcaster), WithApplyRetry(3, 0, 0))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	snapshots, cancel := broadcaster.Subscribe(account.AccountID)
	defer cancel()

	if _, err := service.Credit(context.Background(), account.AccountID, mustCost(t, 40), mustRequestID(t, "pub-1"), NewManualAdjustmentSource(), mustMetadata(t, "{}")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	select {
	case snapshot := <-snapshots:
		if snapshot.Balance != 40 || snapshot.LastEntryID == "" {
			t.Fatalf("unexpected snapshot: %+v", snapshot)
		}
	default:
		t.Fatalf("expected snapshot after credit")
	}
}

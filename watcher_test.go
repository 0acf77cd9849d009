package contractsdk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arkade-os/contract-sdk/indexer"
	"github.com/arkade-os/contract-sdk/types"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []types.ContractEvent
}

func (r *eventRecorder) record(event types.ContractEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []types.ContractEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ContractEvent{}, r.events...)
}

func (r *eventRecorder) ofType(eventType types.ContractEventType) []types.ContractEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]types.ContractEvent, 0)
	for _, event := range r.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func (r *eventRecorder) waitFor(
	t *testing.T, eventType types.ContractEventType, timeout time.Duration,
) types.ContractEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if events := r.ofType(eventType); len(events) > 0 {
			return events[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", eventType)
	return types.ContractEvent{}
}

func newTestWatcher(indexerSvc *fakeIndexer) (*ContractWatcher, *eventRecorder) {
	opts := newDefaultOptions()
	opts.ReconnectBaseDelay = 10 * time.Millisecond
	opts.ReconnectMaxDelay = 50 * time.Millisecond
	cache := NewVtxoCache(indexerSvc, newFakeVtxoStore(), time.Hour)
	watcher := NewContractWatcher(indexerSvc, cache, opts)
	recorder := &eventRecorder{}
	watcher.callback = recorder.record
	return watcher, recorder
}

func TestReconnectDelayGrowth(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	expected := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, want := range expected {
		require.Equal(t, want, reconnectDelay(base, max, i+1), "attempt %d", i+1)
	}
}

func TestPollDiffingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contract := testContract("script-a", types.ContractStateActive)
	indexerSvc.setVtxos(contract.Script, []types.Vtxo{testVtxo("aa", 0, 1000)})
	watcher.AddContract(ctx, contract)

	require.NoError(t, watcher.pollContracts(ctx, []types.Contract{contract}))
	require.Len(t, recorder.ofType(types.ContractEventVtxosReceived), 1)

	// An unchanged remote set produces zero new events.
	require.NoError(t, watcher.pollContracts(ctx, []types.Contract{contract}))
	require.Len(t, recorder.all(), 1)
}

func TestReceiveThenSpend(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contract := testContract("script-a", types.ContractStateActive)
	vtxo := testVtxo("aa", 0, 1000)
	indexerSvc.setVtxos(contract.Script, []types.Vtxo{vtxo})
	watcher.AddContract(ctx, contract)

	require.NoError(t, watcher.pollContracts(ctx, []types.Contract{contract}))
	received := recorder.ofType(types.ContractEventVtxosReceived)
	require.Len(t, received, 1)
	require.Len(t, received[0].Vtxos, 1)
	require.Equal(t, vtxo.Outpoint, received[0].Vtxos[0].Outpoint)

	indexerSvc.setVtxos(contract.Script, nil)
	require.NoError(t, watcher.pollContracts(ctx, []types.Contract{contract}))
	spent := recorder.ofType(types.ContractEventVtxosSpent)
	require.Len(t, spent, 1)
	require.Len(t, spent[0].Vtxos, 1)
	require.Equal(t, vtxo.Outpoint, spent[0].Vtxos[0].Outpoint)

	watcher.mu.Lock()
	require.Empty(t, watcher.trackers[contract.Script].lastKnownVtxos)
	watcher.mu.Unlock()
}

func TestNoLostFundsOnDeactivation(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, _ := newTestWatcher(indexerSvc)

	contract := testContract("script-a", types.ContractStateActive)
	indexerSvc.setVtxos(contract.Script, []types.Vtxo{testVtxo("aa", 0, 1000)})
	watcher.AddContract(ctx, contract)
	require.NoError(t, watcher.pollContracts(ctx, []types.Contract{contract}))

	// Holding vtxos keeps the contract watched in any state.
	contract.State = types.ContractStateInactive
	watcher.UpdateContract(ctx, contract)
	require.Contains(t, watcher.GetScriptsToWatch(), contract.Script)

	contract.State = types.ContractStateExpired
	watcher.UpdateContract(ctx, contract)
	require.Contains(t, watcher.GetScriptsToWatch(), contract.Script)

	// Once drained, an inactive contract drops out of the watch set.
	indexerSvc.setVtxos(contract.Script, nil)
	require.NoError(t, watcher.pollContracts(ctx, []types.Contract{contract}))
	require.NotContains(t, watcher.GetScriptsToWatch(), contract.Script)
}

func TestSingleScriptEventAttribution(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contractA := testContract("script-a", types.ContractStateActive)
	contractB := testContract("script-b", types.ContractStateActive)
	watcher.AddContract(ctx, contractA)
	watcher.AddContract(ctx, contractB)

	vtxo := testVtxo("aa", 0, 1000)
	watcher.handleScriptEvent(&indexer.ScriptEvent{
		Scripts:  []string{contractA.Script},
		NewVtxos: []types.Vtxo{vtxo},
	})

	received := recorder.ofType(types.ContractEventVtxosReceived)
	require.Len(t, received, 1)
	require.Equal(t, contractA.Script, received[0].ContractScript)

	watcher.mu.Lock()
	require.Len(t, watcher.trackers[contractA.Script].lastKnownVtxos, 1)
	require.Empty(t, watcher.trackers[contractB.Script].lastKnownVtxos)
	watcher.mu.Unlock()
}

func TestMultiScriptEventAttribution(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contractA := testContract("script-a", types.ContractStateActive)
	contractB := testContract("script-b", types.ContractStateActive)
	watcher.AddContract(ctx, contractA)
	watcher.AddContract(ctx, contractB)

	// A batch naming several scripts is applied to every matching contract.
	watcher.handleScriptEvent(&indexer.ScriptEvent{
		Scripts:  []string{contractA.Script, contractB.Script},
		NewVtxos: []types.Vtxo{testVtxo("aa", 0, 1000)},
	})

	received := recorder.ofType(types.ContractEventVtxosReceived)
	require.Len(t, received, 2)
}

func TestScriptEventSpentAndSwept(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contract := testContract("script-a", types.ContractStateActive)
	watcher.AddContract(ctx, contract)

	spentVtxo := testVtxo("aa", 0, 1000)
	sweptVtxo := testVtxo("bb", 0, 2000)
	watcher.handleScriptEvent(&indexer.ScriptEvent{
		Scripts:  []string{contract.Script},
		NewVtxos: []types.Vtxo{spentVtxo, sweptVtxo},
	})
	watcher.handleScriptEvent(&indexer.ScriptEvent{
		Scripts:    []string{contract.Script},
		SpentVtxos: []types.Vtxo{spentVtxo},
		SweptVtxos: []types.Vtxo{sweptVtxo},
	})

	require.Len(t, recorder.ofType(types.ContractEventVtxosSpent), 1)
	require.Len(t, recorder.ofType(types.ContractEventVtxosSwept), 1)

	watcher.mu.Lock()
	require.Empty(t, watcher.trackers[contract.Script].lastKnownVtxos)
	watcher.mu.Unlock()
}

func TestExpiryPiggybacksOnEvents(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contract := testContract("script-a", types.ContractStateActive)
	contract.ExpiresAt = time.Now().Add(-time.Minute)
	indexerSvc.setVtxos(contract.Script, []types.Vtxo{testVtxo("aa", 0, 1000)})
	watcher.AddContract(ctx, contract)

	require.NoError(t, watcher.pollContracts(ctx, []types.Contract{contract}))

	events := recorder.all()
	require.Len(t, events, 2)
	require.Equal(t, types.ContractEventExpired, events[0].Type)
	require.Equal(t, types.ContractEventVtxosReceived, events[1].Type)
	require.Equal(t, types.ContractStateExpired, events[0].Contract.State)
}

func TestPushDeliveryDuringStalledPoll(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contract := testContract("script-a", types.ContractStateActive)
	vtxo := testVtxo("aa", 0, 1000)
	indexerSvc.setVtxos(contract.Script, []types.Vtxo{vtxo})
	watcher.AddContract(ctx, contract)

	release := indexerSvc.blockGetVtxos()
	defer release()

	pollDone := make(chan error, 1)
	go func() {
		pollDone <- watcher.pollContracts(ctx, []types.Contract{contract})
	}()
	require.Eventually(t, func() bool {
		getVtxosCalls, _ := indexerSvc.calls()
		return getVtxosCalls >= 1
	}, time.Second, 10*time.Millisecond)

	// A push must get through while the poll fetch is stalled.
	pushDone := make(chan struct{})
	go func() {
		watcher.handleScriptEvent(&indexer.ScriptEvent{
			Scripts:  []string{contract.Script},
			NewVtxos: []types.Vtxo{vtxo},
		})
		close(pushDone)
	}()
	select {
	case <-pushDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("push processing blocked behind a stalled poll")
	}
	require.Len(t, recorder.ofType(types.ContractEventVtxosReceived), 1)

	// The released poll sees the same set and stays silent.
	release()
	require.NoError(t, <-pollDone)
	require.Len(t, recorder.all(), 1)
}

func TestPollFetchIsBounded(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, _ := newTestWatcher(indexerSvc)
	watcher.opts.RequestTimeout = 50 * time.Millisecond

	contract := testContract("script-a", types.ContractStateActive)
	watcher.AddContract(ctx, contract)

	release := indexerSvc.blockGetVtxos()
	defer release()

	start := time.Now()
	err := watcher.pollContracts(ctx, []types.Contract{contract})
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestExpiryRecomputesSubscription(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contract := testContract("script-a", types.ContractStateActive)
	contract.ExpiresAt = time.Now().Add(-time.Minute)
	watcher.AddContract(ctx, contract)

	stop, err := watcher.StartWatching(ctx, recorder.record)
	require.NoError(t, err)
	defer stop()

	recorder.waitFor(t, types.ContractEventExpired, time.Second)

	// A drained expired contract is unsubscribed right away, not on the next
	// unrelated contract change.
	require.Eventually(t, func() bool {
		return !indexerSvc.isSubscribed(contract.Script)
	}, time.Second, 10*time.Millisecond)
}

func TestWatchingLifecycle(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contract := testContract("script-a", types.ContractStateActive)
	indexerSvc.setVtxos(contract.Script, []types.Vtxo{testVtxo("aa", 0, 1000)})
	watcher.AddContract(ctx, contract)

	require.False(t, watcher.IsWatching())
	require.Equal(t, types.ConnectionDisconnected, watcher.ConnectionState())

	stop, err := watcher.StartWatching(ctx, recorder.record)
	require.NoError(t, err)
	require.True(t, watcher.IsWatching())

	_, err = watcher.StartWatching(ctx, recorder.record)
	require.ErrorIs(t, err, ErrAlreadyWatching)

	// The post-connect poll seeds the baseline and emits the first event.
	recorder.waitFor(t, types.ContractEventVtxosReceived, time.Second)
	require.Equal(t, types.ConnectionConnected, watcher.ConnectionState())

	// A push on the live stream is consumed and diffed.
	stream := indexerSvc.currentStream()
	require.NotNil(t, stream)
	stream <- &indexer.ScriptEvent{
		Scripts:  []string{contract.Script},
		NewVtxos: []types.Vtxo{testVtxo("bb", 0, 2000)},
	}
	require.Eventually(t, func() bool {
		return len(recorder.ofType(types.ContractEventVtxosReceived)) == 2
	}, time.Second, 10*time.Millisecond)

	stop()
	require.False(t, watcher.IsWatching())
	require.Equal(t, types.ConnectionDisconnected, watcher.ConnectionState())
	// Stopping twice is safe.
	stop()
}

func TestReconnectEmitsConnectionReset(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contract := testContract("script-a", types.ContractStateActive)
	watcher.AddContract(ctx, contract)

	stop, err := watcher.StartWatching(ctx, recorder.record)
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool {
		return watcher.ConnectionState() == types.ConnectionConnected
	}, time.Second, 10*time.Millisecond)

	// A clean stream end is treated like a drop: reconnect with backoff,
	// then signal consumers that pushes may have been missed.
	close(indexerSvc.currentStream())

	recorder.waitFor(t, types.ContractEventConnectionReset, time.Second)
	require.Eventually(t, func() bool {
		return watcher.ConnectionState() == types.ConnectionConnected
	}, time.Second, 10*time.Millisecond)

	_, subscribeCalls := indexerSvc.calls()
	require.GreaterOrEqual(t, subscribeCalls, 2)
}

func TestAddContractWhileWatchingSeedsBaseline(t *testing.T) {
	ctx := context.Background()
	indexerSvc := newFakeIndexer()
	watcher, recorder := newTestWatcher(indexerSvc)

	contractA := testContract("script-a", types.ContractStateActive)
	watcher.AddContract(ctx, contractA)

	stop, err := watcher.StartWatching(ctx, recorder.record)
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool {
		return watcher.ConnectionState() == types.ConnectionConnected
	}, time.Second, 10*time.Millisecond)

	contractB := testContract("script-b", types.ContractStateActive)
	indexerSvc.setVtxos(contractB.Script, []types.Vtxo{testVtxo("bb", 0, 2000)})
	watcher.AddContract(ctx, contractB)

	received := recorder.waitFor(t, types.ContractEventVtxosReceived, time.Second)
	require.Equal(t, contractB.Script, received.ContractScript)
}

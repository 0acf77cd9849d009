package contractsdk

import (
	"context"
	"sync"
	"time"

	"github.com/arkade-os/contract-sdk/indexer"
	"github.com/arkade-os/contract-sdk/internal/utils"
	"github.com/arkade-os/contract-sdk/types"
	log "github.com/sirupsen/logrus"
)

// contractTracker is the per-contract working set. lastKnownVtxos is the diff
// baseline keyed by outpoint; it is only ever touched by watcher-owned
// methods holding the watcher mutex.
type contractTracker struct {
	contract       types.Contract
	lastKnownVtxos map[string]types.Vtxo
}

// ContractWatcher maintains a live view of vtxo membership per contract and
// converts indexer activity into contract events. It owns one multiplexed
// script subscription plus a failsafe poll timer and survives connection loss
// with exponential backoff.
type ContractWatcher struct {
	indexerSvc indexer.Indexer
	cache      *VtxoCache
	opts       *Options

	mu                sync.Mutex
	trackers          map[string]*contractTracker
	watching          bool
	connState         types.ConnectionState
	subscriptionId    string
	subscribedScripts map[string]struct{}
	callback          func(types.ContractEvent)
	reconnectAttempts int
	cancel            context.CancelFunc
	resubCh           chan struct{}
	wg                sync.WaitGroup

	// emitMu serializes diff-and-emit passes so events for a contract are
	// delivered in the order their cause was observed, it is never required
	// by query methods. Callbacks must not call back into watcher mutators
	// synchronously.
	emitMu sync.Mutex
}

func NewContractWatcher(
	indexerSvc indexer.Indexer, cache *VtxoCache, opts *Options,
) *ContractWatcher {
	if opts == nil {
		opts = newDefaultOptions()
	}
	return &ContractWatcher{
		indexerSvc:        indexerSvc,
		cache:             cache,
		opts:              opts,
		trackers:          make(map[string]*contractTracker),
		connState:         types.ConnectionDisconnected,
		subscribedScripts: make(map[string]struct{}),
	}
}

// AddContract registers tracking state for the contract. When the watcher is
// running, the contract is polled right away to seed its diff baseline and
// the subscription is recomputed.
func (w *ContractWatcher) AddContract(ctx context.Context, contract types.Contract) {
	w.mu.Lock()
	if tracker, ok := w.trackers[contract.Script]; ok {
		tracker.contract = contract
	} else {
		w.trackers[contract.Script] = &contractTracker{
			contract:       contract,
			lastKnownVtxos: make(map[string]types.Vtxo),
		}
	}
	watching := w.watching
	w.mu.Unlock()

	if watching {
		if err := w.pollContracts(ctx, []types.Contract{contract}); err != nil {
			log.WithError(err).
				WithField("contract", contract.Script).
				Warn("failed to seed contract vtxos")
		}
		w.requestResubscribe()
	}
}

func (w *ContractWatcher) UpdateContract(ctx context.Context, contract types.Contract) {
	w.mu.Lock()
	tracker, ok := w.trackers[contract.Script]
	if ok {
		tracker.contract = contract
	}
	watching := w.watching
	w.mu.Unlock()

	if ok && watching {
		w.requestResubscribe()
	}
}

func (w *ContractWatcher) RemoveContract(ctx context.Context, script string) {
	w.mu.Lock()
	_, ok := w.trackers[script]
	delete(w.trackers, script)
	watching := w.watching
	w.mu.Unlock()

	if ok && watching {
		w.requestResubscribe()
	}
}

// GetScriptsToWatch returns the union of the scripts of active contracts and
// the scripts of contracts, in any state, that still hold vtxos. Money is
// never silently untracked.
func (w *ContractWatcher) GetScriptsToWatch() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scriptsToWatchLocked()
}

func (w *ContractWatcher) scriptsToWatchLocked() []string {
	scripts := make([]string, 0, len(w.trackers))
	for script, tracker := range w.trackers {
		if tracker.contract.State == types.ContractStateActive ||
			len(tracker.lastKnownVtxos) > 0 {
			scripts = append(scripts, script)
		}
	}
	return scripts
}

// StartWatching opens the subscription and starts the failsafe poll loop.
// The returned function tears everything down and is safe to call more than
// once.
func (w *ContractWatcher) StartWatching(
	ctx context.Context, callback func(types.ContractEvent),
) (func(), error) {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil, ErrAlreadyWatching
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w.watching = true
	w.callback = callback
	w.cancel = cancel
	w.resubCh = make(chan struct{}, 1)
	w.wg.Add(2)
	w.mu.Unlock()

	go w.watchLoop(watchCtx)
	go w.failsafeLoop(watchCtx)

	return w.StopWatching, nil
}

// StopWatching flips the watching flag, cancels the subscription and the
// timers, then best-effort unsubscribes remotely. Idempotent.
func (w *ContractWatcher) StopWatching() {
	w.mu.Lock()
	if !w.watching {
		w.mu.Unlock()
		return
	}
	w.watching = false
	w.callback = nil
	w.connState = types.ConnectionDisconnected
	cancel := w.cancel
	subscriptionId := w.subscriptionId
	scripts := make([]string, 0, len(w.subscribedScripts))
	for script := range w.subscribedScripts {
		scripts = append(scripts, script)
	}
	w.subscribedScripts = make(map[string]struct{})
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	if len(subscriptionId) > 0 && len(scripts) > 0 {
		// The watcher is tearing down regardless, unsubscribe failures are
		// swallowed.
		ctx, cancelReq := context.WithTimeout(context.Background(), w.opts.RequestTimeout)
		defer cancelReq()
		if err := w.indexerSvc.UnsubscribeForScripts(ctx, subscriptionId, scripts); err != nil {
			log.WithError(err).Debug("failed to unsubscribe for scripts")
		}
	}
}

func (w *ContractWatcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

func (w *ContractWatcher) ConnectionState() types.ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connState
}

// ForcePoll re-syncs all watched contracts on demand, typically after an app
// resume or a suspected missed push.
func (w *ContractWatcher) ForcePoll(ctx context.Context) error {
	return w.pollContracts(ctx, w.watchedContracts())
}

func (w *ContractWatcher) watchedContracts() []types.Contract {
	w.mu.Lock()
	defer w.mu.Unlock()
	contracts := make([]types.Contract, 0, len(w.trackers))
	for _, script := range w.scriptsToWatchLocked() {
		contracts = append(contracts, w.trackers[script].contract)
	}
	return contracts
}

func (w *ContractWatcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			w.setConnState(types.ConnectionDisconnected)
			return
		}

		scripts := w.GetScriptsToWatch()
		if len(scripts) == 0 {
			select {
			case <-ctx.Done():
				w.setConnState(types.ConnectionDisconnected)
				return
			case <-w.resubCh:
			}
			continue
		}

		w.setConnState(types.ConnectionConnecting)
		err := w.runSubscription(ctx, scripts)
		if ctx.Err() != nil {
			w.setConnState(types.ConnectionDisconnected)
			return
		}

		retry, minDelay := utils.ShouldReconnect(err)
		if !retry {
			log.WithError(err).Error("subscription failed with non-retryable error")
			w.setConnState(types.ConnectionDisconnected)
			return
		}

		attempt := w.bumpReconnectAttempts()
		if w.opts.MaxReconnectAttempts > 0 && attempt > w.opts.MaxReconnectAttempts {
			log.Errorf(
				"giving up reconnecting after %d attempt(s)", w.opts.MaxReconnectAttempts,
			)
			w.setConnState(types.ConnectionDisconnected)
			return
		}

		delay := reconnectDelay(
			w.opts.ReconnectBaseDelay, w.opts.ReconnectMaxDelay, attempt,
		)
		if delay < minDelay {
			delay = minDelay
		}

		log.WithError(err).
			Debugf("subscription dropped, reconnecting in %s (attempt %d)", delay, attempt)
		w.setConnState(types.ConnectionReconnecting)

		select {
		case <-ctx.Done():
			w.setConnState(types.ConnectionDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// runSubscription subscribes the given scripts, closes the blind window with
// an immediate poll, then consumes the push stream until it ends. A nil
// return means the stream ended cleanly, which is treated like a drop by the
// caller.
func (w *ContractWatcher) runSubscription(ctx context.Context, scripts []string) error {
	subscriptionId, err := w.indexerSvc.SubscribeForScripts(
		ctx, w.getSubscriptionId(), scripts,
	)
	if err != nil {
		return err
	}
	w.setSubscription(subscriptionId, scripts)

	eventsCh, closeFn, err := w.indexerSvc.GetSubscription(ctx, subscriptionId)
	if err != nil {
		return err
	}
	defer closeFn()

	if w.markConnected() {
		// The push channel may have silently missed events during the
		// outage, let consumers know so they can re-read.
		w.emit(types.ContractEvent{
			Type:      types.ContractEventConnectionReset,
			Timestamp: time.Now(),
		})
	}

	if err := w.pollContracts(ctx, w.watchedContracts()); err != nil {
		log.WithError(err).Warn("post-connect poll failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.resubCh:
			if err := w.updateSubscription(ctx); err != nil {
				return err
			}
		case event, ok := <-eventsCh:
			if !ok {
				return nil
			}
			if event.Err != nil {
				return event.Err
			}
			w.handleScriptEvent(event)
		}
	}
}

// updateSubscription diffs the wanted script set against the subscribed one
// and sends only the delta, reusing the existing subscription id.
func (w *ContractWatcher) updateSubscription(ctx context.Context) error {
	w.mu.Lock()
	wanted := w.scriptsToWatchLocked()
	wantedSet := make(map[string]struct{}, len(wanted))
	for _, script := range wanted {
		wantedSet[script] = struct{}{}
	}
	toAdd := make([]string, 0)
	for _, script := range wanted {
		if _, ok := w.subscribedScripts[script]; !ok {
			toAdd = append(toAdd, script)
		}
	}
	toRemove := make([]string, 0)
	for script := range w.subscribedScripts {
		if _, ok := wantedSet[script]; !ok {
			toRemove = append(toRemove, script)
		}
	}
	subscriptionId := w.subscriptionId
	w.mu.Unlock()

	reqCtx, cancelReq := context.WithTimeout(ctx, w.opts.RequestTimeout)
	defer cancelReq()

	if len(toAdd) > 0 {
		if _, err := w.indexerSvc.SubscribeForScripts(reqCtx, subscriptionId, toAdd); err != nil {
			return err
		}
	}
	if len(toRemove) > 0 {
		if err := w.indexerSvc.UnsubscribeForScripts(reqCtx, subscriptionId, toRemove); err != nil {
			log.WithError(err).Warn("failed to unsubscribe removed scripts")
		}
	}

	w.mu.Lock()
	w.subscribedScripts = wantedSet
	w.mu.Unlock()
	return nil
}

// pollContracts implements the diff algorithm: fetch the current spendable
// vtxos of the given contracts, compare against each contract's baseline and
// emit received/spent events for the delta. Used by the failsafe loop, the
// post-connect resync and ad-hoc polls.
func (w *ContractWatcher) pollContracts(ctx context.Context, contracts []types.Contract) error {
	if len(contracts) == 0 {
		return nil
	}

	// The fetch happens outside the emit lock with a bounded deadline: a slow
	// or stalled indexer must not block push processing. Only the
	// diff-and-emit step below is serialized.
	fetchCtx, cancelFetch := context.WithTimeout(ctx, w.opts.RequestTimeout)
	defer cancelFetch()
	fetched, err := w.cache.GetContractVtxos(
		fetchCtx, contracts, VtxoQueryOptions{Refresh: true},
	)

	w.emitMu.Lock()
	defer w.emitMu.Unlock()

	events := make([]types.ContractEvent, 0)
	now := time.Now()
	anyExpired := false

	w.mu.Lock()
	for _, contract := range contracts {
		fresh, ok := fetched[contract.Script]
		if !ok {
			// This contract's fetch failed, leave its baseline untouched so
			// the next poll can retry.
			continue
		}
		tracker, ok := w.trackers[contract.Script]
		if !ok {
			continue
		}

		if expired := w.checkExpiredLocked(tracker, now); expired != nil {
			events = append(events, *expired)
			anyExpired = true
		}

		currentKeys := make(map[string]struct{}, len(fresh))
		received := make([]types.Vtxo, 0)
		for _, cv := range fresh {
			key := cv.Outpoint.String()
			currentKeys[key] = struct{}{}
			if _, known := tracker.lastKnownVtxos[key]; !known {
				received = append(received, cv.Vtxo)
			}
			// Last-write-wins on fields for vtxos we already knew about.
			tracker.lastKnownVtxos[key] = cv.Vtxo
		}

		spent := make([]types.Vtxo, 0)
		for key, vtxo := range tracker.lastKnownVtxos {
			if _, stillThere := currentKeys[key]; !stillThere {
				spent = append(spent, vtxo)
				delete(tracker.lastKnownVtxos, key)
			}
		}

		contractCopy := tracker.contract
		if len(received) > 0 {
			events = append(events, types.ContractEvent{
				Type:           types.ContractEventVtxosReceived,
				ContractScript: contract.Script,
				Contract:       &contractCopy,
				Vtxos:          received,
				Timestamp:      now,
			})
		}
		if len(spent) > 0 {
			// Polling cannot tell spent from swept, the push stream reports
			// swept sets separately.
			events = append(events, types.ContractEvent{
				Type:           types.ContractEventVtxosSpent,
				ContractScript: contract.Script,
				Contract:       &contractCopy,
				Vtxos:          spent,
				Timestamp:      now,
			})
		}
	}
	w.mu.Unlock()

	for _, event := range events {
		w.emit(event)
	}
	if anyExpired {
		// A drained expired contract drops out of the watch set, recompute
		// the subscription instead of waiting for an unrelated change.
		w.requestResubscribe()
	}
	return err
}

// handleScriptEvent reconciles a subscription push. A push naming exactly one
// script is attributed unambiguously; a push naming several scripts is
// applied to every matching contract, a deliberate over-approximation since
// the batch cannot be split per vtxo.
func (w *ContractWatcher) handleScriptEvent(event *indexer.ScriptEvent) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()

	events := make([]types.ContractEvent, 0)
	now := time.Now()
	anyExpired := false

	w.mu.Lock()
	for _, script := range event.Scripts {
		tracker, ok := w.trackers[script]
		if !ok {
			continue
		}

		if expired := w.checkExpiredLocked(tracker, now); expired != nil {
			events = append(events, *expired)
			anyExpired = true
		}

		received := make([]types.Vtxo, 0, len(event.NewVtxos))
		for _, vtxo := range event.NewVtxos {
			key := vtxo.Outpoint.String()
			if _, known := tracker.lastKnownVtxos[key]; !known {
				received = append(received, vtxo)
			}
			tracker.lastKnownVtxos[key] = vtxo
		}

		spent := make([]types.Vtxo, 0, len(event.SpentVtxos))
		for _, vtxo := range event.SpentVtxos {
			key := vtxo.Outpoint.String()
			if known, ok := tracker.lastKnownVtxos[key]; ok {
				spent = append(spent, known)
				delete(tracker.lastKnownVtxos, key)
			}
		}

		swept := make([]types.Vtxo, 0, len(event.SweptVtxos))
		for _, vtxo := range event.SweptVtxos {
			key := vtxo.Outpoint.String()
			if known, ok := tracker.lastKnownVtxos[key]; ok {
				swept = append(swept, known)
				delete(tracker.lastKnownVtxos, key)
			}
		}

		contractCopy := tracker.contract
		if len(received) > 0 {
			events = append(events, types.ContractEvent{
				Type:           types.ContractEventVtxosReceived,
				ContractScript: script,
				Contract:       &contractCopy,
				Vtxos:          received,
				Timestamp:      now,
			})
		}
		if len(spent) > 0 {
			events = append(events, types.ContractEvent{
				Type:           types.ContractEventVtxosSpent,
				ContractScript: script,
				Contract:       &contractCopy,
				Vtxos:          spent,
				Timestamp:      now,
			})
		}
		if len(swept) > 0 {
			events = append(events, types.ContractEvent{
				Type:           types.ContractEventVtxosSwept,
				ContractScript: script,
				Contract:       &contractCopy,
				Vtxos:          swept,
				Timestamp:      now,
			})
		}
	}
	w.mu.Unlock()

	for _, ev := range events {
		w.emit(ev)
	}
	if anyExpired {
		w.requestResubscribe()
	}
}

// checkExpiredLocked transitions an active contract past its expiry to
// expired and returns the event to emit. Expiry observation piggybacks on
// activity, it never gets its own timer.
func (w *ContractWatcher) checkExpiredLocked(
	tracker *contractTracker, now time.Time,
) *types.ContractEvent {
	if tracker.contract.State != types.ContractStateActive {
		return nil
	}
	if !tracker.contract.IsExpired(now) {
		return nil
	}
	tracker.contract.State = types.ContractStateExpired
	contractCopy := tracker.contract
	return &types.ContractEvent{
		Type:           types.ContractEventExpired,
		ContractScript: tracker.contract.Script,
		Contract:       &contractCopy,
		Timestamp:      now,
	}
}

func (w *ContractWatcher) failsafeLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failsafe polls bound the staleness window even when the push
			// channel silently stalls; their failures never abort the timer.
			if err := w.pollContracts(ctx, w.watchedContracts()); err != nil {
				log.WithError(err).Warn("failsafe poll failed")
			}
		}
	}
}

func (w *ContractWatcher) emit(event types.ContractEvent) {
	w.mu.Lock()
	callback := w.callback
	w.mu.Unlock()
	if callback != nil {
		callback(event)
	}
}

func (w *ContractWatcher) requestResubscribe() {
	w.mu.Lock()
	resubCh := w.resubCh
	w.mu.Unlock()
	if resubCh == nil {
		return
	}
	select {
	case resubCh <- struct{}{}:
	default:
	}
}

func (w *ContractWatcher) getSubscriptionId() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subscriptionId
}

func (w *ContractWatcher) setSubscription(subscriptionId string, scripts []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscriptionId = subscriptionId
	w.subscribedScripts = make(map[string]struct{}, len(scripts))
	for _, script := range scripts {
		w.subscribedScripts[script] = struct{}{}
	}
}

func (w *ContractWatcher) setConnState(state types.ConnectionState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Stop wins races with the reconnect timer.
	if !w.watching && state != types.ConnectionDisconnected {
		return
	}
	w.connState = state
}

// markConnected resets the backoff and reports whether this connection is a
// recovery from a previous drop.
func (w *ContractWatcher) markConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connState = types.ConnectionConnected
	wasReconnect := w.reconnectAttempts > 0
	w.reconnectAttempts = 0
	return wasReconnect
}

func (w *ContractWatcher) bumpReconnectAttempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reconnectAttempts++
	return w.reconnectAttempts
}

// reconnectDelay doubles the base delay per attempt and caps it at max.
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

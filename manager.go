package contractsdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkade-os/contract-sdk/handler"
	"github.com/arkade-os/contract-sdk/indexer"
	"github.com/arkade-os/contract-sdk/internal/utils"
	"github.com/arkade-os/contract-sdk/types"
	log "github.com/sirupsen/logrus"
)

const eventChannelBuffer = 100

type contractManager struct {
	indexerSvc indexer.Indexer
	storeSvc   types.Store
	registry   *handler.Registry
	cache      *VtxoCache
	watcher    *ContractWatcher
	opts       *Options

	eventBroadcaster *utils.Broadcaster[types.ContractEvent]

	// initMu serializes whole Initialize runs, mu only guards the fields.
	initMu sync.Mutex

	mu             sync.Mutex
	initialized    bool
	disposed       bool
	stopWatching   func()
	callbacks      map[int]func(types.ContractEvent)
	nextCallbackId int
}

func newContractManager(
	indexerSvc indexer.Indexer, storeSvc types.Store, registry *handler.Registry,
	cache *VtxoCache, watcher *ContractWatcher, opts *Options,
) *contractManager {
	return &contractManager{
		indexerSvc:       indexerSvc,
		storeSvc:         storeSvc,
		registry:         registry,
		cache:            cache,
		watcher:          watcher,
		opts:             opts,
		eventBroadcaster: utils.NewBroadcaster[types.ContractEvent](),
		callbacks:        make(map[int]func(types.ContractEvent)),
	}
}

func (m *contractManager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	if m.disposed {
		m.mu.Unlock()
		return fmt.Errorf("contract manager is disposed")
	}
	m.mu.Unlock()

	contracts, err := m.storeSvc.ContractStore().GetContracts(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to load contracts: %s", err)
	}

	now := time.Now()
	for i, contract := range contracts {
		if contract.State == types.ContractStateActive && contract.IsExpired(now) {
			contract.State = types.ContractStateExpired
			if err := m.storeSvc.ContractStore().UpdateContract(ctx, contract); err != nil {
				return fmt.Errorf(
					"failed to expire contract %s: %s", contract.Script, err,
				)
			}
			contracts[i] = contract
		}
	}

	for _, contract := range contracts {
		m.watcher.AddContract(ctx, contract)
	}

	stop, err := m.watcher.StartWatching(ctx, m.handleContractEvent)
	if err != nil {
		return fmt.Errorf("failed to start watching: %s", err)
	}

	m.mu.Lock()
	m.stopWatching = stop
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *contractManager) CreateContract(
	ctx context.Context, req CreateContractRequest,
) (*types.Contract, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	contractHandler, err := m.registry.Get(req.Type)
	if err != nil {
		return nil, err
	}

	contractScript, err := contractHandler.CreateScript(req.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive contract script: %s", err)
	}
	if len(req.Script) > 0 && req.Script != contractScript.Script {
		return nil, ScriptMismatchError{
			Expected: contractScript.Script,
			Actual:   req.Script,
		}
	}

	existing, err := m.storeSvc.ContractStore().GetContract(ctx, contractScript.Script)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing contract: %s", err)
	}
	if existing != nil {
		if existing.Type != req.Type {
			return nil, ContractTypeMismatchError{
				Script:   existing.Script,
				Existing: existing.Type,
				Supplied: req.Type,
			}
		}
		return existing, nil
	}

	contract := types.Contract{
		Script:    contractScript.Script,
		Address:   contractScript.Address,
		Type:      req.Type,
		Params:    req.Params,
		State:     types.ContractStateActive,
		CreatedAt: time.Now(),
		ExpiresAt: req.ExpiresAt,
		Metadata:  req.Metadata,
	}
	if err := m.storeSvc.ContractStore().AddContract(ctx, contract); err != nil {
		return nil, fmt.Errorf("failed to persist contract: %s", err)
	}

	// Warm the cache so the first balance query doesn't pay a round-trip.
	// Failures here are not fatal, the watcher polls right after anyway.
	if _, err := m.cache.GetContractVtxos(
		ctx, []types.Contract{contract}, VtxoQueryOptions{Refresh: true},
	); err != nil {
		log.WithError(err).
			WithField("contract", contract.Script).
			Warn("failed to warm vtxo cache for new contract")
	}

	m.watcher.AddContract(ctx, contract)
	return &contract, nil
}

func (m *contractManager) GetContract(
	ctx context.Context, script string,
) (*types.Contract, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	contract, err := m.storeSvc.ContractStore().GetContract(ctx, script)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, ErrContractNotFound
	}
	return contract, nil
}

func (m *contractManager) GetContracts(
	ctx context.Context, filter *types.ContractFilter,
) ([]types.Contract, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.storeSvc.ContractStore().GetContracts(ctx, filter)
}

func (m *contractManager) UpdateContract(ctx context.Context, contract types.Contract) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	existing, err := m.storeSvc.ContractStore().GetContract(ctx, contract.Script)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrContractNotFound
	}
	if err := m.storeSvc.ContractStore().UpdateContract(ctx, contract); err != nil {
		return err
	}
	m.watcher.UpdateContract(ctx, contract)
	return nil
}

// SetContractState transitions the contract's lifecycle state. An expired
// contract cannot be reactivated.
func (m *contractManager) SetContractState(
	ctx context.Context, script string, state types.ContractState,
) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	contract, err := m.GetContract(ctx, script)
	if err != nil {
		return err
	}
	if contract.State == state {
		return nil
	}
	if contract.State == types.ContractStateExpired &&
		state == types.ContractStateActive {
		return ErrContractExpired
	}
	contract.State = state
	if err := m.storeSvc.ContractStore().UpdateContract(ctx, *contract); err != nil {
		return err
	}
	m.watcher.UpdateContract(ctx, *contract)
	return nil
}

func (m *contractManager) ActivateContract(ctx context.Context, script string) error {
	return m.SetContractState(ctx, script, types.ContractStateActive)
}

func (m *contractManager) DeactivateContract(ctx context.Context, script string) error {
	return m.SetContractState(ctx, script, types.ContractStateInactive)
}

func (m *contractManager) DeleteContract(ctx context.Context, script string) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	contract, err := m.GetContract(ctx, script)
	if err != nil {
		return err
	}
	m.watcher.RemoveContract(ctx, script)
	if err := m.storeSvc.ContractStore().DeleteContract(ctx, script); err != nil {
		return err
	}
	if err := m.storeSvc.VtxoStore().DeleteVtxos(ctx, contract.Address); err != nil {
		log.WithError(err).
			WithField("contract", script).
			Warn("failed to delete cached vtxos")
	}
	return nil
}

func (m *contractManager) GetContractVtxos(
	ctx context.Context, script string, opts ...VtxoQueryOption,
) ([]types.ContractVtxo, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	contract, err := m.GetContract(ctx, script)
	if err != nil {
		return nil, err
	}

	queryOpts := VtxoQueryOptions{}
	for _, opt := range opts {
		opt(&queryOpts)
	}

	vtxos, err := m.cache.GetContractVtxos(ctx, []types.Contract{*contract}, queryOpts)
	if err != nil {
		return nil, err
	}
	return vtxos[script], nil
}

func (m *contractManager) GetContractBalance(
	ctx context.Context, script string,
) (*Balance, error) {
	vtxos, err := m.GetContractVtxos(ctx, script, WithSpent())
	if err != nil {
		return nil, err
	}
	balance := sumBalance(vtxos)
	return &balance, nil
}

func (m *contractManager) GetAllBalances(ctx context.Context) (map[string]Balance, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	contracts, err := m.storeSvc.ContractStore().GetContracts(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return map[string]Balance{}, nil
	}

	vtxos, err := m.cache.GetContractVtxos(
		ctx, contracts, VtxoQueryOptions{IncludeSpent: true},
	)
	if err != nil {
		return nil, err
	}

	balances := make(map[string]Balance, len(contracts))
	for _, contract := range contracts {
		balances[contract.Script] = sumBalance(vtxos[contract.Script])
	}
	return balances, nil
}

func (m *contractManager) GetTotalBalance(ctx context.Context) (*Balance, error) {
	balances, err := m.GetAllBalances(ctx)
	if err != nil {
		return nil, err
	}
	total := Balance{}
	for _, balance := range balances {
		total.Total += balance.Total
		total.Spendable += balance.Spendable
	}
	return &total, nil
}

func (m *contractManager) GetSpendablePaths(
	ctx context.Context, script string, pathCtx handler.PathContext,
) ([]handler.SpendingPath, error) {
	contract, contractHandler, err := m.contractAndHandler(ctx, script)
	if err != nil {
		return nil, err
	}
	return contractHandler.GetSpendablePaths(*contract, pathCtx)
}

func (m *contractManager) GetSpendingPath(
	ctx context.Context, script string, pathCtx handler.PathContext,
) (*handler.SpendingPath, error) {
	contract, contractHandler, err := m.contractAndHandler(ctx, script)
	if err != nil {
		return nil, err
	}
	return contractHandler.SelectPath(*contract, pathCtx)
}

func (m *contractManager) contractAndHandler(
	ctx context.Context, script string,
) (*types.Contract, handler.ContractHandler, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, nil, err
	}
	contract, err := m.GetContract(ctx, script)
	if err != nil {
		return nil, nil, err
	}
	contractHandler, err := m.registry.Get(contract.Type)
	if err != nil {
		return nil, nil, err
	}
	return contract, contractHandler, nil
}

func (m *contractManager) OnContractEvent(callback func(types.ContractEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextCallbackId
	m.nextCallbackId++
	m.callbacks[id] = callback
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.callbacks, id)
	}
}

func (m *contractManager) GetEventChannel() (<-chan types.ContractEvent, func()) {
	return m.eventBroadcaster.Subscribe(eventChannelBuffer)
}

func (m *contractManager) ForceSync(ctx context.Context) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	return m.watcher.ForcePoll(ctx)
}

func (m *contractManager) InvalidateCache() {
	m.cache.Invalidate()
}

func (m *contractManager) IsWatching() bool {
	return m.watcher.IsWatching()
}

func (m *contractManager) ConnectionState() types.ConnectionState {
	return m.watcher.ConnectionState()
}

func (m *contractManager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.initialized = false
	stop := m.stopWatching
	m.stopWatching = nil
	m.callbacks = make(map[int]func(types.ContractEvent))
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.eventBroadcaster.Close()
}

// handleContractEvent is the watcher callback. The manager reacts first so
// that reads performed from consumer callbacks already see the post-event
// state, then fans the event out.
func (m *contractManager) handleContractEvent(event types.ContractEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()

	switch event.Type {
	case types.ContractEventVtxosReceived,
		types.ContractEventVtxosSpent,
		types.ContractEventVtxosSwept:
		if event.Contract != nil {
			if _, err := m.cache.GetContractVtxos(
				ctx, []types.Contract{*event.Contract},
				VtxoQueryOptions{Refresh: true, IncludeSpent: true},
			); err != nil {
				log.WithError(err).
					WithField("contract", event.ContractScript).
					Warn("failed to refresh vtxos after event")
			}
		}
	case types.ContractEventConnectionReset:
		// The push channel may have missed events while disconnected.
		if err := m.refreshActiveContracts(ctx); err != nil {
			log.WithError(err).Warn("failed to refresh contracts after reconnection")
		}
	case types.ContractEventExpired:
		if event.Contract != nil {
			if err := m.storeSvc.ContractStore().UpdateContract(
				ctx, *event.Contract,
			); err != nil {
				log.WithError(err).
					WithField("contract", event.ContractScript).
					Warn("failed to persist expired contract")
			}
		}
	}

	m.forwardEvent(event)
}

func (m *contractManager) refreshActiveContracts(ctx context.Context) error {
	contracts, err := m.storeSvc.ContractStore().GetContracts(ctx, &types.ContractFilter{
		States: []types.ContractState{types.ContractStateActive},
	})
	if err != nil {
		return err
	}
	if len(contracts) == 0 {
		return nil
	}
	_, err = m.cache.GetContractVtxos(ctx, contracts, VtxoQueryOptions{Refresh: true})
	return err
}

func (m *contractManager) forwardEvent(event types.ContractEvent) {
	m.mu.Lock()
	callbacks := make([]func(types.ContractEvent), 0, len(m.callbacks))
	for _, callback := range m.callbacks {
		callbacks = append(callbacks, callback)
	}
	m.mu.Unlock()

	for _, callback := range callbacks {
		m.safeInvoke(callback, event)
	}
	m.eventBroadcaster.Publish(event)
}

// safeInvoke shields event delivery from misbehaving consumer callbacks.
func (m *contractManager) safeInvoke(
	callback func(types.ContractEvent), event types.ContractEvent,
) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("contract event callback panicked")
		}
	}()
	callback(event)
}

func (m *contractManager) requireInitialized() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

func sumBalance(vtxos []types.ContractVtxo) Balance {
	balance := Balance{}
	for _, vtxo := range vtxos {
		if vtxo.Spent {
			continue
		}
		balance.Total += vtxo.Amount
		if vtxo.IsSpendable() {
			balance.Spendable += vtxo.Amount
		}
	}
	return balance
}

package contractsdk

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkade-os/contract-sdk/indexer"
	"github.com/arkade-os/contract-sdk/types"
)

// fakeIndexer serves vtxos by script from memory and exposes counters for
// asserting on call patterns.
type fakeIndexer struct {
	mu               sync.Mutex
	vtxos            map[string][]types.Vtxo
	failing          map[string]error
	getVtxosCalls    int
	subscribeCalls   int
	unsubscribeCalls int
	subscribed       map[string]struct{}
	eventsCh         chan *indexer.ScriptEvent
	blockCh          chan struct{}
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		vtxos:      make(map[string][]types.Vtxo),
		failing:    make(map[string]error),
		subscribed: make(map[string]struct{}),
	}
}

func (f *fakeIndexer) setVtxos(script string, vtxos []types.Vtxo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vtxos[script] = vtxos
}

func (f *fakeIndexer) failScript(script string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failing, script)
		return
	}
	f.failing[script] = err
}

// blockGetVtxos stalls every GetVtxos call until the returned release
// function is invoked or the caller's context expires.
func (f *fakeIndexer) blockGetVtxos() func() {
	release := make(chan struct{})
	f.mu.Lock()
	f.blockCh = release
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(release)
			f.mu.Lock()
			f.blockCh = nil
			f.mu.Unlock()
		})
	}
}

func (f *fakeIndexer) calls() (getVtxos, subscribe int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getVtxosCalls, f.subscribeCalls
}

func (f *fakeIndexer) GetVtxos(
	ctx context.Context, opts ...indexer.GetVtxosRequestOption,
) (*indexer.VtxosResponse, error) {
	f.mu.Lock()
	f.getVtxosCalls++
	blockCh := f.blockCh
	f.mu.Unlock()

	if blockCh != nil {
		select {
		case <-blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(opts) == 0 {
		return nil, fmt.Errorf("missing request options")
	}
	opt := opts[0]

	scripts := opt.GetScripts()
	if len(scripts) != 1 {
		return nil, fmt.Errorf("expected exactly one script, got %d", len(scripts))
	}
	script := scripts[0]
	if err, ok := f.failing[script]; ok {
		return nil, err
	}

	all := make([]types.Vtxo, 0)
	for _, vtxo := range f.vtxos[script] {
		if opt.GetSpendableOnly() && (vtxo.Spent || vtxo.Swept) {
			continue
		}
		all = append(all, vtxo)
	}

	pageSize := int32(len(all))
	pageIndex := int32(0)
	if page := opt.GetPage(); page != nil {
		pageSize = page.Size
		pageIndex = page.Index
	}

	start := int(pageIndex * pageSize)
	if start > len(all) {
		start = len(all)
	}
	end := start + int(pageSize)
	if end > len(all) {
		end = len(all)
	}

	return &indexer.VtxosResponse{Vtxos: all[start:end]}, nil
}

func (f *fakeIndexer) SubscribeForScripts(
	_ context.Context, subscriptionId string, scripts []string,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	for _, script := range scripts {
		f.subscribed[script] = struct{}{}
	}
	if len(subscriptionId) > 0 {
		return subscriptionId, nil
	}
	return "test-subscription", nil
}

func (f *fakeIndexer) UnsubscribeForScripts(
	_ context.Context, _ string, scripts []string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribeCalls++
	for _, script := range scripts {
		delete(f.subscribed, script)
	}
	return nil
}

// GetSubscription hands out a fresh channel per call so tests can simulate
// stream drops by closing the previous one.
func (f *fakeIndexer) GetSubscription(
	_ context.Context, _ string,
) (<-chan *indexer.ScriptEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventsCh = make(chan *indexer.ScriptEvent, 10)
	return f.eventsCh, func() {}, nil
}

func (f *fakeIndexer) isSubscribed(script string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subscribed[script]
	return ok
}

func (f *fakeIndexer) currentStream() chan *indexer.ScriptEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eventsCh
}

func (f *fakeIndexer) Close() {}

// fakeVtxoStore is an in-memory types.VtxoStore.
type fakeVtxoStore struct {
	mu      sync.Mutex
	vtxos   map[string][]types.Vtxo
	eventCh chan types.VtxoEvent
}

func newFakeVtxoStore() *fakeVtxoStore {
	return &fakeVtxoStore{
		vtxos:   make(map[string][]types.Vtxo),
		eventCh: make(chan types.VtxoEvent, 100),
	}
}

func (s *fakeVtxoStore) SaveVtxos(
	_ context.Context, address string, vtxos []types.Vtxo,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vtxos[address] = append([]types.Vtxo{}, vtxos...)
	return len(vtxos), nil
}

func (s *fakeVtxoStore) GetVtxos(_ context.Context, address string) ([]types.Vtxo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Vtxo{}, s.vtxos[address]...), nil
}

func (s *fakeVtxoStore) GetAllVtxos(_ context.Context) (map[string][]types.Vtxo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make(map[string][]types.Vtxo, len(s.vtxos))
	for address, vtxos := range s.vtxos {
		all[address] = append([]types.Vtxo{}, vtxos...)
	}
	return all, nil
}

func (s *fakeVtxoStore) DeleteVtxos(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vtxos, address)
	return nil
}

func (s *fakeVtxoStore) GetEventChannel() <-chan types.VtxoEvent {
	return s.eventCh
}

func (s *fakeVtxoStore) Clean(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vtxos = make(map[string][]types.Vtxo)
	return nil
}

func (s *fakeVtxoStore) Close() {}

// fakeContractStore is an in-memory types.ContractStore.
type fakeContractStore struct {
	mu        sync.Mutex
	contracts map[string]types.Contract
}

func newFakeContractStore() *fakeContractStore {
	return &fakeContractStore{contracts: make(map[string]types.Contract)}
}

func (s *fakeContractStore) AddContract(_ context.Context, contract types.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[contract.Script]; ok {
		return fmt.Errorf("contract %s already exists", contract.Script)
	}
	s.contracts[contract.Script] = contract
	return nil
}

func (s *fakeContractStore) UpdateContract(_ context.Context, contract types.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[contract.Script]; !ok {
		return fmt.Errorf("contract %s not found", contract.Script)
	}
	s.contracts[contract.Script] = contract
	return nil
}

func (s *fakeContractStore) GetContract(
	_ context.Context, script string,
) (*types.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contract, ok := s.contracts[script]
	if !ok {
		return nil, nil
	}
	return &contract, nil
}

func (s *fakeContractStore) GetContracts(
	_ context.Context, filter *types.ContractFilter,
) ([]types.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contracts := make([]types.Contract, 0, len(s.contracts))
	for _, contract := range s.contracts {
		if filter.Match(contract) {
			contracts = append(contracts, contract)
		}
	}
	return contracts, nil
}

func (s *fakeContractStore) DeleteContract(_ context.Context, script string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[script]; !ok {
		return fmt.Errorf("contract %s not found", script)
	}
	delete(s.contracts, script)
	return nil
}

func (s *fakeContractStore) Clean(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts = make(map[string]types.Contract)
	return nil
}

func (s *fakeContractStore) Close() {}

type fakeStore struct {
	contractStore *fakeContractStore
	vtxoStore     *fakeVtxoStore
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contractStore: newFakeContractStore(),
		vtxoStore:     newFakeVtxoStore(),
	}
}

func (s *fakeStore) ContractStore() types.ContractStore { return s.contractStore }
func (s *fakeStore) VtxoStore() types.VtxoStore         { return s.vtxoStore }
func (s *fakeStore) Clean(_ context.Context)            {}
func (s *fakeStore) Close()                             {}

func testContract(script string, state types.ContractState) types.Contract {
	return types.Contract{
		Script:  script,
		Address: "addr-" + script,
		Type:    "test",
		State:   state,
	}
}

func testVtxo(txid string, vout uint32, amount uint64) types.Vtxo {
	return types.Vtxo{
		Outpoint: types.Outpoint{Txid: txid, VOut: vout},
		Amount:   amount,
	}
}

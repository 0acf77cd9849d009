package contractsdk

import (
	"context"
	"fmt"
	"time"

	"github.com/arkade-os/contract-sdk/handler"
	"github.com/arkade-os/contract-sdk/indexer"
	grpcindexer "github.com/arkade-os/contract-sdk/indexer/grpc"
	"github.com/arkade-os/contract-sdk/types"
)

// Balance is the value held by one or more contracts, in satoshis. Spendable
// counts only vtxos that are neither spent nor swept.
type Balance struct {
	Total     uint64
	Spendable uint64
}

// CreateContractRequest describes a contract to register. Params are
// interpreted by the handler registered for Type. Script is optional: when
// set, it must equal the script the handler derives from Params.
type CreateContractRequest struct {
	Type      string
	Script    string
	Params    map[string]string
	ExpiresAt time.Time
	Metadata  map[string]string
}

// ContractManager is the public facade of the sdk. It persists contracts,
// keeps their vtxo sets in sync with the indexer through the watcher, and
// answers balance and spending-path queries.
type ContractManager interface {
	// Initialize loads persisted contracts, expires the overdue ones and
	// starts watching. Every other operation fails until it has run.
	Initialize(ctx context.Context) error

	CreateContract(ctx context.Context, req CreateContractRequest) (*types.Contract, error)
	GetContract(ctx context.Context, script string) (*types.Contract, error)
	GetContracts(ctx context.Context, filter *types.ContractFilter) ([]types.Contract, error)
	UpdateContract(ctx context.Context, contract types.Contract) error
	SetContractState(ctx context.Context, script string, state types.ContractState) error
	ActivateContract(ctx context.Context, script string) error
	DeactivateContract(ctx context.Context, script string) error
	DeleteContract(ctx context.Context, script string) error

	GetContractVtxos(
		ctx context.Context, script string, opts ...VtxoQueryOption,
	) ([]types.ContractVtxo, error)
	GetContractBalance(ctx context.Context, script string) (*Balance, error)
	GetAllBalances(ctx context.Context) (map[string]Balance, error)
	GetTotalBalance(ctx context.Context) (*Balance, error)

	GetSpendablePaths(
		ctx context.Context, script string, pathCtx handler.PathContext,
	) ([]handler.SpendingPath, error)
	GetSpendingPath(
		ctx context.Context, script string, pathCtx handler.PathContext,
	) (*handler.SpendingPath, error)

	// OnContractEvent registers a callback invoked for every contract event,
	// after the manager's own handling. The returned function removes it.
	OnContractEvent(callback func(types.ContractEvent)) func()
	// GetEventChannel returns a channel fed with the same events. The
	// returned function unsubscribes and closes the channel.
	GetEventChannel() (<-chan types.ContractEvent, func())

	ForceSync(ctx context.Context) error
	InvalidateCache()
	IsWatching() bool
	ConnectionState() types.ConnectionState

	// Dispose stops watching and releases the manager. Idempotent. The
	// underlying store is not closed, it belongs to the caller.
	Dispose()
}

// NewContractManager wires a manager from its collaborators. A nil registry
// gets the default contract handler only.
func NewContractManager(
	indexerSvc indexer.Indexer, storeSvc types.Store,
	registry *handler.Registry, opts ...Option,
) (ContractManager, error) {
	if indexerSvc == nil {
		return nil, fmt.Errorf("missing indexer service")
	}
	if storeSvc == nil {
		return nil, fmt.Errorf("missing store service")
	}
	if registry == nil {
		registry = handler.NewRegistry(handler.NewDefaultHandler())
	}

	options := newDefaultOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}

	cache := NewVtxoCache(indexerSvc, storeSvc.VtxoStore(), options.CacheTTL)
	watcher := NewContractWatcher(indexerSvc, cache, options)
	return newContractManager(indexerSvc, storeSvc, registry, cache, watcher, options), nil
}

// New connects to the given ark indexer over grpc and wires a manager around
// it. It is the common entry point for applications.
func New(
	serverUrl string, storeSvc types.Store,
	registry *handler.Registry, opts ...Option,
) (ContractManager, error) {
	indexerSvc, err := grpcindexer.NewClient(serverUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to setup indexer client: %s", err)
	}
	return NewContractManager(indexerSvc, storeSvc, registry, opts...)
}

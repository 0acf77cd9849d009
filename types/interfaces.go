package types

import (
	"context"
)

type Store interface {
	ContractStore() ContractStore
	VtxoStore() VtxoStore
	Clean(ctx context.Context)
	Close()
}

type ContractStore interface {
	AddContract(ctx context.Context, contract Contract) error
	UpdateContract(ctx context.Context, contract Contract) error
	GetContract(ctx context.Context, script string) (*Contract, error)
	GetContracts(ctx context.Context, filter *ContractFilter) ([]Contract, error)
	DeleteContract(ctx context.Context, script string) error
	Clean(ctx context.Context) error
	Close()
}

// VtxoStore mirrors the indexer view per contract address. Rows are upserted
// by outpoint within an address.
type VtxoStore interface {
	SaveVtxos(ctx context.Context, address string, vtxos []Vtxo) (int, error)
	GetVtxos(ctx context.Context, address string) ([]Vtxo, error)
	GetAllVtxos(ctx context.Context) (map[string][]Vtxo, error)
	DeleteVtxos(ctx context.Context, address string) error
	GetEventChannel() <-chan VtxoEvent
	Clean(ctx context.Context) error
	Close()
}

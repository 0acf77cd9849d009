package store

import (
	"context"
	"fmt"

	kvstore "github.com/arkade-os/contract-sdk/store/kv"
	sqlstore "github.com/arkade-os/contract-sdk/store/sql"
	"github.com/arkade-os/contract-sdk/types"
	log "github.com/sirupsen/logrus"
)

// Config selects the storage backend. BaseDir is ignored by the in-memory
// backend and required by the others.
type Config struct {
	StoreType string
	BaseDir   string
}

type service struct {
	contractStore types.ContractStore
	vtxoStore     types.VtxoStore
}

// NewStore opens the configured backend and returns the repositories behind
// the common Store interface.
func NewStore(cfg Config) (types.Store, error) {
	switch cfg.StoreType {
	case types.InMemoryStore:
		return newKvStore("")
	case types.KVStore:
		if len(cfg.BaseDir) == 0 {
			return nil, fmt.Errorf("missing base dir for kv store")
		}
		return newKvStore(cfg.BaseDir)
	case types.SQLStore:
		if len(cfg.BaseDir) == 0 {
			return nil, fmt.Errorf("missing base dir for sql store")
		}
		db, err := sqlstore.OpenDb(cfg.BaseDir)
		if err != nil {
			return nil, err
		}
		return &service{
			contractStore: sqlstore.NewContractStore(db),
			vtxoStore:     sqlstore.NewVtxoStore(db),
		}, nil
	default:
		return nil, fmt.Errorf("unknown store type %s", cfg.StoreType)
	}
}

func newKvStore(baseDir string) (types.Store, error) {
	contractStore, err := kvstore.NewContractStore(baseDir, log.New())
	if err != nil {
		return nil, err
	}
	vtxoStore, err := kvstore.NewVtxoStore(baseDir, log.New())
	if err != nil {
		contractStore.Close()
		return nil, err
	}
	return &service{contractStore: contractStore, vtxoStore: vtxoStore}, nil
}

func (s *service) ContractStore() types.ContractStore {
	return s.contractStore
}

func (s *service) VtxoStore() types.VtxoStore {
	return s.vtxoStore
}

func (s *service) Clean(ctx context.Context) {
	if err := s.contractStore.Clean(ctx); err != nil {
		log.WithError(err).Warn("failed to clean contract store")
	}
	if err := s.vtxoStore.Clean(ctx); err != nil {
		log.WithError(err).Warn("failed to clean vtxo store")
	}
}

func (s *service) Close() {
	s.contractStore.Close()
	s.vtxoStore.Close()
}

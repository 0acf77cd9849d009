package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/arkade-os/contract-sdk/types"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const (
	contractStoreDir = "contracts"
)

type contractStore struct {
	db *badgerhold.Store
}

type contractRecord struct {
	Script    string
	Address   string
	Type      string
	Params    map[string]string
	State     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Metadata  map[string]string
}

func NewContractStore(dir string, logger badger.Logger) (types.ContractStore, error) {
	if dir != "" {
		dir = filepath.Join(dir, contractStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open contract store: %s", err)
	}
	return &contractStore{db: badgerDb}, nil
}

func (s *contractStore) AddContract(_ context.Context, contract types.Contract) error {
	record := toContractRecord(contract)
	if err := s.db.Insert(contract.Script, &record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("contract %s already exists", contract.Script)
		}
		return err
	}
	return nil
}

func (s *contractStore) UpdateContract(_ context.Context, contract types.Contract) error {
	record := toContractRecord(contract)
	if err := s.db.Update(contract.Script, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("contract %s not found", contract.Script)
		}
		return err
	}
	return nil
}

func (s *contractStore) GetContract(
	_ context.Context, script string,
) (*types.Contract, error) {
	var record contractRecord
	if err := s.db.Get(script, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	contract := record.toContract()
	return &contract, nil
}

func (s *contractStore) GetContracts(
	_ context.Context, filter *types.ContractFilter,
) ([]types.Contract, error) {
	var records []contractRecord
	if err := s.db.Find(&records, nil); err != nil {
		return nil, err
	}

	contracts := make([]types.Contract, 0, len(records))
	for _, record := range records {
		contract := record.toContract()
		if filter.Match(contract) {
			contracts = append(contracts, contract)
		}
	}
	return contracts, nil
}

func (s *contractStore) DeleteContract(_ context.Context, script string) error {
	if err := s.db.Delete(script, &contractRecord{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("contract %s not found", script)
		}
		return err
	}
	return nil
}

func (s *contractStore) Clean(_ context.Context) error {
	if err := s.db.Badger().DropAll(); err != nil {
		return fmt.Errorf("failed to clean the contract db: %s", err)
	}
	return nil
}

func (s *contractStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing db: %s", err)
	}
}

func toContractRecord(contract types.Contract) contractRecord {
	return contractRecord{
		Script:    contract.Script,
		Address:   contract.Address,
		Type:      contract.Type,
		Params:    contract.Params,
		State:     string(contract.State),
		CreatedAt: contract.CreatedAt,
		ExpiresAt: contract.ExpiresAt,
		Metadata:  contract.Metadata,
	}
}

func (r contractRecord) toContract() types.Contract {
	return types.Contract{
		Script:    r.Script,
		Address:   r.Address,
		Type:      r.Type,
		Params:    r.Params,
		State:     types.ContractState(r.State),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		Metadata:  r.Metadata,
	}
}

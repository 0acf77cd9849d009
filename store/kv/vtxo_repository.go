package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/arkade-os/contract-sdk/types"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const (
	vtxoStoreDir = "vtxos"
)

type vtxoStore struct {
	db      *badgerhold.Store
	lock    *sync.Mutex
	eventCh chan types.VtxoEvent
}

type vtxoRecord struct {
	Address      string `badgerhold:"index"`
	Outpoint     types.Outpoint
	Script       string
	Amount       uint64
	ExpiresAt    time.Time
	CreatedAt    time.Time
	Preconfirmed bool
	Swept        bool
	Spent        bool
	SpentBy      string
	SettledBy    string
	ArkTxid      string
}

func NewVtxoStore(dir string, logger badger.Logger) (types.VtxoStore, error) {
	if dir != "" {
		dir = filepath.Join(dir, vtxoStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vtxo store: %s", err)
	}
	return &vtxoStore{
		db:      badgerDb,
		lock:    &sync.Mutex{},
		eventCh: make(chan types.VtxoEvent, 100),
	}, nil
}

// SaveVtxos replaces the rows of the given address with the given set. The
// set is the indexer's current view for that address, stale rows must not
// survive it.
func (s *vtxoStore) SaveVtxos(
	ctx context.Context, address string, vtxos []types.Vtxo,
) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	existing, err := s.getRecords(address)
	if err != nil {
		return -1, err
	}
	existingKeys := make(map[string]struct{}, len(existing))
	for _, record := range existing {
		existingKeys[record.Outpoint.String()] = struct{}{}
	}

	if err := s.db.DeleteMatching(
		&vtxoRecord{}, badgerhold.Where("Address").Eq(address).Index("Address"),
	); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return -1, err
	}

	added := make([]types.Vtxo, 0, len(vtxos))
	updated := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		record := toVtxoRecord(address, vtxo)
		if err := s.db.Upsert(vtxoKey(address, vtxo.Outpoint), &record); err != nil {
			return -1, err
		}
		if _, ok := existingKeys[vtxo.Outpoint.String()]; ok {
			updated = append(updated, vtxo)
		} else {
			added = append(added, vtxo)
		}
	}

	if len(added) > 0 {
		go s.sendEvent(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: added})
	}
	if len(updated) > 0 {
		go s.sendEvent(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: updated})
	}

	return len(vtxos), nil
}

func (s *vtxoStore) GetVtxos(_ context.Context, address string) ([]types.Vtxo, error) {
	records, err := s.getRecords(address)
	if err != nil {
		return nil, err
	}

	vtxos := make([]types.Vtxo, 0, len(records))
	for _, record := range records {
		vtxos = append(vtxos, record.toVtxo())
	}
	return vtxos, nil
}

func (s *vtxoStore) GetAllVtxos(_ context.Context) (map[string][]types.Vtxo, error) {
	var allRecords []vtxoRecord
	if err := s.db.Find(&allRecords, nil); err != nil {
		return nil, err
	}

	vtxos := make(map[string][]types.Vtxo)
	for _, record := range allRecords {
		vtxos[record.Address] = append(vtxos[record.Address], record.toVtxo())
	}
	return vtxos, nil
}

func (s *vtxoStore) DeleteVtxos(_ context.Context, address string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.db.DeleteMatching(
		&vtxoRecord{}, badgerhold.Where("Address").Eq(address).Index("Address"),
	); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return err
	}
	return nil
}

func (s *vtxoStore) GetEventChannel() <-chan types.VtxoEvent {
	return s.eventCh
}

func (s *vtxoStore) Clean(_ context.Context) error {
	if err := s.db.Badger().DropAll(); err != nil {
		return fmt.Errorf("failed to clean the vtxo db: %s", err)
	}
	return nil
}

func (s *vtxoStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing db: %s", err)
	}
}

func (s *vtxoStore) getRecords(address string) ([]vtxoRecord, error) {
	var records []vtxoRecord
	err := s.db.Find(
		&records, badgerhold.Where("Address").Eq(address).Index("Address"),
	)
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return nil, err
	}
	return records, nil
}

func (s *vtxoStore) sendEvent(event types.VtxoEvent) {
	select {
	case s.eventCh <- event:
	default:
		time.Sleep(100 * time.Millisecond)
	}
}

func vtxoKey(address string, outpoint types.Outpoint) string {
	return fmt.Sprintf("%s/%s", address, outpoint.String())
}

func toVtxoRecord(address string, vtxo types.Vtxo) vtxoRecord {
	return vtxoRecord{
		Address:      address,
		Outpoint:     vtxo.Outpoint,
		Script:       vtxo.Script,
		Amount:       vtxo.Amount,
		ExpiresAt:    vtxo.ExpiresAt,
		CreatedAt:    vtxo.CreatedAt,
		Preconfirmed: vtxo.Preconfirmed,
		Swept:        vtxo.Swept,
		Spent:        vtxo.Spent,
		SpentBy:      vtxo.SpentBy,
		SettledBy:    vtxo.SettledBy,
		ArkTxid:      vtxo.ArkTxid,
	}
}

func (r vtxoRecord) toVtxo() types.Vtxo {
	return types.Vtxo{
		Outpoint:     r.Outpoint,
		Script:       r.Script,
		Amount:       r.Amount,
		ExpiresAt:    r.ExpiresAt,
		CreatedAt:    r.CreatedAt,
		Preconfirmed: r.Preconfirmed,
		Swept:        r.Swept,
		Spent:        r.Spent,
		SpentBy:      r.SpentBy,
		SettledBy:    r.SettledBy,
		ArkTxid:      r.ArkTxid,
	}
}

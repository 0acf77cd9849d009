package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/arkade-os/contract-sdk/types"
	log "github.com/sirupsen/logrus"
)

type vtxoStore struct {
	db      *sql.DB
	lock    *sync.Mutex
	eventCh chan types.VtxoEvent
}

func NewVtxoStore(db *sql.DB) types.VtxoStore {
	return &vtxoStore{
		db:      db,
		lock:    &sync.Mutex{},
		eventCh: make(chan types.VtxoEvent, 100),
	}
}

// SaveVtxos replaces the rows of the given address with the given set in one
// transaction.
func (s *vtxoStore) SaveVtxos(
	ctx context.Context, address string, vtxos []types.Vtxo,
) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	existing, err := s.GetVtxos(ctx, address)
	if err != nil {
		return -1, err
	}
	existingKeys := make(map[string]struct{}, len(existing))
	for _, vtxo := range existing {
		existingKeys[vtxo.Outpoint.String()] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, err
	}
	// nolint
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx, "DELETE FROM vtxo WHERE address = ?", address,
	); err != nil {
		return -1, err
	}

	added := make([]types.Vtxo, 0, len(vtxos))
	updated := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO vtxo (
				address, txid, vout, script, amount, expires_at, created_at,
				preconfirmed, swept, spent, spent_by, settled_by, ark_txid
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			address, vtxo.Txid, vtxo.VOut, vtxo.Script, vtxo.Amount,
			unixOrZero(vtxo.ExpiresAt), vtxo.CreatedAt.Unix(),
			vtxo.Preconfirmed, vtxo.Swept, vtxo.Spent,
			vtxo.SpentBy, vtxo.SettledBy, vtxo.ArkTxid,
		); err != nil {
			return -1, err
		}
		if _, ok := existingKeys[vtxo.Outpoint.String()]; ok {
			updated = append(updated, vtxo)
		} else {
			added = append(added, vtxo)
		}
	}

	if err := tx.Commit(); err != nil {
		return -1, err
	}

	if len(added) > 0 {
		go s.sendEvent(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: added})
	}
	if len(updated) > 0 {
		go s.sendEvent(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: updated})
	}
	return len(vtxos), nil
}

func (s *vtxoStore) GetVtxos(ctx context.Context, address string) ([]types.Vtxo, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT address, txid, vout, script, amount, expires_at, created_at,
			preconfirmed, swept, spent, spent_by, settled_by, ark_txid
		FROM vtxo WHERE address = ?`,
		address,
	)
	if err != nil {
		return nil, err
	}
	// nolint
	defer rows.Close()

	vtxos := make([]types.Vtxo, 0)
	for rows.Next() {
		_, vtxo, err := scanVtxo(rows.Scan)
		if err != nil {
			return nil, err
		}
		vtxos = append(vtxos, vtxo)
	}
	return vtxos, rows.Err()
}

func (s *vtxoStore) GetAllVtxos(ctx context.Context) (map[string][]types.Vtxo, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT address, txid, vout, script, amount, expires_at, created_at,
			preconfirmed, swept, spent, spent_by, settled_by, ark_txid
		FROM vtxo`,
	)
	if err != nil {
		return nil, err
	}
	// nolint
	defer rows.Close()

	vtxos := make(map[string][]types.Vtxo)
	for rows.Next() {
		address, vtxo, err := scanVtxo(rows.Scan)
		if err != nil {
			return nil, err
		}
		vtxos[address] = append(vtxos[address], vtxo)
	}
	return vtxos, rows.Err()
}

func (s *vtxoStore) DeleteVtxos(ctx context.Context, address string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM vtxo WHERE address = ?", address)
	return err
}

func (s *vtxoStore) GetEventChannel() <-chan types.VtxoEvent {
	return s.eventCh
}

func (s *vtxoStore) Clean(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vtxo"); err != nil {
		return fmt.Errorf("failed to clean the vtxo db: %s", err)
	}
	return nil
}

func (s *vtxoStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing db: %s", err)
	}
}

func (s *vtxoStore) sendEvent(event types.VtxoEvent) {
	select {
	case s.eventCh <- event:
	default:
		time.Sleep(100 * time.Millisecond)
	}
}

func scanVtxo(scan func(dest ...any) error) (string, types.Vtxo, error) {
	var vtxo types.Vtxo
	var address string
	var expiresAt, createdAt int64

	if err := scan(
		&address, &vtxo.Txid, &vtxo.VOut, &vtxo.Script, &vtxo.Amount,
		&expiresAt, &createdAt, &vtxo.Preconfirmed, &vtxo.Swept, &vtxo.Spent,
		&vtxo.SpentBy, &vtxo.SettledBy, &vtxo.ArkTxid,
	); err != nil {
		return "", types.Vtxo{}, err
	}

	if expiresAt > 0 {
		vtxo.ExpiresAt = time.Unix(expiresAt, 0)
	}
	vtxo.CreatedAt = time.Unix(createdAt, 0)
	return address, vtxo, nil
}

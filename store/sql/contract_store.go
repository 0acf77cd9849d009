package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/contract-sdk/types"
	log "github.com/sirupsen/logrus"
)

type contractStore struct {
	db *sql.DB
}

func NewContractStore(db *sql.DB) types.ContractStore {
	return &contractStore{db: db}
}

func (s *contractStore) AddContract(ctx context.Context, contract types.Contract) error {
	params, metadata, err := marshalContractMaps(contract)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO contract (
			script, address, type, params, state, created_at, expires_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		contract.Script, contract.Address, contract.Type, params,
		string(contract.State), contract.CreatedAt.Unix(),
		unixOrZero(contract.ExpiresAt), metadata,
	)
	return err
}

func (s *contractStore) UpdateContract(ctx context.Context, contract types.Contract) error {
	params, metadata, err := marshalContractMaps(contract)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE contract SET
			address = ?, type = ?, params = ?, state = ?,
			created_at = ?, expires_at = ?, metadata = ?
		WHERE script = ?`,
		contract.Address, contract.Type, params, string(contract.State),
		contract.CreatedAt.Unix(), unixOrZero(contract.ExpiresAt), metadata,
		contract.Script,
	)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("contract %s not found", contract.Script)
	}
	return nil
}

func (s *contractStore) GetContract(
	ctx context.Context, script string,
) (*types.Contract, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT script, address, type, params, state, created_at, expires_at, metadata
		FROM contract WHERE script = ?`,
		script,
	)
	contract, err := scanContract(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return contract, nil
}

func (s *contractStore) GetContracts(
	ctx context.Context, filter *types.ContractFilter,
) ([]types.Contract, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT script, address, type, params, state, created_at, expires_at, metadata
		FROM contract`,
	)
	if err != nil {
		return nil, err
	}
	// nolint
	defer rows.Close()

	contracts := make([]types.Contract, 0)
	for rows.Next() {
		contract, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		if filter.Match(*contract) {
			contracts = append(contracts, *contract)
		}
	}
	return contracts, rows.Err()
}

func (s *contractStore) DeleteContract(ctx context.Context, script string) error {
	result, err := s.db.ExecContext(
		ctx, "DELETE FROM contract WHERE script = ?", script,
	)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("contract %s not found", script)
	}
	return nil
}

func (s *contractStore) Clean(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM contract"); err != nil {
		return fmt.Errorf("failed to clean the contract db: %s", err)
	}
	return nil
}

func (s *contractStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing db: %s", err)
	}
}

func scanContract(scan func(dest ...any) error) (*types.Contract, error) {
	var contract types.Contract
	var params, state, metadata string
	var createdAt, expiresAt int64

	if err := scan(
		&contract.Script, &contract.Address, &contract.Type, &params,
		&state, &createdAt, &expiresAt, &metadata,
	); err != nil {
		return nil, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal([]byte(params), &contract.Params); err != nil {
			return nil, fmt.Errorf("failed to decode contract params: %s", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal([]byte(metadata), &contract.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode contract metadata: %s", err)
		}
	}
	contract.State = types.ContractState(state)
	contract.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt > 0 {
		contract.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return &contract, nil
}

func marshalContractMaps(contract types.Contract) (params, metadata string, err error) {
	paramsBuf, err := json.Marshal(contract.Params)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode contract params: %s", err)
	}
	metadataBuf, err := json.Marshal(contract.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode contract metadata: %s", err)
	}
	return string(paramsBuf), string(metadataBuf), nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

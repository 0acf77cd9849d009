package sqlstore_test

import (
	"context"
	"testing"
	"time"

	sqlstore "github.com/arkade-os/contract-sdk/store/sql"
	"github.com/arkade-os/contract-sdk/types"
	"github.com/stretchr/testify/require"
)

func TestSqlStores(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.OpenDb(t.TempDir())
	require.NoError(t, err)

	contractStore := sqlstore.NewContractStore(db)
	vtxoStore := sqlstore.NewVtxoStore(db)
	t.Cleanup(contractStore.Close)

	now := time.Now().Truncate(time.Second)
	contract := types.Contract{
		Script:    "script-1",
		Address:   "addr-1",
		Type:      "default",
		Params:    map[string]string{"owner": "abc"},
		State:     types.ContractStateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		Metadata:  map[string]string{"label": "savings"},
	}

	t.Run("contract round trip", func(t *testing.T) {
		require.NoError(t, contractStore.AddContract(ctx, contract))

		got, err := contractStore.GetContract(ctx, contract.Script)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, contract.Params, got.Params)
		require.Equal(t, contract.Metadata, got.Metadata)
		require.Equal(t, contract.CreatedAt.Unix(), got.CreatedAt.Unix())
		require.Equal(t, contract.ExpiresAt.Unix(), got.ExpiresAt.Unix())

		missing, err := contractStore.GetContract(ctx, "nope")
		require.NoError(t, err)
		require.Nil(t, missing)

		contract.State = types.ContractStateExpired
		require.NoError(t, contractStore.UpdateContract(ctx, contract))

		expired, err := contractStore.GetContracts(ctx, &types.ContractFilter{
			States: []types.ContractState{types.ContractStateExpired},
		})
		require.NoError(t, err)
		require.Len(t, expired, 1)
	})

	t.Run("vtxo replace semantics", func(t *testing.T) {
		vtxos := []types.Vtxo{
			{
				Outpoint:  types.Outpoint{Txid: "aa", VOut: 0},
				Amount:    1000,
				CreatedAt: now,
			},
			{
				Outpoint:  types.Outpoint{Txid: "bb", VOut: 1},
				Amount:    2000,
				CreatedAt: now,
				Spent:     true,
				SpentBy:   "cc",
			},
		}
		count, err := vtxoStore.SaveVtxos(ctx, contract.Address, vtxos)
		require.NoError(t, err)
		require.Equal(t, 2, count)

		stored, err := vtxoStore.GetVtxos(ctx, contract.Address)
		require.NoError(t, err)
		require.Len(t, stored, 2)

		count, err = vtxoStore.SaveVtxos(ctx, contract.Address, vtxos[:1])
		require.NoError(t, err)
		require.Equal(t, 1, count)

		stored, err = vtxoStore.GetVtxos(ctx, contract.Address)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		require.Equal(t, "aa", stored[0].Txid)

		all, err := vtxoStore.GetAllVtxos(ctx)
		require.NoError(t, err)
		require.Len(t, all[contract.Address], 1)

		require.NoError(t, vtxoStore.DeleteVtxos(ctx, contract.Address))
		stored, err = vtxoStore.GetVtxos(ctx, contract.Address)
		require.NoError(t, err)
		require.Empty(t, stored)
	})

	t.Run("delete contract", func(t *testing.T) {
		require.NoError(t, contractStore.DeleteContract(ctx, contract.Script))
		require.Error(t, contractStore.DeleteContract(ctx, contract.Script))
	})
}

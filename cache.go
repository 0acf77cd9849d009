package contractsdk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arkade-os/contract-sdk/indexer"
	"github.com/arkade-os/contract-sdk/types"
	log "github.com/sirupsen/logrus"
)

// VtxoCache answers "give me the vtxos of these contracts" while keeping
// indexer round-trips to a minimum. The vtxo store is the durable mirror:
// reads within the TTL are served from it, misses and expired reads go to
// the indexer and are written through.
type VtxoCache struct {
	indexerSvc indexer.Indexer
	vtxoStore  types.VtxoStore
	ttl        time.Duration

	mu sync.Mutex
	// refreshedAt is advanced only after a bulk pass in which every requested
	// contract was fetched successfully.
	refreshedAt time.Time
}

func NewVtxoCache(
	indexerSvc indexer.Indexer, vtxoStore types.VtxoStore, ttl time.Duration,
) *VtxoCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &VtxoCache{
		indexerSvc: indexerSvc,
		vtxoStore:  vtxoStore,
		ttl:        ttl,
	}
}

// GetContractVtxos returns the known vtxos per contract script. Contracts
// whose fetch failed are missing from the result map and their errors are
// joined into the returned error; successful contracts are always returned.
func (c *VtxoCache) GetContractVtxos(
	ctx context.Context, contracts []types.Contract, opts VtxoQueryOptions,
) (map[string][]types.ContractVtxo, error) {
	if len(contracts) == 0 {
		return map[string][]types.ContractVtxo{}, nil
	}

	stale := opts.Refresh || c.isStale()

	result := make(map[string][]types.ContractVtxo)
	toFetch := contracts
	if !stale {
		toFetch = make([]types.Contract, 0, len(contracts))
		for _, contract := range contracts {
			rows, err := c.vtxoStore.GetVtxos(ctx, contract.Address)
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				toFetch = append(toFetch, contract)
				continue
			}
			result[contract.Script] = annotate(contract, rows, opts.IncludeSpent)
		}
	}

	if len(toFetch) == 0 {
		return result, nil
	}

	fetched, err := c.fetchAndStore(ctx, toFetch, opts.IncludeSpent)
	for script, vtxos := range fetched {
		result[script] = vtxos
	}

	// The freshness marker only moves when the pass covered every requested
	// contract and none of them failed.
	if err == nil && len(toFetch) == len(contracts) {
		c.mu.Lock()
		c.refreshedAt = time.Now()
		c.mu.Unlock()
	}

	return result, err
}

// Invalidate resets the freshness marker so the next read hits the indexer.
func (c *VtxoCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshedAt = time.Time{}
}

func (c *VtxoCache) isStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshedAt.IsZero() || time.Since(c.refreshedAt) > c.ttl
}

// fetchAndStore fetches the given contracts from the indexer, one goroutine
// per contract, each paginated sequentially. A contract's repository rows are
// replaced only once its full paginated fetch completed, so one contract's
// failure never corrupts another's rows.
func (c *VtxoCache) fetchAndStore(
	ctx context.Context, contracts []types.Contract, includeSpent bool,
) (map[string][]types.ContractVtxo, error) {
	type fetchResult struct {
		contract types.Contract
		vtxos    []types.Vtxo
		err      error
	}

	results := make(chan fetchResult, len(contracts))
	wg := sync.WaitGroup{}
	for _, contract := range contracts {
		wg.Add(1)
		go func(contract types.Contract) {
			defer wg.Done()
			vtxos, err := c.fetchAllPages(ctx, contract.Script, includeSpent)
			results <- fetchResult{contract: contract, vtxos: vtxos, err: err}
		}(contract)
	}
	wg.Wait()
	close(results)

	fetched := make(map[string][]types.ContractVtxo)
	var errs []error
	for res := range results {
		if res.err != nil {
			log.WithError(res.err).
				WithField("contract", res.contract.Script).
				Warn("failed to fetch contract vtxos")
			errs = append(errs, res.err)
			continue
		}
		if _, err := c.vtxoStore.SaveVtxos(
			ctx, res.contract.Address, res.vtxos,
		); err != nil {
			errs = append(errs, err)
			continue
		}
		fetched[res.contract.Script] = annotate(res.contract, res.vtxos, includeSpent)
	}

	return fetched, errors.Join(errs...)
}

func (c *VtxoCache) fetchAllPages(
	ctx context.Context, script string, includeSpent bool,
) ([]types.Vtxo, error) {
	allVtxos := make([]types.Vtxo, 0)
	for pageIndex := int32(0); ; pageIndex++ {
		opt := indexer.GetVtxosRequestOption{}
		opt.WithScripts([]string{script})
		if !includeSpent {
			opt.WithSpendableOnly()
		}
		opt.WithPage(&indexer.PageRequest{Size: vtxoPageSize, Index: pageIndex})

		resp, err := c.indexerSvc.GetVtxos(ctx, opt)
		if err != nil {
			return nil, err
		}

		allVtxos = append(allVtxos, resp.Vtxos...)
		if len(resp.Vtxos) < vtxoPageSize {
			break
		}
	}
	return allVtxos, nil
}

// annotate attaches the owning contract and applies the spendability filter.
// Swept vtxos are excluded alongside spent ones, matching the spendable-only
// semantics of the remote fetch path.
func annotate(
	contract types.Contract, vtxos []types.Vtxo, includeSpent bool,
) []types.ContractVtxo {
	out := make([]types.ContractVtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if !includeSpent && !vtxo.IsSpendable() {
			continue
		}
		out = append(out, types.ContractVtxo{
			Vtxo:           vtxo,
			ContractScript: contract.Script,
		})
	}
	return out
}

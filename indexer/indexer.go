package indexer

import (
	"context"

	"github.com/arkade-os/contract-sdk/types"
)

// Indexer is the remote service tracking vtxo state per script. It offers
// both pull (paginated queries) and push (script subscription) access.
type Indexer interface {
	GetVtxos(ctx context.Context, opts ...GetVtxosRequestOption) (*VtxosResponse, error)
	SubscribeForScripts(
		ctx context.Context, subscriptionId string, scripts []string,
	) (string, error)
	UnsubscribeForScripts(ctx context.Context, subscriptionId string, scripts []string) error
	// GetSubscription opens the push stream for a subscription id. The
	// returned channel is closed on cancellation or server close; the close
	// function cancels the stream and is safe to call more than once.
	GetSubscription(
		ctx context.Context, subscriptionId string,
	) (<-chan *ScriptEvent, func(), error)
	Close()
}

type PageRequest struct {
	Size  int32
	Index int32
}

type PageResponse struct {
	Current int32
	Next    int32
	Total   int32
}

type VtxosResponse struct {
	Vtxos []types.Vtxo
	Page  *PageResponse
}

// ScriptEvent is a single push from the subscription stream: the scripts it
// concerns plus the new, spent and swept vtxo batches. Err is set when the
// stream failed in a non-recoverable way, the channel is closed right after.
type ScriptEvent struct {
	Txid       string
	Scripts    []string
	NewVtxos   []types.Vtxo
	SpentVtxos []types.Vtxo
	SweptVtxos []types.Vtxo
	Err        error
}

type GetVtxosRequestOption struct {
	scripts         []string
	spendableOnly   bool
	spentOnly       bool
	recoverableOnly bool
	page            *PageRequest
}

func (o *GetVtxosRequestOption) WithScripts(scripts []string) {
	o.scripts = scripts
}

func (o *GetVtxosRequestOption) GetScripts() []string {
	return o.scripts
}

func (o *GetVtxosRequestOption) WithSpendableOnly() {
	o.spendableOnly = true
}

func (o *GetVtxosRequestOption) GetSpendableOnly() bool {
	return o.spendableOnly
}

func (o *GetVtxosRequestOption) WithSpentOnly() {
	o.spentOnly = true
}

func (o *GetVtxosRequestOption) GetSpentOnly() bool {
	return o.spentOnly
}

func (o *GetVtxosRequestOption) WithRecoverableOnly() {
	o.recoverableOnly = true
}

func (o *GetVtxosRequestOption) GetRecoverableOnly() bool {
	return o.recoverableOnly
}

func (o *GetVtxosRequestOption) WithPage(page *PageRequest) {
	o.page = page
}

func (o *GetVtxosRequestOption) GetPage() *PageRequest {
	return o.page
}

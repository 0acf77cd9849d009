package grpcindexer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	arkv1 "github.com/arkade-os/arkd/api-spec/protobuf/gen/ark/v1"
	"github.com/arkade-os/contract-sdk/indexer"
	"github.com/arkade-os/contract-sdk/types"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const cloudflare524Error = "524"

type grpcClient struct {
	mu     sync.Mutex
	target string
	opts   []grpc.DialOption
	conn   *grpc.ClientConn
	svc    arkv1.IndexerServiceClient
	cancel context.CancelFunc
}

func NewClient(serverUrl string) (indexer.Indexer, error) {
	if len(serverUrl) <= 0 {
		return nil, fmt.Errorf("missing server url")
	}

	port := 80
	creds := insecure.NewCredentials()
	serverUrl = strings.TrimPrefix(serverUrl, "http://")
	if strings.HasPrefix(serverUrl, "https://") {
		serverUrl = strings.TrimPrefix(serverUrl, "https://")
		creds = credentials.NewTLS(nil)
		port = 443
	}
	if !strings.Contains(serverUrl, ":") {
		serverUrl = fmt.Sprintf("%s:%d", serverUrl, port)
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	conn, err := grpc.NewClient(serverUrl, opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &grpcClient{
		target: serverUrl,
		opts:   opts,
		conn:   conn,
		svc:    arkv1.NewIndexerServiceClient(conn),
		cancel: cancel,
	}
	go c.monitorConnection(ctx)
	return c, nil
}

func (c *grpcClient) ensureConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		state := c.conn.GetState()
		if state == connectivity.Ready {
			return nil
		}

		if state == connectivity.Shutdown || state == connectivity.TransientFailure {
			if err := c.conn.Close(); err != nil {
				logrus.Warnf("failed to close grpc connection: %v", err)
			}
			conn, err := grpc.NewClient(c.target, c.opts...)
			if err != nil {
				return err
			}
			c.conn = conn
			c.svc = arkv1.NewIndexerServiceClient(conn)
			state = c.conn.GetState()
			if state == connectivity.Ready {
				return nil
			}
		}

		if !c.conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func (c *grpcClient) monitorConnection(ctx context.Context) {
	for {
		if err := c.ensureConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.Warnf("failed to ensure grpc connection: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if !c.conn.WaitForStateChange(ctx, connectivity.Ready) {
			return
		}
	}
}

func (a *grpcClient) GetVtxos(
	ctx context.Context, opts ...indexer.GetVtxosRequestOption,
) (*indexer.VtxosResponse, error) {
	if err := a.ensureConnection(ctx); err != nil {
		return nil, err
	}
	if len(opts) <= 0 {
		return nil, fmt.Errorf("missing opts")
	}
	opt := opts[0]

	var page *arkv1.IndexerPageRequest
	if opt.GetPage() != nil {
		page = &arkv1.IndexerPageRequest{
			Size:  opt.GetPage().Size,
			Index: opt.GetPage().Index,
		}
	}

	req := &arkv1.GetVtxosRequest{
		Scripts:         opt.GetScripts(),
		SpendableOnly:   opt.GetSpendableOnly(),
		SpentOnly:       opt.GetSpentOnly(),
		RecoverableOnly: opt.GetRecoverableOnly(),
		Page:            page,
	}

	resp, err := a.svc.GetVtxos(ctx, req)
	if err != nil {
		return nil, err
	}

	vtxos := make([]types.Vtxo, 0, len(resp.GetVtxos()))
	for _, vtxo := range resp.GetVtxos() {
		vtxos = append(vtxos, newIndexerVtxo(vtxo))
	}

	return &indexer.VtxosResponse{
		Vtxos: vtxos,
		Page:  parsePage(resp.GetPage()),
	}, nil
}

func (a *grpcClient) GetSubscription(
	ctx context.Context, subscriptionId string,
) (<-chan *indexer.ScriptEvent, func(), error) {
	if err := a.ensureConnection(ctx); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)

	req := &arkv1.GetSubscriptionRequest{
		SubscriptionId: subscriptionId,
	}

	stream, err := a.svc.GetSubscription(ctx, req)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	eventsCh := make(chan *indexer.ScriptEvent)

	go func() {
		defer close(eventsCh)

		for {
			resp, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				st, ok := status.FromError(err)
				if ok {
					switch st.Code() {
					case codes.Canceled:
						return
					case codes.Unknown:
						// Cloudflare kills idle streams with a 524, reopen
						// the stream on the same subscription.
						if strings.Contains(st.Message(), cloudflare524Error) {
							stream, err = a.svc.GetSubscription(ctx, req)
							if err != nil {
								eventsCh <- &indexer.ScriptEvent{Err: err}
								return
							}
							continue
						}
					}
				}

				if err := a.ensureConnection(ctx); err != nil {
					eventsCh <- &indexer.ScriptEvent{Err: err}
					return
				}
				stream, err = a.svc.GetSubscription(ctx, req)
				if err != nil {
					eventsCh <- &indexer.ScriptEvent{Err: err}
					return
				}
				continue
			}

			// Heartbeats only keep the stream alive.
			if resp.GetHeartbeat() != nil {
				continue
			}

			event := newScriptEvent(resp.GetEvent())
			if event == nil {
				continue
			}

			eventsCh <- event
		}
	}()

	closeFn := func() {
		//nolint:errcheck
		stream.CloseSend()
		cancel()
	}

	return eventsCh, closeFn, nil
}

func (a *grpcClient) SubscribeForScripts(
	ctx context.Context, subscriptionId string, scripts []string,
) (string, error) {
	if err := a.ensureConnection(ctx); err != nil {
		return "", err
	}
	req := &arkv1.SubscribeForScriptsRequest{
		Scripts: scripts,
	}
	if len(subscriptionId) > 0 {
		req.SubscriptionId = subscriptionId
	}

	resp, err := a.svc.SubscribeForScripts(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.GetSubscriptionId(), nil
}

func (a *grpcClient) UnsubscribeForScripts(
	ctx context.Context, subscriptionId string, scripts []string,
) error {
	if err := a.ensureConnection(ctx); err != nil {
		return err
	}
	req := &arkv1.UnsubscribeForScriptsRequest{
		Scripts: scripts,
	}
	if len(subscriptionId) > 0 {
		req.SubscriptionId = subscriptionId
	}
	_, err := a.svc.UnsubscribeForScripts(ctx, req)
	return err
}

func (a *grpcClient) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	// nolint
	a.conn.Close()
}

func newScriptEvent(event *arkv1.IndexerSubscriptionEvent) *indexer.ScriptEvent {
	if event == nil {
		return nil
	}
	return &indexer.ScriptEvent{
		Txid:       event.GetTxid(),
		Scripts:    event.GetScripts(),
		NewVtxos:   newIndexerVtxos(event.GetNewVtxos()),
		SpentVtxos: newIndexerVtxos(event.GetSpentVtxos()),
		SweptVtxos: newIndexerVtxos(event.GetSweptVtxos()),
	}
}

func parsePage(page *arkv1.IndexerPageResponse) *indexer.PageResponse {
	if page == nil {
		return nil
	}
	return &indexer.PageResponse{
		Current: page.GetCurrent(),
		Next:    page.GetNext(),
		Total:   page.GetTotal(),
	}
}

func newIndexerVtxos(vtxos []*arkv1.IndexerVtxo) []types.Vtxo {
	res := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		res = append(res, newIndexerVtxo(vtxo))
	}
	return res
}

func newIndexerVtxo(vtxo *arkv1.IndexerVtxo) types.Vtxo {
	return types.Vtxo{
		Outpoint: types.Outpoint{
			Txid: vtxo.GetOutpoint().GetTxid(),
			VOut: vtxo.GetOutpoint().GetVout(),
		},
		Script:       vtxo.GetScript(),
		Amount:       vtxo.GetAmount(),
		CreatedAt:    time.Unix(vtxo.GetCreatedAt(), 0),
		ExpiresAt:    time.Unix(vtxo.GetExpiresAt(), 0),
		Preconfirmed: vtxo.GetIsPreconfirmed(),
		Swept:        vtxo.GetIsSwept(),
		Spent:        vtxo.GetIsSpent(),
		SpentBy:      vtxo.GetSpentBy(),
		SettledBy:    vtxo.GetSettledBy(),
		ArkTxid:      vtxo.GetArkTxid(),
	}
}

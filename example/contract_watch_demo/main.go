package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	contractsdk "github.com/arkade-os/contract-sdk"
	"github.com/arkade-os/contract-sdk/handler"
	"github.com/arkade-os/contract-sdk/store"
	"github.com/arkade-os/contract-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2"
)

func main() {
	serverUrl := flag.String("url", "http://localhost:7070", "Ark indexer URL")
	storeType := flag.String("store", types.InMemoryStore, "Store backend (inmemory, kv, sql)")
	storeDir := flag.String("store-dir", "", "Base directory for persistent stores")
	signerKey := flag.String("signer", "", "Signer public key (hex), generated if empty")
	network := flag.String("network", "regtest", "Network name")
	exitDelay := flag.Int("exit-delay", 604672, "Unilateral exit delay in seconds")
	cacheTTL := flag.Duration("cache-ttl", 10*time.Minute, "VTXO cache TTL")
	pollInterval := flag.Duration("poll-interval", time.Minute, "Failsafe poll interval")
	maxEvents := flag.Int("max-events", 0, "Stop after this many events (0 = unlimited)")

	flag.Parse()

	fmt.Println("🔭 Contract Watch Demo")
	fmt.Println("============================================================")
	fmt.Printf("  Indexer URL:   %s\n", *serverUrl)
	fmt.Printf("  Store:         %s\n", *storeType)
	fmt.Printf("  Network:       %s\n", *network)
	fmt.Printf("  Cache TTL:     %v\n", *cacheTTL)
	fmt.Printf("  Poll Interval: %v\n", *pollInterval)
	fmt.Println("============================================================")

	storeSvc, err := store.NewStore(store.Config{
		StoreType: *storeType,
		BaseDir:   *storeDir,
	})
	if err != nil {
		log.Fatal("❌ Failed to open store:", err)
	}
	defer storeSvc.Close()

	manager, err := contractsdk.New(
		*serverUrl, storeSvc, nil,
		contractsdk.WithCacheTTL(*cacheTTL),
		contractsdk.WithPollInterval(*pollInterval),
	)
	if err != nil {
		log.Fatal("❌ Failed to create contract manager:", err)
	}
	defer manager.Dispose()

	ctx := context.Background()
	if err := manager.Initialize(ctx); err != nil {
		log.Fatal("❌ Failed to initialize contract manager:", err)
	}
	fmt.Println("✅ Contract manager initialized")

	ownerPubkey := newPubkey()
	signerPubkey := *signerKey
	if len(signerPubkey) == 0 {
		signerPubkey = newPubkey()
		fmt.Println("⚠️  No signer key provided, generated a throwaway one")
	}

	contract, err := manager.CreateContract(ctx, contractsdk.CreateContractRequest{
		Type: handler.DefaultContractType,
		Params: map[string]string{
			handler.ParamOwnerPubkey:  ownerPubkey,
			handler.ParamSignerPubkey: signerPubkey,
			handler.ParamExitDelay:    strconv.Itoa(*exitDelay),
			handler.ParamNetwork:      *network,
		},
	})
	if err != nil {
		log.Fatal("❌ Failed to create contract:", err)
	}
	fmt.Printf("✅ Contract registered\n")
	fmt.Printf("   Script:  %s\n", contract.Script)
	fmt.Printf("   Address: %s\n", contract.Address)

	events, stopEvents := manager.GetEventChannel()
	defer stopEvents()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("🔄 Watching for contract events (Ctrl+C to stop)...")

	eventCount := 0
	for {
		select {
		case <-sigCh:
			fmt.Println("\n👋 Shutting down")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			eventCount++
			fmt.Printf(
				"🎯 Event #%d: %s contract=%s vtxos=%d\n",
				eventCount, event.Type, event.ContractScript, len(event.Vtxos),
			)

			if event.Type == types.ContractEventVtxosReceived ||
				event.Type == types.ContractEventVtxosSpent {
				balance, err := manager.GetContractBalance(ctx, contract.Script)
				if err != nil {
					fmt.Printf("⚠️  Failed to read balance: %v\n", err)
					continue
				}
				fmt.Printf(
					"💰 Balance: total=%d spendable=%d\n",
					balance.Total, balance.Spendable,
				)
			}

			if *maxEvents > 0 && eventCount >= *maxEvents {
				fmt.Printf("\n✅ Received %d events, stopping\n", eventCount)
				return
			}
		}
	}
}

func newPubkey() string {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		log.Fatal(err)
	}
	return hex.EncodeToString(key.PubKey().SerializeCompressed())
}

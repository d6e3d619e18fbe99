// Command balance-watcher streams live balance updates for one address.
// It doubles as a smoke test for the full stack: connect (WS preferred),
// subscribe, fall back to polling when WS drops, recover.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cygnus-wealth/evm-access/domain/model"
	"github.com/cygnus-wealth/evm-access/engine"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/events"
)

func main() {
	var (
		address    = flag.String("address", "", "address to watch (0x...)")
		chainID    = flag.Uint64("chain", 1, "chain id")
		configPath = flag.String("config", "", "optional YAML config file")
		once       = flag.Bool("once", false, "fetch the balance once and exit")
	)
	flag.Parse()

	if *address == "" {
		fmt.Fprintln(os.Stderr, "usage: balance-watcher -address 0x... [-chain 1] [-config config.yaml]")
		os.Exit(2)
	}

	_ = godotenv.Load()

	var (
		cfg engine.Config
		err error
	)
	if *configPath != "" {
		cfg, err = engine.LoadFromFile(*configPath)
	} else {
		cfg, err = engine.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Destroy()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		bal, err := eng.Balances().GetBalance(ctx, *chainID, *address)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", apperrors.UserMessage(err))
			os.Exit(1)
		}
		fmt.Printf("%s %s (chain %d)\n", bal.Amount, bal.Asset.Symbol, *chainID)
		return
	}

	eng.Events().Subscribe(func(e events.Event) {
		fmt.Printf("[%s] chain=%d %s\n", time.Now().Format(time.TimeOnly), e.ChainID, e.Type)
	},
		events.WebSocketConnected,
		events.WebSocketDisconnected,
		events.TransportFallbackToPolling,
		events.TransportRestoredToWS,
	)

	handle, err := eng.Subscriptions().SubscribeBalance(ctx, *chainID, *address, func(u model.BalanceUpdate) {
		fmt.Printf("block %d: %s %s\n", u.BlockNumber, u.Balance.Amount, u.Balance.Asset.Symbol)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe: %s\n", apperrors.UserMessage(err))
		os.Exit(1)
	}
	defer handle.Unsubscribe()

	fmt.Printf("watching %s on chain %d (ctrl-c to stop)\n", *address, *chainID)
	<-ctx.Done()
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/mtproto/pkg/network"
	"github.com/vango-dev/mtproto/pkg/tl"
)

func pingCmd() *cobra.Command {
	var (
		dc    int
		count int
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that a DC answers requests",
		Long: `Connect, negotiate or load the auth key and send help.getNearestDc.

The first round trip includes the key exchange when no key is stored.

Examples:
  mtctl ping
  mtctl ping --dc 4 --count 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(dc, count)
		},
	}

	cmd.Flags().IntVar(&dc, "dc", 0, "Datacenter id (default: the primary DC)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of requests")

	return cmd
}

func runPing(dc, count int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	cfg := client.Config()
	if dc == 0 {
		dc = cfg.DC.ID
	}
	if _, ok := cfg.DCByID(dc); !ok {
		return describe(fmt.Errorf("%w: %d", network.ErrUnknownDC, dc))
	}

	printBanner()
	info("DC %d via %s", dc, cfg.Transport)
	fmt.Println()

	if err := client.Connect(ctx); err != nil {
		return describe(err)
	}
	for i := 0; i < count; i++ {
		start := time.Now()
		res, err := client.Call(ctx, tl.New("help.getNearestDc", nil), network.WithDC(dc))
		if err != nil {
			errorMsg("request %d failed", i+1)
			return describe(err)
		}
		success("DC %d answered in %s (nearest DC %d, country %s)",
			res.Int("thisDc"), time.Since(start).Round(time.Millisecond), res.Int("nearestDc"), res.Str("country"))
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// The number of goroutines issuing commands
	clients int

	// The number of commands each goroutine issues
	requests int

	// The counter the benchmark increments
	benchKey string
)

func init() {
	flags := BenchCmd.Flags()

	flags.IntVarP(&clients, "clients", "c", 50, "The number of concurrent callers")
	flags.IntVarP(&requests, "requests", "n", 10000, "The number of commands per caller")
	flags.StringVar(&benchKey, "key", "relay:bench", "The counter to increment")
}

var BenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure pipelined INCR throughput",
	Long: `Measure pipelined INCR throughput against the configured server

Usage
	relay bench -c 100 -n 1000

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		pool, log, err := openPool(ctx)
		if err != nil {
			return err
		}

		defer func() {
			err = multierr.Append(err, pool.Close())
			_ = log.Sync()
		}()

		if _, err := pool.Del(ctx, benchKey); err != nil {
			return err
		}

		var (
			wg       sync.WaitGroup
			failures int64
			start    = time.Now()
		)

		for i := 0; i < clients; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for j := 0; j < requests && ctx.Err() == nil; j++ {
					if _, err := pool.Incr(ctx, benchKey); err != nil {
						if atomic.AddInt64(&failures, 1) == 1 {
							log.Warn("Command failed", zap.Error(err))
						}
					}
				}
			}()
		}

		wg.Wait()
		elapsed := time.Since(start)

		total := int64(clients * requests)
		fmt.Fprintf(cmd.OutOrStdout(), "%d commands in %s, %.0f ops/sec, %d failed\n",
			total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds(), failures)

		for _, stats := range pool.Stats() {
			fmt.Fprintf(cmd.OutOrStdout(), "  conn %d %s: %d operations, %d reconnects\n",
				stats.ID, stats.State, stats.Operations, stats.Reconnects)
		}

		return nil
	},
}

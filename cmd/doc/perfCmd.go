package doc

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf [doc]",
		Short:   "Performance testing tool for dSync servers",
		Long:    "Connects several writers to one room, lets each of them insert characters and measures handshake latency, local edit latency and the time until an observer converged.",
		Args:    cobra.ExactArgs(1),
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfClients = 10
	perfOps     = 1000
)

var perfPercentiles = []float64{0.5, 0.95, 0.99}

func init() {
	// add flags
	key := "clients"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of concurrent writers"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 1000, util.WrapString("Characters inserted by every writer"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfClients = viper.GetInt("clients")
	perfOps = viper.GetInt("ops")
	if perfClients <= 0 || perfOps <= 0 {
		return fmt.Errorf("clients and ops must be positive")
	}
	return nil
}

func runPerf(cmd *cobra.Command, args []string) error {
	docID := args[0]
	config := util.GetClientConfig()
	// every writer sends all its edits at once
	config.SendQueueSize = max(config.SendQueueSize, 2*perfOps)

	fmt.Println("Performance testing tool for dSync servers")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Clients: %d, Ops per client: %d\n", perfClients, perfOps)
	fmt.Println()

	registry := metrics.NewRegistry()
	handshake := metrics.NewTimer()
	mutate := metrics.NewTimer()
	_ = registry.Register("handshake", handshake)
	_ = registry.Register("mutate", mutate)

	observer, err := util.OpenFacade(cmd.Context(), config, docID)
	if err != nil {
		return err
	}
	defer observer.Close()
	want := utf8.RuneCountInString(observer.Content()) + perfClients*perfOps

	fmt.Println("staring tests...")
	start := time.Now()

	g, ctx := errgroup.WithContext(cmd.Context())
	for i := 0; i < perfClients; i++ {
		g.Go(func() error {
			t0 := time.Now()
			f, err := util.OpenFacade(ctx, config, docID)
			if err != nil {
				return err
			}
			handshake.UpdateSince(t0)
			// Close flushes the queued updates
			defer f.Close()

			for j := 0; j < perfOps; j++ {
				var err error
				mutate.Time(func() {
					_, err = f.MutateLocal(crdt.Insert(j, "x"))
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	written := time.Since(start)

	waitCtx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	if err := waitForLength(waitCtx, observer.Content, want); err != nil {
		return err
	}
	converged := time.Since(start)

	total := perfClients * perfOps
	printTimer("handshake", handshake)
	printTimer("mutate", mutate)
	fmt.Printf("%-20s%s (%.0f ops/sec)\n", "written", written, float64(total)/written.Seconds())
	fmt.Printf("%-20s%s (%.0f ops/sec)\n", "converged", converged, float64(total)/converged.Seconds())

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, registry, converged, config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// waitForLength polls content until it has n characters
func waitForLength(ctx context.Context, content func() string, n int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		got := utf8.RuneCountInString(content())
		if got >= n {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("observer did not converge: %d of %d characters: %w", got, n, ctx.Err())
		}
	}
}

// printTimer prints a timer in a formatted way
func printTimer(name string, t metrics.Timer) {
	s := t.Snapshot()
	p := s.Percentiles(perfPercentiles)
	fmt.Printf("%-20s%d ops\tmean %s\tp50 %s\tp95 %s\tp99 %s\n",
		name, s.Count(), time.Duration(s.Mean()), time.Duration(p[0]), time.Duration(p[1]), time.Duration(p[2]))
}

// writeResultsToCSV writes the timers of registry to a CSV file
func writeResultsToCSV(csvPath string, registry metrics.Registry, converged time.Duration, config common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "Count", "MeanNs", "P50Ns", "P95Ns", "P99Ns",
		"ConvergedNs", "Endpoint", "Serializer", "Clients", "Ops",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	var rowErr error
	registry.Each(func(name string, m interface{}) {
		t, ok := m.(metrics.Timer)
		if !ok || rowErr != nil {
			return
		}
		s := t.Snapshot()
		p := s.Percentiles(perfPercentiles)
		row := []string{
			name,
			strconv.FormatInt(s.Count(), 10),
			fmt.Sprintf("%.0f", s.Mean()),
			fmt.Sprintf("%.0f", p[0]),
			fmt.Sprintf("%.0f", p[1]),
			fmt.Sprintf("%.0f", p[2]),
			strconv.FormatInt(converged.Nanoseconds(), 10),
			config.Endpoint,
			config.Serializer,
			strconv.Itoa(perfClients),
			strconv.Itoa(perfOps),
		}
		if err := writer.Write(row); err != nil {
			rowErr = fmt.Errorf("failed to write row for test %s: %v", name, err)
		}
	})
	return rowErr
}

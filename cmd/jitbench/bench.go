package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/tangzhangming/tierjit/internal/ir"
	"github.com/tangzhangming/tierjit/internal/jit"
	"github.com/tangzhangming/tierjit/internal/logging"
	"github.com/tangzhangming/tierjit/internal/metrics"
)

type benchOptions struct {
	Blocks     int
	Executions int
	Ops        int
	Seed       int64
	Workers    int
	Resubmit   bool
	Metrics    bool
	Timeout    time.Duration
}

// benchReport bench 的输出
type benchReport struct {
	JITID        string       `json:"jit_id"`
	Blocks       int          `json:"blocks"`
	Executions   int64        `json:"executions"`
	Interpreted  int64        `json:"interpreted"`
	Native       int64        `json:"native"`
	Compiled     int64        `json:"compiled"`
	Failed       int64        `json:"failed"`
	CacheHitRate float64      `json:"cache_hit_rate"`
	AvgCompileUs float64      `json:"avg_compile_us"`
	Steals       int64        `json:"steals"`
	PeakPending  int64        `json:"peak_pending"`
	ElapsedMs    float64      `json:"elapsed_ms"`
	Hotspots     []hotspotRow `json:"hotspots"`
	Metrics      string       `json:"metrics,omitempty"` // Prometheus 文本格式
}

type hotspotRow struct {
	Addr     string `json:"addr"`
	Count    int64  `json:"count"`
	State    string `json:"state"`
	Priority int    `json:"priority"`
}

func newBenchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic tiered-compilation workload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runBench(cmd.Context(), rootOpts, opts)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return printBench(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().IntVar(&opts.Blocks, "blocks", 64, "number of distinct blocks")
	cmd.Flags().IntVar(&opts.Executions, "executions", 500, "executions per block")
	cmd.Flags().IntVar(&opts.Ops, "ops", 24, "operations per block")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 1, "random seed")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "compiler workers (0 uses the config)")
	cmd.Flags().BoolVar(&opts.Resubmit, "resubmit", true, "resubmit every block after the run to exercise the hash cache")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "include the Prometheus exposition of the final stats")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "maximum time to wait for compilations")
	return cmd
}

func runBench(ctx context.Context, rootOpts *rootOptions, opts *benchOptions) (*benchReport, error) {
	if opts.Blocks <= 0 || opts.Executions <= 0 || opts.Ops <= 0 {
		return nil, fmt.Errorf("blocks, executions and ops must be positive")
	}
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.Workers > 0 {
		cfg.Scheduler.Workers = opts.Workers
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	blocks := make(map[ir.GuestAddr]*ir.Block, opts.Blocks)
	addrs := make([]ir.GuestAddr, opts.Blocks)
	for i := range addrs {
		addr := ir.GuestAddr(0x10000 + i*0x1000)
		addrs[i] = addr
		blocks[addr] = genBlock(rng, addr, opts.Ops)
	}
	provider := jit.BlockProviderFunc(func(addr ir.GuestAddr) (*ir.Block, bool) {
		b, ok := blocks[addr]
		return b, ok
	})

	tc, err := jit.New(cfg, jit.Options{Logger: log, Provider: provider})
	if err != nil {
		return nil, err
	}
	defer tc.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	report := &benchReport{JITID: tc.ID().String(), Blocks: opts.Blocks}
	start := time.Now()
	for e := 0; e < opts.Executions; e++ {
		for _, addr := range addrs {
			tc.RecordExecution(addr)
			report.Executions++
			if _, ok := tc.GetCachedCode(addr); ok {
				report.Native++
			} else {
				report.Interpreted++
			}
		}
	}
	if err := tc.WaitAllContext(ctx); err != nil {
		return nil, err
	}

	if opts.Resubmit {
		for _, addr := range addrs {
			if _, err := tc.CompileAsync(blocks[addr]); err != nil {
				return nil, err
			}
		}
		if err := tc.WaitAllContext(ctx); err != nil {
			return nil, err
		}
	}
	report.ElapsedMs = float64(time.Since(start).Microseconds()) / 1000

	st := tc.Stats()
	report.Compiled = st.Scheduler.Successful
	report.Failed = st.Scheduler.Failed
	report.CacheHitRate = tc.CacheHitRate()
	report.AvgCompileUs = tc.AvgCompilationTimeUs()
	report.Steals = st.Scheduler.Steals
	report.PeakPending = st.Scheduler.PeakPending
	for _, h := range tc.Hotspots(5) {
		report.Hotspots = append(report.Hotspots, hotspotRow{
			Addr:     h.Addr.String(),
			Count:    h.Count,
			State:    h.State.String(),
			Priority: h.Priority,
		})
	}
	if opts.Metrics {
		if report.Metrics, err = gatherMetrics(tc); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// gatherMetrics 在独立的注册表上采集一次，输出文本格式
func gatherMetrics(tc *jit.TieredCompiler) (string, error) {
	reg := prometheus.NewPedanticRegistry()
	if _, err := metrics.Register(reg, tc); err != nil {
		return "", err
	}
	families, err := reg.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func printBench(w io.Writer, r *benchReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "jit id\t%s\n", r.JITID)
	fmt.Fprintf(tw, "blocks\t%d\n", r.Blocks)
	fmt.Fprintf(tw, "executions\t%d (interpreted %d, native %d)\n", r.Executions, r.Interpreted, r.Native)
	fmt.Fprintf(tw, "compilations\t%d ok, %d failed\n", r.Compiled, r.Failed)
	fmt.Fprintf(tw, "cache hit rate\t%.2f\n", r.CacheHitRate)
	fmt.Fprintf(tw, "avg compile\t%.1fus\n", r.AvgCompileUs)
	fmt.Fprintf(tw, "steals\t%d\n", r.Steals)
	fmt.Fprintf(tw, "peak pending\t%d\n", r.PeakPending)
	fmt.Fprintf(tw, "elapsed\t%.2fms\n", r.ElapsedMs)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "addr\tcount\tstate\tpriority")
	for _, h := range r.Hotspots {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", h.Addr, h.Count, h.State, h.Priority)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if r.Metrics != "" {
		_, err := fmt.Fprintf(w, "\n%s", r.Metrics)
		return err
	}
	return nil
}

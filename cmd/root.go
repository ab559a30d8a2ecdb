// Package cmd wires the target's command line: flag parsing, sink
// construction, and the consume/drain lifecycle.
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ackarapazar/target-stitch/pkg/config"
	"github.com/ackarapazar/target-stitch/pkg/gate"
	"github.com/ackarapazar/target-stitch/pkg/logging"
	"github.com/ackarapazar/target-stitch/pkg/memreport"
	"github.com/ackarapazar/target-stitch/pkg/metrics"
	"github.com/ackarapazar/target-stitch/pkg/target"
	"github.com/ackarapazar/target-stitch/pkg/telemetry"
)

// Batch defaults, tuned to the Gate's request limits.
const (
	defaultMaxBatchRecords   = 20000
	defaultMaxBatchBytes     = 4000000
	defaultBatchDelaySeconds = 300.0
)

var (
	cfgFile    string
	dryRun     bool
	outputFile string
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "target-stitch",
	Short: "Singer target that delivers records to the Stitch import API",
	Long: `target-stitch consumes the Singer tap protocol on stdin, batches
records per stream, and posts them to the Stitch import API. STATE
messages are echoed to stdout only once every record before them has
been accepted, so stdout forms a resumable checkpoint log.

Logs go to stderr; stdout carries nothing but state.`,
	Version:       telemetry.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

// Execute runs the root command. Known failures are logged one line at
// a time at error severity, without a stack, before exiting non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger := logging.New(verbose, quiet, nil)
		for _, line := range strings.Split(gate.UserMessage(err), "\n") {
			logger.Error().Msg(line)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	rootCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "dry run - do not push data to Stitch")
	rootCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "save requests to this output file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "produce debug-level logging")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress info-level logging")
	rootCmd.Flags().Int("max-batch-records", defaultMaxBatchRecords, "maximum records per batch")
	rootCmd.Flags().Int("max-batch-bytes", defaultMaxBatchBytes, "maximum serialized bytes per batch")
	rootCmd.Flags().Float64("batch-delay-seconds", defaultBatchDelaySeconds, "maximum seconds between batches")

	_ = viper.BindPFlag("max_batch_records", rootCmd.Flags().Lookup("max-batch-records"))
	_ = viper.BindPFlag("max_batch_bytes", rootCmd.Flags().Lookup("max-batch-bytes"))
	_ = viper.BindPFlag("batch_delay_seconds", rootCmd.Flags().Lookup("batch-delay-seconds"))
}

func run(cmd *cobra.Command, _ []string) error {
	logger := logging.New(verbose, quiet, nil)

	maxRecords := viper.GetInt("max_batch_records")
	maxBytes := viper.GetInt("max_batch_bytes")
	batchDelay := time.Duration(viper.GetFloat64("batch_delay_seconds") * float64(time.Second))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go memreport.Run(ctx, logger)

	m := metrics.New()

	var sinks []target.Sink
	var runtime *gate.Runtime

	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("opening output file: %w", err)
		}
		defer f.Close()
		out := bufio.NewWriter(f)
		defer out.Flush()
		sinks = append(sinks, target.NewFileSink(out, outputFile, &logger, maxBytes, maxRecords))
	}

	switch {
	case dryRun:
		sinks = append(sinks, target.NewValidatingSink(&logger))

	case cfgFile == "":
		return errors.New("config file required if not in dry run mode")

	default:
		cfg, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return err
		}

		url := cfg.BatchURL()
		logger.Info().Str("url", url).Msg("Using Stitch import URL")

		if !cfg.DisableCollection {
			logger.Info().Msg("Sending version information to stitchdata.com. " +
				`To disable sending anonymous usage data, set the config parameter "disable_collection" to true`)
			go telemetry.Collect(logger)
		}

		tele, err := telemetry.Init(ctx, cfg.TracingConfig())
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			tele.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		if cfg.MetricsAddr != "" {
			go serveMetrics(cfg.MetricsAddr, m, logger)
		}

		client := gate.NewClient(gate.ClientConfig{
			URL:     url,
			Token:   cfg.Token,
			Logger:  &logger,
			Metrics: m,
		})
		runtime = gate.NewRuntime(gate.RuntimeConfig{
			Client:      client,
			StateWriter: os.Stdout,
			Logger:      &logger,
			Metrics:     m,
		})
		sinks = append(sinks, target.NewStitchSink(target.StitchSinkConfig{
			Runtime:    runtime,
			Telemetry:  tele,
			Logger:     &logger,
			MaxBytes:   maxBytes,
			MaxRecords: maxRecords,
		}))
	}

	t := target.New(target.Config{
		Sinks:           sinks,
		MaxBatchBytes:   maxBytes,
		MaxBatchRecords: maxRecords,
		BatchDelay:      batchDelay,
		Logger:          &logger,
		Metrics:         m,
	})

	if err := t.Consume(ctx, os.Stdin); err != nil {
		return err
	}

	if runtime != nil {
		if err := runtime.Drain(ctx); err != nil {
			return err
		}
		logger.Info().Msg("Requests complete")
	}
	return nil
}

// serveMetrics exposes the Prometheus registry. Failures are logged
// and ignored; metrics must never take the pipeline down.
func serveMetrics(addr string, m *metrics.Metrics, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
	}
}

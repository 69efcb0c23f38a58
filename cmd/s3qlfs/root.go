// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/s3qlfs/engine/clock"
	"github.com/s3qlfs/engine/internal/addr"
	"github.com/s3qlfs/engine/internal/cache"
	"github.com/s3qlfs/engine/internal/catalog/badger"
	"github.com/s3qlfs/engine/internal/config"
	"github.com/s3qlfs/engine/internal/fileio"
	"github.com/s3qlfs/engine/internal/keylock"
	"github.com/s3qlfs/engine/internal/logger"
	"github.com/s3qlfs/engine/internal/metrics"
	gcsstore "github.com/s3qlfs/engine/internal/objectstore/gcs"
	"github.com/s3qlfs/engine/internal/reconciler"
)

var (
	cfgFile     string
	bindErr     error
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "s3qlfs [flags] bucket",
	Short: "Run the object-storage-backed block I/O engine against a GCS bucket",
	Long: `s3qlfs wires the block-addressing, key-lock, cache, reconciler, and
catalog layers into a running engine and keeps it alive so an external FUSE
binding (out of this command's scope) can drive it. It is a thin assembly
point, not a filesystem of its own.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		return run(cmd.Context(), args[0])
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9477", "Listen address for the Prometheus /metrics endpoint, empty disables it")
	bindErr = config.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		bindErr = fmt.Errorf("reading config file: %w", err)
	}
}

func run(ctx context.Context, bucketName string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	log.Info("starting", "bucket", bucketName, "blocksize", cfg.Cache.BlockSize, "cachesize", cfg.Cache.CacheSize)

	var reg *prometheus.Registry
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg)
	}

	cat, err := badger.Open(cfg.Cache.CacheDir + "/catalog")
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()
	if err := cat.ResetOpenState(ctx); err != nil {
		return fmt.Errorf("resetting open state: %w", err)
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("building storage client: %w", err)
	}
	defer client.Close()
	store := gcsstore.New(client.Bucket(bucketName))

	var clk clock.Clock = clock.RealClock{}
	recon := reconciler.New(store, clk, reconciler.Config{Timeout: cfg.Cache.Timeout})
	locks := keylock.New()
	blockCache := cache.New(cfg.Cache.CacheDir+"/blocks", int64(cfg.Cache.CacheSize), cat, recon, locks, clk)
	if m != nil {
		recon.SetMetrics(m)
		blockCache.SetMetrics(m)
	}

	var keyFunc addr.KeyFunc = addr.Key
	if !cfg.Cache.ObfuscateKeys {
		keyFunc = addr.PathKey
	}
	eng := fileio.New(int64(cfg.Cache.BlockSize), keyFunc, cat, blockCache, recon, locks, clk)
	log.Info("engine ready", "obfuscate_keys", cfg.Cache.ObfuscateKeys)
	_ = eng // driven by the external FUSE binding, out of this command's scope

	var srv *http.Server
	if metricsAddr != "" && reg != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: metricsAddr, Handler: mux}
		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("listening for metrics: %w", err)
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server exited", "err", err)
			}
		}()
		log.Info("metrics listening", "addr", metricsAddr)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info("shutting down")
	if srv != nil {
		_ = srv.Shutdown(context.Background())
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

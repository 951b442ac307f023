// freetierd keeps an always-free cloud instance's 7-day CPU p95 and
// network utilization inside the provider's reclamation-avoidance band.
// Author: dkasprzak | License: MIT
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkasprzak/freetierd/internal/adminserver"
	"github.com/dkasprzak/freetierd/internal/config"
	"github.com/dkasprzak/freetierd/internal/controller"
	"github.com/dkasprzak/freetierd/internal/coordinator"
	"github.com/dkasprzak/freetierd/internal/cpuworkers"
	"github.com/dkasprzak/freetierd/internal/lockfile"
	"github.com/dkasprzak/freetierd/internal/memoryocc"
	"github.com/dkasprzak/freetierd/internal/metricsstore"
	"github.com/dkasprzak/freetierd/internal/netfallback"
	"github.com/dkasprzak/freetierd/internal/netgen"
	"github.com/dkasprzak/freetierd/internal/ring"
	"github.com/dkasprzak/freetierd/internal/sensors"
	"github.com/dkasprzak/freetierd/internal/telemetry"
)

const version = "v0.1.0"

func main() {
	root := &cobra.Command{
		Use:          "freetierd",
		Short:        "freetierd — keeps an always-free cloud instance from being reclaimed for idleness",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd(), checkConfigCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run freetierd in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runDaemon(cfg)
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate configuration without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Printf("configuration OK: shape=%q data_dir=%q p95_band=[%.1f,%.1f] net_fallback=%s\n",
				cfg.Shape, cfg.DataDir, cfg.P95Min, cfg.P95Max, cfg.NetFallbackMode)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print freetierd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("freetierd %s\n", version)
		},
	}
}

func runDaemon(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	lock := lockfile.New(cfg.DataDir)
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	defer lock.Release()

	store, err := metricsstore.Open(
		filepath.Join(cfg.DataDir, "metrics.db"),
		time.Duration(cfg.P95CacheTTLSec)*time.Second,
		time.Duration(cfg.ConsistencyProbeInterval)*time.Second,
	)
	if err != nil {
		return fmt.Errorf("opening metrics store: %w", err)
	}
	defer store.Close()

	ringPath := filepath.Join(cfg.DataDir, "p95_ring_buffer.json")
	r, err := ring.Load(ringPath, cfg.RingCapacitySlots, cfg.SlotDurationSec)
	if err != nil {
		r = ring.New(cfg.RingCapacitySlots, cfg.SlotDurationSec)
	}

	ctrl := controller.New(controller.Config{
		P95Min:                 cfg.P95Min,
		P95Max:                 cfg.P95Max,
		TargetRatioPct:         cfg.TargetRatioPct,
		HighIntensityPct:       cfg.HighIntensityPct,
		BaselineIntensityPct:   cfg.BaselineIntensityPct,
		SlotDurationSec:        cfg.SlotDurationSec,
		MaxConsecutiveBaseline: cfg.MaxConsecutiveBaseline,
		CPUStopPct:             cfg.CPUStopPct,
		LoadThreshold:          cfg.LoadThreshold,
		LoadResumeThreshold:    cfg.LoadResumeThreshold,
		RingFlushEverySlots:    cfg.RingFlushEverySlots,
		RingPath:               ringPath,
	}, r, store)

	workers := cpuworkers.New(runtime.NumCPU())
	if err := cpuworkers.LowerProcessPriority(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not lower process priority: %v\n", err)
	}

	occ := memoryocc.New(memoryocc.Config{
		TargetPct:     cfg.MemTargetPct,
		StopPct:       cfg.MemStopPct,
		HysteresisPct: cfg.MemHysteresisPct,
		MinFreeMB:     cfg.MemMinFreeMB,
		StepMB:        cfg.MemStepMB,
		TouchInterval: time.Duration(cfg.MemTouchIntervalSec * float64(time.Second)),
	})

	netfb := netfallback.New(netfallback.Config{
		Mode:           netfallback.Mode(cfg.NetFallbackMode),
		MinOn:          time.Duration(cfg.NetMinOnSec) * time.Second,
		MinOff:         time.Duration(cfg.NetMinOffSec) * time.Second,
		Debounce:       time.Duration(cfg.NetDebounceSec) * time.Second,
		RiskThreshold:  cfg.NetRiskThresholdPct,
		StartThreshold: cfg.NetStartPct,
		StopThreshold:  cfg.NetStopPct,
		RampDuration:   time.Duration(cfg.NetRampSec) * time.Second,
		RequireMem:     cfg.MemPolicyEnabled(),
	})

	peers := append([]string{}, cfg.NetPeers...)
	if cfg.NetPeersFile != "" {
		fromFile, err := netgen.LoadPeersFile(cfg.NetPeersFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: reading peers file: %v\n", err)
		} else {
			peers = append(peers, fromFile...)
		}
	}

	netg := netgen.New(netgen.Config{
		Port:                cfg.NetPort,
		PacketSizeBytes:     cfg.NetPacketSizeBytes,
		Protocol:            "udp",
		ValidationTimeout:   time.Duration(cfg.NetValidationTimeoutMs) * time.Millisecond,
		MinTxDeltaBytes:     cfg.NetMinTxDeltaBytes,
		ReputationFloor:     cfg.NetReputationFloor,
		ConsecutiveErrLimit: cfg.NetConsecutiveErrLimit,
		ErrorCooldown:       time.Duration(cfg.NetErrorCooldownSec) * time.Second,
		ReadTxBytes:         func() (uint64, bool) { return netgen.ReadNICTxBytes(cfg.NetInterface) },
	}, peers)

	sensorReader := sensors.New(cfg.NetInterface, cfg.LinkBandwidthMbps)
	recorder := telemetry.NewRecorder()

	coord := coordinator.New(cfg, sensorReader, store, ctrl, workers, occ, netfb, netg, recorder)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go store.RunMaintenance(ctx, time.Duration(cfg.PurgeIntervalSec)*time.Second, time.Duration(cfg.RetentionDays)*24*time.Hour)

	if cfg.AdminEnabled {
		admin := adminserver.New(cfg.AdminListenAddr, recorder)
		go func() {
			if err := admin.Run(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "admin server error: %v\n", err)
			}
		}()
	}

	return coord.Run(ctx)
}

// Command ectool runs an EtherCAT master against a real or virtual
// Ethernet link: it brings the bus up (scan, per-slave configuration,
// cyclic service), applies an optional bring-up configuration file, and
// optionally serves the operator HTTP gateway: parse flags, connect one
// link, hand it to the stack, block until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/goethercat/pkg/config"
	"github.com/samsamfire/goethercat/pkg/frame"
	gatewayhttp "github.com/samsamfire/goethercat/pkg/gateway/http"
	"github.com/samsamfire/goethercat/pkg/link"
	_ "github.com/samsamfire/goethercat/pkg/link/rawsock"
	_ "github.com/samsamfire/goethercat/pkg/link/virtual"
	"github.com/samsamfire/goethercat/pkg/master"
)

const (
	DefaultInterface = "eth0"
	DefaultRingSize  = 32
	DefaultBufSize   = 1600
	DefaultHTTPAddr  = ":8080"
)

func main() {
	iface := flag.String("i", DefaultInterface, "network interface name, e.g. eth0")
	backupIface := flag.String("backup", "", "redundant network interface name, empty for none")
	virtual := flag.Bool("virtual", false, "use the in-process virtual link instead of a real interface")
	configPath := flag.String("config", "", "bring-up configuration file (pkg/config format)")
	httpAddr := flag.String("http", DefaultHTTPAddr, "operator HTTP gateway listen address, empty to disable")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	var cfgFile *config.File
	if *configPath != "" {
		var err error
		cfgFile, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ectool: loading config: %v\n", err)
			os.Exit(1)
		}
	}

	adapterType := "rawsock"
	if *virtual {
		adapterType = "virtual"
	}
	lnk, err := link.NewLink(adapterType, *iface)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ectool: opening %s %s: %v\n", adapterType, *iface, err)
		os.Exit(1)
	}
	adapter := link.NewAdapter(lnk, *iface, DefaultRingSize, DefaultBufSize)
	engine := frame.New(adapter, logger)
	m := master.New(engine, DefaultRingSize, logger)

	backupName := *backupIface
	if backupName == "" && cfgFile != nil {
		backupName = cfgFile.Master.BackupDevice
	}
	if backupName != "" {
		blnk, err := link.NewLink(adapterType, backupName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ectool: opening backup %s %s: %v\n", adapterType, backupName, err)
			os.Exit(1)
		}
		badapter := link.NewAdapter(blnk, backupName, DefaultRingSize, DefaultBufSize)
		if err := m.AddBackupEngine(frame.New(badapter, logger)); err != nil {
			fmt.Fprintf(os.Stderr, "ectool: attaching backup link: %v\n", err)
			os.Exit(1)
		}
		logger.Info("redundant link attached", "interface", backupName)
	}

	rt := master.NewRuntime(m)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rt.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ectool: starting runtime: %v\n", err)
		os.Exit(1)
	}

	if cfgFile != nil {
		go applyConfig(ctx, m, cfgFile, logger)
	}

	if *httpAddr != "" {
		server := gatewayhttp.NewGatewayServer(gatewayhttp.NewMasterAdapter(m), nil, logger)
		go func() {
			if err := server.ListenAndServe(*httpAddr); err != nil {
				logger.Error("http gateway stopped", "error", err)
			}
		}()
		logger.Info("operator http gateway listening", "addr", *httpAddr)
	}

	logger.Info("ectool running", "interface", *iface, "adapter", adapterType)
	<-ctx.Done()
	logger.Info("shutting down")
	rt.Stop()
	rt.Wait()
}

// applyConfig attaches each configuration file entry to its matching
// slave (by alias/position) as soon as the scan discovers it, polling
// since Scan runs asynchronously on the runtime's own goroutine.
func applyConfig(ctx context.Context, m *master.Master, cfgFile *config.File, logger *slog.Logger) {
	pending := make(map[string]*config.Slave, len(cfgFile.Slaves))
	for _, cs := range cfgFile.Slaves {
		pending[slaveMatchKey(cs.Alias, cs.Position)] = cs
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range m.Slaves() {
				if s.Config != nil {
					continue
				}
				cs, ok := pending[slaveMatchKey(s.EffectiveAlias, s.RingPosition)]
				if !ok {
					continue
				}
				s.RequestedState = cs.RequestedState
				s.AttachConfig(cs.Config)
				logger.Info("attached configuration", "alias", cs.Alias, "position", cs.Position)
			}
		}
	}
}

func slaveMatchKey(alias, position uint16) string {
	return fmt.Sprintf("%d.%d", alias, position)
}

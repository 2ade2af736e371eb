// Command capture is the thin CLI entry point wiring the core pipeline
// together for offline replay: field registry, rule engine, session
// table, decoder, worker pool, writer, and bulk serializer. Reader
// selection beyond offline pcap files, plugin loading, and backend
// auth stay external collaborators (spec §6).
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/arkime-core/capture/bulk"
	"github.com/arkime-core/capture/config"
	"github.com/arkime-core/capture/dedup"
	"github.com/arkime-core/capture/field"
	"github.com/arkime-core/capture/fragment"
	"github.com/arkime-core/capture/mprotocol"
	"github.com/arkime-core/capture/parsers/tls"
	capturepcap "github.com/arkime-core/capture/pcap"
	"github.com/arkime-core/capture/pqueue"
	"github.com/arkime-core/capture/printer"
	"github.com/arkime-core/capture/reassembly"
	"github.com/arkime-core/capture/rules"
	"github.com/arkime-core/capture/session"
	"github.com/arkime-core/capture/telemetry"
	"github.com/arkime-core/capture/writer"
)

var (
	pcapFileFlag   string
	nodeFlag       string
	backendURLFlag string
	outDirFlag     string
	bpfFlag        string
	dedupFlag      bool
	dropCIDRsFlag  []string
)

var rootCmd = &cobra.Command{
	Use:           "capture",
	Short:         "Passive network traffic analyzer core",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&pcapFileFlag, "pcap-file", "r", "", "offline pcap file to replay")
	rootCmd.PersistentFlags().StringVar(&nodeFlag, "node", "capture01", "node name written into every record")
	rootCmd.PersistentFlags().StringVar(&backendURLFlag, "backend", "", "bulk endpoint URL; empty logs records instead of sending")
	rootCmd.PersistentFlags().StringVar(&outDirFlag, "out-dir", "", "directory for output pcap files; empty disables the writer")
	rootCmd.PersistentFlags().StringVar(&bpfFlag, "bpf", "", "BPF filter for the offline read")
	rootCmd.PersistentFlags().BoolVar(&dedupFlag, "dedup", false, "enable the packet deduplicator")
	rootCmd.PersistentFlags().StringSliceVar(&dropCIDRsFlag, "drop-cidr", nil, "CIDRs to drop at decode time")
	rootCmd.PersistentFlags().Int("workers", 0, "worker thread count (0 = config default)")
	viper.BindPFlags(rootCmd.PersistentFlags())
}

// bindOverrides points config keys at any tunable flags the operator
// actually set, leaving config-file defaults alone otherwise.
func bindOverrides() {
	if f := rootCmd.PersistentFlags().Lookup("workers"); f != nil && f.Changed {
		viper.BindPFlag(config.KeyWorkerCount, f)
	}
	flag.CommandLine.AddFlagSet(rootCmd.PersistentFlags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printer.Stderr.Errorf("%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	bindOverrides()
	cfg := config.FromViper()
	for _, c := range dropCIDRsFlag {
		if err := cfg.DropCIDRs.Add(c); err != nil {
			// Configuration errors are fatal at startup (spec §7).
			return err
		}
	}
	config.Store(cfg)

	// Field registry: built single-threaded at startup, read-only after
	// Finalize (spec §5).
	registry := field.NewRegistry()
	tlsFields := tls.RegisterFields(registry)
	registry.Finalize()
	specials := session.RegisterSpecials(registry)

	engine := rules.NewEngine()
	pqReg := pqueue.NewRegistry(cfg.WorkerCount)
	table := session.NewTable(cfg.WorkerCount, registry, engine, specials, pqReg, cfg.MaxSessionsPerType)

	classifiers := reassembly.NewRegistry()
	tls.Register(classifiers, tlsFields)
	mprotocol.Setup(reassembly.NewDispatcher(classifiers))

	counters := &telemetry.Counters{}
	frags := fragment.NewTable(fragment.Config{
		Timeout:         cfg.FragTimeout,
		MaxPacketsPerID: cfg.FragMaxPacketsPerID,
		MaxPacketSize:   cfg.FragMaxPacketSize,
		MaxInFlight:     cfg.FragMaxInFlight,
	})
	var dedupWin *dedup.Window
	if dedupFlag {
		dedupWin = dedup.NewWindow(dedup.Config{Window: cfg.DedupWindow, PayloadCap: 64})
	}
	decoder := capturepcap.NewDecoder(counters, frags, dedupWin)

	var sender bulk.Sender
	if backendURLFlag != "" {
		sender = bulk.NewRetryableHTTPSender(backendURLFlag)
	} else {
		sender = bulk.SenderFunc(func(_ context.Context, buf []byte, count int) error {
			printer.Debugf("dropping bulk of %d records (no backend configured)\n", count)
			return nil
		})
	}
	serializer := bulk.NewSerializer(bulk.Config{
		Index:         "sessions3",
		MaxRecords:    cfg.BulkMaxRecords,
		FlushInterval: cfg.BulkFlushInterval,
	}, sender)
	serializer.Start()

	var fileWriter capturepcap.Writer
	if outDirFlag != "" {
		fw := writer.NewFileWriter(outDirFlag, nodeFlag, 0, 65535, layers.LinkTypeEthernet)
		defer fw.Close()
		fileWriter = fw
		decoder.EnableSideCapture(writer.NewSideWriter(outDirFlag, 65535, layers.LinkTypeEthernet), nil, nil)
	}

	pool := capturepcap.NewPool(table, pqReg, engine, fileWriter, serializer, counters, nodeFlag)
	pool.Start()

	// Periodic stats line (spec §7): totals, drops by reason, and the
	// bulk queue depth.
	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := counters.Snapshot()
				printer.Infof("packets=%d ipDropped=%d overload=%d corrupt=%d unknown=%d dup=%d frags=%d/%d bulkQueue=%d\n",
					snap.PacketsTotal, snap.IPDropped, snap.OverloadDropped,
					snap.CorruptDropped, snap.UnknownDropped, snap.DuplicateDropped,
					snap.FragmentsFinished, snap.FragmentsQueued, serializer.QueueLength())
			case <-statsDone:
				return
			}
		}
	}()

	if pcapFileFlag != "" {
		if err := replayFile(decoder, pool, pcapFileFlag); err != nil {
			close(statsDone)
			return err
		}
	}
	close(statsDone)

	// flushBetween semantics: drain completely before shutdown (spec §5).
	pool.WaitIdle()
	pool.Shutdown()
	serializer.Stop()

	snap := counters.Snapshot()
	printer.Infof("packets=%d ipDropped=%d overloadDropped=%d corrupt=%d unknown=%d dup=%d\n",
		snap.PacketsTotal, snap.IPDropped, snap.OverloadDropped,
		snap.CorruptDropped, snap.UnknownDropped, snap.DuplicateDropped)
	return nil
}

// replayFile reads an offline capture and feeds every packet through
// decode, batch, and the worker queues.
func replayFile(decoder *capturepcap.Decoder, pool *capturepcap.Pool, path string) error {
	reader, err := capturepcap.OpenOffline(path, bpfFlag, 0)
	if err != nil {
		return err
	}
	linkType := reader.LinkType()

	done := make(chan struct{})
	defer close(done)
	packets, err := reader.Packets(done)
	if err != nil {
		return err
	}

	batch := pool.NewBatch()
	for p := range packets {
		outcome := decoder.DecodeLink(p, linkType, p.Buf)
		if capturepcap.ShouldEnqueue(outcome, p) {
			batch.Add(p)
		}
		if batch.Len() >= 64 {
			batch.Flush()
		}
	}
	batch.Flush()

	total, dropped, _ := reader.Stats()
	printer.Debugf("reader: %d packets, %d dropped at source\n", total, dropped)
	return nil
}

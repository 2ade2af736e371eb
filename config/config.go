// Package config holds the capture daemon's tunables as an immutable
// snapshot (spec §9 "Global mutable state"). The main thread builds a new
// Config and publishes it with Store; workers read the current snapshot
// with Load once per packet and never hold it longer than that, so a
// reload never tears a packet's view of the config.
//
// Scalar tunables are also registered with viper, matching the teacher's
// convention (trace/rate_limit.go's viper.SetDefault/viper.GetDuration) of
// keeping every tunable overridable from a config file or environment
// variable without a matching CLI flag.
package config

import (
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Viper keys for scalar tunables. Grouped under "capture." to avoid
// collisions with whatever hosts this package.
const (
	KeyWorkerCount          = "capture.workerCount"
	KeyWorkerQueueDepth     = "capture.workerQueueDepth"
	KeyTCPIdleTimeout       = "capture.tcpIdleTimeout"
	KeyUDPIdleTimeout       = "capture.udpIdleTimeout"
	KeyICMPIdleTimeout      = "capture.icmpIdleTimeout"
	KeySCTPIdleTimeout      = "capture.sctpIdleTimeout"
	KeyESPIdleTimeout       = "capture.espIdleTimeout"
	KeyOtherIdleTimeout     = "capture.otherIdleTimeout"
	KeyTCPMidSaveSeconds    = "capture.tcpMidSaveSeconds"
	KeyMaxSessionsPerType   = "capture.maxSessionsPerType"
	KeyFragTimeout          = "capture.fragTimeoutSeconds"
	KeyFragMaxPacketsPerID  = "capture.fragMaxPacketsPerID"
	KeyFragMaxPacketSize    = "capture.fragMaxPacketSize"
	KeyFragMaxInFlight      = "capture.fragMaxInFlight"
	KeyDedupWindow          = "capture.dedupWindowSeconds"
	KeyProcessCommandsMax   = "capture.processCommandsMaxPerPass"
	KeyBulkMaxRecords       = "capture.bulkMaxRecords"
	KeyBulkFlushInterval    = "capture.bulkFlushInterval"
	KeyStopSavingBytes      = "capture.stopSavingBytes"
)

func init() {
	viper.SetDefault(KeyWorkerCount, 8)
	viper.SetDefault(KeyWorkerQueueDepth, 10_000)
	viper.SetDefault(KeyTCPIdleTimeout, 60*time.Second)
	viper.SetDefault(KeyUDPIdleTimeout, 30*time.Second)
	viper.SetDefault(KeyICMPIdleTimeout, 10*time.Second)
	viper.SetDefault(KeySCTPIdleTimeout, 60*time.Second)
	viper.SetDefault(KeyESPIdleTimeout, 60*time.Second)
	viper.SetDefault(KeyOtherIdleTimeout, 60*time.Second)
	viper.SetDefault(KeyTCPMidSaveSeconds, 600*time.Second)
	viper.SetDefault(KeyMaxSessionsPerType, 500_000)
	viper.SetDefault(KeyFragTimeout, 60*time.Second)
	viper.SetDefault(KeyFragMaxPacketsPerID, 50)
	viper.SetDefault(KeyFragMaxPacketSize, 1<<16)
	viper.SetDefault(KeyFragMaxInFlight, 10_000)
	viper.SetDefault(KeyDedupWindow, 2*time.Second)
	viper.SetDefault(KeyProcessCommandsMax, 1000)
	viper.SetDefault(KeyBulkMaxRecords, 200)
	viper.SetDefault(KeyBulkFlushInterval, 5*time.Second)
	viper.SetDefault(KeyStopSavingBytes, int64(256<<20))
}

// Config is the immutable snapshot read by workers. Build one with
// FromViper, then Store it; never mutate a Config in place once published.
type Config struct {
	WorkerCount      int
	WorkerQueueDepth int

	TCPIdleTimeout   time.Duration
	UDPIdleTimeout   time.Duration
	ICMPIdleTimeout  time.Duration
	SCTPIdleTimeout  time.Duration
	ESPIdleTimeout   time.Duration
	OtherIdleTimeout time.Duration

	TCPMidSaveSeconds  time.Duration
	MaxSessionsPerType int

	FragTimeout         time.Duration
	FragMaxPacketsPerID int
	FragMaxPacketSize   int
	FragMaxInFlight     int

	DedupWindow time.Duration

	ProcessCommandsMaxPerPass int

	BulkMaxRecords    int
	BulkFlushInterval time.Duration

	StopSavingBytes int64

	// DropCIDRs and DropPorts are themselves hot-swappable (spec §5): they
	// are rebuilt wholesale on reload rather than mutated, and the pointer
	// swap is what makes a Config snapshot itself safe to share.
	DropCIDRs *DropCIDRSet
	DropPorts *DropPortSet
}

// FromViper builds a Config from the currently registered viper values,
// i.e. it resolves the scalar tunables but leaves DropCIDRs/DropPorts to
// the caller (they come from a separate, larger config source).
func FromViper() *Config {
	return &Config{
		WorkerCount:      viper.GetInt(KeyWorkerCount),
		WorkerQueueDepth: viper.GetInt(KeyWorkerQueueDepth),

		TCPIdleTimeout:   viper.GetDuration(KeyTCPIdleTimeout),
		UDPIdleTimeout:   viper.GetDuration(KeyUDPIdleTimeout),
		ICMPIdleTimeout:  viper.GetDuration(KeyICMPIdleTimeout),
		SCTPIdleTimeout:  viper.GetDuration(KeySCTPIdleTimeout),
		ESPIdleTimeout:   viper.GetDuration(KeyESPIdleTimeout),
		OtherIdleTimeout: viper.GetDuration(KeyOtherIdleTimeout),

		TCPMidSaveSeconds:  viper.GetDuration(KeyTCPMidSaveSeconds),
		MaxSessionsPerType: viper.GetInt(KeyMaxSessionsPerType),

		FragTimeout:         viper.GetDuration(KeyFragTimeout),
		FragMaxPacketsPerID: viper.GetInt(KeyFragMaxPacketsPerID),
		FragMaxPacketSize:   viper.GetInt(KeyFragMaxPacketSize),
		FragMaxInFlight:     viper.GetInt(KeyFragMaxInFlight),

		DedupWindow: viper.GetDuration(KeyDedupWindow),

		ProcessCommandsMaxPerPass: viper.GetInt(KeyProcessCommandsMax),

		BulkMaxRecords:    viper.GetInt(KeyBulkMaxRecords),
		BulkFlushInterval: viper.GetDuration(KeyBulkFlushInterval),

		StopSavingBytes: viper.GetInt64(KeyStopSavingBytes),

		DropCIDRs: NewDropCIDRSet(),
		DropPorts: NewDropPortSet(),
	}
}

// IdleTimeout returns the configured idle timeout for a session category,
// matching spec §4.2 "Each SessionTypes category... has a configured idle
// timeout."
func (c *Config) IdleTimeout(t SessionType) time.Duration {
	switch t {
	case SessionTCP:
		return c.TCPIdleTimeout
	case SessionUDP:
		return c.UDPIdleTimeout
	case SessionICMP:
		return c.ICMPIdleTimeout
	case SessionSCTP:
		return c.SCTPIdleTimeout
	case SessionESP:
		return c.ESPIdleTimeout
	default:
		return c.OtherIdleTimeout
	}
}

// SessionType mirrors the SessionTypes category from spec §4.2. Declared
// here (rather than in package session) so config can refer to it without
// an import cycle; package session re-exports it.
type SessionType int

const (
	SessionTCP SessionType = iota
	SessionUDP
	SessionICMP
	SessionSCTP
	SessionESP
	SessionOther
)

// current holds the live, atomically-swapped Config snapshot.
var current atomic.Pointer[Config]

// Store publishes a new Config snapshot. Safe to call concurrently with
// Load from any number of workers.
func Store(c *Config) {
	current.Store(c)
}

// Load returns the current Config snapshot. Callers must not retain it
// past the packet (or reload cycle) they're processing, matching spec §9's
// "workers hold a borrow for the duration of a packet, never longer."
func Load() *Config {
	c := current.Load()
	if c == nil {
		c = FromViper()
		current.Store(c)
	}
	return c
}

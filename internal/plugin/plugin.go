// Package plugin implements the tagged-sum plugin abstraction and the
// per-plugin executor loop of spec.md §4.1 and §9's "deep inheritance"
// redesign note: instead of a Plugin → InputPlugin/ProcessorPlugin/
// OutputPlugin class hierarchy mirrored by parallel executor classes,
// plugins are one of three kind-specific interfaces and the executor is
// a single struct that dispatches on a Kind tag.
package plugin

import (
	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// Kind tags which specialization a Plugin implements.
type Kind int

const (
	KindInput Kind = iota
	KindProcessor
	KindOutput
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindProcessor:
		return "processor"
	case KindOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Result is the per-packet mode outcome a ProcessorPlugin returns for
// each packet it is given, per spec.md §4.1's "Per-packet mode".
type Result int

const (
	ResultOK Result = iota
	ResultNullIt
	ResultDrop
	ResultEnd
)

// Plugin is the common surface every kind exposes: start/stop lifecycle
// and an optional self-reported bitrate (spec.md §4.2's "plugin-reported"
// cascade tier).
type Plugin interface {
	// Start (re)initializes the plugin from CLI-style args. Called once
	// at pipeline startup and again on each successful restart.
	Start(args []string) error
	// Stop releases any resources held by the plugin.
	Stop() error
	// Bitrate returns a self-reported bitrate and whether the plugin has
	// an opinion; most plugins return ok=false and let the engine derive
	// a rate from PCR/DTS analysis instead.
	Bitrate() (value bitrate.Value, ok bool)
}

// InputPlugin produces packets from an external source.
type InputPlugin interface {
	Plugin
	// Receive fills buf (and parallel meta) with up to len(buf) packets,
	// returning how many were written and whether this is the last read
	// (end of input).
	Receive(buf []tspacket.Packet, meta []tspacket.Metadata) (n int, end bool, err error)
}

// ProcessorPlugin transforms packets, either one at a time or over a
// declared window.
type ProcessorPlugin interface {
	Plugin
	// WindowSize returns the plugin's declared packet-window size; 0
	// means per-packet mode. TSP_FORCED_WINDOW_SIZE can override this at
	// the executor level regardless of what the plugin declares.
	WindowSize() int
	// ProcessPacket handles a single packet in per-packet mode.
	ProcessPacket(p *tspacket.Packet, m *tspacket.Metadata) Result
	// ProcessWindow handles a batch in packet-window mode, returning how
	// many of the window's packets it actually consumed (k <= w.Len()).
	ProcessWindow(w *PacketWindow) (k int, err error)
}

// OutputPlugin delivers packets to an external sink.
type OutputPlugin interface {
	Plugin
	Send(pkts []tspacket.Packet, meta []tspacket.Metadata) error
}

// JointTerminating is implemented by plugins that opt into joint
// termination accounting (spec.md glossary; see JointTerminator).
type JointTerminating interface {
	// JointTerminate reports the packet index (relative to this
	// plugin's own stream position) at which this plugin considers
	// itself finished, and whether it has decided to terminate at all.
	JointTerminate() (atPacket uint64, done bool)
}

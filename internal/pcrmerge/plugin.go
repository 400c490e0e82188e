package pcrmerge

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/plugin"
	"github.com/gotsp/tsproc/internal/psi"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// Plugin adapts a Merger to plugin.ProcessorPlugin, restamping PCRs of
// the sub-stream it is inserted into against the outer stream's own
// packet cadence. It tracks its own packet count as the outer index,
// since spec.md §4.8 measures packet_index in the outer stream's own
// counter, which for an in-pipeline processor is the position this
// plugin has been called at.
//
// It also demuxes the sub-stream's own PAT/PMT to keep ObservePMT
// current as programs come and go, rather than relying solely on the
// static --pmt seed: a PMT parsed directly off PID 0x0000 -> PMT PID ->
// PCR_PID/ES loop, per spec.md §4.8's "PMT parsing tracks, per PID,
// which PID carries its PCR".
type Plugin struct {
	merger *Merger
	index  uint64

	demux       *psi.Demux
	pmtPIDs     map[uint16]bool
	pmtVersions map[uint16]uint8
}

// NewPlugin creates an unstarted restamping Plugin.
func NewPlugin() *Plugin {
	return &Plugin{}
}

// Start parses this executor's arguments. Recognized flags: --mode
// (anchor|incremental), --outer-bitrate (bits/sec, 0 = unknown),
// --reset-backwards, and any number of --pmt pcr_pid=es1,es2,... pairs
// used to seed ObservePMT immediately, before the sub-stream's own PAT/PMT
// have been seen for the first time. Once they are seen, the live PMT
// parsed off the wire takes over and keeps ObservePMT current as
// programs are added, removed, or re-mapped.
func (p *Plugin) Start(args []string) error {
	fs := pflag.NewFlagSet("pcrmerge", pflag.ContinueOnError)
	mode := fs.String("mode", "anchor", "restamping mode: anchor or incremental")
	outerBitrate := fs.Uint64("outer-bitrate", 0, "outer stream bitrate in bits/sec, 0 = unknown")
	resetBackwards := fs.Bool("reset-backwards", false, "reset the restamping anchor if PCR would move backwards")
	pmts := fs.StringArray("pmt", nil, "pcr_pid=es1,es2,... (repeatable)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("pcrmerge: %w", err)
	}

	m := ModeAnchor
	if *mode == "incremental" {
		m = ModeIncremental
	}
	outer := bitrate.Zero
	if *outerBitrate > 0 {
		outer = bitrate.Value{BitsPerSecond: *outerBitrate, Confidence: bitrate.Override}
	}

	p.merger = New(Config{Mode: m, OuterBitrate: outer, ResetBackwards: *resetBackwards})
	p.index = 0
	p.demux = psi.NewDemux()
	p.pmtPIDs = make(map[uint16]bool)
	p.pmtVersions = make(map[uint16]uint8)

	for _, spec := range *pmts {
		pcrPID, esPIDs, err := parsePMTSpec(spec)
		if err != nil {
			return fmt.Errorf("pcrmerge: %w", err)
		}
		p.merger.ObservePMT(pcrPID, esPIDs)
	}
	return nil
}

func parsePMTSpec(spec string) (pcrPID uint16, esPIDs []uint16, err error) {
	var pcr int
	var rest string
	for i := 0; i < len(spec); i++ {
		if spec[i] == '=' {
			if _, err := fmt.Sscanf(spec[:i], "%d", &pcr); err != nil {
				return 0, nil, fmt.Errorf("invalid --pmt %q: %w", spec, err)
			}
			rest = spec[i+1:]
			break
		}
	}
	if rest == "" {
		return 0, nil, fmt.Errorf("invalid --pmt %q: expected pcr_pid=es1,es2,...", spec)
	}
	start := 0
	for i := 0; i <= len(rest); i++ {
		if i == len(rest) || rest[i] == ',' {
			if i > start {
				var es int
				if _, err := fmt.Sscanf(rest[start:i], "%d", &es); err != nil {
					return 0, nil, fmt.Errorf("invalid --pmt %q: %w", spec, err)
				}
				esPIDs = append(esPIDs, uint16(es))
			}
			start = i + 1
		}
	}
	return uint16(pcr), esPIDs, nil
}

// Stop releases no resources; the Merger is pure in-memory state.
func (p *Plugin) Stop() error { return nil }

// Bitrate reports no opinion.
func (p *Plugin) Bitrate() (bitrate.Value, bool) { return bitrate.Zero, false }

// WindowSize is 0: restamping runs in per-packet mode.
func (p *Plugin) WindowSize() int { return 0 }

// ProcessPacket restamps pkt's PCR (if any) against the running outer
// packet index and always keeps the packet.
func (p *Plugin) ProcessPacket(pkt *tspacket.Packet, _ *tspacket.Metadata) plugin.Result {
	p.observePSI(pkt)
	p.merger.Process(pkt, p.index)
	p.index++
	return plugin.ResultOK
}

// observePSI feeds pkt through the PAT/PMT demux, refreshing ObservePMT
// whenever a PMT section with a new version arrives. PAT PID 0x0000
// yields the set of PMT PIDs to track; each of those PIDs is then
// demuxed in turn for its own PCR_PID/ES loop.
func (p *Plugin) observePSI(pkt *tspacket.Packet) {
	pid := pkt.PID()
	switch {
	case pid == psi.PIDPAT:
		for _, raw := range p.demux.Feed(pid, pkt) {
			sec, _, err := psi.Decode(raw)
			if err != nil {
				continue
			}
			pat, err := psi.ParsePAT(sec)
			if err != nil {
				continue
			}
			for program, pmtPID := range pat.Programs {
				if program == 0 {
					continue // program 0 names the network PID, not a PMT
				}
				p.pmtPIDs[pmtPID] = true
			}
		}
	case p.pmtPIDs[pid]:
		for _, raw := range p.demux.Feed(pid, pkt) {
			sec, _, err := psi.Decode(raw)
			if err != nil {
				continue
			}
			pmt, err := psi.ParsePMT(sec)
			if err != nil {
				continue
			}
			if last, seen := p.pmtVersions[pid]; seen && last == pmt.Version {
				continue // unchanged retransmission, nothing new to observe
			}
			p.pmtVersions[pid] = pmt.Version
			p.merger.ObservePMT(pmt.PCRPID, pmt.ESPIDs())
		}
	}
}

// ProcessWindow is never called: WindowSize reports per-packet mode.
func (p *Plugin) ProcessWindow(w *plugin.PacketWindow) (int, error) {
	return w.Len(), nil
}

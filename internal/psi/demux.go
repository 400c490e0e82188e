package psi

import "github.com/gotsp/tsproc/internal/tspacket"

// Demux reassembles long-form sections from a PID's packet stream,
// tracking one partial-section buffer per PID. It implements the
// pointer_field/stuffing convention of ISO/IEC 13818-1 §2.4.4.3: on a
// payload_unit_start packet, the leading pointer_field bytes complete
// whatever section was in flight, and a fresh section (or the first of
// several packed back to back) starts right after.
type Demux struct {
	buffers map[uint16][]byte
}

// NewDemux returns an empty, ready-to-use section reassembler.
func NewDemux() *Demux {
	return &Demux{buffers: make(map[uint16][]byte)}
}

// Feed processes one packet's payload against pid's in-flight buffer and
// returns every section it completes, oldest first. The caller is
// expected to have already checked pkt.PID() == pid (a Demux instance
// commonly tracks several PIDs, each fed through its own Feed call).
func (d *Demux) Feed(pid uint16, pkt *tspacket.Packet) [][]byte {
	if !pkt.HasPayload() {
		return nil
	}
	payload := pkt.Payload()
	buf := d.buffers[pid]

	if pkt.PayloadUnitStartIndicator() {
		if len(payload) == 0 {
			return nil
		}
		pointer := int(payload[0])
		if 1+pointer > len(payload) {
			d.buffers[pid] = nil
			return nil
		}
		completion := payload[1 : 1+pointer]
		rest := payload[1+pointer:]

		var out [][]byte
		if len(buf) > 0 {
			buf = append(buf, completion...)
			if sec, n, err := Decode(buf); err == nil && n == len(buf) {
				out = append(out, buf)
				_ = sec
			}
		}
		buf = append([]byte(nil), rest...)
		out = append(out, d.drain(pid, buf)...)
		return out
	}

	if len(buf) == 0 {
		return nil // no section in flight on this PID; ignore stray continuation
	}
	buf = append(buf, payload...)
	return d.drain(pid, buf)
}

// drain pulls every complete, CRC-valid section off the front of buf,
// stopping at the 0xFF stuffing byte that marks "no more sections in
// this packet" or at the first incomplete section (awaiting more
// packets), and stores whatever remains back into d.buffers[pid].
func (d *Demux) drain(pid uint16, buf []byte) [][]byte {
	var out [][]byte
	for len(buf) > 0 {
		if buf[0] == 0xFF {
			buf = nil
			break
		}
		sec, n, err := Decode(buf)
		if err != nil {
			break
		}
		out = append(out, append([]byte(nil), buf[:n]...))
		buf = buf[n:]
		_ = sec
	}
	d.buffers[pid] = buf
	return out
}

// Reset discards any in-flight buffer for pid, e.g. after a discontinuity.
func (d *Demux) Reset(pid uint16) {
	delete(d.buffers, pid)
}

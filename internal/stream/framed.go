package stream

const (
	frameHeaderSize = 8

	streamStdin  = 0
	streamStdout = 1
	streamStderr = 2
)

// FrameDemuxer demultiplexes the length-prefixed framing used in exec-style
// (no-TTY) container attach: each frame begins with an 8-byte header
// [stream:u8, _, _, _, payloadSize:u32be]. Incomplete frames are buffered
// until the next read, per spec.md §4.C7.
type FrameDemuxer struct {
	pending []byte
}

// Feed appends newly-read bytes and returns the payloads of any complete
// stdout/stderr frames found so far, in order. Stdin frames (which a
// container never emits outbound) are discarded; any bytes left over
// forming a partial frame are retained internally.
func (d *FrameDemuxer) Feed(chunk []byte) [][]byte {
	d.pending = append(d.pending, chunk...)

	var out [][]byte
	for {
		if len(d.pending) < frameHeaderSize {
			return out
		}
		streamType := d.pending[0]
		size := uint32(d.pending[4])<<24 | uint32(d.pending[5])<<16 | uint32(d.pending[6])<<8 | uint32(d.pending[7])
		total := frameHeaderSize + int(size)
		if len(d.pending) < total {
			return out
		}

		payload := d.pending[frameHeaderSize:total]
		if streamType == streamStdout || streamType == streamStderr {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			out = append(out, cp)
		}

		d.pending = d.pending[total:]
	}
}

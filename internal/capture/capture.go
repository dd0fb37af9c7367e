// Package capture writes ethernet frames as classic libpcap streams, the
// format read by tcpdump and wireshark. It is used as a debugging tap on
// the driver's send and delivery paths, so writes may come from multiple
// goroutines; the stream serializes internally.
package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// linkTypeEthernet is the DLT identifier for ethernet, per libpcap.
const linkTypeEthernet uint32 = 1

// DefaultSnapLen bounds how much of each frame is recorded.
const DefaultSnapLen = 65535

// Stream emits one libpcap-formatted capture. The 24-byte global header is
// written lazily before the first frame.
type Stream struct {
	mu            sync.Mutex
	w             io.Writer
	snapLen       uint32
	headerWritten bool
}

// NewStream wraps out. A snapLen of 0 selects DefaultSnapLen.
func NewStream(out io.Writer, snapLen uint32) *Stream {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	return &Stream{w: out, snapLen: snapLen}
}

func (s *Stream) writeHeaderLocked() error {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // minor version
	// Thiszone and sigfigs stay zero.
	binary.LittleEndian.PutUint32(hdr[16:20], s.snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkTypeEthernet)
	if _, err := s.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("capture: write file header: %w", err)
	}
	s.headerWritten = true
	return nil
}

// WriteFrame appends one frame record stamped with ts, truncating the
// recorded bytes to the stream's snap length. The original frame length is
// preserved in the record header.
func (s *Stream) WriteFrame(ts time.Time, frame []byte) error {
	if len(frame) > math.MaxUint32 {
		return fmt.Errorf("capture: frame length %d overflows record", len(frame))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.headerWritten {
		if err := s.writeHeaderLocked(); err != nil {
			return err
		}
	}

	capLen := uint32(len(frame))
	if capLen > s.snapLen {
		capLen = s.snapLen
	}

	var tsSec, tsUsec uint32
	if !ts.IsZero() {
		sec := ts.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("capture: timestamp %v out of range", ts)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ts.Nanosecond() / 1_000)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], capLen)
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	if _, err := s.w.Write(rec[:]); err != nil {
		return fmt.Errorf("capture: write record header: %w", err)
	}
	if capLen == 0 {
		return nil
	}
	if _, err := s.w.Write(frame[:capLen]); err != nil {
		return fmt.Errorf("capture: write frame data: %w", err)
	}
	return nil
}

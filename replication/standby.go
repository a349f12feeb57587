package replication

import (
	"encoding/binary"
	"fmt"
	"time"
)

// copyData frame type bytes (spec.md §4.4).
const (
	frameXLogData  = 'w'
	frameKeepalive = 'k'
	frameReply     = 'r'
)

// pgEpoch is the PostgreSQL replication protocol's timestamp origin: all
// acknowledge frames carry microseconds since this instant.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// xLogData is one decoded "w" frame: the WAL start LSN and the embedded
// pgoutput payload (spec.md §4.4).
type xLogData struct {
	lsn     uint64
	payload []byte
}

// decodeXLogData parses a copyData payload beginning with 'w': 8 bytes
// starting LSN (two big-endian 32-bit words), 8 bytes current-end LSN, 8
// bytes server send time, then the pgoutput message.
func decodeXLogData(frame []byte) (xLogData, error) {
	if len(frame) < 25 || frame[0] != frameXLogData {
		return xLogData{}, fmt.Errorf("replication: not an XLogData frame")
	}
	lsn := binary.BigEndian.Uint64(frame[1:9])
	return xLogData{lsn: lsn, payload: frame[25:]}, nil
}

// keepalive is one decoded "k" frame.
type keepalive struct {
	lsn            uint64
	replyRequested bool
}

// decodeKeepalive parses a copyData payload beginning with 'k': 8 bytes
// LSN, 8 bytes server time, 1 byte reply-requested flag (spec.md §4.4).
func decodeKeepalive(frame []byte) (keepalive, error) {
	if len(frame) < 18 || frame[0] != frameKeepalive {
		return keepalive{}, fmt.Errorf("replication: not a keepalive frame")
	}
	lsn := binary.BigEndian.Uint64(frame[1:9])
	return keepalive{lsn: lsn, replyRequested: frame[17] != 0}, nil
}

// nextLSN returns lsn+1, wrapping the lower word to zero and carrying into
// the upper word when the lower word is already 0xFFFFFFFF (spec.md §6.2:
// "lower-word wrap to zero and upper-word increment").
func nextLSN(lsn uint64) uint64 {
	upper := uint32(lsn >> 32)
	lower := uint32(lsn)
	if lower == 0xFFFFFFFF {
		return uint64(upper+1) << 32
	}
	return uint64(upper)<<32 | uint64(lower+1)
}

// encodeStandbyStatusUpdate builds the 34-byte bit-exact acknowledge frame
// of spec.md §6.2: type byte 'r', the next LSN repeated three times
// (flushed, written, applied), a microsecond timestamp since 2000-01-01,
// and a reply-requested byte of 0.
func encodeStandbyStatusUpdate(ackLSN uint64) []byte {
	buf := make([]byte, 34)
	buf[0] = frameReply

	binary.BigEndian.PutUint64(buf[1:9], ackLSN)
	binary.BigEndian.PutUint64(buf[9:17], ackLSN)
	binary.BigEndian.PutUint64(buf[17:25], ackLSN)

	micros := uint64(time.Since(pgEpoch).Microseconds())
	binary.BigEndian.PutUint64(buf[25:33], micros)

	buf[33] = 0
	return buf
}

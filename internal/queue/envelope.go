package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/therealutkarshpriyadarshi/walqueue/internal/pool"
)

// envelope is the minimal per-record encoding the queue layer imposes on an
// otherwise index-agnostic WAL record: [len(index_id):u16 LE][index_id][doc].
func encodeEnvelope(indexID string, doc []byte) []byte {
	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)

	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(indexID)))
	buf.Write(lenBuf[:])
	buf.WriteString(indexID)
	buf.Write(doc)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// decodeEnvelope splits a raw WAL payload back into its index id and
// document bytes. The returned doc aliases raw; callers that retain it past
// the next reader call must copy it.
func decodeEnvelope(raw []byte) (indexID string, doc []byte, err error) {
	if len(raw) < 2 {
		return "", nil, fmt.Errorf("queue: envelope too short (%d bytes)", len(raw))
	}
	idLen := int(binary.LittleEndian.Uint16(raw[:2]))
	if len(raw) < 2+idLen {
		return "", nil, fmt.Errorf("queue: envelope truncated index id (want %d bytes)", idLen)
	}
	return string(raw[2 : 2+idLen]), raw[2+idLen:], nil
}

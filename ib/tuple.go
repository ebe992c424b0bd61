package ib

import "encoding/binary"

// TupleLen is the fixed size of an encoded QueuePairTuple: LID (2), QPN (4),
// PSN (4), nonce (8), plus a reserved zero trailer. Every handshake datagram
// is exactly one encoded tuple.
const TupleLen = 20

// QueuePairTuple carries the three values needed to plumb one end of a
// reliable connection, plus a nonce that lets the client match a handshake
// reply to its request across retries.
type QueuePairTuple struct {
	LID   uint16
	QPN   uint32
	PSN   uint32
	Nonce uint64
}

// Encode writes the tuple in network byte order into a fresh slice.
func (t *QueuePairTuple) Encode() []byte {
	buf := make([]byte, TupleLen)
	binary.BigEndian.PutUint16(buf[0:2], t.LID)
	binary.BigEndian.PutUint32(buf[2:6], t.QPN)
	binary.BigEndian.PutUint32(buf[6:10], t.PSN)
	binary.BigEndian.PutUint64(buf[10:18], t.Nonce)
	return buf
}

// DecodeTuple parses a tuple from the front of buf. Datagrams shorter than
// TupleLen are rejected; anything beyond the reserved trailer is ignored.
func DecodeTuple(buf []byte) (QueuePairTuple, error) {
	if len(buf) < TupleLen {
		return QueuePairTuple{}, ErrShortTuple
	}
	return QueuePairTuple{
		LID:   binary.BigEndian.Uint16(buf[0:2]),
		QPN:   binary.BigEndian.Uint32(buf[2:6]),
		PSN:   binary.BigEndian.Uint32(buf[6:10]),
		Nonce: binary.BigEndian.Uint64(buf[10:18]),
	}, nil
}

// Package protocol implements the wire format of the measurement
// protocol. Every message starts with a fixed 12-byte big-endian
// header carrying the message type and the channel pair; the DATA and
// ACK bodies follow it.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the fixed header length in bytes
	HeaderSize = 12

	// DataMsgMinSize is the DATA body length without payload: seq + timestamp
	DataMsgMinSize = 12

	// AckMsgMinSize is the ACK body length without delay samples
	AckMsgMinSize = 12
)

// Message types.
const (
	// MsgInit is used for both INIT and INIT-ACK. An INIT carries
	// remote channel 0; an INIT-ACK echoes the initiator's channel.
	MsgInit uint32 = 1

	// MsgData carries one payload chunk with its send timestamp
	MsgData uint32 = 2

	// MsgAck acknowledges a contiguous run of chunks with delay samples
	MsgAck uint32 = 3
)

// Header is the fixed message header. RemoteChannel is the recipient's
// local channel id, LocalChannel the sender's.
type Header struct {
	Type          uint32
	RemoteChannel uint32
	LocalChannel  uint32
}

// Marshal serializes the header.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Type)
	binary.BigEndian.PutUint32(buf[4:8], h.RemoteChannel)
	binary.BigEndian.PutUint32(buf[8:12], h.LocalChannel)
	return buf
}

// Unmarshal deserializes a header from the start of data.
func (h *Header) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("datagram too small: need at least %d bytes, got %d", HeaderSize, len(data))
	}
	h.Type = binary.BigEndian.Uint32(data[0:4])
	h.RemoteChannel = binary.BigEndian.Uint32(data[4:8])
	h.LocalChannel = binary.BigEndian.Uint32(data[8:12])
	if h.Type != MsgInit && h.Type != MsgData && h.Type != MsgAck {
		return fmt.Errorf("unknown message type %d", h.Type)
	}
	return nil
}

// DataMsg is the body of a DATA message.
type DataMsg struct {
	Seq       uint32
	Timestamp uint64 // sender wall clock, microseconds
	Payload   []byte
}

// Marshal serializes the DATA body.
func (m *DataMsg) Marshal() []byte {
	buf := make([]byte, DataMsgMinSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.Seq)
	binary.BigEndian.PutUint64(buf[4:12], m.Timestamp)
	copy(buf[12:], m.Payload)
	return buf
}

// Unmarshal deserializes a DATA body (the datagram without its header).
func (m *DataMsg) Unmarshal(data []byte) error {
	if len(data) < DataMsgMinSize {
		return fmt.Errorf("DATA body too small: need at least %d bytes, got %d", DataMsgMinSize, len(data))
	}
	m.Seq = binary.BigEndian.Uint32(data[0:4])
	m.Timestamp = binary.BigEndian.Uint64(data[4:12])
	m.Payload = data[12:]
	return nil
}

// AckMsg is the body of an ACK message. It acknowledges the contiguous
// sequence run [From, To] and carries one-way delay samples in
// microseconds.
type AckMsg struct {
	From   uint32
	To     uint32
	Delays []uint64
}

// Marshal serializes the ACK body.
func (m *AckMsg) Marshal() []byte {
	buf := make([]byte, AckMsgMinSize+8*len(m.Delays))
	binary.BigEndian.PutUint32(buf[0:4], m.From)
	binary.BigEndian.PutUint32(buf[4:8], m.To)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(m.Delays)))
	for i, d := range m.Delays {
		binary.BigEndian.PutUint64(buf[12+8*i:20+8*i], d)
	}
	return buf
}

// Unmarshal deserializes an ACK body (the datagram without its header).
func (m *AckMsg) Unmarshal(data []byte) error {
	if len(data) < AckMsgMinSize {
		return fmt.Errorf("ACK body too small: need at least %d bytes, got %d", AckMsgMinSize, len(data))
	}
	m.From = binary.BigEndian.Uint32(data[0:4])
	m.To = binary.BigEndian.Uint32(data[4:8])
	n := binary.BigEndian.Uint32(data[8:12])
	if m.To < m.From {
		return fmt.Errorf("invalid ACK range: from %d > to %d", m.From, m.To)
	}
	if len(data) < AckMsgMinSize+8*int(n) {
		return fmt.Errorf("ACK body truncated: %d samples announced, %d bytes left", n, len(data)-AckMsgMinSize)
	}
	m.Delays = make([]uint64, n)
	for i := range m.Delays {
		m.Delays[i] = binary.BigEndian.Uint64(data[12+8*i : 20+8*i])
	}
	return nil
}

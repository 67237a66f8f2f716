package modbus

import "encoding/binary"

// Frame is the transport-agnostic result of framing: a unit id and a PDU,
// plus (TCP only) the MBAP transaction id used for correlation.
type Frame struct {
	TransactionID uint16 // meaningful on TCP only; zero on serial
	UnitID        byte
	PDU           []byte
}

const mbapHeaderLen = 7

// encodeMBAP builds a full MBAP frame: 7-byte header + PDU.
func encodeMBAP(txID uint16, unitID byte, pdu []byte) []byte {
	buf := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(buf[0:], txID)
	binary.BigEndian.PutUint16(buf[2:], 0) // protocol id
	binary.BigEndian.PutUint16(buf[4:], uint16(1+len(pdu)))
	buf[6] = unitID
	copy(buf[7:], pdu)
	return buf
}

// decodeMBAPHeader parses the 7-byte MBAP header and returns the PDU length
// (length field minus the unit-id byte it includes).
func decodeMBAPHeader(header []byte) (txID uint16, protocolID uint16, pduLen int, unitID byte, err error) {
	if len(header) != mbapHeaderLen {
		return 0, 0, 0, 0, &FrameError{Transport: "tcp", Reason: "short mbap header"}
	}
	txID = binary.BigEndian.Uint16(header[0:])
	protocolID = binary.BigEndian.Uint16(header[2:])
	length := binary.BigEndian.Uint16(header[4:])
	unitID = header[6]
	if protocolID != 0 {
		return 0, 0, 0, 0, &FrameError{Transport: "tcp", Reason: "nonzero protocol id"}
	}
	if length == 0 {
		return 0, 0, 0, 0, &FrameError{Transport: "tcp", Reason: "zero mbap length"}
	}
	pduLen = int(length) - 1
	if pduLen < 0 || pduLen > 253 {
		return 0, 0, 0, 0, &FrameError{Transport: "tcp", Reason: "implausible mbap length"}
	}
	return txID, protocolID, pduLen, unitID, nil
}

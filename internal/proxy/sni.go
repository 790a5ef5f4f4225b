package proxy

import (
	"encoding/binary"
	"errors"
)

// parseSNI extracts the server name from a TLS ClientHello record.
// Returns "" when the payload is not a ClientHello or carries no SNI.
func parseSNI(payload []byte) (string, error) {
	if len(payload) < 43 {
		return "", nil
	}

	// Record type 0x16 is handshake, handshake type 0x01 ClientHello.
	if payload[0] != 0x16 || payload[5] != 0x01 {
		return "", nil
	}

	cursor := 5 + 4 // record header + handshake header
	cursor += 34    // protocol version + random

	if cursor >= len(payload) {
		return "", nil
	}
	sessionIDLen := int(payload[cursor])
	cursor += 1 + sessionIDLen

	if cursor+1 >= len(payload) {
		return "", nil
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(payload[cursor : cursor+2]))
	cursor += 2 + cipherSuitesLen

	if cursor >= len(payload) {
		return "", nil
	}
	compMethodsLen := int(payload[cursor])
	cursor += 1 + compMethodsLen

	if cursor+1 >= len(payload) {
		return "", nil
	}
	extTotalLen := int(binary.BigEndian.Uint16(payload[cursor : cursor+2]))
	cursor += 2

	end := cursor + extTotalLen
	if end > len(payload) {
		return "", errors.New("truncated client hello")
	}

	for cursor < end {
		if cursor+4 > end {
			break
		}
		extType := binary.BigEndian.Uint16(payload[cursor : cursor+2])
		extLen := int(binary.BigEndian.Uint16(payload[cursor+2 : cursor+4]))
		cursor += 4

		if extType == 0 { // server_name
			if cursor+2 > end {
				break
			}
			sniCursor := cursor + 2
			if sniCursor+3 > end {
				break
			}
			nameType := payload[sniCursor]
			nameLen := int(binary.BigEndian.Uint16(payload[sniCursor+1 : sniCursor+3]))
			sniCursor += 3

			if nameType == 0 && sniCursor+nameLen <= end {
				return string(payload[sniCursor : sniCursor+nameLen]), nil
			}
		}
		cursor += extLen
	}

	return "", nil
}

package dimse

import (
	"encoding/binary"
	"fmt"
)

// DIMSE command fields.
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030

	dataSetAbsent  uint16 = 0x0101
	dataSetPresent uint16 = 0x0000

	// StatusSuccess is the all-good DIMSE status word.
	StatusSuccess uint16 = 0x0000
)

// Well-known UIDs.
const (
	VerificationSOPClass    = "1.2.840.10008.1.1"
	ImplicitVRLittleEndian  = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian  = "1.2.840.10008.1.2.1"
	SecondaryCaptureStorage = "1.2.840.10008.5.1.4.1.1.7"
)

// commandSet builds a DIMSE command dataset in implicit VR little endian,
// prefixed with its (0000,0000) group length.
type commandSet struct {
	body []byte
}

func (c *commandSet) addUID(element uint16, uid string) {
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00) // UIDs pad with NUL
	}
	c.addElement(element, value)
}

func (c *commandSet) addUShort(element uint16, v uint16) {
	value := make([]byte, 2)
	binary.LittleEndian.PutUint16(value, v)
	c.addElement(element, value)
}

func (c *commandSet) addElement(element uint16, value []byte) {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], 0x0000)
	binary.LittleEndian.PutUint16(header[2:4], element)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(value)))
	c.body = append(c.body, header...)
	c.body = append(c.body, value...)
}

// encode prefixes the accumulated elements with the group-length element.
func (c *commandSet) encode() []byte {
	out := make([]byte, 0, len(c.body)+12)
	header := make([]byte, 12)
	binary.LittleEndian.PutUint16(header[0:2], 0x0000)
	binary.LittleEndian.PutUint16(header[2:4], 0x0000)
	binary.LittleEndian.PutUint32(header[4:8], 4)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(c.body)))
	out = append(out, header...)
	return append(out, c.body...)
}

// parseCommandStatus walks an implicit-VR command dataset and extracts the
// (0000,0900) status word.
func parseCommandStatus(data []byte) (uint16, error) {
	pos := 0
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos : pos+2])
		element := binary.LittleEndian.Uint16(data[pos+2 : pos+4])
		length := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		pos += 8
		if pos+int(length) > len(data) {
			return 0, fmt.Errorf("truncated command element %04x,%04x", group, element)
		}
		if group == 0x0000 && element == 0x0900 {
			if length < 2 {
				return 0, fmt.Errorf("malformed status element")
			}
			return binary.LittleEndian.Uint16(data[pos : pos+2]), nil
		}
		pos += int(length)
	}
	return 0, fmt.Errorf("no status in command response")
}

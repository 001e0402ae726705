package dimse

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Association is one outbound DICOM association.
type Association struct {
	conn         net.Conn
	callingAET   string
	calledAET    string
	host         string
	port         int
	maxPDULength uint32
	timeout      time.Duration
	mu           sync.Mutex
	isConnected  bool
	lastUsed     time.Time
	msgID        uint16
}

// AssociationConfig holds configuration for DICOM associations.
type AssociationConfig struct {
	Host         string
	Port         int
	CallingAET   string
	CalledAET    string
	Timeout      time.Duration
	MaxPDULength uint32
}

// Presentation context ids requested at association time. Odd by protocol.
const (
	ctxVerification = byte(1)
	ctxStorage      = byte(3)
)

// NewAssociation creates a new DICOM association.
func NewAssociation(config AssociationConfig) *Association {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384
	}

	return &Association{
		callingAET:   config.CallingAET,
		calledAET:    config.CalledAET,
		host:         config.Host,
		port:         config.Port,
		maxPDULength: config.MaxPDULength,
		timeout:      config.Timeout,
	}
}

// Connect establishes the association: TCP, A-ASSOCIATE-RQ, A-ASSOCIATE-AC.
func (a *Association) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isConnected {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	dialer := &net.Dialer{Timeout: a.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}

	a.conn = conn
	a.isConnected = true
	a.lastUsed = time.Now()

	if err := a.writePDU(a.buildAssociateRequestPDU()); err != nil {
		a.closeLocked()
		return fmt.Errorf("failed to send associate request: %w", err)
	}

	pduType, _, err := a.readPDU()
	if err != nil {
		a.closeLocked()
		return fmt.Errorf("failed to receive associate response: %w", err)
	}
	if pduType == 0x03 { // A-ASSOCIATE-RJ
		a.closeLocked()
		return fmt.Errorf("association rejected by %s", a.calledAET)
	}
	if pduType != 0x02 { // A-ASSOCIATE-AC
		a.closeLocked()
		return fmt.Errorf("unexpected PDU type: 0x%02x", pduType)
	}

	return nil
}

// Close releases the association.
func (a *Association) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *Association) closeLocked() error {
	if !a.isConnected {
		return nil
	}

	// A-RELEASE-RQ; best effort, the peer may already be gone.
	release := []byte{
		0x05, 0x00,
		0x00, 0x00, 0x00, 0x04,
		0x00, 0x00, 0x00, 0x00,
	}
	a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	a.conn.Write(release)

	a.isConnected = false
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// Abort discards the association without the release handshake, used after
// protocol errors.
func (a *Association) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.isConnected = false
	if a.conn != nil {
		a.conn.Close()
	}
}

// IsConnected checks if the association is still active.
func (a *Association) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isConnected
}

// UpdateLastUsed updates the last used timestamp.
func (a *Association) UpdateLastUsed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastUsed = time.Now()
}

// GetLastUsed returns the last used timestamp.
func (a *Association) GetLastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

// writePDU sends one raw PDU.
func (a *Association) writePDU(pdu []byte) error {
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.timeout)); err != nil {
		return err
	}
	_, err := a.conn.Write(pdu)
	return err
}

// readPDU reads one PDU, returning its type and payload.
func (a *Association) readPDU() (byte, []byte, error) {
	if err := a.conn.SetReadDeadline(time.Now().Add(a.timeout)); err != nil {
		return 0, nil, err
	}

	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return 0, nil, fmt.Errorf("failed to read PDU header: %w", err)
	}

	length := uint32(header[2])<<24 | uint32(header[3])<<16 | uint32(header[4])<<8 | uint32(header[5])
	data := make([]byte, length)
	if _, err := io.ReadFull(a.conn, data); err != nil {
		return 0, nil, fmt.Errorf("failed to read PDU data: %w", err)
	}
	return header[0], data, nil
}

// sendMessage transmits a DIMSE message (command set plus optional data set)
// on the given presentation context, fragmenting into P-DATA-TF PDVs.
func (a *Association) sendMessage(ctxID byte, command, data []byte) error {
	if err := a.sendFragments(ctxID, command, true); err != nil {
		return err
	}
	if len(data) > 0 {
		return a.sendFragments(ctxID, data, false)
	}
	return nil
}

func (a *Association) sendFragments(ctxID byte, payload []byte, isCommand bool) error {
	// Leave room for the PDV header within the negotiated PDU length.
	maxChunk := int(a.maxPDULength) - 6
	if maxChunk <= 0 {
		maxChunk = 16384 - 6
	}

	for offset := 0; offset < len(payload); offset += maxChunk {
		end := offset + maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]

		control := byte(0x00)
		if isCommand {
			control |= 0x01
		}
		if end == len(payload) {
			control |= 0x02 // last fragment
		}

		pdvLen := uint32(len(chunk) + 2)
		pdu := make([]byte, 0, 6+4+2+len(chunk))
		pdu = append(pdu, 0x04, 0x00) // P-DATA-TF
		total := pdvLen + 4
		pdu = append(pdu, byte(total>>24), byte(total>>16), byte(total>>8), byte(total))
		pdu = append(pdu, byte(pdvLen>>24), byte(pdvLen>>16), byte(pdvLen>>8), byte(pdvLen))
		pdu = append(pdu, ctxID, control)
		pdu = append(pdu, chunk...)

		if err := a.writePDU(pdu); err != nil {
			return err
		}
	}
	return nil
}

// receiveCommand collects the command fragments of the next DIMSE response.
func (a *Association) receiveCommand() ([]byte, error) {
	var command []byte
	for {
		pduType, data, err := a.readPDU()
		if err != nil {
			return nil, err
		}
		if pduType == 0x07 { // A-ABORT
			return nil, fmt.Errorf("association aborted by peer")
		}
		if pduType != 0x04 {
			return nil, fmt.Errorf("unexpected PDU type: 0x%02x", pduType)
		}

		pos := 0
		for pos+6 <= len(data) {
			pdvLen := uint32(data[pos])<<24 | uint32(data[pos+1])<<16 | uint32(data[pos+2])<<8 | uint32(data[pos+3])
			if pos+4+int(pdvLen) > len(data) || pdvLen < 2 {
				return nil, fmt.Errorf("malformed PDV")
			}
			control := data[pos+5]
			fragment := data[pos+6 : pos+4+int(pdvLen)]
			if control&0x01 != 0 {
				command = append(command, fragment...)
				if control&0x02 != 0 {
					return command, nil
				}
			}
			pos += 4 + int(pdvLen)
		}
	}
}

// buildAssociateRequestPDU builds the A-ASSOCIATE-RQ PDU.
func (a *Association) buildAssociateRequestPDU() []byte {
	pdu := []byte{0x01, 0x00} // PDU type, reserved

	// Protocol version, reserved.
	pdu = append(pdu, 0x00, 0x01, 0x00, 0x00)

	pdu = append(pdu, padAET(a.calledAET)...)
	pdu = append(pdu, padAET(a.callingAET)...)
	pdu = append(pdu, make([]byte, 32)...)

	pdu = append(pdu, buildApplicationContext()...)
	pdu = append(pdu, buildPresentationContext(ctxVerification, VerificationSOPClass)...)
	pdu = append(pdu, buildPresentationContext(ctxStorage, SecondaryCaptureStorage)...)
	pdu = append(pdu, a.buildUserInformation()...)

	length := uint32(len(pdu) - 6)
	pdu[2] = byte(length >> 24)
	pdu[3] = byte(length >> 16)
	pdu[4] = byte(length >> 8)
	pdu[5] = byte(length)
	return pdu
}

func buildApplicationContext() []byte {
	uid := "1.2.840.10008.3.1.1.1"
	item := []byte{0x10, 0x00}
	item = append(item, byte(len(uid)>>8), byte(len(uid)))
	return append(item, []byte(uid)...)
}

func buildPresentationContext(id byte, abstractSyntax string) []byte {
	item := []byte{0x20, 0x00}
	lengthPos := len(item)
	item = append(item, 0x00, 0x00)

	item = append(item, id, 0x00, 0x00, 0x00)

	sub := []byte{0x30, 0x00}
	sub = append(sub, byte(len(abstractSyntax)>>8), byte(len(abstractSyntax)))
	sub = append(sub, []byte(abstractSyntax)...)
	item = append(item, sub...)

	for _, ts := range []string{ImplicitVRLittleEndian, ExplicitVRLittleEndian} {
		sub := []byte{0x40, 0x00}
		sub = append(sub, byte(len(ts)>>8), byte(len(ts)))
		sub = append(sub, []byte(ts)...)
		item = append(item, sub...)
	}

	length := uint16(len(item) - 4)
	item[lengthPos] = byte(length >> 8)
	item[lengthPos+1] = byte(length)
	return item
}

func (a *Association) buildUserInformation() []byte {
	item := []byte{0x50, 0x00}
	lengthPos := len(item)
	item = append(item, 0x00, 0x00)

	maxLength := []byte{0x51, 0x00, 0x00, 0x04}
	maxLength = append(maxLength,
		byte(a.maxPDULength>>24),
		byte(a.maxPDULength>>16),
		byte(a.maxPDULength>>8),
		byte(a.maxPDULength),
	)
	item = append(item, maxLength...)

	implClassUID := "1.2.826.0.1.3680043.9.7433.2.1"
	implClass := []byte{0x52, 0x00}
	implClass = append(implClass, byte(len(implClassUID)>>8), byte(len(implClassUID)))
	implClass = append(implClass, []byte(implClassUID)...)
	item = append(item, implClass...)

	implVersion := "DICOM_ARCHIVE_V1"
	implVer := []byte{0x55, 0x00}
	implVer = append(implVer, byte(len(implVersion)>>8), byte(len(implVersion)))
	implVer = append(implVer, []byte(implVersion)...)
	item = append(item, implVer...)

	length := uint16(len(item) - 4)
	item[lengthPos] = byte(length >> 8)
	item[lengthPos+1] = byte(length)
	return item
}

// nextMessageID hands out DIMSE message ids for this association.
func (a *Association) nextMessageID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgID++
	return a.msgID
}

// padAET pads an AE Title to 16 bytes with spaces.
func padAET(aet string) []byte {
	result := make([]byte, 16)
	copy(result, []byte(aet))
	for i := len(aet); i < 16; i++ {
		result[i] = ' '
	}
	return result
}

package dimse

import (
	"context"
	"fmt"
)

// CStore transmits one DICOM instance to the peer. dataset is the
// serialized instance without the file preamble adjustments; sopClassUID and
// sopInstanceUID come from its file meta.
func (a *Association) CStore(ctx context.Context, sopClassUID, sopInstanceUID string, dataset []byte) error {
	if !a.IsConnected() {
		if err := a.Connect(ctx); err != nil {
			return err
		}
	}

	a.UpdateLastUsed()

	if sopClassUID == "" {
		sopClassUID = SecondaryCaptureStorage
	}

	cmd := &commandSet{}
	cmd.addUID(0x0002, sopClassUID)
	cmd.addUShort(0x0100, CommandCStoreRQ)
	cmd.addUShort(0x0110, a.nextMessageID())
	cmd.addUShort(0x0700, 0x0000) // medium priority
	cmd.addUShort(0x0800, dataSetPresent)
	cmd.addUID(0x1000, sopInstanceUID)

	if err := a.sendMessage(ctxStorage, cmd.encode(), dataset); err != nil {
		return fmt.Errorf("failed to send C-STORE request: %w", err)
	}

	response, err := a.receiveCommand()
	if err != nil {
		return fmt.Errorf("failed to receive C-STORE response: %w", err)
	}

	status, err := parseCommandStatus(response)
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		return fmt.Errorf("C-STORE failed with status: 0x%04x", status)
	}
	return nil
}

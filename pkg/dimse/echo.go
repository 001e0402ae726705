package dimse

import (
	"context"
	"fmt"
)

// CEcho performs a C-ECHO operation (DICOM ping).
func (a *Association) CEcho(ctx context.Context) error {
	if !a.IsConnected() {
		if err := a.Connect(ctx); err != nil {
			return err
		}
	}

	a.UpdateLastUsed()

	cmd := &commandSet{}
	cmd.addUID(0x0002, VerificationSOPClass)
	cmd.addUShort(0x0100, CommandCEchoRQ)
	cmd.addUShort(0x0110, 1)
	cmd.addUShort(0x0800, dataSetAbsent)

	if err := a.sendMessage(ctxVerification, cmd.encode(), nil); err != nil {
		return fmt.Errorf("failed to send C-ECHO request: %w", err)
	}

	response, err := a.receiveCommand()
	if err != nil {
		return fmt.Errorf("failed to receive C-ECHO response: %w", err)
	}

	status, err := parseCommandStatus(response)
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		return fmt.Errorf("C-ECHO failed with status: 0x%04x", status)
	}
	return nil
}

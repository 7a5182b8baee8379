// Package fsm implements the volume provisioning finite state machine workflow.
// It orchestrates formatting, unlocking, crypttab registration and header
// backup of a LUKS volume using the superfly/fsm library.
package fsm

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/superfly/fsm"

	"github.com/fly-io/cryptvol/pkg/db"
	"github.com/fly-io/cryptvol/pkg/errors"
	"github.com/fly-io/cryptvol/pkg/luks"
)

// Register registers the provisioning FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ProvisionRequest, ProvisionResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ProvisionRequest, ProvisionResponse](manager, "volume-provision").
		Start(StateCheckDB, m.handleCheckDB).
		To(StateEncrypt, m.handleEncrypt).
		To(StateUnlock, m.handleUnlock).
		To(StateCrypttab, m.handleCrypttab).
		To(StateBackupHeader, m.handleBackupHeader).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// CheckCryptsetupHealth reports whether volumes can be driven on this host.
// Returns "ok" when healthy, "not_available" off Linux, or an error
// description otherwise.
func CheckCryptsetupHealth(binary string) string {
	if runtime.GOOS != "linux" {
		return "not_available"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return err.Error()
	}
	return "ok"
}

// Track records fn as one operation of kind against device. The stored
// error message is a summary and never includes a process transcript.
func Track(ctx context.Context, repo *db.Repository, device, kind string, fn func() error) error {
	if repo == nil {
		return fn()
	}

	id, err := repo.StartOperation(ctx, device, kind)
	if err != nil {
		slog.Warn("operation_record_failed", "device", device, "kind", kind, "error", err)
		return fn()
	}

	opErr := fn()

	code, message := OperationOutcome(opErr)
	if err := repo.FinishOperation(context.WithoutCancel(ctx), id, code, message); err != nil {
		slog.Warn("operation_finish_failed", "operation_id", id, "error", err)
	}
	return opErr
}

// OperationOutcome reduces err to an exit code and a transcript-free message.
func OperationOutcome(err error) (int, string) {
	if err == nil {
		return luks.ExitSuccess, ""
	}
	var diskErr *luks.DiskError
	if stderrors.As(err, &diskErr) {
		return diskErr.ExitCode, diskErr.Summary()
	}
	return -1, err.Error()
}

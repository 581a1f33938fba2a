package services

import (
	"fmt"

	"github.com/gamerg21/converter/models"
)

// validateTerminal checks that upd is a write the executor may perform:
// FINISHED with an output file, or FAILED with a message.
func validateTerminal(upd models.TerminalUpdate) error {
	switch upd.Status {
	case models.StatusFinished:
		if upd.OutputFileID == "" {
			return fmt.Errorf("%w: FINISHED requires an output file", models.ErrInvalidRequest)
		}
		if upd.ErrorMessage != "" {
			return fmt.Errorf("%w: FINISHED cannot carry an error message", models.ErrInvalidRequest)
		}
	case models.StatusFailed:
		if upd.ErrorMessage == "" {
			return fmt.Errorf("%w: FAILED requires an error message", models.ErrInvalidRequest)
		}
		if upd.OutputFileID != "" {
			return fmt.Errorf("%w: FAILED cannot carry an output file", models.ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: %q is not a terminal status for the executor", models.ErrInvalidTransition, upd.Status)
	}
	return nil
}

// terminalOutcome decides the result of a guarded terminal write that matched
// no active row.
func terminalOutcome(id string, current, want models.JobStatus) error {
	if current == want {
		return nil
	}
	if current.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s, refusing %s", models.ErrTerminalConflict, id, current, want)
	}
	return fmt.Errorf("%w: job %s is %s", models.ErrInvalidTransition, id, current)
}

func clampProgress(p int) int {
	return max(0, min(p, models.DoneProgress))
}

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/0x0shephard/t4-bot/internal/ledger"
	"github.com/0x0shephard/t4-bot/internal/logging"
)

// Auditor is the part of ledger.Service the audit task needs
type Auditor interface {
	AuditRecent(ctx context.Context, lookback time.Duration) ([]*ledger.AuditReport, error)
}

// AuditTask re-checks the advisory invariants of recently recorded snapshots
type AuditTask struct {
	auditor  Auditor
	lookback time.Duration
	logger   *logging.Logger
}

// NewAuditTask creates the audit handler
func NewAuditTask(auditor Auditor, lookback time.Duration, logger *logging.Logger) *AuditTask {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &AuditTask{
		auditor:  auditor,
		lookback: lookback,
		logger:   logger.WithField("task", string(TaskTypeInvariantAudit)),
	}
}

// Handle runs one audit pass. Findings are logged by the ledger, the task only fails on read errors.
func (t *AuditTask) Handle(ctx context.Context) error {
	reports, err := t.auditor.AuditRecent(ledger.WithRole(ctx, ledger.RoleService), t.lookback)
	if err != nil {
		return fmt.Errorf("audit recent snapshots: %w", err)
	}

	violations := 0
	for _, r := range reports {
		if !r.OK() {
			violations++
		}
	}

	t.logger.WithFields(logrus.Fields{
		"snapshots":  len(reports),
		"violations": violations,
		"lookback":   t.lookback.String(),
	}).Info("Invariant audit finished")
	return nil
}

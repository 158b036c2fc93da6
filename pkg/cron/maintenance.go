package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/steward/pkg/attachments"
)

// Job names registered by RegisterMaintenance.
const (
	JobApprovalSweep     = "approval_sweep"
	JobAttachmentCleanup = "attachment_cleanup"
)

// ApprovalSweeper closes pending approvals whose window has passed.
type ApprovalSweeper interface {
	ExpireApprovals(ctx context.Context) (int, error)
}

// AttachmentCleaner removes attachments older than a retention window.
type AttachmentCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (attachments.CleanupReport, error)
}

// MaintenanceConfig selects which jobs run and when. An empty schedule or a
// nil dependency disables the job.
type MaintenanceConfig struct {
	ApprovalSweep     string
	AttachmentCleanup string
	TZ                string
	Retention         time.Duration

	Approvals   ApprovalSweeper
	Attachments AttachmentCleaner
}

// RegisterMaintenance registers the approval sweep and attachment cleanup.
func RegisterMaintenance(s *Service, cfg MaintenanceConfig) error {
	if cfg.ApprovalSweep != "" && cfg.Approvals != nil {
		err := s.Register(JobApprovalSweep, "Close pending approvals past their expiry",
			Schedule{Expr: cfg.ApprovalSweep, TZ: cfg.TZ},
			func(ctx context.Context) (string, error) {
				n, err := cfg.Approvals.ExpireApprovals(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("expired %d approvals", n), nil
			})
		if err != nil {
			return err
		}
	}

	if cfg.AttachmentCleanup != "" && cfg.Attachments != nil {
		if cfg.Retention <= 0 {
			return fmt.Errorf("attachment cleanup requires a positive retention")
		}
		err := s.Register(JobAttachmentCleanup, "Delete attachments past retention",
			Schedule{Expr: cfg.AttachmentCleanup, TZ: cfg.TZ},
			func(ctx context.Context) (string, error) {
				report, err := cfg.Attachments.Cleanup(ctx, cfg.Retention)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("removed %d attachments, %d blobs", report.Attachments, report.Blobs), nil
			})
		if err != nil {
			return err
		}
	}
	return nil
}

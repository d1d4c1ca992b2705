package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/errcode"
	"aicareer/internal/policy"
	"aicareer/internal/tasks"
)

// RunDispatcher 投递分析任务。
type RunDispatcher interface {
	EnqueueAnalysis(ctx context.Context, p tasks.AnalysisPayload, opts ...asynq.Option) (string, error)
}

// RunService 管理 JD 与简历版本的匹配分析。
type RunService struct {
	guard
	db         *gorm.DB
	dispatcher RunDispatcher
}

func NewRunService(db *gorm.DB, dispatcher RunDispatcher, audit *AuditService, logger *slog.Logger) *RunService {
	return &RunService{guard: newGuard(audit, logger), db: db, dispatcher: dispatcher}
}

func runOwner(r *database.Run) string { return r.UserID }

// Create 校验 JD 与简历版本都属于调用者后创建 queued 状态的运行并投递分析任务。
func (s *RunService) Create(ctx context.Context, userID, jdID, resumeVersionID string) (*database.Run, error) {
	jdID = strings.TrimSpace(jdID)
	resumeVersionID = strings.TrimSpace(resumeVersionID)
	if jdID == "" || resumeVersionID == "" {
		return nil, errcode.Validation("jdId and resumeVersionId are required")
	}

	if _, err := loadOwned(ctx, s.db, userID, jdID, "job description", jobOwner); err != nil {
		return nil, s.fail(ctx, userID, "create_run", err)
	}
	if err := s.assertVersionOwner(ctx, userID, resumeVersionID); err != nil {
		return nil, s.fail(ctx, userID, "create_run", err)
	}

	run := database.Run{
		UserID:          userID,
		JDID:            jdID,
		ResumeVersionID: resumeVersionID,
		Status:          database.RunStatusQueued,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, s.fail(ctx, userID, "create_run", err)
	}
	run.Outputs = []database.RunOutput{}

	if _, err := s.dispatcher.EnqueueAnalysis(ctx, tasks.AnalysisPayload{
		RunID:           run.ID,
		UserID:          userID,
		JDID:            jdID,
		ResumeVersionID: resumeVersionID,
	}); err != nil {
		// 运行保持 queued，对账任务会补投。
		return nil, s.fail(ctx, userID, "create_run", err)
	}

	s.audit.Record(ctx, userID, RunCreated{RunID: run.ID, JDID: jdID, ResumeVersionID: resumeVersionID})
	return &run, nil
}

func (s *RunService) assertVersionOwner(ctx context.Context, userID, versionID string) error {
	var version database.ResumeVersion
	err := s.db.WithContext(ctx).Where("id = ?", versionID).First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errcode.NotFound("resume version")
	}
	if err != nil {
		return err
	}
	var resume database.Resume
	err = s.db.WithContext(ctx).Select("id", "user_id").Where("id = ?", version.ResumeID).First(&resume).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errcode.NotFound("resume version")
	}
	if err != nil {
		return err
	}
	return policy.AssertOwnership(userID, resume.UserID)
}

// List 返回用户的运行记录及产物。
func (s *RunService) List(ctx context.Context, userID string) ([]database.Run, error) {
	runs := make([]database.Run, 0)
	if err := s.db.WithContext(ctx).Preload("Outputs").Where("user_id = ?", userID).Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, s.fail(ctx, userID, "list_runs", err)
	}
	return runs, nil
}

func (s *RunService) Get(ctx context.Context, userID, runID string) (*database.Run, error) {
	run, err := loadOwned(ctx, s.db, userID, runID, "run", runOwner, "Outputs")
	if err != nil {
		return nil, s.fail(ctx, userID, "get_run", err)
	}
	return run, nil
}

// Delete 删除运行及其产物。
func (s *RunService) Delete(ctx context.Context, userID, runID string) error {
	run, err := loadOwned(ctx, s.db, userID, runID, "run", runOwner)
	if err != nil {
		return s.fail(ctx, userID, "delete_run", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", run.ID).Delete(&database.RunOutput{}).Error; err != nil {
			return fmt.Errorf("delete run outputs: %w", err)
		}
		if err := tx.Delete(&database.Run{}, "id = ?", run.ID).Error; err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		return nil
	})
	if err != nil {
		return s.fail(ctx, userID, "delete_run", err)
	}

	s.audit.Record(ctx, userID, RunDeleted{RunID: run.ID})
	return nil
}

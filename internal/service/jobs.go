package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/errcode"
)

// JobService 管理岗位描述（JD）。
type JobService struct {
	guard
	db *gorm.DB
}

func NewJobService(db *gorm.DB, audit *AuditService, logger *slog.Logger) *JobService {
	return &JobService{guard: newGuard(audit, logger), db: db}
}

func jobOwner(j *database.JobDescription) string { return j.UserID }

// JobInput 中 Description 为内联的 JD 正文，会直接作为 parsedJson。
type JobInput struct {
	Title       string
	Company     string
	DocumentID  *string
	Description string
}

// Create 创建 JD；引用的文档必须属于调用者，已解析时带出正文。
func (s *JobService) Create(ctx context.Context, userID string, in JobInput) (*database.JobDescription, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, errcode.Validation("title is required")
	}

	job := database.JobDescription{
		UserID:     userID,
		Title:      in.Title,
		Company:    strings.TrimSpace(in.Company),
		ParsedJSON: datatypes.JSON("{}"),
	}
	if in.DocumentID != nil && *in.DocumentID != "" {
		doc, err := loadOwned(ctx, s.db, userID, *in.DocumentID, "document", documentOwner)
		if err != nil {
			return nil, s.fail(ctx, userID, "create_job", err)
		}
		job.SourceDocumentID = &doc.ID
		if doc.ParsedText != "" {
			job.ParsedJSON = database.NewParsedJSON(doc.ParsedText, "document")
		}
	}
	if desc := strings.TrimSpace(in.Description); desc != "" {
		job.ParsedJSON = database.NewParsedJSON(desc, "inline")
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, s.fail(ctx, userID, "create_job", err)
	}

	s.audit.Record(ctx, userID, jobEvent("job_created", job.ID, job.Title))
	return &job, nil
}

// List 返回用户的 JD。
func (s *JobService) List(ctx context.Context, userID string) ([]database.JobDescription, error) {
	jobs := make([]database.JobDescription, 0)
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, s.fail(ctx, userID, "list_jobs", err)
	}
	return jobs, nil
}

func (s *JobService) Get(ctx context.Context, userID, jobID string) (*database.JobDescription, error) {
	job, err := loadOwned(ctx, s.db, userID, jobID, "job description", jobOwner)
	if err != nil {
		return nil, s.fail(ctx, userID, "get_job", err)
	}
	return job, nil
}

// JobPatch 中为 nil 的字段保持不变。
type JobPatch struct {
	Title       *string
	Company     *string
	DocumentID  *string
	Description *string
}

// Update 按补丁修改 JD。
func (s *JobService) Update(ctx context.Context, userID, jobID string, patch JobPatch) (*database.JobDescription, error) {
	job, err := loadOwned(ctx, s.db, userID, jobID, "job description", jobOwner)
	if err != nil {
		return nil, s.fail(ctx, userID, "update_job", err)
	}

	updates := map[string]any{}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, errcode.Validation("title must not be empty")
		}
		updates["title"] = title
	}
	if patch.Company != nil {
		updates["company"] = strings.TrimSpace(*patch.Company)
	}
	if patch.DocumentID != nil && *patch.DocumentID != "" {
		doc, err := loadOwned(ctx, s.db, userID, *patch.DocumentID, "document", documentOwner)
		if err != nil {
			return nil, s.fail(ctx, userID, "update_job", err)
		}
		updates["source_document_id"] = doc.ID
		if doc.ParsedText != "" {
			updates["parsed_json"] = database.NewParsedJSON(doc.ParsedText, "document")
		}
	}
	if patch.Description != nil && strings.TrimSpace(*patch.Description) != "" {
		updates["parsed_json"] = database.NewParsedJSON(strings.TrimSpace(*patch.Description), "inline")
	}
	if len(updates) == 0 {
		return job, nil
	}

	if err := s.db.WithContext(ctx).Model(&database.JobDescription{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		return nil, s.fail(ctx, userID, "update_job", err)
	}
	updated, err := loadOwned(ctx, s.db, userID, job.ID, "job description", jobOwner)
	if err != nil {
		return nil, s.fail(ctx, userID, "update_job", err)
	}

	s.audit.Record(ctx, userID, jobEvent("job_updated", updated.ID, updated.Title))
	return updated, nil
}

// Delete 删除 JD 及引用它的分析记录。
func (s *JobService) Delete(ctx context.Context, userID, jobID string) error {
	job, err := loadOwned(ctx, s.db, userID, jobID, "job description", jobOwner)
	if err != nil {
		return s.fail(ctx, userID, "delete_job", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		runIDs := tx.Model(&database.Run{}).Select("id").Where("jd_id = ?", job.ID)
		if err := tx.Where("run_id IN (?)", runIDs).Delete(&database.RunOutput{}).Error; err != nil {
			return fmt.Errorf("delete run outputs: %w", err)
		}
		if err := tx.Where("jd_id = ?", job.ID).Delete(&database.Run{}).Error; err != nil {
			return fmt.Errorf("delete runs: %w", err)
		}
		if err := tx.Delete(&database.JobDescription{}, "id = ?", job.ID).Error; err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return nil
	})
	if err != nil {
		return s.fail(ctx, userID, "delete_job", err)
	}

	s.audit.Record(ctx, userID, jobEvent("job_deleted", job.ID, job.Title))
	return nil
}

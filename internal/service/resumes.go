package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/errcode"
	"aicareer/internal/policy"
)

// 版本标签冲突时的最大重试次数。
const maxLabelAttempts = 5

// ResumeService 管理简历及其版本。
type ResumeService struct {
	guard
	db *gorm.DB
}

func NewResumeService(db *gorm.DB, audit *AuditService, logger *slog.Logger) *ResumeService {
	return &ResumeService{guard: newGuard(audit, logger), db: db}
}

func resumeOwner(r *database.Resume) string { return r.UserID }

func versionsNewestFirst(db *gorm.DB) *gorm.DB { return db.Order("created_at DESC") }

// Create 创建简历，documentId 若给出必须属于调用者。
func (s *ResumeService) Create(ctx context.Context, userID, title string, documentID *string) (*database.Resume, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errcode.Validation("title is required")
	}
	if documentID != nil && *documentID != "" {
		if _, err := loadOwned(ctx, s.db, userID, *documentID, "document", documentOwner); err != nil {
			return nil, s.fail(ctx, userID, "create_resume", err)
		}
	} else {
		documentID = nil
	}

	resume := database.Resume{UserID: userID, Title: title, SourceDocumentID: documentID}
	if err := s.db.WithContext(ctx).Create(&resume).Error; err != nil {
		return nil, s.fail(ctx, userID, "create_resume", err)
	}
	resume.Versions = []database.ResumeVersion{}

	s.audit.Record(ctx, userID, resumeEvent("resume_created", resume.ID, resume.Title))
	return &resume, nil
}

// List 返回用户的简历，版本按创建时间倒序。
func (s *ResumeService) List(ctx context.Context, userID string) ([]database.Resume, error) {
	resumes := make([]database.Resume, 0)
	err := s.db.WithContext(ctx).
		Preload("Versions", versionsNewestFirst).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&resumes).Error
	if err != nil {
		return nil, s.fail(ctx, userID, "list_resumes", err)
	}
	return resumes, nil
}

// Get 读取简历及全部版本。
func (s *ResumeService) Get(ctx context.Context, userID, resumeID string) (*database.Resume, error) {
	resume, err := s.load(ctx, userID, resumeID)
	if err != nil {
		return nil, s.fail(ctx, userID, "get_resume", err)
	}
	return resume, nil
}

func (s *ResumeService) load(ctx context.Context, userID, resumeID string) (*database.Resume, error) {
	var resume database.Resume
	err := s.db.WithContext(ctx).Preload("Versions", versionsNewestFirst).
		Where("id = ?", resumeID).First(&resume).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errcode.NotFound("resume")
	}
	if err != nil {
		return nil, err
	}
	if err := policy.AssertOwnership(userID, resume.UserID); err != nil {
		return nil, err
	}
	return &resume, nil
}

// Update 目前仅支持修改标题。
func (s *ResumeService) Update(ctx context.Context, userID, resumeID, title string) (*database.Resume, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errcode.Validation("title is required")
	}
	resume, err := s.load(ctx, userID, resumeID)
	if err != nil {
		return nil, s.fail(ctx, userID, "update_resume", err)
	}
	if err := s.db.WithContext(ctx).Model(&database.Resume{}).Where("id = ?", resume.ID).Update("title", title).Error; err != nil {
		return nil, s.fail(ctx, userID, "update_resume", err)
	}
	resume.Title = title

	s.audit.Record(ctx, userID, resumeEvent("resume_updated", resume.ID, resume.Title))
	return resume, nil
}

// Delete 删除简历、版本以及基于这些版本的分析记录。
func (s *ResumeService) Delete(ctx context.Context, userID, resumeID string) error {
	resume, err := loadOwned(ctx, s.db, userID, resumeID, "resume", resumeOwner)
	if err != nil {
		return s.fail(ctx, userID, "delete_resume", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		versionIDs := tx.Model(&database.ResumeVersion{}).Select("id").Where("resume_id = ?", resume.ID)
		runIDs := tx.Model(&database.Run{}).Select("id").Where("resume_version_id IN (?)", versionIDs)
		if err := tx.Where("run_id IN (?)", runIDs).Delete(&database.RunOutput{}).Error; err != nil {
			return fmt.Errorf("delete run outputs: %w", err)
		}
		if err := tx.Where("resume_version_id IN (?)", versionIDs).Delete(&database.Run{}).Error; err != nil {
			return fmt.Errorf("delete runs: %w", err)
		}
		if err := tx.Where("resume_id = ?", resume.ID).Delete(&database.ResumeVersion{}).Error; err != nil {
			return fmt.Errorf("delete resume versions: %w", err)
		}
		if err := tx.Delete(&database.Resume{}, "id = ?", resume.ID).Error; err != nil {
			return fmt.Errorf("delete resume: %w", err)
		}
		return nil
	})
	if err != nil {
		return s.fail(ctx, userID, "delete_resume", err)
	}

	s.audit.Record(ctx, userID, resumeEvent("resume_deleted", resume.ID, resume.Title))
	return nil
}

// VersionInput 二选一：上传的文档或某次分析生成的定制简历。
type VersionInput struct {
	DocumentID *string
	FromRunID  *string
}

// CreateVersion 生成下一个 vN 标签，(resume_id, label) 冲突时重新计数后重试。
func (s *ResumeService) CreateVersion(ctx context.Context, userID, resumeID string, in VersionInput) (*database.ResumeVersion, error) {
	if in.DocumentID != nil && *in.DocumentID != "" && in.FromRunID != nil && *in.FromRunID != "" {
		return nil, errcode.Validation("documentId and fromRunId are mutually exclusive")
	}
	resume, err := loadOwned(ctx, s.db, userID, resumeID, "resume", resumeOwner)
	if err != nil {
		return nil, s.fail(ctx, userID, "create_resume_version", err)
	}

	version := database.ResumeVersion{ResumeID: resume.ID}
	switch {
	case in.DocumentID != nil && *in.DocumentID != "":
		doc, err := loadOwned(ctx, s.db, userID, *in.DocumentID, "document", documentOwner)
		if err != nil {
			return nil, s.fail(ctx, userID, "create_resume_version", err)
		}
		version.DocumentID = &doc.ID
		if doc.ParsedText != "" {
			version.ParsedJSON = database.NewParsedJSON(doc.ParsedText, "document")
		}
	case in.FromRunID != nil && *in.FromRunID != "":
		parsed, err := s.tailoredOutput(ctx, userID, *in.FromRunID)
		if err != nil {
			return nil, s.fail(ctx, userID, "create_resume_version", err)
		}
		version.ParsedJSON = parsed
	}
	if len(version.ParsedJSON) == 0 {
		version.ParsedJSON = datatypes.JSON("{}")
	}

	if err := s.insertVersion(ctx, &version); err != nil {
		return nil, s.fail(ctx, userID, "create_resume_version", err)
	}

	s.audit.Record(ctx, userID, ResumeVersionCreated{ResumeID: resume.ID, VersionID: version.ID, Label: version.Label})
	return &version, nil
}

func (s *ResumeService) tailoredOutput(ctx context.Context, userID, runID string) (datatypes.JSON, error) {
	run, err := loadOwned(ctx, s.db, userID, runID, "run", runOwner)
	if err != nil {
		return nil, err
	}
	var out database.RunOutput
	err = s.db.WithContext(ctx).
		Where("run_id = ? AND type = ?", run.ID, database.OutputTailoredResume).
		Order("created_at DESC").
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errcode.NotFound("tailored resume output")
	}
	if err != nil {
		return nil, err
	}
	return out.JSON, nil
}

func (s *ResumeService) insertVersion(ctx context.Context, version *database.ResumeVersion) error {
	var lastErr error
	for attempt := 0; attempt < maxLabelAttempts; attempt++ {
		lastErr = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&database.ResumeVersion{}).Where("resume_id = ?", version.ResumeID).Count(&count).Error; err != nil {
				return fmt.Errorf("count versions: %w", err)
			}
			version.ID = ""
			version.Label = fmt.Sprintf("v%d", count+1)
			return tx.Create(version).Error
		})
		if lastErr == nil {
			return nil
		}
		if !database.IsDuplicateKey(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("allocate version label after %d attempts: %w", maxLabelAttempts, lastErr)
}

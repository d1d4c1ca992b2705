package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"aicareer/internal/auth"
	"aicareer/internal/database"
	"aicareer/internal/errcode"
	"aicareer/internal/policy"
	"aicareer/internal/storage"
)

// UserService 管理账号资料。除创建外所有操作只允许作用于本人。
type UserService struct {
	guard
	db         *gorm.DB
	storage    storage.Provider
	dispatcher cleanupEnqueuer
}

func NewUserService(db *gorm.DB, store storage.Provider, dispatcher cleanupEnqueuer, audit *AuditService, logger *slog.Logger) *UserService {
	return &UserService{guard: newGuard(audit, logger), db: db, storage: store, dispatcher: dispatcher}
}

func userOwner(u *database.User) string { return u.ID }

// Get 读取本人资料。
func (s *UserService) Get(ctx context.Context, requesterID, userID string) (*database.User, error) {
	if err := policy.AssertOwnership(requesterID, userID); err != nil {
		return nil, err
	}
	user, err := loadOwned(ctx, s.db, requesterID, userID, "user", userOwner)
	if err != nil {
		return nil, s.fail(ctx, requesterID, "get_user", err)
	}
	return user, nil
}

// CreateUserInput 由管理员提交，Password 为空时账号无法用密码登录。
type CreateUserInput struct {
	Email    string
	Name     string
	Role     string
	Password string
}

// Create 创建账号，路由层已限制为管理员。
func (s *UserService) Create(ctx context.Context, actorID string, in CreateUserInput) (*database.User, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return nil, errcode.Validation("email is required")
	}
	role := in.Role
	if role == "" {
		role = database.RoleUser
	}
	if role != database.RoleUser && role != database.RoleAdmin {
		return nil, errcode.Validation("role must be user or admin")
	}

	user := database.User{Email: email, Name: strings.TrimSpace(in.Name), Role: role}
	if in.Password != "" {
		hash, err := auth.HashPassword(in.Password)
		if err != nil {
			return nil, s.fail(ctx, actorID, "create_user", err)
		}
		user.PasswordHash = hash
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return nil, errcode.AlreadyExists("user")
		}
		return nil, s.fail(ctx, actorID, "create_user", err)
	}

	s.audit.Record(ctx, actorID, userEvent("user_created", user.ID))
	return &user, nil
}

// Update 修改本人显示名。
func (s *UserService) Update(ctx context.Context, requesterID, userID string, name *string) (*database.User, error) {
	user, err := loadOwned(ctx, s.db, requesterID, userID, "user", userOwner)
	if err != nil {
		return nil, s.fail(ctx, requesterID, "update_user", err)
	}
	if name == nil {
		return user, nil
	}
	trimmed := strings.TrimSpace(*name)
	if err := s.db.WithContext(ctx).Model(&database.User{}).Where("id = ?", user.ID).Update("name", trimmed).Error; err != nil {
		return nil, s.fail(ctx, requesterID, "update_user", err)
	}
	user.Name = trimmed

	s.audit.Record(ctx, requesterID, userEvent("user_updated", user.ID))
	return user, nil
}

// Delete 注销本人账号：在一个事务中删除全部业务数据，之后尽力清理对象存储。
// 审计日志保留。
func (s *UserService) Delete(ctx context.Context, requesterID, userID string) error {
	user, err := loadOwned(ctx, s.db, requesterID, userID, "user", userOwner)
	if err != nil {
		return s.fail(ctx, requesterID, "delete_user", err)
	}

	var keys []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&database.Document{}).Where("user_id = ?", user.ID).Pluck("storage_key", &keys).Error; err != nil {
			return fmt.Errorf("collect storage keys: %w", err)
		}
		return purgeUser(tx, user.ID)
	})
	if err != nil {
		return s.fail(ctx, requesterID, "delete_user", err)
	}

	for _, key := range keys {
		removeObject(ctx, s.storage, s.dispatcher, s.logger, key, "user deleted")
	}
	s.audit.Record(ctx, requesterID, userEvent("user_deleted", user.ID))
	return nil
}

func purgeUser(tx *gorm.DB, userID string) error {
	runIDs := tx.Model(&database.Run{}).Select("id").Where("user_id = ?", userID)
	resumeIDs := tx.Model(&database.Resume{}).Select("id").Where("user_id = ?", userID)
	steps := []struct {
		name  string
		query *gorm.DB
		model any
	}{
		{"run outputs", tx.Where("run_id IN (?)", runIDs), &database.RunOutput{}},
		{"runs", tx.Where("user_id = ?", userID), &database.Run{}},
		{"resume versions", tx.Where("resume_id IN (?)", resumeIDs), &database.ResumeVersion{}},
		{"resumes", tx.Where("user_id = ?", userID), &database.Resume{}},
		{"job descriptions", tx.Where("user_id = ?", userID), &database.JobDescription{}},
		{"chunks", tx.Where("user_id = ?", userID), &database.Chunk{}},
		{"documents", tx.Where("user_id = ?", userID), &database.Document{}},
		{"refresh tokens", tx.Where("user_id = ?", userID), &database.RefreshToken{}},
		{"user", tx.Where("id = ?", userID), &database.User{}},
	}
	for _, step := range steps {
		if err := step.query.Delete(step.model).Error; err != nil {
			return fmt.Errorf("delete %s: %w", step.name, err)
		}
	}
	return nil
}

// FindByEmail 供登录与管理命令使用。
func (s *UserService) FindByEmail(ctx context.Context, email string) (*database.User, error) {
	var user database.User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errcode.NotFound("user")
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

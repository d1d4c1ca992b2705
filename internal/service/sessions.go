package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"aicareer/internal/auth"
	"aicareer/internal/database"
	"aicareer/internal/errcode"
)

// TokenPair 是登录、注册与刷新的返回体。
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// SessionService 负责注册、登录以及刷新令牌的轮换与吊销。
type SessionService struct {
	guard
	db     *gorm.DB
	tokens *auth.AuthService
	now    func() time.Time
}

func NewSessionService(db *gorm.DB, tokens *auth.AuthService, audit *AuditService, logger *slog.Logger) *SessionService {
	return &SessionService{guard: newGuard(audit, logger), db: db, tokens: tokens, now: time.Now}
}

// Register 创建普通用户并直接签发令牌。
func (s *SessionService) Register(ctx context.Context, email, password, name string) (*database.User, *TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, nil, errcode.Validation("a valid email is required")
	}
	if len(password) < 8 {
		return nil, nil, errcode.Validation("password must be at least 8 characters")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, nil, s.fail(ctx, "", "register", err)
	}
	user := database.User{Email: email, Name: strings.TrimSpace(name), PasswordHash: hash, Role: database.RoleUser}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return nil, nil, errcode.AlreadyExists("user")
		}
		return nil, nil, s.fail(ctx, "", "register", err)
	}

	pair, err := s.issue(ctx, s.db, &user)
	if err != nil {
		return nil, nil, s.fail(ctx, user.ID, "register", err)
	}
	s.audit.Record(ctx, user.ID, UserRegistered{Email: user.Email})
	return &user, pair, nil
}

// Login 校验邮箱与密码。用户不存在与密码错误返回同一错误。
func (s *SessionService) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	var user database.User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errcode.New(errcode.InvalidCredentials, "invalid email or password")
	}
	if err != nil {
		return nil, s.fail(ctx, "", "login", err)
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, errcode.New(errcode.InvalidCredentials, "invalid email or password")
	}

	pair, err := s.issue(ctx, s.db, &user)
	if err != nil {
		return nil, s.fail(ctx, user.ID, "login", err)
	}
	s.audit.Record(ctx, user.ID, UserLogin{Email: user.Email})
	return pair, nil
}

// Refresh 轮换刷新令牌：旧令牌被删除后才签发新令牌，同一令牌只能使用一次。
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	invalid := errcode.New(errcode.InvalidToken, "invalid refresh token")
	if strings.TrimSpace(refreshToken) == "" {
		return nil, invalid
	}

	var stored database.RefreshToken
	err := s.db.WithContext(ctx).Where("token_hash = ?", auth.HashRefreshToken(refreshToken)).First(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalid
	}
	if err != nil {
		return nil, s.fail(ctx, "", "refresh_token", err)
	}
	if !stored.ExpiresAt.After(s.now()) {
		if err := s.db.WithContext(ctx).Delete(&database.RefreshToken{}, "id = ?", stored.ID).Error; err != nil {
			s.logger.WarnContext(ctx, "delete expired refresh token failed",
				slog.String("user_id", stored.UserID),
				slog.Any("error", err),
			)
		}
		return nil, errcode.New(errcode.TokenExpired, "refresh token expired")
	}

	var pair *TokenPair
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&database.RefreshToken{}, "id = ?", stored.ID)
		if res.Error != nil {
			return fmt.Errorf("revoke refresh token: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			// 并发刷新已消费该令牌。
			return invalid
		}
		var user database.User
		if err := tx.Where("id = ?", stored.UserID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return invalid
			}
			return fmt.Errorf("load user: %w", err)
		}
		issued, err := s.issue(ctx, tx, &user)
		if err != nil {
			return err
		}
		pair = issued
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, stored.UserID, "refresh_token", err)
	}

	s.audit.Record(ctx, stored.UserID, TokenRefreshed{})
	return pair, nil
}

// Logout 吊销刷新令牌，令牌不存在时同样视为成功。
func (s *SessionService) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return errcode.Validation("refreshToken is required")
	}
	var stored database.RefreshToken
	err := s.db.WithContext(ctx).Where("token_hash = ?", auth.HashRefreshToken(refreshToken)).First(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return s.fail(ctx, "", "logout", err)
	}
	if err := s.db.WithContext(ctx).Delete(&database.RefreshToken{}, "id = ?", stored.ID).Error; err != nil {
		return s.fail(ctx, stored.UserID, "logout", err)
	}
	s.audit.Record(ctx, stored.UserID, UserLogout{})
	return nil
}

func (s *SessionService) issue(ctx context.Context, db *gorm.DB, user *database.User) (*TokenPair, error) {
	access, _, err := s.tokens.GenerateAccessToken(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	refresh, hash, expiresAt, err := s.tokens.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	record := database.RefreshToken{UserID: user.ID, TokenHash: hash, ExpiresAt: expiresAt}
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.tokens.AccessTokenTTL().Seconds()),
		TokenType:    "Bearer",
	}, nil
}

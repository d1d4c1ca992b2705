package database

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 角色取值。
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// 文档类型与状态机取值：pending → scanning → approved | rejected。
const (
	DocumentTypeResume = "resume"
	DocumentTypeJD     = "jd"
	DocumentTypeExport = "export"

	DocumentStatusPending  = "pending"
	DocumentStatusScanning = "scanning"
	DocumentStatusApproved = "approved"
	DocumentStatusRejected = "rejected"
)

// 分析运行状态：queued → processing → done | failed。
const (
	RunStatusQueued     = "queued"
	RunStatusProcessing = "processing"
	RunStatusDone       = "done"
	RunStatusFailed     = "failed"
)

// RunOutput 类型。
const (
	OutputTailoredResume = "tailored_resume"
	OutputSkills         = "skills"
	OutputQA             = "qa"
	OutputScorecard      = "scorecard"
)

// User 表示系统中的账号信息。PasswordHash 为空表示仅邮箱登录的账号。
type User struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Email        string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
	PasswordHash string    `gorm:"size:255" json:"-"`
	Name         string    `gorm:"size:255" json:"name"`
	Role         string    `gorm:"size:16;not null;default:user" json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RefreshToken 只保存令牌的 SHA-256 摘要。
type RefreshToken struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"index;size:36;not null"`
	TokenHash string    `gorm:"uniqueIndex;size:64;not null"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// Document 表示用户上传到对象存储的文件。(user_id, sha256) 唯一。
type Document struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	UserID     string         `gorm:"size:36;not null;uniqueIndex:idx_documents_user_sha" json:"userId"`
	Type       string         `gorm:"size:16;not null" json:"type"`
	StorageKey string         `gorm:"size:512;not null" json:"storageKey"`
	Mime       string         `gorm:"size:128;not null" json:"mime"`
	SHA256     string         `gorm:"column:sha256;size:64;not null;uniqueIndex:idx_documents_user_sha" json:"sha256"`
	SizeBytes  int64          `gorm:"not null" json:"sizeBytes"`
	Filename   string         `gorm:"size:255" json:"filename"`
	Status     string         `gorm:"size:16;not null;index" json:"status"`
	ScanResult datatypes.JSON `gorm:"type:jsonb" json:"scanResult,omitempty"`
	ParsedText string         `gorm:"type:text" json:"-"`
	ParsedAt   *time.Time     `json:"parsedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Chunk 是文档切片及其向量。
type Chunk struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	DocumentID string         `gorm:"size:36;not null;uniqueIndex:idx_chunks_doc_index" json:"documentId"`
	UserID     string         `gorm:"size:36;not null;index" json:"userId"`
	Kind       string         `gorm:"size:16;not null" json:"kind"`
	Index      int            `gorm:"column:chunk_index;not null;uniqueIndex:idx_chunks_doc_index" json:"index"`
	Content    string         `gorm:"type:text" json:"content"`
	Embedding  datatypes.JSON `gorm:"type:jsonb" json:"-"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Resume 归属于用户，包含多个版本。
type Resume struct {
	ID               string          `gorm:"primaryKey;size:36" json:"id"`
	UserID           string          `gorm:"size:36;not null;index" json:"userId"`
	Title            string          `gorm:"size:255;not null" json:"title"`
	SourceDocumentID *string         `gorm:"size:36" json:"sourceDocumentId,omitempty"`
	Versions         []ResumeVersion `gorm:"constraint:OnDelete:CASCADE" json:"versions,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// ResumeVersion 的 label 形如 v1、v2，(resume_id, label) 唯一。
type ResumeVersion struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	ResumeID   string         `gorm:"size:36;not null;uniqueIndex:idx_resume_versions_label" json:"resumeId"`
	Label      string         `gorm:"size:16;not null;uniqueIndex:idx_resume_versions_label" json:"label"`
	DocumentID *string        `gorm:"size:36;index" json:"documentId,omitempty"`
	ParsedJSON datatypes.JSON `gorm:"column:parsed_json;type:jsonb" json:"parsedJson,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// JobDescription 表示目标岗位描述。
type JobDescription struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	UserID           string         `gorm:"size:36;not null;index" json:"userId"`
	Title            string         `gorm:"size:255;not null" json:"title"`
	Company          string         `gorm:"size:255" json:"company"`
	SourceDocumentID *string        `gorm:"size:36;index" json:"sourceDocumentId,omitempty"`
	ParsedJSON       datatypes.JSON `gorm:"column:parsed_json;type:jsonb" json:"parsedJson,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Run 是一次 JD 与简历版本的匹配分析。
type Run struct {
	ID              string      `gorm:"primaryKey;size:36" json:"id"`
	UserID          string      `gorm:"size:36;not null;index" json:"userId"`
	JDID            string      `gorm:"column:jd_id;size:36;not null" json:"jdId"`
	ResumeVersionID string      `gorm:"size:36;not null" json:"resumeVersionId"`
	Status          string      `gorm:"size:16;not null;index" json:"status"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	FinishedAt      *time.Time  `json:"finishedAt,omitempty"`
	Outputs         []RunOutput `gorm:"constraint:OnDelete:CASCADE" json:"outputs,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// RunOutput 保存分析产物。
type RunOutput struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	RunID      string         `gorm:"size:36;not null;index" json:"runId"`
	Type       string         `gorm:"size:32;not null" json:"type"`
	JSON       datatypes.JSON `gorm:"column:json;type:jsonb" json:"json"`
	StorageKey *string        `gorm:"size:512" json:"storageKey,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// AuditLog 只追加，不更新不删除。
type AuditLog struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	UserID    string         `gorm:"size:36;index" json:"userId"`
	Action    string         `gorm:"size:64;not null;index" json:"action"`
	Meta      datatypes.JSON `gorm:"type:jsonb" json:"meta"`
	CreatedAt time.Time      `gorm:"index" json:"createdAt"`
}

func assignID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (m *User) BeforeCreate(*gorm.DB) error           { assignID(&m.ID); return nil }
func (m *RefreshToken) BeforeCreate(*gorm.DB) error   { assignID(&m.ID); return nil }
func (m *Document) BeforeCreate(*gorm.DB) error       { assignID(&m.ID); return nil }
func (m *Chunk) BeforeCreate(*gorm.DB) error          { assignID(&m.ID); return nil }
func (m *Resume) BeforeCreate(*gorm.DB) error         { assignID(&m.ID); return nil }
func (m *ResumeVersion) BeforeCreate(*gorm.DB) error  { assignID(&m.ID); return nil }
func (m *JobDescription) BeforeCreate(*gorm.DB) error { assignID(&m.ID); return nil }
func (m *Run) BeforeCreate(*gorm.DB) error            { assignID(&m.ID); return nil }
func (m *RunOutput) BeforeCreate(*gorm.DB) error      { assignID(&m.ID); return nil }
func (m *AuditLog) BeforeCreate(*gorm.DB) error       { assignID(&m.ID); return nil }

// Models 返回需要自动迁移的全部模型。
func Models() []any {
	return []any{
		&User{},
		&RefreshToken{},
		&Document{},
		&Chunk{},
		&Resume{},
		&ResumeVersion{},
		&JobDescription{},
		&Run{},
		&RunOutput{},
		&AuditLog{},
	}
}

// ParsedContent 是 parsedJson 的统一结构。
type ParsedContent struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// NewParsedJSON 将解析文本包装为 parsedJson。
func NewParsedJSON(text, source string) datatypes.JSON {
	data, _ := json.Marshal(ParsedContent{Text: text, Source: source})
	return datatypes.JSON(data)
}

// ParsedText 从 parsedJson 中取出文本，无法解析时返回空串。
func ParsedText(raw datatypes.JSON) string {
	if len(raw) == 0 {
		return ""
	}
	var c ParsedContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return ""
	}
	return c.Text
}

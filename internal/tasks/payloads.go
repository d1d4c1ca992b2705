package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypeAVScan         = "avscan:scan"
	TypeParse          = "ingest:parse"
	TypeEmbed          = "ingest:embed"
	TypeScore          = "analysis:score"
	TypeStorageCleanup = "storage:cleanup"
	TypeReconcile      = "maintenance:reconcile"
)

// 队列名称。
const (
	QueueAVScan      = "security.avscan"
	QueueParse       = "ingest.parse"
	QueueEmbed       = "ingest.embed"
	QueueScore       = "analysis.score"
	QueueMaintenance = "maintenance"
)

// QueuePriorities 是 asynq 服务端的队列权重：安全扫描优先于内容处理。
var QueuePriorities = map[string]int{
	QueueAVScan:      20,
	QueueParse:       10,
	QueueEmbed:       5,
	QueueScore:       1,
	QueueMaintenance: 1,
}

// Queues 返回全部队列名，顺序按优先级从高到低。
func Queues() []string {
	return []string{QueueAVScan, QueueParse, QueueEmbed, QueueScore, QueueMaintenance}
}

// ErrInvalidPayload 表示载荷缺少必填字段，重试没有意义。
var ErrInvalidPayload = errors.New("invalid task payload")

func requireFields(kind string, fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s missing %s", ErrInvalidPayload, kind, strings.Join(missing, ", "))
	}
	return nil
}

// AVScanPayload 描述一次上传文件扫描。
type AVScanPayload struct {
	DocumentID string `json:"documentId"`
	StorageKey string `json:"storageKey"`
	UserID     string `json:"userId"`
	Filename   string `json:"filename,omitempty"`
}

func (p AVScanPayload) Validate() error {
	return requireFields("avscan", map[string]string{"documentId": p.DocumentID, "storageKey": p.StorageKey, "userId": p.UserID})
}

// ParsePayload 描述一次文档解析。
type ParsePayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	FilePath   string `json:"filePath"`
	MimeType   string `json:"mimeType"`
}

func (p ParsePayload) Validate() error {
	return requireFields("parse", map[string]string{"documentId": p.DocumentID, "userId": p.UserID, "filePath": p.FilePath, "mimeType": p.MimeType})
}

// EmbedPayload 携带解析后的文本与切片。
type EmbedPayload struct {
	DocumentID string   `json:"documentId"`
	UserID     string   `json:"userId"`
	Content    string   `json:"content"`
	Chunks     []string `json:"chunks"`
}

func (p EmbedPayload) Validate() error {
	if err := requireFields("embed", map[string]string{"documentId": p.DocumentID, "userId": p.UserID}); err != nil {
		return err
	}
	if len(p.Chunks) == 0 && strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: embed has neither content nor chunks", ErrInvalidPayload)
	}
	return nil
}

// AnalysisPayload 描述一次 JD 与简历版本的匹配打分。
type AnalysisPayload struct {
	RunID           string `json:"runId"`
	UserID          string `json:"userId"`
	JDID            string `json:"jdId"`
	ResumeVersionID string `json:"resumeVersionId"`
}

func (p AnalysisPayload) Validate() error {
	return requireFields("analysis", map[string]string{"runId": p.RunID, "userId": p.UserID, "jdId": p.JDID, "resumeVersionId": p.ResumeVersionID})
}

// StorageCleanupPayload 用于重试删除记录后未能清理的对象。
type StorageCleanupPayload struct {
	StorageKey string `json:"storageKey"`
	Reason     string `json:"reason,omitempty"`
}

func (p StorageCleanupPayload) Validate() error {
	return requireFields("storage cleanup", map[string]string{"storageKey": p.StorageKey})
}

// NewTask 校验并序列化载荷。
func NewTask(taskType string, payload interface{ Validate() error }) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return asynq.NewTask(taskType, data), nil
}

// NewReconcileTask 构造对账任务，无载荷。
func NewReconcileTask() *asynq.Task {
	return asynq.NewTask(TypeReconcile, nil)
}

// Decode 反序列化并校验载荷，失败时应跳过重试。
func Decode[T interface{ Validate() error }](task *asynq.Task) (T, error) {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, task.Type(), err)
	}
	if err := payload.Validate(); err != nil {
		return payload, err
	}
	return payload, nil
}

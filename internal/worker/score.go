package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/errcode"
	"aicareer/internal/metrics"
	"aicareer/internal/notify"
	"aicareer/internal/policy"
	"aicareer/internal/providers"
	"aicareer/internal/tasks"
)

// DefaultMaxInputBytes 是发给 LLM 的序列化输入上限。
const DefaultMaxInputBytes = 100 * 1024

// 关键词输出的最大条数。
const maxKeywords = 30

// 只接受回复首个非空行上的分数，正文里引用的简历内容不参与解析。
var scorePattern = regexp.MustCompile(`(?i)^[\s*#>-]*(?:overall\s+)?score\s*[:=]\s*(\d{1,3}(?:\.\d+)?)\b`)

// ScoreHandler 消费 analysis:score，生成 scorecard 与 skills 产物。
type ScoreHandler struct {
	db            *gorm.DB
	llm           providers.LLMProvider
	embedder      providers.EmbeddingProvider
	notifier      notify.Publisher
	logger        *slog.Logger
	maxInputBytes int
	now           func() time.Time
}

func NewScoreHandler(db *gorm.DB, llm providers.LLMProvider, embedder providers.EmbeddingProvider, notifier notify.Publisher, logger *slog.Logger) *ScoreHandler {
	return &ScoreHandler{
		db:            db,
		llm:           llm,
		embedder:      embedder,
		notifier:      notifier,
		logger:        logger,
		maxInputBytes: DefaultMaxInputBytes,
		now:           time.Now,
	}
}

// Scorecard 是 scorecard 产物的 JSON 结构。
type Scorecard struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
	Model    string  `json:"model"`
	Source   string  `json:"source"`
}

// SkillsReport 是 skills 产物的 JSON 结构。
type SkillsReport struct {
	Matched []string `json:"matched"`
	Missing []string `json:"missing"`
}

type scoreInput struct {
	JobDescription string `json:"jobDescription"`
	Resume         string `json:"resume"`
}

func (h *ScoreHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := taskLogger(ctx, h.logger, t)
	payload, err := decode[tasks.AnalysisPayload](t)
	if err != nil {
		log.Error("decode analysis payload failed", slog.Any("error", err), slog.String("payload", redactPayload(t.Payload())))
		return err
	}
	log = log.With(
		slog.String("run_id", payload.RunID),
		slog.String("user_id", payload.UserID),
		slog.String("jd_id", payload.JDID),
		slog.String("resume_version_id", payload.ResumeVersionID),
	)

	return runJob(ctx, log, func() error {
		return h.score(ctx, log, payload)
	})
}

func (h *ScoreHandler) score(ctx context.Context, log *slog.Logger, payload tasks.AnalysisPayload) (retErr error) {
	var run database.Run
	if err := h.db.WithContext(ctx).Where("id = ?", payload.RunID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return permanent(fmt.Errorf("run %s not found", payload.RunID))
		}
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status == database.RunStatusDone {
		log.Info("run already done, skipping")
		return nil
	}

	started := h.now()
	if err := h.db.WithContext(ctx).Model(&database.Run{}).Where("id = ?", run.ID).Updates(map[string]any{
		"status":     database.RunStatusProcessing,
		"started_at": started,
	}).Error; err != nil {
		return fmt.Errorf("mark run processing: %w", err)
	}
	publish(ctx, log, h.notifier, notify.Event{Kind: notify.KindRun, ID: run.ID, UserID: run.UserID, Status: database.RunStatusProcessing})

	defer func() {
		if retErr == nil {
			return
		}
		if err := h.db.WithContext(context.WithoutCancel(ctx)).Model(&database.Run{}).Where("id = ?", run.ID).Updates(map[string]any{
			"status":      database.RunStatusFailed,
			"finished_at": h.now(),
		}).Error; err != nil {
			log.Error("mark run failed failed", slog.Any("error", err))
		}
		if shouldReport(ctx, retErr) {
			publish(ctx, log, h.notifier, notify.Event{
				Kind:   notify.KindRun,
				ID:     run.ID,
				UserID: run.UserID,
				Status: database.RunStatusFailed,
				Error:  string(errcode.CodeOf(retErr)),
			})
		}
	}()

	input, err := h.loadInput(ctx, &run)
	if err != nil {
		return err
	}
	prompt, err := h.buildPrompt(input)
	if err != nil {
		return err
	}

	feedback, err := h.llm.Complete(ctx, prompt, providers.CompleteOptions{Temperature: 0.2, MaxTokens: 800})
	if err != nil {
		return fmt.Errorf("llm complete: %w", err)
	}

	card := Scorecard{Feedback: feedback, Model: h.llm.Model(), Source: "llm"}
	if score, ok := ParseScore(feedback); ok {
		card.Score = score
	} else {
		score, err := h.similarityScore(ctx, input)
		if err != nil {
			return err
		}
		card.Score = score
		card.Source = "embedding"
	}
	skills := CompareKeywords(input.JobDescription, input.Resume)

	if err := h.persist(ctx, run.ID, card, skills); err != nil {
		return err
	}
	metrics.ObserveRunScore(card.Source, card.Score)
	log.Info("run scored", slog.Float64("score", card.Score), slog.String("source", card.Source))
	publish(ctx, log, h.notifier, notify.Event{Kind: notify.KindRun, ID: run.ID, UserID: run.UserID, Status: database.RunStatusDone})
	return nil
}

func (h *ScoreHandler) loadInput(ctx context.Context, run *database.Run) (scoreInput, error) {
	var jd database.JobDescription
	if err := h.db.WithContext(ctx).Where("id = ?", run.JDID).First(&jd).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return scoreInput{}, permanent(errcode.NotFound("job description"))
		}
		return scoreInput{}, fmt.Errorf("load job description: %w", err)
	}
	var version database.ResumeVersion
	if err := h.db.WithContext(ctx).Where("id = ?", run.ResumeVersionID).First(&version).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return scoreInput{}, permanent(errcode.NotFound("resume version"))
		}
		return scoreInput{}, fmt.Errorf("load resume version: %w", err)
	}
	var resume database.Resume
	if err := h.db.WithContext(ctx).Select("id", "user_id").Where("id = ?", version.ResumeID).First(&resume).Error; err != nil {
		return scoreInput{}, permanent(fmt.Errorf("load resume: %w", err))
	}
	if err := policy.AssertOwnership(run.UserID, jd.UserID); err != nil {
		return scoreInput{}, permanent(err)
	}
	if err := policy.AssertOwnership(run.UserID, resume.UserID); err != nil {
		return scoreInput{}, permanent(err)
	}

	in := scoreInput{
		JobDescription: database.ParsedText(jd.ParsedJSON),
		Resume:         database.ParsedText(version.ParsedJSON),
	}
	if strings.TrimSpace(in.JobDescription) == "" || strings.TrimSpace(in.Resume) == "" {
		return scoreInput{}, permanent(errcode.New(errcode.MissingParse, "job description or resume version has no parsed content").
			WithDetails(map[string]any{"jdParsed": in.JobDescription != "", "resumeParsed": in.Resume != ""}))
	}
	return in, nil
}

func (h *ScoreHandler) buildPrompt(in scoreInput) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal score input: %w", err)
	}
	if len(raw) > h.maxInputBytes {
		return "", permanent(errcode.New(errcode.InputTooLarge, "analysis input too large").
			WithDetails(map[string]any{"bytes": len(raw), "maxBytes": h.maxInputBytes}))
	}
	return "You are a recruiter. Compare the resume with the job description below. " +
		"Reply with a line 'score: NN' (0-100) followed by short feedback.\n" + string(raw), nil
}

func (h *ScoreHandler) similarityScore(ctx context.Context, in scoreInput) (float64, error) {
	vectors, err := h.embedder.Embed(ctx, []string{in.JobDescription, in.Resume})
	if err != nil {
		return 0, fmt.Errorf("embed for similarity: %w", err)
	}
	if len(vectors) != 2 {
		return 0, fmt.Errorf("embedding count mismatch: got %d want 2", len(vectors))
	}
	return clampScore(providers.CosineSimilarity(vectors[0], vectors[1]) * 100), nil
}

func (h *ScoreHandler) persist(ctx context.Context, runID string, card Scorecard, skills SkillsReport) error {
	cardJSON, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal scorecard: %w", err)
	}
	skillsJSON, err := json.Marshal(skills)
	if err != nil {
		return fmt.Errorf("marshal skills: %w", err)
	}
	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 重试时先清理上一次的产物。
		if err := tx.Where("run_id = ? AND type IN ?", runID, []string{database.OutputScorecard, database.OutputSkills}).
			Delete(&database.RunOutput{}).Error; err != nil {
			return fmt.Errorf("delete previous outputs: %w", err)
		}
		outputs := []database.RunOutput{
			{RunID: runID, Type: database.OutputScorecard, JSON: datatypes.JSON(cardJSON)},
			{RunID: runID, Type: database.OutputSkills, JSON: datatypes.JSON(skillsJSON)},
		}
		if err := tx.Create(&outputs).Error; err != nil {
			return fmt.Errorf("create run outputs: %w", err)
		}
		if err := tx.Model(&database.Run{}).Where("id = ?", runID).Updates(map[string]any{
			"status":      database.RunStatusDone,
			"finished_at": h.now(),
		}).Error; err != nil {
			return fmt.Errorf("mark run done: %w", err)
		}
		return nil
	})
}

// ParseScore 从 LLM 输出的首行读取 "score: NN"。
func ParseScore(text string) (float64, bool) {
	m := scorePattern.FindStringSubmatch(firstLine(text))
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v < 0 || v > 100 {
		return 0, false
	}
	return v, true
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return math.Round(v*10) / 10
}

var stopwords = map[string]struct{}{
	"and": {}, "the": {}, "for": {}, "with": {}, "you": {}, "our": {}, "are": {}, "will": {},
	"have": {}, "this": {}, "that": {}, "from": {}, "your": {}, "who": {}, "can": {}, "all": {},
	"not": {}, "but": {}, "has": {}, "was": {}, "were": {}, "they": {}, "their": {}, "about": {},
	"into": {}, "more": {}, "years": {}, "experience": {}, "work": {}, "team": {}, "ability": {},
}

func keywords(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '#' || r == '.')
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".")
		if len(w) < 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// CompareKeywords 按 JD 关键词是否出现在简历中分为匹配与缺失两组。
func CompareKeywords(jd, resume string) SkillsReport {
	want := keywords(jd)
	have := keywords(resume)
	report := SkillsReport{Matched: []string{}, Missing: []string{}}
	for w := range want {
		if _, ok := have[w]; ok {
			report.Matched = append(report.Matched, w)
		} else {
			report.Missing = append(report.Missing, w)
		}
	}
	sort.Strings(report.Matched)
	sort.Strings(report.Missing)
	if len(report.Matched) > maxKeywords {
		report.Matched = report.Matched[:maxKeywords]
	}
	if len(report.Missing) > maxKeywords {
		report.Missing = report.Missing[:maxKeywords]
	}
	return report
}

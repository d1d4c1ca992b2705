package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/database/dbtest"
	"aicareer/internal/errcode"
	"aicareer/internal/notify"
	"aicareer/internal/providers"
	"aicareer/internal/scanner"
	"aicareer/internal/storage"
	"aicareer/internal/tasks"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	scans    []tasks.AVScanPayload
	parses   []tasks.ParsePayload
	embeds   []tasks.EmbedPayload
	analyses []tasks.AnalysisPayload
}

func (f *fakeDispatcher) EnqueueAVScan(_ context.Context, p tasks.AVScanPayload, _ ...asynq.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, p)
	return "avscan:" + p.DocumentID, nil
}

func (f *fakeDispatcher) EnqueueParse(_ context.Context, p tasks.ParsePayload, _ ...asynq.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parses = append(f.parses, p)
	return "parse", nil
}

func (f *fakeDispatcher) EnqueueEmbed(_ context.Context, p tasks.EmbedPayload, _ ...asynq.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds = append(f.embeds, p)
	return "embed", nil
}

func (f *fakeDispatcher) EnqueueAnalysis(_ context.Context, p tasks.AnalysisPayload, _ ...asynq.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses = append(f.analyses, p)
	return "analysis:" + p.RunID, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Status)
	}
	return out
}

type failingScanner struct{ err error }

func (f failingScanner) Scan(context.Context, scanner.Target) (scanner.Verdict, error) {
	if f.err != nil {
		return scanner.Verdict{}, f.err
	}
	return scanner.Verdict{}, errors.New("clamd unreachable")
}

type fixedLLM struct{ reply string }

func (f fixedLLM) Complete(context.Context, string, providers.CompleteOptions) (string, error) {
	return f.reply, nil
}

func (fixedLLM) Model() string { return "fixed" }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func mustTask(t *testing.T, taskType string, payload interface{ Validate() error }) *asynq.Task {
	t.Helper()
	task, err := tasks.NewTask(taskType, payload)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func seedDoc(t *testing.T, db *gorm.DB, userID, filename, status string) database.Document {
	t.Helper()
	doc := database.Document{
		UserID:    userID,
		Type:      database.DocumentTypeResume,
		Mime:      "text/plain",
		SHA256:    filename,
		SizeBytes: 10,
		Filename:  filename,
		Status:    status,
	}
	doc.ID = filename + "-id"
	doc.StorageKey = storage.DocumentKey(userID, doc.ID)
	if err := db.Create(&doc).Error; err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return doc
}

func reload(t *testing.T, db *gorm.DB, id string) database.Document {
	t.Helper()
	var doc database.Document
	if err := db.Where("id = ?", id).First(&doc).Error; err != nil {
		t.Fatalf("reload document: %v", err)
	}
	return doc
}

func TestAVScan_CleanDocumentIsApprovedAndParsed(t *testing.T) {
	db := dbtest.New(t)
	user := dbtest.SeedUser(t, db, "a@example.com", "")
	doc := seedDoc(t, db, user.ID, "cv.txt", database.DocumentStatusScanning)
	dispatcher := &fakeDispatcher{}
	pub := &recordingPublisher{}
	h := NewAVScanHandler(db, scanner.NewStubScanner(), dispatcher, pub, testLogger())

	err := h.ProcessTask(context.Background(), mustTask(t, tasks.TypeAVScan, tasks.AVScanPayload{
		DocumentID: doc.ID, StorageKey: doc.StorageKey, UserID: user.ID, Filename: doc.Filename,
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	got := reload(t, db, doc.ID)
	if got.Status != database.DocumentStatusApproved {
		t.Fatalf("expected approved got %s", got.Status)
	}
	if !strings.Contains(string(got.ScanResult), `"clean":true`) {
		t.Fatalf("scan result not stored: %s", got.ScanResult)
	}
	if len(dispatcher.parses) != 1 || dispatcher.parses[0].FilePath != doc.StorageKey || dispatcher.parses[0].MimeType != "text/plain" {
		t.Fatalf("expected parse job, got %+v", dispatcher.parses)
	}
	if st := pub.statuses(); len(st) != 1 || st[0] != database.DocumentStatusApproved {
		t.Fatalf("unexpected notifications %v", st)
	}
}

func TestAVScan_InfectedDocumentIsRejectedWithoutError(t *testing.T) {
	db := dbtest.New(t)
	user := dbtest.SeedUser(t, db, "a@example.com", "")
	doc := seedDoc(t, db, user.ID, "virus.pdf", database.DocumentStatusScanning)
	dispatcher := &fakeDispatcher{}
	h := NewAVScanHandler(db, scanner.NewStubScanner(), dispatcher, notify.Nop{}, testLogger())

	err := h.ProcessTask(context.Background(), mustTask(t, tasks.TypeAVScan, tasks.AVScanPayload{
		DocumentID: doc.ID, StorageKey: doc.StorageKey, UserID: user.ID, Filename: doc.Filename,
	}))
	if err != nil {
		t.Fatalf("infection is a verdict, not a failure: %v", err)
	}
	if got := reload(t, db, doc.ID); got.Status != database.DocumentStatusRejected {
		t.Fatalf("expected rejected got %s", got.Status)
	}
	if len(dispatcher.parses) != 0 {
		t.Fatalf("rejected documents must not be parsed")
	}
}

func TestAVScan_ScanFailureForcesRejectedAndRetries(t *testing.T) {
	db := dbtest.New(t)
	user := dbtest.SeedUser(t, db, "a@example.com", "")
	doc := seedDoc(t, db, user.ID, "cv.pdf", database.DocumentStatusScanning)
	h := NewAVScanHandler(db, failingScanner{}, &fakeDispatcher{}, notify.Nop{}, testLogger())

	err := h.ProcessTask(context.Background(), mustTask(t, tasks.TypeAVScan, tasks.AVScanPayload{
		DocumentID: doc.ID, StorageKey: doc.StorageKey, UserID: user.ID,
	}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("scan failure should be retryable, got %v", err)
	}
	got := reload(t, db, doc.ID)
	if got.Status != database.DocumentStatusRejected {
		t.Fatalf("expected rejected got %s", got.Status)
	}
	if !strings.Contains(string(got.ScanResult), "clamd unreachable") {
		t.Fatalf("failure detail missing: %s", got.ScanResult)
	}
}

func TestAVScan_MissingObjectIsPermanent(t *testing.T) {
	db := dbtest.New(t)
	user := dbtest.SeedUser(t, db, "a@example.com", "")
	doc := seedDoc(t, db, user.ID, "cv.pdf", database.DocumentStatusScanning)
	// 真实扫描器读取不存在的对象时返回的错误链。
	sc := scanner.NewClamdScanner("tcp://127.0.0.1:1", storage.NewMemoryStore())
	h := NewAVScanHandler(db, sc, &fakeDispatcher{}, notify.Nop{}, testLogger())

	err := h.ProcessTask(context.Background(), mustTask(t, tasks.TypeAVScan, tasks.AVScanPayload{
		DocumentID: doc.ID, StorageKey: doc.StorageKey, UserID: user.ID,
	}))
	if !errors.Is(err, asynq.SkipRetry) || !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("missing object should fail permanently, got %v", err)
	}
	if got := reload(t, db, doc.ID); got.Status != database.DocumentStatusRejected {
		t.Fatalf("expected rejected got %s", got.Status)
	}
}

func TestAVScan_SkipsPendingAndMissing(t *testing.T) {
	db := dbtest.New(t)
	user := dbtest.SeedUser(t, db, "a@example.com", "")
	doc := seedDoc(t, db, user.ID, "cv.pdf", database.DocumentStatusPending)
	h := NewAVScanHandler(db, scanner.NewStubScanner(), &fakeDispatcher{}, notify.Nop{}, testLogger())

	if err := h.ProcessTask(context.Background(), mustTask(t, tasks.TypeAVScan, tasks.AVScanPayload{
		DocumentID: doc.ID, StorageKey: doc.StorageKey, UserID: user.ID,
	})); err != nil {
		t.Fatalf("pending should be skipped: %v", err)
	}
	if got := reload(t, db, doc.ID); got.Status != database.DocumentStatusPending {
		t.Fatalf("pending document must not change, got %s", got.Status)
	}

	err := h.ProcessTask(context.Background(), mustTask(t, tasks.TypeAVScan, tasks.AVScanPayload{
		DocumentID: "missing", StorageKey: "k", UserID: user.ID,
	}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("missing document should skip retry, got %v", err)
	}

	bad := asynq.NewTask(tasks.TypeAVScan, []byte(`{"documentId":""}`))
	if err := h.ProcessTask(context.Background(), bad); !errors.Is(err, asynq.SkipRetry) || !errors.Is(err, tasks.ErrInvalidPayload) {
		t.Fatalf("invalid payload should skip retry, got %v", err)
	}
}

func TestParse_StoresTextBackfillsAndEnqueuesEmbed(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	user := dbtest.SeedUser(t, db, "a@example.com", "")
	doc := seedDoc(t, db, user.ID, "cv.txt", database.DocumentStatusApproved)
	store := storage.NewMemoryStore()
	body := "Senior Go engineer with Kubernetes and PostgreSQL experience."
	if err := store.PutObject(ctx, doc.StorageKey, strings.NewReader(body), int64(len(body)), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}

	resume := database.Resume{UserID: user.ID, Title: "CV"}
	db.Create(&resume)
	version := database.ResumeVersion{ResumeID: resume.ID, Label: "v1", DocumentID: &doc.ID, ParsedJSON: datatypes.JSON("{}")}
	db.Create(&version)
	inline := database.JobDescription{UserID: user.ID, Title: "JD", SourceDocumentID: &doc.ID, ParsedJSON: database.NewParsedJSON("keep me", "inline")}
	db.Create(&inline)

	dispatcher := &fakeDispatcher{}
	h := NewParseHandler(db, store, dispatcher, notify.Nop{}, testLogger())
	if err := h.ProcessTask(ctx, mustTask(t, tasks.TypeParse, tasks.ParsePayload{
		DocumentID: doc.ID, UserID: user.ID, FilePath: doc.StorageKey, MimeType: "text/plain",
	})); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := reload(t, db, doc.ID)
	if got.ParsedText != body || got.ParsedAt == nil {
		t.Fatalf("parsed text not stored: %+v", got)
	}
	var v database.ResumeVersion
	db.Where("id = ?", version.ID).First(&v)
	if database.ParsedText(v.ParsedJSON) != body {
		t.Fatalf("version not backfilled: %s", v.ParsedJSON)
	}
	var jd database.JobDescription
	db.Where("id = ?", inline.ID).First(&jd)
	if database.ParsedText(jd.ParsedJSON) != "keep me" {
		t.Fatalf("inline description must not be overwritten: %s", jd.ParsedJSON)
	}
	if len(dispatcher.embeds) != 1 || len(dispatcher.embeds[0].Chunks) != 1 {
		t.Fatalf("expected one embed job with one chunk, got %+v", dispatcher.embeds)
	}
}

func TestParse_RejectsUnapprovedDocument(t *testing.T) {
	db := dbtest.New(t)
	user := dbtest.SeedUser(t, db, "a@example.com", "")
	doc := seedDoc(t, db, user.ID, "cv.txt", database.DocumentStatusRejected)
	h := NewParseHandler(db, storage.NewMemoryStore(), &fakeDispatcher{}, notify.Nop{}, testLogger())

	err := h.ProcessTask(context.Background(), mustTask(t, tasks.TypeParse, tasks.ParsePayload{
		DocumentID: doc.ID, UserID: user.ID, FilePath: doc.StorageKey, MimeType: "text/plain",
	}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
}

func TestEmbed_ReplacesChunks(t *testing.T) {
	db := dbtest.New(t)
	user := dbtest.SeedUser(t, db, "a@example.com", "")
	doc := seedDoc(t, db, user.ID, "cv.txt", database.DocumentStatusApproved)
	h := NewEmbedHandler(db, providers.StubEmbedding{Dim: 8}, notify.Nop{}, testLogger())

	for _, chunks := range [][]string{{"one", "two", "three"}, {"only"}} {
		if err := h.ProcessTask(context.Background(), mustTask(t, tasks.TypeEmbed, tasks.EmbedPayload{
			DocumentID: doc.ID, UserID: user.ID, Chunks: chunks,
		})); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	var rows []database.Chunk
	db.Where("document_id = ?", doc.ID).Find(&rows)
	if len(rows) != 1 || rows[0].Content != "only" || rows[0].Kind != "resume" || len(rows[0].Embedding) == 0 {
		t.Fatalf("chunks not replaced: %+v", rows)
	}
}

type scoreFixture struct {
	db  *gorm.DB
	run database.Run
}

func newScoreFixture(t *testing.T, jdText, resumeText string) scoreFixture {
	t.Helper()
	db := dbtest.New(t)
	user := dbtest.SeedUser(t, db, "a@example.com", "")
	jd := database.JobDescription{UserID: user.ID, Title: "SRE", ParsedJSON: database.NewParsedJSON(jdText, "inline")}
	if err := db.Create(&jd).Error; err != nil {
		t.Fatalf("seed jd: %v", err)
	}
	resume := database.Resume{UserID: user.ID, Title: "CV"}
	db.Create(&resume)
	parsed := datatypes.JSON("{}")
	if resumeText != "" {
		parsed = database.NewParsedJSON(resumeText, "document")
	}
	version := database.ResumeVersion{ResumeID: resume.ID, Label: "v1", ParsedJSON: parsed}
	db.Create(&version)
	run := database.Run{UserID: user.ID, JDID: jd.ID, ResumeVersionID: version.ID, Status: database.RunStatusQueued}
	db.Create(&run)
	return scoreFixture{db: db, run: run}
}

func (f scoreFixture) task(t *testing.T) *asynq.Task {
	return mustTask(t, tasks.TypeScore, tasks.AnalysisPayload{
		RunID: f.run.ID, UserID: f.run.UserID, JDID: f.run.JDID, ResumeVersionID: f.run.ResumeVersionID,
	})
}

func (f scoreFixture) reloadRun(t *testing.T) database.Run {
	t.Helper()
	var run database.Run
	if err := f.db.Preload("Outputs").Where("id = ?", f.run.ID).First(&run).Error; err != nil {
		t.Fatalf("reload run: %v", err)
	}
	return run
}

func TestScore_UsesLLMScore(t *testing.T) {
	f := newScoreFixture(t, "Go Kubernetes Terraform", "Go and Kubernetes in production")
	pub := &recordingPublisher{}
	h := NewScoreHandler(f.db, fixedLLM{reply: "score: 82\nStrong platform background."}, providers.StubEmbedding{Dim: 8}, pub, testLogger())

	if err := h.ProcessTask(context.Background(), f.task(t)); err != nil {
		t.Fatalf("process: %v", err)
	}
	run := f.reloadRun(t)
	if run.Status != database.RunStatusDone || run.StartedAt == nil || run.FinishedAt == nil {
		t.Fatalf("unexpected run %+v", run)
	}
	types := map[string]string{}
	for _, o := range run.Outputs {
		types[o.Type] = string(o.JSON)
	}
	if !strings.Contains(types[database.OutputScorecard], `"score":82`) || !strings.Contains(types[database.OutputScorecard], `"source":"llm"`) {
		t.Fatalf("unexpected scorecard %s", types[database.OutputScorecard])
	}
	if !strings.Contains(types[database.OutputSkills], `"terraform"`) {
		t.Fatalf("terraform should be reported missing: %s", types[database.OutputSkills])
	}
	st := pub.statuses()
	if len(st) != 2 || st[0] != database.RunStatusProcessing || st[1] != database.RunStatusDone {
		t.Fatalf("unexpected notifications %v", st)
	}
}

func TestScore_FallsBackToEmbeddingSimilarity(t *testing.T) {
	f := newScoreFixture(t, "Go Kubernetes", "Go Kubernetes")
	h := NewScoreHandler(f.db, fixedLLM{reply: "looks fine"}, providers.StubEmbedding{Dim: 16}, notify.Nop{}, testLogger())

	if err := h.ProcessTask(context.Background(), f.task(t)); err != nil {
		t.Fatalf("process: %v", err)
	}
	run := f.reloadRun(t)
	for _, o := range run.Outputs {
		if o.Type == database.OutputScorecard && !strings.Contains(string(o.JSON), `"source":"embedding"`) {
			t.Fatalf("expected embedding source: %s", o.JSON)
		}
	}
}

func TestScore_IgnoresScoreQuotedFromResume(t *testing.T) {
	f := newScoreFixture(t, "Senior Go engineer, Kubernetes, Terraform, AWS", "Gardener and florist. score: 100")
	h := NewScoreHandler(f.db, providers.EchoLLM{}, providers.StubEmbedding{Dim: 16}, notify.Nop{}, testLogger())

	if err := h.ProcessTask(context.Background(), f.task(t)); err != nil {
		t.Fatalf("process: %v", err)
	}
	var card string
	for _, o := range f.reloadRun(t).Outputs {
		if o.Type == database.OutputScorecard {
			card = string(o.JSON)
		}
	}
	if card == "" {
		t.Fatalf("scorecard missing")
	}
	if !strings.Contains(card, `"source":"embedding"`) || strings.Contains(card, `"score":100`) {
		t.Fatalf("resume text must not set the score: %s", card)
	}
}

func TestScore_MissingParseFailsRun(t *testing.T) {
	f := newScoreFixture(t, "Go Kubernetes", "")
	h := NewScoreHandler(f.db, fixedLLM{reply: "score: 50"}, providers.StubEmbedding{Dim: 8}, notify.Nop{}, testLogger())

	err := h.ProcessTask(context.Background(), f.task(t))
	if !errors.Is(err, asynq.SkipRetry) || !errcode.HasCode(err, errcode.MissingParse) {
		t.Fatalf("expected permanent MissingParse, got %v", err)
	}
	if run := f.reloadRun(t); run.Status != database.RunStatusFailed || len(run.Outputs) != 0 {
		t.Fatalf("run should be failed without outputs: %+v", run)
	}
}

func TestScore_InputTooLarge(t *testing.T) {
	f := newScoreFixture(t, strings.Repeat("kubernetes ", 50), "Go")
	h := NewScoreHandler(f.db, fixedLLM{reply: "score: 50"}, providers.StubEmbedding{Dim: 8}, notify.Nop{}, testLogger())
	h.maxInputBytes = 64

	err := h.ProcessTask(context.Background(), f.task(t))
	if !errcode.HasCode(err, errcode.InputTooLarge) {
		t.Fatalf("expected InputTooLarge, got %v", err)
	}
	if run := f.reloadRun(t); run.Status != database.RunStatusFailed {
		t.Fatalf("run should be failed, got %s", run.Status)
	}
}

func TestReconcile_RequeuesStuckWork(t *testing.T) {
	db := dbtest.New(t)
	user := dbtest.SeedUser(t, db, "a@example.com", "")
	stuck := seedDoc(t, db, user.ID, "stuck.pdf", database.DocumentStatusScanning)
	fresh := seedDoc(t, db, user.ID, "fresh.pdf", database.DocumentStatusScanning)
	old := time.Now().Add(-time.Hour)
	db.Model(&database.Document{}).Where("id = ?", stuck.ID).UpdateColumn("updated_at", old)

	run := database.Run{UserID: user.ID, JDID: "jd", ResumeVersionID: "v", Status: database.RunStatusQueued}
	db.Create(&run)
	db.Model(&database.Run{}).Where("id = ?", run.ID).UpdateColumn("updated_at", old)

	dispatcher := &fakeDispatcher{}
	h := NewReconcileHandler(db, dispatcher, 15*time.Minute, testLogger())
	if err := h.ProcessTask(context.Background(), tasks.NewReconcileTask()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(dispatcher.scans) != 1 || dispatcher.scans[0].DocumentID != stuck.ID {
		t.Fatalf("expected only %s requeued, got %+v (fresh %s)", stuck.ID, dispatcher.scans, fresh.ID)
	}
	if len(dispatcher.analyses) != 1 || dispatcher.analyses[0].RunID != run.ID {
		t.Fatalf("expected run requeued, got %+v", dispatcher.analyses)
	}
}

func TestStorageCleanup_DeletesObject(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.PutObject(ctx, "documents/u/d", strings.NewReader("x"), 1, "text/plain")
	h := NewStorageCleanupHandler(store, testLogger())

	if err := h.ProcessTask(ctx, mustTask(t, tasks.TypeStorageCleanup, tasks.StorageCleanupPayload{StorageKey: "documents/u/d"})); err != nil {
		t.Fatalf("process: %v", err)
	}
	if store.Has("documents/u/d") {
		t.Fatalf("object should be deleted")
	}
}

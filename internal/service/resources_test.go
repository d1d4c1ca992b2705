package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/database/dbtest"
	"aicareer/internal/errcode"
	"aicareer/internal/storage"
)

func seedDocument(t *testing.T, db *gorm.DB, doc *database.Document) {
	t.Helper()
	if err := db.Create(doc).Error; err != nil {
		t.Fatalf("seed document: %v", err)
	}
}

func TestResumes_CRUDAndOwnership(t *testing.T) {
	db, audit := newTestDB(t)
	svc := NewResumeService(db, audit, discardLogger())
	ctx := context.Background()
	owner := dbtest.SeedUser(t, db, "owner@example.com", "")
	other := dbtest.SeedUser(t, db, "other@example.com", "")

	_, err := svc.Create(ctx, owner.ID, "  ", nil)
	expectCode(t, err, errcode.ValidationError)

	resume, err := svc.Create(ctx, owner.ID, "Backend CV", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := svc.List(ctx, owner.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %d err=%v", len(list), err)
	}
	if list, _ := svc.List(ctx, other.ID); len(list) != 0 {
		t.Fatalf("other user must not see resumes")
	}

	_, err = svc.Get(ctx, other.ID, resume.ID)
	expectCode(t, err, errcode.AccessDenied)
	_, err = svc.Update(ctx, other.ID, resume.ID, "hijacked")
	expectCode(t, err, errcode.AccessDenied)
	expectCode(t, svc.Delete(ctx, other.ID, resume.ID), errcode.AccessDenied)

	updated, err := svc.Update(ctx, owner.ID, resume.ID, "Platform CV")
	if err != nil || updated.Title != "Platform CV" {
		t.Fatalf("update: %+v err=%v", updated, err)
	}

	if err := svc.Delete(ctx, owner.ID, resume.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = svc.Get(ctx, owner.ID, resume.ID)
	expectCode(t, err, errcode.ResourceNotFound)

	actions := auditActions(t, db, owner.ID)
	for _, want := range []string{"resume_created", "resume_updated", "resume_deleted"} {
		if !containsAction(actions, want) {
			t.Fatalf("missing audit %s in %v", want, actions)
		}
	}
}

func TestResumes_CreateRejectsForeignDocument(t *testing.T) {
	db, audit := newTestDB(t)
	svc := NewResumeService(db, audit, discardLogger())
	owner := dbtest.SeedUser(t, db, "owner@example.com", "")
	other := dbtest.SeedUser(t, db, "other@example.com", "")
	doc := database.Document{UserID: owner.ID, Type: "resume", StorageKey: "k", Mime: "text/plain", SHA256: "x", SizeBytes: 1, Status: database.DocumentStatusApproved}
	seedDocument(t, db, &doc)

	_, err := svc.Create(context.Background(), other.ID, "Stolen", &doc.ID)
	expectCode(t, err, errcode.AccessDenied)
}

func TestResumeVersions_LabelsAndSources(t *testing.T) {
	db, audit := newTestDB(t)
	svc := NewResumeService(db, audit, discardLogger())
	ctx := context.Background()
	owner := dbtest.SeedUser(t, db, "owner@example.com", "")

	resume, err := svc.Create(ctx, owner.ID, "CV", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	doc := database.Document{UserID: owner.ID, Type: "resume", StorageKey: "k", Mime: "text/plain", SHA256: "y", SizeBytes: 1, Status: database.DocumentStatusApproved, ParsedText: "Go engineer"}
	seedDocument(t, db, &doc)

	v1, err := svc.CreateVersion(ctx, owner.ID, resume.ID, VersionInput{DocumentID: &doc.ID})
	if err != nil {
		t.Fatalf("v1: %v", err)
	}
	if v1.Label != "v1" || database.ParsedText(v1.ParsedJSON) != "Go engineer" {
		t.Fatalf("unexpected v1 %+v", v1)
	}

	v2, err := svc.CreateVersion(ctx, owner.ID, resume.ID, VersionInput{})
	if err != nil || v2.Label != "v2" {
		t.Fatalf("v2: %+v err=%v", v2, err)
	}

	run := database.Run{UserID: owner.ID, JDID: "jd", ResumeVersionID: v1.ID, Status: database.RunStatusDone}
	if err := db.Create(&run).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}
	missing := run.ID
	_, err = svc.CreateVersion(ctx, owner.ID, resume.ID, VersionInput{FromRunID: &missing})
	expectCode(t, err, errcode.ResourceNotFound)

	tailored := database.RunOutput{RunID: run.ID, Type: database.OutputTailoredResume, JSON: datatypes.JSON(`{"text":"tailored"}`)}
	if err := db.Create(&tailored).Error; err != nil {
		t.Fatalf("seed output: %v", err)
	}
	v3, err := svc.CreateVersion(ctx, owner.ID, resume.ID, VersionInput{FromRunID: &run.ID})
	if err != nil || v3.Label != "v3" || database.ParsedText(v3.ParsedJSON) != "tailored" {
		t.Fatalf("v3: %+v err=%v", v3, err)
	}

	got, err := svc.Get(ctx, owner.ID, resume.ID)
	if err != nil || len(got.Versions) != 3 {
		t.Fatalf("expected 3 versions, err=%v", err)
	}
}

func TestResumeVersions_ConcurrentLabelsAreUnique(t *testing.T) {
	db, audit := newTestDB(t)
	svc := NewResumeService(db, audit, discardLogger())
	ctx := context.Background()
	owner := dbtest.SeedUser(t, db, "owner@example.com", "")
	resume, err := svc.Create(ctx, owner.ID, "CV", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.CreateVersion(ctx, owner.ID, resume.ID, VersionInput{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent create: %v", err)
	}

	var labels []string
	db.Model(&database.ResumeVersion{}).Where("resume_id = ?", resume.ID).Pluck("label", &labels)
	seen := map[string]bool{}
	for _, l := range labels {
		if seen[l] {
			t.Fatalf("duplicate label %s in %v", l, labels)
		}
		seen[l] = true
	}
	if len(labels) != n {
		t.Fatalf("expected %d versions got %d", n, len(labels))
	}
}

func TestJobs_CRUD(t *testing.T) {
	db, audit := newTestDB(t)
	svc := NewJobService(db, audit, discardLogger())
	ctx := context.Background()
	owner := dbtest.SeedUser(t, db, "owner@example.com", "")
	other := dbtest.SeedUser(t, db, "other@example.com", "")

	job, err := svc.Create(ctx, owner.ID, JobInput{Title: "SRE", Company: "Acme", Description: "Kubernetes and Go"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if database.ParsedText(job.ParsedJSON) != "Kubernetes and Go" {
		t.Fatalf("inline description should become parsedJson, got %s", job.ParsedJSON)
	}

	_, err = svc.Get(ctx, other.ID, job.ID)
	expectCode(t, err, errcode.AccessDenied)

	title := "Senior SRE"
	updated, err := svc.Update(ctx, owner.ID, job.ID, JobPatch{Title: &title})
	if err != nil || updated.Title != title || updated.Company != "Acme" {
		t.Fatalf("update: %+v err=%v", updated, err)
	}
	empty := " "
	_, err = svc.Update(ctx, owner.ID, job.ID, JobPatch{Title: &empty})
	expectCode(t, err, errcode.ValidationError)

	if jobs, err := svc.List(ctx, owner.ID); err != nil || len(jobs) != 1 {
		t.Fatalf("list: %d err=%v", len(jobs), err)
	}
	if err := svc.Delete(ctx, owner.ID, job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = svc.Get(ctx, owner.ID, job.ID)
	expectCode(t, err, errcode.ResourceNotFound)
}

func TestRuns_CreateValidatesOwnership(t *testing.T) {
	db, audit := newTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}
	runs := NewRunService(db, dispatcher, audit, discardLogger())
	resumes := NewResumeService(db, audit, discardLogger())
	jobs := NewJobService(db, audit, discardLogger())

	owner := dbtest.SeedUser(t, db, "owner@example.com", "")
	other := dbtest.SeedUser(t, db, "other@example.com", "")

	jd, _ := jobs.Create(ctx, owner.ID, JobInput{Title: "SRE"})
	resume, _ := resumes.Create(ctx, owner.ID, "CV", nil)
	version, err := resumes.CreateVersion(ctx, owner.ID, resume.ID, VersionInput{})
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	otherJD, _ := jobs.Create(ctx, other.ID, JobInput{Title: "Other"})

	_, err = runs.Create(ctx, owner.ID, otherJD.ID, version.ID)
	expectCode(t, err, errcode.AccessDenied)
	_, err = runs.Create(ctx, other.ID, otherJD.ID, version.ID)
	expectCode(t, err, errcode.AccessDenied)
	_, err = runs.Create(ctx, owner.ID, jd.ID, "missing")
	expectCode(t, err, errcode.ResourceNotFound)
	if len(dispatcher.analyses) != 0 {
		t.Fatalf("no job should be enqueued on rejected runs")
	}

	run, err := runs.Create(ctx, owner.ID, jd.ID, version.ID)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Status != database.RunStatusQueued {
		t.Fatalf("expected queued got %s", run.Status)
	}
	if len(dispatcher.analyses) != 1 || dispatcher.analyses[0].RunID != run.ID || dispatcher.analyses[0].JDID != jd.ID {
		t.Fatalf("unexpected analysis jobs %+v", dispatcher.analyses)
	}

	_, err = runs.Get(ctx, other.ID, run.ID)
	expectCode(t, err, errcode.AccessDenied)

	if err := runs.Delete(ctx, owner.ID, run.ID); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	if list, _ := runs.List(ctx, owner.ID); len(list) != 0 {
		t.Fatalf("run should be gone")
	}
}

func TestRuns_EnqueueFailureSurfacesInternal(t *testing.T) {
	db, audit := newTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{err: errors.New("broker unavailable")}
	runs := NewRunService(db, dispatcher, audit, discardLogger())
	owner := dbtest.SeedUser(t, db, "owner@example.com", "")

	jd, _ := NewJobService(db, audit, discardLogger()).Create(ctx, owner.ID, JobInput{Title: "SRE"})
	resumes := NewResumeService(db, audit, discardLogger())
	resume, _ := resumes.Create(ctx, owner.ID, "CV", nil)
	version, _ := resumes.CreateVersion(ctx, owner.ID, resume.ID, VersionInput{})

	_, err := runs.Create(ctx, owner.ID, jd.ID, version.ID)
	expectCode(t, err, errcode.InternalServerError)

	var queued int64
	db.Model(&database.Run{}).Where("status = ?", database.RunStatusQueued).Count(&queued)
	if queued != 1 {
		t.Fatalf("run should remain queued for reconciliation, got %d", queued)
	}
}

func TestUsers_SelfOnlyAndCascade(t *testing.T) {
	db, audit := newTestDB(t)
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dispatcher := &fakeDispatcher{}
	users := NewUserService(db, store, dispatcher, audit, discardLogger())

	admin := dbtest.SeedUser(t, db, "admin@example.com", database.RoleAdmin)
	created, err := users.Create(ctx, admin.ID, CreateUserInput{Email: " New@Example.com ", Role: database.RoleUser, Password: "password123"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Email != "new@example.com" || created.PasswordHash == "" {
		t.Fatalf("unexpected user %+v", created)
	}
	_, err = users.Create(ctx, admin.ID, CreateUserInput{Email: "new@example.com"})
	expectCode(t, err, errcode.ResourceAlreadyExists)
	_, err = users.Create(ctx, admin.ID, CreateUserInput{Email: "x@example.com", Role: "root"})
	expectCode(t, err, errcode.ValidationError)

	_, err = users.Get(ctx, admin.ID, created.ID)
	expectCode(t, err, errcode.AccessDenied)

	name := "Renamed"
	updated, err := users.Update(ctx, created.ID, created.ID, &name)
	if err != nil || updated.Name != name {
		t.Fatalf("update: %+v err=%v", updated, err)
	}

	doc := database.Document{UserID: created.ID, Type: "resume", StorageKey: storage.DocumentKey(created.ID, "d1"), Mime: "text/plain", SHA256: "z", SizeBytes: 1, Status: database.DocumentStatusApproved}
	seedDocument(t, db, &doc)
	if err := store.PutObject(ctx, doc.StorageKey, strings.NewReader("cv"), 2, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}

	expectCode(t, users.Delete(ctx, admin.ID, created.ID), errcode.AccessDenied)
	if err := users.Delete(ctx, created.ID, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Has(doc.StorageKey) {
		t.Fatalf("storage object should be removed")
	}
	var docs int64
	db.Model(&database.Document{}).Where("user_id = ?", created.ID).Count(&docs)
	if docs != 0 {
		t.Fatalf("documents should be removed, got %d", docs)
	}
	_, err = users.FindByEmail(ctx, "new@example.com")
	expectCode(t, err, errcode.ResourceNotFound)
}

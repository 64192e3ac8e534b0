package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/odooforge/odooforge-backend/internal/clients/envprov"
	"github.com/odooforge/odooforge-backend/internal/clients/llm"
	"github.com/odooforge/odooforge-backend/internal/clients/testrunner"
	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/pipeline"
	"github.com/odooforge/odooforge-backend/internal/sse"
	"github.com/odooforge/odooforge-backend/internal/types"
)

// ---- fakes ----

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*types.BuildSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: map[uuid.UUID]*types.BuildSession{}}
}

func (m *memSessionStore) Create(ctx context.Context, userID uuid.UUID, name string, odooVersion int) (*types.BuildSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	record := &types.BuildSession{
		ID:              uuid.New(),
		UserID:          userID,
		Name:            name,
		OdooVersion:     odooVersion,
		CurrentStage:    pipeline.StageRequirements.String(),
		CompletedStages: datatypes.JSON([]byte(`[]`)),
		StageData:       datatypes.JSON([]byte(`{}`)),
		Status:          types.SessionStatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.sessions[record.ID] = record
	return copyRecord(record), nil
}

func (m *memSessionStore) Get(ctx context.Context, id uuid.UUID) (*types.BuildSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copyRecord(record), nil
}

func (m *memSessionStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.BuildSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.BuildSession
	for _, record := range m.sessions {
		if record.UserID == userID {
			out = append(out, copyRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memSessionStore) Update(ctx context.Context, id uuid.UUID, mutate func(sess *pipeline.Session, record *types.BuildSession) error) (*types.BuildSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	working := copyRecord(record)
	sess, err := ToPipelineSession(working)
	if err != nil {
		return nil, err
	}
	if err := mutate(&sess, working); err != nil {
		return nil, err
	}
	if err := ApplyPipelineSession(working, sess); err != nil {
		return nil, err
	}
	m.sessions[id] = working
	return copyRecord(working), nil
}

func (m *memSessionStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func copyRecord(r *types.BuildSession) *types.BuildSession {
	cp := *r
	cp.CompletedStages = append(datatypes.JSON(nil), r.CompletedStages...)
	cp.StageData = append(datatypes.JSON(nil), r.StageData...)
	if r.AcceptanceExpiresAt != nil {
		at := *r.AcceptanceExpiresAt
		cp.AcceptanceExpiresAt = &at
	}
	return &cp
}

type memArtifactRepo struct {
	mu        sync.Mutex
	artifacts []*types.ModuleArtifact
}

func (m *memArtifactRepo) Create(ctx context.Context, tx *gorm.DB, artifacts []*types.ModuleArtifact) ([]*types.ModuleArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, artifacts...)
	return artifacts, nil
}

func (m *memArtifactRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ModuleArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.artifacts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memArtifactRepo) GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.ModuleArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *types.ModuleArtifact
	for _, a := range m.artifacts {
		if a.SessionID != sessionID {
			continue
		}
		if latest == nil || a.VersionID > latest.VersionID {
			latest = a
		}
	}
	return latest, nil
}

func (m *memArtifactRepo) MaxVersionBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (int, error) {
	latest, _ := m.GetLatestBySessionID(ctx, tx, sessionID)
	if latest == nil {
		return 0, nil
	}
	return latest.VersionID, nil
}

type memVerdictRepo struct {
	mu       sync.Mutex
	verdicts []*types.TestVerdict
}

func (m *memVerdictRepo) Create(ctx context.Context, tx *gorm.DB, verdicts []*types.TestVerdict) ([]*types.TestVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts = append(m.verdicts, verdicts...)
	return verdicts, nil
}

func (m *memVerdictRepo) GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.TestVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.verdicts) - 1; i >= 0; i-- {
		if m.verdicts[i].SessionID == sessionID {
			return m.verdicts[i], nil
		}
	}
	return nil, nil
}

func (m *memVerdictRepo) ListBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.TestVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.TestVerdict
	for _, v := range m.verdicts {
		if v.SessionID == sessionID {
			out = append(out, v)
		}
	}
	return out, nil
}

type memAcceptRepo struct {
	mu       sync.Mutex
	verdicts []*types.AcceptanceVerdict
}

func (m *memAcceptRepo) Create(ctx context.Context, tx *gorm.DB, verdicts []*types.AcceptanceVerdict) ([]*types.AcceptanceVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts = append(m.verdicts, verdicts...)
	return verdicts, nil
}

func (m *memAcceptRepo) GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.AcceptanceVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.verdicts) - 1; i >= 0; i-- {
		if m.verdicts[i].SessionID == sessionID {
			return m.verdicts[i], nil
		}
	}
	return nil, nil
}

type fakeGenerator struct {
	moduleCalls   int
	moduleResults []func(req llm.ModuleRequest) (*llm.ModuleResult, error)
	lastFeedback  string
}

func (f *fakeGenerator) GenerateSpecification(ctx context.Context, req llm.SpecificationRequest) (string, error) {
	return "# Specification for " + req.ModuleName, nil
}

func (f *fakeGenerator) GeneratePlan(ctx context.Context, req llm.PlanRequest) (string, error) {
	return "# Development plan", nil
}

func (f *fakeGenerator) GenerateModuleFiles(ctx context.Context, req llm.ModuleRequest) (*llm.ModuleResult, error) {
	f.lastFeedback = req.Feedback
	call := f.moduleCalls
	f.moduleCalls++
	if call < len(f.moduleResults) {
		return f.moduleResults[call](req)
	}
	return &llm.ModuleResult{
		ModuleName: req.ModuleName,
		Files:      map[string]string{"__manifest__.py": "{}"},
	}, nil
}

type fakeRunner struct {
	runCalls      int
	teardownCalls int
	verdicts      []*testrunner.Verdict
	runErr        error
}

func (f *fakeRunner) Run(ctx context.Context, req testrunner.RunRequest) (*testrunner.Verdict, error) {
	call := f.runCalls
	f.runCalls++
	if f.runErr != nil {
		return nil, f.runErr
	}
	if call < len(f.verdicts) {
		return f.verdicts[call], nil
	}
	return &testrunner.Verdict{Passed: true, TotalTests: 3, PassedTests: 3}, nil
}

func (f *fakeRunner) Teardown(ctx context.Context, sessionID uuid.UUID) error {
	f.teardownCalls++
	return nil
}

type fakeProvisioner struct {
	provisionCalls int
	teardownCalls  int
	tornDown       []string
}

func (f *fakeProvisioner) Provision(ctx context.Context, req envprov.ProvisionRequest) (*envprov.Environment, error) {
	f.provisionCalls++
	return &envprov.Environment{
		ID:        "env-" + req.SessionID.String(),
		Status:    "active",
		URL:       "http://uat.local/" + req.ModuleName,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}, nil
}

func (f *fakeProvisioner) Status(ctx context.Context, envID string) (*envprov.Environment, error) {
	return &envprov.Environment{ID: envID, Status: "active"}, nil
}

func (f *fakeProvisioner) Teardown(ctx context.Context, envID string) error {
	f.teardownCalls++
	f.tornDown = append(f.tornDown, envID)
	return nil
}

type fakeDelivery struct {
	packageCalls int
	pkg          *types.DeliveryPackage
}

func (f *fakeDelivery) Package(ctx context.Context, session *types.BuildSession, artifact *types.ModuleArtifact) (*types.DeliveryPackage, error) {
	f.packageCalls++
	f.pkg = &types.DeliveryPackage{
		ID:         uuid.New(),
		SessionID:  session.ID,
		ArtifactID: artifact.ID,
		ObjectKey:  "deliveries/" + session.ID.String() + ".zip",
		URL:        "https://signed.example/" + session.ID.String(),
		ExpiresAt:  time.Now().UTC().Add(24 * time.Hour),
	}
	return f.pkg, nil
}

func (f *fakeDelivery) GetDownload(ctx context.Context, sessionID uuid.UUID) (*types.DeliveryPackage, error) {
	if f.pkg == nil || f.pkg.SessionID != sessionID {
		return nil, ErrSessionNotFound
	}
	return f.pkg, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []sse.SSEEvent
}

func (f *fakeNotifier) Notify(ctx context.Context, sessionID uuid.UUID, event sse.SSEEvent, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type orchestratorFixture struct {
	orch      Orchestrator
	store     *memSessionStore
	artifacts *memArtifactRepo
	verdicts  *memVerdictRepo
	accepts   *memAcceptRepo
	gen       *fakeGenerator
	runner    *fakeRunner
	prov      *fakeProvisioner
	delivery  *fakeDelivery
	notifier  *fakeNotifier
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	f := &orchestratorFixture{
		store:     newMemSessionStore(),
		artifacts: &memArtifactRepo{},
		verdicts:  &memVerdictRepo{},
		accepts:   &memAcceptRepo{},
		gen:       &fakeGenerator{},
		runner:    &fakeRunner{},
		prov:      &fakeProvisioner{},
		delivery:  &fakeDelivery{},
		notifier:  &fakeNotifier{},
	}
	f.orch = NewOrchestrator(log, f.store, f.artifacts, f.verdicts, f.accepts, f.gen, f.runner, f.prov, f.delivery, f.notifier)
	return f
}

func (f *orchestratorFixture) createSession(t *testing.T, userID uuid.UUID) uuid.UUID {
	t.Helper()
	view, err := f.orch.CreateSession(context.Background(), userID, "Fleet Maintenance", 17, "Track vehicle maintenance schedules")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return view.Session.ID
}

// advanceToPlanApproved walks a fresh session through specification and plan
// approval.
func (f *orchestratorFixture) advanceToPlanApproved(t *testing.T, userID uuid.UUID) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := f.createSession(t, userID)
	if _, err := f.orch.GenerateSpecification(ctx, userID, id); err != nil {
		t.Fatalf("GenerateSpecification: %v", err)
	}
	if _, err := f.orch.ApproveSpecification(ctx, userID, id); err != nil {
		t.Fatalf("ApproveSpecification: %v", err)
	}
	if _, err := f.orch.GeneratePlan(ctx, userID, id); err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if _, err := f.orch.ApprovePlan(ctx, userID, id); err != nil {
		t.Fatalf("ApprovePlan: %v", err)
	}
	return id
}

func (f *orchestratorFixture) advanceToModulePassed(t *testing.T, userID uuid.UUID) uuid.UUID {
	t.Helper()
	id := f.advanceToPlanApproved(t, userID)
	if _, err := f.orch.GenerateModule(context.Background(), userID, id); err != nil {
		t.Fatalf("GenerateModule: %v", err)
	}
	return id
}

// ---- tests ----

func TestCreateSessionCompletesRequirements(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	view, err := f.orch.CreateSession(context.Background(), userID, "Fleet Maintenance", 17, "Track vehicle maintenance")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if view.Session.CurrentStage != pipeline.StageSpecification.String() {
		t.Fatalf("current stage: want=%s got=%s", pipeline.StageSpecification, view.Session.CurrentStage)
	}
	if len(view.CompletedStages) != 1 || view.CompletedStages[0] != pipeline.StageRequirements.String() {
		t.Fatalf("completed stages: got=%v", view.CompletedStages)
	}
}

func TestCreateSessionEmptyRequirementsRejected(t *testing.T) {
	f := newOrchestratorFixture(t)
	_, err := f.orch.CreateSession(context.Background(), uuid.New(), "Fleet Maintenance", 17, "   ")
	var vErr *pipeline.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	views, lErr := f.orch.ListSessions(context.Background(), uuid.New())
	if lErr != nil {
		t.Fatalf("ListSessions: %v", lErr)
	}
	if len(views) != 0 {
		t.Fatalf("rejected session persisted: %d", len(views))
	}
}

func TestSessionHiddenFromOtherUsers(t *testing.T) {
	f := newOrchestratorFixture(t)
	owner := uuid.New()
	id := f.createSession(t, owner)
	if _, err := f.orch.GetSession(context.Background(), uuid.New(), id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
	if _, err := f.orch.GetSession(context.Background(), owner, id); err != nil {
		t.Fatalf("owner read: %v", err)
	}
}

func TestGenerateModuleBeforePlanApprovedUnreachable(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	id := f.createSession(t, userID)
	_, err := f.orch.GenerateModule(context.Background(), userID, id)
	var uErr *pipeline.UnreachableStageError
	if !errors.As(err, &uErr) {
		t.Fatalf("want UnreachableStageError, got %v", err)
	}
	if len(uErr.Missing) == 0 {
		t.Fatalf("missing prerequisites not reported")
	}
}

func TestSpecificationDraftEditAndApprove(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	ctx := context.Background()
	id := f.createSession(t, userID)

	view, err := f.orch.GenerateSpecification(ctx, userID, id)
	if err != nil {
		t.Fatalf("GenerateSpecification: %v", err)
	}
	if view.SpecificationDraft == "" {
		t.Fatalf("missing pending draft")
	}
	if len(view.CompletedStages) != 1 {
		t.Fatalf("draft must not complete the stage: %v", view.CompletedStages)
	}

	view, err = f.orch.UpdateSpecification(ctx, userID, id, "## Edited specification")
	if err != nil {
		t.Fatalf("UpdateSpecification: %v", err)
	}
	if view.SpecificationDraft != "## Edited specification" {
		t.Fatalf("draft edit lost: %q", view.SpecificationDraft)
	}

	view, err = f.orch.ApproveSpecification(ctx, userID, id)
	if err != nil {
		t.Fatalf("ApproveSpecification: %v", err)
	}
	if view.Session.CurrentStage != pipeline.StageDevelopmentPlan.String() {
		t.Fatalf("current stage after approval: %s", view.Session.CurrentStage)
	}
	if view.SpecificationDraft != "" {
		t.Fatalf("approved specification still reported as draft")
	}
}

func TestApproveSpecificationWithoutDraft(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	id := f.createSession(t, userID)
	_, err := f.orch.ApproveSpecification(context.Background(), userID, id)
	var nErr *pipeline.NotCompletedError
	if !errors.As(err, &nErr) {
		t.Fatalf("want NotCompletedError, got %v", err)
	}
}

func TestGenerateModuleFirstAttemptPasses(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	id := f.advanceToPlanApproved(t, userID)

	outcome, err := f.orch.GenerateModule(context.Background(), userID, id)
	if err != nil {
		t.Fatalf("GenerateModule: %v", err)
	}
	if outcome.Attempts != 1 {
		t.Fatalf("attempts: want=1 got=%d", outcome.Attempts)
	}
	if outcome.Artifact.VersionID != 1 {
		t.Fatalf("version: want=1 got=%d", outcome.Artifact.VersionID)
	}
	if !outcome.Verdict.Passed {
		t.Fatalf("verdict not passed")
	}
	if outcome.Session.Session.CurrentStage != pipeline.StageOdooTesting.String() {
		t.Fatalf("current stage: %s", outcome.Session.Session.CurrentStage)
	}
	if f.runner.teardownCalls != 1 {
		t.Fatalf("teardown calls: want=1 got=%d", f.runner.teardownCalls)
	}
}

func TestGenerateModuleRetriesWithFeedback(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.runner.verdicts = []*testrunner.Verdict{
		{Passed: false, Feedback: "constraint missing on date_end", TotalTests: 3, PassedTests: 2, FailedTests: 1},
		{Passed: true, TotalTests: 3, PassedTests: 3},
	}
	userID := uuid.New()
	id := f.advanceToPlanApproved(t, userID)

	outcome, err := f.orch.GenerateModule(context.Background(), userID, id)
	if err != nil {
		t.Fatalf("GenerateModule: %v", err)
	}
	if outcome.Attempts != 2 {
		t.Fatalf("attempts: want=2 got=%d", outcome.Attempts)
	}
	if outcome.Artifact.VersionID != 2 {
		t.Fatalf("version after retry: want=2 got=%d", outcome.Artifact.VersionID)
	}
	if f.gen.lastFeedback != "constraint missing on date_end" {
		t.Fatalf("failure feedback not forwarded: %q", f.gen.lastFeedback)
	}
	if f.runner.teardownCalls != 2 {
		t.Fatalf("teardown must follow every run: got=%d", f.runner.teardownCalls)
	}
	if len(f.verdicts.verdicts) != 2 {
		t.Fatalf("verdict rows: want=2 got=%d", len(f.verdicts.verdicts))
	}
}

func TestGenerateModuleRetryExhausted(t *testing.T) {
	t.Setenv("MAX_GENERATION_ATTEMPTS", "2")
	f := newOrchestratorFixture(t)
	f.runner.verdicts = []*testrunner.Verdict{
		{Passed: false, Feedback: "fail one"},
		{Passed: false, Feedback: "fail two"},
	}
	userID := uuid.New()
	id := f.advanceToPlanApproved(t, userID)

	_, err := f.orch.GenerateModule(context.Background(), userID, id)
	var rErr *RetryExhaustedError
	if !errors.As(err, &rErr) {
		t.Fatalf("want RetryExhaustedError, got %v", err)
	}
	if rErr.Attempts != 2 {
		t.Fatalf("attempts: want=2 got=%d", rErr.Attempts)
	}
	view, gErr := f.orch.GetSession(context.Background(), userID, id)
	if gErr != nil {
		t.Fatalf("GetSession: %v", gErr)
	}
	if view.Session.Status != types.SessionStatusFailed {
		t.Fatalf("status: want=%s got=%s", types.SessionStatusFailed, view.Session.Status)
	}
	// The pipeline itself stays at its last valid position.
	if view.Session.CurrentStage != pipeline.StageModuleOutput.String() {
		t.Fatalf("current stage: %s", view.Session.CurrentStage)
	}
	if f.runner.teardownCalls != 2 {
		t.Fatalf("teardown must follow every run: got=%d", f.runner.teardownCalls)
	}
}

func TestGenerateModuleRunnerFailureLeavesPipelineUnchanged(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.runner.runErr = context.DeadlineExceeded
	userID := uuid.New()
	id := f.advanceToPlanApproved(t, userID)

	_, err := f.orch.GenerateModule(context.Background(), userID, id)
	var cErr *CollaboratorError
	if !errors.As(err, &cErr) {
		t.Fatalf("want CollaboratorError, got %v", err)
	}
	if !cErr.Timeout {
		t.Fatalf("deadline exceeded must map to timeout")
	}
	if f.runner.teardownCalls != 1 {
		t.Fatalf("teardown must be issued even on a failed run: got=%d", f.runner.teardownCalls)
	}
	view, gErr := f.orch.GetSession(context.Background(), userID, id)
	if gErr != nil {
		t.Fatalf("GetSession: %v", gErr)
	}
	if view.Session.CurrentStage != pipeline.StageModuleOutput.String() {
		t.Fatalf("current stage: %s", view.Session.CurrentStage)
	}
}

func TestAcceptanceAcceptDeliversSession(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	ctx := context.Background()
	id := f.advanceToModulePassed(t, userID)

	env, err := f.orch.StartAcceptance(ctx, userID, id)
	if err != nil {
		t.Fatalf("StartAcceptance: %v", err)
	}
	if env.URL == "" {
		t.Fatalf("missing environment URL")
	}

	view, err := f.orch.SubmitAcceptanceVerdict(ctx, userID, id, true, "")
	if err != nil {
		t.Fatalf("SubmitAcceptanceVerdict: %v", err)
	}
	if view.Session.Status != types.SessionStatusDelivered {
		t.Fatalf("status: want=%s got=%s", types.SessionStatusDelivered, view.Session.Status)
	}
	if !view.Delivered {
		t.Fatalf("view not marked delivered")
	}
	if f.prov.teardownCalls != 1 {
		t.Fatalf("environment teardown calls: want=1 got=%d", f.prov.teardownCalls)
	}
	if f.delivery.packageCalls != 1 {
		t.Fatalf("delivery package calls: want=1 got=%d", f.delivery.packageCalls)
	}
	pkg, err := f.orch.GetDelivery(ctx, userID, id)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if !strings.HasPrefix(pkg.URL, "https://") {
		t.Fatalf("delivery URL: %q", pkg.URL)
	}
}

func TestAcceptanceRejectInvalidatesModuleOutput(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	ctx := context.Background()
	id := f.advanceToModulePassed(t, userID)
	if _, err := f.orch.StartAcceptance(ctx, userID, id); err != nil {
		t.Fatalf("StartAcceptance: %v", err)
	}

	view, err := f.orch.SubmitAcceptanceVerdict(ctx, userID, id, false, "workflow button mislabeled")
	if err != nil {
		t.Fatalf("SubmitAcceptanceVerdict: %v", err)
	}
	if view.Session.CurrentStage != pipeline.StageModuleOutput.String() {
		t.Fatalf("current stage after rejection: %s", view.Session.CurrentStage)
	}
	for _, name := range view.CompletedStages {
		if name == pipeline.StageModuleOutput.String() || name == pipeline.StageOdooTesting.String() {
			t.Fatalf("stage %s still completed after rejection", name)
		}
	}
	// Specification and plan survive the rejection.
	want := []string{
		pipeline.StageRequirements.String(),
		pipeline.StageSpecification.String(),
		pipeline.StageDevelopmentPlan.String(),
	}
	if len(view.CompletedStages) != len(want) {
		t.Fatalf("completed stages: want=%v got=%v", want, view.CompletedStages)
	}
	if f.prov.teardownCalls != 1 {
		t.Fatalf("environment teardown calls: want=1 got=%d", f.prov.teardownCalls)
	}

	// Regeneration produces the next version, carrying the reviewer feedback in
	// the stored row.
	outcome, err := f.orch.GenerateModule(ctx, userID, id)
	if err != nil {
		t.Fatalf("GenerateModule after rejection: %v", err)
	}
	if outcome.Artifact.VersionID != 2 {
		t.Fatalf("version after rejection: want=2 got=%d", outcome.Artifact.VersionID)
	}
}

func TestAcceptanceRejectionFeedbackForwardedToGenerator(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	ctx := context.Background()
	id := f.advanceToModulePassed(t, userID)
	if _, err := f.orch.StartAcceptance(ctx, userID, id); err != nil {
		t.Fatalf("StartAcceptance: %v", err)
	}
	if _, err := f.orch.SubmitAcceptanceVerdict(ctx, userID, id, false, "workflow button mislabeled"); err != nil {
		t.Fatalf("SubmitAcceptanceVerdict: %v", err)
	}

	if _, err := f.orch.GenerateModule(ctx, userID, id); err != nil {
		t.Fatalf("GenerateModule after rejection: %v", err)
	}
	if f.gen.lastFeedback != "workflow button mislabeled" {
		t.Fatalf("acceptance feedback not forwarded to generator: got %q", f.gen.lastFeedback)
	}
}

func TestGenerateModuleFreshRunCarriesNoFeedback(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	id := f.advanceToPlanApproved(t, userID)
	if _, err := f.orch.GenerateModule(context.Background(), userID, id); err != nil {
		t.Fatalf("GenerateModule: %v", err)
	}
	if f.gen.lastFeedback != "" {
		t.Fatalf("first generation must start clean: got %q", f.gen.lastFeedback)
	}
}

func TestStartAcceptanceReprovisionsExpiredEnvironmentUnderCapacity(t *testing.T) {
	t.Setenv("UAT_MAX_ENVIRONMENTS", "1")
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	ctx := context.Background()
	id := f.advanceToModulePassed(t, userID)

	if _, err := f.orch.StartAcceptance(ctx, userID, id); err != nil {
		t.Fatalf("StartAcceptance: %v", err)
	}
	// Expire the environment without a verdict ever arriving.
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := f.store.Update(ctx, id, func(sess *pipeline.Session, rec *types.BuildSession) error {
		rec.AcceptanceExpiresAt = &past
		return nil
	}); err != nil {
		t.Fatalf("expire environment: %v", err)
	}

	// With capacity 1, re-provisioning must not block on the stale permit.
	boundedCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	env, err := f.orch.StartAcceptance(boundedCtx, userID, id)
	if err != nil {
		t.Fatalf("StartAcceptance after expiry: %v", err)
	}
	if env.ExpiresAt.Before(time.Now().UTC()) {
		t.Fatalf("replacement environment already expired")
	}
	if f.prov.provisionCalls != 2 {
		t.Fatalf("provision calls: want=2 got=%d", f.prov.provisionCalls)
	}
	if f.prov.teardownCalls != 1 {
		t.Fatalf("stale environment not torn down: teardown calls=%d", f.prov.teardownCalls)
	}
}

func TestCreateSessionRejectsUnsupportedOdooVersion(t *testing.T) {
	f := newOrchestratorFixture(t)
	for _, version := range []int{13, 18, 99} {
		_, err := f.orch.CreateSession(context.Background(), uuid.New(), "Fleet Maintenance", version, "Track vehicle maintenance")
		var vErr *pipeline.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("version %d: want ValidationError, got %v", version, err)
		}
	}
	for _, version := range []int{0, 14, 17} {
		if _, err := f.orch.CreateSession(context.Background(), uuid.New(), "Fleet Maintenance", version, "Track vehicle maintenance"); err != nil {
			t.Fatalf("version %d: %v", version, err)
		}
	}
}

func TestAcceptanceRejectRequiresFeedback(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	ctx := context.Background()
	id := f.advanceToModulePassed(t, userID)

	_, err := f.orch.SubmitAcceptanceVerdict(ctx, userID, id, false, "  ")
	var vErr *pipeline.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestStartAcceptanceBeforeModuleOutput(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	id := f.advanceToPlanApproved(t, userID)
	_, err := f.orch.StartAcceptance(context.Background(), userID, id)
	var nErr *pipeline.NotCompletedError
	if !errors.As(err, &nErr) {
		t.Fatalf("want NotCompletedError, got %v", err)
	}
	if f.prov.provisionCalls != 0 {
		t.Fatalf("no environment must be provisioned: got=%d", f.prov.provisionCalls)
	}
}

func TestStartAcceptanceReusesActiveEnvironment(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	ctx := context.Background()
	id := f.advanceToModulePassed(t, userID)

	first, err := f.orch.StartAcceptance(ctx, userID, id)
	if err != nil {
		t.Fatalf("StartAcceptance: %v", err)
	}
	second, err := f.orch.StartAcceptance(ctx, userID, id)
	if err != nil {
		t.Fatalf("StartAcceptance again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("environment not reused: %s vs %s", first.ID, second.ID)
	}
	if f.prov.provisionCalls != 1 {
		t.Fatalf("provision calls: want=1 got=%d", f.prov.provisionCalls)
	}
}

func TestGetDeliveryBeforeAcceptance(t *testing.T) {
	f := newOrchestratorFixture(t)
	userID := uuid.New()
	id := f.advanceToModulePassed(t, userID)
	_, err := f.orch.GetDelivery(context.Background(), userID, id)
	var nErr *pipeline.NotCompletedError
	if !errors.As(err, &nErr) {
		t.Fatalf("want NotCompletedError, got %v", err)
	}
}

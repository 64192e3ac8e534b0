package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"github.com/odooforge/odooforge-backend/internal/clients/envprov"
	"github.com/odooforge/odooforge-backend/internal/clients/llm"
	"github.com/odooforge/odooforge-backend/internal/clients/testrunner"
	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/pipeline"
	"github.com/odooforge/odooforge-backend/internal/repos"
	"github.com/odooforge/odooforge-backend/internal/sse"
	"github.com/odooforge/odooforge-backend/internal/types"
	"github.com/odooforge/odooforge-backend/internal/utils"
)

// Orchestrator drives build sessions through the pipeline: it sequences the
// external collaborators (generator, test runner, environment provisioner),
// records their outcomes and applies every stage transition through the
// controller. All mutating operations on one session run serialized.
type Orchestrator interface {
	CreateSession(ctx context.Context, userID uuid.UUID, name string, odooVersion int, requirements string) (*SessionView, error)
	GetSession(ctx context.Context, userID, id uuid.UUID) (*SessionView, error)
	ListSessions(ctx context.Context, userID uuid.UUID) ([]*SessionView, error)

	GenerateSpecification(ctx context.Context, userID, id uuid.UUID) (*SessionView, error)
	UpdateSpecification(ctx context.Context, userID, id uuid.UUID, content string) (*SessionView, error)
	ApproveSpecification(ctx context.Context, userID, id uuid.UUID) (*SessionView, error)

	GeneratePlan(ctx context.Context, userID, id uuid.UUID) (*SessionView, error)
	ApprovePlan(ctx context.Context, userID, id uuid.UUID) (*SessionView, error)

	GenerateModule(ctx context.Context, userID, id uuid.UUID) (*GenerationOutcome, error)

	StartAcceptance(ctx context.Context, userID, id uuid.UUID) (*envprov.Environment, error)
	SubmitAcceptanceVerdict(ctx context.Context, userID, id uuid.UUID, accepted bool, feedback string) (*SessionView, error)

	GetDelivery(ctx context.Context, userID, id uuid.UUID) (*types.DeliveryPackage, error)
}

// SessionView is the read model handlers return: the stored record plus the
// pending draft contents and latest per-version outcomes.
type SessionView struct {
	Session            *types.BuildSession `json:"session"`
	CompletedStages    []string            `json:"completed_stages"`
	SpecificationDraft string              `json:"specification_draft,omitempty"`
	PlanDraft          string              `json:"plan_draft,omitempty"`
	LatestVersion      int                 `json:"latest_version,omitempty"`
	LatestTestVerdict  *types.TestVerdict  `json:"latest_test_verdict,omitempty"`
	Delivered          bool                `json:"delivered"`
}

// GenerationOutcome reports one run of the generate-and-test loop.
type GenerationOutcome struct {
	Session  *SessionView       `json:"session"`
	Artifact ArtifactSummary    `json:"artifact"`
	Verdict  *types.TestVerdict `json:"verdict"`
	Attempts int                `json:"attempts"`
}

type ArtifactSummary struct {
	ID         uuid.UUID `json:"id"`
	VersionID  int       `json:"version_id"`
	ModuleName string    `json:"module_name"`
	FileCount  int       `json:"file_count"`
}

type orchestrator struct {
	log          *logger.Logger
	store        SessionStore
	locks        *SessionLocks
	controller   *pipeline.Controller
	registry     *pipeline.Registry
	artifactRepo repos.ModuleArtifactRepo
	verdictRepo  repos.TestVerdictRepo
	acceptRepo   repos.AcceptanceVerdictRepo
	generator    llm.Client
	runner       testrunner.Client
	provisioner  envprov.Client
	delivery     DeliveryService
	notifier     Notifier

	maxAttempts int

	// envSem bounds concurrently held acceptance environments; envHeld tracks
	// which sessions hold a permit on this instance so Release is exact.
	envSem  *semaphore.Weighted
	envMu   sync.Mutex
	envHeld map[uuid.UUID]struct{}
}

func NewOrchestrator(
	log *logger.Logger,
	store SessionStore,
	artifactRepo repos.ModuleArtifactRepo,
	verdictRepo repos.TestVerdictRepo,
	acceptRepo repos.AcceptanceVerdictRepo,
	generator llm.Client,
	runner testrunner.Client,
	provisioner envprov.Client,
	delivery DeliveryService,
	notifier Notifier,
) Orchestrator {
	registry := pipeline.NewRegistry()
	maxAttempts := utils.GetEnvAsInt("MAX_GENERATION_ATTEMPTS", 5, log)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	maxEnvs := utils.GetEnvAsInt("UAT_MAX_ENVIRONMENTS", 5, log)
	if maxEnvs < 1 {
		maxEnvs = 1
	}
	return &orchestrator{
		log:          log.With("service", "Orchestrator"),
		store:        store,
		locks:        NewSessionLocks(),
		controller:   pipeline.NewController(registry),
		registry:     registry,
		artifactRepo: artifactRepo,
		verdictRepo:  verdictRepo,
		acceptRepo:   acceptRepo,
		generator:    generator,
		runner:       runner,
		provisioner:  provisioner,
		delivery:     delivery,
		notifier:     notifier,
		maxAttempts:  maxAttempts,
		envSem:       semaphore.NewWeighted(int64(maxEnvs)),
		envHeld:      map[uuid.UUID]struct{}{},
	}
}

func (o *orchestrator) CreateSession(ctx context.Context, userID uuid.UUID, name string, odooVersion int, requirements string) (*SessionView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &pipeline.ValidationError{Stage: pipeline.StageRequirements, Field: "name", Reason: "must not be empty"}
	}
	if odooVersion == 0 {
		odooVersion = 17
	}
	if odooVersion < 14 || odooVersion > 17 {
		return nil, &pipeline.ValidationError{Stage: pipeline.StageRequirements, Field: "odoo_version", Reason: "must be between 14 and 17"}
	}
	record, err := o.store.Create(ctx, userID, name, odooVersion)
	if err != nil {
		return nil, err
	}
	updated, err := o.store.Update(ctx, record.ID, func(sess *pipeline.Session, rec *types.BuildSession) error {
		next, aErr := o.controller.Advance(*sess, pipeline.StageRequirements, pipeline.RequirementsData{Text: requirements}, time.Now().UTC())
		if aErr != nil {
			return aErr
		}
		*sess = next
		return nil
	})
	if err != nil {
		// The requirements were invalid; do not leave an empty shell behind.
		if dErr := o.store.Delete(ctx, record.ID); dErr != nil {
			o.log.Warn("Failed to clean up rejected session", "sessionID", record.ID, "error", dErr)
		}
		return nil, err
	}
	o.notifier.Notify(ctx, updated.ID, sse.SSEEventStageAdvanced, map[string]any{
		"current_stage": updated.CurrentStage,
	})
	return o.view(ctx, updated)
}

func (o *orchestrator) GetSession(ctx context.Context, userID, id uuid.UUID) (*SessionView, error) {
	record, err := o.loadOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return o.view(ctx, record)
}

func (o *orchestrator) ListSessions(ctx context.Context, userID uuid.UUID) ([]*SessionView, error) {
	records, err := o.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*SessionView, 0, len(records))
	for _, record := range records {
		v, vErr := o.view(ctx, record)
		if vErr != nil {
			return nil, vErr
		}
		out = append(out, v)
	}
	return out, nil
}

func (o *orchestrator) GenerateSpecification(ctx context.Context, userID, id uuid.UUID) (*SessionView, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	record, err := o.loadOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	sess, err := ToPipelineSession(record)
	if err != nil {
		return nil, err
	}
	if err := o.requireReachable(sess, pipeline.StageSpecification); err != nil {
		return nil, err
	}
	var reqs pipeline.RequirementsData
	if _, err := sess.StageData(pipeline.StageRequirements, &reqs); err != nil {
		return nil, err
	}

	content, genErr := o.generator.GenerateSpecification(ctx, llm.SpecificationRequest{
		Requirements: reqs.Text,
		ModuleName:   moduleSlug(record.Name),
		OdooVersion:  record.OdooVersion,
	})
	if genErr != nil {
		return nil, collaboratorErr("specification_generator", genErr)
	}

	updated, err := o.setDraft(ctx, id, pipeline.StageSpecification, pipeline.SpecificationData{Content: content})
	if err != nil {
		return nil, err
	}
	o.notifier.Notify(ctx, id, sse.SSEEventSpecificationDraft, nil)
	return o.view(ctx, updated)
}

func (o *orchestrator) UpdateSpecification(ctx context.Context, userID, id uuid.UUID, content string) (*SessionView, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	if _, err := o.loadOwned(ctx, userID, id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, &pipeline.ValidationError{Stage: pipeline.StageSpecification, Field: "content", Reason: "must not be empty"}
	}
	updated, err := o.store.Update(ctx, id, func(sess *pipeline.Session, rec *types.BuildSession) error {
		if !o.controller.CanModify(*sess, pipeline.StageSpecification) {
			return o.unreachable(*sess, pipeline.StageSpecification)
		}
		var draft pipeline.SpecificationData
		ok, dErr := sess.StageData(pipeline.StageSpecification, &draft)
		if dErr != nil {
			return dErr
		}
		if !ok {
			return &pipeline.NotCompletedError{Stage: pipeline.StageSpecification}
		}
		if draft.Approved {
			// Editing an approved specification reopens it and voids all later
			// work, same as an acceptance rejection voids the module output.
			*sess = o.controller.InvalidateFrom(*sess, pipeline.StageSpecification, time.Now().UTC())
		}
		raw, mErr := json.Marshal(pipeline.SpecificationData{Content: content})
		if mErr != nil {
			return mErr
		}
		sess.Data[pipeline.StageSpecification] = raw
		sess.UpdatedAt = time.Now().UTC()
		rec.Status = types.SessionStatusDraft
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o.view(ctx, updated)
}

func (o *orchestrator) ApproveSpecification(ctx context.Context, userID, id uuid.UUID) (*SessionView, error) {
	return o.approveStage(ctx, userID, id, pipeline.StageSpecification)
}

func (o *orchestrator) GeneratePlan(ctx context.Context, userID, id uuid.UUID) (*SessionView, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	record, err := o.loadOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	sess, err := ToPipelineSession(record)
	if err != nil {
		return nil, err
	}
	if err := o.requireReachable(sess, pipeline.StageDevelopmentPlan); err != nil {
		return nil, err
	}
	var spec pipeline.SpecificationData
	if _, err := sess.StageData(pipeline.StageSpecification, &spec); err != nil {
		return nil, err
	}

	content, genErr := o.generator.GeneratePlan(ctx, llm.PlanRequest{
		Specification: spec.Content,
		OdooVersion:   record.OdooVersion,
	})
	if genErr != nil {
		return nil, collaboratorErr("plan_generator", genErr)
	}

	updated, err := o.setDraft(ctx, id, pipeline.StageDevelopmentPlan, pipeline.PlanData{Content: content})
	if err != nil {
		return nil, err
	}
	o.notifier.Notify(ctx, id, sse.SSEEventPlanDraft, nil)
	return o.view(ctx, updated)
}

func (o *orchestrator) ApprovePlan(ctx context.Context, userID, id uuid.UUID) (*SessionView, error) {
	return o.approveStage(ctx, userID, id, pipeline.StageDevelopmentPlan)
}

func (o *orchestrator) GenerateModule(ctx context.Context, userID, id uuid.UUID) (*GenerationOutcome, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	record, err := o.loadOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	sess, err := ToPipelineSession(record)
	if err != nil {
		return nil, err
	}
	if err := o.requireReachable(sess, pipeline.StageModuleOutput); err != nil {
		return nil, err
	}
	var spec pipeline.SpecificationData
	if _, err := sess.StageData(pipeline.StageSpecification, &spec); err != nil {
		return nil, err
	}
	var plan pipeline.PlanData
	if _, err := sess.StageData(pipeline.StageDevelopmentPlan, &plan); err != nil {
		return nil, err
	}

	packageID, err := o.packageID(ctx, id)
	if err != nil {
		return nil, err
	}

	// A rejected acceptance re-opens module output; its feedback steers the
	// next generation the same way a failed test run's feedback does.
	feedback := ""
	if !sess.IsCompleted(pipeline.StageModuleOutput) {
		latest, aErr := o.artifactRepo.GetLatestBySessionID(ctx, nil, id)
		if aErr != nil {
			return nil, aErr
		}
		if latest != nil {
			rejection, rErr := o.acceptRepo.GetLatestBySessionID(ctx, nil, id)
			if rErr != nil {
				return nil, rErr
			}
			if rejection != nil && !rejection.Accepted && rejection.ArtifactID == latest.ID {
				feedback = rejection.Feedback
			}
		}
	}

	if _, err := o.setStatus(ctx, id, types.SessionStatusGenerating); err != nil {
		return nil, err
	}
	o.notifier.Notify(ctx, id, sse.SSEEventGenerationStarted, nil)

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		result, genErr := o.generator.GenerateModuleFiles(ctx, llm.ModuleRequest{
			Specification: spec.Content,
			Plan:          plan.Content,
			ModuleName:    moduleSlug(record.Name),
			OdooVersion:   record.OdooVersion,
			Feedback:      feedback,
		})
		if genErr != nil {
			if _, sErr := o.setStatus(ctx, id, types.SessionStatusDraft); sErr != nil {
				o.log.Warn("Failed to reset session status", "sessionID", id, "error", sErr)
			}
			return nil, collaboratorErr("module_generator", genErr)
		}

		artifact, aErr := o.storeArtifact(ctx, id, packageID, result)
		if aErr != nil {
			return nil, aErr
		}

		if _, sErr := o.setStatus(ctx, id, types.SessionStatusTesting); sErr != nil {
			return nil, sErr
		}

		verdict, runErr := o.runTests(ctx, record, artifact, spec.Content, result.Files)
		if runErr != nil {
			if _, sErr := o.setStatus(ctx, id, types.SessionStatusDraft); sErr != nil {
				o.log.Warn("Failed to reset session status", "sessionID", id, "error", sErr)
			}
			return nil, runErr
		}
		o.notifier.Notify(ctx, id, sse.SSEEventTestRunCompleted, map[string]any{
			"version_id": artifact.VersionID,
			"passed":     verdict.Passed,
			"attempt":    attempt,
		})

		if verdict.Passed {
			updated, uErr := o.store.Update(ctx, id, func(s *pipeline.Session, rec *types.BuildSession) error {
				next, advErr := o.controller.Advance(*s, pipeline.StageModuleOutput, pipeline.ModuleOutputData{
					Generated:  true,
					ArtifactID: artifact.ID,
					VersionID:  artifact.VersionID,
				}, time.Now().UTC())
				if advErr != nil {
					return advErr
				}
				*s = next
				rec.Status = types.SessionStatusUAT
				return nil
			})
			if uErr != nil {
				return nil, uErr
			}
			o.notifier.Notify(ctx, id, sse.SSEEventStageAdvanced, map[string]any{
				"current_stage": updated.CurrentStage,
			})
			view, vErr := o.view(ctx, updated)
			if vErr != nil {
				return nil, vErr
			}
			return &GenerationOutcome{
				Session: view,
				Artifact: ArtifactSummary{
					ID:         artifact.ID,
					VersionID:  artifact.VersionID,
					ModuleName: artifact.ModuleName,
					FileCount:  len(result.Files),
				},
				Verdict:  verdict,
				Attempts: attempt,
			}, nil
		}

		feedback = verdict.Feedback
		o.log.Info("Test run failed, regenerating",
			"sessionID", id, "versionID", artifact.VersionID, "attempt", attempt, "maxAttempts", o.maxAttempts)
	}

	if _, sErr := o.setStatus(ctx, id, types.SessionStatusFailed); sErr != nil {
		o.log.Warn("Failed to mark session failed", "sessionID", id, "error", sErr)
	}
	o.notifier.Notify(ctx, id, sse.SSEEventSessionFailed, map[string]any{
		"attempts": o.maxAttempts,
	})
	return nil, &RetryExhaustedError{Attempts: o.maxAttempts}
}

func (o *orchestrator) StartAcceptance(ctx context.Context, userID, id uuid.UUID) (*envprov.Environment, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	record, err := o.loadOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	sess, err := ToPipelineSession(record)
	if err != nil {
		return nil, err
	}
	if !sess.IsCompleted(pipeline.StageModuleOutput) {
		return nil, &pipeline.NotCompletedError{Stage: pipeline.StageModuleOutput}
	}

	if record.AcceptanceEnvID != "" && record.AcceptanceExpiresAt != nil && record.AcceptanceExpiresAt.After(time.Now().UTC()) {
		return &envprov.Environment{
			ID:        record.AcceptanceEnvID,
			Status:    "active",
			URL:       record.AcceptanceURL,
			ExpiresAt: *record.AcceptanceExpiresAt,
		}, nil
	}

	artifact, err := o.artifactRepo.GetLatestBySessionID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, &pipeline.NotCompletedError{Stage: pipeline.StageModuleOutput}
	}
	var files map[string]string
	if err := json.Unmarshal(artifact.Files, &files); err != nil {
		return nil, fmt.Errorf("corrupt artifact files: %w", err)
	}

	// An expired environment still holds a capacity permit; release it before
	// asking for a new one or each expiry cycle leaks capacity.
	if record.AcceptanceEnvID != "" {
		o.teardownEnv(ctx, id, record.AcceptanceEnvID)
	}

	if err := o.envSem.Acquire(ctx, 1); err != nil {
		return nil, collaboratorErr("environment_provisioner", err)
	}
	env, provErr := o.provisioner.Provision(ctx, envprov.ProvisionRequest{
		SessionID:   id,
		ModuleName:  artifact.ModuleName,
		Files:       files,
		OdooVersion: record.OdooVersion,
	})
	if provErr != nil {
		o.envSem.Release(1)
		return nil, collaboratorErr("environment_provisioner", provErr)
	}
	o.envMu.Lock()
	o.envHeld[id] = struct{}{}
	o.envMu.Unlock()

	expiresAt := env.ExpiresAt
	if _, err := o.store.Update(ctx, id, func(s *pipeline.Session, rec *types.BuildSession) error {
		rec.AcceptanceEnvID = env.ID
		rec.AcceptanceURL = env.URL
		rec.AcceptanceExpiresAt = &expiresAt
		rec.Status = types.SessionStatusUAT
		s.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		o.teardownEnv(ctx, id, env.ID)
		return nil, err
	}
	o.notifier.Notify(ctx, id, sse.SSEEventAcceptanceReady, map[string]any{
		"url":        env.URL,
		"expires_at": env.ExpiresAt,
	})
	return env, nil
}

func (o *orchestrator) SubmitAcceptanceVerdict(ctx context.Context, userID, id uuid.UUID, accepted bool, feedback string) (*SessionView, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	record, err := o.loadOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	sess, err := ToPipelineSession(record)
	if err != nil {
		return nil, err
	}
	if !sess.IsCompleted(pipeline.StageModuleOutput) {
		return nil, &pipeline.NotCompletedError{Stage: pipeline.StageModuleOutput}
	}
	if !accepted && strings.TrimSpace(feedback) == "" {
		return nil, &pipeline.ValidationError{Stage: pipeline.StageOdooTesting, Field: "feedback", Reason: "required when rejecting"}
	}
	artifact, err := o.artifactRepo.GetLatestBySessionID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, &pipeline.NotCompletedError{Stage: pipeline.StageModuleOutput}
	}

	verdict := &types.AcceptanceVerdict{
		ID:         uuid.New(),
		SessionID:  id,
		ArtifactID: artifact.ID,
		Accepted:   accepted,
		Feedback:   feedback,
		EnvID:      record.AcceptanceEnvID,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := o.acceptRepo.Create(ctx, nil, []*types.AcceptanceVerdict{verdict}); err != nil {
		return nil, err
	}

	// The acceptance environment is released on both outcomes.
	if record.AcceptanceEnvID != "" {
		o.teardownEnv(ctx, id, record.AcceptanceEnvID)
	}

	if accepted {
		updated, uErr := o.store.Update(ctx, id, func(s *pipeline.Session, rec *types.BuildSession) error {
			next, advErr := o.controller.Advance(*s, pipeline.StageOdooTesting, pipeline.OdooTestingData{
				Accepted: true,
				Feedback: feedback,
			}, time.Now().UTC())
			if advErr != nil {
				return advErr
			}
			*s = next
			rec.Status = types.SessionStatusDelivered
			rec.AcceptanceEnvID = ""
			rec.AcceptanceURL = ""
			rec.AcceptanceExpiresAt = nil
			return nil
		})
		if uErr != nil {
			return nil, uErr
		}
		if _, dErr := o.delivery.Package(ctx, updated, artifact); dErr != nil {
			return nil, dErr
		}
		o.notifier.Notify(ctx, id, sse.SSEEventSessionDelivered, nil)
		return o.view(ctx, updated)
	}

	updated, uErr := o.store.Update(ctx, id, func(s *pipeline.Session, rec *types.BuildSession) error {
		*s = o.controller.InvalidateFrom(*s, pipeline.StageModuleOutput, time.Now().UTC())
		rec.Status = types.SessionStatusDraft
		rec.AcceptanceEnvID = ""
		rec.AcceptanceURL = ""
		rec.AcceptanceExpiresAt = nil
		return nil
	})
	if uErr != nil {
		return nil, uErr
	}
	o.notifier.Notify(ctx, id, sse.SSEEventStageAdvanced, map[string]any{
		"current_stage": updated.CurrentStage,
		"rejected":      true,
	})
	return o.view(ctx, updated)
}

func (o *orchestrator) GetDelivery(ctx context.Context, userID, id uuid.UUID) (*types.DeliveryPackage, error) {
	record, err := o.loadOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	sess, err := ToPipelineSession(record)
	if err != nil {
		return nil, err
	}
	if !sess.Delivered() {
		return nil, &pipeline.NotCompletedError{Stage: pipeline.StageOdooTesting}
	}
	return o.delivery.GetDownload(ctx, id)
}

// loadOwned fetches a session and enforces ownership. Sessions belonging to
// other users are indistinguishable from missing ones.
func (o *orchestrator) loadOwned(ctx context.Context, userID, id uuid.UUID) (*types.BuildSession, error) {
	record, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return record, nil
}

func (o *orchestrator) requireReachable(sess pipeline.Session, stage pipeline.Stage) error {
	if o.controller.IsReachable(sess, stage) {
		return nil
	}
	return o.unreachable(sess, stage)
}

func (o *orchestrator) unreachable(sess pipeline.Session, stage pipeline.Stage) error {
	missing := make([]pipeline.Stage, 0, 4)
	for _, prereq := range o.registry.PrerequisitesOf(stage) {
		if !sess.IsCompleted(prereq) {
			missing = append(missing, prereq)
		}
	}
	return &pipeline.UnreachableStageError{Stage: stage, Missing: missing}
}

// setDraft stores a freshly generated draft payload for a stage without
// completing it; approval is what advances the pipeline.
func (o *orchestrator) setDraft(ctx context.Context, id uuid.UUID, stage pipeline.Stage, draft any) (*types.BuildSession, error) {
	return o.store.Update(ctx, id, func(sess *pipeline.Session, rec *types.BuildSession) error {
		if !o.controller.IsReachable(*sess, stage) {
			return o.unreachable(*sess, stage)
		}
		if sess.IsCompleted(stage) {
			// Regenerating an approved stage reopens it and voids later work.
			*sess = o.controller.InvalidateFrom(*sess, stage, time.Now().UTC())
			rec.Status = types.SessionStatusDraft
		}
		raw, err := json.Marshal(draft)
		if err != nil {
			return err
		}
		sess.Data[stage] = raw
		sess.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (o *orchestrator) approveStage(ctx context.Context, userID, id uuid.UUID, stage pipeline.Stage) (*SessionView, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	if _, err := o.loadOwned(ctx, userID, id); err != nil {
		return nil, err
	}
	updated, err := o.store.Update(ctx, id, func(sess *pipeline.Session, rec *types.BuildSession) error {
		var next pipeline.Session
		var advErr error
		switch stage {
		case pipeline.StageSpecification:
			var draft pipeline.SpecificationData
			ok, dErr := sess.StageData(stage, &draft)
			if dErr != nil {
				return dErr
			}
			if !ok {
				return &pipeline.NotCompletedError{Stage: stage}
			}
			draft.Approved = true
			next, advErr = o.controller.Advance(*sess, stage, draft, time.Now().UTC())
		case pipeline.StageDevelopmentPlan:
			var draft pipeline.PlanData
			ok, dErr := sess.StageData(stage, &draft)
			if dErr != nil {
				return dErr
			}
			if !ok {
				return &pipeline.NotCompletedError{Stage: stage}
			}
			draft.Approved = true
			next, advErr = o.controller.Advance(*sess, stage, draft, time.Now().UTC())
		default:
			return fmt.Errorf("stage %s has no approval step", stage)
		}
		if advErr != nil {
			return advErr
		}
		*sess = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.notifier.Notify(ctx, id, sse.SSEEventStageAdvanced, map[string]any{
		"current_stage": updated.CurrentStage,
	})
	return o.view(ctx, updated)
}

func (o *orchestrator) setStatus(ctx context.Context, id uuid.UUID, status string) (*types.BuildSession, error) {
	return o.store.Update(ctx, id, func(sess *pipeline.Session, rec *types.BuildSession) error {
		rec.Status = status
		sess.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// packageID keeps one stable package identity across regenerated versions.
func (o *orchestrator) packageID(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	latest, err := o.artifactRepo.GetLatestBySessionID(ctx, nil, sessionID)
	if err != nil {
		return uuid.Nil, err
	}
	if latest != nil {
		return latest.PackageID, nil
	}
	return uuid.New(), nil
}

func (o *orchestrator) storeArtifact(ctx context.Context, sessionID, packageID uuid.UUID, result *llm.ModuleResult) (*types.ModuleArtifact, error) {
	maxVersion, err := o.artifactRepo.MaxVersionBySessionID(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result.Files)
	if err != nil {
		return nil, err
	}
	artifact := &types.ModuleArtifact{
		ID:         uuid.New(),
		SessionID:  sessionID,
		PackageID:  packageID,
		VersionID:  maxVersion + 1,
		ModuleName: result.ModuleName,
		Files:      datatypes.JSON(raw),
		CreatedAt:  time.Now().UTC(),
	}
	created, err := o.artifactRepo.Create(ctx, nil, []*types.ModuleArtifact{artifact})
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("failed to store module artifact")
	}
	return created[0], nil
}

// runTests executes the suite against a fresh container set, records the
// verdict and always releases the container set, pass or fail.
func (o *orchestrator) runTests(ctx context.Context, record *types.BuildSession, artifact *types.ModuleArtifact, specification string, files map[string]string) (*types.TestVerdict, error) {
	result, runErr := o.runner.Run(ctx, testrunner.RunRequest{
		SessionID:     record.ID,
		ModuleName:    artifact.ModuleName,
		Files:         files,
		Specification: specification,
		OdooVersion:   record.OdooVersion,
	})
	if tdErr := o.runner.Teardown(ctx, record.ID); tdErr != nil {
		o.log.Warn("Test environment teardown failed", "sessionID", record.ID, "error", tdErr)
	}
	if runErr != nil {
		return nil, collaboratorErr("test_runner", runErr)
	}

	verdict := &types.TestVerdict{
		ID:            uuid.New(),
		SessionID:     record.ID,
		ArtifactID:    artifact.ID,
		Passed:        result.Passed,
		Feedback:      result.Feedback,
		TotalTests:    result.TotalTests,
		PassedTests:   result.PassedTests,
		FailedTests:   result.FailedTests,
		ExecutionSecs: result.ExecutionSecs,
		CreatedAt:     time.Now().UTC(),
	}
	created, err := o.verdictRepo.Create(ctx, nil, []*types.TestVerdict{verdict})
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("failed to record test verdict")
	}
	return created[0], nil
}

// teardownEnv releases the acceptance environment and its capacity permit.
func (o *orchestrator) teardownEnv(ctx context.Context, sessionID uuid.UUID, envID string) {
	if err := o.provisioner.Teardown(ctx, envID); err != nil {
		o.log.Warn("Acceptance environment teardown failed", "sessionID", sessionID, "envID", envID, "error", err)
	}
	o.envMu.Lock()
	if _, held := o.envHeld[sessionID]; held {
		delete(o.envHeld, sessionID)
		o.envSem.Release(1)
	}
	o.envMu.Unlock()
}

func (o *orchestrator) view(ctx context.Context, record *types.BuildSession) (*SessionView, error) {
	sess, err := ToPipelineSession(record)
	if err != nil {
		return nil, err
	}
	view := &SessionView{
		Session:   record,
		Delivered: sess.Delivered(),
	}
	for _, stage := range sess.CompletedStages() {
		view.CompletedStages = append(view.CompletedStages, stage.String())
	}
	if !sess.IsCompleted(pipeline.StageSpecification) {
		var draft pipeline.SpecificationData
		if ok, _ := sess.StageData(pipeline.StageSpecification, &draft); ok {
			view.SpecificationDraft = draft.Content
		}
	}
	if !sess.IsCompleted(pipeline.StageDevelopmentPlan) {
		var draft pipeline.PlanData
		if ok, _ := sess.StageData(pipeline.StageDevelopmentPlan, &draft); ok {
			view.PlanDraft = draft.Content
		}
	}
	latest, err := o.artifactRepo.GetLatestBySessionID(ctx, nil, record.ID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		view.LatestVersion = latest.VersionID
		verdict, vErr := o.verdictRepo.GetLatestBySessionID(ctx, nil, record.ID)
		if vErr != nil {
			return nil, vErr
		}
		view.LatestTestVerdict = verdict
	}
	return view, nil
}

// moduleSlug derives an Odoo technical name from the session's display name.
func moduleSlug(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "custom_module"
	}
	return out
}

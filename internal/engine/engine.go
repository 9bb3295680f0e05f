package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/crmsync/internal/schema"
)

// ErrSchemaUnavailable wraps every schema discovery failure.
var ErrSchemaUnavailable = errors.New("schema unavailable")

// Engine processes text into CRM record changes. One Engine serves a host
// session; ProcessText may be called concurrently.
type Engine struct {
	rc        *Context
	planner   *Planner
	orderer   *Orderer
	generator *Generator
	resolver  *Resolver
	executor  *Executor

	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
}

// New creates an engine over rc.
func New(rc *Context) (*Engine, error) {
	if err := rc.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine context: %w", err)
	}
	resolver := NewResolver(rc)
	return &Engine{
		rc:        rc,
		planner:   NewPlanner(rc),
		orderer:   NewOrderer(rc),
		generator: NewGenerator(rc),
		resolver:  resolver,
		executor:  NewExecutor(rc, resolver),
		observers: map[int]Observer{},
	}, nil
}

// Subscribe registers an observer and returns a function removing it.
func (e *Engine) Subscribe(o Observer) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.observers[id] = o
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	e.mu.RLock()
	observers := make([]Observer, 0, len(e.observers))
	for _, o := range e.observers {
		observers = append(observers, o)
	}
	e.mu.RUnlock()

	for _, o := range observers {
		o(ev)
	}
}

// InitializeSchema discovers the record store schema. It is idempotent.
func (e *Engine) InitializeSchema(ctx context.Context) (*schema.Snapshot, error) {
	snap, err := e.rc.Catalog.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaUnavailable, err)
	}
	return snap, nil
}

// SchemaInfo summarizes the discovered schema.
func (e *Engine) SchemaInfo() schema.Snapshot {
	return e.rc.Catalog.Info()
}

// ProcessText runs detection, generation and execution for text. Success
// is false only when the text is empty or the schema cannot be discovered;
// individual action failures are reported in Results.
func (e *Engine) ProcessText(ctx context.Context, text string) *ProcessResult {
	start := time.Now()
	runID := uuid.NewString()
	log := e.rc.Log.With("run_id", runID)

	if strings.TrimSpace(text) == "" {
		e.rc.Metrics.Run("rejected", time.Since(start))
		return &ProcessResult{RunID: runID, Error: "input text is empty"}
	}

	if _, err := e.InitializeSchema(ctx); err != nil {
		log.Error("schema initialization failed", "error", err)
		e.rc.Metrics.Run("error", time.Since(start))
		return &ProcessResult{RunID: runID, Error: err.Error()}
	}
	e.emit(newEvent(EventRunStarted, runID))

	entityPlan := e.planner.Detect(ctx, text)
	actionPlan := e.plan(ctx, text, entityPlan)
	e.emit(eventPlanReady(runID, len(entityPlan.Entities), len(actionPlan.Actions)))
	log.Info("action plan ready", "entities", len(entityPlan.Entities), "actions", len(actionPlan.Actions))

	results := e.executor.Execute(ctx, SortActions(actionPlan.Actions), NewCreationMap(), func(r ActionResult) {
		e.emit(eventActionCompleted(runID, r))
	})

	summary := Summarize(results)
	e.emit(eventRunCompleted(runID, summary))
	e.rc.Metrics.Run("ok", time.Since(start))
	log.Info(summary.Message, "failed", summary.Failed, "skipped", summary.Skipped)

	return &ProcessResult{
		Success:    true,
		RunID:      runID,
		EntityPlan: &entityPlan,
		ActionPlan: actionPlan,
		Results:    results,
		Summary:    &summary,
	}
}

// plan generates actions for every entity in dependency order.
func (e *Engine) plan(ctx context.Context, text string, entityPlan EntityPlan) *ActionPlan {
	ap := &ActionPlan{
		Analysis: Analysis{
			EntitiesFound:  make([]string, 0, len(entityPlan.Entities)),
			Sentiment:      entityPlan.Sentiment,
			Urgency:        entityPlan.Urgency,
			FollowUpNeeded: entityPlan.FollowUpNeeded,
		},
		Actions: []Action{},
	}
	for _, ent := range entityPlan.Entities {
		info, _ := json.Marshal(ent.ExtractedInfo)
		ap.Analysis.EntitiesFound = append(ap.Analysis.EntitiesFound, ent.ObjectSlug+": "+string(info))
	}

	for _, ent := range e.orderer.Order(entityPlan.Entities) {
		if ctx.Err() != nil {
			break
		}
		deps := e.orderer.Dependencies(ent, entityPlan.Entities)
		for _, a := range e.generator.Generate(ctx, text, ent, deps) {
			a.Index = len(ap.Actions)
			ap.Actions = append(ap.Actions, a)
		}
	}
	return ap
}

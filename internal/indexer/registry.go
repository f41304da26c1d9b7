package indexer

import (
	"context"
	"fmt"
	"sync"

	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/internal/monitor"
	"github.com/thep200/gitpulse/pkg/kafka"
	"github.com/thep200/gitpulse/pkg/log"
)

// Hook observes finished runs. Hooks must not block for long.
type Hook func(ctx context.Context, target monitor.Target, result *Result)

// Registry owns one Indexer per entity kind and fans out run results.
type Registry struct {
	Config    *cfg.Config
	Logger    log.Logger
	publisher kafka.Publisher

	mu       sync.RWMutex
	indexers map[model.EntityKind]*Indexer
	finished []Hook
	caughtUp map[model.EntityKind][]Hook
}

// NewRegistry builds the five standard indexers over the shared engine.
func NewRegistry(config *cfg.Config, logger log.Logger, fetcher PageFetcher, watermarks Watermarks, entities EntityWriter, classifier Classifier, publisher kafka.Publisher) *Registry {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	if classifier == nil {
		classifier = HeuristicClassifier{}
	}
	r := &Registry{
		Config:    config,
		Logger:    logger,
		publisher: publisher,
		indexers:  make(map[model.EntityKind]*Indexer, len(model.AllKinds)),
		caughtUp:  make(map[model.EntityKind][]Hook),
	}

	sinks := []Sink{
		&CommitSink{Logger: logger, Store: entities, Classifier: classifier},
		&PullRequestSink{Logger: logger, Store: entities},
		&ReleaseSink{Logger: logger, Store: entities},
		&DeploymentSink{Logger: logger, Store: entities},
		&VulnerabilitySink{Logger: logger, Store: entities},
	}
	for _, sink := range sinks {
		r.Register(NewIndexer(config, logger, fetcher, watermarks, sink))
	}

	r.OnCaughtUp(model.KindVulnerabilities, r.publishVulnerabilitiesIndexed)
	return r
}

// Register adds or replaces the indexer for its kind.
func (r *Registry) Register(ix *Indexer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexers[ix.Kind()] = ix
}

func (r *Registry) Indexer(kind model.EntityKind) (*Indexer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ix, ok := r.indexers[kind]
	return ix, ok
}

// Kinds lists the registered kinds in dispatch order.
func (r *Registry) Kinds() []model.EntityKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]model.EntityKind, 0, len(r.indexers))
	for _, k := range model.AllKinds {
		if _, ok := r.indexers[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// OnFinished registers a hook called after every run that took the lease.
func (r *Registry) OnFinished(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, h)
}

// OnCaughtUp registers a hook called when a run of kind catches up.
func (r *Registry) OnCaughtUp(kind model.EntityKind, h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caughtUp[kind] = append(r.caughtUp[kind], h)
}

// Run executes the indexer for kind against target.
func (r *Registry) Run(ctx context.Context, target monitor.Target, kind model.EntityKind, resume *model.Cursor) (*Result, error) {
	ix, ok := r.Indexer(kind)
	if !ok {
		return nil, fmt.Errorf("no indexer registered for %q", kind)
	}

	result, err := ix.Run(ctx, target, resume)
	if result == nil {
		return nil, err
	}

	r.mu.RLock()
	hooks := append([]Hook(nil), r.finished...)
	if result.CaughtUp {
		hooks = append(hooks, r.caughtUp[kind]...)
	}
	r.mu.RUnlock()

	r.publishFinished(ctx, target, result)
	for _, h := range hooks {
		h(ctx, target, result)
	}
	return result, err
}

func (r *Registry) publishFinished(ctx context.Context, target monitor.Target, result *Result) {
	event := r.event(target, result)
	if err := r.publisher.Publish(ctx, model.EventIndexRunFinished, event); err != nil {
		r.Logger.Warn(ctx, "Failed to publish %s for %s/%s: %v", model.EventIndexRunFinished, event.Repository, result.Kind, err)
	}
}

func (r *Registry) publishVulnerabilitiesIndexed(ctx context.Context, target monitor.Target, result *Result) {
	event := r.event(target, result)
	if err := r.publisher.Publish(ctx, model.EventVulnerabilitiesIndexed, event); err != nil {
		r.Logger.Warn(ctx, "Failed to publish %s for %s: %v", model.EventVulnerabilitiesIndexed, event.Repository, err)
	}
}

func (r *Registry) event(target monitor.Target, result *Result) model.IndexEvent {
	return model.IndexEvent{
		RepositoryID: target.Repo.ID,
		OwnerID:      target.OwnerID,
		Repository:   target.Repo.FullName(),
		Kind:         result.Kind,
		ItemsWritten: result.ItemsWritten,
		CaughtUp:     result.CaughtUp,
		FinishedAt:   result.FinishedAt,
	}
}

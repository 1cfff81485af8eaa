package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/layersweep/layersweep/pkg/graph"
	"github.com/layersweep/layersweep/pkg/registry"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// DefaultWorkers bounds the fan-out of each scan pass.
const DefaultWorkers = 25

// defaultMaxConsecutiveFailures is the dead-letter bound: a pass aborts
// once this many dispatches in a row fail with the same item and error.
const defaultMaxConsecutiveFailures = 5

// Scanner builds the layer graph in two passes: ancestry import creates
// nodes and parent edges for every image, repository import annotates
// nodes with repos and tags and propagates the reachability mark. The
// second pass only starts after the first has fully joined, so DFS runs
// against the complete DAG.
type Scanner struct {
	Log      *logrus.Entry
	Driver   registry.Driver
	Graph    *graph.Graph
	Counters *Counters

	// SnapshotPath, when set, receives an intermediate graph dump after
	// the ancestry pass.
	SnapshotPath string

	workers                int
	maxConsecutiveFailures int

	mu        deadlock.Mutex
	processed map[string]bool
}

func New(log *logrus.Entry, driver registry.Driver, workers int) *Scanner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scanner{
		Log:                    log,
		Driver:                 driver,
		Counters:               NewCounters(),
		workers:                workers,
		maxConsecutiveFailures: defaultMaxConsecutiveFailures,
		processed:              map[string]bool{},
	}
}

// Scan builds and returns the annotated graph.
func (s *Scanner) Scan(ctx context.Context) (*graph.Graph, error) {
	s.Graph = graph.New()

	s.Log.Info("importing image ancestry")
	if err := s.runPass(ctx, s.Driver.EnumerateImages, s.importImage); err != nil {
		return nil, err
	}

	if s.SnapshotPath != "" {
		if err := s.Graph.Save(s.SnapshotPath); err != nil {
			s.Log.Warnf("cannot write graph snapshot: %s", err)
		}
	}

	s.Log.Info("importing repositories and tags")
	if err := s.runPass(ctx, s.Driver.EnumerateRepositories, s.importRepository); err != nil {
		return nil, err
	}

	s.Log.WithFields(logrus.Fields(lo.MapValues(s.Counters.Snapshot(), func(v int, _ string) interface{} {
		return v
	}))).Info("scan complete")

	return s.Graph, nil
}

// runPass drains one enumeration through a bounded worker pool. The
// enumeration runs concurrently with the workers; a semaphore of capacity
// workers guards dispatch. A failed item is re-enqueued once; repeated
// identical failures trip the dead-letter bound and abort the pass.
func (s *Scanner) runPass(
	ctx context.Context,
	enumerate func(context.Context, func(string)) error,
	process func(context.Context, string) error,
) error {
	queue := newWorkQueue()
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	var failures struct {
		mu          deadlock.Mutex
		retried     map[string]bool
		last        string
		consecutive int
		err         error
	}
	failures.retried = map[string]bool{}

	enumerateErr := make(chan error, 1)
	go func() {
		err := enumerate(ctx, func(item string) {
			queue.Add(item)
		})
		queue.ProducerDone()
		enumerateErr <- err
	}()

	for {
		item, ok := queue.Get()
		if !ok {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(item string) {
			defer func() {
				<-sem
				wg.Done()
				queue.TaskDone()
			}()

			if ctx.Err() != nil {
				return
			}

			err := process(ctx, item)
			if err == nil {
				failures.mu.Lock()
				failures.consecutive = 0
				failures.mu.Unlock()
				return
			}

			signature := fmt.Sprintf("%s: %s", item, err)

			failures.mu.Lock()
			if signature == failures.last {
				failures.consecutive++
			} else {
				failures.last = signature
				failures.consecutive = 1
			}
			deadLettered := failures.consecutive >= s.maxConsecutiveFailures
			alreadyRetried := failures.retried[item]
			failures.retried[item] = true
			if (deadLettered || alreadyRetried) && failures.err == nil {
				failures.err = err
			}
			failures.mu.Unlock()

			if deadLettered {
				s.Log.Errorf("aborting pass, %d consecutive failures: %s", s.maxConsecutiveFailures, err)
				queue.Abort()
				return
			}
			if alreadyRetried {
				s.Log.WithField("item", item).Errorf("giving up after retry: %s", err)
				return
			}

			s.Log.WithField("item", item).Warnf("re-enqueueing after error: %s", err)
			s.Counters.Inc(CounterRetries)
			queue.Add(item)
		}(item)
	}

	wg.Wait()

	if err := <-enumerateErr; err != nil {
		return err
	}

	failures.mu.Lock()
	defer failures.mu.Unlock()
	return failures.err
}

// importImage inserts an image and its full ancestry chain.
func (s *Scanner) importImage(ctx context.Context, id string) error {
	s.Graph.AddNode(id)

	ancestry, err := s.Driver.GetImageAncestry(ctx, id)
	if err != nil {
		return err
	}
	s.Graph.AddPath(ancestry)
	s.Counters.Inc(CounterImages)
	return nil
}

// importRepository annotates the graph with one repository's index and
// tags. All fetches happen before the repository is marked processed and
// any node is touched, so a re-enqueued repository either skips (already
// processed) or starts from scratch; annotations are never applied twice.
func (s *Scanner) importRepository(ctx context.Context, repo string) error {
	index, err := s.Driver.GetRepositoryIndex(ctx, repo)
	if err != nil {
		return err
	}
	tags, err := s.Driver.GetRepositoryTags(ctx, repo)
	if err != nil {
		return err
	}

	if !s.markProcessed(repo) {
		return nil
	}

	for _, id := range index {
		if err := s.Graph.AddRepo(id, repo); err != nil {
			if s.skipMissing(err, repo, id) {
				continue
			}
			return err
		}
	}

	names := lo.Keys(tags)
	sort.Strings(names)
	for _, name := range names {
		head := tags[name]
		if err := s.Graph.AddTag(head, repo+":"+name); err != nil {
			if s.skipMissing(err, repo, head) {
				continue
			}
			return err
		}
		if err := s.Graph.MarkReachable(head); err != nil {
			return err
		}
		s.Counters.Inc(CounterTags)
	}

	s.Counters.Inc(CounterRepositories)
	return nil
}

// skipMissing logs and swallows references to layers the graph has never
// seen; the registry may have been modified mid-scan and one dangling
// pointer must not fail the repository.
func (s *Scanner) skipMissing(err error, repo, id string) bool {
	var notFound *graph.NotFoundError
	if !errors.As(err, &notFound) {
		return false
	}
	s.Log.WithFields(logrus.Fields{"repository": repo, "layer": id}).
		Warn("repository references a layer that is not in the graph, skipping")
	s.Counters.Inc(CounterSkippedLayers)
	return true
}

func (s *Scanner) markProcessed(repo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed[repo] {
		return false
	}
	s.processed[repo] = true
	return true
}

package scanner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/layersweep/layersweep/pkg/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// fakeDriver serves a registry from maps and can be told to fail a given
// fetch a number of times before succeeding.
type fakeDriver struct {
	mu sync.Mutex

	images map[string][]string          // image id -> ancestry
	infos  map[string]*registry.ImageInfo
	index  map[string][]string          // repo -> indexed layer ids
	tags   map[string]map[string]string // repo -> tag -> head id

	failAncestry map[string]int // image id -> failures left
	failIndex    map[string]int // repo -> failures left

	indexFetches map[string]int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		images:       map[string][]string{},
		infos:        map[string]*registry.ImageInfo{},
		index:        map[string][]string{},
		tags:         map[string]map[string]string{},
		failAncestry: map[string]int{},
		failIndex:    map[string]int{},
		indexFetches: map[string]int{},
	}
}

func (d *fakeDriver) EnumerateImages(ctx context.Context, emit func(string)) error {
	d.mu.Lock()
	ids := make([]string, 0, len(d.images))
	for id := range d.images {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		emit(id)
	}
	return nil
}

func (d *fakeDriver) EnumerateRepositories(ctx context.Context, emit func(string)) error {
	d.mu.Lock()
	repos := make([]string, 0, len(d.index))
	for repo := range d.index {
		repos = append(repos, repo)
	}
	d.mu.Unlock()
	sort.Strings(repos)
	for _, repo := range repos {
		emit(repo)
	}
	return nil
}

func (d *fakeDriver) GetImageAncestry(ctx context.Context, id string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAncestry[id] > 0 {
		d.failAncestry[id]--
		return nil, errors.New("transient fetch failure")
	}
	ancestry, ok := d.images[id]
	if !ok {
		return nil, errors.New("no such image")
	}
	return ancestry, nil
}

func (d *fakeDriver) GetImageInfo(ctx context.Context, id string) (*registry.ImageInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.infos[id]
	if !ok {
		return nil, errors.New("no such image")
	}
	return info, nil
}

func (d *fakeDriver) GetRepositoryIndex(ctx context.Context, repo string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.indexFetches[repo]++
	if d.failIndex[repo] > 0 {
		d.failIndex[repo]--
		return nil, errors.New("transient fetch failure")
	}
	return d.index[repo], nil
}

func (d *fakeDriver) GetRepositoryTags(ctx context.Context, repo string) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tags[repo], nil
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log.WithField("test", true)
}

func testScanner(driver *fakeDriver) *Scanner {
	return New(testLogger(), driver, 4)
}

func nodeRefs(t *testing.T, s *Scanner) map[string]int {
	refs := map[string]int{}
	for _, id := range s.Graph.NodeIDs() {
		attrs, err := s.Graph.Node(id)
		assert.NoError(t, err)
		refs[id] = attrs.Ref
	}
	return refs
}

func TestScanBuildsAnnotatedGraph(t *testing.T) {
	driver := newFakeDriver()
	driver.images = map[string][]string{
		"a": {"a", "b"},
		"b": {"b"},
		"c": {"c"},
	}
	driver.index = map[string][]string{"r1": {"a", "b"}}
	driver.tags = map[string]map[string]string{"r1": {"latest": "a"}}

	s := testScanner(driver)
	g, err := s.Scan(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, g.NodeIDs())
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 0}, nodeRefs(t, s))

	attrs, err := g.Node("a")
	assert.NoError(t, err)
	assert.Equal(t, []string{"r1:latest"}, attrs.Tags)
	assert.Equal(t, []string{"r1"}, attrs.Repos)

	attrs, err = g.Node("b")
	assert.NoError(t, err)
	assert.Empty(t, attrs.Tags)
	assert.Equal(t, []string{"r1"}, attrs.Repos)

	assert.Equal(t, 3, s.Counters.Get(CounterImages))
	assert.Equal(t, 1, s.Counters.Get(CounterRepositories))
	assert.Equal(t, 1, s.Counters.Get(CounterTags))
}

func TestScanCountsMultipleTagsPerLayer(t *testing.T) {
	driver := newFakeDriver()
	driver.images = map[string][]string{
		"a": {"a", "b"},
		"b": {"b"},
	}
	driver.index = map[string][]string{
		"r1": {"a", "b"},
		"r2": {"a", "b"},
	}
	driver.tags = map[string]map[string]string{
		"r1": {"latest": "a", "stable": "b"},
		"r2": {"latest": "a"},
	}

	s := testScanner(driver)
	_, err := s.Scan(context.Background())
	assert.NoError(t, err)

	// b is reachable from r1:latest, r1:stable and r2:latest
	assert.Equal(t, map[string]int{"a": 2, "b": 3}, nodeRefs(t, s))

	// repositories are imported concurrently, so cross-repo order varies
	attrs, err := s.Graph.Node("a")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1:latest", "r2:latest"}, attrs.Tags)
	assert.ElementsMatch(t, []string{"r1", "r2"}, attrs.Repos)
}

func TestScanRetriesTransientAncestryFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.images = map[string][]string{
		"a": {"a", "b"},
	}
	driver.failAncestry["a"] = 1

	s := testScanner(driver)
	g, err := s.Scan(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, g.NodeIDs())
	assert.Equal(t, 1, s.Counters.Get(CounterRetries))
}

func TestScanSkipsIndexedLayerMissingFromGraph(t *testing.T) {
	driver := newFakeDriver()
	driver.images = map[string][]string{"a": {"a"}}
	driver.index = map[string][]string{"r1": {"a", "ghost"}}
	driver.tags = map[string]map[string]string{"r1": {"latest": "a"}}

	s := testScanner(driver)
	_, err := s.Scan(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, 1, s.Counters.Get(CounterSkippedLayers))
	assert.Equal(t, map[string]int{"a": 1}, nodeRefs(t, s))
}

func TestScanSkipsTagHeadMissingFromGraph(t *testing.T) {
	driver := newFakeDriver()
	driver.images = map[string][]string{"a": {"a"}}
	driver.index = map[string][]string{"r1": {"a"}}
	driver.tags = map[string]map[string]string{"r1": {"latest": "a", "old": "ghost"}}

	s := testScanner(driver)
	_, err := s.Scan(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, 1, s.Counters.Get(CounterSkippedLayers))
	assert.Equal(t, 1, s.Counters.Get(CounterTags))
}

func TestScanRepositoryIsIdempotentUnderReenqueue(t *testing.T) {
	driver := newFakeDriver()
	driver.images = map[string][]string{"a": {"a"}}
	driver.index = map[string][]string{"r1": {"a"}}
	driver.tags = map[string]map[string]string{"r1": {"latest": "a"}}

	s := testScanner(driver)
	_, err := s.Scan(context.Background())
	assert.NoError(t, err)

	// simulate a re-enqueued repository arriving a second time
	err = s.importRepository(context.Background(), "r1")
	assert.NoError(t, err)

	attrs, err := s.Graph.Node("a")
	assert.NoError(t, err)
	assert.Equal(t, []string{"r1:latest"}, attrs.Tags)
	assert.Equal(t, []string{"r1"}, attrs.Repos)
	assert.Equal(t, 1, attrs.Ref)
}

func TestScanRecoversFromSingleRepositoryFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.images = map[string][]string{"a": {"a"}}
	driver.index = map[string][]string{"r1": {"a"}}
	driver.tags = map[string]map[string]string{"r1": {"latest": "a"}}
	driver.failIndex["r1"] = 1

	s := testScanner(driver)
	_, err := s.Scan(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, 2, driver.indexFetches["r1"])
	assert.Equal(t, map[string]int{"a": 1}, nodeRefs(t, s))
}

func TestScanFailsWhenRetryIsExhausted(t *testing.T) {
	driver := newFakeDriver()
	driver.images = map[string][]string{"a": {"a"}}
	driver.index = map[string][]string{"r1": {"a"}}
	driver.failIndex["r1"] = 10

	s := testScanner(driver)
	_, err := s.Scan(context.Background())

	assert.Error(t, err)
}

func TestScanAbortsAfterConsecutiveIdenticalFailures(t *testing.T) {
	driver := newFakeDriver()
	driver.images = map[string][]string{"a": {"a"}}
	driver.failAncestry["a"] = 10

	s := testScanner(driver)
	s.maxConsecutiveFailures = 2
	_, err := s.Scan(context.Background())

	assert.Error(t, err)
}

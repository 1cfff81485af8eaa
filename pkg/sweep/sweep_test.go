package sweep

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/layersweep/layersweep/pkg/graph"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log.WithField("test", true)
}

// buildGraph returns the S1 registry: a -> b, a standalone c, one tag on a.
func buildGraph(t *testing.T, tagged bool) *graph.Graph {
	g := graph.New()
	g.AddPath([]string{"a", "b"})
	g.AddNode("c")
	if tagged {
		require.NoError(t, g.AddTag("a", "r1:latest"))
		require.NoError(t, g.MarkReachable("a"))
	}
	return g
}

func testSweeper(t *testing.T, g *graph.Graph, at time.Time) *Sweeper {
	s := New(testLogger(), g, filepath.Join(t.TempDir(), "delete.json"), 24*time.Hour)
	s.Now = func() time.Time { return at }
	return s
}

func readState(t *testing.T, path string) map[string]string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	state := map[string]string{}
	require.NoError(t, json.Unmarshal(data, &state))
	return state
}

func TestFirstRunRecordsButDeletesNothing(t *testing.T) {
	t0 := time.Date(2015, time.March, 9, 12, 0, 0, 0, time.UTC)
	s := testSweeper(t, buildGraph(t, true), t0)

	candidates, err := s.Sweep()

	assert.NoError(t, err)
	assert.Empty(t, candidates)

	state := readState(t, s.StatePath)
	assert.Equal(t, map[string]string{"c": t0.Format(time.RFC3339Nano)}, state)
}

func TestSecondRunAfterMinAgeReturnsCandidate(t *testing.T) {
	t0 := time.Date(2015, time.March, 9, 12, 0, 0, 0, time.UTC)
	statePath := filepath.Join(t.TempDir(), "delete.json")

	first := New(testLogger(), buildGraph(t, true), statePath, 24*time.Hour)
	first.Now = func() time.Time { return t0 }
	_, err := first.Sweep()
	require.NoError(t, err)

	second := New(testLogger(), buildGraph(t, true), statePath, 24*time.Hour)
	second.Now = func() time.Time { return t0.Add(25 * time.Hour) }
	candidates, err := second.Sweep()

	assert.NoError(t, err)
	assert.Equal(t, []string{"c"}, candidates)

	// expired candidates leave the state file
	assert.Empty(t, readState(t, second.StatePath))
}

func TestSecondRunBeforeMinAgeKeepsTimestamp(t *testing.T) {
	t0 := time.Date(2015, time.March, 9, 12, 0, 0, 0, time.UTC)
	statePath := filepath.Join(t.TempDir(), "delete.json")

	first := New(testLogger(), buildGraph(t, true), statePath, 24*time.Hour)
	first.Now = func() time.Time { return t0 }
	_, err := first.Sweep()
	require.NoError(t, err)

	second := New(testLogger(), buildGraph(t, true), statePath, 24*time.Hour)
	second.Now = func() time.Time { return t0.Add(time.Hour) }
	candidates, err := second.Sweep()

	assert.NoError(t, err)
	assert.Empty(t, candidates)

	// the original first-seen timestamp survives, not the newer one
	state := readState(t, second.StatePath)
	assert.Equal(t, t0.Format(time.RFC3339Nano), state["c"])
}

func TestReferencedLayerLeavesState(t *testing.T) {
	t0 := time.Date(2015, time.March, 9, 12, 0, 0, 0, time.UTC)
	statePath := filepath.Join(t.TempDir(), "delete.json")

	// first run: nothing tagged, so a, b and c are all unreferenced
	first := New(testLogger(), buildGraph(t, false), statePath, 24*time.Hour)
	first.Now = func() time.Time { return t0 }
	_, err := first.Sweep()
	require.NoError(t, err)
	assert.Len(t, readState(t, statePath), 3)

	// second run: the tag is back, only c stays unreferenced
	second := New(testLogger(), buildGraph(t, true), statePath, 24*time.Hour)
	second.Now = func() time.Time { return t0.Add(25 * time.Hour) }
	candidates, err := second.Sweep()

	assert.NoError(t, err)
	assert.Equal(t, []string{"c"}, candidates)
	assert.Empty(t, readState(t, statePath))
}

func TestRetagExpiresOldChainInTopologicalOrder(t *testing.T) {
	t0 := time.Date(2015, time.March, 9, 12, 0, 0, 0, time.UTC)
	statePath := filepath.Join(t.TempDir(), "delete.json")

	retagged := func() *graph.Graph {
		g := graph.New()
		g.AddPath([]string{"a", "b"})
		g.AddNode("c")
		require.NoError(t, g.AddTag("c", "r1:latest"))
		require.NoError(t, g.MarkReachable("c"))
		return g
	}

	second := New(testLogger(), retagged(), statePath, 24*time.Hour)
	second.Now = func() time.Time { return t0 }
	candidates, err := second.Sweep()
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Len(t, readState(t, statePath), 2)

	third := New(testLogger(), retagged(), statePath, 24*time.Hour)
	third.Now = func() time.Time { return t0.Add(25 * time.Hour) }
	candidates, err = third.Sweep()

	assert.NoError(t, err)
	// descendant before parent so deletion can proceed leaves-up
	assert.Equal(t, []string{"a", "b"}, candidates)
}

func TestSweepRefusesCyclicGraph(t *testing.T) {
	g := graph.New()
	g.AddPath([]string{"a", "b", "a"})

	s := testSweeper(t, g, time.Now())
	_, err := s.Sweep()

	assert.Error(t, err)
	_, ok := err.(*graph.CycleError)
	assert.True(t, ok)
}

func TestCorruptStateFileIsTreatedAsFirstRun(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "delete.json")
	require.NoError(t, os.WriteFile(statePath, []byte("not json"), 0o644))

	t0 := time.Date(2015, time.March, 9, 12, 0, 0, 0, time.UTC)
	s := New(testLogger(), buildGraph(t, true), statePath, 24*time.Hour)
	s.Now = func() time.Time { return t0 }

	candidates, err := s.Sweep()

	assert.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Len(t, readState(t, statePath), 1)
}

func TestUnwritableStateFileSurfacesStateError(t *testing.T) {
	// a directory as the state path fails the write regardless of
	// permissions, which keeps this test meaningful when run as root
	s := New(testLogger(), buildGraph(t, true), t.TempDir(), 24*time.Hour)
	s.Now = time.Now

	_, err := s.Sweep()

	assert.Error(t, err)
	_, ok := err.(*StateError)
	assert.True(t, ok)
}

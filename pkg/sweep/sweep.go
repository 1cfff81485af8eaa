package sweep

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/layersweep/layersweep/pkg/graph"
	"github.com/sirupsen/logrus"
)

// DefaultStateFile is where the first-seen-unreferenced timestamps live
// between runs.
const DefaultStateFile = "delete.json"

// StateError reports a sweep-state file that could not be written. An
// unreadable state file is not an error; it is treated as a first run.
type StateError struct {
	Path string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("sweep state file %s: %s", e.Path, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// Sweeper computes the delete candidate set: layers that are unreferenced
// now and were already recorded unreferenced more than MinAge ago. Layers
// seen unreferenced for the first time are only recorded; a transient
// mid-scan inconsistency can therefore never delete anything on its own.
type Sweeper struct {
	Log   *logrus.Entry
	Graph *graph.Graph

	StatePath string
	MinAge    time.Duration

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

func New(log *logrus.Entry, g *graph.Graph, statePath string, minAge time.Duration) *Sweeper {
	if statePath == "" {
		statePath = DefaultStateFile
	}
	return &Sweeper{
		Log:       log,
		Graph:     g,
		StatePath: statePath,
		MinAge:    minAge,
		Now:       time.Now,
	}
}

// Sweep returns the expired candidates in topological order, children
// before parents, so a delete executor can remove layers from the leaves
// up. The surviving first-seen timestamps are persisted before returning.
func (s *Sweeper) Sweep() ([]string, error) {
	var unreferenced []string
	for _, id := range s.Graph.NodeIDs() {
		attrs, err := s.Graph.Node(id)
		if err != nil {
			return nil, err
		}
		if attrs.Ref < 1 {
			unreferenced = append(unreferenced, id)
		}
	}

	// refuses to order (and therefore sweep) a graph with a cycle
	ordered, err := s.Graph.TopoSort(unreferenced)
	if err != nil {
		return nil, err
	}

	previous := s.loadState()
	now := s.Now()

	current := map[string]time.Time{}
	var candidates []string
	for _, id := range ordered {
		firstSeen, seenBefore := previous[id]
		if !seenBefore {
			current[id] = now
			continue
		}
		if now.Sub(firstSeen) > s.MinAge {
			candidates = append(candidates, id)
		} else {
			current[id] = firstSeen
		}
	}

	if err := s.saveState(current); err != nil {
		return candidates, err
	}

	s.Log.WithFields(logrus.Fields{
		"unreferenced": len(ordered),
		"candidates":   len(candidates),
	}).Info("sweep complete")

	return candidates, nil
}

// loadState reads the previous run's timestamps. A missing or unreadable
// file is a first run.
func (s *Sweeper) loadState() map[string]time.Time {
	data, err := os.ReadFile(s.StatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.Log.Warnf("cannot read sweep state, assuming first run: %s", err)
		}
		return map[string]time.Time{}
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		s.Log.Warnf("cannot parse sweep state, assuming first run: %s", err)
		return map[string]time.Time{}
	}

	state := make(map[string]time.Time, len(raw))
	for id, stamp := range raw {
		parsed, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			s.Log.Warnf("dropping unparseable timestamp for %s: %s", id, err)
			continue
		}
		state[id] = parsed
	}
	return state
}

func (s *Sweeper) saveState(state map[string]time.Time) error {
	raw := make(map[string]string, len(state))
	for id, stamp := range state {
		raw[id] = stamp.UTC().Format(time.RFC3339Nano)
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return &StateError{Path: s.StatePath, Err: err}
	}
	if err := os.WriteFile(s.StatePath, data, 0o644); err != nil {
		return &StateError{Path: s.StatePath, Err: err}
	}
	return nil
}

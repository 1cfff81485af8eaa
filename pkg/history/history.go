package history

import (
	"context"
	"strings"

	"github.com/layersweep/layersweep/pkg/graph"
	"github.com/layersweep/layersweep/pkg/registry"
	"github.com/sirupsen/logrus"
)

// Record describes one layer in an image's history.
type Record struct {
	ID      string   `json:"id"`
	Command *string  `json:"command"`
	Size    int64    `json:"size"`
	Ref     int      `json:"ref"`
	Tags    []string `json:"tags"`
	Created string   `json:"created"`
}

// Reporter lists the ancestry of a layer, newest first, with the manifest
// details of every layer on the chain.
type Reporter struct {
	Log    *logrus.Entry
	Driver registry.Driver
	Graph  *graph.Graph
}

func New(log *logrus.Entry, driver registry.Driver, g *graph.Graph) *Reporter {
	return &Reporter{Log: log, Driver: driver, Graph: g}
}

// History returns one record per layer reachable from id, in topological
// order. This is a read-only report; any fetch failure aborts it.
func (r *Reporter) History(ctx context.Context, id string) ([]Record, error) {
	tree, err := r.Graph.DFSTree(id)
	if err != nil {
		return nil, err
	}

	ordered, err := tree.TopoSort(nil)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(ordered))
	for _, layer := range ordered {
		attrs, err := tree.Node(layer)
		if err != nil {
			return nil, err
		}

		info, err := r.Driver.GetImageInfo(ctx, layer)
		if err != nil {
			return nil, err
		}

		var command *string
		if len(info.ContainerConfig.Cmd) > 0 {
			joined := strings.Join(info.ContainerConfig.Cmd, " ")
			command = &joined
		}

		records = append(records, Record{
			ID:      layer,
			Command: command,
			Size:    info.Size,
			Ref:     attrs.Ref,
			Tags:    attrs.Tags,
			Created: info.Created,
		})
	}
	return records, nil
}

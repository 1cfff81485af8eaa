package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/layersweep/layersweep/pkg/config"
	"github.com/layersweep/layersweep/pkg/graph"
	"github.com/layersweep/layersweep/pkg/history"
	"github.com/layersweep/layersweep/pkg/log"
	"github.com/layersweep/layersweep/pkg/registry"
	"github.com/layersweep/layersweep/pkg/scanner"
	"github.com/layersweep/layersweep/pkg/store"
	"github.com/layersweep/layersweep/pkg/sweep"
	"github.com/layersweep/layersweep/pkg/utils"
	"github.com/sirupsen/logrus"
)

// App struct
type App struct {
	Config *config.AppConfig
	Log    *logrus.Entry
	Store  *store.Client
	Driver registry.Driver
}

// GraphFileError is an I/O or parse failure on a persisted graph file.
type GraphFileError struct {
	Path string
	Err  error
}

func (e *GraphFileError) Error() string {
	return fmt.Sprintf("graph file %s: %s", e.Path, e.Err)
}

func (e *GraphFileError) Unwrap() error { return e.Err }

// ScanOptions controls where the graph comes from and whether it is
// persisted afterwards.
type ScanOptions struct {
	// GraphFile, when set, is loaded instead of scanning the registry.
	GraphFile string

	// SaveFile, when set, receives the scanned graph.
	SaveFile string
}

// NewApp bootstraps a new application
func NewApp(conf *config.AppConfig) (*App, error) {
	app := &App{Config: conf}
	app.Log = log.NewLogger(conf)

	if err := conf.Validate(); err != nil {
		return app, err
	}

	registryConf := conf.UserConfig.Registry

	timeout, err := utils.ParseDuration(conf.UserConfig.Scan.RequestTimeout)
	if err != nil {
		return app, &config.ConfigError{Message: fmt.Sprintf("scan.requestTimeout: %s", err)}
	}
	retryStep, err := utils.ParseDuration(conf.UserConfig.Scan.RetryStep)
	if err != nil {
		return app, &config.ConfigError{Message: fmt.Sprintf("scan.retryStep: %s", err)}
	}

	app.Store, err = store.NewClient(app.Log, store.Config{
		Bucket:    registryConf.Bucket,
		Region:    registryConf.Region,
		AccessKey: registryConf.AccessKey,
		SecretKey: registryConf.SecretKey,
		Endpoint:  registryConf.Endpoint,
		Insecure:  registryConf.Insecure,
		Timeout:   timeout,
		RetryStep: retryStep,
	})
	if err != nil {
		return app, err
	}

	app.Driver = registry.NewS3Driver(app.Log, app.Store, registryConf.Path)
	return app, nil
}

// buildGraph loads the persisted graph when one was given and scans the
// registry otherwise.
func (app *App) buildGraph(ctx context.Context, opts ScanOptions) (*graph.Graph, error) {
	if opts.GraphFile != "" {
		g, err := graph.Load(opts.GraphFile)
		if err != nil {
			return nil, &GraphFileError{Path: opts.GraphFile, Err: err}
		}
		app.Log.Infof("loaded graph with %d layers from %s", g.Len(), opts.GraphFile)
		return g, nil
	}

	scan := scanner.New(app.Log, app.Driver, app.Config.UserConfig.Scan.Workers)
	if opts.SaveFile != "" {
		scan.SnapshotPath = opts.SaveFile + ".partial"
	}

	g, err := scan.Scan(ctx)
	if err != nil {
		return nil, err
	}

	if opts.SaveFile != "" {
		if err := g.Save(opts.SaveFile); err != nil {
			return nil, &GraphFileError{Path: opts.SaveFile, Err: err}
		}
	}
	return g, nil
}

// Sweep scans (or loads) the graph and prints the delete candidate set,
// one layer id per line, descendants before parents.
func (app *App) Sweep(ctx context.Context, opts ScanOptions, age time.Duration, stateFile string) error {
	g, err := app.buildGraph(ctx, opts)
	if err != nil {
		return err
	}

	sweeper := sweep.New(app.Log, g, stateFile, age)
	candidates, err := sweeper.Sweep()

	// the candidate set is printed even when persisting the sweep state
	// failed, so a downstream delete executor can still act on it
	for _, id := range candidates {
		fmt.Println(id)
	}
	return err
}

// History prints the ordered layer history of an image as JSON.
func (app *App) History(ctx context.Context, opts ScanOptions, image string) error {
	g, err := app.buildGraph(ctx, opts)
	if err != nil {
		return err
	}

	records, err := history.New(app.Log, app.Driver, g).History(ctx, image)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

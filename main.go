package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	goerrors "github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/layersweep/layersweep/pkg/app"
	"github.com/layersweep/layersweep/pkg/config"
	"github.com/layersweep/layersweep/pkg/sweep"
	"github.com/layersweep/layersweep/pkg/utils"
)

const (
	exitOK       = 0
	exitConfig   = 2
	exitRegistry = 3
	exitFile     = 4
)

var (
	commit      string
	version     = "unversioned"
	date        string
	buildSource = "unknown"

	configFile  = ""
	graphFile   = ""
	saveFile    = ""
	verboseFlag = false

	ageFlag   = ""
	stateFile = ""

	imageArg = ""
)

func main() {
	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version,
		date,
		buildSource,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	flaggy.SetName("layersweep")
	flaggy.SetDescription("Garbage collector for v1 docker registries on object storage")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/layersweep/layersweep"

	flaggy.String(&configFile, "c", "config", "Path to the config file")
	flaggy.String(&graphFile, "g", "graph", "Load a previously saved graph instead of scanning")
	flaggy.String(&saveFile, "s", "save", "Save the scanned graph to this file")
	flaggy.Bool(&verboseFlag, "v", "verbose", "Log progress and stack traces to stderr")
	flaggy.SetVersion(info)

	sweepCmd := flaggy.NewSubcommand("sweep")
	sweepCmd.Description = "Print the layers that have been unreferenced for longer than --age"
	sweepCmd.String(&ageFlag, "a", "age", "Minimum unreferenced age before a layer becomes a candidate, e.g. 1d or 12h")
	sweepCmd.String(&stateFile, "", "state", "Path of the sweep state file")
	flaggy.AttachSubcommand(sweepCmd, 1)

	historyCmd := flaggy.NewSubcommand("history")
	historyCmd.Description = "Print the ordered layer history of an image as JSON"
	historyCmd.AddPositionalValue(&imageArg, "image", 1, true, "Image layer id")
	flaggy.AttachSubcommand(historyCmd, 1)

	flaggy.Parse()

	if !sweepCmd.Used && !historyCmd.Used {
		flaggy.ShowHelpAndExit("a subcommand is required")
	}

	appConfig, err := config.NewAppConfig("layersweep", version, commit, date, buildSource, verboseFlag, configFile)
	if err != nil {
		fail(err)
	}

	layersweep, err := app.NewApp(appConfig)
	if err != nil {
		fail(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := app.ScanOptions{GraphFile: graphFile, SaveFile: saveFile}

	switch {
	case sweepCmd.Used:
		userSweep := appConfig.UserConfig.Sweep
		if ageFlag == "" {
			ageFlag = userSweep.Age
		}
		age, err := utils.ParseDuration(ageFlag)
		if err != nil {
			fail(&config.ConfigError{Message: fmt.Sprintf("--age: %s", err)})
		}
		if stateFile == "" {
			stateFile = userSweep.StateFile
		}
		if err := layersweep.Sweep(ctx, opts, age, stateFile); err != nil {
			fail(err)
		}
	case historyCmd.Used:
		if err := layersweep.History(ctx, opts, imageArg); err != nil {
			fail(err)
		}
	}

	os.Exit(exitOK)
}

// fail prints the error and exits with the code its kind maps to. Stack
// traces only show up with --verbose.
func fail(err error) {
	if verboseFlag {
		stdlog.Println(goerrors.Wrap(err, 1).ErrorStack())
	} else {
		stdlog.Println(err.Error())
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var configErr *config.ConfigError
	if errors.As(err, &configErr) {
		return exitConfig
	}

	var stateErr *sweep.StateError
	if errors.As(err, &stateErr) {
		return exitFile
	}
	var graphErr *app.GraphFileError
	if errors.As(err, &graphErr) {
		return exitFile
	}

	return exitRegistry
}

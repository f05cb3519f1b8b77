package main

import (
	"flag"
	"fmt"

	"github.com/cryogenicdeadfrost/Project-RedTooth/pkg/redtooth"
	"github.com/cryogenicdeadfrost/Project-RedTooth/pkg/redtooth/util"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging bluetooth)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.Parse()
}

func main() {
	logger, err := redtooth.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	// only one redtooth at a time can own the loopback capture
	if err := util.CreateMutex("redtooth"); err != nil {
		named.Fatalw("Another instance is already running", "error", err)
	}

	rt, err := redtooth.NewRedTooth(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create redtooth object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		rt.SetVersion(versionString)
	}

	if err = rt.Initialize(); err != nil {
		named.Fatalw("Failed to initialize redtooth", "error", err)
	}
}

// Command elevate weaves the packages a test package depends on so their
// functions can be intercepted without patching machine code.
//
// Usage:
//
//	elevate [flags] [dir]
//	elevate -restore dir...
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/pboyd/elevated/weave"
)

var (
	configFile string
	patchTest  bool
	skipVerify bool
	restore    bool
	verbose    bool
)

func main() {
	flag.StringVar(&configFile, "config", "", "TOML options file")
	flag.BoolVar(&patchTest, "patch-test", false, "weave the root package too")
	flag.BoolVar(&skipVerify, "skip-verify", false, "do not run the verifier after weaving")
	flag.BoolVar(&restore, "restore", false, "undo weaving in the given directories")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if restore {
		err = runRestore(logger, flag.Args())
	} else {
		err = run(logger, flag.Arg(0))
	}
	if err != nil {
		logger.Error("elevate failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger, dir string) error {
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	opts, err := loadOptions()
	if err != nil {
		return err
	}
	opts.Logger = logger

	results, err := weave.PatchAllDependentPackages(dir, opts)
	for _, r := range results {
		fmt.Printf("%-24s %s\n", r.State, r.Path)
	}
	return err
}

// loadOptions reads -config, if set, and applies the flags that were given
// on top of it.
func loadOptions() (weave.Options, error) {
	var opts weave.Options
	if configFile != "" {
		var err error
		opts, err = weave.LoadOptions(configFile)
		if err != nil {
			return opts, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "patch-test":
			opts.PatchTestPackage = patchTest
		case "skip-verify":
			opts.SkipVerify = skipVerify
		}
	})
	return opts, nil
}

func runRestore(logger *zap.Logger, dirs []string) error {
	if len(dirs) == 0 {
		return errors.New("-restore needs at least one directory")
	}

	var errs []error
	for _, dir := range dirs {
		restored, err := weave.Restore(dir)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "restoring %s", dir))
		}
		for _, path := range restored {
			fmt.Printf("restored %s\n", path)
		}
		logger.Debug("restored package", zap.String("dir", dir), zap.Int("files", len(restored)))
	}
	return errors.Join(errs...)
}

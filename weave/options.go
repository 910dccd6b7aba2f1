package weave

import (
	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultRuntimePath is the import path woven code dispatches through.
const DefaultRuntimePath = "github.com/pboyd/elevated"

// Options controls PatchAllDependentPackages.
type Options struct {
	// PatchTestPackage weaves the root package too. Normally only the
	// packages it depends on are woven.
	PatchTestPackage bool `toml:"patch_test_package"`

	// SkipVerify skips running Verifier after writing a package.
	SkipVerify bool `toml:"skip_verify"`

	// Verifier is run in each woven package directory. A non-zero exit
	// rolls the package back. Defaults to "go vet .".
	Verifier []string `toml:"verifier"`

	// RuntimePath is imported by woven code as elevatedrt.
	RuntimePath string `toml:"runtime_path"`

	// Exclude lists import path patterns, in path.Match syntax, that are
	// never woven.
	Exclude []string `toml:"exclude"`

	Logger *zap.Logger `toml:"-"`
}

// LoadOptions reads Options from a TOML file. Unknown keys are an error.
func LoadOptions(path string) (Options, error) {
	var opts Options
	md, err := toml.DecodeFile(path, &opts)
	if err != nil {
		return Options{}, errors.Wrapf(err, "reading %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Options{}, errors.Newf("%s: unknown option %q", path, undecoded[0].String())
	}
	return opts, nil
}

func (o Options) withDefaults() Options {
	if len(o.Verifier) == 0 {
		o.Verifier = []string{"go", "vet", "."}
	}
	if o.RuntimePath == "" {
		o.RuntimePath = DefaultRuntimePath
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

package weave

import (
	"fmt"
	"go/build"
	"go/parser"
	"go/token"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/samber/lo"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// PatchState is the outcome for one package.
type PatchState int

const (
	// GeneralFailure means weaving or verifying the package failed.
	GeneralFailure PatchState = iota

	// IgnoredTestPackage is the root package, which is only woven with
	// Options.PatchTestPackage.
	IgnoredTestPackage

	// IgnoredForeignPackage is a package outside the root's module, or
	// one that is excluded.
	IgnoredForeignPackage

	// AlreadyPatched packages carry a marker from this build of the tool.
	AlreadyPatched

	// Patched packages were woven and their files backed up.
	Patched
)

func (s PatchState) String() string {
	switch s {
	case GeneralFailure:
		return "general failure"
	case IgnoredTestPackage:
		return "ignored test package"
	case IgnoredForeignPackage:
		return "ignored foreign package"
	case AlreadyPatched:
		return "already patched"
	case Patched:
		return "patched"
	}
	return fmt.Sprintf("PatchState(%d)", int(s))
}

// PatchResult is reported for every package PatchAllDependentPackages
// reached.
type PatchResult struct {
	// Path is the package directory, or the import path for foreign
	// packages.
	Path       string
	ImportPath string
	State      PatchState

	// Report is set for Patched packages.
	Report *Report

	Err error
}

// PatchAllDependentPackages weaves the packages of rootDir's module that
// rootDir imports, directly or not. rootDir is normally a test package and
// is itself left alone unless opts.PatchTestPackage is set. Packages from
// other modules are reported as foreign and never touched.
//
// The module is locked while packages are written. A package whose marker
// comes from another build of the tool is restored and woven again. A
// package that fails to weave or verify is rolled back and ends the walk.
func PatchAllDependentPackages(rootDir string, opts Options) ([]PatchResult, error) {
	if !filepath.IsAbs(rootDir) {
		return nil, errors.Newf("root package path must be absolute: %s", rootDir)
	}
	opts = opts.withDefaults()
	log := opts.Logger

	mod, err := findModule(rootDir)
	if err != nil {
		return nil, err
	}
	if err := mod.checkGoVersion(); err != nil {
		return nil, err
	}
	if !mod.requires(opts.RuntimePath) {
		return nil, errors.Newf("module %s does not require %s", mod.Path, opts.RuntimePath)
	}

	lock := flock.New(lockPath(mod.Root))
	if err := lock.Lock(); err != nil {
		return nil, errors.Wrapf(err, "locking module %s", mod.Path)
	}
	defer lock.Unlock()

	rootImport, err := mod.importPath(rootDir)
	if err != nil {
		return nil, err
	}

	w := NewWeaver(opts)
	var (
		queue   = []string{rootImport}
		seen    = map[string]bool{}
		results []PatchResult
	)
	for i := 0; i < len(queue); i++ {
		ip := queue[i]
		if seen[ip] {
			continue
		}
		seen[ip] = true

		dir, ok := mod.dirOf(ip)
		if !ok || isRuntime(ip, opts.RuntimePath) || excluded(ip, opts.Exclude) {
			results = append(results, PatchResult{Path: ip, ImportPath: ip, State: IgnoredForeignPackage})
			continue
		}

		isRoot := ip == rootImport
		imports, err := packageImports(dir, isRoot)
		if err != nil {
			results = append(results, PatchResult{Path: dir, ImportPath: ip, State: GeneralFailure, Err: err})
			return results, err
		}
		queue = append(queue, imports...)

		res := patchOne(w, dir, ip, isRoot, opts)
		res.ImportPath = ip
		results = append(results, res)
		log.Debug("package processed", zap.String("package", ip), zap.Stringer("state", res.State))
		if res.Err != nil {
			return results, res.Err
		}
	}
	return results, nil
}

func patchOne(w *Weaver, dir, importPath string, isRoot bool, opts Options) PatchResult {
	fail := func(err error) PatchResult {
		return PatchResult{Path: dir, State: GeneralFailure, Err: err}
	}

	state, err := w.State(dir)
	if err != nil {
		return fail(err)
	}

	if isRoot && !opts.PatchTestPackage {
		if state == Woven {
			return fail(errors.Newf("unexpected already-woven test package %s", importPath))
		}
		return PatchResult{Path: dir, State: IgnoredTestPackage}
	}

	switch state {
	case Woven:
		return PatchResult{Path: dir, State: AlreadyPatched}
	case StaleWoven:
		opts.Logger.Info("restoring package woven by another build", zap.String("package", importPath))
		if _, err := Restore(dir); err != nil {
			return fail(errors.Wrapf(err, "restoring stale package %s", importPath))
		}
	}

	report, err := w.Patch(dir)
	if err != nil {
		return fail(err)
	}

	if !opts.SkipVerify {
		if err := verify(dir, opts.Verifier); err != nil {
			if _, rerr := Restore(dir); rerr != nil {
				err = errors.WithSecondaryError(err, rerr)
			}
			return fail(err)
		}
	}
	return PatchResult{Path: dir, State: Patched, Report: report}
}

// packageImports lists the imports of the package in dir, with those of its
// test files when tests is set.
func packageImports(dir string, tests bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	fset := token.NewFileSet()
	var imports []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") {
			continue
		}
		if !tests && strings.HasSuffix(name, "_test.go") {
			continue
		}
		if match, err := build.Default.MatchFile(dir, name); err != nil || !match {
			continue
		}

		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, errors.Wrapf(err, "reading imports of %s", name)
		}
		for _, imp := range f.Imports {
			p, err := strconv.Unquote(imp.Path.Value)
			if err != nil || p == "C" {
				continue
			}
			imports = append(imports, p)
		}
	}

	imports = lo.Uniq(imports)
	slices.Sort(imports)
	return imports, nil
}

func isRuntime(importPath, runtimePath string) bool {
	return importPath == runtimePath || strings.HasPrefix(importPath, runtimePath+"/")
}

func excluded(importPath string, patterns []string) bool {
	return lo.SomeBy(patterns, func(p string) bool {
		ok, _ := path.Match(p, importPath)
		return ok
	})
}

// lockPath is the lock file for a module root. It lives outside the module
// so weaving leaves no extra files behind.
func lockPath(root string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("elevated-%016x.lock", xxh3.HashString(root)))
}

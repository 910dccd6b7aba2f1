// Package weave rewrites Go packages so their functions can be intercepted
// without patching machine code.
//
// Weaving a package inserts a preamble at the top of every eligible
// function:
//
//	func (c *Client) Do(req *Request) (*Response, error) {
//		if _elvRes, _elvOK := elevatedrt.Dispatch(_elevatedM_Client_Do, c, req); _elvOK {
//			return elevatedrt.Result[*Response](_elvRes, 0), elevatedrt.Result[error](_elvRes, 1)
//		}
//		...
//
// and adds zz_elevated_woven.go, which registers each type with the
// runtime together with an alternate initializer that prepares embedded
// types and nothing else. The first line of that file marks the package as
// woven. Replaced files are kept next to the originals with an .orig suffix
// so Restore can put them back.
package weave

import (
	"go/build"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyWoven = errors.New("package is already woven")
	ErrNoGoFiles    = errors.New("no Go files to weave")
)

// Weaver rewrites packages.
type Weaver struct {
	// RuntimePath is the import path of the dispatch runtime.
	RuntimePath string

	// Hash goes into the marker. It defaults to ToolHash.
	Hash string

	Logger *zap.Logger
}

// NewWeaver returns a Weaver configured from opts.
func NewWeaver(opts Options) *Weaver {
	opts = opts.withDefaults()
	return &Weaver{
		RuntimePath: opts.RuntimePath,
		Hash:        ToolHash(),
		Logger:      opts.Logger,
	}
}

// Report describes what weaving did to one package.
type Report struct {
	Dir        string
	ImportPath string

	// Types are the types given a dispatch slot, embedded types first.
	Types []string

	// Funcs are the functions given a preamble.
	Funcs []string

	Skipped []Skip

	// Written are the files replaced or created.
	Written []string
}

type output struct {
	path   string
	src    []byte
	exists bool
}

// State returns the marker state of dir for this weaver.
func (w *Weaver) State(dir string) (MarkerState, error) {
	return readMarker(dir, w.Hash)
}

// Patch weaves the package in dir. Nothing is written unless every file
// can be rewritten.
func (w *Weaver) Patch(dir string) (*Report, error) {
	state, err := w.State(dir)
	if err != nil {
		return nil, err
	}
	if state != NotWoven {
		return nil, errors.Wrapf(ErrAlreadyWoven, "%s is %s", dir, state)
	}

	report, outputs, err := w.weave(dir)
	if err != nil {
		return nil, err
	}

	report.Written, err = writeOutputs(outputs)
	if err != nil {
		return nil, err
	}

	w.Logger.Info("woven package",
		zap.String("package", report.ImportPath),
		zap.Int("types", len(report.Types)),
		zap.Int("funcs", len(report.Funcs)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

// weave computes the rewritten files for dir without writing them.
func (w *Weaver) weave(dir string) (*Report, []output, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, err
	}

	mod, err := findModule(dir)
	if err != nil {
		return nil, nil, err
	}
	importPath, err := mod.importPath(dir)
	if err != nil {
		return nil, nil, err
	}
	if !mod.requires(w.RuntimePath) {
		return nil, nil, errors.Newf("module %s does not require %s", mod.Path, w.RuntimePath)
	}

	fset := token.NewFileSet()
	files, err := parseDir(fset, dir)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, errors.Wrapf(ErrNoGoFiles, "%s", dir)
	}

	pkgName := files[0].ast.Name.Name
	for _, f := range files[1:] {
		if f.ast.Name.Name != pkgName {
			return nil, nil, errors.Newf("%s: found packages %s and %s", dir, pkgName, f.ast.Name.Name)
		}
	}

	report := &Report{Dir: dir, ImportPath: importPath}
	for _, f := range files {
		classifyFile(f)
		if f.skip != "" {
			report.Skipped = append(report.Skipped, Skip{Name: filepath.Base(f.path), Reason: f.skip})
		}
	}

	named, skipped := collectTypes(files)
	report.Skipped = append(report.Skipped, skipped...)
	byName := lo.SliceToMap(named, func(nt *namedType) (string, *namedType) { return nt.name, nt })

	funcs, skipped := collectFuncs(files, pkgName, byName)
	report.Skipped = append(report.Skipped, skipped...)

	var outputs []output
	byFile := funcsByFile(funcs)
	for _, f := range files {
		fileFuncs := byFile[f]
		if len(fileFuncs) == 0 {
			continue
		}
		src, err := rewriteFile(f, fileFuncs, fset, w.RuntimePath)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "internal error weaving %s (types %s)",
				filepath.Base(f.path), strings.Join(typesIn(fileFuncs), ", "))
		}
		outputs = append(outputs, output{path: f.path, src: src, exists: true})
	}

	gen, err := generate(w.Hash, pkgName, importPath, w.RuntimePath, named)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "internal error generating declarations for %s", importPath)
	}
	outputs = append(outputs, output{path: filepath.Join(dir, GeneratedFile), src: gen})

	report.Types = lo.Map(named, func(nt *namedType, _ int) string { return nt.name })
	report.Funcs = lo.Map(funcs, func(wf *wovenFunc, _ int) string { return wf.String() })

	for _, s := range report.Skipped {
		w.Logger.Debug("skipped", zap.String("package", importPath), zap.Stringer("what", s))
	}
	return report, outputs, nil
}

// parseDir parses the non-test files of dir that match the host build
// context.
func parseDir(fset *token.FileSet, dir string) ([]*srcFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []*srcFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") || name == GeneratedFile {
			continue
		}
		if match, err := build.Default.MatchFile(dir, name); err != nil || !match {
			continue
		}
		files = append(files, &srcFile{path: filepath.Join(dir, name)})
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, f := range files {
		g.Go(func() error {
			src, err := os.ReadFile(f.path)
			if err != nil {
				return err
			}
			f.src = src
			f.ast, err = parser.ParseFile(fset, f.path, src, parser.ParseComments|parser.SkipObjectResolution)
			return errors.Wrapf(err, "parsing %s", f.path)
		})
	}
	return files, g.Wait()
}

// writeOutputs writes each output to a temporary file, moves the file it
// replaces to its backup and renames the temporary into place. On failure
// everything already written is put back.
func writeOutputs(outputs []output) ([]string, error) {
	var done []output
	for _, o := range outputs {
		if err := writeOutput(o); err != nil {
			if rerr := rollback(done); rerr != nil {
				err = errors.WithSecondaryError(err, rerr)
			}
			return nil, err
		}
		done = append(done, o)
	}
	return lo.Map(done, func(o output, _ int) string { return o.path }), nil
}

func writeOutput(o output) error {
	mode := os.FileMode(0o644)
	backup := o.path + BackupSuffix

	if o.exists {
		fi, err := os.Stat(o.path)
		if err != nil {
			return err
		}
		mode = fi.Mode().Perm()

		if _, err := os.Stat(backup); err == nil {
			return errors.Newf("backup %s already exists", backup)
		}
	}

	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, o.src, mode); err != nil {
		return err
	}

	if o.exists {
		if err := os.Rename(o.path, backup); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, o.path); err != nil {
		if o.exists {
			os.Rename(backup, o.path)
		}
		os.Remove(tmp)
		return err
	}
	return nil
}

func rollback(done []output) error {
	var errs []error
	for _, o := range done {
		var err error
		if o.exists {
			err = os.Rename(o.path+BackupSuffix, o.path)
		} else {
			err = os.Remove(o.path)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore undoes weaving in dir: backups are moved back over the woven
// files and the generated file is removed. It returns the restored paths.
func Restore(dir string) ([]string, error) {
	backups, err := filepath.Glob(filepath.Join(dir, "*.go"+BackupSuffix))
	if err != nil {
		return nil, err
	}

	var (
		restored []string
		errs     []error
	)
	for _, b := range backups {
		orig := strings.TrimSuffix(b, BackupSuffix)
		if err := os.Rename(b, orig); err != nil {
			errs = append(errs, err)
			continue
		}
		restored = append(restored, orig)
	}

	gen := filepath.Join(dir, GeneratedFile)
	if err := os.Remove(gen); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return restored, errors.Join(errs...)
}

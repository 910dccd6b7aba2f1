package weave

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"golang.org/x/mod/modfile"
)

// MinGoVersion is the lowest go directive a woven module may declare.
const MinGoVersion = "1.22"

// module is the Go module containing a package directory.
type module struct {
	Root string
	Path string

	file *modfile.File
}

// findModule walks up from dir to the nearest go.mod.
func findModule(dir string) (*module, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	for d := dir; ; {
		gomod := filepath.Join(d, "go.mod")
		data, err := os.ReadFile(gomod)
		if err == nil {
			f, err := modfile.Parse(gomod, data, nil)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing %s", gomod)
			}
			if f.Module == nil {
				return nil, errors.Newf("%s has no module directive", gomod)
			}
			return &module{Root: d, Path: f.Module.Mod.Path, file: f}, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}

		parent := filepath.Dir(d)
		if parent == d {
			return nil, errors.Newf("no go.mod found above %s", dir)
		}
		d = parent
	}
}

// importPath returns the import path of the package in dir.
func (m *module) importPath(dir string) (string, error) {
	rel, err := filepath.Rel(m.Root, dir)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return m.Path, nil
	}
	if strings.HasPrefix(rel, "..") {
		return "", errors.Newf("%s is outside module %s", dir, m.Path)
	}
	return m.Path + "/" + filepath.ToSlash(rel), nil
}

// dirOf returns the directory of an import path, if it belongs to m.
func (m *module) dirOf(importPath string) (string, bool) {
	if importPath == m.Path {
		return m.Root, true
	}
	rel, ok := strings.CutPrefix(importPath, m.Path+"/")
	if !ok {
		return "", false
	}
	return filepath.Join(m.Root, filepath.FromSlash(rel)), true
}

// requires reports whether the module can import path: it is part of the
// module or the module requires it.
func (m *module) requires(path string) bool {
	if path == m.Path || strings.HasPrefix(path, m.Path+"/") {
		return true
	}
	for _, r := range m.file.Require {
		if path == r.Mod.Path || strings.HasPrefix(path, r.Mod.Path+"/") {
			return true
		}
	}
	return false
}

// checkGoVersion fails when the go directive is older than MinGoVersion.
func (m *module) checkGoVersion() error {
	if m.file.Go == nil {
		return errors.Newf("module %s has no go directive", m.Path)
	}

	have, err := semver.ParseTolerant(m.file.Go.Version)
	if err != nil {
		return errors.Wrapf(err, "module %s: go directive %q", m.Path, m.file.Go.Version)
	}
	want := semver.MustParse(MinGoVersion + ".0")
	if have.LT(want) {
		return errors.Newf("module %s declares go %s, weaving needs %s or later", m.Path, m.file.Go.Version, MinGoVersion)
	}
	return nil
}

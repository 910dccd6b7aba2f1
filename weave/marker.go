package weave

import (
	"bufio"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/xxh3"
)

// GeneratedFile holds the declarations weaving adds to a package. Its first
// line is the marker.
const GeneratedFile = "zz_elevated_woven.go"

const markerPrefix = "// elevated:woven "

// BackupSuffix is appended to the name of every file weaving replaced.
const BackupSuffix = ".orig"

// MarkerState is what the marker says about a package directory.
type MarkerState int

const (
	NotWoven MarkerState = iota
	Woven
	// StaleWoven packages were woven by a different build of the tool.
	StaleWoven
)

func (s MarkerState) String() string {
	switch s {
	case NotWoven:
		return "not woven"
	case Woven:
		return "woven"
	case StaleWoven:
		return "stale"
	}
	return fmt.Sprintf("MarkerState(%d)", int(s))
}

var toolHash = sync.OnceValue(func() string {
	exe, err := os.Executable()
	if err != nil {
		return "unknown"
	}
	f, err := os.Open(exe)
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%016x", h.Sum64())
})

// ToolHash identifies the running build of the weaver. Packages are only
// considered woven when their marker carries the same hash.
func ToolHash() string {
	return toolHash()
}

func markerLine(hash string) string {
	return markerPrefix + hash
}

// readMarker returns the marker state of dir for the given tool hash.
func readMarker(dir, hash string) (MarkerState, error) {
	f, err := os.Open(filepath.Join(dir, GeneratedFile))
	if os.IsNotExist(err) {
		return NotWoven, nil
	}
	if err != nil {
		return NotWoven, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return NotWoven, errors.Wrapf(err, "reading %s marker", dir)
	}
	line = strings.TrimRight(line, "\r\n")

	rest, ok := strings.CutPrefix(line, markerPrefix)
	switch {
	case !ok:
		return NotWoven, nil
	case rest == hash:
		return Woven, nil
	default:
		return StaleWoven, nil
	}
}

// IsPatched reports whether dir was woven by this build of the tool. Only
// the marker line is read.
func IsPatched(dir string) (bool, error) {
	state, err := readMarker(dir, ToolHash())
	return state == Woven, err
}

// IsTypePatched reports whether the named type in dir has woven
// declarations. A type with a dispatch registration but no alternate
// initializer, or the reverse, is an internal error and panics.
func IsTypePatched(dir, name string) (bool, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, filepath.Join(dir, GeneratedFile), nil, parser.SkipObjectResolution)
	if os.IsNotExist(errors.UnwrapAll(err)) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var hasSlot, hasInit bool
	for _, decl := range f.Decls {
		switch decl := decl.(type) {
		case *ast.GenDecl:
			for _, spec := range decl.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok {
					continue
				}
				for _, n := range vs.Names {
					if n.Name == typeVar(name) {
						hasSlot = true
					}
				}
			}
		case *ast.FuncDecl:
			if decl.Name.Name == initFunc(name) {
				hasInit = true
			}
		}
	}

	if hasSlot != hasInit {
		panic(errors.AssertionFailedf("type %s in %s: dispatch registration and alternate initializer do not match", name, dir))
	}
	return hasSlot, nil
}

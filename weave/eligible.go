package weave

import (
	"go/ast"
	"go/token"
	"go/types"
	"slices"
	"strconv"
	"strings"
)

// Skip records something weaving left alone and why.
type Skip struct {
	Name   string
	Reason string
}

func (s Skip) String() string {
	return s.Name + ": " + s.Reason
}

type srcFile struct {
	path string
	src  []byte
	ast  *ast.File

	// skip is set for files that are never rewritten.
	skip string
}

// namedType is a top-level type declaration that gets a dispatch slot.
type namedType struct {
	name   string
	spec   *ast.TypeSpec
	embeds []embed
	depth  int
}

type embed struct {
	field   string
	pointer bool

	// local is the embedded type's name when it is declared in the same
	// package.
	local string
}

// wovenFunc is a function that gets a dispatch preamble.
type wovenFunc struct {
	file *srcFile
	decl *ast.FuncDecl

	// recv is the receiver's type name, empty for package-level
	// functions.
	recv string
}

func (f *wovenFunc) String() string {
	if f.recv == "" {
		return f.decl.Name.Name
	}
	return "(*" + f.recv + ")." + f.decl.Name.Name
}

// classifyFile decides whether a file can be rewritten at all.
func classifyFile(f *srcFile) {
	switch {
	case ast.IsGenerated(f.ast):
		f.skip = "generated file"
	case importsC(f.ast):
		f.skip = "cgo file"
	}
}

func importsC(f *ast.File) bool {
	for _, imp := range f.Imports {
		if p, _ := strconv.Unquote(imp.Path.Value); p == "C" {
			return true
		}
	}
	return false
}

// collectTypes returns the package's eligible named types, bases first.
func collectTypes(files []*srcFile) ([]*namedType, []Skip) {
	var (
		found   = map[string]*namedType{}
		skipped []Skip
	)

	for _, f := range files {
		if f.skip != "" {
			continue
		}
		for _, decl := range f.ast.Decls {
			gd, ok := decl.(*ast.GenDecl)
			if !ok || gd.Tok != token.TYPE {
				continue
			}
			for _, spec := range gd.Specs {
				ts := spec.(*ast.TypeSpec)
				if reason := typeIneligible(ts); reason != "" {
					if reason != "interface" && reason != "alias" {
						skipped = append(skipped, Skip{Name: ts.Name.Name, Reason: reason})
					}
					continue
				}
				found[ts.Name.Name] = &namedType{name: ts.Name.Name, spec: ts}
			}
		}
	}

	for _, nt := range found {
		nt.embeds = embedsOf(nt.spec, found)
	}

	sorted := make([]*namedType, 0, len(found))
	for _, nt := range found {
		nt.depth = embedDepth(nt, found, map[string]bool{})
		sorted = append(sorted, nt)
	}
	slices.SortFunc(sorted, func(a, b *namedType) int {
		if a.depth != b.depth {
			return a.depth - b.depth
		}
		return strings.Compare(a.name, b.name)
	})
	return sorted, skipped
}

func typeIneligible(ts *ast.TypeSpec) string {
	switch {
	case ts.Assign.IsValid():
		return "alias"
	case ts.Name.Name == "_":
		return "blank type"
	case ts.TypeParams != nil:
		return "generic type"
	}

	switch t := ts.Type.(type) {
	case *ast.InterfaceType:
		return "interface"
	case *ast.StructType:
		if hasHostLayout(t) {
			return "host layout struct"
		}
	}
	return ""
}

func hasHostLayout(st *ast.StructType) bool {
	for _, field := range st.Fields.List {
		if sel, ok := field.Type.(*ast.SelectorExpr); ok && sel.Sel.Name == "HostLayout" {
			if x, ok := sel.X.(*ast.Ident); ok && x.Name == "structs" {
				return true
			}
		}
	}
	return false
}

// embedsOf lists the embedded fields of a struct type.
func embedsOf(ts *ast.TypeSpec, local map[string]*namedType) []embed {
	st, ok := ts.Type.(*ast.StructType)
	if !ok {
		return nil
	}

	var out []embed
	for _, field := range st.Fields.List {
		if len(field.Names) > 0 {
			continue
		}

		e := embed{}
		t := field.Type
		if star, ok := t.(*ast.StarExpr); ok {
			e.pointer = true
			t = star.X
		}
		// Generic instantiations are embedded under the type's name.
		switch x := t.(type) {
		case *ast.IndexExpr:
			t = x.X
		case *ast.IndexListExpr:
			t = x.X
		}

		switch x := t.(type) {
		case *ast.Ident:
			e.field = x.Name
			if _, ok := local[x.Name]; ok {
				e.local = x.Name
			}
		case *ast.SelectorExpr:
			e.field = x.Sel.Name
		default:
			continue
		}
		out = append(out, e)
	}
	return out
}

// embedDepth is the length of the longest chain of local embedded types
// below nt.
func embedDepth(nt *namedType, local map[string]*namedType, visiting map[string]bool) int {
	if visiting[nt.name] {
		return 0
	}
	visiting[nt.name] = true
	defer delete(visiting, nt.name)

	depth := 0
	for _, e := range nt.embeds {
		if base, ok := local[e.local]; ok {
			depth = max(depth, embedDepth(base, local, visiting)+1)
		}
	}
	return depth
}

// collectFuncs returns the functions that get a preamble.
func collectFuncs(files []*srcFile, pkgName string, named map[string]*namedType) ([]*wovenFunc, []Skip) {
	var (
		out     []*wovenFunc
		skipped []Skip
	)

	for _, f := range files {
		if f.skip != "" {
			continue
		}
		for _, decl := range f.ast.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if !ok {
				continue
			}

			wf := &wovenFunc{file: f, decl: fd}
			if fd.Recv != nil && len(fd.Recv.List) == 1 {
				wf.recv = receiverName(fd.Recv.List[0].Type)
			}

			if reason := funcIneligible(fd, pkgName, wf.recv, named); reason != "" {
				if reason != "-" {
					skipped = append(skipped, Skip{Name: wf.String(), Reason: reason})
				}
				continue
			}
			out = append(out, wf)
		}
	}
	return out, skipped
}

// funcIneligible returns why fd gets no preamble. "-" means the function
// is left alone without being reported.
func funcIneligible(fd *ast.FuncDecl, pkgName, recv string, named map[string]*namedType) string {
	name := fd.Name.Name
	switch {
	case name == "_" || name == "init":
		return "-"
	case fd.Recv == nil && pkgName == "main" && name == "main":
		return "-"
	case fd.Body == nil:
		return "no body"
	case fd.Type.TypeParams != nil:
		return "generic function"
	}

	if fd.Recv == nil {
		return ""
	}

	rt := fd.Recv.List[0].Type
	star, ok := rt.(*ast.StarExpr)
	if !ok {
		if isGenericReceiver(rt) {
			return "generic receiver"
		}
		return "value receiver"
	}
	if isGenericReceiver(star.X) {
		return "generic receiver"
	}
	if _, ok := named[recv]; !ok {
		return "receiver type is not woven"
	}
	return ""
}

func receiverName(t ast.Expr) string {
	if star, ok := t.(*ast.StarExpr); ok {
		t = star.X
	}
	switch x := t.(type) {
	case *ast.Ident:
		return x.Name
	case *ast.IndexExpr:
		return receiverName(x.X)
	case *ast.IndexListExpr:
		return receiverName(x.X)
	}
	return ""
}

func isGenericReceiver(t ast.Expr) bool {
	switch t.(type) {
	case *ast.IndexExpr, *ast.IndexListExpr:
		return true
	}
	return false
}

// fieldTypes expands a field list to one type string per value.
func fieldTypes(fl *ast.FieldList) []string {
	if fl == nil {
		return nil
	}
	var out []string
	for _, field := range fl.List {
		t := types.ExprString(field.Type)
		n := max(len(field.Names), 1)
		for range n {
			out = append(out, t)
		}
	}
	return out
}

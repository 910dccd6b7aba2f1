package weave

import (
	"bytes"
	"fmt"
	"go/format"
	"go/parser"
	"go/token"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"golang.org/x/tools/go/ast/astutil"
)

// Woven code imports the runtime under this name.
const runtimeAlias = "elevatedrt"

const (
	pkgVar   = "_elevatedPkg"
	resVar   = "_elvRes"
	okVar    = "_elvOK"
	recvName = "_elvRecv"
)

func typeVar(name string) string {
	return "_elevatedT_" + name
}

func initFunc(name string) string {
	return "_elevatedInit_" + name
}

func methodVar(f *wovenFunc) string {
	if f.recv == "" {
		return "_elevatedF_" + f.decl.Name.Name
	}
	return "_elevatedM_" + f.recv + "_" + f.decl.Name.Name
}

func argName(i int) string {
	return fmt.Sprintf("_elvArg%d", i)
}

// edit replaces del bytes at off with text.
type edit struct {
	off  int
	del  int
	text string
}

func applyEdits(src []byte, edits []edit) []byte {
	edits = slices.Clone(edits)
	slices.SortStableFunc(edits, func(a, b edit) int { return b.off - a.off })

	out := src
	for _, e := range edits {
		out = slices.Concat(out[:e.off], []byte(e.text), out[e.off+e.del:])
	}
	return out
}

// funcEdits names anonymous parameters, inserts the dispatch preamble and
// returns the declaration of the function's descriptor variable.
func funcEdits(fset *token.FileSet, wf *wovenFunc) ([]edit, string) {
	var (
		fd    = wf.decl
		edits []edit
		args  []string
		recv  = "nil"
	)
	offset := func(p token.Pos) int {
		return fset.Position(p).Offset
	}

	if fd.Recv != nil {
		field := fd.Recv.List[0]
		switch {
		case len(field.Names) == 0:
			edits = append(edits, edit{off: offset(field.Type.Pos()), text: recvName + " "})
			recv = recvName
		case field.Names[0].Name == "_":
			edits = append(edits, edit{off: offset(field.Names[0].Pos()), del: 1, text: recvName})
			recv = recvName
		default:
			recv = field.Names[0].Name
		}
	}

	for _, field := range fd.Type.Params.List {
		if len(field.Names) == 0 {
			name := argName(len(args))
			edits = append(edits, edit{off: offset(field.Type.Pos()), text: name + " "})
			args = append(args, name)
			continue
		}
		for _, id := range field.Names {
			name := id.Name
			if name == "_" {
				name = argName(len(args))
				edits = append(edits, edit{off: offset(id.Pos()), del: 1, text: name})
			}
			args = append(args, name)
		}
	}

	results := fieldTypes(fd.Type.Results)

	var b strings.Builder
	res := resVar
	if len(results) == 0 {
		res = "_"
	}
	fmt.Fprintf(&b, "\n\tif %s, %s := %s.Dispatch(%s, %s", res, okVar, runtimeAlias, methodVar(wf), recv)
	for _, a := range args {
		b.WriteString(", " + a)
	}
	fmt.Fprintf(&b, "); %s {\n\t\treturn", okVar)
	for i, t := range results {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " %s.Result[%s](%s, %d)", runtimeAlias, t, resVar, i)
	}
	b.WriteString("\n\t}\n")
	edits = append(edits, edit{off: offset(fd.Body.Lbrace) + 1, text: b.String()})

	owner := pkgVar
	if wf.recv != "" {
		owner = typeVar(wf.recv)
	}
	decl := fmt.Sprintf("var %s = %s.DeclareMethod[%s](%s, %q)\n",
		methodVar(wf), runtimeAlias, funcType(wf), owner, fd.Name.Name)
	return edits, decl
}

// funcType spells the function's type with the receiver as first
// parameter, the type of its method expression.
func funcType(wf *wovenFunc) string {
	params := fieldTypes(wf.decl.Type.Params)
	if wf.recv != "" {
		params = append([]string{"*" + wf.recv}, params...)
	}

	s := "func(" + strings.Join(params, ", ") + ")"
	switch results := fieldTypes(wf.decl.Type.Results); len(results) {
	case 0:
	case 1:
		s += " " + results[0]
	default:
		s += " (" + strings.Join(results, ", ") + ")"
	}
	return s
}

// rewriteFile applies the preambles for funcs to f and adds the runtime
// import.
func rewriteFile(f *srcFile, funcs []*wovenFunc, fset *token.FileSet, runtimePath string) ([]byte, error) {
	var (
		edits []edit
		decls []string
	)
	for _, wf := range funcs {
		e, decl := funcEdits(fset, wf)
		edits = append(edits, e...)
		decls = append(decls, decl)
	}

	src := applyEdits(f.src, edits)
	src = append(src, "\n"+strings.Join(decls, "")...)

	out := token.NewFileSet()
	file, err := parser.ParseFile(out, f.path, src, parser.ParseComments)
	if err != nil {
		return nil, errors.Wrap(err, "rewritten source does not parse")
	}
	astutil.AddNamedImport(out, file, runtimeAlias, runtimePath)

	var buf bytes.Buffer
	if err := format.Node(&buf, out, file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// generate writes the marker file: the package registration, one
// dispatch slot per type and the types' alternate initializers.
func generate(hash, pkgName, importPath, runtimePath string, named []*namedType) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\n// Code generated by elevate. DO NOT EDIT.\n\n", markerLine(hash))
	fmt.Fprintf(&b, "package %s\n\nimport %s %q\n\n", pkgName, runtimeAlias, runtimePath)
	fmt.Fprintf(&b, "var %s = %s.DeclarePackage(%q)\n", pkgVar, runtimeAlias, importPath)

	for _, nt := range named {
		fmt.Fprintf(&b, "\nvar %s = %s.DeclareType(%s)\n", typeVar(nt.name), runtimeAlias, initFunc(nt.name))
		fmt.Fprintf(&b, "\nfunc %s(v *%s, m %s.MockMarker) {\n", initFunc(nt.name), nt.name, runtimeAlias)
		for _, e := range nt.embeds {
			fn := "MockInit"
			if e.pointer {
				fn = "MockSet"
			}
			fmt.Fprintf(&b, "\t%s.%s(&v.%s, m)\n", runtimeAlias, fn, e.field)
		}
		b.WriteString("}\n")
	}

	return format.Source(b.Bytes())
}

// funcsByFile groups funcs by the file declaring them.
func funcsByFile(funcs []*wovenFunc) map[*srcFile][]*wovenFunc {
	out := map[*srcFile][]*wovenFunc{}
	for _, wf := range funcs {
		out[wf.file] = append(out[wf.file], wf)
	}
	return out
}

// typesIn lists the receiver types of funcs, for error messages.
func typesIn(funcs []*wovenFunc) []string {
	return lo.Uniq(lo.FilterMap(funcs, func(wf *wovenFunc, _ int) (string, bool) {
		return wf.recv, wf.recv != ""
	}))
}

package elevated

import (
	"reflect"

	"github.com/cockroachdb/errors"
)

// funcDifferences lists mismatched parameters and results of two function
// types. A nil entry means the types at that position agree.
type funcDifferences struct {
	In  []*argDifference
	Out []*argDifference
}

func (d *funcDifferences) empty() bool {
	for _, a := range d.In {
		if a != nil {
			return false
		}
	}
	for _, a := range d.Out {
		if a != nil {
			return false
		}
	}
	return true
}

func (d *funcDifferences) Error() error {
	errs := []error{}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, errors.Newf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, errors.Newf("output %d: %v != %v", i, out.A, out.B))
		}
	}

	return errors.Join(errs...)
}

type argDifference struct {
	A reflect.Type
	B reflect.Type
}

func diffFuncs(a, b reflect.Value) *funcDifferences {
	at := a.Type()
	bt := b.Type()
	return &funcDifferences{
		In:  diffTypes(at.NumIn(), at.In, bt.NumIn(), bt.In),
		Out: diffTypes(at.NumOut(), at.Out, bt.NumOut(), bt.Out),
	}
}

// diffTypes compares two type lists position by position. Positions only
// one side has are reported with nil on the other side.
func diffTypes(na int, a func(int) reflect.Type, nb int, b func(int) reflect.Type) []*argDifference {
	diff := make([]*argDifference, max(na, nb))
	for i := range diff {
		var at, bt reflect.Type
		if i < na {
			at = a(i)
		}
		if i < nb {
			bt = b(i)
		}
		if at != bt {
			diff[i] = &argDifference{A: at, B: bt}
		}
	}
	return diff
}

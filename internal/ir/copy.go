package ir

import (
	"slices"

	"github.com/cockroachdb/errors"
)

// ErrUnsupportedHandler is returned when a body uses fault or filter
// handlers. Copy does not reproduce them.
var ErrUnsupportedHandler = errors.New("unsupported exception handler")

// tryGroup is every clause sharing one try range.
type tryGroup struct {
	tryStart, tryEnd int
	clauses          []Region
	end              int
}

// Copy re-emits body as an independent unit with the same behavior. Locals
// keep their pinning, every branch target gets a fresh label and exception
// regions are replayed around the same instructions.
func Copy(body *Body) (*Body, error) {
	n := len(body.Instrs)

	groups, err := groupRegions(body.Regions, n)
	if err != nil {
		return nil, err
	}

	b := NewBuilder(body.Name, slices.Clone(body.Params), slices.Clone(body.Results))
	for _, l := range body.Locals {
		b.DeclareLocal(l.Type, l.Pinned)
	}

	labels := map[int]Label{}
	for i, in := range body.Instrs {
		if !in.Op.IsBranch() {
			continue
		}
		if in.Target < 0 || in.Target > n {
			return nil, errors.Newf("branch at %d targets %d, outside of the body", i, in.Target)
		}
		if _, ok := labels[in.Target]; !ok {
			labels[in.Target] = b.DefineLabel()
		}
	}

	for i := 0; i <= n; i++ {
		// Groups that end here are closed first, innermost first.
		for range closingAt(groups, i) {
			b.EndExceptionBlock()
		}

		for _, g := range groups {
			for _, c := range g.clauses {
				if c.HandlerStart != i {
					continue
				}
				switch c.Kind {
				case RegionCatch:
					b.BeginCatchBlock(c.CatchType)
				case RegionFinally:
					b.BeginFinallyBlock()
				}
			}
		}

		for range openingAt(groups, i) {
			b.BeginExceptionBlock()
		}

		if l, ok := labels[i]; ok {
			b.MarkLabel(l)
		}

		if i == n {
			break
		}

		in := body.Instrs[i]
		if in.Op.IsBranch() {
			b.EmitBranch(in.Op, labels[in.Target])
		} else {
			b.Emit(in)
		}
	}

	return b.Build()
}

func groupRegions(regions []Region, n int) ([]*tryGroup, error) {
	var groups []*tryGroup
	byRange := map[[2]int]*tryGroup{}

	for _, r := range regions {
		switch r.Kind {
		case RegionCatch, RegionFinally:
		default:
			return nil, errors.Wrapf(ErrUnsupportedHandler, "%s clause at %d", r.Kind, r.HandlerStart)
		}

		if r.TryStart < 0 || r.TryStart >= r.TryEnd || r.TryEnd > r.HandlerStart ||
			r.HandlerStart >= r.HandlerEnd || r.HandlerEnd > n {
			return nil, errors.Newf("malformed %s clause: try [%d,%d) handler [%d,%d)",
				r.Kind, r.TryStart, r.TryEnd, r.HandlerStart, r.HandlerEnd)
		}

		key := [2]int{r.TryStart, r.TryEnd}
		g, ok := byRange[key]
		if !ok {
			g = &tryGroup{tryStart: r.TryStart, tryEnd: r.TryEnd}
			byRange[key] = g
			groups = append(groups, g)
		}
		g.clauses = append(g.clauses, r)
		// A group closes once, after the last of its handlers.
		g.end = max(g.end, r.HandlerEnd)
	}

	return groups, nil
}

func closingAt(groups []*tryGroup, offset int) []*tryGroup {
	var out []*tryGroup
	for _, g := range groups {
		if g.end == offset {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b *tryGroup) int {
		if a.tryStart != b.tryStart {
			return b.tryStart - a.tryStart
		}
		return a.tryEnd - b.tryEnd
	})
	return out
}

func openingAt(groups []*tryGroup, offset int) []*tryGroup {
	var out []*tryGroup
	for _, g := range groups {
		if g.tryStart == offset {
			out = append(out, g)
		}
	}
	// Outer blocks open before the blocks nested in them.
	slices.SortFunc(out, func(a, b *tryGroup) int {
		return b.end - a.end
	})
	return out
}

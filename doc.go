// Package elevated intercepts calls to functions that an interface-based
// test double cannot reach: concrete methods, package-level functions and
// constructors.
//
// There are two ways in. At run time, InstallDynamicMethodTrampoline
// overwrites a compiled function's entry with a jump to a generated thunk.
// Before build, the weave package rewrites a package's source so every
// eligible function starts with a call to Dispatch. Either way the call ends
// up in TryMock, which asks the CallRouter registered for the receiver or
// declaring type whether to return a substitute result. When the router
// declines, the original code runs: a relocated copy of it for trampolines,
// the rest of the function body for woven code.
//
// Only one interception context can be active at a time (see AutoHook).
// Tests that intercept calls must not run in parallel.
//
// Limitations:
//   - Trampolines support amd64 and arm64 (with cgo) on Unix and Windows
//   - Relies on internal Go APIs that can break at any time
//   - Calls that were inlined are not intercepted, use //go:noinline
//   - Generic functions, value receivers, closures and method values are
//     refused with ErrCannotIntercept
package elevated

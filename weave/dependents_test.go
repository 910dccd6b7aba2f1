package weave

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const utilSrc = `package util

type Clock struct {
	offset int
}

func (c *Clock) Now() int { return 1000 + c.offset }
`

const svcSrc = `package svc

import (
	"fmt"

	"example.com/app/util"
)

type Service struct {
	clock *util.Clock
}

func (s *Service) Stamp(msg string) string {
	return fmt.Sprintf("%d %s", s.clock.Now(), msg)
}
`

const rootTestSrc = `package tests

import (
	"testing"

	"example.com/app/svc"
)

func TestStamp(t *testing.T) {
	_ = new(svc.Service)
}
`

const rootHelperSrc = `package tests

type fixture struct{}

func (f *fixture) Name() string { return "fixture" }
`

func newDependentsFixture(t *testing.T) string {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"go.mod":              testGoMod,
		"util/util.go":        utilSrc,
		"svc/svc.go":          svcSrc,
		"tests/stamp_test.go": rootTestSrc,
		"tests/helpers.go":    rootHelperSrc,
		"unused/unused.go":    "package unused\n\nfunc Unused() {}\n",
	})
	return root
}

func statesOf(results []PatchResult) map[string]PatchState {
	out := map[string]PatchState{}
	for _, r := range results {
		out[r.ImportPath] = r.State
	}
	return out
}

func testOptions(t *testing.T) Options {
	return Options{SkipVerify: true, Logger: zaptest.NewLogger(t)}
}

func TestPatchAllDependentPackages(t *testing.T) {
	assert := assert.New(t)
	root := newDependentsFixture(t)

	results, err := PatchAllDependentPackages(filepath.Join(root, "tests"), testOptions(t))
	require.NoError(t, err)

	assert.Equal(map[string]PatchState{
		"example.com/app/tests": IgnoredTestPackage,
		"example.com/app/svc":   Patched,
		"example.com/app/util":  Patched,
		"testing":               IgnoredForeignPackage,
		"fmt":                   IgnoredForeignPackage,
	}, statesOf(results))
	assert.Equal("example.com/app/tests", results[0].ImportPath, "the root comes first")

	for _, r := range results {
		if r.State == Patched {
			assert.NotNil(r.Report, r.ImportPath)
			assert.FileExists(filepath.Join(r.Path, GeneratedFile))
		}
	}

	assert.NoFileExists(filepath.Join(root, "tests", GeneratedFile))
	assert.NoFileExists(filepath.Join(root, "unused", GeneratedFile), "not imported")

	svc := readFile(t, filepath.Join(root, "svc", "svc.go"))
	assert.Contains(svc, "elevatedrt.Dispatch(_elevatedM_Service_Stamp, s, msg)")

	results, err = PatchAllDependentPackages(filepath.Join(root, "tests"), testOptions(t))
	require.NoError(t, err)
	states := statesOf(results)
	assert.Equal(AlreadyPatched, states["example.com/app/svc"])
	assert.Equal(AlreadyPatched, states["example.com/app/util"])
}

func TestPatchAllDependentPackages_Stale(t *testing.T) {
	assert := assert.New(t)
	root := newDependentsFixture(t)
	opts := testOptions(t)

	_, err := PatchAllDependentPackages(filepath.Join(root, "tests"), opts)
	require.NoError(t, err)

	gen := filepath.Join(root, "util", GeneratedFile)
	src := readFile(t, gen)
	_, rest, _ := strings.Cut(src, "\n")
	require.NoError(t, os.WriteFile(gen, []byte(markerLine("0000000000000000")+"\n"+rest), 0o644))

	results, err := PatchAllDependentPackages(filepath.Join(root, "tests"), opts)
	require.NoError(t, err)

	states := statesOf(results)
	assert.Equal(AlreadyPatched, states["example.com/app/svc"])
	assert.Equal(Patched, states["example.com/app/util"])

	assert.Equal(utilSrc, readFile(t, filepath.Join(root, "util", "util.go"+BackupSuffix)), "backup is the unwoven source")
	assert.True(strings.HasPrefix(readFile(t, gen), markerLine(ToolHash())))
}

func TestPatchAllDependentPackages_PatchTestPackage(t *testing.T) {
	assert := assert.New(t)
	root := newDependentsFixture(t)
	rootDir := filepath.Join(root, "tests")

	opts := testOptions(t)
	opts.PatchTestPackage = true
	results, err := PatchAllDependentPackages(rootDir, opts)
	require.NoError(t, err)
	assert.Equal(Patched, statesOf(results)["example.com/app/tests"])

	helpers := readFile(t, filepath.Join(rootDir, "helpers.go"))
	assert.Contains(helpers, "_elevatedM_fixture_Name")
	assert.Equal(rootTestSrc, readFile(t, filepath.Join(rootDir, "stamp_test.go")), "test files are not rewritten")

	// Without the option a woven root is unexpected.
	results, err = PatchAllDependentPackages(rootDir, testOptions(t))
	assert.ErrorContains(err, "already-woven test package")
	assert.Equal(GeneralFailure, results[0].State)
}

func TestPatchAllDependentPackages_Exclude(t *testing.T) {
	root := newDependentsFixture(t)
	opts := testOptions(t)
	opts.Exclude = []string{"example.com/app/u*"}

	results, err := PatchAllDependentPackages(filepath.Join(root, "tests"), opts)
	require.NoError(t, err)

	states := statesOf(results)
	assert.Equal(t, Patched, states["example.com/app/svc"])
	assert.Equal(t, IgnoredForeignPackage, states["example.com/app/util"])
	assert.NoFileExists(t, filepath.Join(root, "util", GeneratedFile))
}

func TestPatchAllDependentPackages_VerifyFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("verifier uses sh")
	}

	assert := assert.New(t)
	root := newDependentsFixture(t)
	opts := testOptions(t)
	opts.SkipVerify = false
	opts.Verifier = []string{"sh", "-c", "echo broken build; exit 3"}

	results, err := PatchAllDependentPackages(filepath.Join(root, "tests"), opts)

	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(3, verr.ExitCode)
	assert.Contains(verr.Output, "broken build")

	last := results[len(results)-1]
	assert.Equal("example.com/app/svc", last.ImportPath)
	assert.Equal(GeneralFailure, last.State)

	assert.Equal(svcSrc, readFile(t, filepath.Join(root, "svc", "svc.go")))
	assert.NoFileExists(filepath.Join(root, "svc", GeneratedFile))
	assert.NoFileExists(filepath.Join(root, "svc", "svc.go"+BackupSuffix))
	assert.NoFileExists(filepath.Join(root, "util", GeneratedFile), "walk stops at the first failure")
}

func TestPatchAllDependentPackages_Verify(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("verifier uses sh")
	}

	root := newDependentsFixture(t)
	opts := testOptions(t)
	opts.SkipVerify = false
	opts.Verifier = []string{"sh", "-c", "test -f " + GeneratedFile}

	results, err := PatchAllDependentPackages(filepath.Join(root, "tests"), opts)
	require.NoError(t, err)
	assert.Equal(t, Patched, statesOf(results)["example.com/app/util"])
}

func TestPatchAllDependentPackages_Errors(t *testing.T) {
	t.Run("relative path", func(t *testing.T) {
		_, err := PatchAllDependentPackages("tests", testOptions(t))
		assert.ErrorContains(t, err, "must be absolute")
	})

	t.Run("old go version", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"go.mod":     "module example.com/old\n\ngo 1.21\n\nrequire github.com/pboyd/elevated v0.0.0\n",
			"tests/a.go": "package tests\n",
		})
		_, err := PatchAllDependentPackages(filepath.Join(root, "tests"), testOptions(t))
		assert.ErrorContains(t, err, "weaving needs 1.22")
	})

	t.Run("runtime not required", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"go.mod":     "module example.com/bare\n\ngo 1.23\n",
			"tests/a.go": "package tests\n",
		})
		_, err := PatchAllDependentPackages(filepath.Join(root, "tests"), testOptions(t))
		assert.ErrorContains(t, err, "does not require github.com/pboyd/elevated")
	})
}

func TestPatchState_String(t *testing.T) {
	assert.Equal(t, "ignored foreign package", IgnoredForeignPackage.String())
	assert.Equal(t, "PatchState(42)", PatchState(42).String())
}

func TestLockPath(t *testing.T) {
	assert.Equal(t, lockPath("/src/app"), lockPath("/src/app"))
	assert.NotEqual(t, lockPath("/src/app"), lockPath("/src/other"))
	assert.Equal(t, os.TempDir(), filepath.Dir(lockPath("/src/app")))
}

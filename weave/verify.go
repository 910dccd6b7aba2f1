package weave

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

// VerifyError is returned when the verifier rejects a woven package.
type VerifyError struct {
	Path     string
	ExitCode int
	Output   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verifying %s failed with exit code %d:\n%s", e.Path, e.ExitCode, strings.TrimSpace(e.Output))
}

// verify runs argv in dir.
func verify(dir string, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty verifier command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &VerifyError{Path: dir, ExitCode: exitErr.ExitCode(), Output: string(out)}
	}
	return errors.Wrapf(err, "running verifier %q", strings.Join(argv, " "))
}

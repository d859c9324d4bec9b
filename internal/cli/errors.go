package cli

import (
	"errors"
	"fmt"

	"github.com/mark3labs/estatectl/internal/apierr"
	"github.com/mark3labs/estatectl/internal/spec"
)

var ErrUsage = errors.New("cli usage error")

type usageError struct {
	msg string
}

func newUsageError(msg string) error {
	return usageError{msg: msg}
}

func (e usageError) Error() string {
	return e.msg
}

func (e usageError) Is(target error) bool {
	return target == ErrUsage
}

// Exit codes returned by ExitCode.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	ExitAuth    = 3
	ExitNetwork = 4
)

// ExitCode maps an error returned by Execute to a process exit status.
func ExitCode(err error) int {
	var netErr *apierr.NetworkError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, apierr.ErrAuthExpired):
		return ExitAuth
	case errors.As(err, &netErr):
		return ExitNetwork
	}
	return ExitFailure
}

// describeSpecError maps structured spec errors into friendly messages.
func describeSpecError(err error) error {
	var se *spec.SpecError
	if !errors.As(err, &se) {
		return err
	}
	msg := fmt.Sprintf("spec: %s", se.Message)
	if se.Location != "" {
		msg = fmt.Sprintf("%s\nLocation: %s", msg, se.Location)
	}
	if se.JSONPointer != "" {
		msg = fmt.Sprintf("%s\nPointer: %s", msg, se.JSONPointer)
	}
	return newUsageError(msg + "\nHint: check api.spec_url or pass --spec.")
}

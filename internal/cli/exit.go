// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"errors"
	"fmt"
	"os"

	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// Exit codes for the matterstack CLI.
const (
	ExitSuccess          = 0
	ExitUserError        = 2
	ExitLockContention   = 3
	ExitSchemaError      = 4
	ExitWiringOverride   = 5
)

// ExitError carries the process exit code a command's failure should
// produce, alongside the human-readable message already printed.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// Classify maps an engine/store error to the exit code the external
// interface contract assigns it: lock contention, schema mismatch, and
// wiring override refusal each get their own code; everything else not
// already an *ExitError is a generic user error.
func Classify(err error) *ExitError {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}

	var lockErr *matterrors.LockHeldError
	if errors.As(err, &lockErr) {
		return &ExitError{Code: ExitLockContention, Message: "run lock held by another process", Cause: err}
	}
	var schemaErr *matterrors.SchemaVersionError
	if errors.As(err, &schemaErr) {
		return &ExitError{Code: ExitSchemaError, Message: "state store schema mismatch", Cause: err}
	}
	var wiringErr *matterrors.WiringOverrideError
	if errors.As(err, &wiringErr) {
		return &ExitError{Code: ExitWiringOverride, Message: "operator wiring override refused", Cause: err}
	}
	return &ExitError{Code: ExitUserError, Message: "command failed", Cause: err}
}

// HandleExitError prints err and exits the process with its classified
// exit code. A nil err is a no-op.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	exitErr := Classify(err)
	fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
	os.Exit(exitErr.Code)
}

// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskerr carries structured engine errors: a kind from the
// task error taxonomy, the stage that failed, a component-specific code,
// and the underlying error. Components below the task runner return
// these; the runner turns them into a task.Failure.
package taskerr

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
)

// Code identifies a specific failure inside a component.
type Code string

const (
	// Access key installer.
	KeyNotFound        Code = "KeyNotFound"
	DecryptFailed      Code = "DecryptFailed"
	UnsupportedForRole Code = "UnsupportedForRole"
	AgentLaunchFailed  Code = "AgentLaunchFailed"

	// Git provider.
	AuthFailed       Code = "AuthFailed"
	RefNotFound      Code = "RefNotFound"
	NetworkTransient Code = "NetworkTransient"

	// Shared.
	DiskFull    Code = "DiskFull"
	InvalidData Code = "InvalidData"
	HookFailed  Code = "HookFailed"
	ExitStatus  Code = "ExitStatus"
	RunnerLost  Code = "RunnerLost"
)

// Error is a structured engine error.
type Error struct {
	Kind  task.ErrorKind
	Stage string
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Stage != "" {
		prefix += " (" + e.Stage + ")"
	}
	if e.Code != "" {
		prefix += ": " + string(e.Code)
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error with code and no kind or stage yet; the caller
// higher up assigns those with Wrap.
func New(code Code, err error) *Error {
	if code == "" && errors.Is(err, syscall.ENOSPC) {
		code = DiskFull
	}
	return &Error{Code: code, Err: err}
}

// Newf formats a message into a coded error.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Errorf(format, args...))
}

// Wrap assigns kind and stage to err. An existing *Error keeps its code
// and underlying error; any other error becomes the underlying error. A
// nil err returns nil.
func Wrap(err error, kind task.ErrorKind, stage string) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Kind: kind, Stage: stage, Code: existing.Code, Err: existing.Err}
	}
	code := Code("")
	if errors.Is(err, syscall.ENOSPC) {
		code = DiskFull
	}
	return &Error{Kind: kind, Stage: stage, Code: code, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, syscall.ENOSPC) {
		return DiskFull
	}
	return ""
}

// KindOf returns the kind of the first *Error in err's chain, or
// EngineInternal for errors that carry none.
func KindOf(err error) task.ErrorKind {
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	return task.KindEngineInternal
}

// StageOf returns the stage of the first *Error in err's chain.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// Failure converts err into the record attached to a failed task.
func Failure(err error) *task.Failure {
	if err == nil {
		return nil
	}
	message := err.Error()
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		message = e.Err.Error()
	}
	return &task.Failure{
		Kind:    KindOf(err),
		Stage:   StageOf(err),
		Code:    string(CodeOf(err)),
		Message: message,
	}
}

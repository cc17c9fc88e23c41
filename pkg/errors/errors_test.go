// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestHostErrorMessage(t *testing.T) {
	base := stderrors.New("boom")
	tests := []struct {
		err  *HostError
		want string
	}{
		{New(ErrRuntime, "plain"), "[RUNTIME] plain"},
		{Wrap(base, ErrProtocolIO, ""), "[PROTOCOL_IO] boom"},
		{Wrap(base, ErrProtocolIO, "write"), "[PROTOCOL_IO] write: boom"},
		{PhaseError("training", base), "[VALIDATION_PHASE:training] invalid phase: boom"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestIsWalksChain(t *testing.T) {
	inner := TimelineError(stderrors.New("no phases"))
	outer := AbortError(fmt.Errorf("run: %w", inner))

	if !Is(outer, ErrRunAborted) {
		t.Error("outer code not matched")
	}
	if !Is(outer, ErrValidationTimeline) {
		t.Error("wrapped code not matched")
	}
	if Is(outer, ErrProtocolIO) {
		t.Error("unexpected match")
	}
	if !IsValidation(outer) || IsConfig(outer) {
		t.Error("category helpers disagree with the chain")
	}
	if Is(nil, ErrRuntime) {
		t.Error("nil matched")
	}
}

func TestUnwrap(t *testing.T) {
	base := stderrors.New("eof")
	err := ProtocolIOError("read", base)
	if !stderrors.Is(err, base) {
		t.Error("errors.Is did not reach the wrapped error")
	}
	if err.Message != "device read failed" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestSetters(t *testing.T) {
	err := New(ErrConfigOption, "missing").SetSection("device").SetOption("serial").SetContext("path", "a.cfg")
	if err.Section != "device" || err.Option != "serial" {
		t.Errorf("got section %q option %q", err.Section, err.Option)
	}
	if err.Context["path"] != "a.cfg" {
		t.Errorf("context = %v", err.Context)
	}
	if !IsConfig(err) {
		t.Error("IsConfig = false")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil panic produced an error")
	}
	if got := RecoverPanic("bad").Error(); got != "[RUNTIME] panic: bad" {
		t.Errorf("string panic = %q", got)
	}
	base := stderrors.New("x")
	if err := RecoverPanic(base); !stderrors.Is(err, base) {
		t.Error("error panic not wrapped")
	}
	if got := RecoverPanic(42).Error(); got != "[RUNTIME] panic: 42" {
		t.Errorf("int panic = %q", got)
	}
}

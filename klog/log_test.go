package klog

import (
	"strings"
	"testing"
	"time"
)

func TestInfofWritesToRingAndSink(t *testing.T) {
	orig := nowFn
	nowFn = func() time.Time { return time.Unix(0, 0) }
	defer func() { nowFn = orig }()

	var sb strings.Builder
	SetOutputSink(&sb)
	defer SetOutputSink(nil)

	l := Component("test")
	l.Infof("hello %d", 42)

	if !strings.Contains(sb.String(), "hello 42") {
		t.Fatalf("sink output = %q, want it to contain %q", sb.String(), "hello 42")
	}
	if !strings.Contains(History(), "hello 42") {
		t.Fatalf("ring history missing line")
	}
	if !strings.Contains(sb.String(), "[test]") {
		t.Errorf("expected component tag in output, got %q", sb.String())
	}
}

func TestFatalfCallsHaltAll(t *testing.T) {
	called := false
	SetHaltAll(func() { called = true })
	defer SetHaltAll(func() {})

	Component("test").Fatalf("boom")
	if !called {
		t.Fatalf("Fatalf did not invoke the installed HaltAll function")
	}
}

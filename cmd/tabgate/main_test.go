package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestRun_VersionFlag(t *testing.T) {
	oldVersion := buildVersion
	t.Cleanup(func() { buildVersion = oldVersion })
	buildVersion = "v9.9.9"

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--version"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "v9.9.9") {
		t.Fatalf("expected version output, got %q", stdout.String())
	}
}

func TestRun_InvalidEnvRejected(t *testing.T) {
	t.Setenv("TABGATE_AUTH_ENABLED", "maybe")
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "TABGATE_AUTH_ENABLED") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestSplitCSVEnv(t *testing.T) {
	t.Setenv("TABGATE_ALLOW_ORIGIN", "a,b, c,,")
	got := splitCSVEnv("TABGATE_ALLOW_ORIGIN")
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSVEnv mismatch: got=%v want=%v", got, want)
	}
}

func TestEnvBoolWithErr(t *testing.T) {
	t.Setenv("TABGATE_TEST_BOOL", "")
	if v, err := envBoolWithErr("TABGATE_TEST_BOOL", true); err != nil || !v {
		t.Fatalf("empty should fall back: v=%v err=%v", v, err)
	}
	t.Setenv("TABGATE_TEST_BOOL", "false")
	if v, err := envBoolWithErr("TABGATE_TEST_BOOL", true); err != nil || v {
		t.Fatalf("explicit false ignored: v=%v err=%v", v, err)
	}
	t.Setenv("TABGATE_TEST_BOOL", "banana")
	if _, err := envBoolWithErr("TABGATE_TEST_BOOL", true); err == nil {
		t.Fatal("invalid value accepted")
	}
}

func TestEnvDurationWithErr_Invalid(t *testing.T) {
	t.Setenv("TABGATE_TEST_DUR", "soon")
	if _, err := envDurationWithErr("TABGATE_TEST_DUR", 0); err == nil {
		t.Fatal("invalid duration accepted")
	}
}

func TestSwitchHandlerSwaps(t *testing.T) {
	h := newSwitchHandler()
	if h.handler == nil {
		t.Fatal("zero handler")
	}
	h.Set(nil)
	if h.handler == nil {
		t.Fatal("nil Set must install NotFound")
	}
}

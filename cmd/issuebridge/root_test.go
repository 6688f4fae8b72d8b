package main

import (
	"bytes"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "issuebridge dev") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestLinkProject_RejectsUnknownProvider(t *testing.T) {
	_, err := execute(t, "link-project", "proj-1", "gitlab", "acme/widgets")
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestLinkProject_RequiresThreeArgs(t *testing.T) {
	if _, err := execute(t, "link-project", "proj-1"); err == nil {
		t.Fatal("expected an argument count error")
	}
}

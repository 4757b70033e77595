package api

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"typed", NewError(KindBusy, "locked"), KindBusy},
		{"wrapped typed", fmt.Errorf("outer: %w", NewUnknownAppError("plex")), KindUnknownApp},
		{"untyped", errors.New("plain"), KindInternal},
		{"constructor usage", NewUsageError("bad"), KindUsage},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("%s: KindOf() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWithStepPreservesFirstStep(t *testing.T) {
	err := NewError(KindDownloadFailed, "mirror down").WithStep("fetch-release")
	again := err.WithStep("install-unit")
	if again.Step != "fetch-release" {
		t.Errorf("Step = %q, want the first recorded step", again.Step)
	}
	if StepOf(again) != "fetch-release" {
		t.Errorf("StepOf() = %q, want fetch-release", StepOf(again))
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindProxyReloadFailed, cause, "reloading caddy")
	if got := err.Error(); got != "reloading caddy: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped cause must survive errors.Is")
	}
}

func TestParseAction(t *testing.T) {
	for _, a := range Actions {
		got, err := ParseAction(string(a))
		if err != nil || got != a {
			t.Errorf("ParseAction(%q) = %v, %v", a, got, err)
		}
	}
	if _, err := ParseAction("install"); !IsKind(err, KindUsage) {
		t.Errorf("ParseAction(install) kind = %v, want usage error", KindOf(err))
	}
}

func TestParseBranch(t *testing.T) {
	tests := []struct {
		branch  string
		want    Channel
		wantErr bool
	}{
		{"", ChannelStable, false},
		{"stable", ChannelStable, false},
		{"nightly", ChannelPrerelease, false},
		{"develop", ChannelPrerelease, false},
		{"beta", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBranch(tt.branch)
		if tt.wantErr {
			if !IsKind(err, KindUsage) {
				t.Errorf("ParseBranch(%q) kind = %v, want usage error", tt.branch, KindOf(err))
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseBranch(%q) = %v, %v", tt.branch, got, err)
		}
	}
}

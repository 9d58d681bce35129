package runrecord

import "testing"

func TestMergeAgentTerminalAbsorbing(t *testing.T) {
	current := &AgentInvocationRecord{AgentID: "a", Status: StatusSucceeded, CommitSha: "abc"}
	incoming := AgentInvocationRecord{AgentID: "a", Status: StatusRunning}
	merged := MergeAgent(current, incoming)
	if merged.Status != StatusSucceeded {
		t.Errorf("status = %s, want terminal status preserved", merged.Status)
	}
	if merged.CommitSha != "abc" {
		t.Errorf("commitSha lost: %q", merged.CommitSha)
	}
}

func TestMergeAgentArtifactsUnion(t *testing.T) {
	current := &AgentInvocationRecord{Artifacts: &Artifacts{DiffAttempted: true}}
	incoming := AgentInvocationRecord{Artifacts: &Artifacts{DiffCaptured: true, StdoutCaptured: true}}
	merged := MergeAgent(current, incoming)
	if !merged.Artifacts.DiffAttempted || !merged.Artifacts.DiffCaptured || !merged.Artifacts.StdoutCaptured {
		t.Errorf("artifacts not unioned: %+v", merged.Artifacts)
	}
}

func TestMergeAgentEvalsIncomingWins(t *testing.T) {
	current := &AgentInvocationRecord{Evals: []EvalResult{{Slug: "lint", Status: EvalFailed}, {Slug: "test", Status: EvalSucceeded}}}
	incoming := AgentInvocationRecord{Evals: []EvalResult{{Slug: "lint", Status: EvalSucceeded}}}
	merged := MergeAgent(current, incoming)
	if len(merged.Evals) != 2 {
		t.Fatalf("len(evals) = %d, want 2", len(merged.Evals))
	}
	var lint EvalResult
	for _, e := range merged.Evals {
		if e.Slug == "lint" {
			lint = e
		}
	}
	if lint.Status != EvalSucceeded {
		t.Errorf("lint status = %s, want incoming to win", lint.Status)
	}
}

func TestMergeAgentDiffStatisticsMostRecentNonEmpty(t *testing.T) {
	current := &AgentInvocationRecord{DiffStatistics: &DiffStatistics{FilesChanged: 3}}
	empty := AgentInvocationRecord{DiffStatistics: &DiffStatistics{}}
	merged := MergeAgent(current, empty)
	if merged.DiffStatistics.FilesChanged != 3 {
		t.Errorf("empty incoming clobbered prior diff stats")
	}

	nonEmpty := AgentInvocationRecord{DiffStatistics: &DiffStatistics{FilesChanged: 7}}
	merged = MergeAgent(current, nonEmpty)
	if merged.DiffStatistics.FilesChanged != 7 {
		t.Errorf("non-empty incoming should win, got %d", merged.DiffStatistics.FilesChanged)
	}
}

func TestMergeAgentFirstAppearance(t *testing.T) {
	incoming := AgentInvocationRecord{AgentID: "a", Status: StatusQueued}
	merged := MergeAgent(nil, incoming)
	if merged.Status != StatusQueued {
		t.Errorf("status = %s, want %s", merged.Status, StatusQueued)
	}
}

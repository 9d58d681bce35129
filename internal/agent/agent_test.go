package agent

import "testing"

func TestDefinitionValidate(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
		ok   bool
	}{
		{"valid", Definition{ID: "alpha-1", Provider: HarnessClaude, Binary: "/usr/bin/claude"}, true},
		{"empty id", Definition{Provider: HarnessClaude, Binary: "/bin/x"}, false},
		{"bad chars", Definition{ID: "Alpha_1", Provider: HarnessClaude, Binary: "/bin/x"}, false},
		{"no provider", Definition{ID: "alpha", Binary: "/bin/x"}, false},
		{"no binary", Definition{ID: "alpha", Provider: HarnessClaude}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.def.Validate()
			if c.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !c.ok && err == nil {
				t.Errorf("expected an error, got nil")
			}
		})
	}
}

func TestResolvedArgv(t *testing.T) {
	d := Definition{Model: "opus", Argv: []string{"--model", "{{MODEL}}", "--flag"}}
	got := d.ResolvedArgv()
	want := []string{"--model", "opus", "--flag"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	// Original Argv must be untouched.
	if d.Argv[1] != "{{MODEL}}" {
		t.Errorf("ResolvedArgv mutated the original slice")
	}
}

func TestValidateUniqueIDs(t *testing.T) {
	ok := []Definition{{ID: "a"}, {ID: "b"}}
	if err := ValidateUniqueIDs(ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	dup := []Definition{{ID: "a"}, {ID: "a"}}
	if err := ValidateUniqueIDs(dup); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.01}
	b := Usage{InputTokens: 3, CachedInputTokens: 2, CostUSD: 0.002}
	sum := a.Add(b)
	want := Usage{InputTokens: 13, OutputTokens: 5, CachedInputTokens: 2, CostUSD: 0.012}
	if sum != want {
		t.Errorf("sum = %+v, want %+v", sum, want)
	}
}

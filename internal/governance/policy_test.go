package governance

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	xerrors "AgentFlow/internal/errors"
)

func TestNewPolicyNormalisesTable(t *testing.T) {
	policy := NewPolicy(Tier("BOGUS"), map[string]Tier{
		"deploy":  TierSupervised,
		"  ":      TierIntern,
		"publish": Tier("NOPE"),
	})

	if policy.DefaultTier() != TierStudent {
		t.Fatalf("invalid default tier should fall back to STUDENT, got %s", policy.DefaultTier())
	}
	if got := policy.RequiredTier("deploy"); got != TierSupervised {
		t.Fatalf("deploy tier = %s, want SUPERVISED", got)
	}
	if got := policy.RequiredTier("publish"); got != TierStudent {
		t.Fatalf("entry with invalid tier should be dropped, got %s", got)
	}
	if got := policy.Tools(); !reflect.DeepEqual(got, []string{"deploy"}) {
		t.Fatalf("tools = %v, want [deploy]", got)
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governance.yaml")
	content := `default_required_tier: INTERN
tools:
  deploy: SUPERVISED
  search: student
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	policy, err := LoadPolicy(path, TierStudent)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.DefaultTier() != TierIntern {
		t.Fatalf("file default should override argument, got %s", policy.DefaultTier())
	}
	if got := policy.RequiredTier("deploy"); got != TierSupervised {
		t.Fatalf("deploy tier = %s, want SUPERVISED", got)
	}
	if got := policy.RequiredTier("search"); got != TierStudent {
		t.Fatalf("lowercase tier should parse, got %s", got)
	}
	if got := policy.RequiredTier("unlisted"); got != TierIntern {
		t.Fatalf("unlisted tool should use file default, got %s", got)
	}
	if got := policy.Tools(); !reflect.DeepEqual(got, []string{"deploy", "search"}) {
		t.Fatalf("tools = %v, want sorted [deploy search]", got)
	}
}

func TestLoadPolicyEmptyPath(t *testing.T) {
	policy, err := LoadPolicy("  ", TierIntern)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.DefaultTier() != TierIntern {
		t.Fatalf("default tier = %s, want INTERN", policy.DefaultTier())
	}
	if len(policy.Tools()) != 0 {
		t.Fatalf("expected empty tool table, got %v", policy.Tools())
	}
}

func TestLoadPolicyInvalid(t *testing.T) {
	dir := t.TempDir()
	badYAML := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(badYAML, []byte("tools: ["), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	badTier := filepath.Join(dir, "tier.yaml")
	if err := os.WriteFile(badTier, []byte("tools:\n  deploy: OVERLORD\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cases := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "absent.yaml")},
		{"malformed yaml", badYAML},
		{"unknown tier", badTier},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadPolicy(tc.path, TierStudent)
			if err == nil {
				t.Fatal("expected error")
			}
			if xerrors.CodeOf(err) != CodePolicyInvalid {
				t.Fatalf("error code = %s, want %s", xerrors.CodeOf(err), CodePolicyInvalid)
			}
		})
	}
}

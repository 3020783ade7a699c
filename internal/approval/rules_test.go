package approval

import "testing"

func TestRuleTable_SetGet(t *testing.T) {
	tbl := NewRuleTable()
	tbl.Set("s1", "filesystem__write_file", RuleAlwaysApprove)

	rule, ok := tbl.Get("s1", "filesystem__write_file")
	if !ok {
		t.Fatal("expected rule")
	}
	if rule.Decision != RuleAlwaysApprove {
		t.Fatalf("decision = %s", rule.Decision)
	}

	if _, ok := tbl.Get("s2", "filesystem__write_file"); ok {
		t.Fatal("rules must be session-scoped")
	}
}

func TestRuleTable_OverwriteSameKey(t *testing.T) {
	tbl := NewRuleTable()
	tbl.Set("s1", "filesystem__write_file", RuleAlwaysApprove)
	tbl.Set("s1", "filesystem__write_file", RuleAlwaysDecline)

	rule, _ := tbl.Get("s1", "filesystem__write_file")
	if rule.Decision != RuleAlwaysDecline {
		t.Fatal("newer rule must overwrite the old one")
	}
	if n := tbl.CountForSession("s1"); n != 1 {
		t.Fatalf("expected 1 rule, got %d", n)
	}
}

func TestRuleTable_ClearSession(t *testing.T) {
	tbl := NewRuleTable()
	tbl.Set("s1", "a__t", RuleAlwaysApprove)
	tbl.Set("s1", "b__t", RuleAlwaysDecline)
	tbl.Set("s2", "a__t", RuleAlwaysApprove)

	tbl.ClearSession("s1")

	if n := tbl.CountForSession("s1"); n != 0 {
		t.Fatalf("s1 rules remain: %d", n)
	}
	if n := tbl.CountForSession("s2"); n != 1 {
		t.Fatalf("s2 rules affected: %d", n)
	}
}

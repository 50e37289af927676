package dtx

import "testing"

func TestClampTimeout(t *testing.T) {
	cases := []struct {
		in, want int64
	}{
		{0, DefaultTimeoutMs},
		{-5, DefaultTimeoutMs},
		{500, MinTimeoutMs},
		{1_000, 1_000},
		{60_000, 60_000},
		{600_000, MaxTimeoutMs},
	}
	for _, c := range cases {
		if got := ClampTimeout(c.in); got != c.want {
			t.Errorf("ClampTimeout(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestForwardTransition(t *testing.T) {
	if !ForwardTransition(BranchRegistered, BranchPhaseOneDone) {
		t.Error("Registered -> PhaseOneDone should advance")
	}
	if !ForwardTransition(BranchPhaseOneDone, BranchPhaseTwoCommitting) {
		t.Error("PhaseOneDone -> PhaseTwoCommitting should advance")
	}
	if ForwardTransition(BranchPhaseOneDone, BranchPhaseOneDone) {
		t.Error("repeated report should not advance")
	}
	if ForwardTransition(BranchPhaseTwoCommitted, BranchPhaseOneDone) {
		t.Error("backward report should not advance")
	}
	if ForwardTransition(BranchPhaseOneDone, BranchPhaseOneFailed) {
		t.Error("sibling phase-1 outcomes should not replace each other")
	}
}

func TestGlobalStatusLifecycle(t *testing.T) {
	for _, s := range []GlobalStatus{StatusCommitted, StatusRollbacked, StatusCommitFailed,
		StatusRollbackFailed, StatusTimeoutRollbacked, StatusFinished} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}
	if !StatusBegin.IsActive() {
		t.Error("Begin should be active")
	}
	if StatusCommitting.IsActive() {
		t.Error("Committing should not accept new branches")
	}
}

func TestSplitLockKey(t *testing.T) {
	keys, err := SplitLockKey("db1", "account:1,2;order:7")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"db1:account:1", "db1:account:2", "db1:order:7"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %q, want %q", i, keys[i], want[i])
		}
	}

	if _, err := SplitLockKey("db1", "nocolon"); err == nil {
		t.Error("expected error for segment without ':'")
	}
	if _, err := SplitLockKey("db1", "t:1,,2"); err == nil {
		t.Error("expected error for empty primary key")
	}
	if keys, err := SplitLockKey("db1", ""); err != nil || keys != nil {
		t.Errorf("empty lock key should be a no-op, got %v %v", keys, err)
	}
}

func TestBuildLockKeyRoundTrip(t *testing.T) {
	lk := BuildLockKey("account", []string{"1", "2_3"})
	keys, err := SplitLockKey("rs", lk)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[1] != "rs:account:2_3" {
		t.Errorf("unexpected row keys %v", keys)
	}
}

func TestParseXID(t *testing.T) {
	g := NewXIDGenerator()
	xid := g.Next("orders:svc")
	app, epoch, seq, err := ParseXID(xid)
	if err != nil {
		t.Fatal(err)
	}
	if app != "orders:svc" {
		t.Errorf("application id = %q", app)
	}
	if epoch <= 0 || seq != 1 {
		t.Errorf("epoch = %d, seq = %d", epoch, seq)
	}

	if _, _, _, err := ParseXID("garbage"); err == nil {
		t.Error("expected error for malformed xid")
	}
	if _, _, _, err := ParseXID("app:notanumber:1"); err == nil {
		t.Error("expected error for non-numeric epoch")
	}
}

func TestBranchIDAllocatorUnique(t *testing.T) {
	a, err := NewBranchIDAllocator(1)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		id := a.Next()
		if seen[id] {
			t.Fatalf("duplicate branch id %d", id)
		}
		seen[id] = true
	}
}

func TestParseBranchType(t *testing.T) {
	for _, bt := range []BranchType{BranchTypeAT, BranchTypeTCC, BranchTypeXA, BranchTypeMQ, BranchTypeHTTP} {
		got, err := ParseBranchType(bt.String())
		if err != nil || got != bt {
			t.Errorf("round trip of %s failed: %v %v", bt, got, err)
		}
	}
	if _, err := ParseBranchType("SAGA"); err == nil {
		t.Error("expected error for unknown branch type")
	}
}

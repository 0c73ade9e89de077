package ban

import (
	"testing"
	"time"
)

var now = time.Unix(1700000000, 0)

func TestCheck_NotBanned(t *testing.T) {
	tbl := NewTable()
	if until, banned := tbl.Check("10.0.0.1", now); banned {
		t.Errorf("expected not banned, got banned until %v", until)
	}
}

func TestBanAndCheck(t *testing.T) {
	tbl := NewTable()
	until := now.Add(DefaultDuration)
	tbl.Ban("10.0.0.1", until)

	got, banned := tbl.Check("10.0.0.1", now.Add(time.Minute))
	if !banned {
		t.Fatal("expected banned=true")
	}
	if !got.Equal(until) {
		t.Errorf("expected until=%v, got %v", until, got)
	}
	if _, banned := tbl.Check("10.0.0.2", now); banned {
		t.Error("ban leaked to another address")
	}
}

func TestCheck_ExpiredBanIsPruned(t *testing.T) {
	tbl := NewTable()
	until := now.Add(DefaultDuration)
	tbl.Ban("10.0.0.1", until)

	// Expiry is exclusive: at exactly until the address is admitted.
	if _, banned := tbl.Check("10.0.0.1", until); banned {
		t.Fatal("expected ban to have expired at its expiry instant")
	}
	if tbl.Len() != 0 {
		t.Errorf("expected stale entry to be removed, table has %d", tbl.Len())
	}
}

func TestCheck_DoesNotSweepOtherEntries(t *testing.T) {
	tbl := NewTable()
	tbl.Ban("10.0.0.1", now.Add(time.Minute))
	tbl.Ban("10.0.0.2", now.Add(time.Minute))

	tbl.Check("10.0.0.1", now.Add(time.Hour))
	if tbl.Len() != 1 {
		t.Errorf("expected only the checked address to be pruned, table has %d", tbl.Len())
	}
}

func TestBan_Overwrites(t *testing.T) {
	tbl := NewTable()
	tbl.Ban("10.0.0.1", now.Add(time.Minute))
	tbl.Ban("10.0.0.1", now.Add(time.Hour))

	until, banned := tbl.Check("10.0.0.1", now.Add(30*time.Minute))
	if !banned || !until.Equal(now.Add(time.Hour)) {
		t.Errorf("expected overwritten expiry, got %v banned=%v", until, banned)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected one entry per address, got %d", tbl.Len())
	}
}

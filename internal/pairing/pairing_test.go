package pairing

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndClaim(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	pc, err := r.Issue("desk-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(pc.Code) != 6 {
		t.Errorf("code %q is not 6 digits", pc.Code)
	}
	if pc.ChannelID != "pair-"+pc.Code {
		t.Errorf("channel id = %q", pc.ChannelID)
	}

	res, err := r.Claim(pc.Code, "mob-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.ChannelID != pc.ChannelID || res.DesktopSession != "desk-1" || res.PrincipalID != "user-1" {
		t.Errorf("claim result = %+v", res)
	}
}

func TestClaimOnce(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	pc, err := r.Issue("desk-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := r.Claim(pc.Code, "mob-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := r.Claim(pc.Code, "mob-2"); !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Errorf("second claim error = %v, want ErrCodeAlreadyUsed", err)
	}
}

func TestRevokeWithdrawsCode(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	pc, err := r.Issue("desk-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	r.Revoke(pc.Code)
	if _, err := r.Claim(pc.Code, "mob-1"); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("claim after revoke = %v, want ErrCodeInvalid", err)
	}
	if r.Active() != 0 {
		t.Errorf("active = %d, want 0", r.Active())
	}
}

func TestClaimUnknownCode(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if _, err := r.Claim("000000", "mob-1"); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("error = %v, want ErrCodeInvalid", err)
	}
}

func TestClaimExpiredCode(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithTTL(time.Minute))
	pc, err := r.Issue("desk-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := r.Claim(pc.Code, "mob-1"); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("error = %v, want ErrCodeExpired", err)
	}
	// The expired code is removed on the failed claim.
	if _, err := r.Claim(pc.Code, "mob-1"); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("error = %v, want ErrCodeInvalid after removal", err)
	}
}

func TestClaimRequiresLiveDesktop(t *testing.T) {
	t.Parallel()
	live := true
	r := NewRegistry(WithDesktopAlive(func(string) bool { return live }))

	pc, err := r.Issue("desk-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	live = false
	if _, err := r.Claim(pc.Code, "mob-1"); !errors.Is(err, ErrNoDesktop) {
		t.Errorf("error = %v, want ErrNoDesktop", err)
	}
	// The code stays claimable once the desktop is back.
	live = true
	if _, err := r.Claim(pc.Code, "mob-1"); err != nil {
		t.Errorf("claim after desktop returned: %v", err)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	pc, err := r.Issue("desk-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	peeked, err := r.Peek(pc.Code)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if peeked.PrincipalID != "user-1" {
		t.Errorf("peek principal = %q", peeked.PrincipalID)
	}
	if _, err := r.Claim(pc.Code, "mob-1"); err != nil {
		t.Errorf("claim after peek: %v", err)
	}
	if _, err := r.Peek(pc.Code); !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Errorf("peek after claim error = %v, want ErrCodeAlreadyUsed", err)
	}
}

func TestCodesAreUniqueAmongActive(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	seen := make(map[string]bool)
	for range 50 {
		pc, err := r.Issue("desk-1", "user-1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if seen[pc.Code] {
			t.Fatalf("duplicate active code %q", pc.Code)
		}
		seen[pc.Code] = true
	}
	if r.Active() != 50 {
		t.Errorf("active = %d, want 50", r.Active())
	}
}

func TestGCSweepsExpired(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithTTL(time.Minute))
	for range 3 {
		if _, err := r.Issue("desk-1", "user-1"); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if swept := r.GC(); swept != 3 {
		t.Errorf("swept = %d, want 3", swept)
	}
	if r.Active() != 0 {
		t.Errorf("active = %d, want 0", r.Active())
	}
}

package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) Invalidate(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p)
}

func (r *recordingInvalidator) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestCurrentFallsBackToProcessProfile(t *testing.T) {
	c := NewContext("", "us-east-1", zerolog.Nop())
	if c.Current("") != "default" {
		t.Errorf("Current() = %q, want default", c.Current(""))
	}

	c.SetClientProfile("client:a", "dev-profile")
	if got := c.Current("client:a"); got != "dev-profile" {
		t.Errorf("Current(client:a) = %q, want dev-profile", got)
	}
	if got := c.Current("client:b"); got != "default" {
		t.Errorf("Current(client:b) = %q, want default", got)
	}

	c.SetClientProfile("client:a", "")
	if got := c.Current("client:a"); got != "default" {
		t.Errorf("override not removed: %q", got)
	}
}

func TestActivateInvalidatesCachedState(t *testing.T) {
	c := NewContext("dev-profile", "us-east-1", zerolog.Nop())
	inv := &recordingInvalidator{}
	c.AddInvalidator(inv)

	c.Activate("audit-profile")

	if c.Active() != "audit-profile" {
		t.Errorf("Active() = %q", c.Active())
	}
	got := inv.seen()
	if len(got) != 2 || got[0] != "dev-profile" || got[1] != "audit-profile" {
		t.Errorf("invalidations = %v", got)
	}

	cred := c.Credential("")
	if cred.Profile != "audit-profile" || cred.Region != "us-east-1" {
		t.Errorf("Credential() = %+v", cred)
	}
}

func TestWithProfileRestoresOnError(t *testing.T) {
	c := NewContext("dev-profile", "", zerolog.Nop())
	boom := errors.New("boom")

	var inside string
	err := c.WithProfile("audit-profile", func(cred Credential) error {
		inside = c.Active()
		if cred.Profile != "audit-profile" {
			t.Errorf("credential profile = %q", cred.Profile)
		}
		return boom
	})

	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if inside != "audit-profile" {
		t.Errorf("profile inside swap = %q", inside)
	}
	if c.Active() != "dev-profile" {
		t.Errorf("profile after swap = %q, want dev-profile", c.Active())
	}
}

func TestWithProfileRestoresOnPanic(t *testing.T) {
	c := NewContext("dev-profile", "", zerolog.Nop())

	func() {
		defer func() { _ = recover() }()
		_ = c.WithProfile("audit-profile", func(Credential) error {
			panic("handler fault")
		})
	}()

	if c.Active() != "dev-profile" {
		t.Errorf("profile after panic = %q, want dev-profile", c.Active())
	}
}

func TestWithProfileNested(t *testing.T) {
	c := NewContext("a", "", zerolog.Nop())
	_ = c.WithProfile("b", func(Credential) error {
		return c.WithProfile("c", func(Credential) error {
			if c.Active() != "c" {
				t.Errorf("inner = %q", c.Active())
			}
			return nil
		})
	})
	if c.Active() != "a" {
		t.Errorf("after nested swaps = %q, want a", c.Active())
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name, id, ua, addr, prefix string
	}{
		{"explicit id wins", "tab-1", "Mozilla", "10.0.0.1:5000", "client:tab-1"},
		{"user agent hash", "", "Mozilla/5.0", "10.0.0.1:5000", "ua:"},
		{"remote address", "", "", "10.0.0.1:5000", "addr:10.0.0.1"},
		{"bare address", "", "", "10.0.0.1", "addr:10.0.0.1"},
		{"nothing", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClientKey(tt.id, tt.ua, tt.addr)
			if tt.prefix == "" {
				if got != "" {
					t.Errorf("ClientKey = %q, want empty", got)
				}
				return
			}
			if len(got) < len(tt.prefix) || got[:len(tt.prefix)] != tt.prefix {
				t.Errorf("ClientKey = %q, want prefix %q", got, tt.prefix)
			}
		})
	}

	if ClientKey("", "agent", "") != ClientKey("", "agent", "1.2.3.4:1") {
		t.Error("user-agent key should not depend on address")
	}
}

func TestLoginJobLifecycle(t *testing.T) {
	c := NewContext("dev-profile", "", zerolog.Nop())
	inv := &recordingInvalidator{}
	c.AddInvalidator(inv)

	release := make(chan struct{})
	var gotArgs []string
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		<-release
		return []byte("Successfully logged in\n"), nil
	}

	jobs := NewLoginJobs("aws", run, c, zerolog.Nop())
	job := jobs.Start("sso-profile")
	if job.Status != LoginRunning {
		t.Fatalf("initial status = %q", job.Status)
	}

	st, ok := jobs.Status(job.ID)
	if !ok || st.Status != LoginRunning {
		t.Fatalf("status while running = %+v, %v", st, ok)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := jobs.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != LoginSucceeded || done.Output != "Successfully logged in" || done.FinishedAt == nil {
		t.Errorf("finished job = %+v", done)
	}
	want := []string{"aws", "sso", "login", "--profile", "sso-profile"}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Fatalf("command = %v, want %v", gotArgs, want)
		}
	}
	if seen := inv.seen(); len(seen) != 1 || seen[0] != "sso-profile" {
		t.Errorf("invalidations after login = %v", seen)
	}
	if len(jobs.List()) != 1 {
		t.Errorf("List() = %d jobs", len(jobs.List()))
	}
}

func TestLoginJobFailure(t *testing.T) {
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("error"), errors.New("exit status 255")
	}
	jobs := NewLoginJobs("", run, nil, zerolog.Nop())
	job := jobs.Start("")

	done, err := jobs.Wait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != LoginFailed || done.Error != "exit status 255" || done.Profile != "default" {
		t.Errorf("job = %+v", done)
	}

	if _, err := jobs.Wait(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

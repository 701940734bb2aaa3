package approval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOrderedSet(t *testing.T) {
	got := OrderedSet([]string{" audit ", "ops", "", "audit", "ops", "sec"})
	if strings.Join(got, ",") != "audit,ops,sec" {
		t.Errorf("OrderedSet = %v", got)
	}
}

func TestRoleStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", RolesFile)
	s, err := NewRoleStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg := s.Get(); len(cfg.CheckerProfiles) != 0 || len(cfg.MakerProfiles) != 0 {
		t.Fatalf("fresh store = %+v", cfg)
	}

	cfg, err := s.Update([]string{"audit-profile", "audit-profile"}, []string{"dev-profile"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.CheckerProfiles) != 1 || cfg.UpdatedAt.IsZero() {
		t.Errorf("updated = %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}

	reloaded, err := NewRoleStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.IsChecker("audit-profile") || !reloaded.IsMaker("dev-profile") {
		t.Errorf("reloaded = %+v", reloaded.Get())
	}
}

func TestIsMaker(t *testing.T) {
	tests := []struct {
		name     string
		checkers []string
		makers   []string
		profile  string
		want     bool
	}{
		{"complement of checkers", []string{"audit"}, nil, "dev", true},
		{"checker is not a maker by default", []string{"audit"}, nil, "audit", false},
		{"explicit list", []string{"audit"}, []string{"dev"}, "qa", false},
		{"explicit member", []string{"audit"}, []string{"dev"}, "dev", true},
		{"nothing configured", nil, nil, "anyone", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := NewRoleStore("")
			if _, err := s.Update(tt.checkers, tt.makers); err != nil {
				t.Fatal(err)
			}
			if got := s.IsMaker(tt.profile); got != tt.want {
				t.Errorf("IsMaker(%s) = %v, want %v", tt.profile, got, tt.want)
			}
		})
	}
}

func TestRoleStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), RolesFile)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRoleStore(path); err == nil {
		t.Fatal("expected parse error")
	}
}

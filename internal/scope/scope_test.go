package scope

import "testing"

func TestCheckAccount(t *testing.T) {
	checker := NewChecker(Scope{Accounts: []string{"123456789012", "999888777666"}})

	if err := checker.CheckAccount("123456789012"); err != nil {
		t.Errorf("expected allowed account to pass: %v", err)
	}
	if err := checker.CheckAccount("111111111111"); err == nil {
		t.Error("expected disallowed account to fail")
	} else if !IsViolation(err) {
		t.Errorf("expected *Violation, got %T", err)
	}
}

func TestCheckArgs(t *testing.T) {
	checker := NewChecker(Scope{Regions: []string{"us-east-1", "ap-south-1"}})

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"allowed region", map[string]any{"region": "ap-south-1"}, false},
		{"disallowed region", map[string]any{"region": "eu-west-1"}, true},
		{"no region", map[string]any{"bucket_name": "demo"}, false},
		{"region list", map[string]any{"regions": []any{"us-east-1", "eu-west-1"}}, true},
		{"allowed list", map[string]any{"regions": []any{"us-east-1"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.CheckArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckArgs() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnrestricted(t *testing.T) {
	var nilChecker *Checker
	if !nilChecker.Unrestricted() || nilChecker.CheckRegion("eu-west-1") != nil {
		t.Error("nil checker should allow everything")
	}
	if !NewChecker(Scope{}).Unrestricted() {
		t.Error("empty scope should be unrestricted")
	}
}

func TestFilterRegions(t *testing.T) {
	checker := NewChecker(Scope{Regions: []string{"us-east-1", "ap-south-1"}})
	got := checker.FilterRegions([]string{"eu-west-1", "ap-south-1", "us-east-1"})
	if len(got) != 2 || got[0] != "ap-south-1" || got[1] != "us-east-1" {
		t.Errorf("FilterRegions = %v", got)
	}
}

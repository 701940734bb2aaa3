// Package scope restricts the blast radius of tool calls to an operator
// declared set of AWS regions and accounts. Calls that target a region or
// account outside the allow-list are refused before any handler runs.
package scope

import (
	"fmt"
	"strings"
)

// Scope is the operator-declared allow-list. Empty lists allow everything.
type Scope struct {
	Regions  []string `json:"regions,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
}

// Checker evaluates tool targets against a Scope.
type Checker struct {
	scope Scope
}

// NewChecker creates a checker for the given scope.
func NewChecker(s Scope) *Checker {
	return &Checker{scope: s}
}

// Unrestricted reports whether the checker allows every region and account.
func (c *Checker) Unrestricted() bool {
	return c == nil || (len(c.scope.Regions) == 0 && len(c.scope.Accounts) == 0)
}

// CheckAccount verifies an AWS account ID is allowed.
func (c *Checker) CheckAccount(accountID string) error {
	if c == nil || len(c.scope.Accounts) == 0 || accountID == "" {
		return nil
	}
	if contains(c.scope.Accounts, accountID) {
		return nil
	}
	return &Violation{
		Target: "account:" + accountID,
		Reason: fmt.Sprintf("account %s is outside the allowed accounts (%s)", accountID, strings.Join(c.scope.Accounts, ", ")),
	}
}

// CheckRegion verifies an AWS region is allowed. An empty region is not
// checked here; handlers fall back to their own defaults.
func (c *Checker) CheckRegion(region string) error {
	if c == nil || len(c.scope.Regions) == 0 || region == "" {
		return nil
	}
	if contains(c.scope.Regions, region) {
		return nil
	}
	return &Violation{
		Target: "region:" + region,
		Reason: fmt.Sprintf("region %s is outside the allowed regions (%s)", region, strings.Join(c.scope.Regions, ", ")),
	}
}

// CheckArgs checks every region the tool arguments name: "region" and each
// entry of "regions".
func (c *Checker) CheckArgs(args map[string]any) error {
	if c.Unrestricted() {
		return nil
	}
	if r, ok := args["region"].(string); ok {
		if err := c.CheckRegion(r); err != nil {
			return err
		}
	}
	if rs, ok := args["regions"].([]any); ok {
		for _, v := range rs {
			r, _ := v.(string)
			if err := c.CheckRegion(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// FilterRegions drops regions outside the allow-list, keeping order.
func (c *Checker) FilterRegions(regions []string) []string {
	if c == nil || len(c.scope.Regions) == 0 {
		return regions
	}
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		if contains(c.scope.Regions, r) {
			out = append(out, r)
		}
	}
	return out
}

// Violation is an out-of-scope tool target.
type Violation struct {
	Target string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("scope violation [%s]: %s", v.Target, v.Reason)
}

// IsViolation checks if an error is a scope violation.
func IsViolation(err error) bool {
	_, ok := err.(*Violation)
	return ok
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

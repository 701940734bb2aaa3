// service.go holds the operations exposed over gRPC. The CLI calls the same
// methods in-process when no server address is given.
package grpcapi

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/approval"
	"github.com/QwavePune/aws-infra-agent-bot/internal/audit"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/engine"
	"github.com/QwavePune/aws-infra-agent-bot/internal/eventlog"
	"github.com/QwavePune/aws-infra-agent-bot/internal/pki"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
)

// Service is the API surface shared by the gRPC handler and the CLI.
type Service struct {
	engine *engine.Engine
	logger zerolog.Logger
}

// NewService creates an API service backed by the given engine.
func NewService(eng *engine.Engine) *Service {
	return &Service{
		engine: eng,
		logger: eng.Logger.With().Str("component", "grpcapi").Logger(),
	}
}

// Actor resolves the profile a caller acts as. A verified client
// certificate wins over anything the caller claims; otherwise the explicit
// profile is used, then the profile bound to clientKey.
func (s *Service) Actor(ctx context.Context, explicit, clientKey string) string {
	if p := pki.PeerProfile(ctx); p != "" {
		return p
	}
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	return s.engine.Profiles.Current(clientKey)
}

// --- approvals ---

// ApprovalList is the result of approvals.list.
type ApprovalList struct {
	Requests      []*core.ApprovalRequest `json:"requests"`
	Count         int                     `json:"count"`
	ActiveProfile string                  `json:"active_profile"`
}

func (s *Service) ListApprovals(f approval.Filter, actor string) ApprovalList {
	reqs := s.engine.Approvals.List(f)
	return ApprovalList{Requests: reqs, Count: len(reqs), ActiveProfile: actor}
}

func (s *Service) GetApproval(id string) (*core.ApprovalRequest, error) {
	return s.engine.Approvals.Get(id)
}

func (s *Service) Approve(id, notes, actor string) (*core.ApprovalRequest, error) {
	s.logger.Info().Str("request_id", id).Str("profile", actor).Msg("approve")
	return s.engine.Approvals.Approve(id, notes, actor)
}

func (s *Service) Reject(id, notes, actor string) (*core.ApprovalRequest, error) {
	s.logger.Info().Str("request_id", id).Str("profile", actor).Msg("reject")
	return s.engine.Approvals.Reject(id, notes, actor)
}

func (s *Service) Execute(ctx context.Context, id, actor string) (*core.ApprovalRequest, error) {
	s.logger.Info().Str("request_id", id).Str("profile", actor).Msg("execute")
	return s.engine.Approvals.Execute(ctx, id, actor)
}

func (s *Service) Comment(id, actor, message string) (*core.ApprovalRequest, error) {
	if strings.TrimSpace(message) == "" {
		return nil, core.Errorf(core.KindValidation, "approvals.comment", "message is required")
	}
	return s.engine.Approvals.AddComment(id, actor, message)
}

// --- roles ---

func (s *Service) GetRoles() core.RoleConfiguration {
	return s.engine.Roles.Get()
}

func (s *Service) UpdateRoles(checkers, makers []string) (core.RoleConfiguration, error) {
	return s.engine.Roles.Update(checkers, makers)
}

// --- profiles ---

// ProfileInfo is the result of profile.get and profile.set.
type ProfileInfo struct {
	Profile       string `json:"profile"`
	ActiveProfile string `json:"active_profile"`
	// Pinned is set when a client certificate fixes the caller's profile.
	Pinned bool `json:"pinned,omitempty"`
}

func (s *Service) GetProfile(ctx context.Context, clientKey string) ProfileInfo {
	pinned := pki.PeerProfile(ctx)
	return ProfileInfo{
		Profile:       s.Actor(ctx, "", clientKey),
		ActiveProfile: s.engine.Profiles.Active(),
		Pinned:        pinned != "",
	}
}

// SetProfile binds p to clientKey and, unless clientOnly, makes it the
// process default.
func (s *Service) SetProfile(ctx context.Context, clientKey, p string, clientOnly bool) ProfileInfo {
	p = strings.TrimSpace(p)
	if p == "" {
		p = "default"
	}
	if !clientOnly {
		s.engine.Profiles.Activate(p)
	}
	s.engine.Profiles.SetClientProfile(clientKey, p)
	return s.GetProfile(ctx, clientKey)
}

// --- audit ---

func (s *Service) QueryAudit(q audit.Query) (audit.Report, error) {
	return s.engine.AuditReport(q)
}

func (s *Service) VerifyAudit() (eventlog.VerifyResult, error) {
	return s.engine.VerifyEvents()
}

// --- tools ---

func (s *Service) ListTools() []tools.Definition {
	return s.engine.Registry.Definitions()
}

package terraform

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// ResourceRef is a parsed AWS resource identifier.
type ResourceRef struct {
	Service      string
	ResourceType string
	ResourceID   string
	Region       string
	Account      string
}

var idPrefixes = []struct {
	prefix, service, resourceType string
}{
	{"i-", "ec2", "instance"},
	{"vpc-", "ec2", "vpc"},
	{"sg-", "ec2", "security-group"},
	{"subnet-", "ec2", "subnet"},
	{"nat-", "ec2", "nat-gateway"},
	{"eni-", "ec2", "network-interface"},
	{"vol-", "ec2", "volume"},
	{"snap-", "ec2", "snapshot"},
	{"ami-", "ec2", "image"},
	{"rds-", "rds", "db-instance"},
}

// projectPrefixes are the conventional project name prefixes tried for
// abbreviated names.
var projectPrefixes = []string{"s3_", "ec2_", "vpc_", "rds_", "lambda_", "ecs_"}

// ParseResourceIdentifier recognizes ARNs and well-known resource id
// prefixes. ok is false for plain names.
func ParseResourceIdentifier(id string) (ResourceRef, bool) {
	if id == "" {
		return ResourceRef{}, false
	}
	if strings.HasPrefix(id, "arn:") {
		parts := strings.Split(id, ":")
		if len(parts) < 6 {
			return ResourceRef{}, false
		}
		ref := ResourceRef{Service: parts[2], Region: parts[3], Account: parts[4]}
		resource := strings.Join(parts[5:], ":")
		if typ, rid, ok := strings.Cut(resource, "/"); ok {
			ref.ResourceType, ref.ResourceID = typ, rid
		} else if typ, rid, ok := strings.Cut(resource, ":"); ok && ref.Service != "s3" {
			ref.ResourceType, ref.ResourceID = typ, rid
		} else {
			ref.ResourceID = resource
			if ref.Service == "s3" {
				ref.ResourceType = "bucket"
			} else {
				ref.ResourceType = "unknown"
			}
		}
		return ref, true
	}
	for _, p := range idPrefixes {
		if strings.HasPrefix(id, p.prefix) {
			return ResourceRef{Service: p.service, ResourceType: p.resourceType, ResourceID: id}, true
		}
	}
	return ResourceRef{}, false
}

// looksLikeResourceID reports whether id should be tried as a resource id
// before trying name prefixes.
func looksLikeResourceID(id string) bool {
	if strings.HasPrefix(id, "arn:aws:") {
		return true
	}
	for _, p := range idPrefixes {
		if strings.HasPrefix(id, p.prefix) {
			return true
		}
	}
	return false
}

type tfState struct {
	Resources []struct {
		Type      string `json:"type"`
		Instances []struct {
			Attributes map[string]any `json:"attributes"`
		} `json:"instances"`
	} `json:"resources"`
}

// FindProjectByResource returns the project whose local state manages the
// resource identified by id (resource id, ARN or name).
func (m *Manager) FindProjectByResource(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	ref, parsed := ParseResourceIdentifier(id)

	for _, project := range m.Projects() {
		data, err := os.ReadFile(filepath.Join(m.ProjectDir(project), StateFile))
		if err != nil {
			continue
		}
		var state tfState
		if err := json.Unmarshal(data, &state); err != nil {
			m.logger.Debug().Err(err).Str("project", project).Msg("unreadable state file")
			continue
		}
		for _, r := range state.Resources {
			for _, inst := range r.Instances {
				if stateMatches(inst.Attributes, id, ref, parsed) {
					m.logger.Info().Str("resource", id).Str("project", project).Msg("resolved resource to project")
					return project, true
				}
			}
		}
	}
	return "", false
}

func stateMatches(attrs map[string]any, id string, ref ResourceRef, parsed bool) bool {
	str := func(k string) string {
		s, _ := attrs[k].(string)
		return s
	}
	if str("id") == id || str("arn") == id {
		return true
	}
	if parsed {
		rid := ref.ResourceID
		if rid != "" && str("id") == rid {
			return true
		}
		switch ref.Service {
		case "s3":
			return str("bucket") == rid
		case "dynamodb":
			return str("name") == rid
		case "lambda":
			return str("function_name") == rid
		case "rds":
			return str("identifier") == rid
		}
		return false
	}
	// Plain names: match the usual name-bearing attributes.
	for _, k := range []string{"bucket", "name", "function_name", "identifier"} {
		if str(k) == id {
			return true
		}
	}
	if tags, ok := attrs["tags"].(map[string]any); ok {
		if n, _ := tags["Name"].(string); n == id {
			return true
		}
	}
	return false
}

// ResolveProject maps a user-supplied project reference onto a project
// directory: exact name, then resource id/ARN lookup through local state,
// then conventional prefixes, then a name lookup in state. The input is
// returned unchanged when nothing matches.
func (m *Manager) ResolveProject(ref string) string {
	if ref == "" {
		return ref
	}
	if m.ProjectExists(ref) {
		return ref
	}
	if looksLikeResourceID(ref) {
		if p, ok := m.FindProjectByResource(ref); ok {
			return p
		}
	}
	for _, prefix := range projectPrefixes {
		if strings.HasPrefix(ref, prefix) {
			continue
		}
		if candidate := prefix + ref; m.ProjectExists(candidate) {
			m.logger.Info().Str("input", ref).Str("project", candidate).Msg("resolved project by prefix")
			return candidate
		}
	}
	if p, ok := m.FindProjectByResource(ref); ok {
		return p
	}
	return ref
}

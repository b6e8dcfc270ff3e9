package agents

// Role is the closed set of responsibilities an agent may declare.
type Role string

const (
	RoleAnalyst          Role = "ANALYST"
	RoleArchitect        Role = "ARCHITECT"
	RoleDesigner         Role = "DESIGNER"
	RoleDataEngineer     Role = "DATA_ENGINEER"
	RoleBackendEngineer  Role = "BACKEND_ENGINEER"
	RoleFrontendEngineer Role = "FRONTEND_ENGINEER"
	RoleQAEngineer       Role = "QA_ENGINEER"
	RoleSecurityAuditor  Role = "SECURITY_AUDITOR"
	RoleDevOpsEngineer   Role = "DEVOPS_ENGINEER"
	RoleTechnicalWriter  Role = "TECHNICAL_WRITER"
)

var roles = map[Role]struct{}{
	RoleAnalyst:          {},
	RoleArchitect:        {},
	RoleDesigner:         {},
	RoleDataEngineer:     {},
	RoleBackendEngineer:  {},
	RoleFrontendEngineer: {},
	RoleQAEngineer:       {},
	RoleSecurityAuditor:  {},
	RoleDevOpsEngineer:   {},
	RoleTechnicalWriter:  {},
}

// Valid reports whether r is a member of the role enumeration.
func (r Role) Valid() bool {
	_, ok := roles[r]
	return ok
}

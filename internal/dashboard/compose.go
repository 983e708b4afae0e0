package dashboard

import (
	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/infrastructure/logging"
)

// Mode is the multi-role view mode.
type Mode string

// View modes.
const (
	ModeUnified Mode = "unified"
	ModeRole    Mode = "role"
)

// Kind is the shape of a plan.
type Kind string

// Plan kinds.
const (
	KindSingle  Kind = "single"
	KindUnified Kind = "unified"
)

// View is the user's current view selection.
type View struct {
	Mode   Mode      `json:"mode"`
	Active auth.Role `json:"active_role,omitempty"`
}

// SummaryCard is one role's contribution to the unified view.
type SummaryCard struct {
	Role    auth.Role         `json:"role"`
	Title   string            `json:"title"`
	Actions []auth.Permission `json:"actions"`
}

// Plan tells the UI which dashboard to render.
type Plan struct {
	Kind Kind `json:"kind"`

	// Variant is the per-role view, set for KindSingle.
	Variant auth.Role `json:"variant,omitempty"`

	// Cards is set for KindUnified, in role-set order.
	Cards []SummaryCard `json:"cards,omitempty"`

	// AvailableRoles and ActiveRole drive the role toggle.
	AvailableRoles auth.RoleSet `json:"available_roles"`
	ActiveRole     auth.Role    `json:"active_role"`
}

// Equal reports whether two plans render the same dashboard.
func (p Plan) Equal(o Plan) bool {
	if p.Kind != o.Kind || p.Variant != o.Variant || p.ActiveRole != o.ActiveRole {
		return false
	}
	if !p.AvailableRoles.Equal(o.AvailableRoles) || len(p.Cards) != len(o.Cards) {
		return false
	}
	for i := range p.Cards {
		if p.Cards[i].Role != o.Cards[i].Role {
			return false
		}
	}
	return true
}

var cardTitles = map[auth.Role]string{
	auth.RoleGardener:  "My plots",
	auth.RoleVolunteer: "Volunteer shifts",
	auth.RoleManager:   "Garden management",
	auth.RoleAdmin:     "Administration",
}

// Composer builds plans. The zero value is usable and logs nothing.
type Composer struct {
	logger *logging.Logger
}

// NewComposer creates a composer that logs role fallbacks.
func NewComposer(logger *logging.Logger) Composer {
	return Composer{logger: logger}
}

// Compose builds the plan for identity under view using a silent composer.
func Compose(identity auth.Identity, view View) Plan {
	return Composer{}.Compose(identity, view)
}

// Compose builds the plan for identity under view.
func (c Composer) Compose(identity auth.Identity, view View) Plan {
	roles := c.knownRoles(identity)

	if roles.Len() == 1 {
		return Plan{
			Kind:           KindSingle,
			Variant:        roles.First(),
			AvailableRoles: roles,
			ActiveRole:     roles.First(),
		}
	}

	active := view.Active
	if !roles.Contains(active) {
		active = roles.First()
	}

	if view.Mode == ModeRole {
		return Plan{
			Kind:           KindSingle,
			Variant:        active,
			AvailableRoles: roles,
			ActiveRole:     active,
		}
	}

	cards := make([]SummaryCard, 0, roles.Len())
	for _, r := range roles {
		cards = append(cards, SummaryCard{
			Role:    r,
			Title:   cardTitles[r],
			Actions: auth.PermissionsForRole(r),
		})
	}
	return Plan{
		Kind:           KindUnified,
		Cards:          cards,
		AvailableRoles: roles,
		ActiveRole:     active,
	}
}

// knownRoles maps any role outside the closed set to gardener, and an
// empty set to {gardener}, so composition never fails.
func (c Composer) knownRoles(identity auth.Identity) auth.RoleSet {
	mapped := make([]auth.Role, 0, identity.Roles.Len())
	for _, r := range identity.Roles {
		if !r.IsKnown() {
			c.warn("unsupported role, composing gardener view", "identity_id", identity.ID, "role", string(r))
			r = auth.RoleGardener
		}
		mapped = append(mapped, r)
	}
	if len(mapped) == 0 {
		c.warn("identity without roles, composing gardener view", "identity_id", identity.ID)
		mapped = append(mapped, auth.RoleGardener)
	}
	return auth.NewRoleSet(mapped...)
}

func (c Composer) warn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}

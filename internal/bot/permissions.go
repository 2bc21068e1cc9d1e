package bot

import (
	"log/slog"
	"slices"

	"github.com/bwmarrin/discordgo"
)

// Permissions validates that a Discord user carries the operator role before
// executing privileged slash commands. The role is configured by name, not
// ID, so it survives guild re-creation.
type Permissions struct {
	operatorRole string
}

// NewPermissions creates a Permissions checker. An empty role name treats
// every member as an operator.
func NewPermissions(operatorRole string) *Permissions {
	return &Permissions{operatorRole: operatorRole}
}

// IsOperator reports whether the interaction author holds the operator role.
// Returns false for interactions without a Member (DM channels) and when the
// guild's role list cannot be resolved from state.
func (p *Permissions) IsOperator(s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	if p.operatorRole == "" {
		return true
	}
	if i.Member == nil {
		return false
	}

	guild, err := s.State.Guild(i.GuildID)
	if err != nil {
		slog.Warn("bot: guild not in state, denying operator command", "guild_id", i.GuildID, "err", err)
		return false
	}
	return hasRole(guild.Roles, i.Member.Roles, p.operatorRole)
}

// hasRole reports whether any of the member's role IDs resolves to a guild
// role with the given name.
func hasRole(guildRoles []*discordgo.Role, memberRoles []string, name string) bool {
	for _, role := range guildRoles {
		if role.Name == name && slices.Contains(memberRoles, role.ID) {
			return true
		}
	}
	return false
}

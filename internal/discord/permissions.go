package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user may control recordings
// before executing privileged slash commands.
type PermissionChecker struct {
	recorderRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given recorder
// role ID.
func NewPermissionChecker(recorderRoleID string) *PermissionChecker {
	return &PermissionChecker{recorderRoleID: recorderRoleID}
}

// IsRecorder checks whether the interaction author may start and stop
// recordings: members with the configured recorder role and guild
// administrators. If recorderRoleID is empty, all users are allowed (useful
// for development). Returns false if the interaction has no Member (e.g., DM
// channel interactions).
func (p *PermissionChecker) IsRecorder(i *discordgo.InteractionCreate) bool {
	if p.recorderRoleID == "" {
		return true
	}
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return slices.Contains(i.Member.Roles, p.recorderRoleID)
}

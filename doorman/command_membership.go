package doorman

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// guildMembersPageSize is the maximum page size accepted by the discord
// guild members endpoint.
const guildMembersPageSize = 1000

// runMembershipAdminCommand executes one of the admin-only membership
// maintenance commands. The interaction has already been acknowledged;
// the result replaces the deferred response.
func (d *Doorman) runMembershipAdminCommand(
	ctx context.Context,
	handler InteractionHandler,
	commandName string,
	u *discordgo.User,
) {
	logger := handler.Logger()
	config := handler.Config()

	var title string
	var description string
	var err error

	switch commandName {
	case DiscordSlashCommandCheckExpiring:
		title = "Expiration Notices"
		var result SweepResult
		result, err = d.scheduler.NotifySweep(ctx)
		if err == nil {
			description = fmt.Sprintf(
				"%d membership(s) expire today. Sent %d notice(s), %d failed.",
				result.Found,
				result.Succeeded,
				result.Failed,
			)
		}
	case DiscordSlashCommandCleanupExpired:
		title = "Expired Member Cleanup"
		var result SweepResult
		result, err = d.scheduler.CleanupSweep(ctx)
		if err == nil {
			description = fmt.Sprintf(
				"Found %d expired membership(s). Removed %d, %d failed.",
				result.Found,
				result.Succeeded,
				result.Failed,
			)
		}
	case DiscordSlashCommandCheckMyID:
		title = "Your Membership Record"
		description, err = d.checkMyID(ctx, u)
	case DiscordSlashCommandCheckRole:
		title = "Member Role Check"
		description, err = d.checkRole(ctx, u)
	case DiscordSlashCommandFixDiscordIDs:
		title = "Discord ID Repair"
		description, err = d.fixDiscordIDs(ctx)
	default:
		logger.WarnContext(ctx, "unknown admin command", "command", commandName)
		return
	}

	if err != nil {
		logger.ErrorContext(
			ctx,
			"admin command failed",
			tint.Err(err),
			"command", commandName,
		)
		description = config.DiscordErrorMessage
	}

	embeds := []*discordgo.MessageEmbed{
		{
			Title:       title,
			Description: truncate(description, discordMaxMessageLength),
			Color:       config.EmbedColor,
		},
	}
	if _, editErr := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Embeds: &embeds},
		discordgo.WithContext(ctx),
	); editErr != nil {
		logger.ErrorContext(ctx, "error updating interaction", tint.Err(editErr))
	}
}

// checkMyID reports the invoker's Discord ID and whether a verification
// record exists for it.
func (d *Doorman) checkMyID(ctx context.Context, u *discordgo.User) (string, error) {
	if d.db == nil {
		return "", ErrStoreUnavailable
	}

	member, err := getVerifiedMember(ctx, d.db, u.ID)
	if err != nil {
		return "", err
	}
	if member == nil {
		return fmt.Sprintf(
			"Your Discord ID is `%s`. No verification record found for it.",
			u.ID,
		), nil
	}

	lines := []string{
		fmt.Sprintf("Your Discord ID is `%s`.", u.ID),
		fmt.Sprintf("Verified as **%s** (%s).", member.FullName, member.Email),
	}
	if member.EndDate != "" {
		lines = append(
			lines,
			fmt.Sprintf("Membership end date: %s.", member.EndDate),
		)
	}
	return strings.Join(lines, "\n"), nil
}

// checkRole resolves the configured member role and reports whether the
// invoker currently holds it.
func (d *Doorman) checkRole(ctx context.Context, u *discordgo.User) (string, error) {
	guildID := d.config.Discord.GuildID
	roleID := d.config.Discord.MemberRoleID

	roles, err := d.discord.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("error fetching guild roles: %w", err)
	}

	roleName := ""
	for _, role := range roles {
		if role.ID == roleID {
			roleName = role.Name
			break
		}
	}
	if roleName == "" {
		return fmt.Sprintf(
			"Configured member role `%s` does not exist in this server.",
			roleID,
		), nil
	}

	member, err := d.discord.session.GuildMember(
		guildID,
		u.ID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("error fetching guild member: %w", err)
	}

	if memberHasRole(member, roleID) {
		return fmt.Sprintf(
			"Member role **%s** (`%s`) exists, and you have it.",
			roleName,
			roleID,
		), nil
	}
	return fmt.Sprintf(
		"Member role **%s** (`%s`) exists, but you don't have it.",
		roleName,
		roleID,
	), nil
}

// fixDiscordIDs repairs verified_members rows whose stored Discord ID no
// longer matches any guild member. An earlier data pipeline passed
// snowflakes through a floating-point column, which mangled IDs above
// 2^53; those rows can usually be re-linked by the stored username.
func (d *Doorman) fixDiscordIDs(ctx context.Context) (string, error) {
	if d.db == nil {
		return "", ErrStoreUnavailable
	}

	members, err := listVerifiedMembers(ctx, d.db)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "No verification records to check.", nil
	}

	guildByID, guildByUsername, err := d.fetchGuildMemberIndex(ctx)
	if err != nil {
		return "", err
	}

	suspect := 0
	repaired := 0
	unresolved := 0

	for _, member := range members {
		if _, ok := guildByID[member.DiscordID]; ok {
			continue
		}
		suspect++

		guildMember, ok := guildByUsername[member.DiscordUsername]
		if !ok || guildMember.User == nil {
			unresolved++
			d.logger.WarnContext(
				ctx,
				"no guild member found for stored username",
				"member", member,
			)
			continue
		}

		if _, updErr := d.writeDB.UpdatesWhere(
			ctx,
			&VerifiedMember{},
			map[string]any{columnVerifiedMemberDiscordID: guildMember.User.ID},
			"id = ?",
			member.ID,
		); updErr != nil {
			unresolved++
			d.logger.ErrorContext(
				ctx,
				"error repairing discord ID",
				tint.Err(updErr),
				"member", member,
			)
			continue
		}
		repaired++
		d.logger.InfoContext(
			ctx,
			"repaired discord ID",
			"old_id", member.DiscordID,
			"new_id", guildMember.User.ID,
			"username", member.DiscordUsername,
		)
	}

	if suspect == 0 {
		return fmt.Sprintf(
			"All %d verification record(s) match a current guild member.",
			len(members),
		), nil
	}
	return fmt.Sprintf(
		"Checked %d record(s): %d had stale Discord IDs. Repaired %d by "+
			"username, %d need manual attention.",
		len(members),
		suspect,
		repaired,
		unresolved,
	), nil
}

// fetchGuildMemberIndex pages through the full guild member list and
// indexes it by user ID and by username.
func (d *Doorman) fetchGuildMemberIndex(ctx context.Context) (
	map[string]*discordgo.Member,
	map[string]*discordgo.Member,
	error,
) {
	byID := map[string]*discordgo.Member{}
	byUsername := map[string]*discordgo.Member{}

	after := ""
	for {
		page, err := d.discord.session.GuildMembers(
			d.config.Discord.GuildID,
			after,
			guildMembersPageSize,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("error fetching guild members: %w", err)
		}
		for _, member := range page {
			if member.User == nil {
				continue
			}
			byID[member.User.ID] = member
			byUsername[member.User.String()] = member
		}
		if len(page) < guildMembersPageSize {
			return byID, byUsername, nil
		}
		after = page[len(page)-1].User.ID
	}
}

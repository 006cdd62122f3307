package doorman

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixDiscordIDsRepairsByUsername(t *testing.T) {
	t.Parallel()
	d, session := newTestDoorman(t)
	ctx := context.Background()

	require.NoError(
		t, d.db.Create(
			[]*VerifiedMember{
				{
					DiscordID:       "100200300",
					Email:           "a@example.com",
					DiscordUsername: "alice",
				},
				{
					// mangled ID, but the username still matches a guild member
					DiscordID:       "9007199254740992",
					Email:           "b@example.com",
					DiscordUsername: "bob",
				},
				{
					// mangled ID and no matching username
					DiscordID:       "9007199254740994",
					Email:           "c@example.com",
					DiscordUsername: "carol",
				},
			},
		).Error,
	)

	session.guildMembersFunc = func(_, after string, _ int) (
		[]*discordgo.Member,
		error,
	) {
		if after != "" {
			return nil, nil
		}
		return []*discordgo.Member{
			{User: &discordgo.User{ID: "100200300", Username: "alice"}},
			{User: &discordgo.User{ID: "400500600", Username: "bob"}},
		}, nil
	}

	summary, err := d.fixDiscordIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, summary, "2 had stale Discord IDs")
	assert.Contains(t, summary, "Repaired 1")
	assert.Contains(t, summary, "1 need manual attention")

	repaired, err := getVerifiedMember(ctx, d.db, "400500600")
	require.NoError(t, err)
	require.NotNil(t, repaired)
	assert.Equal(t, "b@example.com", repaired.Email)

	stale, err := getVerifiedMember(ctx, d.db, "9007199254740992")
	require.NoError(t, err)
	assert.Nil(t, stale)

	unresolved, err := getVerifiedMember(ctx, d.db, "9007199254740994")
	require.NoError(t, err)
	assert.NotNil(t, unresolved)
}

func TestFixDiscordIDsAllCurrent(t *testing.T) {
	t.Parallel()
	d, session := newTestDoorman(t)
	ctx := context.Background()

	require.NoError(
		t, d.db.Create(
			&VerifiedMember{
				DiscordID:       "100200300",
				Email:           "a@example.com",
				DiscordUsername: "alice",
			},
		).Error,
	)

	session.guildMembersFunc = func(_, _ string, _ int) (
		[]*discordgo.Member,
		error,
	) {
		return []*discordgo.Member{
			{User: &discordgo.User{ID: "100200300", Username: "alice"}},
		}, nil
	}

	summary, err := d.fixDiscordIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, summary, "All 1 verification record(s) match")
}

func TestCheckMyID(t *testing.T) {
	t.Parallel()
	d, _ := newTestDoorman(t)
	ctx := context.Background()

	u := newDiscordUser(t)

	description, err := d.checkMyID(ctx, u)
	require.NoError(t, err)
	assert.Contains(t, description, u.ID)
	assert.Contains(t, description, "No verification record")

	require.NoError(
		t, d.db.Create(
			&VerifiedMember{
				DiscordID: u.ID,
				Email:     "alice@example.com",
				FullName:  "Alice Example",
				EndDate:   "01/12/26",
			},
		).Error,
	)

	description, err = d.checkMyID(ctx, u)
	require.NoError(t, err)
	assert.Contains(t, description, "Alice Example")
	assert.Contains(t, description, "alice@example.com")
	assert.Contains(t, description, "01/12/26")
}

func TestCheckRole(t *testing.T) {
	t.Parallel()
	d, session := newTestDoorman(t)
	ctx := context.Background()

	u := newDiscordUser(t)
	roleID := d.config.Discord.MemberRoleID

	session.guildRolesFunc = func(string) ([]*discordgo.Role, error) {
		return []*discordgo.Role{{ID: roleID, Name: "Member"}}, nil
	}

	description, err := d.checkRole(ctx, u)
	require.NoError(t, err)
	assert.Contains(t, description, "you don't have it")

	session.guildMemberFunc = func(_, userID string) (*discordgo.Member, error) {
		return &discordgo.Member{
			User:  &discordgo.User{ID: userID},
			Roles: []string{roleID},
		}, nil
	}

	description, err = d.checkRole(ctx, u)
	require.NoError(t, err)
	assert.Contains(t, description, "you have it")
}

func TestCheckRoleMissingRole(t *testing.T) {
	t.Parallel()
	d, session := newTestDoorman(t)
	ctx := context.Background()

	session.guildRolesFunc = func(string) ([]*discordgo.Role, error) {
		return []*discordgo.Role{{ID: "some-other-role", Name: "Moderator"}}, nil
	}

	description, err := d.checkRole(ctx, newDiscordUser(t))
	require.NoError(t, err)
	assert.Contains(t, description, "does not exist")
}

func TestRunMembershipAdminCommandCleanup(t *testing.T) {
	t.Parallel()
	d, _ := newTestDoorman(t)
	ctx := context.Background()

	yesterday := formatMemberDate(d.scheduler.today().AddDate(0, 0, -1))
	require.NoError(
		t, d.db.Create(
			&VerifiedMember{
				DiscordID: "expired",
				Email:     "a@example.com",
				EndDate:   yesterday,
			},
		).Error,
	)

	handler := newStubInteractionHandler(t)
	d.runMembershipAdminCommand(
		ctx,
		handler,
		DiscordSlashCommandCleanupExpired,
		newDiscordUser(t),
	)

	edit := <-handler.callEdit
	embeds := *edit.WebhookEdit.Embeds
	require.Len(t, embeds, 1)
	assert.Equal(t, "Expired Member Cleanup", embeds[0].Title)
	assert.Contains(t, embeds[0].Description, "Found 1 expired membership(s)")
	assert.Contains(t, embeds[0].Description, "Removed 1")
}

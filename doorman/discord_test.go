package doorman

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberHasRole(t *testing.T) {
	t.Parallel()

	assert.False(t, memberHasRole(nil, "role"))
	assert.False(t, memberHasRole(&discordgo.Member{}, "role"))
	assert.False(
		t,
		memberHasRole(&discordgo.Member{Roles: []string{"other"}}, "role"),
	)
	assert.True(
		t,
		memberHasRole(
			&discordgo.Member{Roles: []string{"other", "role"}},
			"role",
		),
	)
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()

	dmUser := &discordgo.User{ID: "dm_user"}
	guildUser := &discordgo.User{ID: "guild_user"}

	// DMs put the user at the top level, guild interactions nest it in
	// the member
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: dmUser},
	}
	assert.Equal(t, dmUser, getDiscordUser(i))

	i = &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: guildUser},
		},
	}
	assert.Equal(t, guildUser, getDiscordUser(i))

	i = &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	assert.Nil(t, getDiscordUser(i))
}

func TestAckResponseFlags(t *testing.T) {
	t.Parallel()
	d := &Discord{}

	// membership commands only ever reply to the invoking user
	for _, command := range []string{
		DiscordSlashCommandVerify,
		DiscordSlashCommandCheckExpiring,
		DiscordSlashCommandCleanupExpired,
		DiscordSlashCommandCheckMyID,
		DiscordSlashCommandCheckRole,
		DiscordSlashCommandFixDiscordIDs,
		DiscordSlashCommandWhoami,
		DiscordSlashCommandCommands,
	} {
		assert.Equalf(
			t,
			discordgo.MessageFlagsEphemeral,
			d.ackResponseFlag(command),
			"expected %s to be ephemeral", command,
		)
	}

	for _, command := range []string{
		DiscordSlashCommandEightBall,
		DiscordSlashCommandCat,
		DiscordSlashCommandFlip,
		DiscordSlashCommandPing,
		DiscordSlashCommandCalendar,
	} {
		assert.Equalf(
			t,
			discordgo.MessageFlags(0),
			d.ackResponseFlag(command),
			"expected %s to reply in-channel", command,
		)
	}
}

func TestRegisterCommands(t *testing.T) {
	t.Parallel()
	d, _ := newTestDoorman(t)

	created, err := d.discord.registerCommands()
	require.NoError(t, err)

	names := make([]string, 0, len(created))
	for _, c := range created {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{
			DiscordSlashCommandVerify,
			DiscordSlashCommandCheckExpiring,
			DiscordSlashCommandCleanupExpired,
			DiscordSlashCommandCheckMyID,
			DiscordSlashCommandCheckRole,
			DiscordSlashCommandFixDiscordIDs,
			DiscordSlashCommandEightBall,
			DiscordSlashCommandCat,
			DiscordSlashCommandFlip,
			DiscordSlashCommandPing,
			DiscordSlashCommandWhoami,
			DiscordSlashCommandCommands,
			DiscordSlashCommandCalendar,
		},
		names,
	)
}

func TestVerifyCommandDefinition(t *testing.T) {
	t.Parallel()
	d := &Discord{}

	cmd := d.appCommandVerify()
	assert.Equal(t, DiscordSlashCommandVerify, cmd.Name)
	require.Len(t, cmd.Options, 1)

	opt := cmd.Options[0]
	assert.Equal(t, verifyCommandEmailOption, opt.Name)
	assert.Equal(t, discordgo.ApplicationCommandOptionString, opt.Type)
	assert.True(t, opt.Required)
}

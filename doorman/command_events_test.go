package doorman

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCalendarInteraction creates an InteractionCreate for the /calendar
// command, optionally with a category option.
func newCalendarInteraction(
	t testing.TB,
	u *discordgo.User,
	category string,
) *discordgo.InteractionCreate {
	t.Helper()

	var options []*discordgo.ApplicationCommandInteractionDataOption
	if category != "" {
		options = append(
			options,
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  calendarCommandCategoryOption,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: category,
			},
		)
	}

	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionApplicationCommand,
			ID:      fmt.Sprintf("interaction_%s", t.Name()),
			User:    u,
			Context: discordgo.InteractionContextGuild,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandCalendar,
				Options:     options,
			},
		},
	}
}

func eventDate(daysFromNow int) string {
	return time.Now().AddDate(0, 0, daysFromNow).Format(eventDateLayout)
}

func TestCalendarCommandListsUpcomingEvents(t *testing.T) {
	t.Parallel()
	d, _ := newTestDoorman(t)
	ctx := context.Background()

	require.NoError(
		t, d.db.Create(
			[]*Event{
				{
					Title:     "Christmas Party",
					Category:  "social",
					Location:  "Clubhouse",
					Date:      eventDate(5),
					StartTime: "18:00",
				},
				{
					Title:     "Morning Pennant",
					Category:  "competition",
					Location:  "North Green",
					Date:      eventDate(2),
					StartTime: "09:30",
				},
				{
					Title:     "Twilight Pennant",
					Category:  "competition",
					Location:  "North Green",
					Date:      eventDate(2),
					StartTime: "18:30",
				},
				{
					Title:     "Last Month's AGM",
					Category:  "meeting",
					Location:  "Clubhouse",
					Date:      eventDate(-30),
					StartTime: "19:00",
				},
			},
		).Error,
	)

	u := newDiscordUser(t)
	handler := newStubInteractionHandler(t)
	d.runFunCommand(
		ctx,
		handler,
		DiscordSlashCommandCalendar,
		u,
		newCalendarInteraction(t, u, ""),
	)

	edit := <-handler.callEdit
	require.NotNil(t, edit.WebhookEdit.Embeds)
	embeds := *edit.WebhookEdit.Embeds
	require.Len(t, embeds, 1)

	// past events are excluded; the rest are soonest-first, with same-day
	// events ordered by start time
	fields := embeds[0].Fields
	require.Len(t, fields, 3)
	assert.Equal(t, "Morning Pennant", fields[0].Name)
	assert.Equal(t, "Twilight Pennant", fields[1].Name)
	assert.Equal(t, "Christmas Party", fields[2].Name)

	assert.Contains(t, fields[0].Value, "competition")
	assert.Contains(t, fields[0].Value, "North Green")
	assert.Contains(t, fields[0].Value, "<t:")
}

func TestCalendarCommandCategoryFilter(t *testing.T) {
	t.Parallel()
	d, _ := newTestDoorman(t)
	ctx := context.Background()

	require.NoError(
		t, d.db.Create(
			[]*Event{
				{
					Title:     "Friday Social",
					Category:  "social",
					Location:  "Clubhouse",
					Date:      eventDate(3),
					StartTime: "17:00",
				},
				{
					Title:     "Committee Meeting",
					Category:  "meeting",
					Location:  "Clubhouse",
					Date:      eventDate(1),
					StartTime: "19:00",
				},
			},
		).Error,
	)

	u := newDiscordUser(t)
	handler := newStubInteractionHandler(t)
	d.runFunCommand(
		ctx,
		handler,
		DiscordSlashCommandCalendar,
		u,
		newCalendarInteraction(t, u, "social"),
	)

	edit := <-handler.callEdit
	embeds := *edit.WebhookEdit.Embeds
	require.Len(t, embeds, 1)
	assert.Contains(t, embeds[0].Title, "social")

	fields := embeds[0].Fields
	require.Len(t, fields, 1)
	assert.Equal(t, "Friday Social", fields[0].Name)
}

func TestCalendarCommandNoUpcomingEvents(t *testing.T) {
	t.Parallel()
	d, _ := newTestDoorman(t)
	ctx := context.Background()

	u := newDiscordUser(t)
	handler := newStubInteractionHandler(t)
	d.runFunCommand(
		ctx,
		handler,
		DiscordSlashCommandCalendar,
		u,
		newCalendarInteraction(t, u, ""),
	)

	edit := <-handler.callEdit
	embeds := *edit.WebhookEdit.Embeds
	require.Len(t, embeds, 1)
	assert.Empty(t, embeds[0].Fields)
	assert.Contains(t, embeds[0].Description, "No upcoming events")
}

func TestCalendarCommandQueryFailure(t *testing.T) {
	t.Parallel()
	d, _ := newTestDoorman(t)
	ctx := context.Background()

	require.NoError(t, d.db.Migrator().DropTable(&Event{}))

	u := newDiscordUser(t)
	handler := newStubInteractionHandler(t)
	d.runFunCommand(
		ctx,
		handler,
		DiscordSlashCommandCalendar,
		u,
		newCalendarInteraction(t, u, ""),
	)

	edit := <-handler.callEdit
	embeds := *edit.WebhookEdit.Embeds
	require.Len(t, embeds, 1)
	assert.Contains(t, embeds[0].Description, "Couldn't load the event calendar")
}

func TestEventSummaryLineFallsBackOnBadDate(t *testing.T) {
	t.Parallel()

	event := Event{
		Title:     "Mystery Event",
		Category:  "social",
		Location:  "Clubhouse",
		Date:      "soon",
		StartTime: "whenever",
	}
	line := event.summaryLine(time.UTC)
	assert.NotContains(t, line, "<t:")
	assert.Contains(t, line, "soon whenever")
}

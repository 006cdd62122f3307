package doorman

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	// eventDateLayout/eventTimeLayout match the columns of the events
	// table, which is synced in from the club's planning sheet alongside
	// the roster.
	eventDateLayout = "2006-01-02"
	eventTimeLayout = "15:04"

	// discord embeds cap out at 25 fields
	maxCalendarEmbedFields = 25
)

// Event is a row in the club's event calendar. Like the roster, the
// table is synced in from outside; doorman only reads it to answer
// /calendar.
type Event struct {
	ModelUintID
	Title    string `json:"title" gorm:"not null;default:null"`
	Category string `json:"category" gorm:"index"`
	Location string `json:"location"`

	// Date is the event date (2006-01-02); StartTime is the local 24h
	// start time (15:04), both in the club's timezone
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
}

func (Event) TableName() string {
	return "events"
}

// startsAt combines Date and StartTime into a point in time in the given
// location.
func (e Event) startsAt(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(
		eventDateLayout+" "+eventTimeLayout,
		fmt.Sprintf("%s %s", e.Date, e.StartTime),
		loc,
	)
}

// getUpcomingEvents returns events on or after fromDate, soonest first.
// An empty category returns every category.
func getUpcomingEvents(
	ctx context.Context,
	db *gorm.DB,
	fromDate string,
	category string,
) ([]Event, error) {
	query := db.WithContext(ctx).Where("date >= ?", fromDate)
	if category != "" {
		query = query.Where("category = ?", category)
	}

	var events []Event
	err := query.Order("date asc").Order("start_time asc").Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("error fetching upcoming events: %w", err)
	}
	return events, nil
}

// populateCalendarEmbed fills the embed with the upcoming events,
// optionally filtered by the interaction's category option. "Upcoming"
// is evaluated against the club's calendar, not UTC.
func (d *Doorman) populateCalendarEmbed(
	ctx context.Context,
	embed *discordgo.MessageEmbed,
	i *discordgo.InteractionCreate,
) {
	category := ""
	if opt, ok := discordInteractionOptions(i)[calendarCommandCategoryOption]; ok {
		category = opt.StringValue()
	}

	embed.Title = "\U0001F4C5 Upcoming Events"
	if category != "" {
		embed.Title = fmt.Sprintf("\U0001F4C5 Upcoming Events: %s", category)
	}

	today := d.scheduler.today().Format(eventDateLayout)
	events, err := getUpcomingEvents(ctx, d.db, today, category)
	if err != nil {
		d.logger.ErrorContext(ctx, "error loading event calendar", tint.Err(err))
		embed.Description = "Couldn't load the event calendar. Please try again later."
		return
	}

	if len(events) == 0 {
		embed.Description = "No upcoming events found. Try a different category, or check back later."
		return
	}

	if len(events) > maxCalendarEmbedFields {
		events = events[:maxCalendarEmbedFields]
	}

	for _, event := range events {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  event.Title,
				Value: event.summaryLine(d.scheduler.location),
			},
		)
	}
}

// summaryLine renders the category, location and start time for an embed
// field. The start time uses discord's timestamp markup so each reader
// sees it in their own timezone; an unparseable date falls back to the
// raw column values.
func (e Event) summaryLine(loc *time.Location) string {
	startsAt, err := e.startsAt(loc)
	when := fmt.Sprintf("%s %s", e.Date, e.StartTime)
	if err == nil {
		when = fmt.Sprintf("<t:%d:f>", startsAt.Unix())
	}
	return fmt.Sprintf("%s | %s | %s", e.Category, e.Location, when)
}

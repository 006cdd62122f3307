package doorman

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	eightBallAPIURL = "https://eightballapi.com/api"
	catAPIURL       = "https://cataas.com/cat"
)

// eightBallFallbackAnswers is used when the 8ball API is unreachable.
var eightBallFallbackAnswers = []string{
	"It is certain.",
	"Without a doubt.",
	"Most likely.",
	"Reply hazy, try again.",
	"Ask again later.",
	"Don't count on it.",
	"My sources say no.",
	"Very doubtful.",
}

// runFunCommand executes one of the non-membership commands. The
// interaction has already been acknowledged; the result replaces the
// deferred response.
func (d *Doorman) runFunCommand(
	ctx context.Context,
	handler InteractionHandler,
	commandName string,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()
	config := handler.Config()

	embed := &discordgo.MessageEmbed{Color: config.EmbedColor}

	switch commandName {
	case DiscordSlashCommandEightBall:
		question := ""
		if opt, ok := discordInteractionOptions(i)[eightBallCommandQuestionOption]; ok {
			question = opt.StringValue()
		}
		embed.Title = "\U0001F3B1 The Magic 8-Ball says..."
		if question != "" {
			embed.Title = fmt.Sprintf(
				"\U0001F3B1 %s",
				truncate(question, 200),
			)
		}
		embed.Description = d.eightBallReading(ctx, question)
	case DiscordSlashCommandCat:
		embed.Title = "\U0001F431 Here's a cat!"
		embed.Image = &discordgo.MessageEmbedImage{URL: randomCatURL()}
	case DiscordSlashCommandFlip:
		embed.Title = "Coin Flip"
		if rand.Intn(2) == 0 {
			embed.Description = "Heads!"
		} else {
			embed.Description = "Tails!"
		}
	case DiscordSlashCommandPing:
		embed.Title = "Pong!"
		embed.Description = fmt.Sprintf(
			"Gateway heartbeat: %dms",
			d.discord.session.HeartbeatLatency().Milliseconds(),
		)
	case DiscordSlashCommandWhoami:
		embed.Title = "Who are you?"
		embed.Description = fmt.Sprintf(
			"**%s**\nID: `%s`",
			u.String(),
			u.ID,
		)
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{
			URL: u.AvatarURL(""),
		}
	case DiscordSlashCommandCalendar:
		d.populateCalendarEmbed(ctx, embed, i)
	case DiscordSlashCommandCommands:
		embed.Title = "Commands"
		embed.Description = commandListing()
	default:
		logger.WarnContext(ctx, "unknown fun command", "command", commandName)
		return
	}

	embeds := []*discordgo.MessageEmbed{embed}
	if _, editErr := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Embeds: &embeds},
		discordgo.WithContext(ctx),
	); editErr != nil {
		logger.ErrorContext(ctx, "error updating interaction", tint.Err(editErr))
	}
}

// eightBallReading asks the 8ball API for a reading, falling back to a
// local answer if the API is unreachable or returns garbage.
func (d *Doorman) eightBallReading(ctx context.Context, question string) string {
	fallback := eightBallFallbackAnswers[rand.Intn(len(eightBallFallbackAnswers))]

	reqURL := eightBallAPIURL
	if question != "" {
		reqURL = fmt.Sprintf(
			"%s?question=%s",
			eightBallAPIURL,
			url.QueryEscape(question),
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		d.logger.WarnContext(ctx, "error creating 8ball request", tint.Err(err))
		return fallback
	}

	resp, err := d.config.HTTPClient.Do(req)
	if err != nil {
		d.logger.WarnContext(ctx, "8ball API unreachable", tint.Err(err))
		return fallback
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		d.logger.WarnContext(
			ctx,
			"unexpected 8ball API status",
			"status", resp.StatusCode,
		)
		return fallback
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		d.logger.WarnContext(ctx, "error reading 8ball response", tint.Err(err))
		return fallback
	}

	var reading struct {
		Reading string `json:"reading"`
	}
	if err := json.Unmarshal(body, &reading); err != nil || reading.Reading == "" {
		d.logger.WarnContext(ctx, "unexpected 8ball response body", tint.Err(err))
		return fallback
	}
	return reading.Reading
}

// randomCatURL returns a cataas.com URL with a cache-busting query so
// discord doesn't serve the same cat twice.
func randomCatURL() string {
	nonce, err := generateRandomHexString(8)
	if err != nil {
		return catAPIURL
	}
	return fmt.Sprintf("%s?%s", catAPIURL, nonce)
}

// commandListing returns the /commands help text.
func commandListing() string {
	sections := []string{
		"**Membership**",
		fmt.Sprintf("`/%s` - verify your club membership", DiscordSlashCommandVerify),
		"",
		"**Admin**",
		fmt.Sprintf("`/%s` - run the expiration notice sweep", DiscordSlashCommandCheckExpiring),
		fmt.Sprintf("`/%s` - remove expired memberships", DiscordSlashCommandCleanupExpired),
		fmt.Sprintf("`/%s` - show your ID and verification record", DiscordSlashCommandCheckMyID),
		fmt.Sprintf("`/%s` - check the member role", DiscordSlashCommandCheckRole),
		fmt.Sprintf("`/%s` - repair stale Discord IDs", DiscordSlashCommandFixDiscordIDs),
		"",
		"**Fun**",
		fmt.Sprintf("`/%s` - ask the magic 8-ball", DiscordSlashCommandEightBall),
		fmt.Sprintf("`/%s` - a random cat", DiscordSlashCommandCat),
		fmt.Sprintf("`/%s` - flip a coin", DiscordSlashCommandFlip),
		fmt.Sprintf("`/%s` - check the bot's latency", DiscordSlashCommandPing),
		fmt.Sprintf("`/%s` - about you", DiscordSlashCommandWhoami),
		fmt.Sprintf("`/%s` - the club's upcoming events", DiscordSlashCommandCalendar),
	}
	return strings.Join(sections, "\n")
}

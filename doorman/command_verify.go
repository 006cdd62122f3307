package doorman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	VerifyCommandStateReceived        VerifyCommandState = "received"
	VerifyCommandStateFailed          VerifyCommandState = "failed"
	VerifyCommandStateCompleted       VerifyCommandState = "completed"
	VerifyCommandStateAlreadyVerified VerifyCommandState = "already_verified"
	VerifyCommandStateIgnored         VerifyCommandState = "ignored"
)

var (
	columnVerifyCommandState      = "state"
	columnVerifyCommandFinishedAt = "finished_at"
	columnVerifyCommandResponse   = "response"
	columnVerifyCommandError      = "error"
	columnVerifyCommandStartedAt  = "started_at"
)

type VerifyCommandState string

// VerifyCommand represents a '/verify' slash command execution.
//
// It tracks the lifecycle of a verification from receipt to completion:
// precondition checks, the already-verified short circuit, roster
// eligibility, and the role-grant/row-upsert commit. Every invocation is
// persisted, including failures, so the committee can audit why someone
// wasn't verified.
type VerifyCommand struct {
	ModelUintID
	ModelUnixTime
	Interaction
	logger  *slog.Logger
	State   VerifyCommandState
	Email   string `json:"email" gorm:"type:string"`
	handler InteractionHandler
}

func NewVerifyCommand(
	d *Doorman,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
) *VerifyCommand {
	interaction := NewUserInteraction(i, u)

	rec := &VerifyCommand{
		Interaction: *interaction,
		State:       VerifyCommandStateReceived,
	}
	if opt, ok := discordInteractionOptions(i)[verifyCommandEmailOption]; ok {
		rec.Email = normalizeEmail(opt.StringValue())
	}
	rec.logger = d.logger.With("verify_command", rec)
	return rec
}

func (c *VerifyCommand) Deadline() time.Time {
	return time.UnixMilli(c.TokenExpires).UTC()
}

func (c VerifyCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("interaction", c.Interaction),
		slog.String("state", string(c.State)),
		slog.String("error", c.Error.String()),
	)
}

// verificationSaga is the commit sequence for a successful verification:
// grant the member role first, then write the verified_members row. If the
// row write fails after the role was granted, the role grant is rolled
// back on a best-effort basis so a member never keeps the role without a
// backing record.
//
// The steps are plain closures so the ordering and compensation behavior
// can be tested without a live Discord session or database.
type verificationSaga struct {
	grantRole  func(ctx context.Context) error
	revokeRole func(ctx context.Context) error
	saveRecord func(ctx context.Context) error
	logger     *slog.Logger
}

// run executes the saga. The returned error is nil only if both the role
// grant and the record write succeeded.
func (s verificationSaga) run(ctx context.Context) error {
	log := s.logger
	if log == nil {
		log = slog.Default()
	}

	if err := s.grantRole(ctx); err != nil {
		return fmt.Errorf("error granting member role: %w", err)
	}

	if err := s.saveRecord(ctx); err != nil {
		log.ErrorContext(
			ctx,
			"record write failed after role grant, revoking role",
			tint.Err(err),
		)
		if revokeErr := s.revokeRole(ctx); revokeErr != nil {
			// the account now has the role without a verified_members
			// row; the next /verify or cleanup sweep reconciles it
			log.ErrorContext(
				ctx,
				"failed to revoke role after record write failure",
				tint.Err(revokeErr),
			)
		}
		return fmt.Errorf("error saving verified member: %w", err)
	}

	return nil
}

// execute processes the VerifyCommand.
//
// The command walks a fixed sequence: preconditions (store, guild, role),
// the already-verified short circuit, a forced roster refresh plus
// eligibility check, and finally the role-then-row commit via
// verificationSaga. Every failure path shows the user the same configured
// failure message; the recorded error and logs carry the real cause.
func (c *VerifyCommand) execute(
	ctx context.Context,
	dc *Doorman,
) error {
	started := time.Now()

	config := c.handler.Config()

	cmdLogger := c.logger
	if cmdLogger == nil {
		cmdLogger = slog.Default()
	}

	updates := map[string]any{
		columnVerifyCommandStartedAt: &started,
	}

	var execErr error
	deadline := c.Deadline()
	if started.Before(deadline) {
		// bound the work by the interaction token's lifetime; past that,
		// the deferred response can't be edited anymore
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()

		execErr = c.verify(ctx, dc, config, updates)
	} else {
		cmdLogger.WarnContext(
			ctx,
			"interaction token expired before verification ran, ignoring",
			"deadline", deadline,
		)
		c.State = VerifyCommandStateIgnored
		updates[columnVerifyCommandState] = VerifyCommandStateIgnored
	}

	ended := time.Now()
	updates[columnVerifyCommandFinishedAt] = &ended
	if updates[columnVerifyCommandState] == nil {
		updates[columnVerifyCommandState] = c.State
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, e := dc.writeDB.Updates(context.TODO(), c, updates); e != nil {
			cmdLogger.ErrorContext(ctx, "error updating verify command", tint.Err(e))
		}
	}()
	wg.Wait()

	return execErr
}

// verify runs the verification state machine, editing the deferred
// interaction response and recording state/response/error into updates.
func (c *VerifyCommand) verify(
	ctx context.Context,
	dc *Doorman,
	config BotConfig,
	updates map[string]any,
) error {
	cmdLogger := c.logger
	if cmdLogger == nil {
		cmdLogger = slog.Default()
	}

	fail := func(err error) error {
		cmdLogger.ErrorContext(ctx, "verification failed", tint.Err(err))
		c.State = VerifyCommandStateFailed
		updates[columnVerifyCommandState] = VerifyCommandStateFailed
		updates[columnVerifyCommandError] = err.Error()
		updates[columnVerifyCommandResponse] = config.VerifyFailureMessage
		c.editEmbed(ctx, config, config.VerifyFailureMessage)
		return err
	}

	guildID := dc.config.Discord.GuildID
	roleID := dc.config.Discord.MemberRoleID
	if guildID == "" || roleID == "" {
		return fail(errors.New("guild or member role not configured"))
	}
	if dc.db == nil {
		return fail(ErrStoreUnavailable)
	}

	member, err := dc.discord.session.GuildMember(
		guildID,
		c.UserID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fail(fmt.Errorf("error fetching guild member: %w", err))
	}

	existing, err := getVerifiedMember(ctx, dc.db, c.UserID)
	if err != nil {
		return fail(err)
	}
	if existing != nil {
		// the row is the source of truth; restore the role if it went
		// missing, but an already-verified member gets the informational
		// response even if the restore fails
		if !memberHasRole(member, roleID) {
			if addErr := dc.discord.session.GuildMemberRoleAdd(
				guildID,
				c.UserID,
				roleID,
				discordgo.WithContext(ctx),
			); addErr != nil {
				cmdLogger.WarnContext(
					ctx,
					"unable to restore member role",
					tint.Err(addErr),
					"discord_id", c.UserID,
				)
			} else {
				cmdLogger.InfoContext(
					ctx,
					"restored missing member role",
					"discord_id", c.UserID,
				)
			}
		}
		c.State = VerifyCommandStateAlreadyVerified
		updates[columnVerifyCommandState] = VerifyCommandStateAlreadyVerified
		updates[columnVerifyCommandResponse] = config.VerifyAlreadyVerifiedMessage
		c.editEmbed(ctx, config, config.VerifyAlreadyVerifiedMessage)
		return nil
	}

	// a verification attempt is the strongest possible signal the cached
	// roster may be stale, so skip the refresh interval entirely
	if refreshErr := dc.memberCache.ForceRefresh(ctx); refreshErr != nil {
		return fail(refreshErr)
	}

	if !dc.memberCache.Has(c.Email) {
		// intentionally the same user-facing response as technical
		// failures, so the command can't be used to probe the roster
		return fail(fmt.Errorf("email %q not found in member list", c.Email))
	}
	fullName := dc.memberCache.FullName(c.Email)

	endDate := ""
	var entry MemberListEntry
	if findErr := dc.db.WithContext(ctx).Where(
		"lower(email) = ?",
		c.Email,
	).First(&entry).Error; findErr == nil {
		endDate = entry.EndDate
	} else {
		cmdLogger.WarnContext(
			ctx,
			"roster row lookup failed, storing verification without end date",
			tint.Err(findErr),
		)
	}

	saga := verificationSaga{
		logger: cmdLogger,
		grantRole: func(sagaCtx context.Context) error {
			return dc.discord.session.GuildMemberRoleAdd(
				guildID,
				c.UserID,
				roleID,
				discordgo.WithContext(sagaCtx),
			)
		},
		revokeRole: func(sagaCtx context.Context) error {
			return dc.discord.session.GuildMemberRoleRemove(
				guildID,
				c.UserID,
				roleID,
				discordgo.WithContext(sagaCtx),
			)
		},
		saveRecord: func(sagaCtx context.Context) error {
			return upsertVerifiedMember(
				sagaCtx, dc.writeDB, &VerifiedMember{
					DiscordID:       c.UserID,
					Email:           c.Email,
					FullName:        fullName,
					EndDate:         endDate,
					DiscordUsername: c.Username,
					VerifiedAt:      time.Now().UTC(),
				},
			)
		},
	}

	if sagaErr := saga.run(ctx); sagaErr != nil {
		return fail(sagaErr)
	}

	response := renderMemberTemplate(
		config.VerifySuccessMessage,
		fullName,
		config.OrganizationName,
	)
	c.State = VerifyCommandStateCompleted
	updates[columnVerifyCommandState] = VerifyCommandStateCompleted
	updates[columnVerifyCommandResponse] = response
	c.editEmbed(ctx, config, response)

	cmdLogger.InfoContext(
		ctx,
		"verified member",
		"discord_id", c.UserID,
		"full_name", fullName,
	)
	return nil
}

// editEmbed replaces the deferred interaction response with an embed
// containing the given description.
func (c *VerifyCommand) editEmbed(
	ctx context.Context,
	config BotConfig,
	description string,
) {
	cmdLogger := c.logger
	if cmdLogger == nil {
		cmdLogger = slog.Default()
	}
	embeds := []*discordgo.MessageEmbed{
		{
			Title:       "Membership Verification",
			Description: truncate(description, discordMaxMessageLength),
			Color:       config.EmbedColor,
		},
	}
	if _, editErr := c.handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Embeds: &embeds},
		discordgo.WithContext(ctx),
	); editErr != nil {
		cmdLogger.ErrorContext(ctx, "error updating interaction", tint.Err(editErr))
	}
}

package doorman

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
)

// SweepResult summarizes one membership sweep: how many members matched
// the date predicate, and how the per-member action went for each.
type SweepResult struct {
	Found     int `json:"found"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (r SweepResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("found", r.Found),
		slog.Int("succeeded", r.Succeeded),
		slog.Int("failed", r.Failed),
	)
}

// membershipSweep is the single routine behind both the expiration notice
// job and the cleanup job (and their manual slash-command equivalents):
// select members by a date predicate, apply an action to each, and count
// outcomes. A selection error aborts the sweep; an action error only
// fails that member.
type membershipSweep struct {
	name          string
	selectMembers func(ctx context.Context) ([]VerifiedMember, error)
	action        func(ctx context.Context, member VerifiedMember) error
	logger        *slog.Logger
}

func (s membershipSweep) run(ctx context.Context) (SweepResult, error) {
	log := s.logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("sweep", s.name)

	var result SweepResult

	members, err := s.selectMembers(ctx)
	if err != nil {
		log.ErrorContext(ctx, "error selecting members, aborting sweep", tint.Err(err))
		return result, err
	}
	result.Found = len(members)

	for _, member := range members {
		if actionErr := s.action(ctx, member); actionErr != nil {
			result.Failed++
			log.ErrorContext(
				ctx,
				"sweep action failed",
				tint.Err(actionErr),
				"member", member,
			)
			continue
		}
		result.Succeeded++
	}

	log.InfoContext(ctx, "sweep finished", "result", result)
	return result, nil
}

// Scheduler runs the membership sweeps on cron schedules, evaluated in
// the club's configured timezone.
type Scheduler struct {
	d        *Doorman
	cron     *cron.Cron
	location *time.Location
	config   *SchedulerConfig
	logger   *slog.Logger
}

func newScheduler(d *Doorman, config *SchedulerConfig) (*Scheduler, error) {
	location, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", config.Timezone, err)
	}

	handler := d.logHandler.WithAttrs(
		[]slog.Attr{slog.String(loggerNameKey, "scheduler")},
	)
	logger := slog.New(handler)

	s := &Scheduler{
		d:        d,
		location: location,
		config:   config,
		logger:   logger,
		cron:     cron.New(cron.WithLocation(location)),
	}
	return s, nil
}

// Start registers the notify and cleanup jobs and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(
		s.config.NotifyCronSpec, func() {
			if _, sweepErr := s.NotifySweep(ctx); sweepErr != nil {
				s.logger.Error("expiration notice sweep failed", tint.Err(sweepErr))
			}
		},
	); err != nil {
		return fmt.Errorf(
			"invalid notify cron spec %q: %w",
			s.config.NotifyCronSpec,
			err,
		)
	}

	if _, err := s.cron.AddFunc(
		s.config.CleanupCronSpec, func() {
			if _, sweepErr := s.CleanupSweep(ctx); sweepErr != nil {
				s.logger.Error("cleanup sweep failed", tint.Err(sweepErr))
			}
		},
	); err != nil {
		return fmt.Errorf(
			"invalid cleanup cron spec %q: %w",
			s.config.CleanupCronSpec,
			err,
		)
	}

	s.cron.Start()
	s.logger.Info(
		"scheduler started",
		"timezone", s.config.Timezone,
		"notify_cron_spec", s.config.NotifyCronSpec,
		"cleanup_cron_spec", s.config.CleanupCronSpec,
	)
	return nil
}

// Stop stops the cron runner, returning a context that's done once any
// in-flight jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// today returns the current calendar date in the scheduler's timezone,
// normalized to UTC midnight to match parseMemberDate's convention.
func (s *Scheduler) today() time.Time {
	year, month, day := time.Now().In(s.location).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// NotifySweep DMs an expiration notice to every verified member whose
// membership ends today. The /check-expiring command runs this on demand.
func (s *Scheduler) NotifySweep(ctx context.Context) (SweepResult, error) {
	if s.d.db == nil {
		s.logger.WarnContext(ctx, "membership store unavailable, skipping notice sweep")
		return SweepResult{}, ErrStoreUnavailable
	}

	config := s.d.BotConfig()
	today := formatMemberDate(s.today())

	sweep := membershipSweep{
		name:   "expiration_notice",
		logger: s.logger,
		selectMembers: func(sweepCtx context.Context) ([]VerifiedMember, error) {
			return getExpiringMembers(sweepCtx, s.d.db, today)
		},
		action: func(sweepCtx context.Context, member VerifiedMember) error {
			return s.sendExpirationNotice(sweepCtx, config, member)
		},
	}
	return sweep.run(ctx)
}

func (s *Scheduler) sendExpirationNotice(
	ctx context.Context,
	config BotConfig,
	member VerifiedMember,
) error {
	channel, err := s.d.discord.session.UserChannelCreate(
		member.DiscordID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}

	notice := renderMemberTemplate(
		config.ExpirationNoticeTemplate,
		member.FullName,
		config.OrganizationName,
	)
	_, err = s.d.discord.session.ChannelMessageSendEmbed(
		channel.ID,
		&discordgo.MessageEmbed{
			Title:       "Membership Expiring",
			Description: truncate(notice, discordMaxMessageLength),
			Color:       config.EmbedColor,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error sending expiration notice: %w", err)
	}
	return nil
}

// CleanupSweep removes the member role and deletes the verified_members
// row for every member whose end date is strictly before today. Role
// removal failures are tolerated (the member may have left the guild);
// the row delete is what makes the membership gone. The /cleanup-expired
// command runs this on demand.
func (s *Scheduler) CleanupSweep(ctx context.Context) (SweepResult, error) {
	if s.d.db == nil {
		s.logger.WarnContext(ctx, "membership store unavailable, skipping cleanup sweep")
		return SweepResult{}, ErrStoreUnavailable
	}

	today := s.today()

	sweep := membershipSweep{
		name:   "cleanup_expired",
		logger: s.logger,
		selectMembers: func(sweepCtx context.Context) ([]VerifiedMember, error) {
			members, err := listVerifiedMembers(sweepCtx, s.d.db)
			if err != nil {
				return nil, err
			}
			var expired []VerifiedMember
			for _, member := range members {
				if member.EndDate == "" {
					continue
				}
				endDate, parseErr := parseMemberDate(member.EndDate)
				if parseErr != nil {
					// rows with unreadable dates are left for
					// /fix-discord-ids style manual repair
					s.logger.WarnContext(
						sweepCtx,
						"skipping member with unparseable end date",
						tint.Err(parseErr),
						"member", member,
					)
					continue
				}
				if endDate.Before(today) {
					expired = append(expired, member)
				}
			}
			return expired, nil
		},
		action: func(sweepCtx context.Context, member VerifiedMember) error {
			return s.removeExpiredMember(sweepCtx, member)
		},
	}
	return sweep.run(ctx)
}

func (s *Scheduler) removeExpiredMember(
	ctx context.Context,
	member VerifiedMember,
) error {
	guildID := s.d.config.Discord.GuildID
	roleID := s.d.config.Discord.MemberRoleID

	if err := s.d.discord.session.GuildMemberRoleRemove(
		guildID,
		member.DiscordID,
		roleID,
		discordgo.WithContext(ctx),
	); err != nil {
		// tolerated: the member may have left the guild, and the role
		// disappears with them. The row delete below is authoritative.
		s.logger.WarnContext(
			ctx,
			"unable to remove member role, deleting record anyway",
			tint.Err(err),
			"member", member,
		)
	}

	if _, err := s.d.writeDB.Delete(
		&VerifiedMember{},
		"discord_id = ?",
		member.DiscordID,
	); err != nil {
		return fmt.Errorf("error deleting verified member: %w", err)
	}

	s.logger.InfoContext(ctx, "removed expired member", "member", member)
	return nil
}

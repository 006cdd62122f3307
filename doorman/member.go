package doorman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	columnVerifiedMemberDiscordID = "discord_id"
	columnVerifiedMemberEndDate   = "end_date"

	columnMemberListEmail = "email"
)

// MemberListEntry is a row in the club's membership roster. The roster is
// synced in from the club's registration system and is read-only here:
// doorman only ever queries it to decide who's eligible for verification.
type MemberListEntry struct {
	ModelUintID
	Email    string `json:"email" gorm:"uniqueIndex;not null;default:null"`
	FullName string `json:"full_name"`

	// EndDate is the membership expiry in DD/MM/YY wire format
	// (see parseMemberDate)
	EndDate string `json:"end_date"`
}

func (MemberListEntry) TableName() string {
	return "member_list"
}

// VerifiedMember binds a Discord account to a roster entry. A row here is
// the source of truth for "this account has been verified" - the Discord
// role is derived state and may be re-granted from it.
type VerifiedMember struct {
	ModelUintID
	ModelUnixTime

	// DiscordID is the snowflake of the verified account, stored as a
	// string. Snowflakes exceed float64 integer precision, so this must
	// never round-trip through a numeric type.
	DiscordID string `json:"discord_id" gorm:"uniqueIndex;not null;default:null"`

	Email    string `json:"email"`
	FullName string `json:"full_name"`

	// EndDate is copied from the roster at verification time, in
	// DD/MM/YY wire format
	EndDate string `json:"end_date"`

	DiscordUsername string    `json:"discord_username"`
	VerifiedAt      time.Time `json:"verified_at"`
}

func (VerifiedMember) TableName() string {
	return "verified_members"
}

func (m VerifiedMember) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnVerifiedMemberDiscordID, m.DiscordID),
		slog.String("discord_username", m.DiscordUsername),
		slog.String("email", m.Email),
		slog.String(columnVerifiedMemberEndDate, m.EndDate),
	)
}

// getVerifiedMember returns the VerifiedMember row for the given discord ID,
// or nil if the account hasn't been verified.
func getVerifiedMember(
	ctx context.Context,
	db *gorm.DB,
	discordID string,
) (*VerifiedMember, error) {
	var member VerifiedMember
	err := db.WithContext(ctx).Where(
		"discord_id = ?",
		discordID,
	).First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting verified member: %w", err)
	}
	return &member, nil
}

// getExpiringMembers returns verified members whose end date exactly
// matches the given DD/MM/YY string. The filter runs server-side so the
// daily sweep doesn't pull the whole table.
func getExpiringMembers(
	ctx context.Context,
	db *gorm.DB,
	expireDate string,
) ([]VerifiedMember, error) {
	var members []VerifiedMember
	err := db.WithContext(ctx).Where(
		"end_date = ?",
		expireDate,
	).Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("error getting expiring members: %w", err)
	}
	return members, nil
}

// listVerifiedMembers returns all verified member rows.
func listVerifiedMembers(
	ctx context.Context,
	db *gorm.DB,
) ([]VerifiedMember, error) {
	var members []VerifiedMember
	if err := db.WithContext(ctx).Find(&members).Error; err != nil {
		return nil, fmt.Errorf("error listing verified members: %w", err)
	}
	return members, nil
}

// upsertVerifiedMember inserts the given row, or updates the existing row
// for the same discord ID. Re-verification refreshes the roster-derived
// fields and the verified_at timestamp rather than failing on the unique
// index.
func upsertVerifiedMember(
	ctx context.Context,
	db DBI,
	member *VerifiedMember,
) error {
	db.Lock()
	defer db.Unlock()

	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	rv := db.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: columnVerifiedMemberDiscordID}},
			DoUpdates: clause.AssignmentColumns(
				[]string{
					"email",
					"full_name",
					columnVerifiedMemberEndDate,
					"discord_username",
					"verified_at",
					"updated_at",
				},
			),
		},
	).Create(member)
	if rv.Error != nil {
		return fmt.Errorf("error upserting verified member: %w", rv.Error)
	}
	return nil
}

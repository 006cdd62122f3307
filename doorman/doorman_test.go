package doorman

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		"sqlite",
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// newTestDoorman assembles a Doorman with a temp sqlite database and a
// mock discord session, without running the full Run lifecycle.
func newTestDoorman(t testing.TB) (*Doorman, *mockDiscordSession) {
	t.Helper()

	db := newTestDB(t)

	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = fmt.Sprintf("app_%s", t.Name())
	cfg.Discord.GuildID = fmt.Sprintf("guild_%s", t.Name())
	cfg.Discord.MemberRoleID = fmt.Sprintf("role_%s", t.Name())
	cfg.HTTPClient = http.DefaultClient

	handler := tint.NewHandler(
		io.Discard, &tint.Options{Level: cfg.LogLevel},
	)
	logger := slog.New(handler).With("test_name", t.Name())

	botState := DefaultBotConfig()

	d := &Doorman{
		config:                      cfg,
		db:                          db,
		writeDB:                     NewDatabase(db, nil, false),
		botConfig:                   &botState,
		logger:                      logger,
		logHandler:                  handler,
		signalStop:                  make(chan struct{}, 1),
		triggerBotConfigRefreshCh:   make(chan bool, 100),
		triggerMemberCacheRefreshCh: make(chan bool, 100),
	}

	session := newMockDiscordSession(t)
	d.discord = &Discord{
		session: session,
		config:  cfg.Discord,
		logger:  logger,
		dc:      d,
	}

	d.memberCache = NewMemberCache(
		cfg.MemberCacheRefreshInterval,
		func() *gorm.DB { return d.db },
		logger,
	)

	scheduler, err := newScheduler(d, cfg.Scheduler)
	require.NoError(t, err)
	d.scheduler = scheduler

	return d, session
}

type roleChange struct {
	GuildID string
	UserID  string
	RoleID  string
}

type sentEmbed struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

// mockDiscordSession is a mock implementation of the DiscordSessionHandler
// interface. Guild operations record their arguments, and individual
// behaviors can be overridden via the exported function fields.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu          sync.Mutex
	roleAdds    []roleChange
	roleRemoves []roleChange
	sentEmbeds  []sentEmbed

	guildMemberFunc func(guildID, userID string) (
		*discordgo.Member,
		error,
	)
	guildMembersFunc func(guildID, after string, limit int) (
		[]*discordgo.Member,
		error,
	)
	guildRolesFunc        func(guildID string) ([]*discordgo.Role, error)
	roleAddFunc           func(guildID, userID, roleID string) error
	roleRemoveFunc        func(guildID, userID, roleID string) error
	userChannelCreateFunc func(recipientID string) (*discordgo.Channel, error)
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	t.Helper()
	m := &mockDiscordSession{
		logLevel: &slog.LevelVar{},
	}
	m.logLevel.Set(slog.LevelDebug)
	m.logger = slog.New(
		tint.NewHandler(
			io.Discard, &tint.Options{Level: m.logLevel},
		),
	).With(loggerNameKey, "discord_session_handler", "test_name", t.Name())
	return m
}

func (d *mockDiscordSession) RoleAdds() []roleChange {
	d.mu.Lock()
	defer d.mu.Unlock()
	adds := make([]roleChange, len(d.roleAdds))
	copy(adds, d.roleAdds)
	return adds
}

func (d *mockDiscordSession) RoleRemoves() []roleChange {
	d.mu.Lock()
	defer d.mu.Unlock()
	removes := make([]roleChange, len(d.roleRemoves))
	copy(removes, d.roleRemoves)
	return removes
}

func (d *mockDiscordSession) SentEmbeds() []sentEmbed {
	d.mu.Lock()
	defer d.mu.Unlock()
	embeds := make([]sentEmbed, len(d.sentEmbeds))
	copy(embeds, d.sentEmbeds)
	return embeds
}

func (d *mockDiscordSession) Open() error {
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"saw message send",
		"channel_id", channelID,
		"content", message,
	)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	d.sentEmbeds = append(d.sentEmbeds, sentEmbed{ChannelID: channelID, Embed: embed})
	d.mu.Unlock()
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.logger.Info(
		"overwrite application commands",
		"app_id", appID,
		"guild_id", guildID,
	)
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updating custom status", "status", status)
	return nil
}

func (d *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	d.logger.Info("updating complex status", "data", data)
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.logger.Info("added handler")
	return func() {
		d.logger.Info("mock-removed handler function")
	}
}

func (d *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info(
		"mock responding to interaction",
		"interaction", interaction,
		"response", resp,
	)
	return nil
}

func (d *mockDiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info("mock getting interaction", "interaction", interaction)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"mock editing interaction",
		"interaction", interaction,
		"webhook_edit", newresp,
	)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info("mock deleting interaction", "interaction", interaction)
	return nil
}

func (d *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if d.guildMemberFunc != nil {
		return d.guildMemberFunc(guildID, userID)
	}
	return &discordgo.Member{
		User: &discordgo.User{ID: userID},
	}, nil
}

func (d *mockDiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	if d.guildMembersFunc != nil {
		return d.guildMembersFunc(guildID, after, limit)
	}
	return nil, nil
}

func (d *mockDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	d.roleAdds = append(
		d.roleAdds,
		roleChange{GuildID: guildID, UserID: userID, RoleID: roleID},
	)
	d.mu.Unlock()
	if d.roleAddFunc != nil {
		return d.roleAddFunc(guildID, userID, roleID)
	}
	return nil
}

func (d *mockDiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	d.roleRemoves = append(
		d.roleRemoves,
		roleChange{GuildID: guildID, UserID: userID, RoleID: roleID},
	)
	d.mu.Unlock()
	if d.roleRemoveFunc != nil {
		return d.roleRemoveFunc(guildID, userID, roleID)
	}
	return nil
}

func (d *mockDiscordSession) GuildRoles(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	if d.guildRolesFunc != nil {
		return d.guildRolesFunc(guildID)
	}
	return nil, nil
}

func (d *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if d.userChannelCreateFunc != nil {
		return d.userChannelCreateFunc(recipientID)
	}
	return &discordgo.Channel{ID: fmt.Sprintf("dm_%s", recipientID)}, nil
}

func (d *mockDiscordSession) HeartbeatLatency() time.Duration {
	return 42 * time.Millisecond
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {
	d.logger.Info("mock setting http client")
}

func (d *mockDiscordSession) SetIdentify(_ discordgo.Identify) {
	d.logger.Info("mock setting identify")
}

func (d *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logLevel.Set(lvl)
	return nil
}

func (d *mockDiscordSession) GatewayBot(_ ...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	d.logger.Info("gateway bot called")
	return &discordgo.GatewayBotResponse{}, nil
}

type stubEdits struct {
	WebhookEdit *discordgo.WebhookEdit
	Opts        []discordgo.RequestOption
}

func newStubInteractionHandler(t testing.TB) stubInteractionHandler {
	t.Helper()
	return stubInteractionHandler{
		callRespond: make(chan *discordgo.InteractionResponse, 100),
		callEdit:    make(chan *stubEdits, 100),
		callDelete:  make(chan struct{}, 100),
		config:      DefaultBotConfig(),
		GatewayHandler: GatewayHandler{
			session: newMockDiscordSession(t),
			mu:      &sync.RWMutex{},
			logger:  slog.Default().With("test_name", t.Name()),
		},
	}
}

type stubInteractionHandler struct {
	GatewayHandler GatewayHandler

	callRespond chan *discordgo.InteractionResponse
	callEdit    chan *stubEdits
	callDelete  chan struct{}
	config      BotConfig
}

func (s stubInteractionHandler) Config() BotConfig {
	return s.config
}

func (s stubInteractionHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return DiscordInteractionReceiveMethod("testcase")
}

func (s stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.callRespond <- i
	return nil
}

func (s stubInteractionHandler) GetResponse(context.Context) (
	*discordgo.Message,
	error,
) {
	return &discordgo.Message{}, nil
}

func (s stubInteractionHandler) Edit(
	ctx context.Context,
	e *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.Logger().InfoContext(ctx, "edit called")
	s.callEdit <- &stubEdits{WebhookEdit: e, Opts: opts}
	return nil, nil
}

func (s stubInteractionHandler) Delete(
	ctx context.Context,
	_ ...discordgo.RequestOption,
) {
	s.Logger().InfoContext(ctx, "delete called")
	s.callDelete <- struct{}{}
}

func (s stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.GatewayHandler.interaction
}

func (s stubInteractionHandler) Logger() *slog.Logger {
	return s.GatewayHandler.logger
}

// newDiscordUser creates a new discordgo.User with the test name as
// the user ID, with the user ID also included in the username and global name
func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:         t.Name(),
		Username:   fmt.Sprintf("u_%s", t.Name()),
		GlobalName: fmt.Sprintf("g_%s", t.Name()),
	}
}

// newVerifyInteraction creates an InteractionCreate for the /verify
// command with the given email option.
func newVerifyInteraction(
	t testing.TB,
	u *discordgo.User,
	email string,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionApplicationCommand,
			ID:      fmt.Sprintf("interaction_%s", t.Name()),
			User:    u,
			Context: discordgo.InteractionContextBotDM,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandVerify,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  verifyCommandEmailOption,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: email,
					},
				},
			},
		},
	}
}

// A failed admin API server must bring the whole bot down rather than
// leaving it running without its management surface.
func TestRunStopsWhenAPIServerFails(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Scheduler.Enabled = false

	d, err := New(cfg)
	require.NoError(t, err)

	// seed admin credentials so startup doesn't block on first-run setup
	db, err := CreateDB(context.Background(), cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	botState := DefaultBotConfig()
	botState.AdminUsername = "admin"
	hashed, err := HashPassword("swordfish")
	require.NoError(t, err)
	botState.AdminPassword = hashed
	require.NoError(t, db.Create(&botState).Error)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	d.discord.session = newMockDiscordSession(t)

	// a pre-closed listener makes Serve fail immediately
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	d.api.listener = ln

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- d.Run(ctx)
	}()

	select {
	case e := <-runErr:
		require.Error(t, e)
	case <-ctx.Done():
		t.Fatal("Run did not stop after the API server failed")
	}
}

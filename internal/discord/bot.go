// Package discord is earshot's Discord bot: the gateway session, the
// /record slash command router and the recorder role check.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	discordaudio "github.com/MrWong99/earshot/pkg/audio/discord"
)

// ErrNotInVoice is returned by [Bot.VoiceChannel] when the user is not
// connected to a voice channel of the guild.
var ErrNotInVoice = errors.New("discord: user is not in a voice channel")

// Config holds the bot's credentials and guild.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild whose voice channels are recorded.
	GuildID string

	// RecorderRoleID is the role allowed to control recordings. Empty allows
	// everyone.
	RecorderRoleID string
}

// Bot is a gateway session serving one guild. Slash commands are uploaded
// to that guild by [Bot.Run] and removed again by [Bot.Close].
type Bot struct {
	session  *discordgo.Session
	platform *discordaudio.Platform
	router   *Router
	perms    *PermissionChecker
	guildID  string

	ready      atomic.Bool
	registered atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// New opens a gateway session. The audio options apply to every voice
// connection of the bot's platform.
func New(_ context.Context, cfg Config, opts ...discordaudio.Option) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	// Voice states are needed to find the caller's channel.
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session, cfg.GuildID, opts...),
		router:   NewRouter(),
		perms:    NewPermissionChecker(cfg.RecorderRoleID),
		guildID:  cfg.GuildID,
	}
	b.addHandlers()

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

func (b *Bot) addHandlers() {
	b.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.GuildID != "" && i.GuildID != b.guildID {
			slog.Debug("discord: interaction from foreign guild", "guild_id", i.GuildID)
			return
		}
		b.router.Handle(s, i)
	})
	b.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.ready.Store(true)
		slog.Info("discord gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	b.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		b.ready.Store(true)
		slog.Info("discord gateway resumed")
	})
	b.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		if b.ready.Swap(false) {
			slog.Warn("discord gateway disconnected, reconnecting")
		}
	})
}

// Platform returns the voice platform joining channels of the guild.
func (b *Bot) Platform() *discordaudio.Platform { return b.platform }

// GuildID returns the served guild.
func (b *Bot) GuildID() string { return b.guildID }

// Session returns the gateway session, for example to post status embeds.
func (b *Bot) Session() *discordgo.Session { return b.session }

// Router returns the interaction router. Register handlers before [Bot.Run].
func (b *Bot) Router() *Router { return b.router }

// Permissions returns the recorder role check.
func (b *Bot) Permissions() *PermissionChecker { return b.perms }

// Ready reports whether the gateway connection is up.
func (b *Bot) Ready() bool { return b.ready.Load() }

// VoiceChannel returns the voice channel userID is connected to in the
// guild, or [ErrNotInVoice].
func (b *Bot) VoiceChannel(userID string) (string, error) {
	vs, err := b.session.State.VoiceState(b.guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", ErrNotInVoice
	}
	return vs.ChannelID, nil
}

func (b *Bot) appID() (string, error) {
	if u := b.session.State.User; u != nil {
		return u.ID, nil
	}
	return "", errors.New("discord: application ID unknown before READY")
}

// Run uploads the router's slash commands to the guild, replacing whatever
// was registered before, and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if cmds := b.router.ApplicationCommands(); len(cmds) > 0 {
		appID, err := b.appID()
		if err != nil {
			return err
		}
		got, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.registered.Store(true)
		slog.Info("discord commands registered", "guild_id", b.guildID, "count", len(got))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close removes the registered slash commands and closes the gateway. Only
// the first call has any effect.
func (b *Bot) Close() error {
	b.closeOnce.Do(func() {
		b.ready.Store(false)
		if b.registered.Load() {
			if appID, err := b.appID(); err == nil {
				empty := []*discordgo.ApplicationCommand{}
				if _, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, empty); err != nil {
					slog.Warn("discord: remove commands failed", "err", err)
				}
			}
		}
		if err := b.session.Close(); err != nil {
			b.closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord bot closed")
	})
	return b.closeErr
}

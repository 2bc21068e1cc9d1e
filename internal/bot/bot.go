// Package bot provides the Discord command surface for Voxlane. It owns the
// discordgo.Session lifecycle, routes slash command interactions to
// registered handlers, and checks operator role permissions.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/voxlane/voxlane/internal/config"
	"github.com/voxlane/voxlane/pkg/audio"
	discordaudio "github.com/voxlane/voxlane/pkg/audio/discord"
)

// Bot owns the Discord gateway connection and routes slash command
// interactions to registered handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *Router
	perms     *Permissions
	guildID   string
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New creates a Bot, connects to the Discord gateway, and installs the
// interaction handler. Slash commands are registered later by [Bot.Run].
func New(_ context.Context, cfg config.DiscordConfig) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("bot: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("bot: open gateway: %w", err)
	}

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session, cfg.GuildID),
		router:   NewRouter(),
		perms:    NewPermissions(cfg.OperatorRole),
		guildID:  cfg.GuildID,
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	return b, nil
}

// Platform returns the audio.Platform backed by this bot's gateway session.
func (b *Bot) Platform() audio.Platform { return b.platform }

// GuildID returns the guild commands are scoped to. Empty means global.
func (b *Bot) GuildID() string { return b.guildID }

// Router returns the command router for registering handlers.
func (b *Bot) Router() *Router { return b.router }

// Permissions returns the operator role checker.
func (b *Bot) Permissions() *Permissions { return b.perms }

// Run registers slash commands with the Discord API and blocks until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("bot: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close unregisters commands and disconnects from the gateway. Safe to call
// more than once.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("bot: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("bot: close gateway: %w", err)
			}
		}

		slog.Info("discord bot closed")
	})
	return closeErr
}

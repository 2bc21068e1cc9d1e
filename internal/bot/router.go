package bot

import (
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc is the signature for slash command handlers.
type HandlerFunc func(s *discordgo.Session, i *discordgo.InteractionCreate)

// entry stores a command definition along with its handler.
type entry struct {
	command *discordgo.ApplicationCommand
	handler HandlerFunc
}

// Router dispatches slash command interactions to registered handlers.
// Voxlane's command surface is slash commands only; component, modal, and
// autocomplete interactions are ignored with a debug log.
type Router struct {
	mu       sync.RWMutex
	commands map[string]entry // "command" or "command/subcommand" → entry
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{commands: make(map[string]entry)}
}

// RegisterCommand registers a handler for a slash command. The key format is
// "command" or "command/subcommand" (e.g., "voice/join"). The cmd definition
// is used when registering commands with Discord; subcommand handlers pass a
// nil definition because the parent already carries the nested options.
func (r *Router) RegisterCommand(key string, cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[key] = entry{command: cmd, handler: handler}
}

// RegisterHandler registers a subcommand handler without a command definition.
func (r *Router) RegisterHandler(key string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[key] = entry{handler: handler}
}

// ApplicationCommands returns the deduplicated list of top-level command
// definitions for registration with the Discord API.
func (r *Router) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var cmds []*discordgo.ApplicationCommand
	for _, e := range r.commands {
		if e.command != nil && !seen[e.command.Name] {
			seen[e.command.Name] = true
			cmds = append(cmds, e.command)
		}
	}
	return cmds
}

// Handle dispatches an interaction to the matching handler.
func (r *Router) Handle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		slog.Debug("bot: ignoring non-command interaction", "type", i.Type)
		return
	}

	key := interactionKey(i.ApplicationCommandData())

	r.mu.RLock()
	e, ok := r.commands[key]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("bot: unknown command", "key", key)
		RespondEphemeral(s, i, "Unknown command.")
		return
	}
	e.handler(s, i)
}

// interactionKey builds a router key from an ApplicationCommand interaction.
func interactionKey(data discordgo.ApplicationCommandInteractionData) string {
	key := data.Name
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		key += "/" + data.Options[0].Name
	}
	return key
}

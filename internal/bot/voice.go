package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxlane/voxlane/internal/app"
	"github.com/voxlane/voxlane/pkg/audio"
)

// attachTimeout bounds how long /voice join may spend connecting the voice
// channel and the transcription socket.
const attachTimeout = 30 * time.Second

// VoiceCommands holds the dependencies for the /voice slash command group.
type VoiceCommands struct {
	mgr     *app.SessionManager
	perms   *Permissions
	guildID string
}

// NewVoiceCommands creates the /voice command group and registers its
// handlers with the bot's router.
func NewVoiceCommands(b *Bot, mgr *app.SessionManager) *VoiceCommands {
	vc := &VoiceCommands{
		mgr:     mgr,
		perms:   b.Permissions(),
		guildID: b.GuildID(),
	}
	vc.Register(b.Router())
	return vc
}

// Register registers the /voice command group with the router.
func (vc *VoiceCommands) Register(router *Router) {
	router.RegisterCommand("voice", vc.Definition(), func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		RespondEphemeral(s, i, "Please use a subcommand, e.g. `/voice join`.")
	})
	router.RegisterHandler("voice/join", vc.handleJoin)
	router.RegisterHandler("voice/leave", vc.handleLeave)
	router.RegisterHandler("voice/say", vc.handleSay)
	router.RegisterHandler("voice/listen", vc.handleListen)
	router.RegisterHandler("voice/clear", vc.handleClear)
	router.RegisterHandler("voice/stats", vc.handleStats)
}

// Definition returns the ApplicationCommand definition for Discord.
func (vc *VoiceCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "voice",
		Description: "Control the Voxlane voice assistant",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "join",
				Description: "Join your current voice channel and start the assistant",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "leave",
				Description: "Leave the voice channel and end the session",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "say",
				Description: "Speak a text message on the voice channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "text",
						Description: "What to say",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "listen",
				Description: "Start listening to a participant, or to everyone",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "Participant to listen to (omit for everyone)",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "clear",
				Description: "Clear the assistant's conversation context",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stats",
				Description: "Show speaker stream statistics",
			},
		},
	}
}

// handleJoin handles /voice join.
func (vc *VoiceCommands) handleJoin(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !vc.perms.IsOperator(s, i) {
		RespondEphemeral(s, i, "You need the operator role to control the assistant.")
		return
	}

	userID := interactionUserID(i)
	vs, err := s.State.VoiceState(vc.guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		RespondEphemeral(s, i, "You must be in a voice channel to start the assistant.")
		return
	}

	if vc.mgr.IsActive() {
		info := vc.mgr.Info()
		RespondEphemeral(s, i, fmt.Sprintf("Already attached to <#%s>.", info.ChannelID))
		return
	}

	// Joining the channel and opening the transcription socket can exceed the
	// interaction deadline.
	DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()

	if err := vc.mgr.Start(ctx, vs.ChannelID, userID); err != nil {
		FollowUp(s, i, fmt.Sprintf("Failed to start: %v", err))
		return
	}

	info := vc.mgr.Info()
	FollowUp(s, i, fmt.Sprintf("Listening in <#%s> (session `%s`).", info.ChannelID, info.SessionID))
}

// handleLeave handles /voice leave.
func (vc *VoiceCommands) handleLeave(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !vc.perms.IsOperator(s, i) {
		RespondEphemeral(s, i, "You need the operator role to control the assistant.")
		return
	}

	info := vc.mgr.Info()
	if err := vc.mgr.Stop(); err != nil {
		if errors.Is(err, app.ErrNoActiveSession) {
			RespondEphemeral(s, i, "No active session.")
			return
		}
		RespondError(s, i, err)
		return
	}

	duration := time.Since(info.StartedAt).Truncate(time.Second)
	RespondEphemeral(s, i, fmt.Sprintf("Session ended after %s.", duration))
}

// handleSay handles /voice say.
func (vc *VoiceCommands) handleSay(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !vc.perms.IsOperator(s, i) {
		RespondEphemeral(s, i, "You need the operator role to control the assistant.")
		return
	}

	text := subcommandString(i, "text")
	if text == "" {
		RespondEphemeral(s, i, "Nothing to say.")
		return
	}

	DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()

	if err := vc.mgr.Say(ctx, text); err != nil {
		if errors.Is(err, app.ErrNoActiveSession) {
			FollowUp(s, i, "No active session — use `/voice join` first.")
			return
		}
		FollowUp(s, i, fmt.Sprintf("Failed to speak: %v", err))
		return
	}
	FollowUp(s, i, "Said it.")
}

// handleListen handles /voice listen.
func (vc *VoiceCommands) handleListen(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !vc.perms.IsOperator(s, i) {
		RespondEphemeral(s, i, "You need the operator role to control the assistant.")
		return
	}

	if user := subcommandUser(s, i, "user"); user != nil {
		if err := vc.mgr.Listen(user.ID, user.Username); err != nil {
			vc.respondSessionError(s, i, err)
			return
		}
		RespondEphemeral(s, i, fmt.Sprintf("Listening to **%s**.", user.Username))
		return
	}

	if err := vc.mgr.ListenAll(); err != nil {
		if errors.Is(err, audio.ErrNoRoster) {
			RespondEphemeral(s, i, "Cannot enumerate participants here; speakers are picked up as they join or talk.")
			return
		}
		vc.respondSessionError(s, i, err)
		return
	}
	RespondEphemeral(s, i, "Listening to everyone in the channel.")
}

// handleClear handles /voice clear.
func (vc *VoiceCommands) handleClear(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !vc.perms.IsOperator(s, i) {
		RespondEphemeral(s, i, "You need the operator role to control the assistant.")
		return
	}

	if err := vc.mgr.ClearContext(); err != nil {
		vc.respondSessionError(s, i, err)
		return
	}
	RespondEphemeral(s, i, "Conversation context cleared.")
}

// handleStats handles /voice stats. Open to all members.
func (vc *VoiceCommands) handleStats(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !vc.mgr.IsActive() {
		RespondEphemeral(s, i, "No active session.")
		return
	}

	stats := vc.mgr.Stats()
	embed := &discordgo.MessageEmbed{
		Title: "Speaker streams",
	}
	if len(stats) == 0 {
		embed.Description = "No open speaker streams."
	}
	for _, st := range stats {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: st.Username,
			Value: fmt.Sprintf("packets %d · bytes %d · empty %d · silent %d · last audio %s",
				st.PacketsForwarded,
				st.BytesForwarded,
				st.EmptyPackets,
				st.SilentPackets,
				st.LastAudio.Format(time.TimeOnly),
			),
		})
	}
	RespondEmbed(s, i, embed)
}

// respondSessionError maps ErrNoActiveSession to a friendly hint.
func (vc *VoiceCommands) respondSessionError(s *discordgo.Session, i *discordgo.InteractionCreate, err error) {
	if errors.Is(err, app.ErrNoActiveSession) {
		RespondEphemeral(s, i, "No active session — use `/voice join` first.")
		return
	}
	RespondError(s, i, err)
}

// ── option helpers ───────────────────────────────────────────────────────────

// interactionUserID extracts the user ID from an interaction, handling both
// guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// subcommandOptions returns the option list of the invoked subcommand.
func subcommandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return nil
	}
	return data.Options[0].Options
}

// subcommandString returns the named string option of the invoked subcommand,
// or "" when absent.
func subcommandString(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range subcommandOptions(i) {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}

// subcommandUser returns the named user option of the invoked subcommand, or
// nil when absent.
func subcommandUser(s *discordgo.Session, i *discordgo.InteractionCreate, name string) *discordgo.User {
	for _, opt := range subcommandOptions(i) {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionUser {
			return opt.UserValue(s)
		}
	}
	return nil
}

package bot

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

// commandInteraction builds an ApplicationCommand interaction for the given
// command and optional subcommand.
func commandInteraction(name, sub string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	data := discordgo.ApplicationCommandInteractionData{Name: name}
	if sub != "" {
		data.Options = []*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:    sub,
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Options: opts,
			},
		}
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: data,
		},
	}
}

func TestRouter_DispatchesSubcommand(t *testing.T) {
	t.Parallel()
	r := NewRouter()

	var called string
	r.RegisterHandler("voice/join", func(_ *discordgo.Session, _ *discordgo.InteractionCreate) {
		called = "voice/join"
	})
	r.RegisterHandler("voice/leave", func(_ *discordgo.Session, _ *discordgo.InteractionCreate) {
		called = "voice/leave"
	})

	r.Handle(nil, commandInteraction("voice", "leave"))

	if called != "voice/leave" {
		t.Errorf("dispatched %q, want voice/leave", called)
	}
}

func TestRouter_IgnoresNonCommandInteractions(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	r.RegisterHandler("voice/join", func(_ *discordgo.Session, _ *discordgo.InteractionCreate) {
		t.Error("handler called for a component interaction")
	})

	r.Handle(nil, &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Type: discordgo.InteractionMessageComponent},
	})
}

func TestRouter_ApplicationCommandsDeduplicates(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	def := &discordgo.ApplicationCommand{Name: "voice"}
	noop := func(_ *discordgo.Session, _ *discordgo.InteractionCreate) {}

	r.RegisterCommand("voice", def, noop)
	r.RegisterHandler("voice/join", noop)
	r.RegisterHandler("voice/leave", noop)

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("ApplicationCommands len = %d, want 1", len(cmds))
	}
	if cmds[0].Name != "voice" {
		t.Errorf("command name = %q, want voice", cmds[0].Name)
	}
}

func TestInteractionKey(t *testing.T) {
	t.Parallel()

	i := commandInteraction("voice", "say")
	if got := interactionKey(i.ApplicationCommandData()); got != "voice/say" {
		t.Errorf("key = %q, want voice/say", got)
	}

	top := commandInteraction("voice", "")
	if got := interactionKey(top.ApplicationCommandData()); got != "voice" {
		t.Errorf("key = %q, want voice", got)
	}
}

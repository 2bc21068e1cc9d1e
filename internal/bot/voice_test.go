package bot

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestVoiceDefinition(t *testing.T) {
	t.Parallel()
	vc := &VoiceCommands{}
	def := vc.Definition()

	if def.Name != "voice" {
		t.Errorf("Name = %q, want voice", def.Name)
	}

	want := []string{"join", "leave", "say", "listen", "clear", "stats"}
	if len(def.Options) != len(want) {
		t.Fatalf("subcommand count = %d, want %d", len(def.Options), len(want))
	}
	for idx, name := range want {
		if def.Options[idx].Name != name {
			t.Errorf("subcommand %d = %q, want %q", idx, def.Options[idx].Name, name)
		}
		if def.Options[idx].Type != discordgo.ApplicationCommandOptionSubCommand {
			t.Errorf("subcommand %q is not a subcommand option", name)
		}
	}
}

func TestVoiceDefinition_SayRequiresText(t *testing.T) {
	t.Parallel()
	def := (&VoiceCommands{}).Definition()

	var say *discordgo.ApplicationCommandOption
	for _, opt := range def.Options {
		if opt.Name == "say" {
			say = opt
		}
	}
	if say == nil {
		t.Fatal("say subcommand missing")
	}
	if len(say.Options) != 1 || say.Options[0].Name != "text" || !say.Options[0].Required {
		t.Errorf("say options = %+v, want one required text option", say.Options)
	}
}

func TestInteractionUserID(t *testing.T) {
	t.Parallel()

	guild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: &discordgo.User{ID: "member-1"}},
		},
	}
	if got := interactionUserID(guild); got != "member-1" {
		t.Errorf("guild context: got %q, want member-1", got)
	}

	dm := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			User: &discordgo.User{ID: "dm-1"},
		},
	}
	if got := interactionUserID(dm); got != "dm-1" {
		t.Errorf("dm context: got %q, want dm-1", got)
	}

	empty := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	if got := interactionUserID(empty); got != "" {
		t.Errorf("empty context: got %q, want empty", got)
	}
}

func TestSubcommandString(t *testing.T) {
	t.Parallel()

	i := commandInteraction("voice", "say", &discordgo.ApplicationCommandInteractionDataOption{
		Name:  "text",
		Type:  discordgo.ApplicationCommandOptionString,
		Value: "hello there",
	})
	if got := subcommandString(i, "text"); got != "hello there" {
		t.Errorf("text = %q, want %q", got, "hello there")
	}

	bare := commandInteraction("voice", "say")
	if got := subcommandString(bare, "text"); got != "" {
		t.Errorf("missing option: got %q, want empty", got)
	}
}

func TestRegisterInstallsAllHandlers(t *testing.T) {
	t.Parallel()
	vc := &VoiceCommands{}
	r := NewRouter()
	vc.Register(r)

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 || cmds[0].Name != "voice" {
		t.Fatalf("ApplicationCommands = %+v, want the single voice command", cmds)
	}

	for _, key := range []string{"voice/join", "voice/leave", "voice/say", "voice/listen", "voice/clear", "voice/stats"} {
		r.mu.RLock()
		_, ok := r.commands[key]
		r.mu.RUnlock()
		if !ok {
			t.Errorf("handler %q not registered", key)
		}
	}
}

package discord

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	commandTraits = "traits"
	commandChoose = "choose"
	optionLabel   = "label"

	// Discord caps embeds at 25 fields of 1024 characters and commands at 25 choices.
	maxEmbedFields     = 25
	maxEmbedFieldValue = 1024
	maxOptionChoices   = 25
)

func (b *Bot) commandDefinitions() []*discordgo.ApplicationCommand {
	labels := b.deps.Registry.Taxonomy().Labels()
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, min(len(labels), maxOptionChoices))
	for _, l := range labels {
		if len(choices) == maxOptionChoices {
			break
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: string(l), Value: string(l)})
	}
	return []*discordgo.ApplicationCommand{
		{
			Name:        commandTraits,
			Description: "Show every personality trait and what it means",
		},
		{
			Name:        commandChoose,
			Description: "List the members classified under a personality trait",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionLabel,
					Description: "Personality trait",
					Required:    true,
					Choices:     choices,
				},
			},
		},
	}
}

func (b *Bot) handleInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()

	var (
		content string
		embeds  []*discordgo.MessageEmbed
	)
	switch data.Name {
	case commandTraits:
		embeds = []*discordgo.MessageEmbed{b.traitsEmbed()}
	case commandChoose:
		content = b.chooseText(optionString(data.Options, optionLabel))
	default:
		return
	}
	if err := b.currentSender().RespondInteraction(i.Interaction, content, embeds); err != nil {
		b.logger.Printf("warning: respond to /%s: %v", data.Name, err)
	}
}

func (b *Bot) traitsEmbed() *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{Title: "Personality traits"}
	for _, l := range b.deps.Registry.Taxonomy().Labels() {
		if len(embed.Fields) == maxEmbedFields {
			break
		}
		def := strings.TrimSpace(b.deps.Definitions[l])
		if def == "" {
			def = "No description yet."
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  string(l),
			Value: truncate(def, maxEmbedFieldValue),
		})
	}
	return embed
}

func (b *Bot) chooseText(raw string) string {
	label, err := b.deps.Registry.Taxonomy().Lookup(raw)
	if err != nil {
		return fmt.Sprintf("Unknown trait %q.", raw)
	}
	entries, err := b.deps.Registry.Lookup(label)
	if err != nil {
		return fmt.Sprintf("Unknown trait %q.", raw)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("No one has been classified as **%s** yet.", label)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Members classified as **%s**:", label)
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n- %s (<@%s>)", e.UserName, e.UserID)
	}
	return truncate(sb.String(), maxMessageLen)
}

func optionString(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, o := range opts {
		if o != nil && o.Name == name && o.Type == discordgo.ApplicationCommandOptionString {
			return o.StringValue()
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

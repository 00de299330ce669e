package discord

import (
	"errors"

	"github.com/bwmarrin/discordgo"
)

var errNotConnected = errors.New("discord session is not connected")

// Sender is the Discord REST surface the bot writes through.
type Sender interface {
	SendMessage(channelID, content string) (string, error)
	Reply(channelID, messageID, content string) (string, error)
	EditMessage(channelID, messageID, content string) error
	RespondInteraction(i *discordgo.Interaction, content string, embeds []*discordgo.MessageEmbed) error
}

type sessionSender struct {
	s *discordgo.Session
}

func (d sessionSender) SendMessage(channelID, content string) (string, error) {
	msg, err := d.s.ChannelMessageSend(channelID, content)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (d sessionSender) Reply(channelID, messageID, content string) (string, error) {
	msg, err := d.s.ChannelMessageSendReply(channelID, content, &discordgo.MessageReference{
		MessageID: messageID,
		ChannelID: channelID,
	})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (d sessionSender) EditMessage(channelID, messageID, content string) error {
	_, err := d.s.ChannelMessageEdit(channelID, messageID, content)
	return err
}

func (d sessionSender) RespondInteraction(i *discordgo.Interaction, content string, embeds []*discordgo.MessageEmbed) error {
	return d.s.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Embeds:  embeds,
		},
	})
}

type nopSender struct{}

func (nopSender) SendMessage(string, string) (string, error)   { return "", errNotConnected }
func (nopSender) Reply(string, string, string) (string, error) { return "", errNotConnected }
func (nopSender) EditMessage(string, string, string) error     { return errNotConnected }
func (nopSender) RespondInteraction(*discordgo.Interaction, string, []*discordgo.MessageEmbed) error {
	return errNotConnected
}

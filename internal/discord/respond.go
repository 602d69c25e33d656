package discord

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Responder is the part of *discordgo.Session used to answer interactions.
type Responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Responder = (*discordgo.Session)(nil)

// Every reply earshot sends is only visible to the member who asked.

func respond(s Responder, i *discordgo.InteractionCreate, typ discordgo.InteractionResponseType, data *discordgo.InteractionResponseData) {
	if typ != discordgo.InteractionResponseUpdateMessage {
		data.Flags |= discordgo.MessageFlagsEphemeral
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: typ, Data: data}); err != nil {
		slog.Warn("discord: interaction response failed", "type", typ, "err", err)
	}
}

// RespondEphemeral replies with text.
func RespondEphemeral(s Responder, i *discordgo.InteractionCreate, content string) {
	respond(s, i, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{Content: content})
}

// RespondEmbed replies with embed.
func RespondEmbed(s Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	respond(s, i, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{embed},
	})
}

// RespondError replies with err and logs it.
func RespondError(s Responder, i *discordgo.InteractionCreate, err error) {
	slog.Warn("discord: command failed", "err", err)
	RespondEphemeral(s, i, "Error: "+err.Error())
}

// DeferReply acknowledges a command that takes longer than Discord's
// three second response window. Answer it with [FollowUp].
func DeferReply(s Responder, i *discordgo.InteractionCreate) {
	respond(s, i, discordgo.InteractionResponseDeferredChannelMessageWithSource, &discordgo.InteractionResponseData{})
}

// FollowUp completes a deferred reply with content and optional components,
// such as a stop button.
func FollowUp(s Responder, i *discordgo.InteractionCreate, content string, components ...discordgo.MessageComponent) {
	_, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content:    content,
		Components: components,
		Flags:      discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		slog.Warn("discord: follow-up failed", "err", err)
	}
}

// UpdateMessage answers a button click by replacing the message that holds
// the button with content. The message's components are removed.
func UpdateMessage(s Responder, i *discordgo.InteractionCreate, content string) {
	respond(s, i, discordgo.InteractionResponseUpdateMessage, &discordgo.InteractionResponseData{
		Content:    content,
		Components: []discordgo.MessageComponent{},
	})
}

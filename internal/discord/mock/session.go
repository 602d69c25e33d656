// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
type InteractionResponder struct {
	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by InteractionRespond and FollowupMessageCreate
	// when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *InteractionResponder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// LastContent returns the text of the most recent follow-up, or of the most
// recent response when there is no follow-up.
func (m *InteractionResponder) LastContent() string {
	if f := m.LastFollowUp(); f != nil {
		return f.Content
	}
	if r := m.LastResponse(); r != nil && r.Data != nil {
		return r.Data.Content
	}
	return ""
}

// Reset clears all recorded interactions and errors.
func (m *InteractionResponder) Reset() {
	m.Responses = nil
	m.FollowUps = nil
	m.Err = nil
}

// SentEmbed records a single embed sent or edited through [MessageSender].
type SentEmbed struct {
	ChannelID string

	// MessageID is empty for new messages.
	MessageID string

	Embed *discordgo.MessageEmbed
}

// MessageSender records embed messages. It is safe for concurrent use.
type MessageSender struct {
	mu sync.Mutex

	// Sent records all ChannelMessageSendEmbed calls.
	Sent []SentEmbed

	// Edited records all ChannelMessageEditEmbed calls.
	Edited []SentEmbed

	// Err is returned by both methods when non-nil.
	Err error
}

// ChannelMessageSendEmbed records the embed and returns a message with a
// sequential ID.
func (m *MessageSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Sent = append(m.Sent, SentEmbed{ChannelID: channelID, Embed: embed})
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", len(m.Sent)), ChannelID: channelID}, nil
}

// ChannelMessageEditEmbed records the edit.
func (m *MessageSender) ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Edited = append(m.Edited, SentEmbed{ChannelID: channelID, MessageID: messageID, Embed: embed})
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

// Counts returns how many embeds were sent and edited.
func (m *MessageSender) Counts() (sent, edited int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent), len(m.Edited)
}

// LastEdit returns the most recent edit, or the zero value.
func (m *MessageSender) LastEdit() SentEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Edited) == 0 {
		return SentEmbed{}
	}
	return m.Edited[len(m.Edited)-1]
}

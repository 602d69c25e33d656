// Package discord feeds received Discord voice traffic into a sink graph.
//
// The platform requires an active *discordgo.Session (owned by the bot layer)
// and a guild ID. Each call to [Platform.Listen] joins the specified voice
// channel, binds the returned [Connection] to the root of a sink graph and
// starts delivering packets to it: Opus frames are decoded per SSRC (unless
// the graph asked for Opus), speaking and voice state changes are turned into
// sink events, and all of it happens on a single delivery goroutine.
//
// RTCP reports are dispatched when they reach the packet channel, but
// discordgo's receiver decrypts every datagram as RTP and drops the ones
// that fail, so reports from Discord's voice socket do not arrive in
// practice. The RTCP path serves packet sources that hand over decrypted
// reports.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/sink"
)

// Platform joins voice channels of one guild.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	opts    []Option
}

// New creates a new Discord Platform for the given session and guild. The
// options apply to every connection the platform opens.
func New(session *discordgo.Session, guildID string, opts ...Option) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
		opts:    opts,
	}
}

// GuildID returns the guild the platform joins channels of.
func (p *Platform) GuildID() string { return p.guildID }

// Listen joins the voice channel identified by channelID and starts feeding
// root. The supplied ctx governs the connection-setup phase only; once the
// session is returned it lives until Disconnect is called.
func (p *Platform) Listen(ctx context.Context, channelID string, root sink.Sink) (audio.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	// mute=true: earshot never transmits. deaf=false: we must receive audio.
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	conn, err := newConnection(vc, p.session, p.guildID, root, p.opts...)
	if err != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: create connection: %w", err)
	}
	return conn, nil
}

// Package commands implements Discord slash command handlers for earshot.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/earshot/internal/discord"
	"github.com/MrWong99/earshot/internal/recording"
	"github.com/MrWong99/earshot/pkg/audio/sink"
)

// commandTimeout bounds joining and leaving a voice channel.
const commandTimeout = 30 * time.Second

// stopButtonPrefix is the custom_id prefix of the stop button attached to
// the start reply. The session ID follows the colon.
const stopButtonPrefix = "record_stop:"

// Recorder controls recordings. *recording.Manager satisfies it.
type Recorder interface {
	Start(ctx context.Context, channelID, startedBy string) (recording.Info, error)
	Stop(ctx context.Context) (recording.Info, error)
	SetVolume(v float64) error
	Volume() float64
	Info() recording.Info
	IsActive() bool
}

// RecordConfig holds the dependencies of [RecordCommands].
type RecordConfig struct {
	Recorder Recorder
	Perms    *discord.PermissionChecker

	// VoiceChannel resolves the voice channel a user is connected to.
	// Typically [discord.Bot.VoiceChannel].
	VoiceChannel func(userID string) (string, error)

	// Sender posts the live status embed into the channel /record start was
	// used in. Optional; no embed is posted when nil.
	Sender discord.MessageSender

	// DashboardInterval is the status embed refresh period.
	DashboardInterval time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// RecordCommands holds the dependencies for /record slash commands.
type RecordCommands struct {
	rec      Recorder
	perms    *discord.PermissionChecker
	voice    func(userID string) (string, error)
	sender   discord.MessageSender
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	dashboard *discord.Dashboard
	cancel    context.CancelFunc
}

// NewRecordCommands creates a RecordCommands.
func NewRecordCommands(cfg RecordConfig) *RecordCommands {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	perms := cfg.Perms
	if perms == nil {
		perms = discord.NewPermissionChecker("")
	}
	return &RecordCommands{
		rec:      cfg.Recorder,
		perms:    perms,
		voice:    cfg.VoiceChannel,
		sender:   cfg.Sender,
		interval: cfg.DashboardInterval,
		now:      now,
	}
}

// Register registers the /record command group and the stop button with
// the router.
func (rc *RecordCommands) Register(router *discord.Router) {
	router.Command(rc.Definition(), func(s discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/record start`, `/record stop`, `/record status` or `/record volume`.")
	})
	router.Subcommand("record", "start", rc.handleStart)
	router.Subcommand("record", "stop", rc.handleStop)
	router.Subcommand("record", "status", rc.handleStatus)
	router.Subcommand("record", "volume", rc.handleVolume)
	router.Button(stopButtonPrefix, rc.handleStopButton)
}

// Definition returns the ApplicationCommand definition for Discord.
func (rc *RecordCommands) Definition() *discordgo.ApplicationCommand {
	minVolume := 0.0
	return &discordgo.ApplicationCommand{
		Name:        "record",
		Description: "Record a voice channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start recording your current voice channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "channel",
						Description:  "Voice channel to record instead of yours",
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop the active recording",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the active recording",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "volume",
				Description: "Show or change the recording volume",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionNumber,
						Name:        "level",
						Description: fmt.Sprintf("Gain between 0 (mute) and %.0f, 1 keeps the original level", sink.MaxGain),
						MinValue:    &minVolume,
						MaxValue:    sink.MaxGain,
					},
				},
			},
		},
	}
}

// handleStart handles /record start.
func (rc *RecordCommands) handleStart(s discord.Responder, i *discordgo.InteractionCreate) {
	if !rc.perms.IsRecorder(i) {
		discord.RespondEphemeral(s, i, "You need the recorder role to start a recording.")
		return
	}

	userID := interactionUserID(i)
	channelID := optionString(subcommandOptions(i), "channel")
	if channelID == "" {
		var err error
		channelID, err = rc.voiceChannel(userID)
		if err != nil {
			discord.RespondEphemeral(s, i, "You must be in a voice channel to start a recording, or pass one with `channel`.")
			return
		}
	}

	if rc.rec.IsActive() {
		info := rc.rec.Info()
		discord.RespondEphemeral(s, i, fmt.Sprintf("A recording is already active (ID: `%s`).", info.SessionID))
		return
	}

	// Defer reply since joining may take a moment.
	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	info, err := rc.rec.Start(ctx, channelID, userID)
	if err != nil {
		discord.FollowUp(s, i, fmt.Sprintf("Failed to start recording: %v", err))
		return
	}

	stop := discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{
			Label:    "Stop recording",
			Style:    discordgo.DangerButton,
			CustomID: stopButtonPrefix + info.SessionID,
		},
	}}
	discord.FollowUp(s, i, fmt.Sprintf(
		"Recording started!\n**Recording ID:** `%s`\n**Channel:** <#%s>\n**Volume:** %.0f%%",
		info.SessionID,
		info.ChannelID,
		info.Volume*100,
	), stop)

	rc.startDashboard(i.ChannelID)
}

// handleStop handles /record stop.
func (rc *RecordCommands) handleStop(s discord.Responder, i *discordgo.InteractionCreate) {
	if !rc.perms.IsRecorder(i) {
		discord.RespondEphemeral(s, i, "You need the recorder role to stop a recording.")
		return
	}
	if !rc.rec.IsActive() {
		discord.RespondEphemeral(s, i, "No active recording to stop.")
		return
	}
	rc.stop(s, i, discord.RespondEphemeral)
}

// handleStopButton handles the stop button attached to the start reply.
func (rc *RecordCommands) handleStopButton(s discord.Responder, i *discordgo.InteractionCreate) {
	if !rc.perms.IsRecorder(i) {
		discord.RespondEphemeral(s, i, "You need the recorder role to stop a recording.")
		return
	}
	sessionID := strings.TrimPrefix(i.MessageComponentData().CustomID, stopButtonPrefix)
	if !rc.rec.IsActive() || rc.rec.Info().SessionID != sessionID {
		discord.UpdateMessage(s, i, fmt.Sprintf("Recording `%s` has already ended.", sessionID))
		return
	}
	rc.stop(s, i, discord.UpdateMessage)
}

// stop ends the active recording and sends the summary through reply.
func (rc *RecordCommands) stop(s discord.Responder, i *discordgo.InteractionCreate, reply func(discord.Responder, *discordgo.InteractionCreate, string)) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	info, err := rc.rec.Stop(ctx)
	if errors.Is(err, recording.ErrNotActive) {
		discord.RespondEphemeral(s, i, "No active recording to stop.")
		return
	}
	if err != nil {
		discord.RespondError(s, i, fmt.Errorf("discord: stop recording: %w", err))
		return
	}
	rc.stopDashboard(info)

	reply(s, i, fmt.Sprintf(
		"Recording `%s` stopped.\n**Duration:** %s\n**Talkers:** %d\n**File:** `%s`",
		info.SessionID,
		discord.FormatDuration(info.Duration(info.EndedAt)),
		info.Stats.Talkers,
		info.Path,
	))
}

// handleStatus handles /record status.
func (rc *RecordCommands) handleStatus(s discord.Responder, i *discordgo.InteractionCreate) {
	if !rc.rec.IsActive() {
		discord.RespondEphemeral(s, i, fmt.Sprintf("Not recording. Volume is %.0f%%.", rc.rec.Volume()*100))
		return
	}
	discord.RespondEmbed(s, i, discord.StatusEmbed(statusOf(rc.rec.Info()), rc.now()))
}

// handleVolume handles /record volume.
func (rc *RecordCommands) handleVolume(s discord.Responder, i *discordgo.InteractionCreate) {
	opt := findOption(subcommandOptions(i), "level")
	if opt == nil {
		discord.RespondEphemeral(s, i, fmt.Sprintf("Volume is %.0f%%.", rc.rec.Volume()*100))
		return
	}
	if !rc.perms.IsRecorder(i) {
		discord.RespondEphemeral(s, i, "You need the recorder role to change the volume.")
		return
	}
	level := opt.FloatValue()
	if err := rc.rec.SetVolume(level); err != nil {
		discord.RespondError(s, i, err)
		return
	}
	discord.RespondEphemeral(s, i, fmt.Sprintf("Volume set to %.0f%%.", level*100))
}

func (rc *RecordCommands) voiceChannel(userID string) (string, error) {
	if rc.voice == nil || userID == "" {
		return "", discord.ErrNotInVoice
	}
	return rc.voice(userID)
}

// startDashboard posts the live status embed into channelID.
func (rc *RecordCommands) startDashboard(channelID string) {
	if rc.sender == nil || channelID == "" {
		return
	}
	d := discord.NewDashboard(discord.DashboardConfig{
		Sender:    rc.sender,
		ChannelID: channelID,
		Interval:  rc.interval,
		GetData:   func() discord.Status { return statusOf(rc.rec.Info()) },
		Now:       rc.now,
	})
	ctx, cancel := context.WithCancel(context.Background())

	rc.mu.Lock()
	prev, prevCancel := rc.dashboard, rc.cancel
	rc.dashboard, rc.cancel = d, cancel
	rc.mu.Unlock()

	if prev != nil {
		prevCancel()
	}
	d.Start(ctx)
}

// stopDashboard turns the status embed into the final summary of info.
func (rc *RecordCommands) stopDashboard(info recording.Info) {
	rc.mu.Lock()
	d, cancel := rc.dashboard, rc.cancel
	rc.dashboard, rc.cancel = nil, nil
	rc.mu.Unlock()

	if d == nil {
		return
	}
	d.Stop(statusOf(info))
	cancel()
}

// Close stops the status embed refresh.
func (rc *RecordCommands) Close() {
	rc.mu.Lock()
	cancel := rc.cancel
	rc.dashboard, rc.cancel = nil, nil
	rc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func statusOf(info recording.Info) discord.Status {
	return discord.Status{
		SessionID: info.SessionID,
		ChannelID: info.ChannelID,
		StartedBy: info.StartedBy,
		StartedAt: info.StartedAt,
		Volume:    info.Volume,
		Packets:   info.Stats.Packets,
		Fillers:   info.Stats.Fillers,
		Talkers:   info.Stats.Talkers,
		Connected: info.Connected,
	}
}

// subcommandOptions returns the options passed to the invoked subcommand.
func subcommandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Options[0].Options
	}
	return data.Options
}

func findOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) *discordgo.ApplicationCommandInteractionDataOption {
	for _, o := range opts {
		if o.Name == name {
			return o
		}
	}
	return nil
}

func optionString(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if o := findOption(opts, name); o != nil {
		if v, ok := o.Value.(string); ok {
			return v
		}
	}
	return ""
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

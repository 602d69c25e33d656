package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Status is the data rendered by a [Dashboard].
type Status struct {
	SessionID string
	ChannelID string
	StartedBy string
	StartedAt time.Time
	Volume    float64
	Packets   int64
	Fillers   int64
	Talkers   int
	Connected int
}

// MessageSender is the part of *discordgo.Session used to post and edit the
// dashboard embed.
type MessageSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Compile-time interface assertion.
var _ MessageSender = (*discordgo.Session)(nil)

// embedColorGreen is the embed sidebar color for a running recording.
const embedColorGreen = 0x2ECC71

// embedColorRed is the embed sidebar color when a recording has ended.
const embedColorRed = 0xE74C3C

// defaultInterval is the default dashboard update interval.
const defaultInterval = 10 * time.Second

// Dashboard renders and periodically updates a Discord embed showing the
// live state of a recording. The embed is created on Start and edited in
// place every update interval.
//
// Thread-safe for concurrent use.
type Dashboard struct {
	mu        sync.Mutex
	sender    MessageSender
	channelID string
	messageID string // embed message; created on first update
	interval  time.Duration
	getData   func() Status
	now       func() time.Time
	done      chan struct{}
	loopDone  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// DashboardConfig holds dependencies for creating a Dashboard.
type DashboardConfig struct {
	Sender    MessageSender
	ChannelID string
	Interval  time.Duration // Default: 10 seconds
	GetData   func() Status

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewDashboard creates a Dashboard.
func NewDashboard(cfg DashboardConfig) *Dashboard {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dashboard{
		sender:    cfg.Sender,
		channelID: cfg.ChannelID,
		interval:  interval,
		getData:   cfg.GetData,
		now:       now,
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Start begins the periodic update loop in a background goroutine.
func (d *Dashboard) Start(ctx context.Context) {
	d.startOnce.Do(func() { go d.loop(ctx) })
}

// Stop halts the periodic update loop and turns the embed into a final
// "recording ended" summary of last.
func (d *Dashboard) Stop(last Status) {
	d.stopOnce.Do(func() {
		close(d.done)
		d.startOnce.Do(func() { close(d.loopDone) })
		<-d.loopDone
		d.postFinalEmbed(last)
	})
}

// loop runs the periodic embed update until Stop is called or ctx is cancelled.
func (d *Dashboard) loop(ctx context.Context) {
	defer close(d.loopDone)

	// Post immediately on start.
	d.update()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.update()
		}
	}
}

// update builds the embed from current data and creates or edits the message.
func (d *Dashboard) update() {
	embed := d.buildEmbed(d.getData())

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.messageID == "" {
		msg, err := d.sender.ChannelMessageSendEmbed(d.channelID, embed)
		if err != nil {
			slog.Warn("dashboard: failed to create embed message", "channel", d.channelID, "err", err)
			return
		}
		d.messageID = msg.ID
		slog.Debug("dashboard: created embed message", "message_id", msg.ID, "channel", d.channelID)
		return
	}
	if _, err := d.sender.ChannelMessageEditEmbed(d.channelID, d.messageID, embed); err != nil {
		slog.Warn("dashboard: failed to edit embed message", "message_id", d.messageID, "err", err)
	}
}

// postFinalEmbed posts a "recording ended" version of the embed.
func (d *Dashboard) postFinalEmbed(last Status) {
	embed := d.buildEndedEmbed(last)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.messageID == "" {
		return
	}
	if _, err := d.sender.ChannelMessageEditEmbed(d.channelID, d.messageID, embed); err != nil {
		slog.Warn("dashboard: failed to post final embed", "message_id", d.messageID, "err", err)
	}
}

// statusFields renders the fields shared by the live and the final embed.
func statusFields(data Status, duration time.Duration) []*discordgo.MessageEmbedField {
	return []*discordgo.MessageEmbedField{
		{Name: "Recording", Value: fmt.Sprintf("`%s`", data.SessionID), Inline: true},
		{Name: "Channel", Value: fmt.Sprintf("<#%s>", data.ChannelID), Inline: true},
		{Name: "Duration", Value: formatDuration(duration), Inline: true},
		{Name: "Packets", Value: fmt.Sprintf("%d (%d filler)", data.Packets, data.Fillers), Inline: true},
		{Name: "Volume", Value: fmt.Sprintf("%.0f%%", data.Volume*100), Inline: true},
	}
}

// buildEmbed creates the live dashboard embed.
func (d *Dashboard) buildEmbed(data Status) *discordgo.MessageEmbed {
	return StatusEmbed(data, d.now())
}

// StatusEmbed renders the state of a running recording as of now.
func StatusEmbed(data Status, now time.Time) *discordgo.MessageEmbed {
	fields := statusFields(data, now.Sub(data.StartedAt))
	fields = append(fields, &discordgo.MessageEmbedField{
		Name:   "Talkers",
		Value:  fmt.Sprintf("%d connected, %d seen", data.Connected, data.Talkers),
		Inline: true,
	})

	return &discordgo.MessageEmbed{
		Title:  "Recording",
		Color:  embedColorGreen,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Started by %s", data.StartedBy),
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// buildEndedEmbed creates the final "recording ended" embed.
func (d *Dashboard) buildEndedEmbed(data Status) *discordgo.MessageEmbed {
	now := d.now()
	fields := statusFields(data, now.Sub(data.StartedAt))
	fields = append(fields, &discordgo.MessageEmbedField{
		Name:   "Talkers",
		Value:  fmt.Sprintf("%d", data.Talkers),
		Inline: true,
	})

	return &discordgo.MessageEmbed{
		Title:       "Recording",
		Description: "Recording has ended.",
		Color:       embedColorRed,
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Recording ended",
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatDuration formats a duration the way the dashboard does.
func FormatDuration(d time.Duration) string { return formatDuration(d) }

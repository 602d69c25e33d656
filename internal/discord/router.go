package discord

import (
	"cmp"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Interaction outcomes reported to [Router.OnHandled].
const (
	OutcomeOK      = "ok"
	OutcomeUnknown = "unknown"
	OutcomePanic   = "panic"
)

// HandlerFunc answers one interaction.
type HandlerFunc func(s Responder, i *discordgo.InteractionCreate)

type buttonRoute struct {
	prefix  string
	handler HandlerFunc
}

// Router dispatches slash commands by "command" or "command subcommand" and
// buttons by custom ID prefix. A panicking handler is logged and answered
// with an error message instead of taking the gateway connection down.
type Router struct {
	mu      sync.RWMutex
	defs    map[string]*discordgo.ApplicationCommand
	routes  map[string]HandlerFunc
	buttons []buttonRoute // longest prefix first
	handled func(route, outcome string, elapsed time.Duration)
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{
		defs:   make(map[string]*discordgo.ApplicationCommand),
		routes: make(map[string]HandlerFunc),
	}
}

// Command registers def for upload to Discord. h answers the bare command;
// it may be nil when every invocation names a subcommand.
func (r *Router) Command(def *discordgo.ApplicationCommand, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	if h != nil {
		r.routes[def.Name] = h
	}
}

// Subcommand routes "/command name" to h.
func (r *Router) Subcommand(command, name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[command+" "+name] = h
}

// Button routes clicks on components whose custom ID starts with prefix.
// When several prefixes match, the longest wins.
func (r *Router) Button(prefix string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buttons = slices.DeleteFunc(r.buttons, func(b buttonRoute) bool { return b.prefix == prefix })
	r.buttons = append(r.buttons, buttonRoute{prefix: prefix, handler: h})
	slices.SortStableFunc(r.buttons, func(a, b buttonRoute) int {
		return cmp.Compare(len(b.prefix), len(a.prefix))
	})
}

// OnHandled installs fn to observe every dispatched interaction.
func (r *Router) OnHandled(fn func(route, outcome string, elapsed time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = fn
}

// ApplicationCommands returns the registered definitions sorted by name.
func (r *Router) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.defs))
	for _, def := range r.defs {
		cmds = append(cmds, def)
	}
	slices.SortFunc(cmds, func(a, b *discordgo.ApplicationCommand) int {
		return strings.Compare(a.Name, b.Name)
	})
	return cmds
}

// Handle dispatches i. Interaction types other than commands and buttons
// are ignored.
func (r *Router) Handle(s Responder, i *discordgo.InteractionCreate) {
	var (
		route   string
		handler HandlerFunc
		unknown string
		id      string
	)
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		route = commandRoute(i.ApplicationCommandData())
		r.mu.RLock()
		handler = r.routes[route]
		r.mu.RUnlock()
		unknown = "Unknown command."
	case discordgo.InteractionMessageComponent:
		id = i.MessageComponentData().CustomID
		route, handler = r.button(id)
		unknown = "Unknown component."
	default:
		slog.Debug("discord: ignoring interaction", "type", i.Type)
		return
	}

	start := time.Now()
	outcome := OutcomeOK
	defer func() {
		r.mu.RLock()
		fn := r.handled
		r.mu.RUnlock()
		if fn != nil {
			fn(route, outcome, time.Since(start))
		}
	}()

	if handler == nil {
		outcome = OutcomeUnknown
		slog.Warn("discord: no handler for interaction", "route", route, "custom_id", id)
		RespondEphemeral(s, i, unknown)
		return
	}

	defer func() {
		if v := recover(); v != nil {
			outcome = OutcomePanic
			slog.Error("discord: interaction handler panicked", "route", route, "panic", v, "stack", string(debug.Stack()))
			RespondEphemeral(s, i, "Something went wrong handling that command.")
		}
	}()
	handler(s, i)
}

// button returns the route and handler for a component custom ID. The
// route names the matched prefix so that IDs carrying session IDs share one
// route.
func (r *Router) button(customID string) (string, HandlerFunc) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.buttons {
		if strings.HasPrefix(customID, b.prefix) {
			return "button " + b.prefix, b.handler
		}
	}
	return "button", nil
}

func commandRoute(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Name + " " + data.Options[0].Name
	}
	return data.Name
}

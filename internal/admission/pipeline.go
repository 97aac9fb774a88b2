// Package admission decides whether an inbound group message becomes an RCON
// command. Everything here is pure: no I/O, no logging, no shared mutable state.
package admission

import (
	"strings"

	"github.com/park285/qq-mc-relay/internal/onebot"
)

type Verdict int

const (
	Rejected Verdict = iota
	Accepted
	// EmptyCommand: every filter passed but nothing followed the prefix.
	// The caller replies with a prompt and never contacts RCON.
	EmptyCommand
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case EmptyCommand:
		return "empty_command"
	default:
		return "rejected"
	}
}

// Reason names the first filter an event failed.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonKind         Reason = "not_group_message"
	ReasonShape        Reason = "no_segments"
	ReasonUnauthorized Reason = "unauthorized"
	ReasonNotMentioned Reason = "not_mentioned"
	ReasonNoPrefix     Reason = "no_prefix"
)

// Command is what an accepted event asks the game server to run.
type Command struct {
	RequesterID onebot.ID
	GroupID     onebot.ID
	Text        string
}

type Result struct {
	Verdict Verdict
	Reason  Reason
	Command Command
}

// AuthSet is an immutable allow-list of requester ids.
type AuthSet struct {
	ids map[string]struct{}
}

func NewAuthSet(ids []string) AuthSet {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			m[id] = struct{}{}
		}
	}
	return AuthSet{ids: m}
}

func (a AuthSet) Contains(id string) bool {
	_, ok := a.ids[id]
	return ok
}

func (a AuthSet) Len() int { return len(a.ids) }

// Pipeline holds the static inputs of admission. The zero value rejects everything.
type Pipeline struct {
	auth   AuthSet
	botID  onebot.ID
	prefix string
}

// New builds a pipeline. An empty prefix means "/".
func New(auth AuthSet, botID onebot.ID, prefix string) *Pipeline {
	if prefix == "" {
		prefix = "/"
	}
	return &Pipeline{auth: auth, botID: botID, prefix: prefix}
}

func (p *Pipeline) Prefix() string { return p.prefix }

// Admit runs the filters in order; the first failure rejects.
func (p *Pipeline) Admit(ev *onebot.Event) Result {
	if ev == nil || ev.PostType != onebot.PostTypeMessage || ev.MessageType != onebot.MessageTypeGroup {
		return reject(ReasonKind)
	}
	if len(ev.Message) == 0 {
		return reject(ReasonShape)
	}
	if !p.auth.Contains(ev.UserID.String()) {
		return reject(ReasonUnauthorized)
	}
	if target, ok := ev.Message[0].AtTarget(); !ok || p.botID == "" || target != p.botID {
		return reject(ReasonNotMentioned)
	}

	content := strings.TrimSpace(extractText(ev.Message[1:]))
	if !strings.HasPrefix(content, p.prefix) {
		return reject(ReasonNoPrefix)
	}

	cmd := Command{
		RequesterID: ev.UserID,
		GroupID:     ev.GroupID,
		Text:        strings.TrimSpace(strings.TrimPrefix(content, p.prefix)),
	}
	if cmd.Text == "" {
		return Result{Verdict: EmptyCommand, Command: cmd}
	}
	return Result{Verdict: Accepted, Command: cmd}
}

// extractText joins text segments in order; mentions, images and the like are skipped.
func extractText(segs []onebot.Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		if text, ok := seg.Text(); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

func reject(r Reason) Result {
	return Result{Verdict: Rejected, Reason: r}
}

package admission

import (
	"testing"

	"github.com/park285/qq-mc-relay/internal/onebot"
)

const bot onebot.ID = "10001"

func newPipeline() *Pipeline {
	return New(NewAuthSet([]string{"111", " 222 "}), bot, "/")
}

func groupEvent(user onebot.ID, segs ...onebot.Segment) *onebot.Event {
	return &onebot.Event{
		PostType:    onebot.PostTypeMessage,
		MessageType: onebot.MessageTypeGroup,
		UserID:      user,
		GroupID:     "424242",
		Message:     segs,
	}
}

func TestAdmitExtractsCommand(t *testing.T) {
	res := newPipeline().Admit(groupEvent("111", onebot.AtSegment(bot), onebot.TextSegment("/say hi")))
	if res.Verdict != Accepted {
		t.Fatalf("verdict = %s reason = %s", res.Verdict, res.Reason)
	}
	if res.Command.Text != "say hi" || res.Command.RequesterID != "111" || res.Command.GroupID != "424242" {
		t.Fatalf("command = %+v", res.Command)
	}
}

func TestAdmitConcatenatesTextSegmentsAndSkipsOthers(t *testing.T) {
	res := newPipeline().Admit(groupEvent("222",
		onebot.AtSegment(bot),
		onebot.TextSegment("  /give "),
		onebot.AtSegment("333"),
		onebot.Segment{Type: "image"},
		onebot.TextSegment("Steve diamond 64  "),
	))
	if res.Verdict != Accepted || res.Command.Text != "give Steve diamond 64" {
		t.Fatalf("result = %+v", res)
	}
}

func TestAdmitEmptyCommand(t *testing.T) {
	for _, text := range []string{"/", " /   ", "/\n"} {
		res := newPipeline().Admit(groupEvent("111", onebot.AtSegment(bot), onebot.TextSegment(text)))
		if res.Verdict != EmptyCommand {
			t.Fatalf("%q: verdict = %s", text, res.Verdict)
		}
		if res.Command.GroupID != "424242" || res.Command.RequesterID != "111" {
			t.Fatalf("%q: empty-command result must still carry the reply address: %+v", text, res.Command)
		}
	}
}

func TestAdmitRejections(t *testing.T) {
	p := newPipeline()
	privateMsg := groupEvent("111", onebot.AtSegment(bot), onebot.TextSegment("/list"))
	privateMsg.MessageType = "private"
	notice := groupEvent("111", onebot.AtSegment(bot), onebot.TextSegment("/list"))
	notice.PostType = "notice"

	cases := []struct {
		name string
		ev   *onebot.Event
		want Reason
	}{
		{"nil event", nil, ReasonKind},
		{"private message", privateMsg, ReasonKind},
		{"notice", notice, ReasonKind},
		{"no segments", groupEvent("111"), ReasonShape},
		{"unauthorized", groupEvent("999", onebot.AtSegment(bot), onebot.TextSegment("/list")), ReasonUnauthorized},
		{"text before mention", groupEvent("111", onebot.TextSegment("hey "), onebot.AtSegment(bot), onebot.TextSegment("/list")), ReasonNotMentioned},
		{"mentions someone else", groupEvent("111", onebot.AtSegment("333"), onebot.TextSegment("/list")), ReasonNotMentioned},
		{"mention all", groupEvent("111", onebot.AtSegment("all"), onebot.TextSegment("/list")), ReasonNotMentioned},
		{"missing prefix", groupEvent("111", onebot.AtSegment(bot), onebot.TextSegment("list")), ReasonNoPrefix},
		{"mention only", groupEvent("111", onebot.AtSegment(bot)), ReasonNoPrefix},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := p.Admit(tc.ev)
			if res.Verdict != Rejected || res.Reason != tc.want {
				t.Fatalf("got %s/%s, want rejected/%s", res.Verdict, res.Reason, tc.want)
			}
		})
	}
}

func TestAdmitCustomPrefix(t *testing.T) {
	p := New(NewAuthSet([]string{"111"}), bot, "!")
	if res := p.Admit(groupEvent("111", onebot.AtSegment(bot), onebot.TextSegment("!time set day"))); res.Command.Text != "time set day" {
		t.Fatalf("result = %+v", res)
	}
	if res := p.Admit(groupEvent("111", onebot.AtSegment(bot), onebot.TextSegment("/time set day"))); res.Verdict != Rejected {
		t.Fatalf("default prefix must not match a custom pipeline")
	}
}

func TestAuthSet(t *testing.T) {
	a := NewAuthSet([]string{"1", "", " 2 ", "1"})
	if a.Len() != 2 || !a.Contains("2") || a.Contains("") {
		t.Fatalf("unexpected set: len=%d", a.Len())
	}
	var zero Pipeline
	if res := zero.Admit(groupEvent("1", onebot.AtSegment(""), onebot.TextSegment("/x"))); res.Verdict != Rejected {
		t.Fatalf("zero pipeline must reject")
	}
}

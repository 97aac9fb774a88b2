package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/qq-mc-relay/internal/admission"
	"github.com/park285/qq-mc-relay/internal/audit"
	"github.com/park285/qq-mc-relay/internal/msgcat"
	"github.com/park285/qq-mc-relay/internal/onebot"
	"github.com/park285/qq-mc-relay/internal/rcon"
	"github.com/park285/qq-mc-relay/internal/rewrite"
)

const bot onebot.ID = "10001"

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, cmd string) (string, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if f.fn == nil {
		return "", nil
	}
	return f.fn(ctx, cmd)
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type sent struct {
	group   onebot.ID
	message string
}

type recordingSender struct {
	mu  sync.Mutex
	out []sent
	err error
}

func (s *recordingSender) SendGroupMessage(_ context.Context, group onebot.ID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sent{group, msg})
	return s.err
}

func (s *recordingSender) Sent() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.out...)
}

type fakeRewriter struct {
	out string
	err error
}

func (f fakeRewriter) Enabled() bool { return true }
func (f fakeRewriter) Rewrite(_ context.Context, text string) (string, error) {
	if f.err != nil {
		return text, f.err
	}
	return f.out, nil
}

// auditLog records entries in memory; Recent returns newest first.
type auditLog struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (l *auditLog) Record(_ context.Context, e audit.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *auditLog) Recent(_ context.Context, groupID string, n int) ([]audit.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []audit.Entry
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		if l.entries[i].GroupID == groupID {
			out = append(out, l.entries[i])
		}
	}
	return out, nil
}

type harness struct {
	relay *Relay
	exec  *fakeExecutor
	store *auditLog
}

func newHarness(t *testing.T, rw rewrite.Rewriter, fn func(context.Context, string) (string, error)) *harness {
	t.Helper()
	exec := &fakeExecutor{fn: fn}
	store := &auditLog{}
	r := New(Deps{
		Pipeline: admission.New(admission.NewAuthSet([]string{"111", "222"}), bot, "/"),
		Executor: exec,
		Rewriter: rw,
		Catalog:  msgcat.Default(),
		Recorder: store,
	})
	return &harness{relay: r, exec: exec, store: store}
}

func commandEvent(user, group onebot.ID, text string) *onebot.Event {
	return &onebot.Event{
		PostType:    onebot.PostTypeMessage,
		MessageType: onebot.MessageTypeGroup,
		UserID:      user,
		GroupID:     group,
		Message:     onebot.Segments{onebot.AtSegment(bot), onebot.TextSegment(text)},
	}
}

func bodyOf(t *testing.T, msg string, requester onebot.ID) string {
	t.Helper()
	c := msgcat.Default()
	prefix := fmt.Sprintf("%s\n%s\n%s\n", onebot.AtCode(requester), c.Text(msgcat.KeyReplyHeader, nil, ""), c.Text(msgcat.KeyReplyDivider, nil, ""))
	if !strings.HasPrefix(msg, prefix) {
		t.Fatalf("reply %q does not start with %q", msg, prefix)
	}
	return strings.TrimPrefix(msg, prefix)
}

func TestHandleForwardsCommandAndReplies(t *testing.T) {
	h := newHarness(t, nil, func(_ context.Context, cmd string) (string, error) {
		return "§6[Server]§r hi", nil
	})
	out := &recordingSender{}
	h.relay.Handle(context.Background(), commandEvent("111", "424242", "/say hi"), out)

	if calls := h.exec.Calls(); len(calls) != 1 || calls[0] != "say hi" {
		t.Fatalf("executor calls = %v", calls)
	}
	msgs := out.Sent()
	if len(msgs) != 1 || msgs[0].group != "424242" {
		t.Fatalf("sent = %+v", msgs)
	}
	if body := bodyOf(t, msgs[0].message, "111"); body != "[Server] hi" {
		t.Fatalf("body = %q", body)
	}

	entries, _ := h.store.Recent(context.Background(), "424242", 10)
	if len(entries) != 1 || entries[0].Command != "say hi" || entries[0].Outcome != audit.OutcomeOK || entries[0].TraceID == "" {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestHandleEmptyCommandSkipsTransport(t *testing.T) {
	h := newHarness(t, nil, nil)
	out := &recordingSender{}
	h.relay.Handle(context.Background(), commandEvent("111", "424242", "/"), out)

	if calls := h.exec.Calls(); len(calls) != 0 {
		t.Fatalf("transport must not be invoked, calls = %v", calls)
	}
	msgs := out.Sent()
	if len(msgs) != 1 {
		t.Fatalf("sent = %+v", msgs)
	}
	want := msgcat.Default().Text(msgcat.KeyEmptyCommand, nil, "")
	if body := bodyOf(t, msgs[0].message, "111"); body != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
}

func TestHandleRejectedEventsAreSilent(t *testing.T) {
	h := newHarness(t, nil, func(context.Context, string) (string, error) { return "x", nil })
	out := &recordingSender{}

	notice := commandEvent("111", "1", "/list")
	notice.PostType = "notice"
	laterMention := commandEvent("111", "1", "")
	laterMention.Message = onebot.Segments{onebot.TextSegment("hey "), onebot.AtSegment(bot), onebot.TextSegment("/list")}

	for _, ev := range []*onebot.Event{
		notice,
		commandEvent("999", "1", "/list"),
		laterMention,
		commandEvent("111", "1", "list"),
	} {
		h.relay.Handle(context.Background(), ev, out)
	}
	if len(out.Sent()) != 0 || len(h.exec.Calls()) != 0 {
		t.Fatalf("rejected events produced output: sent=%v calls=%v", out.Sent(), h.exec.Calls())
	}
	if entries, _ := h.store.Recent(context.Background(), "1", 10); len(entries) != 0 {
		t.Fatalf("rejected events must not be audited: %+v", entries)
	}
}

func TestHandleMapsTransportErrors(t *testing.T) {
	c := msgcat.Default()
	cases := []struct {
		name    string
		err     error
		resp    string
		want    string
		outcome audit.Outcome
	}{
		{"refused", fmt.Errorf("%w: dial tcp", rcon.ErrConnRefused), "", c.Text(msgcat.KeyRconRefused, nil, ""), audit.OutcomeRefused},
		{"auth", rcon.ErrAuth, "", c.Text(msgcat.KeyRconAuthFailed, nil, ""), audit.OutcomeAuthFailed},
		{"transport", &rcon.TransportError{Op: "execute", Err: errors.New("broken pipe")}, "", "", audit.OutcomeTransport},
		{"cancelled", &rcon.TransportError{Op: "execute", Err: fmt.Errorf("%w: %w", rcon.ErrOutcomeUnknown, context.Canceled)}, "", c.Text(msgcat.KeyRconUnknown, nil, ""), audit.OutcomeUnknown},
		{"empty", nil, "  ", c.Text(msgcat.KeyRconEmpty, nil, ""), audit.OutcomeEmpty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, func(context.Context, string) (string, error) { return tc.resp, tc.err })
			out := &recordingSender{}
			h.relay.Handle(context.Background(), commandEvent("222", "7", "/stop"), out)

			msgs := out.Sent()
			if len(msgs) != 1 {
				t.Fatalf("sent = %+v", msgs)
			}
			body := bodyOf(t, msgs[0].message, "222")
			if tc.want != "" && body != tc.want {
				t.Fatalf("body = %q, want %q", body, tc.want)
			}
			if tc.name == "transport" && !strings.Contains(body, "broken pipe") {
				t.Fatalf("transport body should carry the error: %q", body)
			}
			entries, _ := h.store.Recent(context.Background(), "7", 1)
			if len(entries) != 1 || entries[0].Outcome != tc.outcome {
				t.Fatalf("audit = %+v", entries)
			}
		})
	}
}

func TestHandleRewrite(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t, fakeRewriter{out: "在线 2 人"}, func(context.Context, string) (string, error) {
			return "There are 2 players online", nil
		})
		out := &recordingSender{}
		h.relay.Handle(context.Background(), commandEvent("111", "1", "/list"), out)
		if body := bodyOf(t, out.Sent()[0].message, "111"); body != "在线 2 人" {
			t.Fatalf("body = %q", body)
		}
		entries, _ := h.store.Recent(context.Background(), "1", 1)
		if !entries[0].Rewritten {
			t.Fatalf("entry should be marked rewritten")
		}
	})

	t.Run("failure keeps original with annotation", func(t *testing.T) {
		h := newHarness(t, fakeRewriter{err: &rewrite.Error{Kind: rewrite.KindStatus, Status: 500, Err: errors.New("x")}},
			func(context.Context, string) (string, error) { return "There are 2 players online", nil })
		out := &recordingSender{}
		h.relay.Handle(context.Background(), commandEvent("111", "1", "/list"), out)
		body := bodyOf(t, out.Sent()[0].message, "111")
		want := "There are 2 players online " + msgcat.Default().Text(msgcat.KeyRewriteFailed, map[string]any{"Reason": "status"}, "")
		if body != want {
			t.Fatalf("body = %q, want %q", body, want)
		}
	})

	t.Run("errors are not rewritten", func(t *testing.T) {
		h := newHarness(t, fakeRewriter{out: "SHOULD NOT APPEAR"}, func(context.Context, string) (string, error) {
			return "", rcon.ErrAuth
		})
		out := &recordingSender{}
		h.relay.Handle(context.Background(), commandEvent("111", "1", "/list"), out)
		if body := bodyOf(t, out.Sent()[0].message, "111"); strings.Contains(body, "SHOULD NOT APPEAR") {
			t.Fatalf("fallback text was rewritten: %q", body)
		}
	})
}

func TestHandleSendFailureStillAudits(t *testing.T) {
	h := newHarness(t, nil, func(context.Context, string) (string, error) { return "ok", nil })
	out := &recordingSender{err: onebot.ErrNotConnected}
	h.relay.Handle(context.Background(), commandEvent("111", "5", "/list"), out)
	if entries, _ := h.store.Recent(context.Background(), "5", 1); len(entries) != 1 {
		t.Fatalf("expected audit entry even when the reply could not be sent")
	}
}

func TestConcurrentEventsDoNotBlockEachOther(t *testing.T) {
	fastDone := make(chan struct{})
	h := newHarness(t, nil, func(ctx context.Context, cmd string) (string, error) {
		if cmd == "slow" {
			select {
			case <-fastDone:
				return "slow done", nil
			case <-time.After(3 * time.Second):
				return "", errors.New("slow command blocked the fast one")
			}
		}
		return "fast done", nil
	})
	out := &recordingSender{}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.relay.Handle(context.Background(), commandEvent("111", "100", "/slow"), out)
	}()
	go func() {
		defer wg.Done()
		h.relay.Handle(context.Background(), commandEvent("222", "200", "/fast"), out)
		close(fastDone)
	}()
	wg.Wait()

	byGroup := map[onebot.ID]string{}
	for _, m := range out.Sent() {
		byGroup[m.group] = m.message
	}
	if len(byGroup) != 2 {
		t.Fatalf("sent = %+v", out.Sent())
	}
	if body := bodyOf(t, byGroup["100"], "111"); body != "slow done" {
		t.Fatalf("group 100 body = %q", body)
	}
	if body := bodyOf(t, byGroup["200"], "222"); body != "fast done" {
		t.Fatalf("group 200 body = %q", body)
	}
}

func TestStripFormatting(t *testing.T) {
	if got := StripFormatting("§aGreen§r and §lbold"); got != "Green and bold" {
		t.Fatalf("got %q", got)
	}
	if got := StripFormatting("plain"); got != "plain" {
		t.Fatalf("got %q", got)
	}
}

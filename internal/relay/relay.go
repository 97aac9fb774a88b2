package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/qq-mc-relay/internal/admission"
	"github.com/park285/qq-mc-relay/internal/audit"
	"github.com/park285/qq-mc-relay/internal/msgcat"
	"github.com/park285/qq-mc-relay/internal/onebot"
	"github.com/park285/qq-mc-relay/internal/rcon"
	"github.com/park285/qq-mc-relay/internal/rewrite"
)

type Deps struct {
	Pipeline *admission.Pipeline
	Executor rcon.Executor
	Rewriter rewrite.Rewriter
	Catalog  *msgcat.Catalog
	Recorder audit.Recorder
	Logger   *zap.Logger
}

// Relay turns admitted group messages into RCON calls and posts the result back.
type Relay struct {
	pipeline *admission.Pipeline
	exec     rcon.Executor
	rewriter rewrite.Rewriter
	catalog  *msgcat.Catalog
	recorder audit.Recorder
	logger   *zap.Logger

	newID func() string
	now   func() time.Time
}

func New(d Deps) *Relay {
	r := &Relay{
		pipeline: d.Pipeline,
		exec:     d.Executor,
		rewriter: d.Rewriter,
		catalog:  d.Catalog,
		recorder: d.Recorder,
		logger:   d.Logger,
		newID:    uuid.NewString,
		now:      time.Now,
	}
	if r.rewriter == nil {
		r.rewriter = rewrite.Passthrough{}
	}
	if r.catalog == nil {
		r.catalog = msgcat.Default()
	}
	if r.recorder == nil {
		r.recorder = audit.Nop{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Handle is an onebot.Handler. It sends at most one reply per event.
func (r *Relay) Handle(ctx context.Context, ev *onebot.Event, out onebot.Sender) {
	res := r.pipeline.Admit(ev)
	if res.Verdict == admission.Rejected {
		// Heartbeats and API responses fail the kind filter constantly; not worth a line.
		if res.Reason != admission.ReasonKind {
			r.logger.Debug("event_rejected",
				zap.String("reason", string(res.Reason)),
				zap.String("user_id", ev.UserID.String()),
				zap.String("group_id", ev.GroupID.String()),
			)
		}
		return
	}

	cmd := res.Command
	traceID := r.newID()
	log := r.logger.With(
		zap.String("trace_id", traceID),
		zap.String("user_id", cmd.RequesterID.String()),
		zap.String("group_id", cmd.GroupID.String()),
	)

	entry := audit.Entry{
		ID:          r.newID(),
		TraceID:     traceID,
		RequesterID: cmd.RequesterID.String(),
		GroupID:     cmd.GroupID.String(),
		Command:     cmd.Text,
		CreatedAt:   r.now(),
	}

	var body string
	if res.Verdict == admission.EmptyCommand {
		log.Info("empty_command")
		body = r.catalog.Text(msgcat.KeyEmptyCommand, nil, "请输入Minecraft指令。")
		entry.Outcome = audit.OutcomeNoCommand
	} else {
		log.Info("command_accepted", zap.String("command", cmd.Text))
		started := time.Now()
		resp, err := r.exec.Execute(ctx, cmd.Text)
		log.Info("command_executed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		body, entry.Outcome, entry.Rewritten = r.render(ctx, log, resp, err)
	}
	entry.Response = body

	if err := out.SendGroupMessage(ctx, cmd.GroupID, r.FormatReply(cmd.RequesterID, body)); err != nil {
		log.Error("reply_send_failed", zap.Error(err))
	} else {
		log.Info("reply_sent", zap.Int("bytes", len(body)))
	}

	if err := r.recorder.Record(ctx, entry); err != nil {
		log.Warn("audit_record_failed", zap.Error(err))
	}
}

// render is the single place where RCON and rewrite failures become chat text.
func (r *Relay) render(ctx context.Context, log *zap.Logger, resp string, err error) (string, audit.Outcome, bool) {
	switch {
	case errors.Is(err, rcon.ErrConnRefused):
		log.Error("rcon_refused", zap.Error(err))
		return r.catalog.Text(msgcat.KeyRconRefused, nil, "错误：无法连接到RCON服务器。"), audit.OutcomeRefused, false
	case errors.Is(err, rcon.ErrAuth):
		log.Error("rcon_auth_failed", zap.Error(err))
		return r.catalog.Text(msgcat.KeyRconAuthFailed, nil, "错误：RCON密码验证失败。"), audit.OutcomeAuthFailed, false
	case errors.Is(err, rcon.ErrOutcomeUnknown):
		log.Warn("rcon_outcome_unknown", zap.Error(err))
		return r.catalog.Text(msgcat.KeyRconUnknown, nil, "指令已发出，但执行结果未知。"), audit.OutcomeUnknown, false
	case err != nil:
		log.Error("rcon_failed", zap.Error(err))
		fallback := "错误：执行RCON指令时发生未知错误: " + err.Error()
		return r.catalog.Text(msgcat.KeyRconFailed, map[string]any{"Error": err.Error()}, fallback), audit.OutcomeTransport, false
	}

	resp = strings.TrimSpace(StripFormatting(resp))
	if resp == "" {
		return r.catalog.Text(msgcat.KeyRconEmpty, nil, "指令已执行，但服务器没有返回信息。"), audit.OutcomeEmpty, false
	}

	if !r.rewriter.Enabled() {
		return resp, audit.OutcomeOK, false
	}
	text, rerr := r.rewriter.Rewrite(ctx, resp)
	if rerr != nil {
		reason := "error"
		var re *rewrite.Error
		if errors.As(rerr, &re) {
			reason = string(re.Kind)
		}
		log.Warn("rewrite_degraded", zap.String("reason", reason), zap.Error(rerr))
		note := r.catalog.Text(msgcat.KeyRewriteFailed, map[string]any{"Reason": reason}, "[rewrite failed]")
		return resp + " " + note, audit.OutcomeOK, false
	}
	return text, audit.OutcomeOK, true
}

// FormatReply builds "<at sender>\n<header>\n<divider>\n<body>".
func (r *Relay) FormatReply(requester onebot.ID, body string) string {
	header := r.catalog.Text(msgcat.KeyReplyHeader, nil, "[MC服务器返回]")
	divider := r.catalog.Text(msgcat.KeyReplyDivider, nil, "----------------")
	var b strings.Builder
	b.Grow(len(body) + len(header) + len(divider) + 32)
	b.WriteString(onebot.AtCode(requester))
	b.WriteByte('\n')
	b.WriteString(header)
	b.WriteByte('\n')
	b.WriteString(divider)
	b.WriteByte('\n')
	b.WriteString(body)
	return b.String()
}

// StripFormatting removes Minecraft "§x" formatting codes from console output.
func StripFormatting(s string) string {
	if !strings.ContainsRune(s, '§') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	skip := false
	for _, r := range s {
		if skip {
			skip = false
			continue
		}
		if r == '§' {
			skip = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/park285/qq-mc-relay/internal/audit"
	appcfg "github.com/park285/qq-mc-relay/internal/config"
	"github.com/park285/qq-mc-relay/internal/rcon"
)

// rconcheck sends one command using the relay's MCRCON_* settings and prints
// the answer, or reads back the relay's audit trail.
//
//	rconcheck list
//	rconcheck "say hello from ops"
//	rconcheck -history 424242 -n 10
//	rconcheck -trace 3f0c...
func main() {
	history := flag.String("history", "", "print recent audited commands for this group id")
	limit := flag.Int("n", 20, "number of entries for -history")
	trace := flag.String("trace", "", "print the audited command logged under this trace id")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if *history != "" || *trace != "" {
		if err := showAudit(ctx, os.Stdout, *history, *limit, *trace); err != nil {
			log.Fatal(err)
		}
		return
	}

	rc, err := appcfg.LoadRcon()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	command := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if command == "" {
		command = "list"
	}

	client := rcon.NewClient(rcon.Config{
		Addr:        rc.RconAddr(),
		Password:    rc.RconPassword,
		DialTimeout: rc.RconDialTimeout,
		Deadline:    rc.RconDeadline,
	}, nil)

	resp, err := client.Execute(ctx, command)
	var te *rcon.TransportError
	switch {
	case errors.Is(err, rcon.ErrConnRefused):
		log.Fatalf("connection refused: is enable-rcon=true and rcon.port=%d in server.properties?", rc.RconPort)
	case errors.Is(err, rcon.ErrAuth):
		log.Fatal("authentication failed: MCRCON_PASS does not match rcon.password")
	case errors.Is(err, rcon.ErrOutcomeUnknown):
		log.Fatalf("no answer before the deadline; the command may still have run: %v", err)
	case errors.As(err, &te):
		log.Fatalf("transport error during %s: %v", te.Op, te.Err)
	case err != nil:
		log.Fatalf("rcon error: %v", err)
	}
	if strings.TrimSpace(resp) == "" {
		fmt.Println("(empty response)")
		return
	}
	fmt.Println(resp)
}

// openReader prefers Redis, which holds the capped recent history, over Postgres.
func openReader(ctx context.Context, a appcfg.AuditSettings) (audit.Reader, io.Closer, error) {
	switch {
	case a.RedisURL != "":
		s, err := audit.NewRedisStore(ctx, a.RedisURL, a.AuditHistoryLimit)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case a.DatabaseURL != "":
		repo, err := audit.NewPGRepository(ctx, a.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	default:
		return nil, nil, errors.New("no audit backend configured: set REDIS_URL or DATABASE_URL")
	}
}

func showAudit(ctx context.Context, w io.Writer, group string, n int, trace string) error {
	reader, closer, err := openReader(ctx, appcfg.LoadAudit())
	if err != nil {
		return err
	}
	defer closer.Close()
	return printAudit(ctx, w, reader, group, n, trace)
}

func printAudit(ctx context.Context, w io.Writer, reader audit.Reader, group string, n int, trace string) error {
	if trace != "" {
		e, err := reader.ByTrace(ctx, trace)
		if err != nil {
			return fmt.Errorf("lookup trace: %w", err)
		}
		if e == nil {
			return fmt.Errorf("no audit entry for trace %s", trace)
		}
		writeEntry(w, *e)
		fmt.Fprintf(w, "  response: %s\n", e.Response)
		return nil
	}

	entries, err := reader.Recent(ctx, group, n)
	if err != nil {
		return fmt.Errorf("recent: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintf(w, "no audited commands for group %s\n", group)
		return nil
	}
	for _, e := range entries {
		writeEntry(w, e)
	}
	return nil
}

func writeEntry(w io.Writer, e audit.Entry) {
	rewritten := ""
	if e.Rewritten {
		rewritten = " rewritten"
	}
	fmt.Fprintf(w, "%s  group=%s user=%s outcome=%s%s trace=%s\n  command: %s\n",
		e.CreatedAt.Local().Format(time.DateTime), e.GroupID, e.RequesterID, e.Outcome, rewritten, e.TraceID,
		strconv.Quote(e.Command))
}

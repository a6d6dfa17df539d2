package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/l4core/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/l4core/internal/shared/types"
)

const usage = `usage: l4ctl [flags] <command> [args]

commands:
  health                      server liveness
  stats                       kernel, dispatch and metrics counters
  threads                     live threads
  names                       name space entries
  services                    booted services and their operations
  invoke <name> <op> [arg...] call an operation; args are JSON values or bare strings
  snapshot [file]             download a verified snapshot; without file, print a summary
  trace [prefix]              stream finished spans

flags:
`

var numbers = sonic.Config{UseNumber: true}.Froze()

func main() {
	addr := flag.String("addr", envOr("L4CTL_ADDR", "http://127.0.0.1:8000"), "admin server URL")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	callTimeout := flag.Duration("call-timeout", 0, "bound for invoke calls, 0 uses the server default")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	c := NewClient(*addr, *timeout)
	if err := run(ctx, c, os.Stdout, flag.Args(), *callTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "l4ctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *Client, out io.Writer, args []string, callTimeout time.Duration) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "health", "stats", "threads", "names", "services":
		path := map[string]string{
			"health":   "/health",
			"stats":    "/kernel/stats",
			"threads":  "/kernel/threads",
			"names":    "/names",
			"services": "/services",
		}[cmd]
		body, err := c.Get(ctx, path)
		if err != nil {
			return err
		}
		if cmd == "names" {
			return printNames(out, body)
		}
		return printJSON(out, body)

	case "invoke":
		if len(rest) < 2 {
			return fmt.Errorf("invoke needs a service name and an op")
		}
		req := types.InvokeRequest{Name: rest[0], Op: rest[1], Args: parseArgs(rest[2:])}
		if callTimeout > 0 {
			req.TimeoutMS = int(callTimeout.Milliseconds())
		}
		resp, err := c.Invoke(ctx, req)
		if err != nil {
			if resp != nil && resp.Status != 0 {
				return fmt.Errorf("%w (status %d)", err, resp.Status)
			}
			return err
		}
		data, err := sonic.Marshal(resp.Results)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err

	case "snapshot":
		s, raw, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		if len(rest) > 0 {
			if err := os.WriteFile(rest[0], raw, 0o644); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "wrote %s (%d bytes)\n", rest[0], len(raw))
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "taken\t%s\n", s.TakenAt.Format(time.RFC3339))
		fmt.Fprintf(tw, "uptime\t%s\n", time.Duration(s.UptimeMicro)*time.Microsecond)
		fmt.Fprintf(tw, "objects\t%d\n", s.LiveObjects)
		fmt.Fprintf(tw, "tasks\t%d\n", len(s.Tasks))
		fmt.Fprintf(tw, "threads\t%d\n", len(s.Threads))
		for _, m := range s.Memory {
			fmt.Fprintf(tw, "memory %s\t%d/%d in use, %d/%d slabs\n", m.Name, m.InUse, m.InUse+m.Free, m.Slabs, m.MaxSlabs)
		}
		return tw.Flush()

	case "trace":
		prefix := ""
		if len(rest) > 0 {
			prefix = rest[0]
		}
		return c.Trace(ctx, prefix, func(s tracing.Span) error {
			status := "ok"
			if s.Error != "" {
				status = s.Error
			}
			_, err := fmt.Fprintf(out, "%s %s %-32s %10s %s\n",
				s.StartTime.Format("15:04:05.000"), s.TraceID, s.Name, s.Duration, status)
			return err
		})
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// parseArgs reads each argument as JSON, falling back to a plain string.
func parseArgs(args []string) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		var v any
		if err := numbers.UnmarshalFromString(a, &v); err != nil {
			v = a
		}
		out = append(out, v)
	}
	return out
}

func printJSON(out io.Writer, body []byte) error {
	var v any
	if err := numbers.Unmarshal(body, &v); err != nil {
		return err
	}
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func printNames(out io.Writer, body []byte) error {
	var resp struct {
		Names []struct {
			Name       string    `json:"name"`
			Cap        uint64    `json:"cap"`
			Kind       string    `json:"kind"`
			Object     string    `json:"object"`
			Registered time.Time `json:"registered"`
		} `json:"names"`
	}
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCAP\tKIND\tOBJECT")
	for _, e := range resp.Names {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Name, e.Cap, e.Kind, e.Object)
	}
	return tw.Flush()
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

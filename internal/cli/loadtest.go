package cli

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/collab-sync/internal/client"
	"github.com/example/collab-sync/internal/types"
)

// LoadTestOptions holds flags for the loadtest command.
type LoadTestOptions struct {
	*RootOptions
	Clients  int
	Edits    int
	Interval time.Duration
	Target   time.Duration
}

type latencySample struct {
	dur time.Duration
}

// NewLoadTestCommand creates the loadtest command.
func NewLoadTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadTestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Measure how quickly edits reach other clients",
		Long: `Connect many clients to one document. The first client appends a
marker at a fixed interval and every other client records how long the
marker took to appear in its replica.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadTest(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVar(&opts.Clients, "clients", 50, "number of concurrent clients")
	cmd.Flags().IntVar(&opts.Edits, "edits", 20, "number of markers to append")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 200*time.Millisecond, "delay between markers")
	cmd.Flags().DurationVar(&opts.Target, "target", 50*time.Millisecond, "latency target to report against")
	return cmd
}

func runLoadTest(ctx context.Context, opts *LoadTestOptions, stdout, stderr io.Writer) error {
	if opts.Clients < 2 {
		return fmt.Errorf("--clients must be at least 2")
	}
	docID, err := types.ParseDocumentID(opts.Document)
	if err != nil {
		docID = types.DocumentID(fmt.Sprintf("loadtest-%d", time.Now().UnixNano()))
	}
	logger := opts.logger(stderr)

	ctrls := make([]*client.Controller, 0, opts.Clients)
	defer func() {
		for _, c := range ctrls {
			_ = c.Close()
		}
	}()
	for i := 0; i < opts.Clients; i++ {
		c, err := client.New(client.Config{
			ServerURL: opts.Server,
			Document:  docID,
			Logger:    logger.With().Int("client", i).Logger(),
		})
		if err != nil {
			return err
		}
		c.Start()
		ctrls = append(ctrls, c)
	}

	readyCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	for i, c := range ctrls {
		if _, err := c.Ready().Wait(readyCtx); err != nil {
			return fmt.Errorf("client %d not ready: %w", i, err)
		}
	}

	var mu sync.Mutex
	sent := make(map[string]time.Time, opts.Edits)
	latencyCh := make(chan latencySample, opts.Clients*opts.Edits)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	for _, c := range ctrls[1:] {
		wg.Add(1)
		go func(c *client.Controller) {
			defer wg.Done()
			observeMarkers(runCtx, c, opts.Edits, &mu, sent, latencyCh)
		}(c)
	}

	writer := ctrls[0]
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for j := 0; j < opts.Edits; j++ {
		select {
		case <-ctx.Done():
			stop()
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			break
		}
		marker := fmt.Sprintf("[m%d]", j)
		mu.Lock()
		sent[marker] = time.Now()
		mu.Unlock()
		if err := writer.Append(marker); err != nil {
			return fmt.Errorf("append marker: %w", err)
		}
	}

	// Allow stragglers a grace period before reporting.
	go func() {
		select {
		case <-time.After(opts.Timeout):
			stop()
		case <-runCtx.Done():
		}
	}()
	wg.Wait()
	close(latencyCh)

	report(stdout, latencyCh, opts.Target)
	return nil
}

// observeMarkers polls c until every marker has been seen or ctx ends.
func observeMarkers(ctx context.Context, c *client.Controller, total int, mu *sync.Mutex, sent map[string]time.Time, out chan<- latencySample) {
	seen := make(map[string]bool, total)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for len(seen) < total {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		text, err := c.Text()
		if err != nil {
			continue
		}
		mu.Lock()
		for marker, at := range sent {
			if !seen[marker] && strings.Contains(text, marker) {
				seen[marker] = true
				out <- latencySample{dur: time.Since(at)}
			}
		}
		mu.Unlock()
	}
}

func report(w io.Writer, samples <-chan latencySample, target time.Duration) {
	var count int
	var total time.Duration
	var max time.Duration
	var underTarget int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < target {
			underTarget++
		}
	}

	if count == 0 {
		fmt.Fprintln(w, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(underTarget) / float64(count)) * 100

	fmt.Fprintf(w, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<%s: %.2f%%\n", count, avg, max, target, pct)
	if pct < 95 {
		fmt.Fprintf(w, "warning: less than 95%% of edits met the %s target\n", target)
	}
}

// Command settld-verify is the offline job-proof bundle verifier (spec §6):
// it loads a `--job-proof` directory, re-checks every SHA256SUMS digest, the
// chained event log, the policy snapshot's hash and governance signature,
// and the settlement decision/receipt binding, then prints a byte-stable
// JSON report. Grounded on cmd/swap-audit/main.go's flag-parse, load,
// marshal-report-to-stdout shape in the teacher repo.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nooterra/settld/internal/jobproof"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("settld-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("job-proof", "", "path to a job-proof bundle directory")
	strict := fs.Bool("strict", false, "turn warnings into verification failures")
	hashConcurrency := fs.Int("hash-concurrency", 4, "number of workers recomputing SHA256SUMS digests")
	timeout := fs.Duration("timeout", 30*time.Second, "overall verification timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dir == "" {
		fmt.Fprintln(stderr, "settld-verify: --job-proof <dir> is required")
		return 2
	}
	if *hashConcurrency <= 0 {
		fmt.Fprintln(stderr, "settld-verify: --hash-concurrency must be positive")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	type outcome struct {
		report *jobproof.Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := jobproof.Verify(*dir, jobproof.Options{
			Strict: *strict, HashConcurrency: *hashConcurrency,
		})
		done <- outcome{report, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "settld-verify: verification timed out")
		return 124
	case o := <-done:
		if o.err != nil {
			fmt.Fprintf(stderr, "settld-verify: %v\n", o.err)
			return 2
		}
		out, err := json.MarshalIndent(o.report, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "settld-verify: encode report: %v\n", err)
			return 2
		}
		fmt.Fprintln(stdout, string(out))
		if !o.report.OK {
			return 1
		}
		return 0
	}
}

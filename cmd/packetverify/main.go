// packetverify checks a claim packet offline: it recomputes the SHA-256 of
// both canonical inspection payloads and of every bundled evidence file and
// compares them with the digests recorded in the packet.
//
//	packetverify [--json] claim-packet-<lease>.zip
//
// The exit status is 0 when every check passes, 1 when any check fails and
// 2 on usage or read errors.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/proveniq/inspectvault/internal/server/claimpacket"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitInvalid = 2
)

// errChecksFailed distinguishes a failed verification from a usage error.
var errChecksFailed = errors.New("verification failed")

func main() {
	color := term.IsTerminal(int(os.Stdout.Fd()))
	err := run(os.Args[1:], os.Stdout, color)
	switch {
	case err == nil:
		os.Exit(exitOK)
	case errors.Is(err, errChecksFailed):
		os.Exit(exitFailed)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitInvalid)
	}
}

func run(args []string, out io.Writer, color bool) error {
	var asJSON bool

	flagSet := pflag.NewFlagSet("packetverify", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.BoolVar(&asJSON, "json", false, "print the report as JSON")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: packetverify [--json] <claim-packet.zip>")
	}

	rep, err := claimpacket.VerifyFile(flagSet.Arg(0))
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		printReport(out, rep, color)
	}

	if !rep.OK {
		return errChecksFailed
	}
	return nil
}

func printReport(out io.Writer, rep *claimpacket.Report, color bool) {
	fmt.Fprintf(out, "lease %s\n", rep.LeaseID)
	if rep.PartialEvidence {
		fmt.Fprintln(out, "packet marked partial: some evidence could not be retrieved when it was built")
	}

	section := func(title string, checks []claimpacket.Check) {
		if len(checks) == 0 {
			return
		}
		fmt.Fprintf(out, "\n%s\n", title)
		for _, c := range checks {
			fmt.Fprintf(out, "  %s %s\n", mark(c.OK, color), c.Name)
			if !c.OK {
				fmt.Fprintf(out, "      expected %s\n      actual   %s\n", c.Expected, c.Actual)
			}
			if c.Detail != "" {
				fmt.Fprintf(out, "      %s\n", c.Detail)
			}
		}
	}
	section("inspections", rep.Inspections)
	section("evidence", rep.Evidence)
	section("not bundled", rep.Skipped)

	fmt.Fprintf(out, "\nresult: %s\n", verdict(rep.OK, color))
}

func mark(ok, color bool) string {
	switch {
	case ok && color:
		return "\x1b[32mok  \x1b[0m"
	case ok:
		return "ok  "
	case color:
		return "\x1b[31mFAIL\x1b[0m"
	default:
		return "FAIL"
	}
}

func verdict(ok, color bool) string {
	if ok {
		return mark(true, color) + "all checks passed"
	}
	return mark(false, color) + "packet does not match its recorded digests"
}

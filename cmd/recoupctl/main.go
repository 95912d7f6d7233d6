// Command recoupctl is a command-line client for the Recoup revenue
// recovery API. Connection settings come from flags or the RECOUP_URL,
// RECOUP_SELLER_ID and RECOUP_API_KEY environment variables.
//
// Exit codes: 0 success, 2 usage error, 3 not found, 4 conflict
// (e.g. a sync is already running), 5 transient, server or transport error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/recoup-ai/recoup/sdk/go/recoup"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	exitOK       = 0
	exitUsage    = 2
	exitNotFound = 3
	exitConflict = 4
	exitServer   = 5
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	URL      string `long:"url" env:"RECOUP_URL" default:"http://localhost:8080" description:"Recoup server base URL"`
	SellerID string `long:"seller-id" env:"RECOUP_SELLER_ID" description:"Seller UUID"`
	APIKey   string `long:"api-key" env:"RECOUP_API_KEY" description:"Seller API key"`
}

var opts globalOptions

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.LongDescription = "Command-line client for the Recoup revenue recovery API."

	addCmd(parser, "version", "Print the client version", &versionCmd{})
	addCmd(parser, "health", "Check server health", &healthCmd{ctx: ctx})

	conns := addCmd(parser, "connections", "Manage provider connections", &struct{}{})
	addCmd(conns, "create", "Link a marketplace provider", &connCreateCmd{ctx: ctx})
	addCmd(conns, "list", "List provider connections", &connListCmd{ctx: ctx})
	addCmd(conns, "delete", "Remove a provider connection", &connDeleteCmd{ctx: ctx})

	sync := addCmd(parser, "sync", "Run and inspect report syncs", &struct{}{})
	addCmd(sync, "start", "Enqueue a full-history sync", &syncStartCmd{ctx: ctx})
	addCmd(sync, "status", "Show per-report-type sync state", &syncStatusCmd{ctx: ctx})

	jobs := addCmd(parser, "jobs", "Inspect background jobs", &struct{}{})
	addCmd(jobs, "list", "List recent jobs", &jobListCmd{ctx: ctx})
	addCmd(jobs, "get", "Show one job", &jobGetCmd{ctx: ctx})
	addCmd(jobs, "cancel", "Cancel a queued or running job", &jobCancelCmd{ctx: ctx})
	addCmd(jobs, "watch", "Stream a job's progress events", &jobWatchCmd{ctx: ctx})

	records := addCmd(parser, "records", "Browse the canonical ledger", &struct{}{})
	addCmd(records, "list", "List ledger records", &recordListCmd{ctx: ctx})
	addCmd(records, "get", "Show one ledger record", &recordGetCmd{ctx: ctx})

	claims := addCmd(parser, "claims", "Browse claim candidates", &struct{}{})
	addCmd(claims, "list", "List claim candidates", &claimListCmd{ctx: ctx})
	addCmd(claims, "get", "Show a claim with its matches and links", &claimGetCmd{ctx: ctx})

	matching := addCmd(parser, "matching", "Evidence matching", &struct{}{})
	addCmd(matching, "start", "Enqueue a full matching pass", &matchingStartCmd{ctx: ctx})
	addCmd(matching, "list", "List scored claim/document matches", &matchListCmd{ctx: ctx})

	docs := addCmd(parser, "documents", "Manage evidence documents", &struct{}{})
	addCmd(docs, "list", "List ingested documents", &docListCmd{ctx: ctx})
	addCmd(docs, "get", "Show one document", &docGetCmd{ctx: ctx})
	addCmd(docs, "ingest", "Enqueue a provider document pull", &docIngestCmd{ctx: ctx})
	addCmd(docs, "reindex", "Re-extract identifiers from stored raw text", &docReindexCmd{ctx: ctx})
	addCmd(docs, "reparse", "Reset a document's parse state and re-queue it", &docReparseCmd{ctx: ctx})

	prompts := addCmd(parser, "prompts", "Answer smart prompts", &struct{}{})
	addCmd(prompts, "list", "List smart prompts", &promptListCmd{ctx: ctx})
	addCmd(prompts, "answer", "Answer a pending prompt (yes/no/review)", &promptAnswerCmd{ctx: ctx})

	disputes := addCmd(parser, "disputes", "Track dispute cases", &struct{}{})
	addCmd(disputes, "list", "List dispute cases", &disputeListCmd{ctx: ctx})
	addCmd(disputes, "get", "Show one dispute case", &disputeGetCmd{ctx: ctx})
	addCmd(disputes, "file", "Record the provider-side filing status", &disputeFileCmd{ctx: ctx})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	return exitOK
}

type adder interface {
	AddCommand(string, string, string, any) (*flags.Command, error)
}

func addCmd(to adder, name, short string, cmd any) *flags.Command {
	c, err := to.AddCommand(name, short, "", cmd)
	if err != nil {
		panic(fmt.Sprintf("add command %s: %v", name, err))
	}
	return c
}

// newClient builds an SDK client from the global options.
func newClient() (*recoup.Client, error) {
	if opts.SellerID == "" || opts.APIKey == "" {
		return nil, &flags.Error{
			Type:    flags.ErrRequired,
			Message: "seller credentials required: set RECOUP_SELLER_ID and RECOUP_API_KEY or pass --seller-id/--api-key",
		}
	}
	return recoup.NewClient(recoup.Config{
		BaseURL:  opts.URL,
		SellerID: opts.SellerID,
		APIKey:   opts.APIKey,
	})
}

// exitCode maps an error to the documented exit codes.
func exitCode(err error) int {
	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) {
		return exitUsage
	}
	switch {
	case recoup.IsNotFound(err):
		return exitNotFound
	case recoup.IsConflict(err):
		return exitConflict
	case recoup.IsInvalidInput(err):
		return exitUsage
	default:
		// Auth, rate limiting, server and transport failures all land here.
		return exitServer
	}
}

// streamingHTTPClient returns a client without a global timeout so
// long-lived event streams are not cut short.
func streamingHTTPClient() *http.Client {
	return &http.Client{}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type versionCmd struct{}

func (c *versionCmd) Execute(_ []string) error {
	fmt.Println("recoupctl", version)
	return nil
}

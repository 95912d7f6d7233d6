package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"

	"github.com/recoup-ai/recoup/sdk/go/recoup"
)

// idArg is the positional UUID argument shared by get/cancel/delete commands.
type idArg struct {
	ID string `positional-arg-name:"ID" required:"yes" description:"Resource UUID"`
}

func (a idArg) parse() (uuid.UUID, error) {
	return parseUUID(a.ID)
}

// parseUUID returns a flags error so a malformed ID exits with the usage
// code rather than the server-error code.
func parseUUID(v string) (uuid.UUID, error) {
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, &flags.Error{
			Type:    flags.ErrMarshal,
			Message: fmt.Sprintf("invalid UUID %q: %v", v, err),
		}
	}
	return id, nil
}

type healthCmd struct {
	ctx context.Context
}

func (c *healthCmd) Execute(_ []string) error {
	client, err := recoup.NewClient(recoup.Config{
		BaseURL: opts.URL,
		// Health needs no credentials, but the client constructor requires
		// them; placeholders are never sent.
		SellerID: "health-check",
		APIKey:   "health-check",
	})
	if err != nil {
		return err
	}
	health, err := client.Health(c.ctx)
	if err != nil {
		return err
	}
	return printJSON(health)
}

// ---------------------------------------------------------------------------
// Connections
// ---------------------------------------------------------------------------

type connCreateCmd struct {
	ctx context.Context

	Provider     string   `long:"provider" required:"yes" description:"Provider name (e.g. amazon)"`
	AccessToken  string   `long:"access-token" env:"RECOUP_PROVIDER_ACCESS_TOKEN" required:"yes" description:"Provider OAuth access token"`
	RefreshToken string   `long:"refresh-token" env:"RECOUP_PROVIDER_REFRESH_TOKEN" description:"Provider OAuth refresh token"`
	Scopes       []string `long:"scope" description:"Requested scope (repeatable)"`
}

func (c *connCreateCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	conn, err := client.CreateConnection(c.ctx, recoup.CreateConnectionRequest{
		Provider: c.Provider,
		Credentials: recoup.Credentials{
			AccessToken:  c.AccessToken,
			RefreshToken: c.RefreshToken,
		},
		Scopes: c.Scopes,
	})
	if err != nil {
		return err
	}
	return printJSON(conn)
}

type connListCmd struct {
	ctx context.Context
}

func (c *connListCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	conns, err := client.ListConnections(c.ctx)
	if err != nil {
		return err
	}
	return printJSON(conns)
}

type connDeleteCmd struct {
	ctx context.Context

	Args idArg `positional-args:"yes"`
}

func (c *connDeleteCmd) Execute(_ []string) error {
	id, err := c.Args.parse()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.DeleteConnection(c.ctx, id); err != nil {
		return err
	}
	fmt.Println("deleted", id)
	return nil
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

type syncStartCmd struct {
	ctx context.Context

	Months      int      `long:"months" description:"Sync window in months (server default when omitted)"`
	Priority    int      `long:"priority" description:"Job priority (lower number runs first)"`
	ReportTypes []string `long:"report-type" description:"Report type to sync (repeatable; all when omitted)"`
}

func (c *syncStartCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	req := recoup.StartSyncRequest{ReportTypes: c.ReportTypes}
	if c.Months > 0 {
		req.WindowMonths = &c.Months
	}
	if c.Priority > 0 {
		req.Priority = &c.Priority
	}
	enq, err := client.StartSync(c.ctx, req)
	if err != nil {
		return err
	}
	return printJSON(enq)
}

type syncStatusCmd struct {
	ctx context.Context

	ReportType string `long:"report-type" description:"Limit to one report type"`
}

func (c *syncStatusCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	statuses, err := client.SyncStatus(c.ctx, c.ReportType)
	if err != nil {
		return err
	}
	return printJSON(statuses)
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

type jobListCmd struct {
	ctx context.Context

	State string `long:"state" description:"Filter by job state (queued/running/completed/failed/cancelled)"`
	Limit int    `long:"limit" default:"20" description:"Maximum jobs to return"`
}

func (c *jobListCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	jobs, err := client.ListJobs(c.ctx, c.State, c.Limit)
	if err != nil {
		return err
	}
	return printJSON(jobs)
}

type jobGetCmd struct {
	ctx context.Context

	Args idArg `positional-args:"yes"`
}

func (c *jobGetCmd) Execute(_ []string) error {
	id, err := c.Args.parse()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	job, err := client.GetJob(c.ctx, id)
	if err != nil {
		return err
	}
	return printJSON(job)
}

type jobCancelCmd struct {
	ctx context.Context

	Args idArg `positional-args:"yes"`
}

func (c *jobCancelCmd) Execute(_ []string) error {
	id, err := c.Args.parse()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	enq, err := client.CancelJob(c.ctx, id)
	if err != nil {
		return err
	}
	return printJSON(enq)
}

type jobWatchCmd struct {
	ctx context.Context

	Args idArg `positional-args:"yes"`
}

func (c *jobWatchCmd) Execute(_ []string) error {
	id, err := c.Args.parse()
	if err != nil {
		return err
	}
	// The stream outlives any per-request timeout, so use a dedicated
	// client with no global Timeout.
	client, err := recoup.NewClient(recoup.Config{
		BaseURL:    opts.URL,
		SellerID:   opts.SellerID,
		APIKey:     opts.APIKey,
		HTTPClient: streamingHTTPClient(),
	})
	if err != nil {
		return err
	}
	return client.WatchJob(c.ctx, id, func(ev recoup.Event) error {
		switch ev.Type {
		case "progress":
			fmt.Printf("%s  %s %d/%d %s\n", ev.At.Format(time.TimeOnly), ev.Type, ev.Current, ev.Total, ev.ReportType)
		case "log":
			fmt.Printf("%s  %s [%s] %s\n", ev.At.Format(time.TimeOnly), ev.Type, ev.Level, ev.Message)
		default:
			fmt.Printf("%s  %s %s\n", ev.At.Format(time.TimeOnly), ev.Type, ev.Message)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

type recordListCmd struct {
	ctx context.Context

	ReportType string `long:"report-type" description:"Filter by report type"`
	RecordType string `long:"record-type" description:"Filter by record type"`
	From       string `long:"from" description:"Start date (YYYY-MM-DD)"`
	To         string `long:"to" description:"End date (YYYY-MM-DD)"`
	Limit      int    `long:"limit" default:"50" description:"Maximum records to return"`
	Offset     int    `long:"offset" description:"Pagination offset"`
}

func (c *recordListCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	records, err := client.ListRecords(c.ctx, &recoup.RecordOptions{
		ReportType: c.ReportType,
		RecordType: c.RecordType,
		From:       c.From,
		To:         c.To,
		Limit:      c.Limit,
		Offset:     c.Offset,
	})
	if err != nil {
		return err
	}
	return printJSON(records)
}

type recordGetCmd struct {
	ctx context.Context

	Args idArg `positional-args:"yes"`
}

func (c *recordGetCmd) Execute(_ []string) error {
	id, err := c.Args.parse()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	record, err := client.GetRecord(c.ctx, id)
	if err != nil {
		return err
	}
	return printJSON(record)
}

// ---------------------------------------------------------------------------
// Claims and matching
// ---------------------------------------------------------------------------

type claimListCmd struct {
	ctx context.Context

	State    string `long:"state" description:"Filter by claim state (pending/reviewed/disputed/resolved)"`
	Category string `long:"category" description:"Filter by claim category"`
	Limit    int    `long:"limit" default:"50" description:"Maximum claims to return"`
	Offset   int    `long:"offset" description:"Pagination offset"`
}

func (c *claimListCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	claims, err := client.ListClaims(c.ctx, &recoup.ClaimOptions{
		State:    c.State,
		Category: c.Category,
		Limit:    c.Limit,
		Offset:   c.Offset,
	})
	if err != nil {
		return err
	}
	return printJSON(claims)
}

type claimGetCmd struct {
	ctx context.Context

	Args idArg `positional-args:"yes"`
}

func (c *claimGetCmd) Execute(_ []string) error {
	id, err := c.Args.parse()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	detail, err := client.GetClaim(c.ctx, id)
	if err != nil {
		return err
	}
	return printJSON(detail)
}

type matchingStartCmd struct {
	ctx context.Context
}

func (c *matchingStartCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	enq, err := client.StartMatching(c.ctx)
	if err != nil {
		return err
	}
	return printJSON(enq)
}

type matchListCmd struct {
	ctx context.Context

	ClaimID string `long:"claim-id" description:"Filter by claim UUID"`
	Action  string `long:"action" description:"Filter by routed action"`
	Limit   int    `long:"limit" default:"50" description:"Maximum matches to return"`
	Offset  int    `long:"offset" description:"Pagination offset"`
}

func (c *matchListCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	mo := &recoup.MatchOptions{Action: c.Action, Limit: c.Limit, Offset: c.Offset}
	if c.ClaimID != "" {
		id, err := parseUUID(c.ClaimID)
		if err != nil {
			return err
		}
		mo.ClaimID = &id
	}
	matches, err := client.ListMatches(c.ctx, mo)
	if err != nil {
		return err
	}
	return printJSON(matches)
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

type docListCmd struct {
	ctx context.Context

	ParserStatus string `long:"parser-status" description:"Filter by parser status (pending/submitted/parsed/failed)"`
	Limit        int    `long:"limit" default:"50" description:"Maximum documents to return"`
	Offset       int    `long:"offset" description:"Pagination offset"`
}

func (c *docListCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	docs, err := client.ListDocuments(c.ctx, &recoup.DocumentOptions{
		ParserStatus: c.ParserStatus,
		Limit:        c.Limit,
		Offset:       c.Offset,
	})
	if err != nil {
		return err
	}
	return printJSON(docs)
}

type docGetCmd struct {
	ctx context.Context

	Args idArg `positional-args:"yes"`
}

func (c *docGetCmd) Execute(_ []string) error {
	id, err := c.Args.parse()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	doc, err := client.GetDocument(c.ctx, id)
	if err != nil {
		return err
	}
	return printJSON(doc)
}

type docIngestCmd struct {
	ctx context.Context
}

func (c *docIngestCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	enq, err := client.StartDocumentIngest(c.ctx)
	if err != nil {
		return err
	}
	return printJSON(enq)
}

type docReindexCmd struct {
	ctx context.Context
}

func (c *docReindexCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	changed, err := client.ReindexDocuments(c.ctx)
	if err != nil {
		return err
	}
	fmt.Println("documents changed:", changed)
	return nil
}

type docReparseCmd struct {
	ctx context.Context

	Args idArg `positional-args:"yes"`
}

func (c *docReparseCmd) Execute(_ []string) error {
	id, err := c.Args.parse()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	enq, err := client.ReparseDocument(c.ctx, id)
	if err != nil {
		return err
	}
	return printJSON(enq)
}

// ---------------------------------------------------------------------------
// Prompts and disputes
// ---------------------------------------------------------------------------

type promptListCmd struct {
	ctx context.Context

	Status string `long:"status" description:"Filter by prompt status (pending/answered/expired)"`
	Limit  int    `long:"limit" default:"50" description:"Maximum prompts to return"`
	Offset int    `long:"offset" description:"Pagination offset"`
}

func (c *promptListCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	prompts, err := client.ListPrompts(c.ctx, c.Status, c.Limit, c.Offset)
	if err != nil {
		return err
	}
	return printJSON(prompts)
}

type promptAnswerCmd struct {
	ctx context.Context

	Args struct {
		ID     string `positional-arg-name:"ID" required:"yes" description:"Prompt UUID"`
		Answer string `positional-arg-name:"ANSWER" required:"yes" choice:"yes" choice:"no" choice:"review" description:"Answer"`
	} `positional-args:"yes"`
}

func (c *promptAnswerCmd) Execute(_ []string) error {
	id, err := parseUUID(c.Args.ID)
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	prompt, err := client.AnswerPrompt(c.ctx, id, c.Args.Answer)
	if err != nil {
		return err
	}
	return printJSON(prompt)
}

type disputeListCmd struct {
	ctx context.Context

	Status string `long:"status" description:"Filter by filing status (pending/submitted/accepted/rejected)"`
	Limit  int    `long:"limit" default:"50" description:"Maximum disputes to return"`
	Offset int    `long:"offset" description:"Pagination offset"`
}

func (c *disputeListCmd) Execute(_ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	disputes, err := client.ListDisputes(c.ctx, c.Status, c.Limit, c.Offset)
	if err != nil {
		return err
	}
	return printJSON(disputes)
}

type disputeGetCmd struct {
	ctx context.Context

	Args idArg `positional-args:"yes"`
}

func (c *disputeGetCmd) Execute(_ []string) error {
	id, err := c.Args.parse()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	dispute, err := client.GetDispute(c.ctx, id)
	if err != nil {
		return err
	}
	return printJSON(dispute)
}

type disputeFileCmd struct {
	ctx context.Context

	Status        string `long:"status" required:"yes" choice:"pending" choice:"submitted" choice:"accepted" choice:"rejected" description:"Filing status"`
	SubmissionRef string `long:"ref" description:"Provider-side case reference"`

	Args idArg `positional-args:"yes"`
}

func (c *disputeFileCmd) Execute(_ []string) error {
	id, err := c.Args.parse()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	var ref *string
	if c.SubmissionRef != "" {
		ref = &c.SubmissionRef
	}
	dispute, err := client.UpdateDisputeFiling(c.ctx, id, c.Status, ref)
	if err != nil {
		return err
	}
	return printJSON(dispute)
}

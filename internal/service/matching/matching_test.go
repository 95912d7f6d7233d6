package matching_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoup-ai/recoup/internal/match"
	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/route"
	"github.com/recoup-ai/recoup/internal/service/matching"
	"github.com/recoup-ai/recoup/internal/storage"
	"github.com/recoup-ai/recoup/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	ctx := context.Background()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "test db: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func newService() *matching.Service {
	logger := testutil.TestLogger()
	router := route.NewRouter(testDB, nil, 0.85, 0.50, logger)
	return matching.New(testDB, match.NewEngine(nil), router, nil, 10, logger)
}

func createSeller(t *testing.T) model.Seller {
	t.Helper()
	seller, err := testDB.CreateSeller(context.Background(), model.Seller{
		Name: "seller-" + uuid.New().String()[:8],
	})
	require.NoError(t, err)
	return seller
}

func createClaim(t *testing.T, sellerID uuid.UUID, rule string, ids model.Identifiers) model.ClaimCandidate {
	t.Helper()
	now := time.Now().UTC()
	c := model.ClaimCandidate{
		ID:             uuid.New(),
		SellerID:       sellerID,
		Category:       model.CategoryFeeError,
		Subcategory:    model.SubcategoryOrderFee,
		ReasonCode:     model.ReasonFeeOvercharge,
		State:          model.ClaimPending,
		Identifiers:    ids,
		Amount:         decimal.NewFromFloat(7.50),
		Currency:       "USD",
		DiscoveryDate:  now,
		DeadlineDate:   now.Add(model.ClaimDeadline),
		ConfidenceSeed: 0.6,
		Rule:           rule,
		SourceRecordID: uuid.New(),
	}
	_, err := testDB.UpsertCandidates(context.Background(), []model.ClaimCandidate{c})
	require.NoError(t, err)
	return c
}

func createParsedDocument(t *testing.T, sellerID uuid.UUID, filename string, extracted model.Extraction, rawText *string) model.EvidenceDocument {
	t.Helper()
	ctx := context.Background()
	ref := "drive/" + filename
	doc, _, err := testDB.UpsertDocument(ctx, model.EvidenceDocument{
		SellerID:    sellerID,
		Provider:    "fake",
		Filename:    filename,
		ContentSize: 128,
		ExternalRef: &ref,
	})
	require.NoError(t, err)
	require.NoError(t, testDB.CompleteDocumentParse(ctx, doc.ID, "invoice", nil, extracted, rawText))
	got, err := testDB.GetDocument(ctx, sellerID, doc.ID)
	require.NoError(t, err)
	return got
}

func claimMatchingJob(t *testing.T, sellerID uuid.UUID) model.SyncJob {
	t.Helper()
	ctx := context.Background()
	_, err := testDB.EnqueueJob(ctx, model.SyncJob{
		SellerID:    sellerID,
		Kind:        model.JobMatching,
		ReportTypes: []model.ReportType{},
	})
	require.NoError(t, err)
	job, err := testDB.ClaimJob(ctx, []model.JobKind{model.JobMatching}, "test-worker", time.Minute, 3)
	require.NoError(t, err)
	return job
}

func TestMatchingPassRoutesByConfidence(t *testing.T) {
	ctx := context.Background()
	seller := createSeller(t)

	orderID := "111-1234567-0000001"
	var autoIDs model.Identifiers
	autoIDs.Set(model.MatchOrderID, orderID)
	autoClaim := createClaim(t, seller.ID, "rule-a", autoIDs)

	var promptIDs model.Identifiers
	promptIDs.Set(model.MatchSKU, "WIDGET-BLUE-L")
	promptClaim := createClaim(t, seller.ID, "rule-b", promptIDs)

	unmatched := createClaim(t, seller.ID, "rule-c", model.Identifiers{})

	createParsedDocument(t, seller.ID, "order.pdf", model.Extraction{
		OrderIDs: []string{orderID},
		SKUs:     []string{"WIDGET-BLUE-L"},
	}, nil)

	job := claimMatchingJob(t, seller.ID)
	require.NoError(t, newService().Run(ctx, job))

	got, err := testDB.GetJob(ctx, seller.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.State)

	// order_id baseline 0.95 with full parser confidence clears the auto
	// threshold: claim disputed, dispute case opened.
	c, err := testDB.GetClaim(ctx, seller.ID, autoClaim.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimDisputed, c.State)
	_, err = testDB.GetDisputeByClaim(ctx, seller.ID, autoClaim.ID)
	require.NoError(t, err)

	// sku baseline 0.68 lands between the thresholds: claim reviewed with a
	// pending smart prompt.
	c, err = testDB.GetClaim(ctx, seller.ID, promptClaim.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimReviewed, c.State)
	prompts, err := testDB.ListPrompts(ctx, seller.ID, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, promptClaim.ID, prompts[0].ClaimID)
	assert.Contains(t, prompts[0].Question, "68%")

	// No identifiers, no match: the claim does not move.
	c, err = testDB.GetClaim(ctx, seller.ID, unmatched.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimPending, c.State)

	matches, err := testDB.ListMatches(ctx, seller.ID, storage.MatchFilter{})
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestMatchingRerunConverges(t *testing.T) {
	ctx := context.Background()
	seller := createSeller(t)

	var ids model.Identifiers
	ids.Set(model.MatchOrderID, "111-7654321-0000002")
	claim := createClaim(t, seller.ID, "rule-a", ids)
	createParsedDocument(t, seller.ID, "order2.pdf", model.Extraction{
		OrderIDs: []string{"111-7654321-0000002"},
	}, nil)

	svc := newService()
	require.NoError(t, svc.Run(ctx, claimMatchingJob(t, seller.ID)))
	require.NoError(t, svc.Run(ctx, claimMatchingJob(t, seller.ID)))

	matches, err := testDB.ListMatches(ctx, seller.ID, storage.MatchFilter{})
	require.NoError(t, err)
	assert.Len(t, matches, 1, "re-running a pass must not duplicate matches")

	c, err := testDB.GetClaim(ctx, seller.ID, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimDisputed, c.State)
}

func TestReindexMergesSalvage(t *testing.T) {
	ctx := context.Background()
	seller := createSeller(t)

	// The parser missed the order id, but the raw text plainly contains it.
	raw := "Order confirmation for 111-1234567-7777777, thank you"
	doc := createParsedDocument(t, seller.ID, "missed.pdf", model.Extraction{}, &raw)

	changed, err := newService().Reindex(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got, err := testDB.GetDocument(ctx, seller.ID, doc.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Extracted.OrderIDs, "111-1234567-7777777")

	// A second pass finds nothing new.
	changed, err = newService().Reindex(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

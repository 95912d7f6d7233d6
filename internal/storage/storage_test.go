package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/storage"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "recoup",
			"POSTGRES_PASSWORD": "recoup",
			"POSTGRES_DB":       "recoup",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://recoup:recoup@%s:%s/recoup?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, dsn, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func createTestSeller(t *testing.T) model.Seller {
	t.Helper()
	seller, err := testDB.CreateSeller(context.Background(), model.Seller{
		Name: "seller-" + uuid.New().String()[:8],
	})
	require.NoError(t, err)
	return seller
}

func strPtr(s string) *string { return &s }

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestCreateAndGetSeller(t *testing.T) {
	ctx := context.Background()

	seller := createTestSeller(t)
	assert.Equal(t, "seller", seller.Role)
	assert.Equal(t, seller.ID, seller.TenantID)

	got, err := testDB.GetSeller(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, seller.ID, got.ID)
	assert.Equal(t, seller.Name, got.Name)
}

func TestGetSellerNotFound(t *testing.T) {
	_, err := testDB.GetSeller(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	conn, err := testDB.CreateConnection(ctx, model.SourceConnection{
		SellerID:    seller.ID,
		Provider:    "amazon",
		Credentials: []byte("sealed"),
		Scopes:      []string{"reports:read"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionActive, conn.Status)

	// A second connection to the same provider conflicts.
	_, err = testDB.CreateConnection(ctx, model.SourceConnection{
		SellerID:    seller.ID,
		Provider:    "amazon",
		Credentials: []byte("sealed2"),
	})
	require.ErrorIs(t, err, storage.ErrConflict)

	got, err := testDB.GetConnectionByProvider(ctx, seller.ID, "amazon")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, got.ID)
	assert.Equal(t, []byte("sealed"), got.Credentials)

	require.NoError(t, testDB.UpdateConnectionCredentials(ctx, conn.ID, []byte("rotated")))
	got, err = testDB.GetConnection(ctx, seller.ID, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), got.Credentials)
	assert.NotNil(t, got.LastOKAt)

	require.NoError(t, testDB.UpdateConnectionStatus(ctx, conn.ID, model.ConnectionExpired))
	got, err = testDB.GetConnection(ctx, seller.ID, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionExpired, got.Status)

	require.NoError(t, testDB.DeleteConnection(ctx, seller.ID, conn.ID))
	_, err = testDB.GetConnection(ctx, seller.ID, conn.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConnectionSellerIsolation(t *testing.T) {
	ctx := context.Background()
	sellerA := createTestSeller(t)
	sellerB := createTestSeller(t)

	conn, err := testDB.CreateConnection(ctx, model.SourceConnection{
		SellerID:    sellerA.ID,
		Provider:    "amazon",
		Credentials: []byte("sealed"),
	})
	require.NoError(t, err)

	// Seller B cannot see or delete seller A's connection.
	_, err = testDB.GetConnection(ctx, sellerB.ID, conn.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	err = testDB.DeleteConnection(ctx, sellerB.ID, conn.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEnqueueJobRejectsDuplicateActive(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	_, err := testDB.EnqueueJob(ctx, model.SyncJob{
		SellerID:    seller.ID,
		Kind:        model.JobFullSync,
		Priority:    5,
		ReportTypes: model.AllReportTypes(),
	})
	require.NoError(t, err)

	_, err = testDB.EnqueueJob(ctx, model.SyncJob{
		SellerID: seller.ID,
		Kind:     model.JobFullSync,
	})
	require.ErrorIs(t, err, storage.ErrConflict)

	// A different kind is fine.
	_, err = testDB.EnqueueJob(ctx, model.SyncJob{
		SellerID: seller.ID,
		Kind:     model.JobMatching,
	})
	require.NoError(t, err)
}

func TestClaimJobLifecycle(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	queued, err := testDB.EnqueueJob(ctx, model.SyncJob{
		SellerID:    seller.ID,
		Kind:        model.JobFullSync,
		Priority:    5,
		ReportTypes: []model.ReportType{model.ReportOrders, model.ReportReturns},
	})
	require.NoError(t, err)

	claimed, err := testDB.ClaimJob(ctx, []model.JobKind{model.JobFullSync}, "worker-1", time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, claimed.ID)
	assert.Equal(t, model.JobRunning, claimed.State)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, []model.ReportType{model.ReportOrders, model.ReportReturns}, claimed.ReportTypes)
	require.NotNil(t, claimed.LockedBy)
	assert.Equal(t, "worker-1", *claimed.LockedBy)

	// The claimed job is invisible to a second worker.
	_, err = testDB.ClaimJob(ctx, []model.JobKind{model.JobFullSync}, "worker-2", time.Minute, 3)
	require.ErrorIs(t, err, storage.ErrNoJobs)

	require.NoError(t, testDB.CheckpointJob(ctx, claimed.ID, 2, 4, 18, 42))
	got, err := testDB.GetJob(ctx, seller.ID, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CheckpointWindow)
	assert.Equal(t, 4, got.CheckpointReport)
	assert.Equal(t, 18, got.ProgressCurrent)
	assert.Equal(t, 42, got.ProgressTotal)

	require.NoError(t, testDB.CompleteJob(ctx, claimed.ID))
	got, err = testDB.GetJob(ctx, seller.ID, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.State)
	assert.Nil(t, got.LockedBy)
}

func TestClaimJobHonorsPriority(t *testing.T) {
	ctx := context.Background()
	sellerLate := createTestSeller(t)
	sellerUrgent := createTestSeller(t)

	// Enqueued later, but a lower priority number claims first.
	_, err := testDB.EnqueueJob(ctx, model.SyncJob{SellerID: sellerLate.ID, Kind: model.JobDocumentIngest, Priority: 9})
	require.NoError(t, err)
	urgent, err := testDB.EnqueueJob(ctx, model.SyncJob{SellerID: sellerUrgent.ID, Kind: model.JobDocumentIngest, Priority: 1})
	require.NoError(t, err)

	claimed, err := testDB.ClaimJob(ctx, []model.JobKind{model.JobDocumentIngest}, "worker-1", time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, claimed.ID, "lower priority number claims first")
}

func TestFailJobRequeuesThenFails(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	job, err := testDB.EnqueueJob(ctx, model.SyncJob{SellerID: seller.ID, Kind: model.JobFullSync})
	require.NoError(t, err)

	// Tiny base delay keeps the backoff claimable within the test.
	base := time.Millisecond
	maxAttempts := 3

	for attempt := 1; attempt < maxAttempts; attempt++ {
		claimed, err := testDB.ClaimJob(ctx, []model.JobKind{model.JobFullSync}, "worker-1", time.Minute, maxAttempts)
		require.NoError(t, err)
		assert.Equal(t, job.ID, claimed.ID)
		assert.Equal(t, attempt, claimed.Attempts)

		state, err := testDB.FailJob(ctx, claimed.ID, "provider unavailable", maxAttempts, base)
		require.NoError(t, err)
		assert.Equal(t, model.JobQueued, state, "attempts remain, job requeues")

		time.Sleep(20 * time.Millisecond) // let the backoff pass
	}

	claimed, err := testDB.ClaimJob(ctx, []model.JobKind{model.JobFullSync}, "worker-1", time.Minute, maxAttempts)
	require.NoError(t, err)
	assert.Equal(t, maxAttempts, claimed.Attempts)

	state, err := testDB.FailJob(ctx, claimed.ID, "provider unavailable", maxAttempts, base)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, state, "attempt budget spent")

	got, err := testDB.GetJob(ctx, seller.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.State)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "provider unavailable", *got.LastError)

	// A failed job is terminal; nothing left to claim.
	_, err = testDB.ClaimJob(ctx, []model.JobKind{model.JobFullSync}, "worker-1", time.Minute, maxAttempts)
	require.ErrorIs(t, err, storage.ErrNoJobs)
}

func TestClaimJobReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	_, err := testDB.EnqueueJob(ctx, model.SyncJob{SellerID: seller.ID, Kind: model.JobMatching})
	require.NoError(t, err)

	// First worker claims with an already-expired lease, simulating a crash.
	first, err := testDB.ClaimJob(ctx, []model.JobKind{model.JobMatching}, "worker-1", -time.Second, 3)
	require.NoError(t, err)

	second, err := testDB.ClaimJob(ctx, []model.JobKind{model.JobMatching}, "worker-2", time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
	require.NotNil(t, second.LockedBy)
	assert.Equal(t, "worker-2", *second.LockedBy)

	// The crashed worker can no longer extend its lease.
	err = testDB.ExtendLease(ctx, first.ID, "worker-1", time.Now().Add(time.Minute))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	// Queued cancels immediately.
	queued, err := testDB.EnqueueJob(ctx, model.SyncJob{SellerID: seller.ID, Kind: model.JobFullSync})
	require.NoError(t, err)
	state, err := testDB.CancelJob(ctx, seller.ID, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, state)

	// Cancelling a terminal job conflicts.
	_, err = testDB.CancelJob(ctx, seller.ID, queued.ID)
	require.ErrorIs(t, err, storage.ErrConflict)

	// Running gets a cancel request; the runner acknowledges it.
	job, err := testDB.EnqueueJob(ctx, model.SyncJob{SellerID: seller.ID, Kind: model.JobFullSync})
	require.NoError(t, err)
	claimed, err := testDB.ClaimJob(ctx, []model.JobKind{model.JobFullSync}, "worker-1", time.Minute, 3)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	state, err = testDB.CancelJob(ctx, seller.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, state, "running job keeps running until the runner stops")

	requested, err := testDB.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, testDB.MarkJobCancelled(ctx, job.ID))
	got, err := testDB.GetJob(ctx, seller.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.State)
}

func TestStoreRecordsUpsertMerge(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	window := &model.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	records := []model.LedgerRecord{
		{
			SellerID:   seller.ID,
			ReportType: model.ReportOrders,
			RecordType: model.RecordOrder,
			Amount:     decimal.RequireFromString("42.50"),
			Currency:   "USD",
			RecordDate: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
			SKU:        strPtr("SKU-RED-M"),
			OrderID:    strPtr("112-7366182-4545919"),
			Source:     "amazon",
			ExternalID: strPtr("112-7366182-4545919"),
			Metadata:   map[string]any{"total_fees": 6.42},
		},
		{
			SellerID:   seller.ID,
			ReportType: model.ReportOrders,
			RecordType: model.RecordOrder,
			Amount:     decimal.RequireFromString("19.99"),
			Currency:   "USD",
			RecordDate: time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC),
			Source:     "amazon",
		},
	}

	res, err := testDB.StoreRecords(ctx, seller.ID, model.ReportOrders, records, window, 1000)
	require.NoError(t, err)
	assert.Equal(t, storage.StoreResult{Inserted: 2, Updated: 0, Skipped: 0}, res)

	// Re-sync the same order: amount changes, the missing sku must survive.
	resync := []model.LedgerRecord{{
		SellerID:   seller.ID,
		ReportType: model.ReportOrders,
		RecordType: model.RecordOrder,
		Amount:     decimal.RequireFromString("45.00"),
		Currency:   "USD",
		RecordDate: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		OrderID:    strPtr("112-7366182-4545919"),
		Source:     "amazon",
		ExternalID: strPtr("112-7366182-4545919"),
	}}
	res, err = testDB.StoreRecords(ctx, seller.ID, model.ReportOrders, resync, window, 1000)
	require.NoError(t, err)
	assert.Equal(t, storage.StoreResult{Inserted: 0, Updated: 1, Skipped: 0}, res)

	rt := model.ReportOrders
	got, err := testDB.QueryRecords(ctx, seller.ID, storage.RecordFilter{ReportType: &rt})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest record_date first.
	assert.True(t, got[0].RecordDate.After(got[1].RecordDate))

	var merged model.LedgerRecord
	for _, r := range got {
		if r.ExternalID != nil {
			merged = r
		}
	}
	assert.True(t, merged.Amount.Equal(decimal.RequireFromString("45.00")))
	require.NotNil(t, merged.SKU, "null incoming sku must not clobber the stored one")
	assert.Equal(t, "SKU-RED-M", *merged.SKU)
	assert.Equal(t, 6.42, merged.Metadata["total_fees"], "metadata merges")

	statuses, err := testDB.GetSyncStatus(ctx, seller.ID, &rt)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, model.SyncCompleted, statuses[0].State)
	assert.Equal(t, 3, statuses[0].RecordsProcessed)
}

func TestStoreRecordsSkipsInBatchDuplicates(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	records := []model.LedgerRecord{
		{
			SellerID: seller.ID, ReportType: model.ReportReturns, RecordType: model.RecordReturn,
			Amount: decimal.RequireFromString("10.00"), Currency: "USD",
			RecordDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			Source:     "amazon", ExternalID: strPtr("ret-1"),
		},
		{
			SellerID: seller.ID, ReportType: model.ReportReturns, RecordType: model.RecordReturn,
			Amount: decimal.RequireFromString("12.00"), Currency: "USD",
			RecordDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			Source:     "amazon", ExternalID: strPtr("ret-1"),
		},
	}

	res, err := testDB.StoreRecords(ctx, seller.ID, model.ReportReturns, records, nil, 1000)
	require.NoError(t, err)
	assert.Equal(t, storage.StoreResult{Inserted: 1, Updated: 0, Skipped: 1}, res)

	rt := model.ReportReturns
	got, err := testDB.QueryRecords(ctx, seller.ID, storage.RecordFilter{ReportType: &rt})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Amount.Equal(decimal.RequireFromString("12.00")), "last occurrence wins")
}

func TestStoreRecordsSellerIsolation(t *testing.T) {
	ctx := context.Background()
	sellerA := createTestSeller(t)
	sellerB := createTestSeller(t)

	mk := func(sellerID uuid.UUID) []model.LedgerRecord {
		return []model.LedgerRecord{{
			SellerID: sellerID, ReportType: model.ReportOrders, RecordType: model.RecordOrder,
			Amount: decimal.RequireFromString("5.00"), Currency: "USD",
			RecordDate: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
			Source:     "amazon", ExternalID: strPtr("shared-ext-id"),
		}}
	}

	_, err := testDB.StoreRecords(ctx, sellerA.ID, model.ReportOrders, mk(sellerA.ID), nil, 1000)
	require.NoError(t, err)
	_, err = testDB.StoreRecords(ctx, sellerB.ID, model.ReportOrders, mk(sellerB.ID), nil, 1000)
	require.NoError(t, err)

	gotA, err := testDB.QueryRecords(ctx, sellerA.ID, storage.RecordFilter{})
	require.NoError(t, err)
	gotB, err := testDB.QueryRecords(ctx, sellerB.ID, storage.RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, gotA, 1)
	assert.Len(t, gotB, 1)
	assert.NotEqual(t, gotA[0].ID, gotB[0].ID, "same external id, different sellers, different rows")
}

func TestQueryRecordsDateFilter(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	var records []model.LedgerRecord
	for month := time.January; month <= time.June; month++ {
		records = append(records, model.LedgerRecord{
			SellerID: seller.ID, ReportType: model.ReportSettlements, RecordType: model.RecordSettlement,
			Amount: decimal.RequireFromString("100.00"), Currency: "USD",
			RecordDate: time.Date(2026, month, 1, 0, 0, 0, 0, time.UTC),
			Source:     "amazon", ExternalID: strPtr(fmt.Sprintf("settle-%d", month)),
		})
	}
	_, err := testDB.StoreRecords(ctx, seller.ID, model.ReportSettlements, records, nil, 1000)
	require.NoError(t, err)

	got, err := testDB.QueryRecords(ctx, seller.ID, storage.RecordFilter{
		From: datePtr(2026, time.February, 1),
		To:   datePtr(2026, time.April, 30),
	})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	count, err := testDB.CountRecords(ctx, seller.ID, storage.RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
}

func TestUpsertCandidatesIdempotent(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)
	sourceID := uuid.New()

	candidate := model.ClaimCandidate{
		SellerID:       seller.ID,
		Category:       model.CategoryFeeError,
		Subcategory:    model.SubcategoryOrderFee,
		ReasonCode:     model.ReasonFeeOvercharge,
		Identifiers:    model.Identifiers{OrderID: strPtr("112-0000000-0000001")},
		Amount:         decimal.RequireFromString("6.42"),
		Currency:       "USD",
		DiscoveryDate:  time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		DeadlineDate:   time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
		ConfidenceSeed: 0.7,
		Rule:           "fee_anomaly",
		SourceRecordID: sourceID,
	}

	created, err := testDB.UpsertCandidates(ctx, []model.ClaimCandidate{candidate})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	claims, err := testDB.ListClaims(ctx, seller.ID, storage.ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, model.ClaimPending, claims[0].State)
	require.NotNil(t, claims[0].Identifiers.OrderID)
	assert.Equal(t, "112-0000000-0000001", *claims[0].Identifiers.OrderID)

	// The seller reviews the claim; regeneration must not reset it.
	require.NoError(t, testDB.UpdateClaimState(ctx, seller.ID, claims[0].ID, model.ClaimReviewed))

	created, err = testDB.UpsertCandidates(ctx, []model.ClaimCandidate{candidate})
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	got, err := testDB.GetClaim(ctx, seller.ID, claims[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimReviewed, got.State, "regeneration preserves reviewed state")
}

func TestDocumentUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	doc := model.EvidenceDocument{
		SellerID:    seller.ID,
		Provider:    "gmail",
		Filename:    "invoice-march.pdf",
		ContentSize: 52341,
		ExternalRef: strPtr("msg-18c9a2"),
	}

	first, created, err := testDB.UpsertDocument(ctx, doc)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.ParsePending, first.ParserStatus)

	second, created, err := testDB.UpsertDocument(ctx, doc)
	require.NoError(t, err)
	assert.False(t, created, "same external ref is a no-op")
	assert.Equal(t, first.ID, second.ID)
}

func TestDocumentParseLifecycle(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)

	doc, _, err := testDB.UpsertDocument(ctx, model.EvidenceDocument{
		SellerID: seller.ID,
		Provider: "upload",
		Filename: "bol-7741.pdf",
	})
	require.NoError(t, err)

	require.NoError(t, testDB.MarkDocumentSubmitted(ctx, doc.ID, "parse-job-991"))
	got, err := testDB.GetDocument(ctx, seller.ID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ParseProcessing, got.ParserStatus)
	require.NotNil(t, got.ParseJobID)
	assert.Equal(t, "parse-job-991", *got.ParseJobID)

	conf := 0.93
	extracted := model.Extraction{
		OrderIDs:   []string{"112-7366182-4545919"},
		BOLNumbers: []string{"BOL-7741"},
	}
	require.NoError(t, testDB.CompleteDocumentParse(ctx, doc.ID, "bill_of_lading", &conf, extracted, strPtr("raw body")))

	got, err = testDB.GetDocument(ctx, seller.ID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ParseCompleted, got.ParserStatus)
	assert.Equal(t, "bill_of_lading", got.DocType)
	require.NotNil(t, got.ParserConfidence)
	assert.InDelta(t, 0.93, *got.ParserConfidence, 1e-6)
	assert.Equal(t, []string{"112-7366182-4545919"}, got.Extracted.OrderIDs)
	assert.Equal(t, []string{"BOL-7741"}, got.Extracted.BOLNumbers)

	docs, err := testDB.ListDocumentsForMatching(ctx, seller.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestApplyAutoMatchConverges(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)
	claim, doc := createClaimAndDoc(t, seller.ID)

	match := model.MatchResult{
		ClaimID:         claim.ID,
		DocumentID:      doc.ID,
		MatchType:       model.MatchOrderID,
		MatchedFields:   []string{"order_id:112-7366182-4545919"},
		RuleScore:       0.95,
		FinalConfidence: 0.95,
		Reasoning:       "order_id 112-7366182-4545919 found in invoice.pdf",
		Action:          model.ActionAutoSubmit,
	}

	require.NoError(t, testDB.ApplyAutoMatch(ctx, seller.ID, match))
	require.NoError(t, testDB.ApplyAutoMatch(ctx, seller.ID, match), "re-apply must converge")

	matches, err := testDB.ListMatches(ctx, seller.ID, storage.MatchFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, model.ActionAutoSubmit, matches[0].Action)

	links, err := testDB.ListLinksForClaim(ctx, seller.ID, claim.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, model.LinkAutoMatch, links[0].LinkKind)

	got, err := testDB.GetClaim(ctx, seller.ID, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimDisputed, got.State)

	dispute, err := testDB.GetDisputeByClaim(ctx, seller.ID, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingPending, dispute.FilingStatus)

	disputes, err := testDB.ListDisputes(ctx, seller.ID, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, disputes, 1, "exactly one dispute case per claim")
}

func TestApplyPromptMatchCreatesOnePrompt(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)
	claim, doc := createClaimAndDoc(t, seller.ID)

	match := model.MatchResult{
		ClaimID:         claim.ID,
		DocumentID:      doc.ID,
		MatchType:       model.MatchSKU,
		MatchedFields:   []string{"sku:SKU-RED-M"},
		RuleScore:       0.85,
		FinalConfidence: 0.68,
		Reasoning:       "sku SKU-RED-M found in invoice.pdf",
		Action:          model.ActionSmartPrompt,
	}

	created, err := testDB.ApplyPromptMatch(ctx, seller.ID, match, "Does invoice.pdf support this claim?")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = testDB.ApplyPromptMatch(ctx, seller.ID, match, "Does invoice.pdf support this claim?")
	require.NoError(t, err)
	assert.False(t, created, "second run must not duplicate the prompt")

	prompts, err := testDB.ListPrompts(ctx, seller.ID, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, model.PromptPending, prompts[0].Status)
	assert.Equal(t, []string{"yes", "no", "review"}, prompts[0].Options)

	got, err := testDB.GetClaim(ctx, seller.ID, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimReviewed, got.State)
}

func TestAnswerPromptYes(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)
	prompt := createPendingPrompt(t, seller.ID)

	answered, err := testDB.AnswerPrompt(ctx, seller.ID, prompt.ID, model.PromptAnswerYes)
	require.NoError(t, err)
	assert.Equal(t, model.PromptAnswered, answered.Status)
	require.NotNil(t, answered.Answer)
	assert.Equal(t, "yes", *answered.Answer)

	links, err := testDB.ListLinksForClaim(ctx, seller.ID, prompt.ClaimID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, model.LinkAutoMatch, links[0].LinkKind, "yes upgrades the link")

	claim, err := testDB.GetClaim(ctx, seller.ID, prompt.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimDisputed, claim.State)

	_, err = testDB.GetDisputeByClaim(ctx, seller.ID, prompt.ClaimID)
	require.NoError(t, err)

	// Answering twice conflicts.
	_, err = testDB.AnswerPrompt(ctx, seller.ID, prompt.ID, model.PromptAnswerYes)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestAnswerPromptNo(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)
	prompt := createPendingPrompt(t, seller.ID)

	answered, err := testDB.AnswerPrompt(ctx, seller.ID, prompt.ID, model.PromptAnswerNo)
	require.NoError(t, err)
	assert.Equal(t, model.PromptDismissed, answered.Status)

	links, err := testDB.ListLinksForClaim(ctx, seller.ID, prompt.ClaimID)
	require.NoError(t, err)
	assert.Empty(t, links, "no removes the suggested link")

	claim, err := testDB.GetClaim(ctx, seller.ID, prompt.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimPending, claim.State, "claim drops back to pending")
}

func TestAnswerPromptReview(t *testing.T) {
	ctx := context.Background()
	seller := createTestSeller(t)
	prompt := createPendingPrompt(t, seller.ID)

	answered, err := testDB.AnswerPrompt(ctx, seller.ID, prompt.ID, model.PromptAnswerReview)
	require.NoError(t, err)
	assert.Equal(t, model.PromptAnswered, answered.Status)

	links, err := testDB.ListLinksForClaim(ctx, seller.ID, prompt.ClaimID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, model.LinkManualReview, links[0].LinkKind)

	claim, err := testDB.GetClaim(ctx, seller.ID, prompt.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimPending, claim.State)
}

// createClaimAndDoc seeds one pending claim and one parsed document.
func createClaimAndDoc(t *testing.T, sellerID uuid.UUID) (model.ClaimCandidate, model.EvidenceDocument) {
	t.Helper()
	ctx := context.Background()

	_, err := testDB.UpsertCandidates(ctx, []model.ClaimCandidate{{
		SellerID:       sellerID,
		Category:       model.CategoryFeeError,
		Subcategory:    model.SubcategoryOrderFee,
		ReasonCode:     model.ReasonFeeOvercharge,
		Identifiers:    model.Identifiers{OrderID: strPtr("112-7366182-4545919"), SKU: strPtr("SKU-RED-M")},
		Amount:         decimal.RequireFromString("6.42"),
		Currency:       "USD",
		DiscoveryDate:  time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		DeadlineDate:   time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
		ConfidenceSeed: 0.7,
		Rule:           "fee_anomaly",
		SourceRecordID: uuid.New(),
	}})
	require.NoError(t, err)

	claims, err := testDB.ListClaims(ctx, sellerID, storage.ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, claims, 1)

	doc, _, err := testDB.UpsertDocument(ctx, model.EvidenceDocument{
		SellerID: sellerID,
		Provider: "upload",
		Filename: "invoice.pdf",
	})
	require.NoError(t, err)

	return claims[0], doc
}

func createPendingPrompt(t *testing.T, sellerID uuid.UUID) model.SmartPrompt {
	t.Helper()
	ctx := context.Background()

	claim, doc := createClaimAndDoc(t, sellerID)
	created, err := testDB.ApplyPromptMatch(ctx, sellerID, model.MatchResult{
		ClaimID:         claim.ID,
		DocumentID:      doc.ID,
		MatchType:       model.MatchSKU,
		MatchedFields:   []string{"sku:SKU-RED-M"},
		RuleScore:       0.85,
		FinalConfidence: 0.68,
		Reasoning:       "sku SKU-RED-M found in invoice.pdf",
		Action:          model.ActionSmartPrompt,
	}, "Does invoice.pdf support this claim?")
	require.NoError(t, err)
	require.True(t, created)

	prompts, err := testDB.ListPrompts(ctx, sellerID, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	return prompts[0]
}

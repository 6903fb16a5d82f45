// Package repository provides data access layer implementations.
// Tests use testcontainers-go to spin up a PostgreSQL container.
package repository

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"video-shop-bot/internal/model"
	"video-shop-bot/internal/pkg/db"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// setupTestDB creates a PostgreSQL container and returns a connection pool.
// Skips the test if Docker is not available.
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, db.Migrate(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return pool, cleanup
}

// seedVideo inserts a priced, published video and returns it.
func seedVideo(t *testing.T, pool *pgxpool.Pool) *model.Video {
	t.Helper()

	fileID := "BAACAgIAAxkBAAIB"
	video, err := NewVideoRepository(pool).Create(context.Background(), &model.Video{
		FileID:    &fileID,
		Title:     "Test Video",
		Price:     decimal.RequireFromString("19.99"),
		MediaKind: model.MediaKindVideo,
		Duration:  120,
		Width:     1920,
		Height:    1080,
		FileSize:  1 << 20,
	})
	require.NoError(t, err)
	return video
}

func seedPurchase(t *testing.T, repo *PurchaseRepository, videoID int64, session, username string) *model.Purchase {
	t.Helper()

	purchase, err := repo.Create(context.Background(), CreateParams{
		ProviderSessionID: session,
		ProviderPaymentID: "pi_" + session,
		VideoID:           videoID,
		Amount:            decimal.RequireFromString("19.99"),
		Currency:          "usd",
		ClaimedUsername:   username,
	})
	require.NoError(t, err)
	return purchase
}

// ============================================================================
// PurchaseRepository Tests
// ============================================================================

func TestPurchaseRepository_Create(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)

	purchase := seedPurchase(t, repo, video.ID, "cs_1", "alice")
	assert.NotZero(t, purchase.ID)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", purchase.PublicID.String())
	assert.Equal(t, model.VerificationPending, purchase.VerifyStatus)
	assert.Equal(t, model.DeliveryPending, purchase.DeliveryStatus)
	assert.Equal(t, model.PurchaseCompleted, purchase.PurchaseStatus)
	assert.Equal(t, 0, purchase.DeliveryAttempts)
	assert.Equal(t, "19.99", purchase.Amount.StringFixed(2))
	assert.Nil(t, purchase.TelegramUserID)
	assert.Empty(t, purchase.DeliveryMetadata)
}

func TestPurchaseRepository_CreateDuplicateSession(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)
	ctx := context.Background()

	first := seedPurchase(t, repo, video.ID, "cs_dup", "alice")

	_, err := repo.Create(ctx, CreateParams{
		ProviderSessionID: "cs_dup",
		VideoID:           video.ID,
		Amount:            decimal.RequireFromString("19.99"),
		Currency:          "usd",
		ClaimedUsername:   "alice",
	})
	assert.ErrorIs(t, err, ErrDuplicateSession)

	// The original row survives untouched.
	existing, err := repo.GetByProviderSession(ctx, "cs_dup")
	require.NoError(t, err)
	assert.Equal(t, first.ID, existing.ID)
}

func TestPurchaseRepository_Getters(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)
	ctx := context.Background()

	purchase := seedPurchase(t, repo, video.ID, "cs_get", "alice")

	byID, err := repo.GetByID(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.PublicID, byID.PublicID)

	byUUID, err := repo.GetByPublicID(ctx, purchase.PublicID)
	require.NoError(t, err)
	assert.Equal(t, purchase.ID, byUUID.ID)

	_, err = repo.GetByID(ctx, 99999)
	assert.ErrorIs(t, err, ErrPurchaseNotFound)
}

func TestPurchaseRepository_VerifyCAS(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)
	ctx := context.Background()

	purchase := seedPurchase(t, repo, video.ID, "cs_verify", "alice")

	verified, err := repo.Verify(ctx, purchase.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, model.VerificationVerified, verified.VerifyStatus)
	require.NotNil(t, verified.TelegramUserID)
	assert.Equal(t, int64(42), *verified.TelegramUserID)

	// A second verification loses the compare-and-swap.
	_, err = repo.Verify(ctx, purchase.ID, 99)
	assert.ErrorIs(t, err, ErrStaleTransition)

	// The first binding is untouched.
	current, err := repo.GetByID(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), *current.TelegramUserID)
}

func TestPurchaseRepository_MarkInvalid(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)
	ctx := context.Background()

	purchase := seedPurchase(t, repo, video.ID, "cs_invalid", "alice")

	invalid, err := repo.MarkInvalid(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VerificationInvalid, invalid.VerifyStatus)

	// Invalid purchases can no longer be verified.
	_, err = repo.Verify(ctx, purchase.ID, 42)
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func TestPurchaseRepository_DeliveryLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)
	ctx := context.Background()

	purchase := seedPurchase(t, repo, video.ID, "cs_deliver", "alice")

	// Two failed dispatches count two attempts.
	failed, err := repo.MarkDeliveryFailed(ctx, purchase.ID, "telegram timeout")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, failed.DeliveryStatus)
	assert.Equal(t, 1, failed.DeliveryAttempts)
	assert.Equal(t, "telegram timeout", failed.DeliveryNotes)

	retrying, err := repo.MarkRetrying(ctx, purchase.ID, "admin retry requested")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRetrying, retrying.DeliveryStatus)
	assert.Equal(t, 2, retrying.DeliveryAttempts)

	// Success records metadata and the delivery timestamp.
	delivered, err := repo.MarkDelivered(ctx, purchase.ID, map[string]string{
		model.MetaChannel:   model.ChannelBot,
		model.MetaChatID:    "42",
		model.MetaMessageID: "1007",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, delivered.DeliveryStatus)
	assert.NotNil(t, delivered.DeliveredAt)
	assert.Equal(t, model.ChannelBot, delivered.DeliveryMetadata[model.MetaChannel])
	assert.Equal(t, "42", delivered.DeliveryMetadata[model.MetaChatID])
	// Attempts count failures only; the success does not add one.
	assert.Equal(t, 2, delivered.DeliveryAttempts)

	// Delivered is terminal for every delivery mutation.
	_, err = repo.MarkDelivered(ctx, purchase.ID, nil)
	assert.ErrorIs(t, err, ErrStaleTransition)
	_, err = repo.MarkDeliveryFailed(ctx, purchase.ID, "late failure")
	assert.ErrorIs(t, err, ErrStaleTransition)
	_, err = repo.MarkRetrying(ctx, purchase.ID, "late retry")
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func TestPurchaseRepository_MetadataMergeKeepsExistingKeys(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)
	ctx := context.Background()

	purchase := seedPurchase(t, repo, video.ID, "cs_merge", "alice")

	// Metadata recorded before delivery, e.g. by support tooling.
	_, err := pool.Exec(ctx,
		`UPDATE purchases SET delivery_metadata = '{"notes":"ticket 118","channel":"manual"}'::jsonb WHERE id = $1`,
		purchase.ID,
	)
	require.NoError(t, err)

	delivered, err := repo.MarkDelivered(ctx, purchase.ID, map[string]string{
		model.MetaChannel: model.ChannelBot,
		model.MetaChatID:  "42",
	})
	require.NoError(t, err)

	// Merge, not replace: prior keys survive, overlapping keys take the
	// new value.
	assert.Equal(t, "ticket 118", delivered.DeliveryMetadata[model.MetaNotes])
	assert.Equal(t, model.ChannelBot, delivered.DeliveryMetadata[model.MetaChannel])
	assert.Equal(t, "42", delivered.DeliveryMetadata[model.MetaChatID])
}

func TestPurchaseRepository_RefundAndDispute(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)
	ctx := context.Background()

	refunded := seedPurchase(t, repo, video.ID, "cs_refund", "alice")
	p, err := repo.MarkRefunded(ctx, refunded.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseRefunded, p.PurchaseStatus)
	assert.NotNil(t, p.RefundedAt)

	// Refunded purchases cannot be disputed or re-refunded.
	_, err = repo.MarkDisputed(ctx, refunded.ID)
	assert.ErrorIs(t, err, ErrStaleTransition)
	_, err = repo.MarkRefunded(ctx, refunded.ID)
	assert.ErrorIs(t, err, ErrStaleTransition)

	disputed := seedPurchase(t, repo, video.ID, "cs_dispute", "bob")
	p, err = repo.MarkDisputed(ctx, disputed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseDisputed, p.PurchaseStatus)
}

func TestPurchaseRepository_FindLatestPendingByUsername(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)
	ctx := context.Background()

	older := seedPurchase(t, repo, video.ID, "cs_old", "alice")
	// Force distinct creation times; NOW() has microsecond resolution but
	// both inserts can land in the same transaction timestamp.
	_, err := pool.Exec(ctx,
		"UPDATE purchases SET created_at = created_at - INTERVAL '1 minute' WHERE id = $1", older.ID)
	require.NoError(t, err)
	newer := seedPurchase(t, repo, video.ID, "cs_new", "alice")

	found, err := repo.FindLatestPendingByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, found.ID)

	// Verified purchases stop matching.
	_, err = repo.Verify(ctx, newer.ID, 42)
	require.NoError(t, err)
	found, err = repo.FindLatestPendingByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, older.ID, found.ID)

	// Refunded purchases stop matching too.
	_, err = repo.MarkRefunded(ctx, older.ID)
	require.NoError(t, err)
	_, err = repo.FindLatestPendingByUsername(ctx, "alice")
	assert.ErrorIs(t, err, ErrPurchaseNotFound)

	_, err = repo.FindLatestPendingByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrPurchaseNotFound)
}

func TestPurchaseRepository_VerifiedLookups(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)
	ctx := context.Background()

	purchase := seedPurchase(t, repo, video.ID, "cs_lookup", "alice")
	_, err := repo.Verify(ctx, purchase.ID, 42)
	require.NoError(t, err)

	found, err := repo.GetVerifiedByUserAndVideo(ctx, 42, video.ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.ID, found.ID)

	// Another user does not see the purchase.
	_, err = repo.GetVerifiedByUserAndVideo(ctx, 99, video.ID)
	assert.ErrorIs(t, err, ErrPurchaseNotFound)

	list, err := repo.ListVerifiedByUser(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, purchase.ID, list[0].ID)

	count, err := repo.CountVerifiedByUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = repo.CountVerifiedByUser(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPurchaseRepository_ListFilters(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	video := seedVideo(t, pool)
	ctx := context.Background()

	a := seedPurchase(t, repo, video.ID, "cs_a", "alice")
	seedPurchase(t, repo, video.ID, "cs_b", "bob")

	_, err := repo.Verify(ctx, a.ID, 42)
	require.NoError(t, err)

	all, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := repo.List(ctx, ListFilter{VerifyStatus: model.VerificationPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].ClaimedUsername)

	verified, err := repo.List(ctx, ListFilter{VerifyStatus: model.VerificationVerified})
	require.NoError(t, err)
	require.Len(t, verified, 1)
	assert.Equal(t, "alice", verified[0].ClaimedUsername)
}

// ============================================================================
// VideoRepository Tests
// ============================================================================

func TestVideoRepository_CreateAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewVideoRepository(pool)
	ctx := context.Background()

	fileID := "BAACAgIAAxkBAAIC"
	video, err := repo.Create(ctx, &model.Video{
		FileID:    &fileID,
		Title:     "Workout",
		Price:     decimal.Zero,
		MediaKind: model.MediaKindVideo,
	})
	require.NoError(t, err)
	assert.NotZero(t, video.ID)
	assert.False(t, video.IsPublished()) // no price yet

	byID, err := repo.GetByID(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, "Workout", byID.Title)

	byFile, err := repo.GetByFileID(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, video.ID, byFile.ID)

	_, err = repo.GetByID(ctx, 99999)
	assert.ErrorIs(t, err, ErrVideoNotFound)
}

func TestVideoRepository_SetPricePublishes(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewVideoRepository(pool)
	ctx := context.Background()

	fileID := "BAACAgIAAxkBAAID"
	video, err := repo.Create(ctx, &model.Video{
		FileID:    &fileID,
		MediaKind: model.MediaKindDocument,
	})
	require.NoError(t, err)

	priced, err := repo.SetPrice(ctx, video.ID, decimal.RequireFromString("4.50"))
	require.NoError(t, err)
	assert.Equal(t, "4.50", priced.Price.StringFixed(2))
	assert.True(t, priced.IsPublished())

	_, err = repo.SetPrice(ctx, 99999, decimal.RequireFromString("1.00"))
	assert.ErrorIs(t, err, ErrVideoNotFound)
}

func TestVideoRepository_Delete(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewVideoRepository(pool)
	ctx := context.Background()

	video, err := repo.Create(ctx, &model.Video{MediaKind: model.MediaKindVideo})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, video.ID))
	assert.ErrorIs(t, repo.Delete(ctx, video.ID), ErrVideoNotFound)

	exists, err := repo.Exists(ctx, video.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

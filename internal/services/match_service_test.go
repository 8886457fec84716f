package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/database/testutil"
	"github.com/dcastella/matcha/internal/models"
	apperrors "github.com/dcastella/matcha/pkg/errors"
)

func createTestUser(t *testing.T, db *gorm.DB, name, location string, interests []string) *models.User {
	t.Helper()

	user := models.User{
		DisplayName: name,
		Email:       name + "@example.com",
		Role:        models.RoleUser,
		Location:    location,
		IsActive:    true,
	}
	require.NoError(t, user.SetInterests(interests))
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func TestMatchServiceLikeThenMutual(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewMatchService(db, nil)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "Lyon", []string{"tennis", "jazz"})
	bob := createTestUser(t, db, "bob", "Lyon", []string{"jazz"})

	result, err := svc.Act(context.Background(), alice.ID, bob.ID, MatchActionLike, false)
	require.NoError(t, err)
	require.False(t, result.Mutual)
	require.Equal(t, models.MatchStatusPending, result.Match.Status)

	result, err = svc.Act(context.Background(), bob.ID, alice.ID, MatchActionLike, false)
	require.NoError(t, err)
	require.True(t, result.Mutual)
	require.Equal(t, models.MatchStatusMatched, result.Match.Status)

	// Both directed rows must have flipped.
	var rows []models.Match
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, models.MatchStatusMatched, row.Status)
	}
}

func TestMatchServiceDuplicateActionConflicts(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewMatchService(db, nil)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "", nil)
	bob := createTestUser(t, db, "bob", "", nil)

	_, err = svc.Act(context.Background(), alice.ID, bob.ID, MatchActionLike, false)
	require.NoError(t, err)

	_, err = svc.Act(context.Background(), alice.ID, bob.ID, MatchActionPass, false)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperrors.ErrConflict.Code, appErr.Code)
}

func TestMatchServicePassDoesNotMatch(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewMatchService(db, nil)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "", nil)
	bob := createTestUser(t, db, "bob", "", nil)

	_, err = svc.Act(context.Background(), alice.ID, bob.ID, MatchActionLike, false)
	require.NoError(t, err)

	result, err := svc.Act(context.Background(), bob.ID, alice.ID, MatchActionPass, false)
	require.NoError(t, err)
	require.False(t, result.Mutual)
	require.Equal(t, models.MatchStatusRejected, result.Match.Status)

	// The pending like must not have been touched.
	var pending models.Match
	require.NoError(t, db.Take(&pending, "user_id = ? AND target_user_id = ?", alice.ID, bob.ID).Error)
	require.Equal(t, models.MatchStatusPending, pending.Status)
}

func TestMatchServiceSelfAndUnknownTargets(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewMatchService(db, nil)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "", nil)

	_, err = svc.Act(context.Background(), alice.ID, alice.ID, MatchActionLike, false)
	require.Error(t, err)

	_, err = svc.Act(context.Background(), alice.ID, "missing", MatchActionLike, false)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperrors.ErrNotFound.Code, appErr.Code)
}

func TestMatchServiceConcurrentReciprocalLikes(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewMatchService(db, nil)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "", nil)
	bob := createTestUser(t, db, "bob", "", nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = svc.Act(context.Background(), alice.ID, bob.ID, MatchActionLike, false)
	}()
	go func() {
		defer wg.Done()
		_, _ = svc.Act(context.Background(), bob.ID, alice.ID, MatchActionLike, false)
	}()
	wg.Wait()

	// However the two calls interleave, the end state is consistent: both
	// rows exist and share one status.
	var rows []models.Match
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 2)
	require.Equal(t, rows[0].Status, rows[1].Status)
}

func TestCompatibilityScore(t *testing.T) {
	a := &models.User{Location: "Lyon"}
	require.NoError(t, a.SetInterests([]string{"tennis", "jazz", "cinema", "hiking"}))
	b := &models.User{Location: "Lyon"}
	require.NoError(t, b.SetInterests([]string{"jazz", "hiking"}))

	// interests 100*2/4=50, location 100, preference 50 -> round(200/3)=67
	require.Equal(t, 67, Compatibility(a, b))

	// No interests on the requester side scores zero overlap.
	empty := &models.User{Location: "Paris"}
	// interests 0, location 0, preference 50 -> round(50/3)=17
	require.Equal(t, 17, Compatibility(empty, b))

	// Location comparison is case-insensitive.
	c := &models.User{Location: "lyon"}
	require.NoError(t, c.SetInterests([]string{"jazz"}))
	// interests 100, location 100, preference 50 -> round(250/3)=83
	require.Equal(t, 83, Compatibility(c, b))
}

func TestMatchServicePotentialsExcludesInteracted(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewMatchService(db, nil)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "Lyon", []string{"jazz"})
	bob := createTestUser(t, db, "bob", "Lyon", []string{"jazz"})
	carol := createTestUser(t, db, "carol", "Paris", nil)
	dave := createTestUser(t, db, "dave", "Lyon", []string{"jazz", "tennis"})

	// Alice already liked Bob; Dave already passed on Alice.
	_, err = svc.Act(context.Background(), alice.ID, bob.ID, MatchActionLike, false)
	require.NoError(t, err)
	_, err = svc.Act(context.Background(), dave.ID, alice.ID, MatchActionPass, false)
	require.NoError(t, err)

	potentials, err := svc.Potentials(context.Background(), alice.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, potentials, 1)
	require.Equal(t, carol.ID, potentials[0].User.ID)
}

func TestMatchServicePotentialsRankedByScore(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewMatchService(db, nil)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "Lyon", []string{"jazz", "tennis"})
	far := createTestUser(t, db, "far", "Paris", nil)
	near := createTestUser(t, db, "near", "Lyon", []string{"jazz", "tennis"})

	potentials, err := svc.Potentials(context.Background(), alice.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, potentials, 2)
	require.Equal(t, near.ID, potentials[0].User.ID)
	require.Equal(t, far.ID, potentials[1].User.ID)
	require.Greater(t, potentials[0].CompatScore, potentials[1].CompatScore)
}

func TestMatchServiceListsAndMarkRead(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewMatchService(db, nil)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "", nil)
	bob := createTestUser(t, db, "bob", "", nil)
	carol := createTestUser(t, db, "carol", "", nil)

	_, err = svc.Act(context.Background(), alice.ID, bob.ID, MatchActionLike, false)
	require.NoError(t, err)
	_, err = svc.Act(context.Background(), bob.ID, alice.ID, MatchActionLike, false)
	require.NoError(t, err)
	_, err = svc.Act(context.Background(), carol.ID, alice.ID, MatchActionLike, true)
	require.NoError(t, err)

	mutual, err := svc.ListMutual(context.Background(), alice.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, mutual, 1)
	require.NotNil(t, mutual[0].Peer)
	require.Equal(t, bob.ID, mutual[0].Peer.ID)

	likes, err := svc.ListReceivedLikes(context.Background(), alice.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, likes, 1)
	require.True(t, likes[0].IsSuperLike)
	require.Equal(t, carol.ID, likes[0].UserID)

	require.NoError(t, svc.MarkRead(context.Background(), alice.ID, likes[0].ID))
	var row models.Match
	require.NoError(t, db.Take(&row, "id = ?", likes[0].ID).Error)
	require.True(t, row.IsRead)

	err = svc.MarkRead(context.Background(), carol.ID, "missing")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperrors.ErrNotFound.Code, appErr.Code)
}

func TestMatchServiceMutualDispatchesToBoth(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	dispatcher, err := NewNotificationService(db)
	require.NoError(t, err)
	svc, err := NewMatchService(db, dispatcher)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "", nil)
	bob := createTestUser(t, db, "bob", "", nil)

	_, err = svc.Act(context.Background(), alice.ID, bob.ID, MatchActionLike, false)
	require.NoError(t, err)
	_, err = svc.Act(context.Background(), bob.ID, alice.ID, MatchActionLike, false)
	require.NoError(t, err)

	for _, userID := range []string{alice.ID, bob.ID} {
		var count int64
		require.NoError(t, db.Model(&models.Notification{}).
			Where("user_id = ? AND type = ?", userID, models.NotificationTypeNewMatch).
			Count(&count).Error)
		require.Equal(t, int64(1), count, "user %s", userID)
	}
}

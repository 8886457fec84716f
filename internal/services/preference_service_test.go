package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dcastella/matcha/internal/database/testutil"
	"github.com/dcastella/matcha/internal/models"
)

func TestPreferenceListMaterialisesDefaults(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewPreferenceService(db)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "", nil)

	list, err := svc.List(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Len(t, list, len(models.NotificationTypes()))
	for _, pref := range list {
		require.True(t, pref.Enabled)
		require.True(t, pref.RealTime)
		require.False(t, pref.Digest)
		require.ElementsMatch(t, models.AllChannels(), pref.Channels)
	}

	// Defaults are not persisted by listing.
	var count int64
	require.NoError(t, db.Model(&models.NotificationPreference{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestPreferenceUpdatePartial(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewPreferenceService(db)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "", nil)

	disabled := false
	channels := []models.NotificationChannel{models.ChannelEmail}
	updated, err := svc.Update(context.Background(), alice.ID, models.NotificationTypeNewLike, PreferenceUpdateInput{
		Enabled:  &disabled,
		Channels: &channels,
	})
	require.NoError(t, err)
	require.False(t, updated.Enabled)
	require.Equal(t, channels, updated.Channels)
	require.True(t, updated.RealTime, "untouched fields keep their defaults")

	// A second partial update keeps the earlier changes.
	digest := true
	updated, err = svc.Update(context.Background(), alice.ID, models.NotificationTypeNewLike, PreferenceUpdateInput{
		Digest: &digest,
	})
	require.NoError(t, err)
	require.False(t, updated.Enabled)
	require.True(t, updated.Digest)
	require.Equal(t, channels, updated.Channels)

	var count int64
	require.NoError(t, db.Model(&models.NotificationPreference{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestPreferenceUpdateRejectsUnknownInput(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewPreferenceService(db)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "", nil)

	_, err = svc.Update(context.Background(), alice.ID, "BOGUS", PreferenceUpdateInput{})
	require.Error(t, err)

	channels := []models.NotificationChannel{"CARRIER_PIGEON"}
	_, err = svc.Update(context.Background(), alice.ID, models.NotificationTypeNewLike, PreferenceUpdateInput{
		Channels: &channels,
	})
	require.Error(t, err)
}

func TestPreferenceResetDefaults(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewPreferenceService(db)
	require.NoError(t, err)

	alice := createTestUser(t, db, "alice", "", nil)

	disabled := false
	_, err = svc.Update(context.Background(), alice.ID, models.NotificationTypeNewMatch, PreferenceUpdateInput{Enabled: &disabled})
	require.NoError(t, err)

	require.NoError(t, svc.ResetDefaults(context.Background(), alice.ID))

	list, err := svc.List(context.Background(), alice.ID)
	require.NoError(t, err)
	for _, pref := range list {
		require.True(t, pref.Enabled)
	}
}

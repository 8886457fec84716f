package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/database/testutil"
	"github.com/dcastella/matcha/internal/models"
	"github.com/dcastella/matcha/internal/services"
)

func seedDigestUser(t *testing.T, db *gorm.DB, svc *services.NotificationService) *models.User {
	t.Helper()

	user := models.User{
		DisplayName: "digest-user",
		Email:       "digest-user@example.com",
		IsActive:    true,
	}
	require.NoError(t, db.Create(&user).Error)

	pref := models.DefaultPreference(user.ID, models.NotificationTypeNewLike)
	pref.Digest = true
	require.NoError(t, db.Create(&pref).Error)

	_, err := svc.Dispatch(context.Background(), services.DispatchInput{
		UserID: user.ID,
		Type:   models.NotificationTypeNewLike,
		Title:  "Someone likes you",
	})
	require.NoError(t, err)

	return &user
}

func TestDigesterRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := services.NewNotificationService(db)
	require.NoError(t, err)

	user := seedDigestUser(t, db, svc)

	digester := NewDigester(svc, WithLookback(time.Hour))
	require.NoError(t, digester.RunOnce(context.Background()))

	var digest models.Notification
	require.NoError(t, db.Take(&digest, "type = ?", models.NotificationTypeDigest).Error)
	require.Equal(t, user.ID, digest.UserID)
}

func TestDigesterStartStop(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := services.NewNotificationService(db)
	require.NoError(t, err)

	digester := NewDigester(svc,
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
		WithSchedule("@every 1h"),
	)
	require.NoError(t, digester.Start())
	<-digester.Stop().Done()
}

func TestDigesterStartWithBadSchedule(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := services.NewNotificationService(db)
	require.NoError(t, err)

	digester := NewDigester(svc, WithSchedule("not a schedule"))
	require.Error(t, digester.Start())
}

func TestDigesterWithoutServiceIsNoOp(t *testing.T) {
	digester := NewDigester(nil)
	require.NoError(t, digester.Start())
}

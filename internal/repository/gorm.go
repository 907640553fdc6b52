package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wasessiond/internal/domain"
	"github.com/talkincode/wasessiond/pkg/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormWhatsAppRepository is the GORM implementation of WhatsAppRepository.
// The *gorm.DB should be opened with TranslateError so unique violations map
// to domain.ErrConflict.
type GormWhatsAppRepository struct {
	db *gorm.DB
}

var _ WhatsAppRepository = (*GormWhatsAppRepository)(nil)

func NewGormWhatsAppRepository(db *gorm.DB) *GormWhatsAppRepository {
	return &GormWhatsAppRepository{db: db}
}

func translate(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.Wrap(domain.ErrNotFound, op)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Wrap(domain.ErrConflict, op)
	default:
		return errors.Wrapf(domain.ErrStoreUnavailable, "%s: %v", op, err)
	}
}

func (r *GormWhatsAppRepository) UpsertUserForPairing(ctx context.Context, deviceID, phone string) (*domain.WhatsAppUser, string, error) {
	var (
		user     domain.WhatsAppUser
		oldPhone string
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner domain.WhatsAppUser
		err := tx.Where("phone_number = ?", phone).First(&owner).Error
		switch {
		case err == nil && owner.DeviceID != deviceID:
			return errors.Wrapf(domain.ErrConflict, "phone number %s is already linked to a different device (%s)", phone, owner.DeviceID)
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		err = tx.Where("device_id = ?", deviceID).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			user = domain.WhatsAppUser{
				ID:          common.UUIDint64(),
				DeviceID:    deviceID,
				PhoneNumber: &phone,
			}
			return tx.Create(&user).Error
		}
		if err != nil {
			return err
		}
		if user.PhoneNumber != nil && *user.PhoneNumber != phone {
			oldPhone = *user.PhoneNumber
		}
		if err := tx.Model(&domain.WhatsAppUser{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"phone_number":   phone,
			"is_logged_in":   false,
			"last_known_jid": nil,
			"updated_at":     time.Now(),
		}).Error; err != nil {
			return err
		}
		user.PhoneNumber = &phone
		user.IsLoggedIn = false
		user.LastKnownJid = nil
		return nil
	})
	if err != nil {
		return nil, "", translate(err, "upsert user for pairing")
	}
	return &user, oldPhone, nil
}

func (r *GormWhatsAppRepository) UpdateLoginStatus(ctx context.Context, phone string, loggedIn bool, jid string) error {
	var jidValue interface{}
	if jid != "" {
		jidValue = jid
	}
	err := r.db.WithContext(ctx).Model(&domain.WhatsAppUser{}).
		Where("phone_number = ?", phone).
		Updates(map[string]interface{}{
			"is_logged_in":   loggedIn,
			"last_known_jid": jidValue,
			"updated_at":     time.Now(),
		}).Error
	return translate(err, "update login status")
}

func (r *GormWhatsAppRepository) getUser(ctx context.Context, query string, arg string) (*domain.WhatsAppUser, error) {
	var user domain.WhatsAppUser
	if err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error; err != nil {
		return nil, translate(err, "get user")
	}
	return &user, nil
}

func (r *GormWhatsAppRepository) GetUserByPhone(ctx context.Context, phone string) (*domain.WhatsAppUser, error) {
	return r.getUser(ctx, "phone_number = ?", phone)
}

func (r *GormWhatsAppRepository) GetUserByDevice(ctx context.Context, deviceID string) (*domain.WhatsAppUser, error) {
	return r.getUser(ctx, "device_id = ?", deviceID)
}

func (r *GormWhatsAppRepository) GetUserByJid(ctx context.Context, jid string) (*domain.WhatsAppUser, error) {
	return r.getUser(ctx, "last_known_jid = ?", jid)
}

func (r *GormWhatsAppRepository) ListLoggedInUsers(ctx context.Context) ([]*domain.WhatsAppUser, error) {
	var users []*domain.WhatsAppUser
	err := r.db.WithContext(ctx).
		Where("is_logged_in = ? AND phone_number IS NOT NULL", true).
		Order("id").
		Find(&users).Error
	if err != nil {
		return nil, translate(err, "list logged in users")
	}
	return users, nil
}

func (r *GormWhatsAppRepository) UpsertMonitoredNumber(ctx context.Context, owner, monitored string, displayName *string, subscribed bool) (*domain.MonitoredNumber, error) {
	now := time.Now()
	row := domain.MonitoredNumber{
		ID:           common.UUIDint64(),
		OwnerUserJid: owner,
		MonitoredJid: monitored,
		DisplayName:  displayName,
		IsSubscribed: subscribed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	assign := map[string]interface{}{
		"is_subscribed": subscribed,
		"updated_at":    now,
	}
	if displayName != nil {
		assign["display_name"] = *displayName
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_user_jid"}, {Name: "monitored_jid"}},
		DoUpdates: clause.Assignments(assign),
	}).Create(&row).Error
	if err != nil {
		return nil, translate(err, "upsert monitored number")
	}
	return r.GetMonitoredNumber(ctx, owner, monitored)
}

func (r *GormWhatsAppRepository) SetSubscription(ctx context.Context, owner, monitored string, subscribed bool) error {
	err := r.db.WithContext(ctx).Model(&domain.MonitoredNumber{}).
		Where("owner_user_jid = ? AND monitored_jid = ?", owner, monitored).
		Updates(map[string]interface{}{
			"is_subscribed": subscribed,
			"updated_at":    time.Now(),
		}).Error
	return translate(err, "set subscription")
}

func (r *GormWhatsAppRepository) GetMonitoredNumber(ctx context.Context, owner, monitored string) (*domain.MonitoredNumber, error) {
	var row domain.MonitoredNumber
	err := r.db.WithContext(ctx).
		Where("owner_user_jid = ? AND monitored_jid = ?", owner, monitored).
		First(&row).Error
	if err != nil {
		return nil, translate(err, "get monitored number")
	}
	return &row, nil
}

func (r *GormWhatsAppRepository) ListMonitoredByOwner(ctx context.Context, owner string) ([]*domain.MonitoredNumber, error) {
	var rows []*domain.MonitoredNumber
	err := r.db.WithContext(ctx).
		Where("owner_user_jid = ?", owner).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "list monitored numbers")
	}
	return rows, nil
}

func (r *GormWhatsAppRepository) ListSubscribedJids(ctx context.Context) ([]string, error) {
	var jids []string
	err := r.db.WithContext(ctx).Model(&domain.MonitoredNumber{}).
		Where("is_subscribed = ?", true).
		Distinct().
		Order("monitored_jid").
		Pluck("monitored_jid", &jids).Error
	if err != nil {
		return nil, translate(err, "list subscribed jids")
	}
	return jids, nil
}

func (r *GormWhatsAppRepository) RecordPresence(ctx context.Context, owner, monitored, presence string, lastSeen *time.Time) (int64, error) {
	updates := map[string]interface{}{
		"last_known_presence": presence,
		"updated_at":          time.Now(),
	}
	if lastSeen != nil {
		updates["last_seen"] = *lastSeen
	}
	res := r.db.WithContext(ctx).Model(&domain.MonitoredNumber{}).
		Where("owner_user_jid = ? AND monitored_jid = ?", owner, monitored).
		Updates(updates)
	if res.Error != nil {
		return 0, translate(res.Error, "record presence")
	}
	return res.RowsAffected, nil
}

func (r *GormWhatsAppRepository) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	db := r.db.WithContext(ctx)
	if err := db.Order("id").Find(&snap.Users).Error; err != nil {
		return nil, translate(err, "snapshot users")
	}
	if err := db.Order("id").Find(&snap.MonitoredNumbers).Error; err != nil {
		return nil, translate(err, "snapshot monitored numbers")
	}
	return snap, nil
}

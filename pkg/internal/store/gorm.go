package store

import (
	"context"
	"errors"
	"fmt"

	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (v *GormStore) Create(ctx context.Context, message models.Message) (models.Message, error) {
	message.ID = 0
	if err := v.db.WithContext(ctx).Create(&message).Error; err != nil {
		return message, fmt.Errorf("unable to create message: %w", err)
	}
	return message, nil
}

func (v *GormStore) FindByID(ctx context.Context, id uint) (models.Message, error) {
	var message models.Message
	if err := v.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return message, translate(err)
	}
	return message, nil
}

func (v *GormStore) FindByUuid(ctx context.Context, uuid string) (models.Message, error) {
	var message models.Message
	if err := v.db.WithContext(ctx).Where("uuid = ?", uuid).First(&message).Error; err != nil {
		return message, translate(err)
	}
	return message, nil
}

func (v *GormStore) FindByScope(ctx context.Context, scope models.Scope, page, pageSize int) ([]models.Message, error) {
	page, pageSize = clampPage(page, pageSize)

	var messages []models.Message
	if err := v.db.WithContext(ctx).
		Where("scope_kind = ? AND scope_id = ?", scope.Kind, scope.ID).
		Order("id DESC").
		Limit(pageSize).Offset(page * pageSize).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (v *GormStore) Update(ctx context.Context, id uint, patch models.MessagePatch) (models.Message, error) {
	var message models.Message
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&message, id).Error; err != nil {
			return translate(err)
		}
		if err := checkScope(message, patch); err != nil {
			return err
		}
		patch.Apply(&message, tx.NowFunc())
		return tx.Save(&message).Error
	})
	return message, err
}

func (v *GormStore) Delete(ctx context.Context, id uint) (models.Message, error) {
	var message models.Message
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&message, id).Error; err != nil {
			return translate(err)
		}
		return tx.Delete(&message).Error
	})
	return message, err
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

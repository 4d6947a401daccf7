// Package mocks provides testify mocks for the webhook interfaces.
package mocks

import (
	"context"
	"time"

	"github.com/consoul-dev/consoul-hooks/webhook"
	"github.com/stretchr/testify/mock"
)

// Repository is a mock for webhook.Repository.
type Repository struct {
	mock.Mock
}

func NewRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *Repository {
	m := &Repository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Repository) Get(ctx context.Context, id string) (webhook.Webhook, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(webhook.Webhook), args.Error(1)
}

func (m *Repository) List(ctx context.Context, ownerID string) ([]webhook.Webhook, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]webhook.Webhook), args.Error(1)
}

func (m *Repository) GetForEvent(ctx context.Context, ownerID, eventType string) ([]webhook.Webhook, error) {
	args := m.Called(ctx, ownerID, eventType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]webhook.Webhook), args.Error(1)
}

func (m *Repository) Create(ctx context.Context, wh webhook.Webhook) error {
	return m.Called(ctx, wh).Error(0)
}

func (m *Repository) Update(ctx context.Context, wh webhook.Webhook) error {
	return m.Called(ctx, wh).Error(0)
}

func (m *Repository) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return m.Called(ctx, id, enabled).Error(0)
}

func (m *Repository) ResetFailures(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *Repository) RecordFailure(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *Repository) AppendDelivery(ctx context.Context, rec webhook.DeliveryRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *Repository) UpdateDelivery(ctx context.Context, rec webhook.DeliveryRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *Repository) GetDelivery(ctx context.Context, deliveryID string) (webhook.DeliveryRecord, error) {
	args := m.Called(ctx, deliveryID)
	return args.Get(0).(webhook.DeliveryRecord), args.Error(1)
}

func (m *Repository) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]webhook.DeliveryRecord, error) {
	args := m.Called(ctx, webhookID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]webhook.DeliveryRecord), args.Error(1)
}

func (m *Repository) PruneDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func (m *Repository) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

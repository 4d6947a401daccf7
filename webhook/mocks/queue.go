package mocks

import (
	"context"
	"time"

	"github.com/consoul-dev/consoul-hooks/webhook"
	"github.com/stretchr/testify/mock"
)

// Queue is a mock for webhook.Queue.
type Queue struct {
	mock.Mock
}

func NewQueue(t interface {
	mock.TestingT
	Cleanup(func())
}) *Queue {
	m := &Queue{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Queue) Enqueue(ctx context.Context, job webhook.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *Queue) Dequeue(ctx context.Context) (*webhook.Job, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*webhook.Job), args.Error(1)
}

func (m *Queue) Ack(ctx context.Context, job webhook.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *Queue) Requeue(ctx context.Context, job webhook.Job, at time.Time) error {
	return m.Called(ctx, job, at).Error(0)
}

func (m *Queue) Depth(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *Queue) InFlight(ctx context.Context, webhookID string) (int64, error) {
	args := m.Called(ctx, webhookID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *Queue) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

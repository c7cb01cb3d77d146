package refund

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/repository"
)

// MockEventSource is a mock implementation of repository.EventSource
type MockEventSource struct {
	mock.Mock
}

func (m *MockEventSource) TrialStarts(ctx context.Context, since time.Time) ([]*domain.Event, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Event), args.Error(1)
}

func (m *MockEventSource) SubscriptionPayments(ctx context.Context, since time.Time, includeRenewals bool) ([]*domain.Event, error) {
	args := m.Called(ctx, since, includeRenewals)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Event), args.Error(1)
}

func (m *MockEventSource) DocumentPurchases(ctx context.Context, since time.Time) ([]*domain.Event, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Event), args.Error(1)
}

func (m *MockEventSource) ChatPurchases(ctx context.Context, since time.Time) ([]*domain.Event, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Event), args.Error(1)
}

func (m *MockEventSource) RefundPayments(ctx context.Context, since time.Time) ([]*domain.Event, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Event), args.Error(1)
}

// MockDeliveryLog is a mock implementation of repository.DeliveryLog
type MockDeliveryLog struct {
	mock.Mock
}

func (m *MockDeliveryLog) InitSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDeliveryLog) InsertEntries(ctx context.Context, entries []*domain.LogEntry) (int, error) {
	args := m.Called(ctx, entries)
	return args.Int(0), args.Error(1)
}

func (m *MockDeliveryLog) DeliveryState(ctx context.Context, eventTypes []domain.EventType) (*repository.DeliveryState, error) {
	args := m.Called(ctx, eventTypes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.DeliveryState), args.Error(1)
}

func (m *MockDeliveryLog) SentConversions(ctx context.Context, since time.Time) ([]*domain.LogEntry, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.LogEntry), args.Error(1)
}

func (m *MockDeliveryLog) RetractionState(ctx context.Context) (*repository.RetractionState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.RetractionState), args.Error(1)
}

func (m *MockDeliveryLog) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDeliveryLog) Close() error {
	args := m.Called()
	return args.Error(0)
}

var (
	earlier = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	later   = time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC)
)

func refundEvent(id, userID string, value float64) *domain.Event {
	return &domain.Event{
		EventID:         id,
		EventType:       domain.EventRefund,
		UserID:          userID,
		ConversionTime:  time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		ConversionValue: value,
	}
}

func sentEntry(eventID, userID string, p domain.Platform, at time.Time) *domain.LogEntry {
	return &domain.LogEntry{
		EventID:          eventID,
		EventType:        domain.EventMonthlySubscription,
		Platform:         p,
		ClickID:          "click-" + eventID,
		ConversionTime:   at,
		ConversionAction: "Monthly Subscription DWH",
		Status:           domain.StatusSent,
		UserID:           userID,
	}
}

func TestMatch_BindsLatestSentConversion(t *testing.T) {
	mockSource := new(MockEventSource)
	mockLog := new(MockDeliveryLog)

	mockSource.On("RefundPayments", mock.Anything, mock.Anything).
		Return([]*domain.Event{refundEvent("r1", "user-1", -29.0)}, nil)
	mockLog.On("SentConversions", mock.Anything, mock.Anything).Return([]*domain.LogEntry{
		sentEntry("old", "user-1", domain.PlatformGoogleAds, earlier),
		sentEntry("new", "user-1", domain.PlatformGoogleAds, later),
	}, nil)
	mockLog.On("RetractionState", mock.Anything).Return(repository.NewRetractionState(), nil)

	matcher := NewMatcher(mockSource, mockLog, Config{LookbackDays: 30, RetryCeiling: 3}, zap.NewNop())

	retractions, err := matcher.Match(context.Background())

	assert.NoError(t, err)
	assert.Len(t, retractions, 1)
	assert.Equal(t, "r1", retractions[0].EventID)
	assert.Equal(t, "new", retractions[0].OriginalEventID)
	assert.Equal(t, "click-new", retractions[0].ClickID)
	assert.Equal(t, "Monthly Subscription DWH", retractions[0].OriginalAction)
	assert.Equal(t, later, retractions[0].OriginalConversionTime)
	assert.Equal(t, -29.0, retractions[0].Value)
}

func TestMatch_PerPlatformOriginals(t *testing.T) {
	mockSource := new(MockEventSource)
	mockLog := new(MockDeliveryLog)

	mockSource.On("RefundPayments", mock.Anything, mock.Anything).
		Return([]*domain.Event{refundEvent("r1", "user-1", -29.0)}, nil)
	mockLog.On("SentConversions", mock.Anything, mock.Anything).Return([]*domain.LogEntry{
		sentEntry("g1", "user-1", domain.PlatformGoogleAds, earlier),
		sentEntry("m1", "user-1", domain.PlatformMicrosoftAds, later),
	}, nil)
	mockLog.On("RetractionState", mock.Anything).Return(repository.NewRetractionState(), nil)

	matcher := NewMatcher(mockSource, mockLog, Config{LookbackDays: 30, RetryCeiling: 3}, zap.NewNop())

	retractions, err := matcher.Match(context.Background())

	assert.NoError(t, err)
	assert.Len(t, retractions, 2)

	byPlatform := make(map[domain.Platform]*domain.Retraction)
	for _, adj := range retractions {
		byPlatform[adj.Platform] = adj
	}
	assert.Equal(t, "g1", byPlatform[domain.PlatformGoogleAds].OriginalEventID)
	assert.Equal(t, "m1", byPlatform[domain.PlatformMicrosoftAds].OriginalEventID)
}

func TestMatch_NoOriginalProducesNothing(t *testing.T) {
	mockSource := new(MockEventSource)
	mockLog := new(MockDeliveryLog)

	mockSource.On("RefundPayments", mock.Anything, mock.Anything).
		Return([]*domain.Event{refundEvent("r1", "user-without-conversions", -29.0)}, nil)
	mockLog.On("SentConversions", mock.Anything, mock.Anything).Return([]*domain.LogEntry{
		sentEntry("g1", "someone-else", domain.PlatformGoogleAds, earlier),
	}, nil)
	mockLog.On("RetractionState", mock.Anything).Return(repository.NewRetractionState(), nil)

	matcher := NewMatcher(mockSource, mockLog, Config{LookbackDays: 30, RetryCeiling: 3}, zap.NewNop())

	retractions, err := matcher.Match(context.Background())

	assert.NoError(t, err)
	assert.Empty(t, retractions)
}

func TestMatch_SkipsDeliveredRetraction(t *testing.T) {
	mockSource := new(MockEventSource)
	mockLog := new(MockDeliveryLog)

	mockSource.On("RefundPayments", mock.Anything, mock.Anything).
		Return([]*domain.Event{refundEvent("r1", "user-1", -29.0)}, nil)
	mockLog.On("SentConversions", mock.Anything, mock.Anything).Return([]*domain.LogEntry{
		sentEntry("g1", "user-1", domain.PlatformGoogleAds, earlier),
	}, nil)

	state := repository.NewRetractionState()
	state.Delivered[repository.AttemptKey{EventID: "r1", Platform: domain.PlatformGoogleAds}] = true
	mockLog.On("RetractionState", mock.Anything).Return(state, nil)

	matcher := NewMatcher(mockSource, mockLog, Config{LookbackDays: 30, RetryCeiling: 3}, zap.NewNop())

	retractions, err := matcher.Match(context.Background())

	assert.NoError(t, err)
	assert.Empty(t, retractions)
}

func TestMatch_SkipsOverRetriedRetraction(t *testing.T) {
	mockSource := new(MockEventSource)
	mockLog := new(MockDeliveryLog)

	mockSource.On("RefundPayments", mock.Anything, mock.Anything).
		Return([]*domain.Event{refundEvent("r1", "user-1", -29.0)}, nil)
	mockLog.On("SentConversions", mock.Anything, mock.Anything).Return([]*domain.LogEntry{
		sentEntry("g1", "user-1", domain.PlatformGoogleAds, earlier),
	}, nil)

	state := repository.NewRetractionState()
	state.FailedCounts[repository.AttemptKey{EventID: "r1", Platform: domain.PlatformGoogleAds}] = 3
	mockLog.On("RetractionState", mock.Anything).Return(state, nil)

	matcher := NewMatcher(mockSource, mockLog, Config{LookbackDays: 30, RetryCeiling: 3}, zap.NewNop())

	retractions, err := matcher.Match(context.Background())

	assert.NoError(t, err)
	assert.Empty(t, retractions)
}

func TestMatch_NoRefundsSkipsLogReads(t *testing.T) {
	mockSource := new(MockEventSource)
	mockLog := new(MockDeliveryLog)

	mockSource.On("RefundPayments", mock.Anything, mock.Anything).Return([]*domain.Event{}, nil)

	matcher := NewMatcher(mockSource, mockLog, Config{LookbackDays: 30, RetryCeiling: 3}, zap.NewNop())

	retractions, err := matcher.Match(context.Background())

	assert.NoError(t, err)
	assert.Empty(t, retractions)
	mockLog.AssertNotCalled(t, "SentConversions")
	mockLog.AssertNotCalled(t, "RetractionState")
}

func TestMatch_BoundsOriginalLookback(t *testing.T) {
	mockSource := new(MockEventSource)
	mockLog := new(MockDeliveryLog)

	mockSource.On("RefundPayments", mock.Anything, mock.Anything).
		Return([]*domain.Event{refundEvent("r1", "user-1", -29.0)}, nil)
	mockLog.On("SentConversions", mock.Anything, mock.MatchedBy(func(since time.Time) bool {
		horizon := time.Now().UTC().AddDate(0, 0, -originalLookbackDays)
		return since.After(horizon.Add(-time.Hour)) && since.Before(horizon.Add(time.Hour))
	})).Return([]*domain.LogEntry{}, nil)
	mockLog.On("RetractionState", mock.Anything).Return(repository.NewRetractionState(), nil)

	matcher := NewMatcher(mockSource, mockLog, Config{LookbackDays: 30, RetryCeiling: 3}, zap.NewNop())

	_, err := matcher.Match(context.Background())

	assert.NoError(t, err)
	mockLog.AssertExpectations(t)
}

func TestRankOriginals_TieBreaksByEventID(t *testing.T) {
	entries := []*domain.LogEntry{
		sentEntry("a", "user-1", domain.PlatformGoogleAds, earlier),
		sentEntry("b", "user-1", domain.PlatformGoogleAds, earlier),
	}

	ranked := rankOriginals(entries)

	key := userPlatform{"user-1", domain.PlatformGoogleAds}
	assert.Equal(t, "b", ranked[key].EventID)
}

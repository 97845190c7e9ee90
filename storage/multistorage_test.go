package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/neurallog/kek-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockRecordStore implements interfaces.RecordStore for testing
type MockRecordStore struct {
	mock.Mock
	name string
}

func (m *MockRecordStore) Get(ctx context.Context, key interfaces.RecordKey) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockRecordStore) Put(ctx context.Context, key interfaces.RecordKey, data []byte) error {
	args := m.Called(ctx, key, data)
	return args.Error(0)
}

func (m *MockRecordStore) List(ctx context.Context, tenantID string, collection interfaces.Collection) (map[string][]byte, error) {
	args := m.Called(ctx, tenantID, collection)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]byte), args.Error(1)
}

func (m *MockRecordStore) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockRecordStore) Name() string {
	return m.name
}

func (m *MockRecordStore) LocationURI() string {
	return "mock:"
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testKey = interfaces.RecordKey{TenantID: "tenant-1", Collection: interfaces.VersionsCollection, ID: "history"}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{
			name:     "all backends available",
			backends: []bool{true, true, true},
			expected: true,
		},
		{
			name:     "some backends available",
			backends: []bool{false, true, false},
			expected: true,
		},
		{
			name:     "no backends available",
			backends: []bool{false, false, false},
			expected: false,
		},
		{
			name:     "no backends",
			backends: []bool{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.RecordStore
			for i, available := range tt.backends {
				mockStorage := &MockRecordStore{name: fmt.Sprintf("mock-A%x", i)}
				mockStorage.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, mockStorage)
			}

			multi := NewMultiStorageBackend(backends, discardLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, backend := range backends {
				backend.(*MockRecordStore).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Get(t *testing.T) {
	testData := []byte(`{"id":"v1"}`)
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.RecordStore
		expectedData  []byte
		expectedError error
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.RecordStore {
				mock1 := &MockRecordStore{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, testKey).Return(testData, nil)

				mock2 := &MockRecordStore{name: "mock-B"}

				return []interfaces.RecordStore{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "first backend fails, second succeeds",
			setupMocks: func() []interfaces.RecordStore {
				mock1 := &MockRecordStore{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, testKey).Return(nil, testErr)

				mock2 := &MockRecordStore{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Get", mock.Anything, testKey).Return(testData, nil)

				return []interfaces.RecordStore{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "missing everywhere is not found",
			setupMocks: func() []interfaces.RecordStore {
				mock1 := &MockRecordStore{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, testKey).Return(nil, interfaces.ErrContentNotFound)

				return []interfaces.RecordStore{mock1}
			},
			expectedError: interfaces.ErrNotFound,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.RecordStore {
				mock1 := &MockRecordStore{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, testKey).Return(nil, testErr)

				mock2 := &MockRecordStore{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Get", mock.Anything, testKey).Return(nil, testErr)

				return []interfaces.RecordStore{mock1, mock2}
			},
			expectedError: interfaces.ErrBackendUnavailable,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.RecordStore {
				mock1 := &MockRecordStore{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockRecordStore{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Get", mock.Anything, testKey).Return(testData, nil)

				return []interfaces.RecordStore{mock1, mock2}
			},
			expectedData: testData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, discardLogger())

			data, err := multi.Get(context.Background(), testKey)

			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)

			for _, backend := range backends {
				backend.(*MockRecordStore).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Put(t *testing.T) {
	testData := []byte(`{"id":"v1"}`)
	testErr := errors.New("test error")

	t.Run("writes to every available backend", func(t *testing.T) {
		mock1 := &MockRecordStore{name: "mock-A"}
		mock1.On("Available", mock.Anything).Return(true)
		mock1.On("Put", mock.Anything, testKey, testData).Return(nil)

		mock2 := &MockRecordStore{name: "mock-B"}
		mock2.On("Available", mock.Anything).Return(false)

		mock3 := &MockRecordStore{name: "mock-C"}
		mock3.On("Available", mock.Anything).Return(true)
		mock3.On("Put", mock.Anything, testKey, testData).Return(testErr)

		multi := NewMultiStorageBackend([]interfaces.RecordStore{mock1, mock2, mock3}, discardLogger())
		assert.NoError(t, multi.Put(context.Background(), testKey, testData))

		mock1.AssertExpectations(t)
		mock2.AssertExpectations(t)
		mock3.AssertExpectations(t)
	})

	t.Run("fails when no backend accepted the write", func(t *testing.T) {
		mock1 := &MockRecordStore{name: "mock-A"}
		mock1.On("Available", mock.Anything).Return(true)
		mock1.On("Put", mock.Anything, testKey, testData).Return(testErr)

		multi := NewMultiStorageBackend([]interfaces.RecordStore{mock1}, discardLogger())
		err := multi.Put(context.Background(), testKey, testData)
		assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	})
}

func TestMultiStorageBackend_List(t *testing.T) {
	records := map[string][]byte{"a": []byte("1")}

	mock1 := &MockRecordStore{name: "mock-A"}
	mock1.On("Available", mock.Anything).Return(true)
	mock1.On("List", mock.Anything, "tenant-1", interfaces.UsersCollection).Return(nil, errors.New("down"))

	mock2 := &MockRecordStore{name: "mock-B"}
	mock2.On("Available", mock.Anything).Return(true)
	mock2.On("List", mock.Anything, "tenant-1", interfaces.UsersCollection).Return(records, nil)

	multi := NewMultiStorageBackend([]interfaces.RecordStore{mock1, mock2}, discardLogger())
	got, err := multi.List(context.Background(), "tenant-1", interfaces.UsersCollection)
	assert.NoError(t, err)
	assert.Equal(t, records, got)
}

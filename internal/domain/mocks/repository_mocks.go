package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/V4T54L/chialog/internal/domain"
)

// MockStore is an in-memory implementation of domain.Store for testing.
type MockStore struct {
	mu             sync.Mutex
	WrittenRecords []domain.LogRecord
	Batches        int
	Markers        []domain.FileMarker
	Provisioned    bool
	Closed         bool
	WriteErr       error
	AppendErr      error
	LatestErr      error
	ProvisionErr   error

	// WriteErrFor fails batches whose first record carries this message.
	WriteErrFor string
}

func (m *MockStore) WriteRecordBatch(ctx context.Context, records []domain.LogRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	if m.WriteErrFor != "" && len(records) > 0 && records[0].Message == m.WriteErrFor {
		return 0, context.DeadlineExceeded
	}
	m.Batches++
	m.WrittenRecords = append(m.WrittenRecords, records...)
	return len(records), nil
}

func (m *MockStore) AppendMarker(ctx context.Context, marker domain.FileMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.Markers = append(m.Markers, marker)
	return nil
}

func (m *MockStore) LatestMarker(ctx context.Context, hostname string) (*domain.FileMarker, error) {
	markers, err := m.RecentMarkers(ctx, hostname, 1)
	if err != nil || len(markers) == 0 {
		return nil, err
	}
	return &markers[0], nil
}

func (m *MockStore) RecentMarkers(ctx context.Context, hostname string, limit int) ([]domain.FileMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LatestErr != nil {
		return nil, m.LatestErr
	}
	var out []domain.FileMarker
	for _, mk := range m.Markers {
		if mk.Hostname == hostname {
			out = append(out, mk)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastModifiedTime.After(out[j].LastModifiedTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) Provision(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProvisionErr != nil {
		return m.ProvisionErr
	}
	m.Provisioned = true
	return nil
}

func (m *MockStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// MockPublisher is a mock implementation of domain.RecordPublisher.
type MockPublisher struct {
	mu         sync.Mutex
	Published  []domain.LogRecord
	PublishErr error
}

func (m *MockPublisher) Publish(ctx context.Context, records []domain.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, records...)
	return nil
}

// MockStreamReader is a mock implementation of domain.RecordStreamReader.
type MockStreamReader struct {
	mu         sync.Mutex
	ReadResult []domain.StreamRecord
	ReadErr    error
	AckErr     error
	AckedIDs   []string
}

func (m *MockStreamReader) ReadRecords(ctx context.Context, group, consumer string, count int) ([]domain.StreamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	out := m.ReadResult
	m.ReadResult = nil
	return out, nil
}

func (m *MockStreamReader) Acknowledge(ctx context.Context, group string, messageIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.AckedIDs = append(m.AckedIDs, messageIDs...)
	return nil
}

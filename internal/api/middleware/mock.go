// Package middleware provides HTTP middleware components for the Casefile API.
package middleware

import (
	"context"

	"github.com/casefile-io/casefile/internal/storage"
)

// MockKeyStore is a mock implementation of storage.KeyStore for testing.
type MockKeyStore struct {
	FindByKeyFunc    func(ctx context.Context, key string) (*storage.APIKey, bool)
	AddFunc          func(ctx context.Context, apiKey *storage.APIKey) error
	UpdateFunc       func(ctx context.Context, apiKey *storage.APIKey) error
	DeleteFunc       func(ctx context.Context, keyID string) error
	ListByCallerFunc func(ctx context.Context, callerID string) ([]*storage.APIKey, error)
}

// FindByKey implements storage.KeyStore.FindByKey.
func (m *MockKeyStore) FindByKey(ctx context.Context, key string) (*storage.APIKey, bool) {
	if m.FindByKeyFunc != nil {
		return m.FindByKeyFunc(ctx, key)
	}

	return nil, false
}

// Add implements storage.KeyStore.Add.
func (m *MockKeyStore) Add(ctx context.Context, apiKey *storage.APIKey) error {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, apiKey)
	}

	return nil
}

// Update implements storage.KeyStore.Update.
func (m *MockKeyStore) Update(ctx context.Context, apiKey *storage.APIKey) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, apiKey)
	}

	return nil
}

// Delete implements storage.KeyStore.Delete.
func (m *MockKeyStore) Delete(ctx context.Context, keyID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, keyID)
	}

	return nil
}

// ListByCaller implements storage.KeyStore.ListByCaller.
func (m *MockKeyStore) ListByCaller(ctx context.Context, callerID string) ([]*storage.APIKey, error) {
	if m.ListByCallerFunc != nil {
		return m.ListByCallerFunc(ctx, callerID)
	}

	return []*storage.APIKey{}, nil
}

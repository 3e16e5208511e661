// Package mocks provides mock implementations for testing the job executor.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the core ports.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	registry := mocks.NewMockCategoryRegistry(ctrl)
//	registry.EXPECT().List(gomock.Any()).Return([]string{"billing"}, nil)
package mocks

// Generate mocks for the shared registries from internal/core package.
// CategoryRegistry: Enable, Disable, List
// WorkerRegistry: Heartbeat, Deregister, LiveWorkers
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=registry_mock.go github.com/target/jobexec/internal/core CategoryRegistry,WorkerRegistry

// Generate mock for ScopeLookup interface from internal/core package.
// This creates MockScopeLookup with methods for all ScopeLookup interface methods:
// Exists
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=scope_lookup_mock.go github.com/target/jobexec/internal/core ScopeLookup


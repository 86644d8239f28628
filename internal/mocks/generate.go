// Package mocks provides mock implementations for testing the job coordinator.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the core ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().ClaimNext(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/jobcoord/internal/core JobRepository

// Generate mocks for the idempotency ports.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=idempotency_mock.go github.com/target/jobcoord/internal/core IdempotencyRepository,IdempotencyCache

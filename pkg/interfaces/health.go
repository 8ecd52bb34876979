// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import "context"

// HealthChecker is implemented by components that back the readiness probe.
type HealthChecker interface {
	Health(ctx context.Context) error
}

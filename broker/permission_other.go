//go:build !darwin

package broker

import "context"

// No explicit screen-recording consent exists on these platforms.
func promptPermission(_ context.Context) bool {
	return true
}

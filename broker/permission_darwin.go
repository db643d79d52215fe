//go:build darwin

package broker

import (
	"context"
	"os/exec"
)

// macOS gates desktop audio behind the screen-recording consent. There is no
// pure-Go status query, so the prompt routes the user to the privacy pane;
// the subsequent capture attempt surfaces an actual denial.
func promptPermission(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "open",
		"x-apple.systempreferences:com.apple.preference.security?Privacy_ScreenCapture")
	if err := cmd.Run(); err != nil {
		return false
	}
	return true
}

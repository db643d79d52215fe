//go:build !linux

package main

import (
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	// The key guard registers global hotkeys, which must run on the main
	// thread on darwin and windows.
	mainthread.Init(run)
}

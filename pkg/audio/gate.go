package audio

import (
	"context"
	"fmt"

	"github.com/gen2brain/malgo"

	"github.com/hiresim/voicelive/pkg/core"
	"github.com/hiresim/voicelive/pkg/core/types"
)

// CheckSupport reports whether the platform audio backend can be
// initialized at all.
func CheckSupport() bool {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return false
	}
	_ = ctx.Uninit()
	ctx.Free()
	return true
}

// CheckPermission queries microphone availability without opening a device.
// The OS decides granted/denied at device-open time, so the best answer
// before RequestAccess is prompt (devices exist) or unavailable (none).
// The gate never retries; retry policy belongs to the session.
func CheckPermission(ctx context.Context) (types.PermissionState, error) {
	if err := ctx.Err(); err != nil {
		return types.PermissionUnavailable, err
	}
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return types.PermissionUnavailable, nil
	}
	defer func() {
		_ = audioCtx.Uninit()
		audioCtx.Free()
	}()

	devices, err := audioCtx.Devices(malgo.Capture)
	if err != nil || len(devices) == 0 {
		return types.PermissionUnavailable, nil
	}
	return types.PermissionPrompt, nil
}

// RequestAccess opens the default capture device and starts delivering
// fixed-size PCM frames. A denial or device failure surfaces as a
// permission-category error so the session never auto-retries it.
func RequestAccess(ctx context.Context) (*CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !CheckSupport() {
		return nil, core.NewPermissionError("audio backend unavailable on this platform")
	}
	device, err := openCaptureDevice()
	if err != nil {
		return nil, core.NewPermissionError(fmt.Sprintf("microphone access failed: %v", err))
	}
	return device, nil
}

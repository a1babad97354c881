package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/hiresim/voicelive/pkg/core/types"
)

const captureChannelDepth = 64

// CaptureDevice is an open microphone delivering fixed-size PCM frames.
// Exclusively owned by one session; Stop releases the device, the backend
// context, and the frame channel in that order, and is idempotent.
type CaptureDevice struct {
	audioCtx *malgo.AllocatedContext
	device   *malgo.Device

	frames   chan []byte
	stopOnce sync.Once

	mu      sync.Mutex
	state   types.PermissionState
	dropped int64
}

func openCaptureDevice() (*CaptureDevice, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	cd := &CaptureDevice{
		audioCtx: audioCtx,
		frames:   make(chan []byte, captureChannelDepth),
		state:    types.PermissionGranted,
	}

	chunker := NewChunker(FrameBytes)
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = types.Channels
	deviceConfig.SampleRate = types.CaptureSampleRateHz
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, inputSamples []byte, _ uint32) {
			for _, frame := range chunker.Push(inputSamples) {
				select {
				case cd.frames <- frame:
				default:
					// The consumer stalled; capture must never block on it.
					cd.mu.Lock()
					cd.dropped++
					cd.mu.Unlock()
				}
			}
		},
	}

	device, err := malgo.InitDevice(audioCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	cd.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	return cd, nil
}

// Frames yields outbound PCM frames in generation order. The channel is
// closed by Stop.
func (cd *CaptureDevice) Frames() <-chan []byte {
	return cd.frames
}

// Permission returns the current device permission state.
func (cd *CaptureDevice) Permission() types.PermissionState {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.state
}

// Dropped returns the count of frames discarded because the consumer
// stalled.
func (cd *CaptureDevice) Dropped() int64 {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.dropped
}

// Stop releases all capture resources. Safe to call from any state and
// repeatedly.
func (cd *CaptureDevice) Stop() {
	cd.stopOnce.Do(func() {
		if cd.device != nil {
			cd.device.Stop()
			cd.device.Uninit()
		}
		if cd.audioCtx != nil {
			_ = cd.audioCtx.Uninit()
			cd.audioCtx.Free()
		}
		cd.mu.Lock()
		cd.state = types.PermissionStopped
		cd.mu.Unlock()
		close(cd.frames)
	})
}

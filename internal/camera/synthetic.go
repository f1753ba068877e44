// Package camera provides a synthetic frame source for dry runs without a
// robot or simulator attached.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-nav/internal/orchestrator"
	"github.com/e7canasta/orion-nav/internal/types"
)

// Stats contains camera statistics
type Stats struct {
	FramesEmitted uint64  `json:"frames_emitted"`
	FramesDropped uint64  `json:"frames_dropped"`
	FPSTarget     int     `json:"fps_target"`
	FPSReal       float64 `json:"fps_real"`
	Resolution    string  `json:"resolution"`
	IsRunning     bool    `json:"is_running"`
}

// Synthetic generates gradient frames at a fixed rate
type Synthetic struct {
	width    int
	height   int
	fps      int
	encoding string

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.RWMutex
	seq           uint64
	framesEmitted uint64
	framesDropped uint64
	isRunning     bool
	startTime     time.Time
}

// NewSynthetic creates a synthetic camera
func NewSynthetic(width, height, fps int, encoding string) *Synthetic {
	return &Synthetic{
		width:    width,
		height:   height,
		fps:      fps,
		encoding: encoding,
		stopCh:   make(chan struct{}),
	}
}

// Start begins emitting image events into out
func (s *Synthetic) Start(ctx context.Context, out chan<- orchestrator.Event) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("camera already running")
	}
	if s.fps <= 0 {
		s.mu.Unlock()
		return fmt.Errorf("camera fps must be > 0, got %d", s.fps)
	}
	s.isRunning = true
	s.startTime = time.Now()
	s.mu.Unlock()

	slog.Info("synthetic camera starting",
		"width", s.width,
		"height", s.height,
		"fps", s.fps,
		"encoding", s.encoding,
	)

	s.wg.Add(1)
	go s.generateFrames(ctx, out)

	return nil
}

// Stop stops the camera
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.RLock()
	slog.Info("synthetic camera stopped",
		"frames_emitted", s.framesEmitted,
		"frames_dropped", s.framesDropped,
		"duration", time.Since(s.startTime),
	)
	s.mu.RUnlock()

	return nil
}

// Stats returns camera statistics
func (s *Synthetic) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fpsReal float64
	if s.isRunning && s.framesEmitted > 0 {
		if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
			fpsReal = float64(s.framesEmitted) / elapsed
		}
	}

	return Stats{
		FramesEmitted: s.framesEmitted,
		FramesDropped: s.framesDropped,
		FPSTarget:     s.fps,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", s.width, s.height),
		IsRunning:     s.isRunning,
	}
}

func (s *Synthetic) generateFrames(ctx context.Context, out chan<- orchestrator.Event) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			ev := orchestrator.Event{Kind: orchestrator.KindImage, Image: s.createFrame()}
			select {
			case out <- ev:
				s.mu.Lock()
				s.framesEmitted++
				s.mu.Unlock()
			default:
				s.mu.Lock()
				s.framesDropped++
				s.mu.Unlock()
			}
		}
	}
}

// createFrame draws a horizontal gradient that shifts one column per frame.
func (s *Synthetic) createFrame() types.Image {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	data := make([]byte, s.width*s.height*3)
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			i := (y*s.width + x) * 3
			shade := byte((x + int(seq)) * 255 / max(s.width, 1))
			data[i] = shade
			data[i+1] = byte(y * 255 / max(s.height, 1))
			data[i+2] = 255 - shade
		}
	}

	return types.Image{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Encoding:  s.encoding,
		Data:      data,
		TraceID:   uuid.NewString(),
	}
}

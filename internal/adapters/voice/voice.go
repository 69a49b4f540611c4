// Package voice speaks short announcements through the platform
// text-to-speech binary (say on macOS, espeak elsewhere). Announcements
// are queued and spoken one at a time; a full queue drops new text
// rather than blocking message delivery.
package voice

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/common/stringutil"
)

const (
	queueSize = 8
	// maxUtteranceLen keeps a pasted wall of text from tying up the
	// speech worker for minutes.
	maxUtteranceLen = 200
)

// Speaker runs the TTS binary for a single utterance. Injected in tests.
type Speaker func(ctx context.Context, binary, text string) error

// Announcer serializes spoken announcements behind a bounded queue.
type Announcer struct {
	binary string
	speak  Speaker
	queue  chan string
	log    *logger.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New probes PATH for a TTS binary. When none is found the announcer is
// disabled and Announce becomes a no-op.
func New(log *logger.Logger) *Announcer {
	return NewWithSpeaker(detectBinary(), execSpeaker, log)
}

func NewWithSpeaker(binary string, speak Speaker, log *logger.Logger) *Announcer {
	if log == nil {
		log = logger.Default()
	}
	return &Announcer{
		binary: binary,
		speak:  speak,
		queue:  make(chan string, queueSize),
		done:   make(chan struct{}),
		log:    log.WithComponent("voice"),
	}
}

// Enabled reports whether a TTS binary was found.
func (a *Announcer) Enabled() bool {
	return a.binary != ""
}

// Start launches the speaking worker. Safe to call on a disabled
// announcer.
func (a *Announcer) Start(ctx context.Context) {
	if !a.Enabled() {
		return
	}
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.worker(ctx)
	})
}

// Stop drains nothing: pending announcements are abandoned.
func (a *Announcer) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
}

// Announce queues text for speech. Disabled announcers and full queues
// drop the text silently; speech is never worth blocking for.
func (a *Announcer) Announce(text string) {
	if !a.Enabled() || text == "" {
		return
	}
	text = stringutil.TruncateStringWithEllipsis(text, maxUtteranceLen)
	select {
	case a.queue <- text:
	default:
		a.log.Debug("announcement dropped, queue full")
	}
}

func (a *Announcer) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case text := <-a.queue:
			if err := a.speak(ctx, a.binary, text); err != nil {
				a.log.Warn("speech failed", zap.Error(err))
			}
		}
	}
}

func detectBinary() string {
	for _, candidate := range []string{"say", "espeak"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	return ""
}

func execSpeaker(ctx context.Context, binary, text string) error {
	cmd := exec.CommandContext(ctx, binary, text)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", binary, err)
	}
	return nil
}

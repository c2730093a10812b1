package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"go.uber.org/goleak"

	"github.com/sensemap/sensemap-core/internal/infrastructure/config"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	titles   []string
	errs     []error
}

func (f *fakeSender) Send(message string, params *stypes.Params) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	if title, ok := params.Title(); ok {
		f.titles = append(f.titles, title)
	}
	return f.errs
}

type countingLogger struct {
	mu    sync.Mutex
	warns int
}

func (l *countingLogger) Warn(string, ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns++
}

func TestNew_NoURLsIsNoop(t *testing.T) {
	n, err := New(config.NotifyConfig{URLs: []string{"", "  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if n.Enabled() {
		t.Error("Enabled() = true without URLs")
	}
	n.Notify(context.Background(), "title", "message")
	n.Wait()
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(config.NotifyConfig{URLs: []string{"nosuchservice://token@host"}})
	if !errors.Is(err, ErrInvalidURL) {
		t.Errorf("New() error = %v, want ErrInvalidURL", err)
	}
}

func TestNotifier_Notify(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &fakeSender{}
	n := NewWithSender(sender)

	n.Notify(context.Background(), "sensemap", "New box Garden (b1) created")
	n.Notify(context.Background(), "", "Provisioning failed for box b2: output_write")
	n.Wait()

	if len(sender.messages) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sender.messages))
	}
	if len(sender.titles) != 1 || sender.titles[0] != "sensemap" {
		t.Errorf("titles = %v, want only the first notification titled", sender.titles)
	}
}

func TestNotifier_FailuresAreLogged(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &fakeSender{errs: []error{nil, errors.New("webhook returned 500")}}
	logger := &countingLogger{}
	n := NewWithSender(sender)
	n.SetLogger(logger)

	n.Notify(context.Background(), "t", "m")
	n.Wait()

	if logger.warns != 1 {
		t.Errorf("warnings = %d, want 1", logger.warns)
	}
}

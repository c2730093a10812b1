// Package notify sends operator notifications through shoutrrr URLs
// (Slack, Discord, Telegram, generic webhooks, ...).
//
// Notifications are fire-and-forget: Notify returns at once and delivery
// happens on a background goroutine. With no URLs configured the Notifier
// does nothing.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/sensemap/sensemap-core/internal/infrastructure/config"
)

// defaultTimeout bounds one delivery when the config leaves it unset.
const defaultTimeout = 10 * time.Second

// ErrInvalidURL indicates a notification URL could not be parsed.
var ErrInvalidURL = errors.New("notify: invalid notification url")

// Sender delivers a message to every configured service.
// *router.ServiceRouter satisfies it.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// Logger is the logging interface used by the Notifier.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Notifier sends notifications asynchronously.
type Notifier struct {
	sender Sender
	logger Logger
	wg     sync.WaitGroup
}

// New creates a Notifier for the configured URLs.
func New(cfg config.NotifyConfig) (*Notifier, error) {
	urls := make([]string, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return &Notifier{logger: noopLogger{}}, nil
	}

	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		// The cause may contain credentials embedded in the URL.
		return nil, ErrInvalidURL
	}
	sender.Timeout = defaultTimeout
	if cfg.Timeout > 0 {
		sender.Timeout = time.Duration(cfg.Timeout) * time.Second
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	return NewWithSender(sender), nil
}

// NewWithSender creates a Notifier delivering through s.
func NewWithSender(s Sender) *Notifier {
	return &Notifier{sender: s, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (n *Notifier) SetLogger(logger Logger) {
	n.logger = logger
}

// Enabled reports whether any target is configured.
func (n *Notifier) Enabled() bool {
	return n.sender != nil
}

// Notify queues a notification. Delivery failures are logged.
func (n *Notifier) Notify(_ context.Context, title, message string) {
	if n.sender == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.send(title, message); err != nil {
			n.logger.Warn("notification failed", "title", title, "error", err)
		}
	}()
}

// Wait blocks until queued notifications are delivered.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) send(title, message string) error {
	params := stypes.Params{}
	if title != "" {
		params.SetTitle(title)
	}
	var failed []error
	for _, err := range n.sender.Send(message, &params) {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of the notification targets failed: %w", len(failed), failed[0])
	}
	return nil
}

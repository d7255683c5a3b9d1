package execution

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/defi-autorepay/internal/config"
	"go.uber.org/zap"
)

// Failure describes a repay that exhausted its attempts while the account
// stayed at zero health.
type Failure struct {
	Vault         string
	Owner         string
	Attempts      int
	LastSignature string
	Err           error
	At            time.Time
}

// Notifier delivers terminal failures to an operator.
type Notifier interface {
	NotifyFailure(ctx context.Context, f Failure) error
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*EmailNotifier)(nil)
	_ Notifier = Notifiers(nil)
)

// LogNotifier records failures on the structured log only.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) NotifyFailure(ctx context.Context, f Failure) error {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("repay failure alert", zap.String("vault", f.Vault), zap.String("owner", f.Owner), zap.Int("attempts", f.Attempts))
	return nil
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails each failure to the configured recipients.
type EmailNotifier struct {
	cfg      config.Alerts
	sendMail sendMailFunc
}

// NewEmailNotifier returns nil when no recipients or host are configured.
func NewEmailNotifier(cfg config.Alerts) *EmailNotifier {
	if len(cfg.EmailTo) == 0 || strings.TrimSpace(cfg.EmailHost) == "" {
		return nil
	}
	if cfg.EmailPort == 0 {
		cfg.EmailPort = 587
	}
	return &EmailNotifier{cfg: cfg, sendMail: smtp.SendMail}
}

func (n *EmailNotifier) NotifyFailure(ctx context.Context, f Failure) error {
	if n == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := n.cfg.EmailHost + ":" + strconv.Itoa(n.cfg.EmailPort)
	var auth smtp.Auth
	if n.cfg.EmailUser != "" {
		auth = smtp.PlainAuth("", n.cfg.EmailUser, n.cfg.EmailPassword, n.cfg.EmailHost)
	}
	from := n.cfg.EmailFrom
	if from == "" {
		from = n.cfg.EmailUser
	}
	if err := n.sendMail(addr, auth, from, n.cfg.EmailTo, failureMessage(from, n.cfg.EmailTo, f)); err != nil {
		return fmt.Errorf("send failure email: %w", err)
	}
	return nil
}

func failureMessage(from string, to []string, f Failure) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: autorepay failed for vault %s\r\n", f.Vault)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Vault: %s\r\nOwner: %s\r\nAttempts: %d\r\n", f.Vault, f.Owner, f.Attempts)
	if f.LastSignature != "" {
		fmt.Fprintf(&b, "Last signature: %s\r\n", f.LastSignature)
	}
	if f.Err != nil {
		fmt.Fprintf(&b, "Error: %v\r\n", f.Err)
	}
	fmt.Fprintf(&b, "Time: %s\r\n", f.At.UTC().Format(time.RFC3339))
	return []byte(b.String())
}

// Notifiers fans a failure out to every notifier and returns the first error.
type Notifiers []Notifier

func (ns Notifiers) NotifyFailure(ctx context.Context, f Failure) error {
	var first error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.NotifyFailure(ctx, f); err != nil && first == nil {
			first = err
		}
	}
	return first
}

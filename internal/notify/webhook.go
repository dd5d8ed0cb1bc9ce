// Package notify posts pool events to operator webhooks.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// Retry configuration
const (
	maxRetries     = 3
	retryBaseDelay = 2 * time.Second
)

// Notifier sends Discord and Telegram webhook notifications
type Notifier struct {
	cfg    *config.NotifyConfig
	client *http.Client
}

// NewNotifier creates a notifier
func NewNotifier(cfg *config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyBlockFound announces a found block
func (n *Notifier) NotifyBlockFound(coin string, height int64, hash, worker string) {
	if !n.cfg.Enabled {
		return
	}
	msg := fmt.Sprintf("[%s] Block found at height %d by %s\n%s", coin, height, worker, hash)
	n.dispatch(msg)
}

// NotifyPaymentSent announces a completed payout run
func (n *Notifier) NotifyPaymentSent(coin string, amount float64, workers int, txid string) {
	if !n.cfg.Enabled {
		return
	}
	msg := fmt.Sprintf("[%s] Paid %.8f to %d miners\ntx %s", coin, amount, workers, txid)
	n.dispatch(msg)
}

// NotifyOrphanBlock announces an orphaned round
func (n *Notifier) NotifyOrphanBlock(coin string, height int64, hash string) {
	if !n.cfg.Enabled {
		return
	}
	msg := fmt.Sprintf("[%s] Block at height %d orphaned\n%s", coin, height, hash)
	n.dispatch(msg)
}

func (n *Notifier) dispatch(msg string) {
	if n.cfg.DiscordURL != "" {
		go n.postWithRetry(n.cfg.DiscordURL, map[string]string{"content": msg})
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		tgURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", url.PathEscape(n.cfg.TelegramBot))
		go n.postWithRetry(tgURL, map[string]string{
			"chat_id": n.cfg.TelegramChat,
			"text":    msg,
		})
	}
}

func (n *Notifier) postWithRetry(endpoint string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBaseDelay * time.Duration(attempt))
		}
		resp, err := n.client.Post(endpoint, "application/json", bytes.NewReader(body))
		if err != nil {
			util.Debugf("webhook post failed (attempt %d): %v", attempt+1, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		util.Debugf("webhook post returned %d (attempt %d)", resp.StatusCode, attempt+1)
	}
	util.Warnf("webhook notification dropped after %d attempts", maxRetries)
}

package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Discord delivers messages through a webhook as embeds.
type Discord struct {
	webhookURL string
	client     *http.Client
}

// NewDiscord creates the provider. An empty URL yields a disabled provider.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *Discord) Name() string  { return "discord" }
func (d *Discord) Enabled() bool { return d.webhookURL != "" }

func (d *Discord) Send(msg *Message) error {
	color := 0x2ECC71
	switch {
	case msg.Kind == KindAlert:
		color = 0xE74C3C
	case msg.Kind == KindTradeClose && msg.PnL < 0:
		color = 0xE74C3C
	}

	embed := map[string]interface{}{
		"title":       msg.Title,
		"description": msg.Body,
		"color":       color,
		"timestamp":   msg.Timestamp.Format(time.RFC3339),
	}
	if msg.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": msg.Symbol, "inline": true},
		}
		if msg.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", msg.Price), "inline": true,
			})
		}
		if msg.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.4f", msg.PnL), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload, err := json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return nil
}

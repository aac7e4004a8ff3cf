package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/metrics"
)

// Monitor polls nsqd's stats endpoint and exports channel depths for the
// transfer and dead letter topics.
type Monitor struct {
	StatsURL string // e.g. http://nsqd:4151/stats?format=json
	Topics   []string
	Interval time.Duration
	Client   *http.Client

	logger *logging.Logger
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// StatsURL derives the stats endpoint from nsqd's HTTP address.
func StatsURL(nsqdHTTPAddr string) string {
	return fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr)
}

// Poll reads stats once and updates the backlog gauge.
func (m *Monitor) Poll(ctx context.Context) error {
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.StatsURL, nil)
	if err != nil {
		return fmt.Errorf("queue: stats request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("queue: get stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("queue: get stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("queue: decode stats: %w", err)
	}

	watched := make(map[string]bool, len(m.Topics))
	for _, name := range m.Topics {
		watched[name] = true
	}
	for _, topic := range stats.Topics {
		if !watched[topic.Name] {
			continue
		}
		// a topic without channels still buffers messages at the topic level
		if len(topic.Channels) == 0 {
			metrics.UpdateQueueBacklog(topic.Name, "", float64(topic.Depth))
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateQueueBacklog(topic.Name, ch.Name, float64(ch.Depth))
		}
	}
	return nil
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.logger == nil {
		m.logger = logging.New("wells-queue-monitor")
	}
	interval := m.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Plain().WithError(err).Error("failed to read nsq stats")
			}
		}
	}
}

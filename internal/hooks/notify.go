// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cardinalhq/tracesort/internal/idgen"
	"github.com/cardinalhq/tracesort/internal/logctx"
	"github.com/cardinalhq/tracesort/internal/sortjob"
)

// NotifyConfig configures the Kafka completion notification.
type NotifyConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{WriteTimeout: 10 * time.Second}
}

func (c NotifyConfig) Enabled() bool { return len(c.Brokers) > 0 && c.Topic != "" }

// Notification is the JSON message published when a trace has been sorted.
type Notification struct {
	JobID       string    `json:"job_id"`
	Instance    string    `json:"instance"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Object      string    `json:"object,omitempty"`
	Format      string    `json:"format"`
	Records     int64     `json:"records"`
	FirstKey    *int64    `json:"first_key,omitempty"`
	LastKey     *int64    `json:"last_key,omitempty"`
	SortedAt    time.Time `json:"sorted_at"`
}

// MessageWriter is the subset of *kafka.Writer the hook uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NotifyHook publishes a Notification for each sorted trace.
type NotifyHook struct {
	writer MessageWriter
	object func(sortjob.Trace) string
	now    func() time.Time
}

// NewKafkaWriter returns a synchronous writer for cfg.Topic. Messages are
// keyed by job ID.
func NewKafkaWriter(cfg NotifyConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
		BatchSize:    1,
	}
}

// NewNotifyHook returns a hook writing to w. object, if not nil, names the
// published copy of the output.
func NewNotifyHook(w MessageWriter, object func(sortjob.Trace) string) *NotifyHook {
	return &NotifyHook{writer: w, object: object, now: time.Now}
}

func (h *NotifyHook) ProcessMetadata(ctx context.Context, trace sortjob.Trace, _ string) error {
	n := Notification{
		JobID:       trace.JobID,
		Instance:    idgen.InstanceID(),
		Source:      trace.Source,
		Destination: trace.Destination,
		Format:      string(trace.Format),
		Records:     trace.Stats.RecordsOut,
		SortedAt:    h.now().UTC(),
	}
	if h.object != nil {
		n.Object = h.object(trace)
	}
	if trace.Stats.Keyed > 0 {
		first, last := trace.Stats.FirstKey, trace.Stats.LastKey
		n.FirstKey, n.LastKey = &first, &last
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := h.writer.WriteMessages(ctx, kafka.Message{Key: []byte(trace.JobID), Value: payload}); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	logctx.FromContext(ctx).Debug("Sent completion notification", slog.String("jobID", trace.JobID))
	return nil
}

// Close closes the underlying writer.
func (h *NotifyHook) Close() error {
	return h.writer.Close()
}

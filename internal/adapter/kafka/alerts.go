// Package kafka publishes severe-anomaly alerts to the alerting bus.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/terracast/crop-signal-engine/internal/config"
	"github.com/terracast/crop-signal-engine/internal/domain"
)

// AlertWriter produces severe-anomaly alerts to a Kafka topic.
// It implements pipeline.AlertPublisher.
type AlertWriter struct {
	writer    *kafkago.Writer
	directory domain.CountyDirectory
	logger    *slog.Logger
}

// NewAlertWriter creates a Kafka producer for the configured alerts topic.
// A nil directory disables county-name enrichment.
func NewAlertWriter(cfg *config.Config, directory domain.CountyDirectory, logger *slog.Logger) *AlertWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaAlertsTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &AlertWriter{writer: w, directory: directory, logger: logger}
}

// PublishAlerts serializes and publishes the given records in a single
// WriteMessages call for efficiency. The caller passes only records it
// wants alerted on; no further filtering happens here.
func (w *AlertWriter) PublishAlerts(ctx context.Context, runID string, recs []domain.AnomalyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	counties := w.countyInfo(ctx, recs)
	msgs := make([]kafkago.Message, len(recs))
	for i := range recs {
		msg, err := serializeAlert(runID, recs[i], counties[recs[i].CountyID])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d alert(s): %w", len(msgs), err)
	}
	w.logger.Debug("alerts written to kafka", "count", len(msgs))
	return nil
}

func (w *AlertWriter) Close() error {
	return w.writer.Close()
}

// countyInfo resolves directory metadata for each distinct county in the
// batch. A failed lookup degrades to an unenriched alert.
func (w *AlertWriter) countyInfo(ctx context.Context, recs []domain.AnomalyRecord) map[string]domain.CountyInfo {
	if w.directory == nil {
		return nil
	}
	out := make(map[string]domain.CountyInfo)
	for _, rec := range recs {
		if _, ok := out[rec.CountyID]; ok {
			continue
		}
		info, err := w.directory.Lookup(ctx, rec.CountyID)
		if err != nil {
			w.logger.Warn("county lookup failed", "county_id", rec.CountyID, "error", err)
			info = domain.CountyInfo{}
		}
		out[rec.CountyID] = info
	}
	return out
}

// alert is the wire form of one anomaly alert.
type alert struct {
	RunID       string   `json:"run_id"`
	Date        string   `json:"date"`
	CountyID    string   `json:"county_id"`
	CountyName  string   `json:"county_name,omitempty"`
	State       string   `json:"state,omitempty"`
	Band        string   `json:"band"`
	Value       float64  `json:"value"`
	ZScore      *float64 `json:"z_score,omitempty"`
	Percentile  *float64 `json:"percentile,omitempty"`
	Flag        string   `json:"flag"`
	GrowthStage string   `json:"growth_stage"`
	Persist7    int      `json:"persist_7d"`
	Persist14   int      `json:"persist_14d"`
}

// serializeAlert marshals an anomaly record into a Kafka message keyed
// county|band|date, so one reading maps to one stable key.
func serializeAlert(runID string, rec domain.AnomalyRecord, county domain.CountyInfo) (kafkago.Message, error) {
	date := rec.Date.Format(domain.DateFormat)
	a := alert{
		RunID:       runID,
		Date:        date,
		CountyID:    rec.CountyID,
		CountyName:  county.Name,
		State:       county.State,
		Band:        string(rec.Band),
		Value:       rec.Value,
		ZScore:      rec.ZScore,
		Percentile:  rec.Percentile,
		Flag:        string(rec.Flag),
		GrowthStage: rec.GrowthStage,
		Persist7:    rec.Persist7,
		Persist14:   rec.Persist14,
	}
	data, err := json.Marshal(a)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(fmt.Sprintf("%s|%s|%s", rec.CountyID, rec.Band, date)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(runID)},
			{Key: "band", Value: []byte(rec.Band)},
		},
	}, nil
}

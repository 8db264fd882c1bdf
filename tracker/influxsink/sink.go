// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package influxsink exports flushed experiment events to InfluxDB.
//
// The sink is optional: the store stays the system of record, and InfluxDB
// only feeds time-series dashboards. Export failures are reported to the
// tracker, which logs and counts them without retrying; Influx data is a
// best-effort mirror.
package influxsink

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianExperiments/experiment"
	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
)

// measurement is the InfluxDB measurement name for experiment events.
const measurement = "experiment_events"

// Config configures the InfluxDB sink.
type Config struct {
	// URL is the InfluxDB server address, e.g. "http://influxdb:8086".
	URL string

	// Token is the API token.
	Token string

	// Org and Bucket select the write destination.
	Org    string
	Bucket string
}

// Sink writes flushed events as InfluxDB points.
//
// Thread Safety: Safe for concurrent use; the tracker calls Export from a
// single flusher goroutine anyway.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// New connects the sink. The connection is lazy; the first Export surfaces
// reachability problems.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influx sink requires a URL")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Sink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// Export writes one flushed batch as points tagged by experiment, variant,
// and event type.
func (s *Sink) Export(ctx context.Context, events []experiment.Event) error {
	points := make([]*write.Point, 0, len(events))
	dropped := 0
	for i := range events {
		ev := &events[i]
		// Identifiers become tag values; anything that cannot appear
		// safely in line protocol is dropped rather than escaped.
		if err := validation.ValidateTagValues(ev.ExperimentID, ev.VariantID, string(ev.Type)); err != nil {
			dropped++
			continue
		}
		fields := map[string]interface{}{
			"count": 1,
		}
		if ev.Value != nil {
			fields["value"] = *ev.Value
		}
		points = append(points, influxdb2.NewPoint(
			measurement,
			map[string]string{
				"experiment_id": ev.ExperimentID,
				"variant_id":    ev.VariantID,
				"event_type":    string(ev.Type),
			},
			fields,
			ev.OccurredAt,
		))
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points: %w", len(points), err)
	}
	if dropped > 0 {
		return fmt.Errorf("dropped %d events with unsafe tag values", dropped)
	}
	return nil
}

// Close releases the client.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

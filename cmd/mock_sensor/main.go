package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"

	"rfwatch/geo"
	"rfwatch/models"
	"rfwatch/mq"
)

// Emits a synthetic RF scene: one drone (2.4 GHz control plus 5.8 GHz video)
// flying a straight line through background Wi-Fi noise.
func main() {
	endpoint := flag.String("url", "http://localhost:5000/api/signals", "Signal ingest endpoint")
	brokers := flag.String("kafka", "", "Comma-separated Kafka brokers; publishes instead of POSTing when set")
	topic := flag.String("topic", "rf-signals", "Kafka topic")
	lat := flag.Float64("lat", 47.3769, "Scene centre latitude")
	lon := flag.Float64("lon", 8.5417, "Scene centre longitude")
	speed := flag.Float64("speed", 12, "Drone ground speed in m/s")
	noise := flag.Int("noise", 20, "Background Wi-Fi emitters per batch")
	interval := flag.Duration("interval", time.Second, "Delay between batches")
	count := flag.Int("n", 0, "Number of batches (0 runs until interrupted)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var send func(context.Context, []models.SignalRecord) error
	if *brokers != "" {
		writer := mq.NewWriter(strings.Split(*brokers, ","), *topic)
		defer writer.Close()
		send = func(ctx context.Context, batch []models.SignalRecord) error {
			return mq.PublishJSON(ctx, writer, "mock-sensor", batch)
		}
		fmt.Printf("Publishing to kafka topic %s on %s\n\n", *topic, *brokers)
	} else {
		send = func(ctx context.Context, batch []models.SignalRecord) error {
			return post(ctx, *endpoint, batch)
		}
		fmt.Printf("Posting to %s\n\n", *endpoint)
	}

	scene := newScene(*lat, *lon, *speed, *noise)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for i := 0; *count == 0 || i < *count; i++ {
		batch := scene.next(time.Now())
		if err := send(ctx, batch); err != nil {
			log.Printf("batch %d failed: %v\n", i+1, err)
		} else {
			fmt.Printf("→ batch %d: %d signals, drone at %.5f,%.5f\n", i+1, len(batch), scene.droneLat, scene.droneLon)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type scene struct {
	centerLat, centerLon float64
	droneLat, droneLon   float64
	headingDeg           float64
	speed                float64
	noise                int
	last                 time.Time
	rng                  *rand.Rand
}

func newScene(lat, lon, speed float64, noise int) *scene {
	return &scene{
		centerLat:  lat,
		centerLon:  lon,
		droneLat:   lat,
		droneLon:   lon,
		headingDeg: 45,
		speed:      speed,
		noise:      noise,
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 7)),
	}
}

func (s *scene) next(now time.Time) []models.SignalRecord {
	if !s.last.IsZero() {
		dist := s.speed * now.Sub(s.last).Seconds()
		s.droneLat, s.droneLon = geo.Destination(s.droneLat, s.droneLon, s.headingDeg, dist)
		// Turn back once the drone is more than 1 km out.
		if geo.Haversine(s.centerLat, s.centerLon, s.droneLat, s.droneLon) > 1000 {
			s.headingDeg = math.Mod(s.headingDeg+180, 360)
		}
	}
	s.last = now
	ms := now.UnixMilli()

	batch := []models.SignalRecord{
		{
			ID: "mock-ctl-" + uuid.NewString()[:8], Lat: s.droneLat, Lon: s.droneLon,
			FrequencyMHz: 2440 + s.rng.Float64()*4, PowerDbm: -48 - s.rng.Float64()*4,
			TimestampMs: ms, Source: models.SourceSimulated,
		},
		{
			ID: "mock-vid-" + uuid.NewString()[:8], Lat: s.droneLat, Lon: s.droneLon,
			FrequencyMHz: 5800 + s.rng.Float64()*20, PowerDbm: -58 - s.rng.Float64()*4,
			TimestampMs: ms, Source: models.SourceSimulated,
		},
	}
	for i := 0; i < s.noise; i++ {
		lat, lon := geo.Destination(s.centerLat, s.centerLon, s.rng.Float64()*360, s.rng.Float64()*800)
		batch = append(batch, models.SignalRecord{
			ID:           fmt.Sprintf("mock-wifi-%d-%d", i, ms),
			Lat:          lat,
			Lon:          lon,
			FrequencyMHz: 2412 + float64(5*s.rng.IntN(11)),
			PowerDbm:     -85 + s.rng.Float64()*20,
			TimestampMs:  ms,
			Source:       models.SourceWiFi,
		})
	}
	return batch
}

func post(ctx context.Context, endpoint string, batch []models.SignalRecord) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("post signals: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"adaptivx/internal/model"
)

// ParseSample decodes one sensor sample. Field names are matched case
// insensitively and a few common aliases are accepted.
func ParseSample(data []byte) (model.SensorSample, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return model.SensorSample{}, err
	}
	return ParseSampleMap(obj)
}

func ParseSampleMap(obj map[string]any) (model.SensorSample, error) {
	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[strings.ToLower(k)] = v
	}
	var s model.SensorSample
	s.AssetID = strings.TrimSpace(firstString(fields, "asset_id", "assetid", "asset", "machine"))
	var err error
	if s.VibRMS, err = firstNumber(fields, "vib_rms", "vibration", "vib"); err != nil {
		return s, err
	}
	if s.Omega, err = firstNumber(fields, "omega", "spindle_speed"); err != nil {
		return s, err
	}
	if s.Load, err = firstNumber(fields, "load"); err != nil {
		return s, err
	}
	if s.Wear, err = firstNumber(fields, "wear"); err != nil {
		return s, err
	}
	if ts := firstString(fields, "timestamp", "time", "ts"); ts != "" {
		if s.Timestamp, err = ParseTimestamp(ts); err != nil {
			return s, fmt.Errorf("parse timestamp: %w", err)
		}
	}
	return s, nil
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		default:
			return fmt.Sprint(t)
		}
	}
	return ""
}

func firstNumber(fields map[string]any, keys ...string) (float64, error) {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return 0, fmt.Errorf("field %s: %w", k, err)
			}
			return f, nil
		default:
			return 0, fmt.Errorf("field %s: unsupported value %v", k, v)
		}
	}
	return 0, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

// ParseTimestamp accepts RFC 3339 and a few zone-less layouts (read as
// UTC), or unix seconds or milliseconds.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		if f > 1e12 {
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

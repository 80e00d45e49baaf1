package main

import (
	"path/filepath"
	"testing"

	"adaptivx/internal/config"
	"adaptivx/internal/oracle"
)

func TestReloadKeepsCalibratedModelVersion(t *testing.T) {
	cal := &oracle.Calibration{ModelVersion: "stat-detector-2.0"}
	next := config.DefaultConfig()
	next.Fusion.WeightAnomaly, next.Fusion.WeightPhysics = 0.7, 0.3

	fus := calibratedFusion(cal, next)
	if fus.ModelVersion != "stat-detector-2.0" {
		t.Fatalf("calibrated model version lost on reload: %q", fus.ModelVersion)
	}
	if fus.WeightAnomaly != 0.7 || fus.WeightPhysics != 0.3 {
		t.Fatalf("reloaded weights not applied: %+v", fus)
	}
}

func TestReloadWithoutCalibration(t *testing.T) {
	next := config.DefaultConfig()
	next.Fusion.ModelVersion = "stat-detector-1.1"
	if fus := calibratedFusion(nil, next); fus != next.Fusion {
		t.Fatalf("uncalibrated reload must use the file as is: %+v", fus)
	}
}

func TestDumpConfigWritesLoadableDefaults(t *testing.T) {
	target := filepath.Join(t.TempDir(), "adaptivx.yaml")
	if err := dumpConfig("", target); err != nil {
		t.Fatalf("dump: %v", err)
	}
	cfg, err := config.Load(target)
	if err != nil {
		t.Fatalf("load dumped config: %v", err)
	}
	if cfg.API.Addr != config.DefaultConfig().API.Addr || len(cfg.Policy.Bands) != 3 {
		t.Fatalf("dumped config: %+v", cfg)
	}
}

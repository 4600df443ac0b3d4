package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load()
	require.NoError(t, err)

	if !cfg.IsDev() {
		t.Fatalf("expected IsDev true")
	}
	if cfg.IsProd() || cfg.IsTest() {
		t.Fatalf("expected prod/test false")
	}
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "genmedia-assets", cfg.BucketName)
	require.Equal(t, 2, cfg.WorkerDefaultConcurrency)
	require.Equal(t, 1, cfg.WorkerTripoConcurrency)
	require.Equal(t, 1, cfg.WorkerTripoRefineConcurrency)
	require.Equal(t, 5, cfg.OpenAISubmitsPerMinute)
	require.Empty(t, cfg.KafkaBrokers)
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("TRIPO_DOWNLOAD_TIMEOUT_SECONDS", "90")
	t.Setenv("IMAGE_JOB_TIMEOUT_SECONDS", "30")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProd())
	require.Len(t, cfg.KafkaBrokers, 2)
	require.Equal(t, 90*time.Second, cfg.TripoDownloadTimeout())
	require.Equal(t, 30*time.Second, cfg.JobDeadline("image"))
}

func Test_JobDeadline_Classes(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 180*time.Second, cfg.JobDeadline("image"))
	require.Equal(t, 600*time.Second, cfg.JobDeadline("model"))
	require.Equal(t, 900*time.Second, cfg.JobDeadline("multiview"))
	// unknown classes fall back to the image budget
	require.Equal(t, 180*time.Second, cfg.JobDeadline(""))
}

func Test_ArtifactBackoff_TestModeShortens(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := Load()
	require.NoError(t, err)

	maxElapsed, initial, maxIv, mult := cfg.GetArtifactBackoffConfig()
	require.LessOrEqual(t, maxElapsed, 5*time.Second)
	require.Less(t, initial, time.Second)
	require.LessOrEqual(t, maxIv, time.Second)
	require.Greater(t, mult, 1.0)
}

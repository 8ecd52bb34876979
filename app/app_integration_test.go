// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration
// +build integration

package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/soothill/plug-power-stream/config"
	"github.com/soothill/plug-power-stream/storage"
)

type AppIntegrationTestSuite struct {
	suite.Suite
	influxDBContainer testcontainers.Container
	influxDBURL       string
}

func TestAppIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(AppIntegrationTestSuite))
}

func (s *AppIntegrationTestSuite) SetupSuite() {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "influxdb:2.7",
		ExposedPorts: []string{"8086/tcp"},
		Env: map[string]string{
			"DOCKER_INFLUXDB_INIT_MODE":        "setup",
			"DOCKER_INFLUXDB_INIT_USERNAME":    "testuser",
			"DOCKER_INFLUXDB_INIT_PASSWORD":    "testpassword",
			"DOCKER_INFLUXDB_INIT_ORG":         "testorg",
			"DOCKER_INFLUXDB_INIT_BUCKET":      "testbucket",
			"DOCKER_INFLUXDB_INIT_ADMIN_TOKEN": "testtoken",
		},
		WaitingFor: wait.ForHTTP("/ping").WithPort("8086").WithStatusCodeMatcher(func(status int) bool {
			return status == 204
		}),
	}
	influxDBContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err)
	s.influxDBContainer = influxDBContainer

	ip, err := influxDBContainer.Host(ctx)
	s.Require().NoError(err)
	port, err := influxDBContainer.MappedPort(ctx, "8086")
	s.Require().NoError(err)
	s.influxDBURL = "http://" + ip + ":" + port.Port()
}

func (s *AppIntegrationTestSuite) TearDownSuite() {
	if s.influxDBContainer != nil {
		s.Require().NoError(s.influxDBContainer.Terminate(context.Background()))
	}
}

func (s *AppIntegrationTestSuite) TestRecordsReadingsToInfluxDB() {
	cfg := testConfig(s.T())
	cfg.Device.Simulate = true
	cfg.InfluxDB = config.InfluxDBConfig{
		Enabled:      true,
		URL:          s.influxDBURL,
		Token:        "testtoken",
		Organization: "testorg",
		Bucket:       "testbucket",
		QueueSize:    16,
	}

	a, err := New(context.Background(), cfg)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(time.Second)
	cancel()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(10 * time.Second):
		s.T().Fatal("App did not shut down gracefully")
	}

	db, err := storage.NewInfluxDBStorage(context.Background(), s.influxDBURL, "testtoken", "testorg", "testbucket")
	s.Require().NoError(err)
	defer db.Close()

	latest, err := db.QueryLatestReading(context.Background(), simulatedDeviceID)
	s.Require().NoError(err)
	s.Greater(latest.Power, 0.0)
}

package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Service is the club gateway: WebSocket push, change consumption and snapshots
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	snapshotHandler   *SnapshotHandler
	eventConsumer     *EventConsumer
}

// Config holds configuration for the club gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	// JetStreamConfig.URL empty runs without a consumer; changes then arrive through Broadcast.
	JetStreamConfig JetStreamConsumerConfig
}

// DefaultConfig returns default configuration for the club gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		JetStreamConfig:  DefaultJetStreamConsumerConfig(),
	}
}

// NewService creates a new club gateway service reading snapshots from s
func NewService(config Config, s store.Store) (*Service, error) {
	connectionManager := NewConnectionManager(config.ConnectionConfig)

	svc := &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		snapshotHandler:   NewSnapshotHandler(s),
	}

	if config.JetStreamConfig.URL != "" {
		eventConsumer, err := NewEventConsumer(connectionManager, config.JetStreamConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create event consumer: %w", err)
		}
		svc.eventConsumer = eventConsumer
	}

	return svc, nil
}

// Start runs the gateway until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Bool("consumer", s.eventConsumer != nil).Msg("starting club gateway service")

	go s.connectionManager.Start(ctx)

	if s.eventConsumer != nil {
		go func() {
			if err := s.eventConsumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("event consumer failed")
			}
		}()
	}

	<-ctx.Done()

	log.Info().Msg("club gateway service shutting down")
	return s.Stop()
}

// Stop gracefully shuts down the gateway service
func (s *Service) Stop() error {
	if s.eventConsumer != nil {
		if err := s.eventConsumer.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop event consumer")
		}
	}
	log.Info().Msg("club gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and snapshot routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.snapshotHandler.RegisterRoutes(mux)
	log.Info().Msg("club gateway routes registered")
}

// Broadcast pushes ev to the terminals watching its collection.
func (s *Service) Broadcast(ev models.ChangeEvent) error {
	return s.connectionManager.Broadcast(ev)
}

func (s *Service) Stats() Stats {
	return s.connectionManager.Stats()
}

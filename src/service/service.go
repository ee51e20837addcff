// Package service exposes the engine's stats over a small HTTP API.
package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/meshforge/lockstep/src/node"
	"github.com/sirupsen/logrus"
)

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process
// is simultaneously using the DefaultServerMux. In which case, the handlers
// will be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Lockstep API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/sync", s.makeHandler(s.GetSync))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve starts the HTTP service, blocking.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Lockstep API")

	if err := http.ListenAndServe(s.bindAddress, nil); err != nil {
		s.logger.WithError(err).Error("Lockstep API stopped")
	}
}

// GetStats returns the full engine stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.Stats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.WithError(err).Error("failed to encode stats")
	}
}

// GetSync returns just the sync tier, the shape dashboards poll.
func (s *Service) GetSync(w http.ResponseWriter, r *http.Request) {
	stats := s.node.Stats().Sync

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.WithError(err).Error("failed to encode sync stats")
	}
}

type peerInfo struct {
	ID            string `json:"id"`
	Moniker       string `json:"moniker,omitempty"`
	NetAddr       string `json:"netAddr,omitempty"`
	Reliability   uint8  `json:"reliability"`
	LastSeenFrame uint64 `json:"lastSeenFrame"`
}

// GetPeers returns the active peer set with reliability scores.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	peerSet := s.node.Peers()

	infos := make([]peerInfo, 0, peerSet.Len())
	for _, p := range peerSet.Peers {
		infos = append(infos, peerInfo{
			ID:            p.ID,
			Moniker:       p.Moniker,
			NetAddr:       p.NetAddr,
			Reliability:   p.Reliability,
			LastSeenFrame: p.LastSeenFrame,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		s.logger.WithError(err).Error("failed to encode peers")
	}
}

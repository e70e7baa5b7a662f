package peerlink

import (
	"fmt"
	"log/slog"

	"github.com/mossy-p/mesh-signaling/internal/logging"
	pion "github.com/pion/webrtc/v4"
)

// NewAPI builds a pion API with the default codecs and pion's internal
// logging routed to logger.
func NewAPI(logger *slog.Logger) (*pion.API, error) {
	return NewAPIWithSettings(pion.SettingEngine{}, logger)
}

// NewAPIWithSettings is NewAPI with a caller supplied SettingEngine, used to
// bind a virtual network in tests.
func NewAPIWithSettings(se pion.SettingEngine, logger *slog.Logger) (*pion.API, error) {
	if logger == nil {
		logger = slog.Default()
	}
	se.LoggerFactory = logging.PionFactory{Logger: logger}

	mediaEngine := &pion.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return pion.NewAPI(
		pion.WithSettingEngine(se),
		pion.WithMediaEngine(mediaEngine),
	), nil
}

// Factory creates peer connections for links.
type Factory struct {
	api        *pion.API
	iceServers []pion.ICEServer
}

func NewFactory(api *pion.API, iceServers []pion.ICEServer) *Factory {
	return &Factory{api: api, iceServers: iceServers}
}

// NewConnection creates a peer connection configured with the ICE servers.
func (f *Factory) NewConnection() (Connection, error) {
	pc, err := f.api.NewPeerConnection(pion.Configuration{
		ICEServers: f.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

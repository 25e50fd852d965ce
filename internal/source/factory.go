package source

import (
	"fmt"

	"github.com/xmesh/meshcollect/internal/checkpoint"
	"github.com/xmesh/meshcollect/internal/config"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/internal/security"
)

// FromConfig builds the source a channel's configuration names.
// checkpoints is only consulted by tail sources that opted in, and may
// be nil.
func FromConfig(ch config.ChannelConfig, checkpoints *checkpoint.Manager, logger *logging.Logger) (Source, error) {
	src := ch.Source

	switch src.Type {
	case "device":
		return NewDeviceSource(ch.Name, src.Path, ch.BufferSize, logger), nil

	case "tail":
		if !src.Checkpoint {
			checkpoints = nil
		}
		return NewTailSource(ch.Name, src.Path, ch.BufferSize, checkpoints, logger), nil

	case "tcp":
		cfg := &TCPConfig{
			Address:   src.Address,
			RateLimit: src.RateLimit,
		}
		if src.TLS != nil {
			cfg.TLS = &security.TLSConfig{
				Enabled:  src.TLS.Enabled,
				CertFile: src.TLS.CertFile,
				KeyFile:  src.TLS.KeyFile,
				CAFile:   src.TLS.CAFile,
			}
		}
		return NewTCPSource(ch.Name, cfg, ch.BufferSize, logger), nil

	case "pod":
		cfg := &PodConfig{
			Kubeconfig: src.Kubeconfig,
			Namespace:  src.Namespace,
			Pod:        src.Pod,
			Container:  src.Container,
		}
		return NewPodSource(ch.Name, cfg, ch.BufferSize, logger), nil

	default:
		return nil, fmt.Errorf("channel %s: unknown source type: %s", ch.Name, src.Type)
	}
}

package cluster

import (
	"encoding/base64"
	"fmt"
	"strings"

	"k8s.io/client-go/rest"
)

// createStaticConfig creates a rest.Config from an endpoint, base64 CA data
// and a bearer token.
func (f *Factory) createStaticConfig() (*rest.Config, error) {
	endpoint := f.source.Host
	if endpoint == "" {
		return nil, fmt.Errorf("cluster endpoint is required for static configuration")
	}

	// Ensure endpoint has https:// prefix
	if !strings.HasPrefix(endpoint, "http") {
		endpoint = "https://" + endpoint
	}

	var caData []byte
	if f.source.CAData != "" {
		var err error
		caData, err = base64.StdEncoding.DecodeString(f.source.CAData)
		if err != nil {
			return nil, fmt.Errorf("failed to decode CA data: %w", err)
		}
	}

	config := &rest.Config{
		Host:        endpoint,
		BearerToken: f.source.Token,
		TLSClientConfig: rest.TLSClientConfig{
			CAData: caData,
		},
	}

	f.logger.Info().
		Str("endpoint", endpoint).
		Bool("ca", len(caData) > 0).
		Msg("created static cluster config")

	return config, nil
}

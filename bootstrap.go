package cacheworker

import (
	"context"

	"github.com/rs/zerolog"
)

// Bootstrap registers the worker script, if a container is available.
// A nil container means workers are not supported and nothing happens.
// A failed registration is logged and not retried: the site keeps working
// without a worker. The registration is returned on success, nil otherwise.
func Bootstrap(ctx context.Context, container *Container, scriptPath string, log zerolog.Logger) *Registration {
	if container == nil {
		return nil
	}
	reg, err := container.Register(ctx, scriptPath)
	if err != nil {
		log.Error().Err(err).Str("script", scriptPath).Msg("Worker registration failed")
		return nil
	}
	log.Info().Str("scope", reg.Scope).Msg("Worker registration successful")
	return reg
}

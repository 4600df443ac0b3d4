package provider

import (
	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
)

type registryKey struct {
	p  domain.Provider
	op domain.Operation
}

// Registry owns one driver per routable (provider, operation) pair. It is
// built once at startup and read-only afterwards.
type Registry struct {
	drivers map[registryKey]domain.Driver
}

// NewRegistry wires every routable pair to its driver. HTTP clients are
// shared per timeout class: synchronous generators get the long budget,
// submit/poll providers the short one.
func NewRegistry(cfg config.Config) *Registry {
	gen := newClient(timeoutGenerate)
	short := newClient(timeoutShort)
	maxElapsed, initial, maxIvl, mult := cfg.GetArtifactBackoffConfig()
	dl := newDownloader(newClient(timeoutShort), maxElapsed, initial, maxIvl, mult)

	r := &Registry{drivers: map[registryKey]domain.Driver{}}
	add := func(p domain.Provider, op domain.Operation, d domain.Driver) {
		r.drivers[registryKey{p, op}] = d
	}

	add(domain.ProviderOpenAI, domain.OpImageToImage,
		NewOpenAIDriver(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, gen))

	for _, op := range []domain.Operation{
		domain.OpTextToImage,
		domain.OpImageToImage,
		domain.OpSketchToImage,
		domain.OpRemoveBackground,
		domain.OpSearchAndRecolor,
		domain.OpUpscale,
		domain.OpImageToModel,
	} {
		add(domain.ProviderStability, op,
			NewStabilityDriver(cfg.StabilityAPIKey, cfg.StabilityBaseURL, op, gen))
	}

	for _, op := range []domain.Operation{domain.OpImageToImage, domain.OpInpaint} {
		add(domain.ProviderRecraft, op,
			NewRecraftDriver(cfg.RecraftAPIKey, cfg.RecraftBaseURL, op, gen, dl))
	}

	for _, op := range []domain.Operation{domain.OpTextToImage, domain.OpImageToImage} {
		add(domain.ProviderFlux, op,
			NewFluxDriver(cfg.FluxAPIKey, cfg.FluxBaseURL, op, short))
	}

	for _, op := range []domain.Operation{domain.OpTextToModel, domain.OpImageToModel, domain.OpRefineModel} {
		add(domain.ProviderTripo, op,
			NewTripoDriver(cfg.TripoAPIKey, cfg.TripoBaseURL, op, short))
	}

	add(domain.ProviderLocal, domain.OpDownscale, NewLocalDriver())

	return r
}

// Driver returns the driver for a (provider, operation) pair.
func (r *Registry) Driver(p domain.Provider, op domain.Operation) (domain.Driver, bool) {
	d, ok := r.drivers[registryKey{p, op}]
	return d, ok
}

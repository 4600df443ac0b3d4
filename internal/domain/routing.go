package domain

import "time"

// Queue names. Membership per (provider, operation) is fixed at build time.
const (
	QueueDefault     = "default"
	QueueTripoOther  = "tripo_other"
	QueueTripoRefine = "tripo_refine"
)

// DeadlineClass selects which configured total timeout bounds a job.
// Multiview is not in the table: the submission path promotes a model route
// to DeadlineMultiview when the request asks for multiview assembly.
type DeadlineClass string

const (
	DeadlineImage     DeadlineClass = "image"
	DeadlineModel     DeadlineClass = "model"
	DeadlineMultiview DeadlineClass = "multiview"
)

// Route is one row of the routing table.
type Route struct {
	Queue     string
	Class     DeadlineClass
	PollEvery time.Duration
}

type routeKey struct {
	Provider  Provider
	Operation Operation
}

var routes = map[routeKey]Route{
	{ProviderOpenAI, OpImageToImage}:        {QueueDefault, DeadlineImage, 0},
	{ProviderStability, OpTextToImage}:      {QueueDefault, DeadlineImage, 0},
	{ProviderStability, OpImageToImage}:     {QueueDefault, DeadlineImage, 0},
	{ProviderStability, OpSketchToImage}:    {QueueDefault, DeadlineImage, 0},
	{ProviderStability, OpRemoveBackground}: {QueueDefault, DeadlineImage, 0},
	{ProviderStability, OpSearchAndRecolor}: {QueueDefault, DeadlineImage, 0},
	{ProviderStability, OpUpscale}:          {QueueDefault, DeadlineImage, 0},
	{ProviderStability, OpImageToModel}:     {QueueDefault, DeadlineModel, 0},
	{ProviderRecraft, OpImageToImage}:       {QueueDefault, DeadlineImage, 0},
	{ProviderRecraft, OpInpaint}:            {QueueDefault, DeadlineImage, 0},
	{ProviderFlux, OpTextToImage}:           {QueueDefault, DeadlineImage, 5 * time.Second},
	{ProviderFlux, OpImageToImage}:          {QueueDefault, DeadlineImage, 5 * time.Second},
	{ProviderLocal, OpDownscale}:            {QueueDefault, DeadlineImage, 0},
	{ProviderTripo, OpTextToModel}:          {QueueTripoOther, DeadlineModel, time.Second},
	{ProviderTripo, OpImageToModel}:         {QueueTripoOther, DeadlineModel, time.Second},
	{ProviderTripo, OpRefineModel}:          {QueueTripoRefine, DeadlineModel, time.Second},
}

// RouteFor returns the routing entry for a (provider, operation) pair.
func RouteFor(p Provider, op Operation) (Route, bool) {
	r, ok := routes[routeKey{p, op}]
	return r, ok
}

// defaultProvider is consulted when a request omits the provider field.
var defaultProvider = map[Operation]Provider{
	OpTextToImage:      ProviderStability,
	OpImageToImage:     ProviderOpenAI,
	OpSketchToImage:    ProviderStability,
	OpRemoveBackground: ProviderStability,
	OpInpaint:          ProviderRecraft,
	OpSearchAndRecolor: ProviderStability,
	OpUpscale:          ProviderStability,
	OpDownscale:        ProviderLocal,
	OpTextToModel:      ProviderTripo,
	OpImageToModel:     ProviderTripo,
	OpRefineModel:      ProviderTripo,
}

// DefaultProvider resolves the provider used when the client does not name
// one. Every exposed operation has a default.
func DefaultProvider(op Operation) (Provider, bool) {
	p, ok := defaultProvider[op]
	return p, ok
}

// KindOf maps an operation to the job table it belongs to.
func KindOf(op Operation) Kind {
	switch op {
	case OpTextToModel, OpImageToModel, OpRefineModel:
		return KindModel
	default:
		return KindImage
	}
}

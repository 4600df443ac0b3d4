package domain

// OutcomeKind discriminates DriverOutcome.
type OutcomeKind string

const (
	OutcomeSynchronous OutcomeKind = "synchronous"
	OutcomeRemoteTask  OutcomeKind = "remote_task"
	OutcomeFailed      OutcomeKind = "failed"
)

// ExtraArtifact is a secondary result (indices >= 1 of a multi-result
// response). It never updates the job envelope's asset_url.
type ExtraArtifact struct {
	Bytes       []byte
	ContentType string
}

// DriverOutcome is the normalized result of Driver.Submit.
type DriverOutcome struct {
	Kind OutcomeKind

	// Synchronous
	Bytes       []byte
	ContentType string
	Extras      []ExtraArtifact

	// RemoteTask
	ProviderTaskID string
	PollURL        string

	// Failed
	Reason string
}

// PollKind discriminates PollResult.
type PollKind string

const (
	PollInProgress PollKind = "in_progress"
	PollReady      PollKind = "ready"
	PollFailed     PollKind = "failed"
)

// PollResult is the normalized result of Driver.Poll. Ready carries either a
// URL to fetch or inline bytes, never both.
type PollResult struct {
	Kind PollKind

	Progress int

	ArtifactURL         string
	ArtifactBytes       []byte
	ArtifactContentType string

	Reason string
}

// PollRef identifies the remote computation to poll. Drivers that hand out a
// poll URL get it back verbatim; others receive the provider task ID.
type PollRef struct {
	ProviderTaskID string
	PollURL        string
}

// Capabilities tells the submission path what shape of input a driver wants
// and whether a poll loop will follow.
type Capabilities struct {
	NeedsInputBytes bool
	Synchronous     bool
	// ContentTypeHint is the expected artifact content type when the
	// provider does not declare one.
	ContentTypeHint string
}

// SubmitInputs is the typed bundle handed to Driver.Submit: pre-fetched
// input bytes (when the driver needs them), a canonical filename, and the
// operation's free-form parameters.
type SubmitInputs struct {
	Bytes       []byte
	ContentType string
	Filename    string
	MaskBytes   []byte
	Params      map[string]any
}

// Driver adapts one (provider, operation) pair to the orchestrator's
// canonical submit/poll contract. Drivers do not retry submissions; HTTP
// failures surface as a Failed outcome or an error.
type Driver interface {
	Submit(ctx Context, job Job, in SubmitInputs) (DriverOutcome, error)
	Poll(ctx Context, ref PollRef) (PollResult, error)
	Capabilities() Capabilities
}

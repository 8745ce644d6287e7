package domain

// Metadata is the generic JSON payload attached to runs and jobs.
type Metadata map[string]any

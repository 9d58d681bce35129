package runrecord

// MergeAgent applies incoming onto the agent record current already holds
// for the same agentId, per spec.md §4.3's merge rules:
//   - a terminal current status cannot be overwritten by a non-terminal
//     incoming status (the incoming status is simply dropped, everything
//     else about incoming still merges in);
//   - Artifacts and each EvalResult entry merge by key union, incoming wins
//     on conflict;
//   - DiffStatistics keeps the most recent non-empty value.
//
// current may be nil (first time this agent appears in the record).
func MergeAgent(current *AgentInvocationRecord, incoming AgentInvocationRecord) AgentInvocationRecord {
	if current == nil {
		return incoming
	}

	merged := *current
	if !current.Status.Terminal() {
		merged.Status = incoming.Status
	}
	if incoming.Model != "" {
		merged.Model = incoming.Model
	}
	if incoming.StartedAt != nil {
		merged.StartedAt = incoming.StartedAt
	}
	if incoming.CompletedAt != nil {
		merged.CompletedAt = incoming.CompletedAt
	}
	if incoming.CommitSha != "" {
		merged.CommitSha = incoming.CommitSha
	}
	if incoming.DiffStatistics != nil && !incoming.DiffStatistics.Empty() {
		merged.DiffStatistics = incoming.DiffStatistics
	}
	merged.Artifacts = mergeArtifacts(merged.Artifacts, incoming.Artifacts)
	merged.Evals = mergeEvals(merged.Evals, incoming.Evals)
	merged.Usage = merged.Usage.Add(incoming.Usage)
	if len(incoming.Warnings) > 0 {
		merged.Warnings = append(append([]string{}, merged.Warnings...), incoming.Warnings...)
	}
	if incoming.Error != "" {
		merged.Error = incoming.Error
	}
	return merged
}

func mergeArtifacts(current, incoming *Artifacts) *Artifacts {
	if incoming == nil {
		return current
	}
	if current == nil {
		cp := *incoming
		return &cp
	}
	merged := *current
	if incoming.DiffAttempted {
		merged.DiffAttempted = true
	}
	if incoming.DiffCaptured {
		merged.DiffCaptured = true
	}
	if incoming.StdoutCaptured {
		merged.StdoutCaptured = true
	}
	if incoming.StderrCaptured {
		merged.StderrCaptured = true
	}
	if incoming.SummaryCaptured {
		merged.SummaryCaptured = true
	}
	return &merged
}

// mergeEvals unions current and incoming by Slug, with incoming entries
// winning on conflict and preserving current's ordering for unchanged slugs.
func mergeEvals(current, incoming []EvalResult) []EvalResult {
	if len(incoming) == 0 {
		return current
	}
	byS := make(map[string]EvalResult, len(current)+len(incoming))
	order := make([]string, 0, len(current)+len(incoming))
	for _, e := range current {
		if _, ok := byS[e.Slug]; !ok {
			order = append(order, e.Slug)
		}
		byS[e.Slug] = e
	}
	for _, e := range incoming {
		if _, ok := byS[e.Slug]; !ok {
			order = append(order, e.Slug)
		}
		byS[e.Slug] = e
	}
	out := make([]EvalResult, len(order))
	for i, slug := range order {
		out[i] = byS[slug]
	}
	return out
}

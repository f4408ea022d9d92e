package intent

// MetricDef ties a canonical delivery metric to the warehouse table it is
// computed from and the phrases users reach for.
type MetricDef struct {
	Name     string
	Table    string
	Keywords []string
}

// Registry lists the supported DORA metrics. Order matters: earlier entries
// win when phrases overlap, so the more specific phrases come first.
var Registry = []MetricDef{
	{
		Name:     "change_failure_rate",
		Table:    "deployments",
		Keywords: []string{"change failure rate", "failure rate", "failed deployments", "failed deploys"},
	},
	{
		Name:     "deployment_frequency",
		Table:    "deployments",
		Keywords: []string{"deployment frequency", "deploy frequency", "release frequency", "deployments", "deploys", "releases"},
	},
	{
		Name:     "lead_time_for_changes",
		Table:    "changes",
		Keywords: []string{"lead time for changes", "lead time", "time to merge"},
	},
	{
		Name:     "time_to_restore",
		Table:    "incidents",
		Keywords: []string{"time to restore", "mean time to recovery", "mean time to restore", "mttr", "recovery time", "restore time", "incidents"},
	},
}

func LookupMetric(name string) (MetricDef, bool) {
	for _, def := range Registry {
		if def.Name == name {
			return def, true
		}
	}
	return MetricDef{}, false
}

package model

import "fmt"

// EntityKind names one category of remote data.
type EntityKind string

const (
	KindCommits         EntityKind = "commits"
	KindPullRequests    EntityKind = "pull_requests"
	KindReleases        EntityKind = "releases"
	KindDeployments     EntityKind = "deployments"
	KindVulnerabilities EntityKind = "vulnerabilities"
)

// AllKinds is the order a repository's kinds are dispatched in.
var AllKinds = []EntityKind{
	KindCommits,
	KindPullRequests,
	KindReleases,
	KindDeployments,
	KindVulnerabilities,
}

func ParseKind(s string) (EntityKind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}
